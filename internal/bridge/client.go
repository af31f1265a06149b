// Package bridge connects to the local uplink agent, receives update
// actions, and streams action-status events back over the same channel.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/orbiter-labs/otad/internal/actions"
	"github.com/orbiter-labs/otad/internal/logging"
	"github.com/orbiter-labs/otad/internal/retry"
	"github.com/orbiter-labs/otad/internal/workerpool"
)

var log = logging.L("bridge")

const (
	dialTimeout     = 10 * time.Second
	actionWorkers   = 2
	actionQueueSize = 8
	drainTimeout    = 30 * time.Second
)

// Config holds bridge client configuration.
type Config struct {
	URL            string
	ReportAttempts int
	ReportBackoff  time.Duration
}

// Handler executes one action, emitting interim and terminal statuses
// through report.
type Handler func(ctx context.Context, act actions.Action, report func(actions.Status))

// Client manages the connection to the uplink agent.
type Client struct {
	config    *Config
	handlers  map[string]Handler
	onConnect func()
	pool      *workerpool.Pool

	conn   lineConn
	connMu sync.RWMutex

	stopCtx    context.Context
	stopCancel context.CancelFunc
	stopOnce   sync.Once
}

// New creates a bridge client.
func New(cfg *Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:     cfg,
		handlers:   make(map[string]Handler),
		pool:       workerpool.New(actionWorkers, actionQueueSize),
		stopCtx:    ctx,
		stopCancel: cancel,
	}
}

// Register installs the handler for a named action. Must be called before
// Start.
func (c *Client) Register(name string, h Handler) {
	c.handlers[name] = h
}

// OnConnect installs a callback invoked after each successful connection,
// before the read loop starts. Must be called before Start.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

// Start runs the connect/read loop until Stop is called or ctx is
// cancelled.
func (c *Client) Start(ctx context.Context) {
	c.reconnectLoop(ctx)
}

// Stop closes the connection, ends the loop, and drains in-flight actions.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.stopCancel()

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		c.pool.Shutdown(drainCtx)

		log.Info("bridge stopped")
	})
}

func (c *Client) reconnectLoop(ctx context.Context) {
	backoff := retry.Backoff{
		Initial: time.Second,
		Max:     time.Minute,
		Factor:  2.0,
		Jitter:  0.3,
	}

	for {
		select {
		case <-c.stopCtx.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := dial(c.config.URL, dialTimeout)
		if err != nil {
			sleep := backoff.Next()
			log.Warn("bridge connection failed", "url", c.config.URL, "error", err, "retryIn", sleep)

			select {
			case <-c.stopCtx.Done():
				return
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}

		backoff.Reset()

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		log.Info("bridge connected", "url", c.config.URL)

		if c.onConnect != nil {
			c.onConnect()
		}

		c.readLoop(ctx)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		if c.stopCtx.Err() != nil {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		line, err := conn.ReadLine()
		if err != nil {
			if c.stopCtx.Err() == nil {
				log.Warn("bridge read error", "error", err)
			}
			return
		}

		var act actions.Action
		if err := json.Unmarshal(line, &act); err != nil {
			log.Warn("failed to parse action", "error", err)
			continue
		}
		if act.ID == "" {
			// Agent acknowledgments and other non-action traffic.
			continue
		}

		if !c.pool.Submit(func() { c.processAction(ctx, act) }) {
			c.report(actions.NewFailed(act.ID, "device busy: action queue full"))
		}
	}
}

func (c *Client) processAction(ctx context.Context, act actions.Action) {
	alog := logging.WithAction(log, act.ID, act.Name)
	alog.Info("processing action")

	handler, ok := c.handlers[act.Name]
	if !ok {
		alog.Error("no handler for action")
		c.report(actions.NewFailed(act.ID, fmt.Sprintf("unsupported action %q", act.Name)))
		return
	}

	handler(logging.NewContext(ctx, alog), act, c.report)
}

func (c *Client) report(status actions.Status) {
	if err := c.Send(status); err != nil {
		log.Error("failed to deliver action status",
			"actionId", status.ActionID, "state", string(status.State), "error", err)
	}
}

// Send delivers one status event over the live connection, retrying with
// the configured backoff before giving up.
func (c *Client) Send(status actions.Status) error {
	return c.SendEvent(status)
}

// SendEvent delivers an arbitrary event document (status, device shadow)
// over the live connection with the same bounded retry as Send.
func (c *Client) SendEvent(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return retry.Do(c.stopCtx, c.config.ReportAttempts, c.config.ReportBackoff, func() error {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return fmt.Errorf("bridge not connected")
		}
		return conn.WriteLine(data)
	})
}

// SendOnce dials the agent, delivers a single status event with bounded
// retries, and closes the connection. Used by one-shot invocations such as
// boot verification, where no long-lived client is running.
func SendOnce(cfg *Config, status actions.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	return retry.Do(context.Background(), cfg.ReportAttempts, cfg.ReportBackoff, func() error {
		conn, err := dial(cfg.URL, dialTimeout)
		if err != nil {
			return err
		}
		err = conn.WriteLine(data)
		conn.Close()
		return err
	})
}
