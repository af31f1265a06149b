package bridge

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const maxLineSize = 512 * 1024

// lineConn is a framed connection carrying one JSON document per line or
// message, depending on the transport.
type lineConn interface {
	ReadLine() ([]byte, error)
	WriteLine(data []byte) error
	Close() error
}

// dial opens a connection to the agent endpoint. tcp:// endpoints speak
// newline-delimited JSON; ws:// and wss:// endpoints carry one document per
// websocket text message.
func dial(rawURL string, timeout time.Duration) (lineConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge URL: %w", err)
	}

	switch u.Scheme {
	case "tcp":
		conn, err := net.DialTimeout("tcp", u.Host, timeout)
		if err != nil {
			return nil, err
		}
		return newTCPConn(conn), nil

	case "ws", "wss":
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.Dial(rawURL, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(maxLineSize)
		return &wsConn{conn: conn}, nil

	default:
		return nil, fmt.Errorf("unsupported bridge scheme %q", u.Scheme)
	}
}

type tcpConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newTCPConn(conn net.Conn) *tcpConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &tcpConn{conn: conn, scanner: scanner}
}

func (t *tcpConn) ReadLine() ([]byte, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("bridge connection closed")
	}
	line := make([]byte, len(t.scanner.Bytes()))
	copy(line, t.scanner.Bytes())
	return line, nil
}

func (t *tcpConn) WriteLine(data []byte) error {
	if _, err := t.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *tcpConn) Close() error {
	return t.conn.Close()
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadLine() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteLine(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return w.conn.Close()
}
