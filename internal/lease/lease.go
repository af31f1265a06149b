// Package lease enforces the one-update-in-flight invariant with an
// exclusive lease file. A second acquire while a live lease exists fails
// with ErrBusy instead of relying on operational discipline.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/orbiter-labs/otad/internal/logging"
)

var log = logging.L("lease")

// ErrBusy indicates another update or verification transaction holds the lease.
var ErrBusy = errors.New("another update is in flight")

const leaseFile = "update.lease"

// Record is the persisted lease.
type Record struct {
	HolderNonce string    `json:"holder_nonce"`
	Purpose     string    `json:"purpose"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease lapsed at time now.
func (r *Record) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Manager acquires and releases the exclusive update lease.
type Manager struct {
	dir      string
	ttl      time.Duration
	bootedAt time.Time
}

// NewManager creates a lease manager rooted at the marker directory.
func NewManager(dir string, ttl time.Duration) *Manager {
	m := &Manager{dir: dir, ttl: ttl}
	if sec, err := host.BootTime(); err == nil {
		m.bootedAt = time.Unix(int64(sec), 0)
	}
	return m
}

// fromEarlierBoot reports whether the lease was taken before this boot.
// The marker dir lives on persistent storage, and a staging transaction
// deliberately ends in a reboot without releasing; a lease that predates
// the running kernel cannot have a live holder.
func (m *Manager) fromEarlierBoot(rec *Record) bool {
	return !m.bootedAt.IsZero() && rec.AcquiredAt.Before(m.bootedAt)
}

func (m *Manager) path() string {
	return filepath.Join(m.dir, leaseFile)
}

// Acquire takes the lease, stealing it if the previous holder's lease
// expired or was taken before the current boot. Returns ErrBusy while a
// live lease is held by someone else.
func (m *Manager) Acquire(purpose string) (*Record, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lease dir: %w", err)
	}

	// O_CREAT|O_EXCL makes the acquire atomic.
	file, err := os.OpenFile(m.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lease: %w", err)
		}

		existing, readErr := m.read()
		if readErr != nil {
			return nil, fmt.Errorf("read existing lease: %w", readErr)
		}
		switch {
		case m.fromEarlierBoot(existing):
			log.Warn("stealing lease left over from a previous boot", "purpose", existing.Purpose, "acquiredAt", existing.AcquiredAt)
		case existing.IsExpired(time.Now()):
			log.Warn("stealing expired lease", "purpose", existing.Purpose, "expiredAt", existing.ExpiresAt)
		default:
			return nil, fmt.Errorf("%w: held for %q since %s", ErrBusy, existing.Purpose, existing.AcquiredAt.Format(time.RFC3339))
		}

		if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove expired lease: %w", err)
		}
		file, err = os.OpenFile(m.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			if os.IsExist(err) {
				return nil, fmt.Errorf("%w: lost race stealing expired lease", ErrBusy)
			}
			return nil, fmt.Errorf("create lease: %w", err)
		}
	}
	defer file.Close()

	now := time.Now().UTC()
	rec := &Record{
		HolderNonce: uuid.NewString(),
		Purpose:     purpose,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.ttl),
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		os.Remove(m.path())
		return nil, fmt.Errorf("marshal lease: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		os.Remove(m.path())
		return nil, fmt.Errorf("write lease: %w", err)
	}
	if err := file.Sync(); err != nil {
		os.Remove(m.path())
		return nil, fmt.Errorf("sync lease: %w", err)
	}

	return rec, nil
}

// Release frees the lease if the nonce matches the current holder.
// Releasing an already-released lease is a no-op.
func (m *Manager) Release(holderNonce string) error {
	rec, err := m.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lease: %w", err)
	}

	if rec.HolderNonce != holderNonce {
		return fmt.Errorf("cannot release lease: nonce mismatch")
	}

	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

// Current returns the current lease record, or nil when the lease is free.
func (m *Manager) Current() (*Record, error) {
	rec, err := m.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (m *Manager) read() (*Record, error) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &rec, nil
}
