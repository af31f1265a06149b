// Package slotstate persists per-slot health and boot-intent markers in a
// single structured state record on the boot partition. Every mutation is a
// whole-object write-to-temp-then-rename, so a power failure mid-operation
// leaves the store at either the pre- or post-state of exactly one mutation.
package slotstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orbiter-labs/otad/internal/slot"
)

// ErrMarkerWrite indicates the underlying storage rejected a state write.
// The previously committed record is preserved.
var ErrMarkerWrite = errors.New("marker state write failed")

// Health is the verified condition of a slot.
type Health string

const (
	Unverified Health = "unverified"
	Ok         Health = "ok"
	Failed     Health = "failed"
)

const stateFile = "state.json"

// Pending records a payload staged into a slot and the action that staged it.
type Pending struct {
	ActionID string    `json:"action_id"`
	StagedAt time.Time `json:"staged_at"`
}

// Markers is a read snapshot of the durable state.
type Markers struct {
	IntendedNext *slot.Slot
	Health       map[slot.Slot]Health
	Pending      map[slot.Slot]*Pending
	Rollbacks    int
}

type slotRecord struct {
	Health  Health   `json:"health"`
	Pending *Pending `json:"pending,omitempty"`
}

type record struct {
	Version      int                   `json:"version"`
	IntendedNext string                `json:"intended_next,omitempty"`
	Slots        map[string]slotRecord `json:"slots"`
	Rollbacks    int                   `json:"rollbacks"`
}

const recordVersion = 1

// Store reads and mutates the durable slot state record.
type Store struct {
	dir string
}

// New creates a store rooted at the given marker directory.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, stateFile)
}

func emptyRecord() *record {
	return &record{
		Version: recordVersion,
		Slots: map[string]slotRecord{
			slot.A.String(): {Health: Unverified},
			slot.B.String(): {Health: Unverified},
		},
	}
}

func (s *Store) load() (*record, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return emptyRecord(), nil
		}
		return nil, fmt.Errorf("read slot state: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse slot state: %w", err)
	}
	if rec.Slots == nil {
		rec.Slots = emptyRecord().Slots
	}
	for _, k := range []string{slot.A.String(), slot.B.String()} {
		if _, ok := rec.Slots[k]; !ok {
			rec.Slots[k] = slotRecord{Health: Unverified}
		}
	}
	return &rec, nil
}

// write persists the record atomically: temp file in the same directory,
// fsync, rename over the old record, fsync the directory.
func (s *Store) write(rec *record) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrMarkerWrite, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrMarkerWrite, err)
	}

	tmp, err := os.CreateTemp(s.dir, stateFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMarkerWrite, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrMarkerWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrMarkerWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrMarkerWrite, err)
	}

	if err := os.Rename(tmpName, s.path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrMarkerWrite, err)
	}

	if dir, err := os.Open(s.dir); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

func (s *Store) mutate(fn func(*record) error) error {
	rec, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return s.write(rec)
}

// Read returns a snapshot of the current markers.
func (s *Store) Read() (Markers, error) {
	rec, err := s.load()
	if err != nil {
		return Markers{}, err
	}

	m := Markers{
		Health:    make(map[slot.Slot]Health, 2),
		Pending:   make(map[slot.Slot]*Pending, 2),
		Rollbacks: rec.Rollbacks,
	}
	if rec.IntendedNext != "" {
		next, err := slot.Parse(rec.IntendedNext)
		if err != nil {
			return Markers{}, fmt.Errorf("corrupt intended_next: %w", err)
		}
		m.IntendedNext = &next
	}
	for key, sr := range rec.Slots {
		sl, err := slot.Parse(key)
		if err != nil {
			return Markers{}, fmt.Errorf("corrupt slot key: %w", err)
		}
		m.Health[sl] = sr.Health
		if sr.Pending != nil {
			p := *sr.Pending
			m.Pending[sl] = &p
		}
	}
	return m, nil
}

// SetIntendedNext records target as the slot the next boot should land in.
// At most one slot is ever intended; setting replaces any previous intent.
func (s *Store) SetIntendedNext(target slot.Slot) error {
	return s.mutate(func(rec *record) error {
		rec.IntendedNext = target.String()
		return nil
	})
}

// ClearIntendedNext removes the boot intent if it names the given slot.
func (s *Store) ClearIntendedNext(target slot.Slot) error {
	return s.mutate(func(rec *record) error {
		if rec.IntendedNext == target.String() {
			rec.IntendedNext = ""
		}
		return nil
	})
}

// MarkOk records a successful observed boot of the slot. Clears any stale
// failed marking; a slot is never both ok and failed.
func (s *Store) MarkOk(target slot.Slot) error {
	return s.mutate(func(rec *record) error {
		sr := rec.Slots[target.String()]
		sr.Health = Ok
		rec.Slots[target.String()] = sr
		return nil
	})
}

// MarkFailed records that booting the slot failed or was reverted.
func (s *Store) MarkFailed(target slot.Slot) error {
	return s.mutate(func(rec *record) error {
		sr := rec.Slots[target.String()]
		sr.Health = Failed
		rec.Slots[target.String()] = sr
		return nil
	})
}

// SetPendingDownload records that a payload is staged in the slot's backing
// store, tagged with the action that staged it.
func (s *Store) SetPendingDownload(target slot.Slot, actionID string) error {
	return s.mutate(func(rec *record) error {
		sr := rec.Slots[target.String()]
		sr.Pending = &Pending{ActionID: actionID, StagedAt: time.Now().UTC()}
		rec.Slots[target.String()] = sr
		return nil
	})
}

// ClearPendingDownload removes the staged-payload marker for the slot.
func (s *Store) ClearPendingDownload(target slot.Slot) error {
	return s.mutate(func(rec *record) error {
		sr := rec.Slots[target.String()]
		sr.Pending = nil
		rec.Slots[target.String()] = sr
		return nil
	})
}

// BumpRollbacks increments the consecutive boot-rollback counter and returns
// the new value.
func (s *Store) BumpRollbacks() (int, error) {
	var n int
	err := s.mutate(func(rec *record) error {
		rec.Rollbacks++
		n = rec.Rollbacks
		return nil
	})
	return n, err
}

// ResetRollbacks zeroes the consecutive boot-rollback counter.
func (s *Store) ResetRollbacks() error {
	return s.mutate(func(rec *record) error {
		rec.Rollbacks = 0
		return nil
	})
}
