// Package bootverify reconciles the intended boot slot against the slot the
// kernel actually booted, once per boot. A matching boot is committed; a
// mismatch (bootloader fell back, or the staged slot failed to boot) rolls
// the boot-select pointer back to the known-good slot.
package bootverify

import (
	"errors"
	"fmt"

	"github.com/orbiter-labs/otad/internal/bootsel"
	"github.com/orbiter-labs/otad/internal/logging"
	"github.com/orbiter-labs/otad/internal/slot"
	"github.com/orbiter-labs/otad/internal/slotstate"
)

var log = logging.L("bootverify")

// ErrRollbackBudgetExhausted indicates more consecutive boot rollbacks than
// the configured maximum. The pointer was still reverted to the running
// slot, but automatic updates should stop until an operator intervenes.
var ErrRollbackBudgetExhausted = errors.New("consecutive boot rollbacks exceeded budget")

// Result is the terminal state of one verification run.
type Result string

const (
	Committed  Result = "committed"
	RolledBack Result = "rolled_back"
)

// Outcome describes what one verification run observed and did.
type Outcome struct {
	Result     Result
	ActualSlot slot.Slot
	// FailedSlot is set on rollback: the slot that was intended but not booted.
	FailedSlot *slot.Slot
	// ActionID is the update action whose staged payload this boot resolved,
	// when one was recorded. Used to report the update's terminal status.
	ActionID  string
	Rollbacks int
}

// Verifier runs the per-boot reconciliation.
type Verifier struct {
	store        *slotstate.Store
	selector     bootsel.Selector
	maxRollbacks int
}

// New creates a verifier. maxRollbacks bounds consecutive automatic
// rollbacks before ErrRollbackBudgetExhausted is surfaced.
func New(store *slotstate.Store, selector bootsel.Selector, maxRollbacks int) *Verifier {
	return &Verifier{store: store, selector: selector, maxRollbacks: maxRollbacks}
}

// Run executes Start -> ReadActual -> Reconcile -> {Committed, RolledBack}.
// Running it twice for the same boot leaves identical marker state. Any
// marker write error aborts the run; prior committed state stays intact
// because every mutation is individually atomic.
func (v *Verifier) Run() (*Outcome, error) {
	// ReadActual: the kernel command line is authoritative, never a marker.
	actual, err := v.selector.Current()
	if err != nil {
		return nil, fmt.Errorf("read actual boot slot: %w", err)
	}

	markers, err := v.store.Read()
	if err != nil {
		return nil, fmt.Errorf("read markers: %w", err)
	}

	if markers.IntendedNext == nil || *markers.IntendedNext == actual {
		return v.commit(actual, markers)
	}
	return v.rollBack(actual, *markers.IntendedNext, markers)
}

// commit handles a boot that matches expectation: a normal boot, or a staged
// update that actually landed in its target slot.
func (v *Verifier) commit(actual slot.Slot, markers slotstate.Markers) (*Outcome, error) {
	if err := v.store.MarkOk(actual); err != nil {
		return nil, err
	}

	out := &Outcome{Result: Committed, ActualSlot: actual, Rollbacks: markers.Rollbacks}

	// A pending download on the booted slot means this boot proves the
	// staged update out. Consume the marker and reset the rollback budget.
	if pending := markers.Pending[actual]; pending != nil {
		out.ActionID = pending.ActionID
		if err := v.store.ClearPendingDownload(actual); err != nil {
			return nil, err
		}
		if err := v.store.ResetRollbacks(); err != nil {
			return nil, err
		}
		out.Rollbacks = 0
		log.Info("staged update committed", "slot", actual.String(), "actionId", pending.ActionID)
	} else {
		log.Info("boot verified", "slot", actual.String())
	}

	return out, nil
}

// rollBack handles a mismatch: mark the intended slot failed, drop its
// staged payload, and point boot selection back at the slot that is
// actually running. Mutation order matters: each step is independently
// durable and a crash between steps must leave a state the next run
// resolves the same way.
func (v *Verifier) rollBack(actual, intended slot.Slot, markers slotstate.Markers) (*Outcome, error) {
	log.Warn("boot mismatch, rolling back", "intended", intended.String(), "actual", actual.String())

	out := &Outcome{Result: RolledBack, ActualSlot: actual, FailedSlot: &intended}
	if pending := markers.Pending[intended]; pending != nil {
		out.ActionID = pending.ActionID
	}

	if err := v.store.MarkFailed(intended); err != nil {
		return nil, err
	}
	if err := v.store.ClearPendingDownload(intended); err != nil {
		return nil, err
	}
	if err := v.store.SetIntendedNext(actual); err != nil {
		return nil, err
	}
	// The running slot evidently boots; record that so a rerun of the
	// verifier in the same boot reconciles to the same state.
	if err := v.store.MarkOk(actual); err != nil {
		return nil, err
	}
	if err := v.selector.RequestNext(actual); err != nil {
		return nil, fmt.Errorf("revert boot-select pointer: %w", err)
	}

	n, err := v.store.BumpRollbacks()
	if err != nil {
		return nil, err
	}
	out.Rollbacks = n

	if n >= v.maxRollbacks {
		log.Error("rollback budget exhausted", "rollbacks", n, "max", v.maxRollbacks)
		return out, fmt.Errorf("%w: %d of %d", ErrRollbackBudgetExhausted, n, v.maxRollbacks)
	}
	return out, nil
}
