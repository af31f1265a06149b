// Package stage writes an OS payload into the inactive slot's backing store
// and records the intent to boot into it. Verification happens on the next
// boot; control does not return from a successful Stage call in production
// because the final step requests a reboot.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/orbiter-labs/otad/internal/bootsel"
	"github.com/orbiter-labs/otad/internal/logging"
	"github.com/orbiter-labs/otad/internal/slot"
	"github.com/orbiter-labs/otad/internal/slotstate"
)

var log = logging.L("stage")

// ErrLiveSlot is returned when staging targets the currently booted slot.
// This is a programming-error-class failure: nothing is mutated.
var ErrLiveSlot = errors.New("refusing to stage over the live slot")

// ErrPayloadStage wraps failures writing the payload into the slot backing.
// No marker mutation happens after a payload failure.
var ErrPayloadStage = errors.New("payload staging failed")

// Rebooter requests a system reboot.
type Rebooter interface {
	Reboot() error
}

// Stager writes payloads into the inactive slot.
type Stager struct {
	table    slot.Table
	store    *slotstate.Store
	selector bootsel.Selector
	rebooter Rebooter
}

// New creates a stager.
func New(table slot.Table, store *slotstate.Store, selector bootsel.Selector, rebooter Rebooter) *Stager {
	return &Stager{table: table, store: store, selector: selector, rebooter: rebooter}
}

// Stage copies the payload into target's backing store, records boot intent
// and the pending download tagged with actionID, points the bootloader at
// the target, and requests a reboot.
func (s *Stager) Stage(ctx context.Context, target slot.Slot, payloadPath, actionID string) error {
	current, err := s.selector.Current()
	if err != nil {
		return fmt.Errorf("read current boot slot: %w", err)
	}
	if target == current {
		return fmt.Errorf("%w: slot %s is booted", ErrLiveSlot, target)
	}

	backing, ok := s.table[target]
	if !ok {
		return fmt.Errorf("slot %s has no configured backing", target)
	}

	if err := s.preflight(backing, payloadPath); err != nil {
		return err
	}

	checksum, err := s.writePayload(ctx, backing.Device, payloadPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadStage, err)
	}
	log.Info("payload staged", "slot", target.String(), "sha256", checksum)

	// Marker order: intent first, then the staged-payload record the boot
	// verifier consumes.
	if err := s.store.SetIntendedNext(target); err != nil {
		return err
	}
	if err := s.store.SetPendingDownload(target, actionID); err != nil {
		return err
	}
	// A fresh update transaction starts with a clean rollback budget.
	if err := s.store.ResetRollbacks(); err != nil {
		return err
	}

	if err := s.selector.RequestNext(target); err != nil {
		return fmt.Errorf("request next boot slot: %w", err)
	}

	log.Info("rebooting into staged slot", "slot", target.String(), "actionId", actionID)
	return s.rebooter.Reboot()
}

// preflight verifies the payload exists and, when the backing is an
// ordinary file on a filesystem, that enough free space remains for it.
// Raw block-device backings skip the space check.
func (s *Stager) preflight(backing slot.Backing, payloadPath string) error {
	info, err := os.Stat(payloadPath)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", ErrPayloadStage, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: payload %s is a directory", ErrPayloadStage, payloadPath)
	}

	devInfo, err := os.Stat(backing.Device)
	if err == nil && devInfo.Mode()&os.ModeDevice != 0 {
		return nil
	}

	usage, err := disk.Usage(filepath.Dir(backing.Device))
	if err != nil {
		// Space check is advisory; the copy itself still fails loudly.
		log.Warn("free-space preflight unavailable", "error", err)
		return nil
	}
	if usage.Free < uint64(info.Size()) {
		return fmt.Errorf("%w: payload needs %d bytes, %d free", ErrPayloadStage, info.Size(), usage.Free)
	}
	return nil
}

// writePayload streams the payload into the backing device, returning its
// SHA-256. The copy checks ctx between chunks so a cancelled stage stops
// writing promptly.
func (s *Stager) writePayload(ctx context.Context, device, payloadPath string) (string, error) {
	src, err := os.Open(payloadPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(device, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	hasher := sha256.New()
	buf := make([]byte, 1024*1024)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if _, err := dst.Write(buf[:n]); err != nil {
				return "", err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}

	if err := dst.Sync(); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
