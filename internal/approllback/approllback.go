// Package approllback performs in-place application binary updates with
// automatic revert: swap the binary, restart the managed unit, verify
// liveness, and restore the previous binary if the new one fails to run.
// No reboot is involved; the OS slots are untouched except for an optional
// mirror copy that keeps the inactive slot's application layer consistent.
package approllback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/orbiter-labs/otad/internal/actions"
	"github.com/orbiter-labs/otad/internal/config"
	"github.com/orbiter-labs/otad/internal/logging"
	"github.com/orbiter-labs/otad/internal/procman"
)

var log = logging.L("approllback")

// ErrServiceInactive indicates the unit failed its liveness check after the
// binary swap.
var ErrServiceInactive = errors.New("service inactive after update")

// Config tunes the liveness probe.
type Config struct {
	LivenessAttempts int
	LivenessInterval time.Duration
}

// Controller executes application binary updates for managed units.
type Controller struct {
	manager procman.Manager
	units   map[string]config.Unit
	cfg     Config
}

// New creates a controller over the given unit manifest.
func New(manager procman.Manager, units map[string]config.Unit, cfg Config) *Controller {
	if cfg.LivenessAttempts < 1 {
		cfg.LivenessAttempts = 1
	}
	return &Controller{manager: manager, units: units, cfg: cfg}
}

// Apply runs one update transaction for act.TargetUnit, installing the
// binary at act.PayloadPath. Interim and terminal statuses go through
// report. Whatever happens, the unit is left with a binary that was running
// before or the new one; a failed update restores the previous binary.
func (c *Controller) Apply(ctx context.Context, act actions.Action, report func(actions.Status)) {
	alog := logging.FromContext(ctx)

	var errs []string
	fail := func(err error) {
		alog.Error("application update failed", "unit", act.TargetUnit, "error", err)
		errs = append(errs, err.Error())
		report(actions.NewFailed(act.ID, errs...))
	}

	unit, ok := c.units[act.TargetUnit]
	if !ok {
		fail(fmt.Errorf("%w: %q not in unit manifest", procman.ErrUnitNotFound, act.TargetUnit))
		return
	}

	known, err := c.manager.Known(ctx, unit.Name)
	if err != nil {
		fail(fmt.Errorf("query unit %s: %w", unit.Name, err))
		return
	}
	if !known {
		fail(fmt.Errorf("%w: %s", procman.ErrUnitNotFound, unit.Name))
		return
	}

	if _, err := os.Stat(act.PayloadPath); err != nil {
		fail(fmt.Errorf("payload: %w", err))
		return
	}

	report(actions.NewInProgress(act.ID, 10))

	if err := c.manager.Stop(ctx, unit.Name); err != nil {
		// Nothing swapped yet; try to leave the old binary running.
		if startErr := c.manager.Start(ctx, unit.Name); startErr != nil {
			errs = append(errs, startErr.Error())
		}
		fail(fmt.Errorf("stop unit: %w", err))
		return
	}

	// Rename, not copy+delete: the old binary moves aside atomically.
	if err := os.Rename(unit.BinaryPath, unit.BackupPath); err != nil {
		if startErr := c.manager.Start(ctx, unit.Name); startErr != nil {
			errs = append(errs, startErr.Error())
		}
		fail(fmt.Errorf("move binary to backup: %w", err))
		return
	}

	if err := installBinary(act.PayloadPath, unit.BinaryPath); err != nil {
		errs = append(errs, fmt.Errorf("install binary: %w", err).Error())
		c.restore(ctx, unit, &errs)
		report(actions.NewFailed(act.ID, errs...))
		return
	}

	report(actions.NewInProgress(act.ID, 50))

	if err := c.manager.Start(ctx, unit.Name); err != nil {
		errs = append(errs, fmt.Errorf("start unit: %w", err).Error())
		c.restore(ctx, unit, &errs)
		report(actions.NewFailed(act.ID, errs...))
		return
	}

	if !c.waitActive(ctx, unit.Name) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrServiceInactive, unit.Name).Error())
		c.restore(ctx, unit, &errs)
		report(actions.NewFailed(act.ID, errs...))
		return
	}

	// New binary confirmed healthy: the backup is superseded.
	if err := os.Remove(unit.BackupPath); err != nil && !os.IsNotExist(err) {
		alog.Warn("failed to remove superseded backup", "path", unit.BackupPath, "error", err)
	}

	if unit.MirrorDir != "" {
		if err := c.mirror(unit); err != nil {
			// Mirror propagation is best effort; the running slot is updated.
			alog.Warn("failed to mirror binary to inactive slot", "unit", unit.Name, "error", err)
		}
	}

	alog.Info("application update completed", "unit", unit.Name)
	report(actions.NewCompleted(act.ID))
}

// restore puts the backup binary back and restarts the unit once. If the
// restart fails or the unit stays inactive, that is recorded and surfaced
// but not retried further; the previous binary is in place either way.
func (c *Controller) restore(ctx context.Context, unit config.Unit, errs *[]string) {
	log.Warn("restoring previous binary", "unit", unit.Name)

	if err := os.Remove(unit.BinaryPath); err != nil && !os.IsNotExist(err) {
		*errs = append(*errs, fmt.Errorf("remove failed binary: %w", err).Error())
	}
	if err := os.Rename(unit.BackupPath, unit.BinaryPath); err != nil {
		*errs = append(*errs, fmt.Errorf("restore backup: %w", err).Error())
		return
	}

	if err := c.manager.Start(ctx, unit.Name); err != nil {
		*errs = append(*errs, fmt.Errorf("restart after restore: %w", err).Error())
		return
	}
	active, err := c.manager.IsActive(ctx, unit.Name)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("liveness after restore: %w", err).Error())
		return
	}
	if !active {
		*errs = append(*errs, fmt.Sprintf("unit %s still inactive after restoring previous binary", unit.Name))
	}
}

// waitActive polls the liveness probe with the configured attempts and
// interval, so a slow-starting unit is not condemned by a single early probe.
func (c *Controller) waitActive(ctx context.Context, name string) bool {
	for i := 0; i < c.cfg.LivenessAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(c.cfg.LivenessInterval):
			}
		}

		active, err := c.manager.IsActive(ctx, name)
		if err != nil {
			log.Warn("liveness probe error", "unit", name, "error", err)
			continue
		}
		if active {
			return true
		}
	}
	return false
}

// mirror copies the confirmed binary into the inactive slot's application
// directory so both slots carry the same application version.
func (c *Controller) mirror(unit config.Unit) error {
	if err := os.MkdirAll(unit.MirrorDir, 0755); err != nil {
		return err
	}
	target := filepath.Join(unit.MirrorDir, filepath.Base(unit.BinaryPath))
	return installBinary(unit.BinaryPath, target)
}

// installBinary copies src over dst, preserving an executable mode.
func installBinary(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return os.Chmod(dst, 0755)
}
