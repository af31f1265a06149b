// Package procman is the process-manager capability consumed per managed
// unit: stop, start, and a liveness probe. The production implementation
// shells out to systemctl; callers depend only on the Manager interface.
package procman

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrUnitNotFound indicates the unit is unknown to the process manager.
var ErrUnitNotFound = errors.New("unit not found")

// Manager is the abstract process-manager capability.
type Manager interface {
	// Known reports whether the named unit exists at all.
	Known(ctx context.Context, name string) (bool, error)
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	IsActive(ctx context.Context, name string) (bool, error)
}

// Systemd drives units through systemctl.
type Systemd struct{}

func NewSystemd() *Systemd {
	return &Systemd{}
}

func (s *Systemd) Known(ctx context.Context, name string) (bool, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "show", "--property=LoadState", "--value", name).Output()
	if err != nil {
		return false, fmt.Errorf("systemctl show %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)) == "loaded", nil
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	if out, err := exec.CommandContext(ctx, "systemctl", "stop", name).CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl stop %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	if out, err := exec.CommandContext(ctx, "systemctl", "start", name).CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl start %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Systemd) IsActive(ctx context.Context, name string) (bool, error) {
	err := exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", name).Run()
	if err == nil {
		return true, nil
	}
	// is-active exits non-zero for every inactive state; only a failure to
	// run systemctl itself is an error here.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("systemctl is-active %s: %w", name, err)
}
