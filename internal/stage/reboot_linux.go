//go:build linux

package stage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemRebooter restarts the machine through the kernel.
type SystemRebooter struct{}

func NewSystemRebooter() *SystemRebooter {
	return &SystemRebooter{}
}

// Reboot flushes filesystem buffers and restarts. It only returns on error.
func (SystemRebooter) Reboot() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
