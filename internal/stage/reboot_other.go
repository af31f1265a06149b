//go:build !linux

package stage

import "fmt"

// SystemRebooter is only implemented for Linux targets.
type SystemRebooter struct{}

func NewSystemRebooter() *SystemRebooter {
	return &SystemRebooter{}
}

func (SystemRebooter) Reboot() error {
	return fmt.Errorf("reboot: not supported on this platform")
}
