package slot

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/orbiter-labs/otad/internal/config"
)

// Backing describes the storage behind one slot.
type Backing struct {
	Device     string
	MountPoint string
	AppDir     string
}

// Table maps the two slot identifiers to their backing storage. Devices are
// looked up through the table rather than hardcoded so tests can run against
// simulated slots.
type Table map[Slot]Backing

// NewTable builds a slot table from config. Exactly slots "a" and "b" must
// be present.
func NewTable(cfg *config.Config) (Table, error) {
	table := make(Table, 2)
	for key, sc := range cfg.Slots {
		s, err := Parse(key)
		if err != nil {
			return nil, err
		}
		table[s] = Backing{Device: sc.Device, MountPoint: sc.MountPoint, AppDir: sc.AppDir}
	}
	for _, s := range []Slot{A, B} {
		if _, ok := table[s]; !ok {
			return nil, fmt.Errorf("slot table missing slot %s", s)
		}
	}
	return table, nil
}

// ByDevice returns the slot whose backing device matches dev.
func (t Table) ByDevice(dev string) (Slot, bool) {
	for s, b := range t {
		if b.Device == dev {
			return s, true
		}
	}
	return "", false
}

// CurrentFromCmdline parses the kernel command line and resolves the root=
// device against the table. This is the authoritative answer for which slot
// is actually booted; markers are never consulted.
func CurrentFromCmdline(r io.Reader, table Table) (Slot, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read kernel cmdline: %w", err)
		}
		return "", fmt.Errorf("kernel cmdline is empty")
	}

	for _, field := range strings.Fields(scanner.Text()) {
		dev, ok := strings.CutPrefix(field, "root=")
		if !ok {
			continue
		}
		s, ok := table.ByDevice(dev)
		if !ok {
			return "", fmt.Errorf("root device %q matches no configured slot", dev)
		}
		return s, nil
	}
	return "", fmt.Errorf("kernel cmdline has no root= parameter")
}

// Current reads /proc/cmdline and resolves the booted slot.
func Current(table Table) (Slot, error) {
	f, err := os.Open("/proc/cmdline")
	if err != nil {
		return "", fmt.Errorf("open /proc/cmdline: %w", err)
	}
	defer f.Close()
	return CurrentFromCmdline(f, table)
}
