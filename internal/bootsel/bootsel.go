// Package bootsel abstracts the bootloader's root-slot selection. The
// concrete mechanism (here a pointer file on the boot partition that the
// bootloader sources at power-on) stays behind the Selector interface.
package bootsel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/orbiter-labs/otad/internal/slot"
)

// Selector reads the actually-booted slot and requests the slot for the
// next boot.
type Selector interface {
	Current() (slot.Slot, error)
	RequestNext(target slot.Slot) error
}

// FileSelector resolves the current slot from the kernel command line and
// keeps the next-root pointer as a one-line file rewritten atomically.
type FileSelector struct {
	table       slot.Table
	pointerPath string
}

// NewFileSelector creates a selector using the given slot table and
// next-root pointer file.
func NewFileSelector(table slot.Table, pointerPath string) *FileSelector {
	return &FileSelector{table: table, pointerPath: pointerPath}
}

// Current returns the slot the kernel actually booted into.
func (f *FileSelector) Current() (slot.Slot, error) {
	return slot.Current(f.table)
}

// RequestNext points the bootloader at the given slot for the next boot.
// The pointer file is replaced with temp-write-then-rename so a power cut
// leaves either the old or the new pointer, never a torn one.
func (f *FileSelector) RequestNext(target slot.Slot) error {
	if !target.Valid() {
		return fmt.Errorf("invalid slot %q", target)
	}

	dir := filepath.Dir(f.pointerPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create boot-select dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "next_root.tmp-*")
	if err != nil {
		return fmt.Errorf("write boot-select pointer: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(target.String() + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write boot-select pointer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync boot-select pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close boot-select pointer: %w", err)
	}

	if err := os.Rename(tmpName, f.pointerPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install boot-select pointer: %w", err)
	}
	return nil
}

// ReadPointer returns the slot the pointer file currently names. Used by
// status reporting; reconciliation itself trusts the kernel command line.
func (f *FileSelector) ReadPointer() (slot.Slot, error) {
	data, err := os.ReadFile(f.pointerPath)
	if err != nil {
		return "", err
	}
	return slot.Parse(strings.TrimSpace(string(data)))
}
