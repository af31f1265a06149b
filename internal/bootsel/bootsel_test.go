package bootsel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orbiter-labs/otad/internal/slot"
)

func TestRequestNextRoundTrip(t *testing.T) {
	pointer := filepath.Join(t.TempDir(), "boot", "next_root")
	f := NewFileSelector(nil, pointer)

	if err := f.RequestNext(slot.B); err != nil {
		t.Fatalf("RequestNext: %v", err)
	}

	got, err := f.ReadPointer()
	if err != nil {
		t.Fatalf("ReadPointer: %v", err)
	}
	if got != slot.B {
		t.Fatalf("pointer = %s, want b", got)
	}

	// Repointing replaces the previous value.
	if err := f.RequestNext(slot.A); err != nil {
		t.Fatal(err)
	}
	got, _ = f.ReadPointer()
	if got != slot.A {
		t.Fatalf("pointer = %s, want a", got)
	}
}

func TestRequestNextRejectsInvalidSlot(t *testing.T) {
	f := NewFileSelector(nil, filepath.Join(t.TempDir(), "next_root"))
	if err := f.RequestNext(slot.Slot("c")); err == nil {
		t.Fatal("invalid slot should be rejected")
	}
}

func TestRequestNextLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewFileSelector(nil, filepath.Join(dir, "next_root"))

	for i := 0; i < 3; i++ {
		if err := f.RequestNext(slot.A); err != nil {
			t.Fatal(err)
		}
		if err := f.RequestNext(slot.B); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "next_root" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only next_root, got %v", names)
	}
}

func TestReadPointerMissingFile(t *testing.T) {
	f := NewFileSelector(nil, filepath.Join(t.TempDir(), "next_root"))
	if _, err := f.ReadPointer(); err == nil {
		t.Fatal("missing pointer file should error")
	}
}
