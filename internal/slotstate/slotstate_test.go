package slotstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orbiter-labs/otad/internal/slot"
)

func TestReadEmptyStore(t *testing.T) {
	s := New(t.TempDir())

	m, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.IntendedNext != nil {
		t.Fatal("fresh store should have no intended next")
	}
	if m.Health[slot.A] != Unverified || m.Health[slot.B] != Unverified {
		t.Fatalf("fresh slots should be unverified, got %v", m.Health)
	}
	if m.Rollbacks != 0 {
		t.Fatalf("fresh rollback counter = %d, want 0", m.Rollbacks)
	}
}

func TestIntendedNextSingleHolder(t *testing.T) {
	s := New(t.TempDir())

	if err := s.SetIntendedNext(slot.A); err != nil {
		t.Fatalf("SetIntendedNext: %v", err)
	}
	if err := s.SetIntendedNext(slot.B); err != nil {
		t.Fatalf("SetIntendedNext: %v", err)
	}

	m, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.IntendedNext == nil || *m.IntendedNext != slot.B {
		t.Fatalf("intended next = %v, want b", m.IntendedNext)
	}
}

func TestClearIntendedNextOnlyMatching(t *testing.T) {
	s := New(t.TempDir())

	if err := s.SetIntendedNext(slot.B); err != nil {
		t.Fatal(err)
	}

	// Clearing the other slot's intent is a no-op.
	if err := s.ClearIntendedNext(slot.A); err != nil {
		t.Fatal(err)
	}
	m, _ := s.Read()
	if m.IntendedNext == nil || *m.IntendedNext != slot.B {
		t.Fatal("clearing non-matching slot should not remove intent")
	}

	if err := s.ClearIntendedNext(slot.B); err != nil {
		t.Fatal(err)
	}
	m, _ = s.Read()
	if m.IntendedNext != nil {
		t.Fatal("intent should be cleared")
	}
}

func TestHealthNeverOkAndFailed(t *testing.T) {
	s := New(t.TempDir())

	if err := s.MarkFailed(slot.A); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOk(slot.A); err != nil {
		t.Fatal(err)
	}

	m, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if m.Health[slot.A] != Ok {
		t.Fatalf("health = %s, want ok (mark ok supersedes failed)", m.Health[slot.A])
	}

	if err := s.MarkFailed(slot.A); err != nil {
		t.Fatal(err)
	}
	m, _ = s.Read()
	if m.Health[slot.A] != Failed {
		t.Fatalf("health = %s, want failed", m.Health[slot.A])
	}
}

func TestPendingDownloadLifecycle(t *testing.T) {
	s := New(t.TempDir())

	if err := s.SetPendingDownload(slot.B, "action-42"); err != nil {
		t.Fatal(err)
	}

	m, _ := s.Read()
	p := m.Pending[slot.B]
	if p == nil {
		t.Fatal("pending download should be recorded")
	}
	if p.ActionID != "action-42" {
		t.Fatalf("pending action id = %q, want action-42", p.ActionID)
	}
	if p.StagedAt.IsZero() {
		t.Fatal("staged time should be set")
	}

	if err := s.ClearPendingDownload(slot.B); err != nil {
		t.Fatal(err)
	}
	m, _ = s.Read()
	if m.Pending[slot.B] != nil {
		t.Fatal("pending download should be cleared")
	}
}

func TestRollbackCounter(t *testing.T) {
	s := New(t.TempDir())

	n, err := s.BumpRollbacks()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("first bump = %d, want 1", n)
	}
	n, _ = s.BumpRollbacks()
	if n != 2 {
		t.Fatalf("second bump = %d, want 2", n)
	}

	if err := s.ResetRollbacks(); err != nil {
		t.Fatal(err)
	}
	m, _ := s.Read()
	if m.Rollbacks != 0 {
		t.Fatalf("counter after reset = %d, want 0", m.Rollbacks)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s := New(dir)
	if err := s.SetIntendedNext(slot.B); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOk(slot.A); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPendingDownload(slot.B, "a1"); err != nil {
		t.Fatal(err)
	}

	// A new store over the same directory sees the same state.
	s2 := New(dir)
	m, err := s2.Read()
	if err != nil {
		t.Fatal(err)
	}
	if m.IntendedNext == nil || *m.IntendedNext != slot.B {
		t.Fatal("intended next lost across reopen")
	}
	if m.Health[slot.A] != Ok {
		t.Fatal("health lost across reopen")
	}
	if m.Pending[slot.B] == nil || m.Pending[slot.B].ActionID != "a1" {
		t.Fatal("pending download lost across reopen")
	}
}

func TestMutationLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	for i := 0; i < 5; i++ {
		if err := s.MarkOk(slot.A); err != nil {
			t.Fatal(err)
		}
		if err := s.SetIntendedNext(slot.B); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("marker dir should contain only state.json, got %v", names)
	}
}

func TestWriteFailurePreservesPriorState(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	dir := t.TempDir()
	s := New(dir)

	if err := s.MarkOk(slot.A); err != nil {
		t.Fatal(err)
	}

	// Make the directory read-only so the temp-file create fails.
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0700)

	err := s.MarkFailed(slot.A)
	if err == nil {
		t.Fatal("write into read-only dir should fail")
	}

	os.Chmod(dir, 0700)
	m, readErr := s.Read()
	if readErr != nil {
		t.Fatal(readErr)
	}
	if m.Health[slot.A] != Ok {
		t.Fatalf("prior state should be preserved, got %s", m.Health[slot.A])
	}
}

func TestCorruptStateFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(dir)
	if _, err := s.Read(); err == nil {
		t.Fatal("corrupt state file should surface an error, not silently reset")
	}
}
