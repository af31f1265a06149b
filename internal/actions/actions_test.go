package actions

import (
	"encoding/json"
	"testing"
)

func TestStatusConstructors(t *testing.T) {
	s := NewInProgress("a-1", 40)
	if s.State != InProgress || s.Progress != 40 || s.ActionID != "a-1" {
		t.Fatalf("in-progress status = %+v", s)
	}
	if s.Errors == nil || len(s.Errors) != 0 {
		t.Fatalf("errors = %#v, want empty non-nil slice", s.Errors)
	}

	s = NewCompleted("a-2")
	if s.State != Completed || s.Progress != 100 {
		t.Fatalf("completed status = %+v", s)
	}

	s = NewFailed("a-3", "stop unit: timeout", "restore backup: eio")
	if s.State != Failed || s.Progress != 100 {
		t.Fatalf("failed status = %+v", s)
	}
	if len(s.Errors) != 2 {
		t.Fatalf("errors = %v, want 2 entries", s.Errors)
	}
}

func TestStatusSequenceIsMonotonic(t *testing.T) {
	a := NewInProgress("x", 1)
	b := NewCompleted("x")
	c := NewFailed("x")
	if !(a.Sequence < b.Sequence && b.Sequence < c.Sequence) {
		t.Fatalf("sequences %d, %d, %d not strictly increasing", a.Sequence, b.Sequence, c.Sequence)
	}
}

func TestStatusWireShape(t *testing.T) {
	raw, err := json.Marshal(NewFailed("fw-9", "boot mismatch"))
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}

	if m["stream"] != StatusStream {
		t.Fatalf("stream = %v, want %s", m["stream"], StatusStream)
	}
	if m["action_id"] != "fw-9" {
		t.Fatalf("action_id = %v", m["action_id"])
	}
	if m["state"] != "Failed" {
		t.Fatalf("state = %v", m["state"])
	}
	if _, ok := m["timestamp"].(float64); !ok {
		t.Fatal("timestamp missing from wire form")
	}
	if errs, ok := m["errors"].([]any); !ok || len(errs) != 1 {
		t.Fatalf("errors = %v", m["errors"])
	}
}

func TestShadowWireShape(t *testing.T) {
	raw, err := json.Marshal(NewShadow(map[string]uint64{"uptime": 42}))
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["stream"] != ShadowStream {
		t.Fatalf("stream = %v, want %s", m["stream"], ShadowStream)
	}
	state, ok := m["state"].(map[string]any)
	if !ok || state["uptime"] != float64(42) {
		t.Fatalf("state = %v", m["state"])
	}
}

func TestActionDecode(t *testing.T) {
	line := `{"action_id":"fw-1","name":"update_firmware","payload_path":"/data/rootfs.img"}`

	var act Action
	if err := json.Unmarshal([]byte(line), &act); err != nil {
		t.Fatal(err)
	}
	if act.ID != "fw-1" || act.Name != NameUpdateFirmware || act.PayloadPath != "/data/rootfs.img" {
		t.Fatalf("decoded action = %+v", act)
	}
}
