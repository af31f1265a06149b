package slot

import (
	"strings"
	"testing"

	"github.com/orbiter-labs/otad/internal/config"
)

func testTable(t *testing.T) Table {
	t.Helper()
	cfg := config.Default()
	cfg.Slots = map[string]config.SlotConfig{
		"a": {Device: "/dev/mmcblk0p2", MountPoint: "/"},
		"b": {Device: "/dev/mmcblk0p3", MountPoint: "/mnt/b"},
	}
	table, err := NewTable(cfg)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestParse(t *testing.T) {
	for input, want := range map[string]Slot{"a": A, "B": B, " b ": B, "A": A} {
		got, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %s, want %s", input, got, want)
		}
	}

	if _, err := Parse("c"); err == nil {
		t.Fatal("Parse should reject unknown slot")
	}
	if _, err := Parse(""); err == nil {
		t.Fatal("Parse should reject empty slot")
	}
}

func TestOther(t *testing.T) {
	if A.Other() != B {
		t.Fatal("A.Other() should be B")
	}
	if B.Other() != A {
		t.Fatal("B.Other() should be A")
	}
}

func TestNewTableRejectsMissingSlot(t *testing.T) {
	cfg := config.Default()
	cfg.Slots = map[string]config.SlotConfig{
		"a": {Device: "/dev/sda2"},
	}
	if _, err := NewTable(cfg); err == nil {
		t.Fatal("table with one slot should be rejected")
	}
}

func TestCurrentFromCmdline(t *testing.T) {
	table := testTable(t)

	cmdline := "console=ttyS0,115200 root=/dev/mmcblk0p3 rootwait rw quiet"
	got, err := CurrentFromCmdline(strings.NewReader(cmdline), table)
	if err != nil {
		t.Fatalf("CurrentFromCmdline: %v", err)
	}
	if got != B {
		t.Fatalf("booted slot = %s, want b", got)
	}
}

func TestCurrentFromCmdlineUnknownDevice(t *testing.T) {
	table := testTable(t)

	_, err := CurrentFromCmdline(strings.NewReader("root=/dev/sda1 rw"), table)
	if err == nil {
		t.Fatal("unknown root device should error")
	}
}

func TestCurrentFromCmdlineNoRootParam(t *testing.T) {
	table := testTable(t)

	_, err := CurrentFromCmdline(strings.NewReader("console=ttyS0 quiet"), table)
	if err == nil {
		t.Fatal("cmdline without root= should error")
	}
}
