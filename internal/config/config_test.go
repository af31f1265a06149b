package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.BridgeURL != "tcp://127.0.0.1:5555" {
		t.Fatalf("bridge url = %q", cfg.BridgeURL)
	}
	if cfg.MaxBootRollbacks != 3 {
		t.Fatalf("max boot rollbacks = %d, want 3", cfg.MaxBootRollbacks)
	}
	if len(cfg.Slots) != 2 {
		t.Fatalf("slot table has %d entries, want 2", len(cfg.Slots))
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("defaults should validate cleanly, got %v", errs)
	}
}

func TestValidateClampsRecoveryTuning(t *testing.T) {
	cfg := Default()
	cfg.MaxBootRollbacks = 0
	cfg.LivenessAttempts = -1
	cfg.LeaseTTLSeconds = 5

	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("out-of-range tuning should report errors")
	}
	if cfg.MaxBootRollbacks != 1 {
		t.Fatalf("max_boot_rollbacks clamped to %d, want 1", cfg.MaxBootRollbacks)
	}
	if cfg.LivenessAttempts != 1 {
		t.Fatalf("liveness_attempts clamped to %d, want 1", cfg.LivenessAttempts)
	}
	if cfg.LeaseTTLSeconds != 30 {
		t.Fatalf("lease_ttl_seconds clamped to %d, want 30", cfg.LeaseTTLSeconds)
	}
}

func TestValidateRejectsBadSlotTable(t *testing.T) {
	cfg := Default()
	cfg.Slots = map[string]SlotConfig{
		"a": {Device: "/dev/sda2"},
		"c": {Device: "/dev/sda3"},
	}
	if errs := cfg.Validate(); len(errs) == 0 {
		t.Fatal("slot key c should be rejected")
	}

	cfg = Default()
	cfg.Slots = map[string]SlotConfig{"a": {Device: "/dev/sda2"}}
	if errs := cfg.Validate(); len(errs) == 0 {
		t.Fatal("single-slot table should be rejected")
	}
}

func TestValidateBridgeURL(t *testing.T) {
	cfg := Default()
	cfg.BridgeURL = "http://127.0.0.1:5555"
	if errs := cfg.Validate(); len(errs) == 0 {
		t.Fatal("http bridge scheme should be rejected")
	}

	cfg = Default()
	cfg.BridgeURL = "ws://127.0.0.1:5555/bridge"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("ws bridge scheme should pass, got %v", errs)
	}
}

func TestLoadUnits(t *testing.T) {
	manifest := `
units:
  - name: camera-agent
    binary_path: /usr/bin/camera-agent
  - name: telemetry
    binary_path: /usr/bin/telemetry
    backup_path: /var/lib/otad/telemetry.bak
    mirror_dir: /mnt/b/apps
`
	path := filepath.Join(t.TempDir(), "units.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	units, err := LoadUnits(path)
	if err != nil {
		t.Fatalf("LoadUnits: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}

	cam := units["camera-agent"]
	if cam.BackupPath != "/usr/bin/camera-agent.backup" {
		t.Fatalf("default backup path = %q", cam.BackupPath)
	}

	tel := units["telemetry"]
	if tel.BackupPath != "/var/lib/otad/telemetry.bak" || tel.MirrorDir != "/mnt/b/apps" {
		t.Fatalf("telemetry unit = %+v", tel)
	}
}

func TestLoadUnitsRejectsBadManifests(t *testing.T) {
	write := func(content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "units.yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	if _, err := LoadUnits(write("units:\n  - binary_path: /usr/bin/x\n")); err == nil {
		t.Fatal("missing name should be rejected")
	}
	if _, err := LoadUnits(write("units:\n  - name: x\n")); err == nil {
		t.Fatal("missing binary_path should be rejected")
	}
	if _, err := LoadUnits(write("units:\n  - name: x\n    binary_path: /a\n  - name: x\n    binary_path: /b\n")); err == nil {
		t.Fatal("duplicate unit should be rejected")
	}
	if _, err := LoadUnits(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing manifest file should be rejected")
	}
}
