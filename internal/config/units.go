package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Unit describes a managed application unit: the service name known to the
// process manager, where its binary lives, and where updates keep the
// previous binary while a swap is in flight. MirrorDir, when set, is the
// directory on the inactive slot that receives a copy of the new binary so
// both slots carry the same application version.
type Unit struct {
	Name       string `yaml:"name"`
	BinaryPath string `yaml:"binary_path"`
	BackupPath string `yaml:"backup_path"`
	MirrorDir  string `yaml:"mirror_dir,omitempty"`
}

type unitManifest struct {
	Units []Unit `yaml:"units"`
}

// LoadUnits parses the unit manifest and returns units keyed by name.
func LoadUnits(path string) (map[string]Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read unit manifest: %w", err)
	}

	var manifest unitManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse unit manifest: %w", err)
	}

	units := make(map[string]Unit, len(manifest.Units))
	for _, u := range manifest.Units {
		if u.Name == "" {
			return nil, fmt.Errorf("unit manifest entry missing name")
		}
		if u.BinaryPath == "" {
			return nil, fmt.Errorf("unit %q missing binary_path", u.Name)
		}
		if u.BackupPath == "" {
			u.BackupPath = u.BinaryPath + ".backup"
		}
		if _, dup := units[u.Name]; dup {
			return nil, fmt.Errorf("duplicate unit %q in manifest", u.Name)
		}
		units[u.Name] = u
	}
	return units, nil
}
