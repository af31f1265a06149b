package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SlotConfig describes the storage backing one root-filesystem slot.
type SlotConfig struct {
	Device     string `mapstructure:"device"`
	MountPoint string `mapstructure:"mount_point"`
	AppDir     string `mapstructure:"app_dir"`
}

type Config struct {
	DeviceID string `mapstructure:"device_id"`

	// Marker storage (boot-partition resident).
	MarkerDir      string `mapstructure:"marker_dir"`
	BootSelectFile string `mapstructure:"boot_select_file"`

	// Slot table, keyed "a" / "b".
	Slots map[string]SlotConfig `mapstructure:"slots"`

	// Local bridge to the uplink agent.
	BridgeURL            string `mapstructure:"bridge_url"`
	ReportAttempts       int    `mapstructure:"report_attempts"`
	ReportBackoffSeconds int    `mapstructure:"report_backoff_seconds"`

	// Managed-unit manifest.
	UnitsFile string `mapstructure:"units_file"`

	// Recovery tuning.
	MaxBootRollbacks        int `mapstructure:"max_boot_rollbacks"`
	LivenessAttempts        int `mapstructure:"liveness_attempts"`
	LivenessIntervalSeconds int `mapstructure:"liveness_interval_seconds"`
	LeaseTTLSeconds         int `mapstructure:"lease_ttl_seconds"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		MarkerDir:      "/boot/otad",
		BootSelectFile: "/boot/otad/next_root",
		Slots: map[string]SlotConfig{
			"a": {Device: "/dev/mmcblk0p2", MountPoint: "/", AppDir: "/mnt/a/apps"},
			"b": {Device: "/dev/mmcblk0p3", MountPoint: "/mnt/b", AppDir: "/mnt/b/apps"},
		},
		BridgeURL:               "tcp://127.0.0.1:5555",
		ReportAttempts:          3,
		ReportBackoffSeconds:    1,
		UnitsFile:               filepath.Join(configDir(), "units.yaml"),
		MaxBootRollbacks:        3,
		LivenessAttempts:        5,
		LivenessIntervalSeconds: 2,
		LeaseTTLSeconds:         600,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("otad")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("OTAD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("device_id", cfg.DeviceID)
	viper.Set("marker_dir", cfg.MarkerDir)
	viper.Set("boot_select_file", cfg.BootSelectFile)
	viper.Set("slots", cfg.Slots)
	viper.Set("bridge_url", cfg.BridgeURL)
	viper.Set("report_attempts", cfg.ReportAttempts)
	viper.Set("report_backoff_seconds", cfg.ReportBackoffSeconds)
	viper.Set("units_file", cfg.UnitsFile)
	viper.Set("max_boot_rollbacks", cfg.MaxBootRollbacks)
	viper.Set("liveness_attempts", cfg.LivenessAttempts)
	viper.Set("liveness_interval_seconds", cfg.LivenessIntervalSeconds)
	viper.Set("lease_ttl_seconds", cfg.LeaseTTLSeconds)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "otad.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	return viper.WriteConfigAs(cfgPath)
}

func configDir() string {
	return "/etc/otad"
}
