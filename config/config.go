// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package config defines the settings file shared by the powerlog front-end
// and back-end.
//
// The file is TOML. A minimal example:
//
//	[storage]
//	dataDir = "/home/deck/.battery-analytics"
//	retentionDays = 90
//
//	[logging]
//	file = "/tmp/battery-analytics.log"
//	level = "debug"
//
// Fields omitted from the file keep their values from Default.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// StorageConfig defines where power history is kept and for how long.
type StorageConfig struct {
	DataDir       string `toml:"dataDir"`
	DBFile        string `toml:"dbFile"`
	RetentionDays int    `toml:"retentionDays"` // 0 keeps everything
	PruneSchedule string `toml:"pruneSchedule"` // cron schedule expression
}

// DBPath returns the path of the history database.
func (s StorageConfig) DBPath() string { return filepath.Join(s.DataDir, s.DBFile) }

// LoggingConfig defines the console and file log sinks.
type LoggingConfig struct {
	File       string `toml:"file"` // empty disables the file sink
	Level      string `toml:"level"`
	FileLevel  string `toml:"fileLevel"`
	MaxSizeMB  int    `toml:"maxSizeMB"`
	MaxBackups int    `toml:"maxBackups"`
	MaxAgeDays int    `toml:"maxAgeDays"`
}

// MonitorConfig controls the device power-state monitor.
type MonitorConfig struct {
	Enabled    bool   `toml:"enabled"`
	UPowerPath string `toml:"upowerPath"`
}

// SignalsConfig controls the suspend and shutdown subscription.
type SignalsConfig struct {
	Enabled bool `toml:"enabled"`
	Inhibit bool `toml:"inhibit"` // hold a delay lock so events are recorded first
}

// FrontendConfig controls how the front-end runs the back-end process.
type FrontendConfig struct {
	BackendCommand []string `toml:"backendCommand"`
	TerminateGrace Duration `toml:"terminateGrace"`
}

// Config aggregates the settings for both processes.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Signals  SignalsConfig  `toml:"signals"`
	Frontend FrontendConfig `toml:"frontend"`
}

// A Duration is a time.Duration written in a settings file as a string such
// as "3.5s" or "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultDataDir is the data directory used when none is configured.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".battery-analytics"
	}
	return filepath.Join(home, ".battery-analytics")
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:       DefaultDataDir(),
			DBFile:        "power_history.db",
			PruneSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:      "info",
			FileLevel:  "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			UPowerPath: "upower",
		},
		Signals: SignalsConfig{
			Enabled: true,
			Inhibit: true,
		},
		Frontend: FrontendConfig{
			TerminateGrace: Duration(3500 * time.Millisecond),
		},
	}
}

// Load reads the settings file at path. If path is empty or the file does not
// exist, Load returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cfg for consistency and fills in defaults for fields that
// were cleared.
func (cfg *Config) Validate() error {
	def := Default()
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = def.Storage.DataDir
	}
	if cfg.Storage.DBFile == "" {
		cfg.Storage.DBFile = def.Storage.DBFile
	}
	if cfg.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retentionDays must not be negative (got %d)", cfg.Storage.RetentionDays)
	}
	if cfg.Storage.PruneSchedule == "" {
		cfg.Storage.PruneSchedule = def.Storage.PruneSchedule
	}

	for _, lv := range []struct {
		name string
		v    *string
	}{{"logging.level", &cfg.Logging.Level}, {"logging.fileLevel", &cfg.Logging.FileLevel}} {
		if *lv.v == "" {
			*lv.v = "info"
		} else if _, err := zapcore.ParseLevel(*lv.v); err != nil {
			return fmt.Errorf("%s: %w", lv.name, err)
		}
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = def.Logging.MaxSizeMB
	}

	if cfg.Monitor.UPowerPath == "" {
		cfg.Monitor.UPowerPath = def.Monitor.UPowerPath
	}
	if cfg.Frontend.TerminateGrace < 0 {
		return fmt.Errorf("frontend.terminateGrace must not be negative (got %v)", cfg.Frontend.TerminateGrace.Std())
	} else if cfg.Frontend.TerminateGrace == 0 {
		cfg.Frontend.TerminateGrace = def.Frontend.TerminateGrace
	}
	return nil
}
