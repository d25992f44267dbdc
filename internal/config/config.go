// Package config loads the rowplane.toml configuration file and resolves
// connection settings with the precedence: explicit flag > environment >
// config file > default. Every knob the core consumes is an explicit input;
// nothing reads ambient global state mid-run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// ConfigFileName is the file discovered by walking up from the working
// directory
const ConfigFileName = "rowplane.toml"

// Migration holds the orchestration knobs
type Migration struct {
	BatchSize           int     `toml:"batch_size"`
	Parallelism         int     `toml:"parallelism"`
	InFlightBatches     int     `toml:"in_flight_batches"`
	ValidationTolerance float64 `toml:"validation_tolerance"`
	SampleSize          int     `toml:"sample_size"`
	RetryAttempts       int     `toml:"retry_attempts"`
	RetryBaseDelay      string  `toml:"retry_base_delay"`
	StepTimeout         string  `toml:"step_timeout"`
	LedgerPath          string  `toml:"ledger_path"`
	ReportPath          string  `toml:"report_path"`
}

// Config represents the rowplane.toml configuration file
type Config struct {
	SourceURL   string    `toml:"source_url"`
	TargetURL   string    `toml:"target_url"`
	CatalogPath string    `toml:"catalog_path"`
	Migration   Migration `toml:"migration"`

	// ConfigFilePath records where the file was found, empty if none was
	ConfigFilePath string `toml:"-"`
}

// Defaults returns the built-in configuration values
func Defaults() Migration {
	return Migration{
		BatchSize:           10000,
		Parallelism:         1,
		InFlightBatches:     2,
		ValidationTolerance: 0.001,
		SampleSize:          100,
		RetryAttempts:       3,
		RetryBaseDelay:      "500ms",
		StepTimeout:         "10m",
		LedgerPath:          ".rowplane/ledger.db",
		ReportPath:          ".rowplane/report.json",
	}
}

// Load finds rowplane.toml in the current directory or any parent directory
// and merges it over the defaults. A missing file is not an error. A .env
// file next to the config (or the working directory) is loaded first so env
// lookups see it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{Migration: Defaults()}

	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, err
			}
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
			}
			cfg.ConfigFilePath = configPath
			return cfg, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return cfg, nil
}

// LoadFile reads a specific config file (used by tests and --config)
func LoadFile(path string) (*Config, error) {
	cfg := &Config{Migration: Defaults()}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.ConfigFilePath = path
	return cfg, nil
}

// GetSourceURL resolves the source connection string with priority:
// explicit value > ROWPLANE_SOURCE_URL > config
func GetSourceURL(explicitValue string, cfg *Config) string {
	if explicitValue != "" {
		return explicitValue
	}
	if envValue := os.Getenv("ROWPLANE_SOURCE_URL"); envValue != "" {
		return envValue
	}
	if cfg != nil {
		return cfg.SourceURL
	}
	return ""
}

// GetTargetURL resolves the target connection string with priority:
// explicit value > ROWPLANE_TARGET_URL > config
func GetTargetURL(explicitValue string, cfg *Config) string {
	if explicitValue != "" {
		return explicitValue
	}
	if envValue := os.Getenv("ROWPLANE_TARGET_URL"); envValue != "" {
		return envValue
	}
	if cfg != nil {
		return cfg.TargetURL
	}
	return ""
}

// GetCatalogPath resolves the catalog path with priority:
// explicit value > config > default
func GetCatalogPath(explicitValue string, cfg *Config) string {
	if explicitValue != "" {
		return explicitValue
	}
	if cfg != nil && cfg.CatalogPath != "" {
		return cfg.CatalogPath
	}
	return "catalog.json"
}

// RetryBaseDelayDuration parses the configured retry base delay
func (m Migration) RetryBaseDelayDuration() (time.Duration, error) {
	d, err := time.ParseDuration(m.RetryBaseDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid retry_base_delay %q: %w", m.RetryBaseDelay, err)
	}
	return d, nil
}

// StepTimeoutDuration parses the configured per-call deadline
func (m Migration) StepTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(m.StepTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid step_timeout %q: %w", m.StepTimeout, err)
	}
	return d, nil
}
