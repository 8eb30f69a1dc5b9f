// Package config holds process-wide knobs for the imaging engine, loaded
// from a YAML file with environment overrides, following the same
// load-then-override convention the rest of the stack uses for job files.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide set of tunables. Zero value is a valid,
// usable default configuration.
type Config struct {
	WorkDir             string `yaml:"workDir"`
	CopyBufferSizeBytes int    `yaml:"copyBufferSizeBytes"`
	DefaultCompression  string `yaml:"defaultCompression"`
	SnapshotTimeoutSecs int    `yaml:"snapshotTimeoutSeconds"`
}

// Default returns the built-in configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		WorkDir:             defaultWorkDir(),
		CopyBufferSizeBytes: 2 * 1024 * 1024,
		DefaultCompression:  "zstd",
		SnapshotTimeoutSecs: 60,
	}
}

// Load reads a YAML config file and layers environment overrides on top of
// it. A missing path is not an error: Default() is returned with overrides
// applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHRONOS_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("CHRONOS_COPY_BUFFER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CopyBufferSizeBytes = n
		}
	}
	if v := os.Getenv("CHRONOS_COMPRESSION"); v != "" {
		cfg.DefaultCompression = v
	}
	if v := os.Getenv("CHRONOS_SNAPSHOT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SnapshotTimeoutSecs = n
		}
	}
}

func defaultWorkDir() string {
	if d, err := os.UserCacheDir(); err == nil {
		return d + string(os.PathSeparator) + "chronos"
	}
	return os.TempDir()
}

// EnsureWorkDir creates and returns cfg.WorkDir.
func (cfg *Config) EnsureWorkDir() (string, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir %s: %w", cfg.WorkDir, err)
	}
	return cfg.WorkDir, nil
}
