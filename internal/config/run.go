// Package config loads the optional JSON run configuration of xphate.
// Every field is optional; the Get* accessors supply the defaults and
// command-line flags override whatever the file sets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/xphate/internal/grid"
)

// Worker modes.
const (
	WorkerModeInline  = "inline"
	WorkerModeProcess = "process"
)

// Skip-marker stores.
const (
	SkipStoreFile   = "file"
	SkipStoreSQLite = "sqlite"
)

// RunConfig is the root run configuration.
type RunConfig struct {
	// Sweep specs: one value or [min, max, step].
	Knns   []int `json:"knns,omitempty"`
	Decays []int `json:"decays,omitempty"`
	Ts     []int `json:"ts,omitempty"`

	Components *int  `json:"components,omitempty"`
	Clusters   *bool `json:"clusters,omitempty"`
	Threads    *int  `json:"threads,omitempty"`

	WorkerMode    *string `json:"worker_mode,omitempty"`
	MaxParallel   *int    `json:"max_parallel,omitempty"`
	WorkerTimeout *string `json:"worker_timeout,omitempty"` // duration string like "30m"

	Labels []string `json:"labels,omitempty"`

	SkipStore *string `json:"skip_store,omitempty"`
	DBPath    *string `json:"db_path,omitempty"`
	PNG       *bool   `json:"png,omitempty"`
}

// Helper functions to create pointers
func PtrBool(v bool) *bool       { return &v }
func PtrInt(v int) *int          { return &v }
func PtrString(v string) *string { return &v }

// Load reads a RunConfig from a JSON file. The file must have a .json
// extension and be under 1MB.
func Load(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RunConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if _, err := grid.NewSweep(c.Knns, c.Decays, c.Ts); err != nil {
		return err
	}
	if c.Components != nil && (*c.Components < 2 || *c.Components > 3) {
		return fmt.Errorf("components must be 2 or 3, got %d", *c.Components)
	}
	if c.Threads != nil && *c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", *c.Threads)
	}
	if c.WorkerMode != nil {
		switch *c.WorkerMode {
		case WorkerModeInline, WorkerModeProcess:
		default:
			return fmt.Errorf("worker_mode must be %q or %q, got %q", WorkerModeInline, WorkerModeProcess, *c.WorkerMode)
		}
	}
	if c.MaxParallel != nil && *c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative, got %d", *c.MaxParallel)
	}
	if c.WorkerTimeout != nil && *c.WorkerTimeout != "" {
		d, err := time.ParseDuration(*c.WorkerTimeout)
		if err != nil {
			return fmt.Errorf("invalid worker_timeout '%s': %w", *c.WorkerTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("worker_timeout must not be negative, got %s", d)
		}
	}
	if c.SkipStore != nil {
		switch *c.SkipStore {
		case SkipStoreFile:
		case SkipStoreSQLite:
			if c.GetDBPath() == "" {
				return fmt.Errorf("skip_store %q needs db_path", SkipStoreSQLite)
			}
		default:
			return fmt.Errorf("skip_store must be %q or %q, got %q", SkipStoreFile, SkipStoreSQLite, *c.SkipStore)
		}
	}
	return nil
}

// Sweep expands the configured sweep specs.
func (c *RunConfig) Sweep() (grid.Sweep, error) {
	return grid.NewSweep(c.Knns, c.Decays, c.Ts)
}

// GetComponents returns the embedding dimensionality or the default.
func (c *RunConfig) GetComponents() int {
	if c.Components == nil {
		return 2 // default
	}
	return *c.Components
}

// GetClusters returns whether cluster assignments are computed.
func (c *RunConfig) GetClusters() bool {
	if c.Clusters == nil {
		return false // default
	}
	return *c.Clusters
}

// GetThreads returns the per-embedding thread hint or the default.
func (c *RunConfig) GetThreads() int {
	if c.Threads == nil {
		return 1 // default
	}
	return *c.Threads
}

// GetWorkerMode returns the worker mode or the default.
func (c *RunConfig) GetWorkerMode() string {
	if c.WorkerMode == nil || *c.WorkerMode == "" {
		return WorkerModeInline
	}
	return *c.WorkerMode
}

// GetMaxParallel returns the worker concurrency cap; zero means one worker
// per knn value at once.
func (c *RunConfig) GetMaxParallel() int {
	if c.MaxParallel == nil {
		return 0
	}
	return *c.MaxParallel
}

// GetWorkerTimeout parses and returns the worker timeout; zero means none.
func (c *RunConfig) GetWorkerTimeout() time.Duration {
	if c.WorkerTimeout == nil || *c.WorkerTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.WorkerTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetSkipStore returns the skip-marker store kind or the default.
func (c *RunConfig) GetSkipStore() string {
	if c.SkipStore == nil || *c.SkipStore == "" {
		return SkipStoreFile
	}
	return *c.SkipStore
}

// GetDBPath returns the sqlite path, empty when run history is off.
func (c *RunConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetPNG returns whether static PNG figures are written.
func (c *RunConfig) GetPNG() bool {
	if c.PNG == nil {
		return false
	}
	return *c.PNG
}
