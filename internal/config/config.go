// Package config resolves shmc settings from JSONC files, environment, and
// flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shmcache/internal/fs"
	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// Config errors.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Namespace     string  `json:"namespace,omitempty"`
	File          string  `json:"file,omitempty"`
	Dir           string  `json:"dir,omitempty"`
	Size          int64   `json:"size,omitempty"`
	IndexCapacity uint64  `json:"index_capacity,omitempty"`
	MinChunkSize  int     `json:"min_chunk_size,omitempty"`
	GrowthFactor  float64 `json:"growth_factor,omitempty"`
	LockTimeout   string  `json:"lock_timeout,omitempty"`
	LogFile       string  `json:"log_file,omitempty"`
	AuditLog      string  `json:"audit_log,omitempty"`

	// Resolved values (computed, not serialized)
	LockTimeoutDuration time.Duration `json:"-"`
	EffectiveCwd        string        `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Namespace:   "default",
		Size:        shmcache.DefaultSize,
		LockTimeout: "5s",
	}
}

// FileName is the default project config file name.
const FileName = ".shmc.json"

// Environment variables read by Load.
const (
	EnvNamespace = "SHMC_NAMESPACE"
	EnvFile      = "SHMC_FILE"
)

// GlobalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/shmc/config.json if set, otherwise
// ~/.config/shmc/config.json. Returns empty string if home directory cannot
// be determined.
func GlobalPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "shmc", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "shmc", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDir    string            // if empty, os.Getwd() is used
	ConfigPath string            // -c/--config flag value
	Env        map[string]string // environment variables
	Overrides  Config            // non-zero fields win over everything else
	FS         fs.FS             // if nil, the real filesystem is used
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/shmc/config.json)
// 3. Project config file (.shmc.json, if exists)
// 4. Explicit config file via ConfigPath (replaces 3)
// 5. Environment (SHMC_NAMESPACE, SHMC_FILE)
// 6. Flag overrides.
//
// Setting a file at a higher level clears a namespace from a lower one and
// vice versa.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	fsys := input.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	cfg := Default()

	if path := GlobalPath(input.Env); path != "" {
		globalCfg, loaded, err := loadFile(fsys, path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = merge(cfg, globalCfg)
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	projectCfg, loaded, err := loadFile(fsys, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
		cfg = merge(cfg, projectCfg)
	}

	cfg = merge(cfg, Config{Namespace: input.Env[EnvNamespace], File: input.Env[EnvFile]})
	cfg = merge(cfg, input.Overrides)

	if cfg.File != "" && !filepath.IsAbs(cfg.File) {
		cfg.File = filepath.Join(workDir, cfg.File)
	}

	if cfg.Dir != "" && !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(workDir, cfg.Dir)
	}

	cfg.EffectiveCwd = workDir

	if err := validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return cfg, nil
}

// loadFile loads a config file. If mustExist is false, missing files return
// a zero config.
func loadFile(fsys fs.FS, path string, mustExist bool) (Config, bool, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

// Parse decodes a JSONC config document.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	switch {
	case overlay.File != "":
		base.File, base.Namespace = overlay.File, ""
	case overlay.Namespace != "":
		base.Namespace, base.File = overlay.Namespace, ""
	}

	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.Size != 0 {
		base.Size = overlay.Size
	}

	if overlay.IndexCapacity != 0 {
		base.IndexCapacity = overlay.IndexCapacity
	}

	if overlay.MinChunkSize != 0 {
		base.MinChunkSize = overlay.MinChunkSize
	}

	if overlay.GrowthFactor != 0 {
		base.GrowthFactor = overlay.GrowthFactor
	}

	if overlay.LockTimeout != "" {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.LogFile != "" {
		base.LogFile = overlay.LogFile
	}

	if overlay.AuditLog != "" {
		base.AuditLog = overlay.AuditLog
	}

	return base
}

func validate(cfg *Config) error {
	if cfg.Namespace == "" && cfg.File == "" {
		return errors.New("one of namespace or file is required")
	}

	if cfg.Size < 0 {
		return fmt.Errorf("size %d is negative", cfg.Size)
	}

	if cfg.LockTimeout != "" {
		d, err := time.ParseDuration(cfg.LockTimeout)
		if err != nil {
			return fmt.Errorf("lock_timeout: %w", err)
		}

		if d < 0 {
			return fmt.Errorf("lock_timeout %s is negative", d)
		}

		cfg.LockTimeoutDuration = d
	}

	return nil
}

// Options returns the open options for the configured region.
func (c Config) Options() shmcache.Options {
	return shmcache.Options{
		Namespace:     c.Namespace,
		Filename:      c.File,
		Dir:           c.Dir,
		Size:          c.Size,
		IndexCapacity: c.IndexCapacity,
		MinChunkSize:  c.MinChunkSize,
		GrowthFactor:  c.GrowthFactor,
		LockTimeout:   c.LockTimeoutDuration,
	}
}

// DropOptions returns the drop options for the configured region.
func (c Config) DropOptions(force bool) shmcache.DropOptions {
	return shmcache.DropOptions{
		Namespace:   c.Namespace,
		Filename:    c.File,
		Dir:         c.Dir,
		Force:       force,
		LockTimeout: c.LockTimeoutDuration,
	}
}

// Template is the document written by `shmc init-config`.
const Template = `{
  // Region identity: set exactly one of "namespace" or "file".
  "namespace": "default",

  // Directory for namespace regions. Empty means $SHMCACHE_NAMESPACES_ROOT,
  // /dev/shm/shmcache or $TMPDIR/shmcache.
  // "dir": "",

  // Geometry, only used when the region is created.
  "size": 67108864,
  // "index_capacity": 131072,
  // "min_chunk_size": 32,
  // "growth_factor": 1.25,

  "lock_timeout": "5s",

  // "log_file": "",
  // "audit_log": "",
}
`
