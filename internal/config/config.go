// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BigFiles holds the client-side settings.
type BigFiles struct {
	// Size is the auto-detection threshold in megabytes; 0 disables it.
	Size int `json:"size" yaml:"size"`
	// Patterns are doublestar globs of paths always added as big files.
	Patterns []string `json:"patterns" yaml:"patterns"`
	// AutoDetect applies Size and Patterns even before the first big file
	// is added.
	AutoDetect  bool   `json:"auto_detect" yaml:"auto_detect"`
	SystemCache string `json:"system_cache" yaml:"system_cache"`
	StoreURL    string `json:"store_url" yaml:"store_url"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

type Config struct {
	Server struct {
		Host string `json:"host" yaml:"host"`
		Port int    `json:"port" yaml:"port"`
	} `json:"server" yaml:"server"`

	Database struct {
		Path string `json:"path" yaml:"path"`
	} `json:"database" yaml:"database"`

	Store struct {
		Root        string `json:"root" yaml:"root"`
		CacheSize   int    `json:"cache_size" yaml:"cache_size"`
		Compression bool   `json:"compression" yaml:"compression"`
	} `json:"store" yaml:"store"`

	BigFiles BigFiles `json:"bigfiles" yaml:"bigfiles"`

	Environment string `json:"environment" yaml:"environment"` // dev, prod
	LogLevel    string `json:"log_level" yaml:"log_level"`     // debug, info, warn, error
}

// Environment variables that override file settings.
const (
	EnvSystemCache = "KBF_SYSTEMCACHE"
	EnvStoreURL    = "KBF_STORE_URL"
	EnvLogLevel    = "KBF_LOG_LEVEL"
	EnvSize        = "KBF_SIZE"
	EnvName        = "KBF_ENV"
)

// Default returns the built-in settings.
func Default() *Config {
	cfg := &Config{
		Environment: "development",
		LogLevel:    "info",
	}
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 8080
	cfg.Database.Path = "data/db"
	cfg.Store.Root = "data/blobs"
	cfg.Store.CacheSize = 1000
	cfg.Store.Compression = true
	cfg.BigFiles.Size = 10
	cfg.BigFiles.Concurrency = 4
	return cfg
}

// ServerPath is the server configuration file for the current environment.
func ServerPath() string {
	env := os.Getenv(EnvName)
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Load reads path over the defaults. Files ending in .yaml or .yml are YAML,
// anything else is JSON. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.merge(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Discover looks for kbf.yaml or kbf.json in adminDir, then .kbf.yaml or
// .kbf.json in the home directory, and falls back to the defaults.
func Discover(adminDir string) (*Config, error) {
	var candidates []string
	if adminDir != "" {
		candidates = append(candidates, filepath.Join(adminDir, "kbf.yaml"), filepath.Join(adminDir, "kbf.json"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".kbf.yaml"), filepath.Join(home, ".kbf.json"))
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("checking config %s: %w", p, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(file).Decode(c)
	default:
		err = json.NewDecoder(file).Decode(c)
	}
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvSystemCache); v != "" {
		c.BigFiles.SystemCache = v
	}
	if v := os.Getenv(EnvStoreURL); v != "" {
		c.BigFiles.StoreURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvSize); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, was %q", EnvSize, v)
		}
		c.BigFiles.Size = size
	}
	return nil
}

// Threshold is the auto-detection size in bytes, 0 when disabled.
func (b BigFiles) Threshold() int64 {
	if b.Size <= 0 {
		return 0
	}
	return int64(b.Size) * 1024 * 1024
}

// Addr is the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
