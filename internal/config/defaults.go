package config

import (
	"os"
	"path/filepath"
)

const appDir = "render-queue"

// Config holds application-level settings. Per-project render settings live
// in the database.
type Config struct {
	DatabasePath      string `yaml:"database_path"`
	ScriptsDir        string `yaml:"scripts_dir"`
	CacheDir          string `yaml:"cache_dir"`
	DefaultExecutable string `yaml:"default_executable,omitempty"`
	LogFile           string `yaml:"log_file,omitempty"`
	Verbose           bool   `yaml:"verbose"`
}

// DefaultConfig returns baseline local configuration for first launch.
func DefaultConfig() Config {
	dataDir := userDir(os.UserConfigDir)
	cacheDir := userDir(os.UserCacheDir)

	return Config{
		DatabasePath: filepath.Join(dataDir, appDir, "projects.db"),
		ScriptsDir:   filepath.Join(dataDir, appDir, "scripts"),
		CacheDir:     filepath.Join(cacheDir, appDir, "previews"),
	}
}

// DefaultPath is the config file location under the user config dir.
func DefaultPath() string {
	return filepath.Join(userDir(os.UserConfigDir), appDir, "config.yaml")
}

func userDir(lookup func() (string, error)) string {
	dir, err := lookup()
	if err == nil && dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config")
	}
	return "."
}

// withDefaults fills empty paths from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = def.ScriptsDir
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	return c
}
