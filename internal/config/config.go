package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional ringdd configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Theme    ThemeConfig    `toml:"theme"`
}

// DefaultsConfig holds persistent flag defaults. Sizes are strings so they
// accept the same suffixes as the flags ("64K", "1MiB").
type DefaultsConfig struct {
	BlockSize  *string `toml:"bs"`
	RingSize   *int    `toml:"ring_size"`
	NumBuffers *int    `toml:"num_buffers"`
	Progress   *bool   `toml:"progress"`
	Engine     *string `toml:"engine"`
	BWLimit    *string `toml:"bwlimit"`
	NoCache    *bool   `toml:"nocache"`
	Verify     *bool   `toml:"verify"`
	Fsync      *bool   `toml:"fsync"`
}

// ThemeConfig holds optional color overrides for terminal progress.
type ThemeConfig struct {
	Green *string `toml:"green"`
	Red   *string `toml:"red"`
	Teal  *string `toml:"teal"`
	Muted *string `toml:"muted"`
	Dim   *string `toml:"dim"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ringdd", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path, with the same missing-file rule
// as Load.
func LoadFile(path string) (Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
