package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional ringsync configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Theme    ThemeConfig    `toml:"theme"`
}

// DefaultsConfig holds persistent flag defaults. Nil means unset.
type DefaultsConfig struct {
	Cores             *int    `toml:"cores"`
	QueueDepth        *int    `toml:"queue_depth"`
	Retries           *int    `toml:"retries"`
	MaxFilesInFlight  *int    `toml:"max_files_in_flight"`
	Archive           *bool   `toml:"archive"`
	Xattrs            *bool   `toml:"xattrs"`
	ACLs              *bool   `toml:"acls"`
	Devices           *bool   `toml:"devices"`
	OneFileSystem     *bool   `toml:"one_file_system"`
	Strict            *bool   `toml:"strict"`
	Verify            *bool   `toml:"verify"`
	BWLimit           *string `toml:"bwlimit"`
	ZeroCopyThreshold *string `toml:"zero_copy_threshold"`
	BufferSize        *string `toml:"buffer_size"`
	CopyMethod        *string `toml:"copy_method"`
}

// ThemeConfig holds optional color overrides for the summary.
type ThemeConfig struct {
	Green *string `toml:"green"`
	Red   *string `toml:"red"`
	Muted *string `toml:"muted"`
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
	return filepath.Join(dir, "ringsync", "config.toml")
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

// LoadFile reads the config file at path. A missing file yields a zero
// Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, &UnknownKeyError{Path: path, Key: undecoded[0].String()}
	}
	return cfg, nil
}

// UnknownKeyError reports a key in the config file that ringsync does not
// recognise.
type UnknownKeyError struct {
	Path string
	Key  string
}

func (e *UnknownKeyError) Error() string {
	return e.Path + ": unknown key " + e.Key
}
