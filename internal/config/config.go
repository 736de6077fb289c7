package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Accessory AccessoryConfig `toml:"accessory"`
	Network   NetworkConfig   `toml:"network"`
	Log       LogConfig       `toml:"log"`
}

type AccessoryConfig struct {
	Name      string `toml:"name"`
	Model     string `toml:"model"`
	Category  int    `toml:"category"` // accessory category identifier, e.g. 5 = lightbulb
	SetupCode string `toml:"setup_code"`
	DataDir   string `toml:"data_dir"`
}

type NetworkConfig struct {
	Listen    string `toml:"listen"`
	Advertise bool   `toml:"advertise"`
	Interface string `toml:"interface"` // mDNS interface; empty = all
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "hearth"
	}
	return &Config{
		Accessory: AccessoryConfig{
			Name:     hostname,
			Model:    "Hearth1",
			Category: 5,
			DataDir:  "~/.hearth",
		},
		Network: NetworkConfig{
			Listen:    "0.0.0.0:5525",
			Advertise: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, the default location is tried; if no file exists
// there, defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.hearth/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
