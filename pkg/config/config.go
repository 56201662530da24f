// Package config loads and merges vthubd's process configuration, grounded
// on the teacher's pkg/config/config.go: a YAML file overlaid with
// command-line flags via pflag.FlagSet.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// RemoteConfig is one upstream peer server for HQ-mode federation
// (SPEC_FULL.md §3, §4.5.1).
type RemoteConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Config is vthubd's full process configuration.
type Config struct {
	ControlDir string         `yaml:"control_dir"`
	Listen     string         `yaml:"listen"`
	Debug      bool           `yaml:"debug"`
	Remotes    []RemoteConfig `yaml:"remotes"`
}

// DefaultConfig returns the configuration used when no file or flags
// override it.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ControlDir: filepath.Join(homeDir, ".vthub", "control"),
		Listen:     ":4022",
		Debug:      false,
	}
}

// LoadConfig loads configuration from filename, creating it with defaults
// if it doesn't exist yet. An empty filename returns the defaults without
// touching the filesystem.
func LoadConfig(filename string) *Config {
	cfg := DefaultConfig()

	if filename == "" {
		return cfg
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		fmt.Printf("Warning: failed to create config directory: %v\n", err)
		return cfg
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Printf("Warning: failed to read config file: %v\n", err)
		}
		if err := cfg.Save(filename); err != nil {
			fmt.Printf("Warning: failed to save default config: %v\n", err)
		}
		return cfg
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		fmt.Printf("Warning: failed to parse config file: %v\n", err)
		return DefaultConfig()
	}

	return cfg
}

// Save writes the configuration to filename as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// MergeFlags overlays command-line flags the user actually set onto c.
func (c *Config) MergeFlags(flags *pflag.FlagSet) {
	if flags.Changed("control-dir") {
		if val, err := flags.GetString("control-dir"); err == nil {
			c.ControlDir = val
		}
	}

	if flags.Changed("listen") {
		if val, err := flags.GetString("listen"); err == nil {
			c.Listen = val
		}
	}

	if flags.Changed("debug") {
		if val, err := flags.GetBool("debug"); err == nil {
			c.Debug = val
		}
	}
}

// Print displays the current configuration.
func (c *Config) Print() {
	fmt.Println("VTHub Configuration:")
	fmt.Printf("  Control Dir: %s\n", c.ControlDir)
	fmt.Printf("  Listen: %s\n", c.Listen)
	fmt.Printf("  Debug: %t\n", c.Debug)
	fmt.Printf("  Remotes: %d configured\n", len(c.Remotes))
	for _, r := range c.Remotes {
		fmt.Printf("    - %s (%s) -> %s\n", r.ID, r.Name, r.URL)
	}
}
