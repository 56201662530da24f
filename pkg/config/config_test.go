package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadConfigEmptyFilenameReturnsDefaults(t *testing.T) {
	cfg := LoadConfig("")
	if cfg.Listen != DefaultConfig().Listen {
		t.Fatalf("expected default listen address, got %q", cfg.Listen)
	}
}

func TestLoadConfigCreatesFileOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "config.yaml")

	cfg := LoadConfig(filename)
	if cfg.ControlDir == "" {
		t.Fatal("expected a default control dir")
	}

	reloaded := LoadConfig(filename)
	if reloaded.Listen != cfg.Listen {
		t.Fatalf("expected reloaded config to match saved defaults, got %q vs %q", reloaded.Listen, cfg.Listen)
	}
}

func TestSaveThenLoadRoundTripsRemotes(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Remotes = []RemoteConfig{{ID: "hq1", Name: "primary", URL: "https://hq.example.com", Token: "secret"}}
	if err := cfg.Save(filename); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := LoadConfig(filename)
	if len(reloaded.Remotes) != 1 || reloaded.Remotes[0].ID != "hq1" {
		t.Fatalf("expected one remote 'hq1', got %+v", reloaded.Remotes)
	}
}

func TestMergeFlagsOnlyAppliesChangedFlags(t *testing.T) {
	cfg := DefaultConfig()
	original := cfg.ControlDir

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("control-dir", "", "")
	flags.String("listen", "", "")
	flags.Bool("debug", false, "")
	if err := flags.Parse([]string{"--listen", ":9000"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg.MergeFlags(flags)

	if cfg.Listen != ":9000" {
		t.Fatalf("expected listen overridden to :9000, got %q", cfg.Listen)
	}
	if cfg.ControlDir != original {
		t.Fatalf("expected control dir untouched, got %q", cfg.ControlDir)
	}
}
