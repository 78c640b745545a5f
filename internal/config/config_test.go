package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7557 || cfg.Host != "127.0.0.1" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PersistenceEnabled() {
		t.Fatal("persistence enabled without DATA_DIR")
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].ID != "C_GENERAL" {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
	if len(cfg.Users) == 0 {
		t.Fatal("no seed users")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATA_DIR", "/tmp/simdata")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9000 || !cfg.PersistenceEnabled() {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// local override
		port: 8123,
		channels: [
			{id: "C_OPS", name: "ops", is_channel: true},
		],
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8123 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].ID != "C_OPS" {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
	// Users were not supplied, so the seed defaults apply.
	if len(cfg.Users) == 0 {
		t.Fatal("seed users missing")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.json5"); err == nil {
		t.Fatal("missing config file accepted")
	}
}
