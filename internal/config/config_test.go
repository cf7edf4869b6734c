package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndTokenGeneration(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := load([]string{"-config", configPath})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 4020 {
		t.Fatalf("port = %d, want default 4020", cfg.Port)
	}
	if cfg.Token == "" {
		t.Fatal("token not generated")
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("generated token not persisted: %v", err)
	}

	// A second load picks up the persisted token.
	again, err := load([]string{"-config", configPath})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again.Token != cfg.Token {
		t.Fatalf("token changed across loads: %q vs %q", again.Token, cfg.Token)
	}
}

func TestLoadFileThenFlagsWin(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "port: 9000\ntoken: abc\nlog_level: debug\ncontrol_dir: /tmp/ctl\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load([]string{"-config", configPath, "-port", "9001"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9001 {
		t.Fatalf("port = %d, want flag override 9001", cfg.Port)
	}
	if cfg.Token != "abc" {
		t.Fatalf("token = %q", cfg.Token)
	}
	if cfg.ControlDir != "/tmp/ctl" {
		t.Fatalf("control dir = %q", cfg.ControlDir)
	}
	if lvl, err := cfg.SlogLevel(); err != nil || lvl.String() != "DEBUG" {
		t.Fatalf("level = %v, %v", lvl, err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := load([]string{"-config", configPath, "-port", "70000", "-token", "x"}); err == nil {
		t.Fatal("load accepted invalid port")
	}
	if _, err := load([]string{"-config", configPath, "-log-level", "loud", "-token", "x"}); err == nil {
		t.Fatal("load accepted invalid log level")
	}
}
