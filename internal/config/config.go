// Package config loads server configuration: built-in defaults,
// overridden by a YAML config file, overridden by flags.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       int    `yaml:"port"`
	ControlDir string `yaml:"control_dir"`
	DBPath     string `yaml:"db_path"`
	Token      string `yaml:"token"`
	LogLevel   string `yaml:"log_level"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

// Load reads configuration for the server process, generating and
// persisting an auth token on first run.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cfg := &Config{
		Port:       4020,
		ControlDir: filepath.Join(homeDir, ".vibetunnel", "control"),
		DBPath:     filepath.Join(homeDir, ".vibetunnel", "index.db"),
		LogLevel:   "info",
		ConfigPath: filepath.Join(homeDir, ".config", "vibetunnel", "config.yaml"),
	}

	fs := flag.NewFlagSet("vibetunnel", flag.ContinueOnError)
	configPath := fs.String("config", cfg.ConfigPath, "path to config file")
	port := fs.Int("port", 0, "server port (1-65535)")
	controlDir := fs.String("control-dir", "", "directory holding per-session recordings and metadata")
	dbPath := fs.String("db", "", "path to the session index database")
	token := fs.String("token", "", "authentication token (auto-generated if empty)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPath = *configPath
	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Flags win over the file.
	if *port != 0 {
		cfg.Port = *port
	}
	if *controlDir != "" {
		cfg.ControlDir = *controlDir
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}
	if _, err := cfg.SlogLevel(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		generated, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = generated
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

// SlogLevel maps the configured level name onto slog's levels.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config file %q: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
