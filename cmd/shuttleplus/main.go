package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.shuttleplus/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Proxy   ConfigProxy   `toml:"proxy"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
	DataDir     string `toml:"data_dir"`
}

// ConfigAuth holds the session token.
type ConfigAuth struct {
	Token        string `toml:"token"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigProxy holds settings for "proxy serve".
type ConfigProxy struct {
	Listen     string `toml:"listen"`
	Origin     string `toml:"origin"`
	PushSecret string `toml:"push_secret"`
	RedisAddr  string `toml:"redis_addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// homeEnv relocates the config directory, which also holds the default
// database.
const homeEnv = "SHUTTLEPLUS_HOME"

// configDir returns $SHUTTLEPLUS_HOME or ~/.shuttleplus, creating it if
// needed.
func configDir() (string, error) {
	dir := os.Getenv(homeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".shuttleplus")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

// readConfig parses path strictly: unknown keys are an error. A missing file
// is an empty Config.
func readConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%s: unknown keys (see 'shuttleplus config keys'):\n%s", path, strict.String())
		}
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

// effectiveConfig is loadConfig with .env and SHUTTLEPLUS_* overrides
// applied. It is never written back to disk.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

var envOverrides = map[string]string{
	"SHUTTLEPLUS_BASE_URL":     "default.base_url",
	"SHUTTLEPLUS_ENVIRONMENT":  "default.environment",
	"SHUTTLEPLUS_DATA_DIR":     "default.data_dir",
	"SHUTTLEPLUS_TOKEN":        "auth.token",
	"SHUTTLEPLUS_PROXY_LISTEN": "proxy.listen",
	"SHUTTLEPLUS_ORIGIN":       "proxy.origin",
	"SHUTTLEPLUS_PUSH_SECRET":  "proxy.push_secret",
	"SHUTTLEPLUS_REDIS_ADDR":   "proxy.redis_addr",
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for env, key := range envOverrides {
		if v := getenv(env); v != "" {
			setConfigValue(cfg, key, v)
		}
	}
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfig(path, cfg)
}

// writeConfig atomically replaces path through a temporary file in the same
// directory.
func writeConfig(path string, cfg *Config) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configFields maps dotted keys to the fields they address.
var configFields = map[string]func(*Config) *string{
	"default.base_url":    func(c *Config) *string { return &c.Default.BaseURL },
	"default.environment": func(c *Config) *string { return &c.Default.Environment },
	"default.data_dir":    func(c *Config) *string { return &c.Default.DataDir },
	"auth.token":          func(c *Config) *string { return &c.Auth.Token },
	"auth.token_expires":  func(c *Config) *string { return &c.Auth.TokenExpires },
	"proxy.listen":        func(c *Config) *string { return &c.Proxy.Listen },
	"proxy.origin":        func(c *Config) *string { return &c.Proxy.Origin },
	"proxy.push_secret":   func(c *Config) *string { return &c.Proxy.PushSecret },
	"proxy.redis_addr":    func(c *Config) *string { return &c.Proxy.RedisAddr },
}

// secretKeys are masked when printed.
var secretKeys = map[string]bool{"auth.token": true, "proxy.push_secret": true}

func configField(cfg *Config, key string) (*string, error) {
	if !strings.Contains(key, ".") {
		return nil, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	field, ok := configFields[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q (see 'shuttleplus config keys')", key)
	}
	return field(cfg), nil
}

func setConfigValue(cfg *Config, key, value string) error {
	p, err := configField(cfg, key)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

func getConfigValue(cfg *Config, key string) (string, error) {
	p, err := configField(cfg, key)
	if err != nil {
		return "", err
	}
	return *p, nil
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose      bool
	forceOffline bool
)

var rootCmd = &cobra.Command{
	Use:   "shuttleplus",
	Short: "Shuttle Plus offline-first client",
	Long: "Command-line interface for the Shuttle Plus booking client.\n" +
		"Manage bookings with a durable local store, replay queued changes and run the caching proxy.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&forceOffline, "offline", false, "treat the network as unavailable; writes are queued")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
