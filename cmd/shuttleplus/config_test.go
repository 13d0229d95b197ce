package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigValues(t *testing.T) {
	cfg := &Config{}

	t.Run("set and get", func(t *testing.T) {
		if err := setConfigValue(cfg, "proxy.origin", "https://shuttleplus.et"); err != nil {
			t.Fatalf("set: %v", err)
		}
		v, err := getConfigValue(cfg, "proxy.origin")
		if err != nil || v != "https://shuttleplus.et" || cfg.Proxy.Origin != v {
			t.Fatalf("unexpected value %q (%v)", v, err)
		}
	})

	t.Run("bad keys", func(t *testing.T) {
		if err := setConfigValue(cfg, "origin", "x"); err == nil || !strings.Contains(err.Error(), "dot notation") {
			t.Fatalf("expected dot notation error, got %v", err)
		}
		if _, err := getConfigValue(cfg, "proxy.port"); err == nil {
			t.Fatal("expected unknown key error")
		}
	})

	t.Run("every env override addresses a field", func(t *testing.T) {
		for name, key := range envOverrides {
			if _, ok := configFields[key]; !ok {
				t.Errorf("%s maps to unknown key %s", name, key)
			}
		}
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{Default: ConfigDefault{Environment: "production"}}
	env := map[string]string{
		"SHUTTLEPLUS_ENVIRONMENT": "development",
		"SHUTTLEPLUS_TOKEN":       "tok",
	}
	applyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Default.Environment != "development" || cfg.Auth.Token != "tok" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Proxy.Listen != "" {
		t.Fatalf("unset variables must not clear fields, got %q", cfg.Proxy.Listen)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"short":                "*****",
		"eyJhbGciOiJIUzI1NiJ9": "eyJh************NiJ9",
	}
	for in, want := range cases {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(homeEnv, dir)

	t.Run("missing file is empty", func(t *testing.T) {
		cfg, err := loadConfig()
		if err != nil || *cfg != (Config{}) {
			t.Fatalf("expected empty config, got %+v (%v)", cfg, err)
		}
	})

	t.Run("save then load", func(t *testing.T) {
		cfg := &Config{
			Default: ConfigDefault{Environment: "development"},
			Auth:    ConfigAuth{Token: "eyJhbGciOiJIUzI1NiJ9"},
			Proxy:   ConfigProxy{RedisAddr: "127.0.0.1:6379"},
		}
		if err := saveConfig(cfg); err != nil {
			t.Fatalf("saveConfig: %v", err)
		}
		got, err := loadConfig()
		if err != nil || *got != *cfg {
			t.Fatalf("round trip mismatch: %+v (%v)", got, err)
		}

		info, err := os.Stat(filepath.Join(dir, "config.toml"))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("expected 0600, got %o", perm)
		}
		leftovers, _ := filepath.Glob(filepath.Join(dir, ".config-*"))
		if len(leftovers) != 0 {
			t.Fatalf("temporary files left behind: %v", leftovers)
		}
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		path := filepath.Join(dir, "config.toml")
		os.WriteFile(path, []byte("[proxy]\nredis_adr = \"127.0.0.1:6379\"\n"), 0o600)
		_, err := loadConfig()
		if err == nil || !strings.Contains(err.Error(), "redis_adr") {
			t.Fatalf("expected unknown key error, got %v", err)
		}
	})
}
