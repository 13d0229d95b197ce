package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	shuttleplus "github.com/shuttleplus/shuttleplus-go"
)

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// dataDir resolves where the local database lives.
func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	return configDir()
}

func openStore(cfg *Config, logger *slog.Logger) (*shuttleplus.Storage, error) {
	dir, err := dataDir(cfg)
	if err != nil {
		return nil, err
	}
	return shuttleplus.NewStorage(filepath.Join(dir, shuttleplus.DefaultDatabaseFile),
		shuttleplus.WithStorageLogger(logger)), nil
}

func clientOptions(cfg *Config) []shuttleplus.ClientOption {
	var opts []shuttleplus.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, shuttleplus.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" {
		opts = append(opts, shuttleplus.WithEnvironment(shuttleplus.Environment(cfg.Default.Environment)))
	}
	return opts
}

// session bundles what most commands need. Close releases the store.
type session struct {
	cfg     *Config
	logger  *slog.Logger
	store   *shuttleplus.Storage
	client  *shuttleplus.Client
	offline *shuttleplus.OfflineManager
}

func newSession() (*session, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger()
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := clientOptions(cfg)
	opts = append(opts,
		shuttleplus.WithStorage(store),
		shuttleplus.WithLogger(logger),
		shuttleplus.WithNetworkStatus(shuttleplus.NewNetworkStatus(!forceOffline)),
	)
	client := shuttleplus.NewClient(cfg.Auth.Token, opts...)
	return &session{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		client:  client,
		offline: shuttleplus.NewOfflineManager(client, nil),
	}, nil
}

func (s *session) Close() error { return s.store.Close() }

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
