package main

import (
	"fmt"
	"time"

	shuttleplus "github.com/shuttleplus/shuttleplus-go"
	"github.com/spf13/cobra"
)

var (
	initEnvironment string
	initBaseURL     string
	initDataDir     string
)

func init() {
	initCmd.Flags().StringVar(&initEnvironment, "env", "production", "environment (development or production)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "override the API root")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "", "directory for the local database")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [token]",
	Short: "Create ~/.shuttleplus/config.toml",
	Long:  "Initialize the CLI configuration. An optional session token is stored together with its expiry.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Environment = initEnvironment
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initDataDir != "" {
			cfg.Default.DataDir = initDataDir
		}
		if len(args) == 1 {
			storeToken(cfg, args[0])
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

// storeToken records token and, when the token carries one, its expiry.
func storeToken(cfg *Config, token string) {
	cfg.Auth.Token = token
	cfg.Auth.TokenExpires = ""
	if exp, err := shuttleplus.TokenExpiry(token); err == nil && !exp.IsZero() {
		cfg.Auth.TokenExpires = exp.UTC().Format(time.RFC3339)
	}
}
