package main

import (
	"context"
	"fmt"
	"time"

	shuttleplus "github.com/shuttleplus/shuttleplus-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and local store status",
	Long:  "Display the current configuration, check whether the session token has expired and summarize the local store and sync queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		cfg := s.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", s.client.BaseURL())
		fmt.Printf("  Database:    %s\n", s.store.Path())

		fmt.Println()
		fmt.Println("Auth:")
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (no expiry)"
			if exp, err := shuttleplus.TokenExpiry(cfg.Auth.Token); err != nil {
				tokenStatus = fmt.Sprintf("present (unreadable: %v)", err)
			} else if !exp.IsZero() {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			}
			fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))
		}
		fmt.Printf("  Session:     %s\n", tokenStatus)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Local store:")
		version, err := s.store.Version(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		size, _ := s.store.Size(ctx)
		bookings, _ := s.store.Bookings.All(ctx)
		pending, _ := s.offline.Queue.Len(ctx)
		fmt.Printf("  Schema:      v%d\n", version)
		fmt.Printf("  Size:        %s\n", formatBytes(size))
		fmt.Printf("  Bookings:    %d\n", len(bookings))
		fmt.Printf("  Pending:     %d\n", pending)
		if user, err := s.store.User.Get(ctx); err == nil && user != nil {
			fmt.Printf("  User:        %s (%s)\n", valueOrDefault(user.Name, "(no name)"), user.Phone)
		}
		return nil
	},
}
