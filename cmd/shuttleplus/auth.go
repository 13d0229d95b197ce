package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var registerName string

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "full name (required)")
	registerCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(loginCmd, registerCmd, verifyCmd, logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <phone>",
	Short: "Request a one-time code for an existing account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := s.client.Auth.Login(ctx, args[0])
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Println(valueOrDefault(res.Message, "Code sent."))
		fmt.Printf("Run 'shuttleplus verify %s <code>' to finish.\n", args[0])
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <phone>",
	Short: "Create an account and request a one-time code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := s.client.Auth.Register(ctx, args[0], registerName)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Println(valueOrDefault(res.Message, "Code sent."))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <phone> <code>",
	Short: "Verify a one-time code and store the session token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := s.client.Auth.VerifyOTP(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if res.Token == "" {
			return fmt.Errorf("server returned no token")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		storeToken(cfg, res.Token)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if res.User != nil {
			fmt.Printf("Logged in as %s (%s)\n", valueOrDefault(res.User.Name, "(no name)"), res.User.Phone)
		} else {
			fmt.Println("Logged in.")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = ""
		cfg.Auth.TokenExpires = ""
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
