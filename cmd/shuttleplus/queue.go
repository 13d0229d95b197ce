package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueDrainCmd, queueClearCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay changes made while offline",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		actions, err := s.offline.Queue.All(ctx)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tBOOKING\tQUEUED")
		for _, a := range actions {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.ID, a.Type, valueOrDefault(a.BookingID, "-"),
				a.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		tw.Flush()
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending actions against the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		results, err := s.offline.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		failed := 0
		for _, r := range results {
			if r.Success {
				fmt.Printf("  #%d ok\n", r.ID)
				continue
			}
			failed++
			if r.Dropped {
				fmt.Printf("  #%d dropped: %v\n", r.ID, r.Err)
				continue
			}
			fmt.Printf("  #%d failed: %v\n", r.ID, r.Err)
		}
		fmt.Printf("Replayed %d, failed %d.\n", len(results)-failed, failed)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending action",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.offline.Queue.Clear(context.Background()); err != nil {
			return err
		}
		fmt.Println("Queue cleared.")
		return nil
	},
}
