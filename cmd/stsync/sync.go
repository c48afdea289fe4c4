package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/statesync/statesync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: cannot locate home directory: %v\n", err)
				os.Exit(1)
			}
			path = filepath.Join(home, ".stsync", "stsync.yaml")
		}
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle",
	Long: `Run a single bidirectional sync cycle for every resource kind:
remote changes apply locally, local changes push to the service.`,
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEnv(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if err := e.syncer.Sync(ctx, "manual"); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Sync complete")
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Overwrite local state from the remote",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEnv(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if err := e.syncer.Pull(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Pull complete")
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Overwrite the remote from local state",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEnv(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if err := e.syncer.Push(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Push complete")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-kind sync state",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEnv(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		states, err := e.store.States()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(states) == 0 {
			fmt.Println("No resource kind has synced yet")
			return
		}
		for _, s := range states {
			fmt.Printf("%-12s ref=%s schema=v%d skipped=%d updated=%s\n",
				s.Kind, s.Ref, s.Version, s.Skipped, s.UpdatedAt)
		}
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget all local sync state",
	Long: `Forget every recorded last-sync state. The next sync behaves
like a first sync on this machine. Installed extensions are untouched.`,
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEnv(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		if err := e.store.ResetAll(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Sync state cleared")
	},
}
