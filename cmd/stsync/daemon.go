package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/statesync/statesync/internal/daemon"
	"github.com/statesync/statesync/internal/dashboard"
	"github.com/statesync/statesync/internal/syncer"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run sync continuously: a cycle every interval, plus debounced
cycles on local extension activity. Optionally serves the dashboard
websocket feed for UI frontends.

Auto-sync obeys the persisted enable flag; use --enable to turn it on.`,
	Run: func(cmd *cobra.Command, args []string) {
		enable, _ := cmd.Flags().GetBool("enable")

		e, err := newEnv(offlineMode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer e.close()

		var logger *log.Logger
		if e.cfg.LogFile != "" {
			rotator := &lumberjack.Logger{
				Filename:   e.cfg.LogFile,
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     14,
			}
			defer rotator.Close()
			logger = log.New(rotator, "[daemon] ", log.LstdFlags)
		} else {
			logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		}

		token := e.cfg.Remote.Token
		auto, err := daemon.New(daemon.Config{
			Interval:      e.cfg.AutoSync.Interval,
			HasCredential: func() bool { return offlineMode || token != "" },
			Logger:        logger,
		}, e.store, []syncer.Synchronizer{e.syncer})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer auto.Stop()

		if enable || e.cfg.AutoSync.Enabled {
			if err := auto.Enable(); err != nil {
				fmt.Fprintf(os.Stderr, "Error enabling auto sync: %v\n", err)
				os.Exit(1)
			}
		}

		watcher := daemon.NewActivityWatcher(func(source string) {
			auto.Trigger(source)
		}, logger)
		if err := watcher.Start(e.manager.Dir()); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting watcher: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Stop()

		if e.cfg.Dashboard.Port > 0 {
			srv := dashboard.NewServer(fmt.Sprintf("127.0.0.1:%d", e.cfg.Dashboard.Port), e.store, logger)
			if err := srv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			detach := srv.Attach(auto)
			defer func() {
				detach()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Stop(ctx)
			}()
		}

		logger.Printf("daemon running (auto sync %v)", auto.Running())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		logger.Printf("shutting down")
	},
}

func init() {
	daemonCmd.Flags().Bool("enable", false, "enable auto sync before starting")
	daemonCmd.Flags().BoolVar(&offlineMode, "offline", false, "use an in-memory remote (no service)")
}
