package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/statesync/statesync/internal/config"
	"github.com/statesync/statesync/internal/manager"
	"github.com/statesync/statesync/internal/remote"
	"github.com/statesync/statesync/internal/store"
	"github.com/statesync/statesync/internal/syncer"
)

var (
	configPath  string
	offlineMode bool
)

var rootCmd = &cobra.Command{
	Use:   "stsync",
	Short: "Sync user resources across machines",
	Long: `stsync keeps user resources (installed extensions, settings)
in sync across machines through a central sync service.

State lives under the configured data directory; the remote service
is addressed by remote.url in the config file or STSYNC_REMOTE_URL.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(daemonCmd)
}

// env bundles the wired-up collaborators a command needs.
type env struct {
	cfg     config.Config
	store   *store.Store
	manager *manager.DirManager
	syncer  *syncer.Extensions
}

func newEnv(offline bool) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}

	mgr, err := manager.NewDir(cfg.ExtensionsDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	var catalog manager.Catalog
	if cfg.CatalogPath != "" {
		if catalog, err = manager.LoadFileCatalog(cfg.CatalogPath); err != nil {
			st.Close()
			return nil, err
		}
	} else {
		catalog = manager.NewMemoryCatalog()
	}

	var client remote.Client
	if offline {
		client = remote.NewMemory()
	} else {
		if cfg.Remote.URL == "" {
			st.Close()
			return nil, fmt.Errorf("remote.url is not configured (set it in the config file or STSYNC_REMOTE_URL)")
		}
		client = remote.NewHTTP(cfg.Remote.URL, cfg.Remote.Token)
	}

	s, err := syncer.NewExtensions(syncer.Config{
		Remote:  client,
		Store:   st,
		Manager: mgr,
		Catalog: catalog,
		Ignored: cfg.Ignored,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &env{cfg: cfg, store: st, manager: mgr, syncer: s}, nil
}

func (e *env) close() {
	e.store.Close()
}
