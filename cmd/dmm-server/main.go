// dmm-server is the backend service for the debrid media manager: it
// monitors the Real-Debrid connection, reconciles library metadata and
// serves the JSON/WebSocket API the web UI consumes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/debrid"
	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/health"
	"github.com/debridmm/dmm-server/internal/index"
	"github.com/debridmm/dmm-server/internal/library"
	"github.com/debridmm/dmm-server/internal/logs"
	"github.com/debridmm/dmm-server/internal/notify"
	"github.com/debridmm/dmm-server/internal/reconnect"
	"github.com/debridmm/dmm-server/internal/server"
	"github.com/debridmm/dmm-server/internal/status"
	"github.com/debridmm/dmm-server/internal/storage"
	syncengine "github.com/debridmm/dmm-server/internal/sync"
	"github.com/debridmm/dmm-server/internal/tokens"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "dmm-server",
		Short:   "Debrid media manager backend",
		Version: version,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	serve.Flags().String("listen", "", "address to listen on")
	serve.Flags().String("data-dir", "", "data directory")
	serve.Flags().String("config", "", "path to config file")
	serve.Flags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("listen", serve.Flags().Lookup("listen"))
	_ = viper.BindPFlag("data-dir", serve.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("config", serve.Flags().Lookup("config"))
	_ = viper.BindPFlag("log.level", serve.Flags().Lookup("log-level"))
	viper.SetEnvPrefix("DMM")
	viper.AutomaticEnv()

	backup := &cobra.Command{
		Use:   "backup <destination>",
		Short: "Write a consistent copy of the database to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			if dataDir == "" {
				dataDir = config.Default().DataDir
			}
			return runBackup(dataDir, args[0])
		},
	}
	backup.Flags().String("data-dir", "", "data directory")

	root.AddCommand(serve, backup)
	return root
}

func runBackup(dataDir, destPath string) error {
	db, err := storage.NewBoltDB(dataDir, zap.NewNop().Sugar())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Backup(destPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Printf("Database backed up to %s\n", destPath)
	return nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logs.Setup(cfg.Logging, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting dmm-server",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir))

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	sugar := logger.Sugar()
	store, err := storage.NewManager(cfg.DataDir, "dmm", cfg.Persistence, sugar)
	if err != nil {
		return err
	}
	defer store.Close()

	meta := storage.NewMetadataStore(store.DB(), sugar)
	bus := events.NewBus()
	defer bus.Close()

	client := debrid.NewClient(cfg.Debrid)
	tokenStore := tokens.NewStore(store.DB(), client, logger)

	searchIndex, err := index.NewManager(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer searchIndex.Close()

	prober := health.NewProber(client, tokenStore, store, cfg.Debrid.ProbeHosts, logger)
	statusMgr := status.NewManager(store, bus, logger)
	reconnector := reconnect.NewEngine(prober, tokenStore, statusMgr, bus, cfg.Reconnect, logger)
	notifier := notify.NewNotifier(store, bus, cfg.Notifications, logger)
	syncEngine := syncengine.NewEngine(client, tokenStore, meta, bus, notifier, searchIndex, cfg.Sync, logger)
	libraryService := library.NewService(meta, searchIndex, logger)

	var loader *config.Loader
	if configPath != "" {
		loader, err = config.NewLoader(configPath, logger)
		if err != nil {
			logger.Warn("Config hot reload unavailable", zap.Error(err))
			loader = nil
		} else if _, err := loader.Load(); err != nil {
			logger.Warn("Config hot reload unavailable", zap.Error(err))
			loader = nil
		}
	}

	srv := server.New(cfg, server.Deps{
		StatusMgr:    statusMgr,
		Prober:       prober,
		Reconnector:  reconnector,
		Notifier:     notifier,
		SyncEngine:   syncEngine,
		Library:      libraryService,
		SearchIndex:  searchIndex,
		Meta:         meta,
		Tokens:       tokenStore,
		Bus:          bus,
		Client:       client,
		ConfigLoader: loader,
	}, logger)

	if loader != nil {
		if err := loader.StartWatching(func(updated *config.Config) error {
			// Listen address and data dir need a restart; the run tunables
			// apply immediately.
			reconnector.ApplyConfig(updated.Reconnect)
			syncEngine.ApplyConfig(updated.Sync)
			notifier.ApplyConfig(updated.Notifications)
			logger.Info("Applied configuration changes",
				zap.String("listen", updated.Listen))
			return nil
		}); err != nil {
			logger.Warn("Config hot reload unavailable", zap.Error(err))
		}
		defer func() { _ = loader.Stop() }()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		notifier.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return srv.Start(groupCtx)
	})

	err = group.Wait()
	logger.Info("dmm-server stopped")
	return err
}

// loadConfig merges the optional config file with flag/env overrides and
// returns the file path when one is in play.
func loadConfig() (*config.Config, string, error) {
	var cfg *config.Config

	path := viper.GetString("config")
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v := viper.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("log.level"); v != "" {
		cfg.Logging.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
