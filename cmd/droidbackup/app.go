package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fgeck/droidbackup/internal/config"
	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/archive"
	"github.com/fgeck/droidbackup/internal/services/metrics"
	"github.com/fgeck/droidbackup/internal/services/orchestrator"
	"github.com/fgeck/droidbackup/internal/services/rootclient"
	"github.com/fgeck/droidbackup/internal/services/shell"
	"github.com/fgeck/droidbackup/internal/services/transfer"
	"github.com/fgeck/droidbackup/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// loadConfig reads and validates --config.
func loadConfig(cmd *cobra.Command) (*models.Config, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return nil, fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	if metricsAddr != "" {
		cfg.Metrics = &models.MetricsConfig{Listen: metricsAddr}
	}

	log.Debug().
		Str("config", configFile).
		Str("backup_dir", cfg.Storage.BackupDir).
		Str("database", cfg.Storage.Database).
		Msg("configuration loaded")
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func tokenPath(cfg *models.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.Database), "session.token")
}

func ensureDataDir(cfg *models.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Database), 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	return nil
}

// app is the client side wired for one command.
type app struct {
	cfg          *models.Config
	store        *store.Store
	client       *rootclient.Client
	orchestrator *orchestrator.Impl
	metrics      *metrics.Metrics
}

// openApp opens the store and prepares the root client. onRootLost runs when
// rootd cannot be reached after every retry.
func openApp(ctx context.Context, cfg *models.Config, onRootLost func(error)) (*app, error) {
	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, log.Logger, cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	token, err := rootclient.LoadOrCreateToken(tokenPath(cfg))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("loading session token: %w", err)
	}

	m := metrics.New()
	executor := shell.NewExecutor(cfg.Root.SuCommand)
	launcher := rootclient.NewSuLauncher(executor, cfg.Root.Executable, configFile, tokenPath(cfg))
	stager := transfer.NewStager(filepath.Join(cfg.Storage.CacheDir, "transfer"))
	binder := rootclient.NewSocketBinder(log.Logger, cfg.Root.Socket, token, stager, launcher)

	client := rootclient.New(log.Logger, cfg.Root, binder, m)
	client.OnError(func(err error) {
		log.Error().Err(err).Msg("root service lost")
		if onRootLost != nil {
			onRootLost(err)
		}
	})

	// Archives run as root subprocesses so they can read app data and die with the task.
	archiver := archive.NewCommand(log.Logger, executor, cfg.Root.Executable)

	return &app{
		cfg:          cfg,
		store:        st,
		client:       client,
		orchestrator: orchestrator.New(log.Logger, *cfg, client, archiver, st, m),
		metrics:      m,
	}, nil
}

// serveMetrics exposes the collectors until ctx ends, if configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics == nil {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.Metrics.Listen, a.metrics, log.Logger); err != nil {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
}

func (a *app) Close() {
	a.client.Disconnect()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing store")
	}
}
