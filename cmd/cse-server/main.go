package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onem2m/cse/internal/config"
	"github.com/onem2m/cse/internal/domain/announce"
	"github.com/onem2m/cse/internal/domain/dispatcher"
	"github.com/onem2m/cse/internal/domain/notification"
	"github.com/onem2m/cse/internal/domain/security"
	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/metrics"
	"github.com/onem2m/cse/internal/platform/store"
	"github.com/onem2m/cse/internal/platform/workers"
	transporthttp "github.com/onem2m/cse/internal/transport/http"
	"github.com/onem2m/cse/internal/transport/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cse-server",
		Short: "oneM2M Common Services Entity",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(resetCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Truncate all CSE tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			binding, err := openBinding(cfg)
			if err != nil {
				return err
			}
			defer binding.Close()
			if err := binding.Purge(); err != nil {
				return err
			}
			logger.Info().Msg("all tables truncated")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the reset")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func openBinding(cfg *config.Config) (store.Binding, error) {
	switch {
	case cfg.DatabaseURL != "":
		return store.NewPostgresBinding(context.Background(), cfg.DatabaseURL)
	case cfg.DBInMemory:
		return store.NewMemoryBinding(), nil
	default:
		return store.NewBoltBinding(cfg.DataDir, cfg.CSEResourceName)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info().Str("csi", cfg.CSI()).Str("rn", cfg.CSEResourceName).Msg("starting CSE")

	binding, err := openBinding(cfg)
	if err != nil {
		return err
	}
	st, err := store.New(binding, cfg.DBCacheSize, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	events.DeclareCSEEvents(bus)
	pool := workers.NewPool(logger)

	sec := security.NewManager(security.Config{
		EnableACPChecks:       cfg.EnableACPChecks,
		CSI:                   cfg.CSI(),
		AdminOriginator:       cfg.AdminOriginator,
		RegistrarCSI:          cfg.RegistrarCSI,
		AllowedCSROriginators: cfg.AllowedCSROriginators,
		AllowedAEOriginators:  cfg.AllowedAEOriginators,
	}, logger)

	disp := dispatcher.New(dispatcher.Config{
		CSI:                      cfg.CSI(),
		CSERN:                    cfg.CSEResourceName,
		CSERI:                    cfg.CSEID,
		AdminOriginator:          cfg.AdminOriginator,
		SortDiscoveredResources:  cfg.SortDiscoveredResources,
		MaxExpirationDelta:       cfg.MaxExpirationDelta,
		CheckExpirationsInterval: cfg.CheckExpirationsInterval,
	}, st, sec, bus, pool, logger)

	hub := ws.NewHub(logger)
	client := transporthttp.NewClient(cfg.RequestTimeout, hub, logger)

	notifier := notification.NewManager(notification.Config{
		CSI:                      cfg.CSI(),
		DefaultExpirationCounter: cfg.DefaultExpirationCounter,
		MissingDataFactor:        cfg.MissingDataFactor,
	}, st, pool, bus, client, disp, logger)
	disp.SetNotifier(notifier)

	announcer := announce.NewManager(announce.Config{
		CSI:             cfg.CSI(),
		MonitorInterval: cfg.AnnouncementInterval,
	}, st, disp, client, pool, bus, logger)

	// The reset runs after the managers are wired so the cseReset event
	// reaches their handlers, and before the collector restores counters
	// from the statistics table.
	if cfg.DBResetAtStartup {
		logger.Warn().Msg("reset at startup: truncating all tables")
		if err := st.Purge(); err != nil {
			return err
		}
		bus.Fire(events.CSEReset)
	}

	collector := metrics.NewCollector(st, bus, logger)

	if err := disp.Start(); err != nil {
		return err
	}
	announcer.Start()
	collector.Start(pool, time.Minute)

	server := transporthttp.NewServer(transporthttp.ServerConfig{
		Port:       cfg.HTTPPort,
		AuthMode:   cfg.AuthMode,
		AuthSecret: cfg.AuthSecret,
	}, disp, hub.Handler(), collector.Handler(), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server stopped")
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	// Drain and stop all workers before closing the store handles.
	_ = server.Close()
	announcer.Shutdown()
	notifier.Shutdown()
	disp.Shutdown()
	collector.Shutdown(pool)
	pool.StopAll()
	bus.Shutdown()
	if err := st.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close failed")
	}
	logger.Info().Msg("CSE stopped")
	return nil
}
