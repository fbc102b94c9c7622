package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/pagegrab/internal/cleanup"
	"github.com/italolelis/pagegrab/internal/config"
	"github.com/italolelis/pagegrab/internal/fetcher"
	"github.com/italolelis/pagegrab/internal/http/rest"
	"github.com/italolelis/pagegrab/internal/logctx"
	"github.com/italolelis/pagegrab/internal/manifest"
	"github.com/italolelis/pagegrab/internal/monitor"
	"github.com/italolelis/pagegrab/internal/notifier"
	"github.com/italolelis/pagegrab/internal/storage"
	"github.com/italolelis/pagegrab/internal/storage/sqlite"
	"github.com/italolelis/pagegrab/internal/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("pagegrab starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "pagegrab",
		ServiceVersion: serviceVersion,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedRecordRepository(database, tel)

	// =========================================================================
	// Start Fetcher
	man := manifest.NewWriter(cfg.ManifestPath)

	ftch := fetcher.New(repo, fetcher.Config{
		DownloadDir:         cfg.DownloadDir,
		SupportedExtensions: cfg.SupportedExtensions,
		MaxRetries:          cfg.MaxRetries,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		RequestTimeout:      cfg.RequestTimeout,
		MaxParallel:         cfg.MaxParallel,
	}, man, tel)
	defer ftch.Close()

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, ftch, cfg)

	// =========================================================================
	// Start Monitor
	mon := monitor.New(ftch, repo, monitor.Config{
		WatchURL:       cfg.WatchURL,
		Interval:       cfg.PollInterval,
		RequestTimeout: cfg.RequestTimeout,
		Extensions:     cfg.SupportedExtensions,
	}, tel)

	if cfg.WatchURL != "" {
		mon.Start(ctx)
		defer mon.Stop()
	}

	// =========================================================================
	// Start Cleanup
	if cfg.KeepDownloadedFor > 0 {
		setupCleanup(ctx, repo, cfg)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, mon, ftch, repo, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("watching for new files...",
		"watch_url", cfg.WatchURL,
		"download_dir", cfg.DownloadDir,
		"poll_interval", cfg.PollInterval.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func setupNotifications(ctx context.Context, ftch *fetcher.Fetcher, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.DiscordWebhookURL == "" {
		// Still drain the event channels so the fetcher never blocks.
		go func() {
			for range ftch.OnDownloadFinished {
			}
		}()

		go func() {
			for range ftch.OnDownloadFailed {
			}
		}()

		return
	}

	notif := notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)

	go func() {
		for rec := range ftch.OnDownloadFinished {
			if err := notif.NotifyDownloaded(ctx, rec); err != nil {
				logger.Error("failed to send notification", "record_id", rec.ID, "err", err)
			}
		}
	}()

	go func() {
		for rec := range ftch.OnDownloadFailed {
			if err := notif.NotifyFailed(ctx, rec); err != nil {
				logger.Error("failed to send notification", "record_id", rec.ID, "err", err)
			}
		}
	}()
}

func setupCleanup(ctx context.Context, repo storage.RecordRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				completed, err := repo.ListRecords(storage.StatusCompleted, 0)
				if err != nil {
					logger.Error("failed to list completed records for cleanup", "err", err)

					continue
				}

				if err := cleanup.DeleteExpiredFiles(ctx, completed, cfg.KeepDownloadedFor); err != nil {
					logger.Error("failed to delete expired files", "err", err)
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, mon *monitor.Monitor, ftch *fetcher.Fetcher, repo storage.RecordRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	apiHandler := rest.NewAPIHandler(ctx, cfg.API.Username, cfg.API.Password, mon, ftch, repo)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(tel.HTTPLogging)

	r.Mount("/", apiHandler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
