package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/api"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/bulk"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/clock"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/config"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/metrics"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/scheduler"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/store"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/transport/email"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/transport/telegram"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/transport/whatsapp"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	store  *store.Store
	writer *store.Writer

	registry  *destination.Registry
	queue     *dispatch.Queue
	bulk      *bulk.Dispatcher
	scheduler *scheduler.Scheduler
	cron      *cron.Cron

	apiServer        *api.Server
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	writer := store.NewWriter(st, cfg.Storage.FlushInterval, logger.With("component", "store"))

	a := &App{
		config: cfg,
		logger: logger,
		store:  st,
		writer: writer,
	}
	if err := a.build(cfg, loc, version); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, loc *time.Location, version string) error {
	logger := a.logger
	clk := clock.Real()

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"))
		a.metricsCollector = metrics.NewCollector(m, a.store, cfg.Metrics.FlushInterval)
	}

	a.registry = destination.NewRegistry(a.writer, logger.With("component", "destinations"))
	if err := a.registry.Restore(a.store); err != nil {
		return err
	}
	if err := a.seedDestinations(cfg.Destinations); err != nil {
		return err
	}

	adapters, err := buildAdapters(cfg.Transports, logger)
	if err != nil {
		return err
	}
	fanout := dispatch.NewFanout(a.registry, adapters, clk, logger.With("component", "fanout"))

	a.queue = dispatch.NewQueue(fanout.ForEngine("queue"), clk, a.writer, cfg.Dispatch.Interval,
		logger.With("component", "queue"))
	if err := a.queue.Restore(a.store); err != nil {
		return err
	}

	bulkKind := destination.Kind(cfg.Bulk.Transport)
	bulkSender, ok := adapters[bulkKind]
	if !ok {
		// jobs fail per recipient until the transport is configured
		bulkSender = dispatch.SenderFunc(func(ctx context.Context, address string, item dispatch.Item) error {
			return &dispatch.SendFailure{Kind: bulkKind, Address: address, Reason: "no adapter configured for " + string(bulkKind)}
		})
		logger.Warn("bulk transport not configured", "transport", bulkKind)
	}
	a.bulk = bulk.New(bulkSender, clk, a.writer, bulk.Config{Kind: bulkKind, LogLimit: cfg.Bulk.LogLimit},
		logger.With("component", "bulk"))
	if err := a.bulk.Restore(a.store); err != nil {
		return err
	}

	a.scheduler = scheduler.New(fanout.ForEngine("scheduler"), clk, a.writer, scheduler.Config{
		Location:       loc,
		DriftThreshold: cfg.Scheduler.DriftThreshold,
	}, logger.With("component", "scheduler"))

	a.cron = cron.New(cron.WithLocation(loc))
	if cfg.Scheduler.Retention > 0 {
		retention := cfg.Scheduler.Retention
		if _, err := a.cron.AddFunc(cfg.Scheduler.CleanupSpec, func() {
			a.scheduler.Prune(clk.Now().Add(-retention))
		}); err != nil {
			return fmt.Errorf("failed to register retention job: %w", err)
		}
	}

	a.apiServer = api.NewServer(api.Services{
		Destinations: a.registry,
		Queue:        a.queue,
		Bulk:         a.bulk,
		Scheduler:    a.scheduler,
		Clock:        clk,
		BulkInterval: cfg.Bulk.Interval,
		Version:      version,
	}, &cfg.API, logger.With("component", "api"))

	return nil
}

// seedDestinations adds the configured destinations to an empty registry
func (a *App) seedDestinations(seeds []config.DestinationConfig) error {
	if len(seeds) == 0 || len(a.registry.List()) > 0 {
		return nil
	}
	for _, s := range seeds {
		if _, err := a.registry.Add(destination.Destination{
			Name:    s.Name,
			Kind:    destination.Kind(s.Kind),
			Address: s.Address,
			Enabled: s.IsEnabled(),
		}); err != nil {
			return fmt.Errorf("failed to seed destination %q: %w", s.Name, err)
		}
	}
	a.logger.Info("destinations seeded from config", "count", len(seeds))
	return nil
}

// buildAdapters creates a sender for every configured transport
func buildAdapters(cfg config.TransportsConfig, logger *slog.Logger) (dispatch.Adapters, error) {
	adapters := dispatch.Adapters{}

	if t := cfg.Telegram; t != nil {
		s, err := telegram.New(telegram.Config{
			Token:          t.Token,
			APIURL:         t.APIURL,
			ParseMode:      t.ParseMode,
			ButtonText:     t.ButtonText,
			DisablePreview: t.DisablePreview,
			RatePerSec:     t.RatePerSec,
			Timeout:        t.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram transport: %w", err)
		}
		adapters[destination.KindTelegram] = s
	}

	if w := cfg.WhatsApp; w != nil {
		s, err := whatsapp.New(whatsapp.Config{
			BaseURL:    w.BaseURL,
			Instance:   w.Instance,
			APIKey:     w.APIKey,
			RatePerSec: w.RatePerSec,
			Timeout:    w.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsapp transport: %w", err)
		}
		adapters[destination.KindWhatsApp] = s
	}

	if e := cfg.Email; e != nil {
		s, err := email.New(email.Config{
			Host:               e.Host,
			Port:               e.Port,
			Username:           e.Username,
			Password:           e.Password,
			From:               e.From,
			Hostname:           e.Hostname,
			TLS:                e.TLS,
			InsecureSkipVerify: e.InsecureSkipVerify,
			Timeout:            e.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create email transport: %w", err)
		}
		if d := e.DKIM; d != nil && d.Enabled {
			signer, err := email.NewSignerFromFile(d.KeyFile, d.Domain, d.Selector)
			if err != nil {
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			s.SetSigner(signer)
			logger.Info("DKIM signing enabled", "domain", d.Domain, "selector", d.Selector)
		}
		adapters[destination.KindEmail] = s
	}

	kinds := make([]string, 0, len(adapters))
	for k := range adapters {
		kinds = append(kinds, string(k))
	}
	logger.Info("transports configured", "kinds", kinds)
	return adapters, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting aci",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"destinations", len(a.registry.List()),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.writer.Start()

	// Overdue entries fire as soon as the scheduler starts
	if err := a.scheduler.Start(a.store); err != nil {
		return err
	}
	a.cron.Start()

	if a.metricsCollector != nil {
		a.metricsCollector.Start()
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.metricsCollector != nil {
		a.metricsCollector.Stop()
	}

	// Stop the engines before the final flush so their last state is kept
	<-a.cron.Stop().Done()
	a.queue.Stop()
	a.bulk.Stop()
	if err := a.bulk.Wait(shutdownCtx); err != nil {
		a.logger.Warn("bulk job still running at shutdown", "error", err)
	}
	a.scheduler.Stop()

	if err := a.writer.Stop(); err != nil {
		a.logger.Error("state flush error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger creates a logger based on configuration. With a log file
// configured, records go to stdout and to a size-rotated file.
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	if f := cfg.File; f != nil && f.Path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAgeDays,
			Compress:   f.Compress,
		})
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}
