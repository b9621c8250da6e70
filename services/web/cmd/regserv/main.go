package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"regserv/pkg/bus"
	"regserv/pkg/render"
	"regserv/pkg/telemetry"
	"regserv/services/registry"
	"regserv/services/snapshot"
	"regserv/services/web"
	"regserv/services/web/internal/app"
	"regserv/services/web/internal/config"
)

const (
	serviceName     = "regserv"
	streamName      = "REGSERV"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		Service:  serviceName,
		Endpoint: cfg.OTLPEndpoint,
		Debug:    cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		checkpoints registry.Store = store
		workers     sync.WaitGroup
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	if cfg.Backup.Enabled {
		bucket, err := app.Bucket(ctx, cfg)
		if err != nil {
			return err
		}
		recipients, err := snapshot.ParseRecipients(cfg.Backup.Recipients)
		if err != nil {
			return fmt.Errorf("backup recipients: %w", err)
		}
		mirror, err := snapshot.NewMirror(store, bucket, snapshot.MirrorConfig{
			Prefix:     cfg.Backup.Prefix,
			Recipients: recipients,
			Logger:     logger.With().Str("component", "backup").Logger(),
			Registerer: metrics,
		})
		if err != nil {
			return err
		}
		checkpoints = mirror
		workers.Add(1)
		go func() {
			defer workers.Done()
			mirror.Run(workerCtx)
		}()
		logger.Info().Str("bucket", bucket.Name()).Str("prefix", cfg.Backup.Prefix).Msg("snapshot backups enabled")
	}

	reg, err := registry.New(checkpoints, registry.Config{
		TTL:    cfg.TokenTTL,
		Logger: logger.With().Str("component", "registry").Logger(),
	})
	if err != nil {
		return err
	}
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	dir, err := app.Directory(cfg, logger)
	if err != nil {
		return err
	}
	mail, err := app.Mailer(cfg, logger)
	if err != nil {
		return err
	}

	svcCfg := web.Config{
		Registry:  reg,
		Directory: dir,
		Mailer:    mail,
		Metrics:   web.NewMetrics(metrics),
		BaseURL:   cfg.BaseURL,
		Network:   cfg.Network,
		ChatURL:   cfg.ChatURL,
		Logger:    logger.With().Str("component", "web").Logger(),
	}

	accounts, err := app.Lounge(cfg, logger)
	if err != nil {
		return err
	}
	if accounts != nil {
		svcCfg.Accounts = accounts
	}

	if cfg.NATSURL != "" {
		events, err := bus.New(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer events.Close()
		if err := events.EnsureStream(streamName, web.EventSubjects...); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		svcCfg.Events = events
	}

	svc, err := web.New(svcCfg)
	if err != nil {
		return err
	}
	renderer, err := render.New()
	if err != nil {
		return err
	}
	handler, err := web.Router(web.RouterOptions{
		Service:        svc,
		Renderer:       renderer,
		Telemetry:      tel.Middleware,
		Metrics:        promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}),
		FormRate:       cfg.FormRate,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()
	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("store", cfg.Store).
		Str("directory", dir.Addr()).
		Msg("listening")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server shutdown")
	}
	return nil
}
