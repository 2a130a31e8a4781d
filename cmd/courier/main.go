package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btouchard/courier/internal/api"
	"github.com/btouchard/courier/internal/broker"
	"github.com/btouchard/courier/internal/config"
	"github.com/btouchard/courier/internal/gateway"
	"github.com/btouchard/courier/internal/hub"
	"github.com/btouchard/courier/internal/metrics"
	"github.com/btouchard/courier/internal/notify"
	"github.com/btouchard/courier/internal/store"
	"github.com/btouchard/courier/internal/task"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("courier %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: courier <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the courier server\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting courier",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
	for _, kind := range task.NewSubmitter(nil, nil, taskRoutes(cfg), nil).Kinds() {
		r := cfg.Broker.Routes[kind]
		fmt.Printf("  %-16s %s -> %s\n", kind, r.RoutingKey, r.Queue)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func taskRoutes(cfg *config.Config) map[string]task.Route {
	routes := make(map[string]task.Route, len(cfg.Broker.Routes))
	for kind, r := range cfg.Broker.Routes {
		routes[kind] = task.Route{Queue: r.Queue, RoutingKey: r.RoutingKey}
	}
	return routes
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	dbPath := config.ExpandHome(cfg.Database.Path)
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", dbPath)

	retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
	go store.StartCleanupLoop(ctx.Done(), db, retention, store.DefaultCleanupInterval, nil)

	// --- Metrics ---
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promRegistry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// --- Broker ---
	// Courier keeps serving sockets and lookups without a broker; publishing
	// and synchronous waits report unavailable until the next restart.
	var conn broker.Connection
	conn, err = broker.Dial(cfg.Broker.URL)
	if err != nil {
		slog.Warn("broker unavailable, publishing disabled", "error", err)
		conn = nil
	} else {
		defer func() { _ = conn.Close() }()
	}

	publisher := broker.NewPublisher(conn, cfg.Broker.Exchange, m, nil)
	defer func() { _ = publisher.Close() }()

	// --- Connection Registry + Gateway ---
	registry := hub.NewRegistry(m, nil)
	gw := gateway.New(registry, gateway.Options{
		AllowAnonymous: cfg.Gateway.AllowAnonymous,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		PingInterval:   cfg.Gateway.PingInterval,
		PongTimeout:    cfg.Gateway.PongTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		MailboxSize:    cfg.Gateway.MailboxSize,
	}, nil)

	waiter := broker.NewWaiter(conn, cfg.Broker.Exchange, cfg.Broker.WaitTimeout, registry, nil)
	submitter := task.NewSubmitter(publisher, db, taskRoutes(cfg), nil)

	// --- Consumers ---
	consumers := []*broker.Consumer{
		broker.NewConsumer(broker.ConsumerConfig{
			Name:           "results",
			URL:            cfg.Broker.URL,
			Topology:       broker.ResultsTopology(cfg.Broker.Exchange, cfg.Broker.ResultsQueue),
			ReconnectDelay: cfg.Broker.ReconnectDelay,
		}, nil, notify.NewResultDispatcher(registry, db, nil), m, nil),
		broker.NewConsumer(broker.ConsumerConfig{
			Name:           "progress",
			URL:            cfg.Broker.URL,
			Topology:       broker.ProgressTopology(cfg.Broker.Exchange, cfg.Broker.ProgressQueue),
			ReconnectDelay: cfg.Broker.ReconnectDelay,
		}, nil, notify.NewProgressDispatcher(registry, db, nil), m, nil),
	}

	consumerCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	consumersDone := make(chan struct{}, len(consumers))
	for _, c := range consumers {
		go func() {
			c.Run(consumerCtx)
			consumersDone <- struct{}{}
		}()
	}

	// --- HTTP Router ---
	deps := &api.Deps{
		Submitter:   submitter,
		Waiter:      waiter,
		Tasks:       db,
		Progress:    db,
		Gateway:     gw,
		Broker:      publisher,
		Database:    db,
		Connections: registry,
		Version:     version,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry})
		deps.MetricsPath = cfg.Metrics.Path
	}

	// --- HTTP Server ---
	// No WriteTimeout: it would cut long-lived WebSocket connections and
	// ?wait=true requests. The gateway applies its own write deadlines.
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("courier is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	gw.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutting down http server: %w", err)
	}

	stopConsumers()
	for range consumers {
		select {
		case <-consumersDone:
		case <-shutdownCtx.Done():
			slog.Warn("consumers did not stop before shutdown timeout")
			return serveErr
		}
	}
	return serveErr
}
