package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homesignal/internal/automation"
	"homesignal/internal/broadcast"
	"homesignal/internal/metrics"
	"homesignal/internal/mqtt"
	"homesignal/internal/pipeline"
	"homesignal/internal/projector"
	bus "homesignal/internal/signal"
	"homesignal/internal/statecache"
	"homesignal/internal/store"
	"homesignal/internal/threshold"
	"homesignal/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	envFile := ".env"
	if v, ok := os.LookupEnv("HOMESIGNAL_ENV_FILE"); ok {
		envFile = v
	}

	if err := loadEnv(envFile); err != nil {
		bootLogger.Error("load env", "err", err)
		os.Exit(1)
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("homesignal starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startCancel()

	db, err := openStore(startCtx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	state, closeState, err := openStateCache(startCtx, cfg)
	if err != nil {
		return err
	}
	defer closeState()

	m := metrics.New()

	var hubOpts []broadcast.Option
	if len(cfg.Web.AllowedOrigins) > 0 {
		hubOpts = append(hubOpts, broadcast.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	hubOpts = append(hubOpts, broadcast.WithDropHook(m.BroadcastDropped))
	hub := broadcast.NewHub(logger, hubOpts...)
	go hub.Run()
	defer hub.Stop()

	bridge := mqtt.NewBridge(mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Discovery:   cfg.MQTT.Discovery,
	}, logger)

	engine := automation.NewEngine(db, cfg.engineConfig(), logger,
		automation.WithCommander(mqtt.NewCommander(bridge.Client(), cfg.MQTT.TopicPrefix)),
		automation.WithNotifier(newNotifier(cfg, logger)),
		automation.WithLogSink(hub),
		automation.WithRecorder(m),
	)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start automation engine: %w", err)
	}

	proj := projector.New(state, db, logger,
		projector.WithEvaluator(threshold.NewEvaluator(db, logger)),
		projector.WithBroadcaster(hub),
		projector.WithSink(engine),
	)
	pipe := pipeline.New(bus.NewMapper(cfg.MQTT.TopicPrefix), proj, pipeline.Config{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	}, logger, pipeline.WithMetrics(m))
	pipe.Start(ctx)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts,
		web.WithVersion(version),
		web.WithLive(hub),
		web.WithMetrics(m.Handler()),
		web.WithHealthCheck("mqtt", bridge.Healthy),
	)
	webServer := web.NewServer(db, logger, webOpts...)

	// No WriteTimeout: /ws connections are long-lived.
	httpServer := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           webServer,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Messages only start flowing once every consumer is running.
	if err := bridge.Connect(func(topic string, payload []byte) { pipe.Submit(topic, payload) }, cfg.MQTT.ConnectTimeout); err != nil {
		// paho keeps retrying in the background; /healthz reports the outage.
		logger.Warn("mqtt broker not reachable yet", "broker", cfg.MQTT.Broker, "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	// Stop intake first, then let queued messages finish persisting before
	// the engine abandons pending delays.
	bridge.Stop()
	pipe.Stop()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return st, nil
	}
}

func openStateCache(ctx context.Context, cfg *Config) (statecache.StateStore, func(), error) {
	if cfg.StateCache.Driver != "redis" {
		return statecache.NewMemoryStore(), func() {}, nil
	}
	rs, err := statecache.NewRedisStore(ctx, statecache.RedisConfig{
		Addr:     cfg.StateCache.Addr,
		Password: cfg.StateCache.Password,
		DB:       cfg.StateCache.DB,
		Prefix:   cfg.StateCache.Prefix,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open redis state cache: %w", err)
	}
	return rs, func() { rs.Close() }, nil
}

func newNotifier(cfg *Config, logger *slog.Logger) automation.Notifier {
	if cfg.Telegram.BotToken != "" && len(cfg.Telegram.ChatIDs) > 0 {
		return automation.NewTelegramNotifier(cfg.Telegram, logger)
	}
	return automation.NewLogNotifier(logger)
}
