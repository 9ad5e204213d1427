package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/stream-relay/backend/internal/config"
	"github.com/stream-relay/backend/internal/control"
	"github.com/stream-relay/backend/internal/frame"
	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/metrics"
	"github.com/stream-relay/backend/internal/models"
	"github.com/stream-relay/backend/internal/monitor"
	"github.com/stream-relay/backend/internal/relay"
	"github.com/stream-relay/backend/internal/session"
	"github.com/stream-relay/backend/internal/ws"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to config file (env RELAY_CONFIG)")
	host := pflag.String("host", "", "Override listen host")
	port := pflag.IntP("port", "p", 0, "Override listen port")
	noConsole := pflag.Bool("no-console", false, "Disable the operator console on stdin")
	logLevel := pflag.String("log-level", "", "Override log level")
	pflag.Parse()

	path := *configPath
	if !pflag.CommandLine.Changed("config") {
		path = os.Getenv("RELAY_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if pflag.CommandLine.Changed("host") {
		cfg.Server.Host = *host
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Server.Port = *port
	}
	if *noConsole {
		cfg.Console.Enabled = false
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	lg, err := logger.New(logger.Options{
		Service: "stream-relay",
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sessions := session.NewRegistry(cfg.Stream.IdentityPrefix)
	dispatcher := control.NewDispatcher(sessions, m, lg)
	latest := frame.NewLatest(cfg.Stream.FrameTTL)
	sink := frame.Multi{latest, frame.Log{Logger: lg}}
	streams := ws.NewServer(cfg, sessions, dispatcher, frame.JPEGDecoder{}, sink, latest, m, lg)

	opts := relay.Options{
		Config:     cfg,
		Registry:   sessions,
		Dispatcher: dispatcher,
		Streams:    streams,
		Gatherer:   reg,
		Log:        lg,
	}

	if cfg.Models.Enabled {
		store, closeStore := newModelStore(cfg.Models)
		defer closeStore()
		svc := models.NewService(store, cfg.Models.Dir, cfg.Models.Domain, m, lg)
		opts.Models = models.NewHandler(svc, cfg.Models.MaxUploadSize, lg)
	}

	if cfg.Monitor.Enabled {
		if mon, err := monitor.NewCollector(lg); err != nil {
			lg.Warn("process monitor unavailable", logger.Err(err))
		} else {
			opts.Monitor = mon
			opts.MonitorInterval = cfg.Monitor.Interval
		}
	}

	if cfg.Console.Enabled {
		opts.ConsoleIn = os.Stdin
		opts.ConsoleOut = os.Stdout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := relay.New(opts)
	if err := ctrl.Run(ctx); err != nil {
		lg.Error("relay failed", logger.Err(err))
		stop()
		os.Exit(1)
	}
}

func newModelStore(cfg config.ModelsConfig) (models.Store, func()) {
	if cfg.Backend != config.BackendRedis {
		return models.NewFileStore(cfg.Dir), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return models.NewRedisStore(client, cfg.Redis.Key), func() { _ = client.Close() }
}
