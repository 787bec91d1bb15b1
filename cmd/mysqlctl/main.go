// Command mysqlctl loads an endpoint config file, keeps a warm connection
// pool per endpoint, and serves introspection and metrics over HTTP until
// signalled to drain and exit.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbbouncer/gomysql/internal/api"
	"github.com/dbbouncer/gomysql/internal/config"
	"github.com/dbbouncer/gomysql/internal/dsn"
	"github.com/dbbouncer/gomysql/internal/metrics"
	"github.com/dbbouncer/gomysql/internal/pool"
)

func main() {
	configPath := flag.String("config", "configs/mysqlctl.yaml", "path to configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	slog.Info("mysqlctl starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "endpoints", len(cfg.Endpoints))

	m := metrics.New()
	registry := pool.NewRegistry()

	for name, ep := range cfg.Endpoints {
		parsed, err := dsn.Parse(ep.DSN)
		if err != nil {
			slog.Error("skipping endpoint with unparsable dsn", "endpoint", name, "err", err)
			continue
		}
		popts := parsed.PoolOptions
		popts.Min = ep.EffectivePoolMin(cfg.Defaults)
		popts.Max = ep.EffectivePoolMax(cfg.Defaults)
		popts.InactiveConnectionTTL = ep.EffectiveInactiveConnectionTTL(cfg.Defaults)
		popts.TTLCheckInterval = ep.EffectiveTTLCheckInterval(cfg.Defaults)
		popts.AcquireTimeout = ep.EffectiveAcquireTimeout(cfg.Defaults)
		popts.ConnectTimeout = ep.EffectiveConnectTimeout(cfg.Defaults)

		registry.GetOrCreate(ep.DSN, popts, parsed.ConnOptions)
		slog.Info("endpoint pool registered", "endpoint", name, "dsn", ep.Redacted().DSN)
	}

	go statsLoop(registry, m, 5*time.Second)

	apiServer := api.NewServer(registry, m, cfg.API)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start api server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("endpoint config reloaded; existing pools keep their original settings")
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("mysqlctl ready", "api_addr", cfg.API.Bind, "api_port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	registry.Close()

	slog.Info("mysqlctl stopped")
}

func statsLoop(registry *pool.Registry, m *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for dsnStr, st := range registry.AllStats() {
			m.UpdatePoolStats(dsnStr, st.InUse, st.Idle, st.Total, st.Waiting)
		}
	}
}
