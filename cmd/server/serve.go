package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kibshh/frugal-iot-server/backend/internal/audit"
	"github.com/kibshh/frugal-iot-server/backend/internal/config"
	"github.com/kibshh/frugal-iot-server/backend/internal/firmware"
	"github.com/kibshh/frugal-iot-server/backend/internal/logger"
	"github.com/kibshh/frugal-iot-server/backend/internal/metrics"
	"github.com/kibshh/frugal-iot-server/backend/internal/ota"
	"github.com/kibshh/frugal-iot-server/backend/internal/server"
)

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := firmware.OpenDirStore(cfg.OTA.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	resolver, err := newResolver(cfg, store, logger.WithComponent(log, "resolver"))
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	sink, closeSink, err := newAuditSink(cfg.Events, logger.WithComponent(log, "events"))
	if err != nil {
		return err
	}
	defer closeSink()

	decider := ota.NewDecider(resolver, store, m, logger.WithComponent(log, "ota"))

	srvCfg := server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
		StaticDir:    cfg.Static.Dir,
		StaticMaxAge: time.Duration(cfg.Static.MaxAgeSec) * time.Second,
	}
	if cfg.TLS.Enabled {
		srvCfg.TLSCertFile = cfg.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.TLS.KeyFile
		srvCfg.TLSMinVersion = cfg.TLS.MinTLSVersion()
	}
	if m != nil && cfg.Metrics.Addr == "" {
		srvCfg.MetricsPath = cfg.Metrics.Path
	}

	srv := server.New(srvCfg, decider, store,
		server.WithAuditSink(sink),
		server.WithMetrics(m),
		server.WithLogger(logger.WithComponent(log, "http")),
		server.WithSettings(cfg.Redacted()),
	)

	log.Info().
		Str("ota_dir", store.Dir()).
		Strs("candidates", cfg.OTA.Candidates).
		Str("binary_name", cfg.OTA.BinaryName).
		Msg("Firmware store ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if m != nil && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			return server.ServeUntilDone(gctx, metricsSrv, logger.WithComponent(log, "metrics"))
		})
	}

	return g.Wait()
}

func newResolver(cfg config.Config, store firmware.Store, log zerolog.Logger) (*firmware.Resolver, error) {
	return firmware.NewResolver(store,
		firmware.WithTemplates(cfg.OTA.Candidates),
		firmware.WithBinaryName(cfg.OTA.BinaryName),
		firmware.WithLogger(log),
	)
}

// newAuditSink publishes check records to NATS when a URL is configured and
// otherwise keeps the most recent ones in memory.
func newAuditSink(cfg config.EventsConfig, log zerolog.Logger) (audit.Sink, func(), error) {
	if cfg.NATSURL == "" {
		return audit.NewMemorySink(audit.DefaultMemoryCapacity), func() {}, nil
	}

	sink, err := audit.ConnectNATS(cfg.NATSURL, cfg.Subject, log)
	if err != nil {
		return nil, nil, fmt.Errorf("events: %w", err)
	}
	log.Info().Str("subject", cfg.Subject).Msg("Publishing update checks to NATS")
	return sink, func() {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}, nil
}
