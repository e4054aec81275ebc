package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/kibshh/frugal-iot-server/backend/internal/audit"
	"github.com/kibshh/frugal-iot-server/backend/internal/firmware"
	"github.com/kibshh/frugal-iot-server/backend/internal/metrics"
	"github.com/kibshh/frugal-iot-server/backend/internal/ota"
)

const shutdownTimeout = 10 * time.Second

// Server represents the HTTP server for the OTA firmware backend
type Server struct {
	httpServer *http.Server
	addr       string
	router     *mux.Router

	decider   *ota.Decider
	store     firmware.Store
	auditSink audit.Sink
	metrics   *metrics.Metrics
	settings  any
	log       zerolog.Logger

	staticDir    string
	staticMaxAge time.Duration
	metricsPath  string
	tlsCertFile  string
	tlsKeyFile   string
}

// Config holds server configuration
type Config struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration // must cover streaming a whole binary to a slow device
	IdleTimeout   time.Duration
	StaticDir     string        // dashboard files; empty disables static serving
	StaticMaxAge  time.Duration // Cache-Control max-age for static files
	MetricsPath   string        // empty keeps metrics off the main listener
	TLSCertFile   string        // serve HTTPS when set together with TLSKeyFile
	TLSKeyFile    string        // PEM key matching TLSCertFile
	TLSMinVersion uint16        // defaults to TLS 1.2
}

// DefaultConfig returns a default server configuration
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		StaticMaxAge: 24 * time.Hour,
	}
}

// Option configures optional collaborators.
type Option func(*Server)

// WithAuditSink records every update check in sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Server) {
		s.auditSink = sink
	}
}

// WithMetrics counts checks and requests in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithSettings exposes v, which must be safe to publish, on /config.json.
func WithSettings(v any) Option {
	return func(s *Server) {
		s.settings = v
	}
}

// New creates a new server instance
func New(cfg Config, decider *ota.Decider, store firmware.Store, opts ...Option) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	server := &Server{
		addr:         addr,
		router:       mux.NewRouter(),
		decider:      decider,
		store:        store,
		log:          zerolog.Nop(),
		staticDir:    cfg.StaticDir,
		staticMaxAge: cfg.StaticMaxAge,
		metricsPath:  cfg.MetricsPath,
		tlsCertFile:  cfg.TLSCertFile,
		tlsKeyFile:   cfg.TLSKeyFile,
	}
	for _, o := range opts {
		o(server)
	}

	// Register API routes
	server.registerRoutes()

	server.httpServer = &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	if server.tlsEnabled() {
		minVersion := cfg.TLSMinVersion
		if minVersion == 0 {
			minVersion = tls.VersionTLS12
		}
		server.httpServer.TLSConfig = &tls.Config{MinVersion: minVersion}
	}

	return server
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) tlsEnabled() bool {
	return s.tlsCertFile != "" && s.tlsKeyFile != ""
}

// Start starts the HTTP server and blocks until context is cancelled
func (s *Server) Start(ctx context.Context) error {
	if s.tlsEnabled() {
		return serveUntilDone(ctx, s.httpServer, s.log, func() error {
			return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
		})
	}
	return ServeUntilDone(ctx, s.httpServer, s.log)
}

// ServeUntilDone runs srv until ctx is cancelled, then shuts it down gracefully.
func ServeUntilDone(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	return serveUntilDone(ctx, srv, log, srv.ListenAndServe)
}

func serveUntilDone(ctx context.Context, srv *http.Server, log zerolog.Logger, listen func() error) error {
	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("Server starting")
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		log.Info().Str("addr", srv.Addr).Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		log.Info().Str("addr", srv.Addr).Msg("Server shut down gracefully")
		return nil
	case err := <-errChan:
		return err
	}
}

// registerRoutes registers all endpoints
func (s *Server) registerRoutes() {
	// Device path segments are validated by the handler, not cleaned here,
	// so a ".." segment is reported as a bad request.
	s.router.SkipClean(true)
	s.router.UseEncodedPath()
	s.router.Use(s.requestMiddleware)

	// CORS preflight for any path
	s.router.Methods(http.MethodOptions).HandlerFunc(s.handleOptions)

	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Diagnostics
	s.router.HandleFunc("/echo", s.handleEcho).Methods(http.MethodGet)
	s.router.HandleFunc("/config.json", s.handleConfig).Methods(http.MethodGet)

	// Firmware update check, unauthenticated so devices can reach it
	s.router.HandleFunc(otaUpdateRoute, s.handleOTAUpdate).Methods(http.MethodGet, http.MethodHead)

	if s.metrics != nil && s.metricsPath != "" {
		s.router.Handle(s.metricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	// Dashboard files go last so they never shadow the API
	if s.staticDir != "" {
		s.router.PathPrefix("/").Handler(s.staticHandler()).Methods(http.MethodGet, http.MethodHead)
	}
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
