package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibshh/frugal-iot-server/backend/internal/firmware"
	"github.com/kibshh/frugal-iot-server/backend/internal/metrics"
	"github.com/kibshh/frugal-iot-server/backend/internal/ota"
)

func newDiagnosticsServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	store, err := firmware.OpenDirStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	resolver, err := firmware.NewResolver(store)
	require.NoError(t, err)
	decider := ota.NewDecider(resolver, store, nil, zerolog.Nop())
	return New(cfg, decider, store, opts...)
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, target, http.NoBody))
	return rr
}

func TestHealth(t *testing.T) {
	s := newDiagnosticsServer(t, DefaultConfig())

	rr := serve(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(headerRequestID))
}

func TestOptionsPreflight(t *testing.T) {
	s := newDiagnosticsServer(t, DefaultConfig())

	for _, target := range []string{"/", "/ota_update/acme/greenhouse/sensor1/v2", "/anything"} {
		rr := serve(s, http.MethodOptions, target)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET,HEAD,OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestEcho(t *testing.T) {
	s := newDiagnosticsServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/echo", http.NoBody)
	req.Header.Set("User-Agent", "ESP8266-http-Update")
	req.Header.Set(headerESP8266Version, "01.02.03")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "ESP8266-http-Update", got["user-agent"])
	assert.Equal(t, "01.02.03", got["x-esp8266-version"])
	assert.Equal(t, "example.com", got["host"])
}

func TestConfigJSON(t *testing.T) {
	s := newDiagnosticsServer(t, DefaultConfig())
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/config.json").Code)

	s = newDiagnosticsServer(t, DefaultConfig(), WithSettings(map[string]any{"ota": map[string]string{"dir": "ota"}}))
	rr := serve(s, http.MethodGet, "/config.json")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ota":{"dir":"ota"}}`, rr.Body.String())
}

func TestMetricsOnMainListener(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsPath = "/metrics"
	s := newDiagnosticsServer(t, cfg, WithMetrics(metrics.New()))

	serve(s, http.MethodGet, "/health")
	rr := serve(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `frugal_iot_http_requests_total{method="GET",route="/health",status="200"} 1`)

	// Without a path the endpoint is not mounted
	s = newDiagnosticsServer(t, DefaultConfig(), WithMetrics(metrics.New()))
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/metrics").Code)
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frugaliot.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644))

	cfg := DefaultConfig()
	cfg.StaticDir = dir
	cfg.StaticMaxAge = time.Hour
	s := newDiagnosticsServer(t, cfg)

	rr := serve(s, http.MethodGet, "/frugaliot.css")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "body{}", rr.Body.String())
	assert.Equal(t, "public, max-age=3600, immutable", rr.Header().Get("Cache-Control"))

	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/.env").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/missing.js").Code)

	// API routes are not shadowed by the catch-all
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusNotModified, serve(s, http.MethodGet, "/ota_update/acme/greenhouse/sensor1/v2").Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newDiagnosticsServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.Header.Set(headerRequestID, "abc-123")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "abc-123", rr.Header().Get(headerRequestID))
}
