package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kibshh/frugal-iot-server/backend/internal/audit"
	"github.com/kibshh/frugal-iot-server/backend/internal/firmware"
	"github.com/kibshh/frugal-iot-server/backend/internal/logger"
)

const (
	EnvConfigFile            = "FIOT_CONFIG"
	EnvServerHost            = "FIOT_SERVER_HOST"
	EnvServerPort            = "FIOT_SERVER_PORT"
	EnvServerReadTimeoutSec  = "FIOT_SERVER_READ_TIMEOUT_SEC"
	EnvServerWriteTimeoutSec = "FIOT_SERVER_WRITE_TIMEOUT_SEC"
	EnvServerIdleTimeoutSec  = "FIOT_SERVER_IDLE_TIMEOUT_SEC"
	EnvTLSEnabled            = "FIOT_TLS_ENABLED"
	EnvTLSCertFile           = "FIOT_TLS_CERT_FILE"
	EnvTLSKeyFile            = "FIOT_TLS_KEY_FILE"
	EnvTLSMinVersion         = "FIOT_TLS_MIN_VERSION"
	EnvOTADir                = "FIOT_OTA_DIR"
	EnvOTABinaryName         = "FIOT_OTA_BINARY_NAME"
	EnvOTACandidates         = "FIOT_OTA_CANDIDATES"
	EnvStaticDir             = "FIOT_STATIC_DIR"
	EnvStaticMaxAgeSec       = "FIOT_STATIC_MAX_AGE_SEC"
	EnvLogLevel              = "FIOT_LOG_LEVEL"
	EnvLogOutput             = "FIOT_LOG_OUTPUT"
	EnvLogFile               = "FIOT_LOG_FILE"
	EnvMetricsEnabled        = "FIOT_METRICS_ENABLED"
	EnvMetricsPath           = "FIOT_METRICS_PATH"
	EnvMetricsAddr           = "FIOT_METRICS_ADDR"
	EnvEventsNATSURL         = "FIOT_EVENTS_NATS_URL"
	EnvEventsSubject         = "FIOT_EVENTS_SUBJECT"

	MinPortNumber = 1
	MaxPortNumber = 65535
	TLSVersion12  = "1.2"
	TLSVersion13  = "1.3"

	redacted = "REDACTED"
)

type ServerConfig struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	ReadTimeoutSec  int    `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
}

// TLSConfig holds TLS settings. ESP32 and ESP8266 httpUpdate clients can
// fetch firmware over HTTPS when built with the server's certificate.
type TLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file" yaml:"cert_file"`
	KeyFile    string `json:"key_file" yaml:"key_file"`
	MinVersion string `json:"min_version" yaml:"min_version"`
}

// MinTLSVersion maps MinVersion to its crypto/tls constant.
func (t TLSConfig) MinTLSVersion() uint16 {
	if t.MinVersion == TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// OTAConfig locates the firmware tree.
type OTAConfig struct {
	Dir        string   `json:"dir" yaml:"dir"`
	BinaryName string   `json:"binary_name" yaml:"binary_name"`
	Candidates []string `json:"candidates" yaml:"candidates"`
}

// StaticConfig controls dashboard file serving. An empty Dir disables it.
type StaticConfig struct {
	Dir       string `json:"dir" yaml:"dir"`
	MaxAgeSec int    `json:"max_age_sec" yaml:"max_age_sec"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Addr    string `json:"addr" yaml:"addr"` // separate listener; empty serves on the main one
}

// EventsConfig configures the telemetry bus OTA check records go to.
// An empty NATSURL keeps records in memory only.
type EventsConfig struct {
	NATSURL string `json:"nats_url" yaml:"nats_url"`
	Subject string `json:"subject" yaml:"subject"`
}

// Config holds the server runtime configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	TLS     TLSConfig     `json:"tls" yaml:"tls"`
	OTA     OTAConfig     `json:"ota" yaml:"ota"`
	Static  StaticConfig  `json:"static" yaml:"static"`
	Log     logger.Config `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Events  EventsConfig  `json:"events" yaml:"events"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 60,
			IdleTimeoutSec:  60,
		},
		TLS: TLSConfig{
			MinVersion: TLSVersion12,
		},
		OTA: OTAConfig{
			Dir:        "ota",
			BinaryName: firmware.DefaultBinaryName,
			Candidates: append([]string(nil), firmware.DefaultTemplates...),
		},
		Static: StaticConfig{
			MaxAgeSec: 24 * 60 * 60,
		},
		Log: logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Events: EventsConfig{
			Subject: audit.DefaultSubject,
		},
	}
}

// LoadFromEnv loads the YAML file named by FIOT_CONFIG, if any, then
// applies environment overrides and validates the result.
func LoadFromEnv() (Config, error) {
	return Load(strings.TrimSpace(os.Getenv(EnvConfigFile)))
}

// Load layers defaults, the YAML file at path (skipped when empty) and
// environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = envOrDefault(EnvServerHost, c.Server.Host)
	c.Server.Port = intEnvOrDefault(EnvServerPort, c.Server.Port)
	c.Server.ReadTimeoutSec = intEnvOrDefault(EnvServerReadTimeoutSec, c.Server.ReadTimeoutSec)
	c.Server.WriteTimeoutSec = intEnvOrDefault(EnvServerWriteTimeoutSec, c.Server.WriteTimeoutSec)
	c.Server.IdleTimeoutSec = intEnvOrDefault(EnvServerIdleTimeoutSec, c.Server.IdleTimeoutSec)

	c.TLS.Enabled = boolEnvOrDefault(EnvTLSEnabled, c.TLS.Enabled)
	c.TLS.CertFile = envOrDefault(EnvTLSCertFile, c.TLS.CertFile)
	c.TLS.KeyFile = envOrDefault(EnvTLSKeyFile, c.TLS.KeyFile)
	c.TLS.MinVersion = envOrDefault(EnvTLSMinVersion, c.TLS.MinVersion)

	c.OTA.Dir = envOrDefault(EnvOTADir, c.OTA.Dir)
	c.OTA.BinaryName = envOrDefault(EnvOTABinaryName, c.OTA.BinaryName)
	c.OTA.Candidates = listEnvOrDefault(EnvOTACandidates, c.OTA.Candidates)

	c.Static.Dir = envOrDefault(EnvStaticDir, c.Static.Dir)
	c.Static.MaxAgeSec = intEnvOrDefault(EnvStaticMaxAgeSec, c.Static.MaxAgeSec)

	c.Log.Level = envOrDefault(EnvLogLevel, c.Log.Level)
	c.Log.Output = envOrDefault(EnvLogOutput, c.Log.Output)
	c.Log.File = envOrDefault(EnvLogFile, c.Log.File)

	c.Metrics.Enabled = boolEnvOrDefault(EnvMetricsEnabled, c.Metrics.Enabled)
	c.Metrics.Path = envOrDefault(EnvMetricsPath, c.Metrics.Path)
	c.Metrics.Addr = envOrDefault(EnvMetricsAddr, c.Metrics.Addr)

	c.Events.NATSURL = envOrDefault(EnvEventsNATSURL, c.Events.NATSURL)
	c.Events.Subject = envOrDefault(EnvEventsSubject, c.Events.Subject)
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvServerHost)
	}
	if c.Server.Port < MinPortNumber || c.Server.Port > MaxPortNumber {
		return fmt.Errorf("invalid %s: must be in range %d..%d", EnvServerPort, MinPortNumber, MaxPortNumber)
	}
	if c.Server.ReadTimeoutSec <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvServerReadTimeoutSec)
	}
	if c.Server.WriteTimeoutSec <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvServerWriteTimeoutSec)
	}
	if c.Server.IdleTimeoutSec <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvServerIdleTimeoutSec)
	}
	if c.TLS.Enabled {
		if c.TLS.MinVersion != TLSVersion12 && c.TLS.MinVersion != TLSVersion13 {
			return fmt.Errorf("invalid %s: must be %q or %q", EnvTLSMinVersion, TLSVersion12, TLSVersion13)
		}
		if c.TLS.CertFile == "" {
			return fmt.Errorf("invalid %s: required when TLS is enabled", EnvTLSCertFile)
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("invalid %s: required when TLS is enabled", EnvTLSKeyFile)
		}
	}
	if c.OTA.Dir == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvOTADir)
	}
	if err := firmware.ValidateBinaryName(c.OTA.BinaryName); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvOTABinaryName, err)
	}
	if len(c.OTA.Candidates) == 0 {
		return fmt.Errorf("invalid %s: at least one candidate template is required", EnvOTACandidates)
	}
	for _, tmpl := range c.OTA.Candidates {
		if err := firmware.ValidateTemplate(tmpl); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvOTACandidates, err)
		}
	}
	if c.Static.MaxAgeSec < 0 {
		return fmt.Errorf("invalid %s: must be >= 0", EnvStaticMaxAgeSec)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("invalid %s: must start with /", EnvMetricsPath)
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		return errors.New("invalid config: " + EnvEventsSubject + " is required when " + EnvEventsNATSURL + " is set")
	}
	return nil
}

// Redacted returns a copy that is safe to expose, with credentials
// removed from the NATS server URLs.
func (c Config) Redacted() Config {
	out := c
	out.OTA.Candidates = append([]string(nil), c.OTA.Candidates...)
	if c.Events.NATSURL != "" {
		urls := strings.Split(c.Events.NATSURL, ",")
		for i, u := range urls {
			urls[i] = redactURL(strings.TrimSpace(u))
		}
		out.Events.NATSURL = strings.Join(urls, ",")
	}
	return out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	return u.String()
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnvOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnvOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// listEnvOrDefault splits a comma separated value, dropping empty items.
func listEnvOrDefault(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
