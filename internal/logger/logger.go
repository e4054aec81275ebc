// Package logger builds the zerolog logger shared by the server components.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string `json:"level" yaml:"level"`
	Output     string `json:"output" yaml:"output"` // stdout or stderr, ignored when File is set
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Output:     "stdout",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// New returns a JSON logger writing where cfg says. The returned closer
// flushes and closes the log file and must be called on shutdown.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	switch {
	case cfg.File != "":
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   cfg.Compress,
		}
		out, closer = rotating, rotating
	case cfg.Output == "stderr":
		out = os.Stderr
	case cfg.Output != "" && cfg.Output != "stdout":
		return zerolog.Nop(), nil, fmt.Errorf("invalid log output %q", cfg.Output)
	}

	zerolog.TimeFieldFormat = time.RFC3339

	log := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
	return log, closer, nil
}

// WithComponent tags every event with the emitting subsystem.
func WithComponent(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
