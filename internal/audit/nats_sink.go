package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const DefaultSubject = "frugal-iot.ota.checks"

// publisher is the part of *nats.Conn the sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every record as JSON on <subject>.<organization>, so
// telemetry consumers can subscribe per organization or to <subject>.>.
type NATSSink struct {
	pub     publisher
	subject string
	conn    *nats.Conn
}

// NewNATSSink wraps an existing publisher, normally a *nats.Conn.
func NewNATSSink(pub publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a sink that owns the connection.
func ConnectNATS(url, subject string, log zerolog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("frugal-iot-ota"),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sink := NewNATSSink(nc, subject)
	sink.conn = nc
	return sink, nil
}

// Ingest publishes each record. Core NATS publishing is buffered by the
// client, so this does not wait on the server.
func (s *NATSSink) Ingest(ctx context.Context, records []Record) error {
	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to marshal record: %w", err))
			continue
		}
		if err := s.pub.Publish(s.subjectFor(rec), data); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish record: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close drains the owned connection, if any.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

func (s *NATSSink) subjectFor(rec Record) string {
	return s.subject + "." + subjectToken(rec.Organization)
}

// subjectToken makes an arbitrary string safe to use as one subject token.
func subjectToken(v string) string {
	if v == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, v)
}
