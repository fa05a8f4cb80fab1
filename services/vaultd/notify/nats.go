package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"vaultguard/core/events"
)

// DefaultSubject prefixes every published event subject.
const DefaultSubject = "vaultguard.events"

// ErrURLRequired is returned when no NATS server is configured.
var ErrURLRequired = errors.New("vaultd notify: nats url required")

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	Subject        string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Connect dials the configured server.
func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(orDefault(cfg.Name, "vaultd")),
		nats.ReconnectWait(durationOr(cfg.ReconnectWait, 2*time.Second)),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(durationOr(cfg.ConnectTimeout, 5*time.Second)),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// NATSPublisher forwards event records as JSON. Each record goes to
// "<subject>.<event type>".
type NATSPublisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher wraps conn.
func NewNATSPublisher(conn Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		conn:    conn,
		subject: strings.TrimSuffix(orDefault(subject, DefaultSubject), "."),
		logger:  logger.With("component", "notify"),
	}
}

// Subject returns the subject a record is published on.
func (p *NATSPublisher) Subject(record events.Record) string {
	if record.Type == "" {
		return p.subject
	}
	return p.subject + "." + record.Type
}

// Publish sends one record.
func (p *NATSPublisher) Publish(record events.Record) error {
	if p == nil || p.conn == nil {
		return fmt.Errorf("vaultd notify: publisher not connected")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := p.conn.Publish(p.Subject(record), payload); err != nil {
		return fmt.Errorf("publish %s: %w", record.Type, err)
	}
	return nil
}

// Forward publishes records from a bus subscription until ctx is cancelled
// or the channel closes. Publish failures are logged and skipped.
func (p *NATSPublisher) Forward(ctx context.Context, records <-chan events.Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-records:
			if !ok {
				return nil
			}
			if err := p.Publish(record); err != nil {
				p.logger.Warn("event publish failed", "type", record.Type, "error", err)
			}
		}
	}
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
