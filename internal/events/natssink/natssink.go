// Package natssink forwards stamped events to NATS subjects.
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/streamsale/internal/events"
)

// Publisher is the subset of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink publishes each event on "<prefix>.<kind>", for example
// "streamsale.events.purchase.settled".
type Sink struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Connect dials NATS and returns a sink that owns the connection.
func Connect(cfg Config) (*Sink, error) {
	if cfg.Name == "" {
		cfg.Name = "streamsale"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = nats.DefaultMaxReconnect
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s := New(conn, cfg.Subject)
	s.conn = conn
	return s, nil
}

// New wraps an existing publisher.
func New(pub Publisher, prefix string) *Sink {
	if prefix == "" {
		prefix = "streamsale.events"
	}
	return &Sink{pub: pub, prefix: prefix}
}

// Subject returns the subject an event kind is published on.
func (s *Sink) Subject(kind events.Kind) string {
	return s.prefix + "." + string(kind)
}

// Publish implements events.Sink.
func (s *Sink) Publish(_ context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.pub.Publish(s.Subject(ev.Kind), payload)
}

// Close drains the owned connection, if any.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
