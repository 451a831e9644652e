package eventbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

// Publisher is the part of a NATS connection the publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards lifecycle events to NATS subjects of the form
// <prefix>.<workflow>.<kind>.
type NATSPublisher struct {
	conn   Publisher
	prefix string
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Publisher, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "reconflow.events"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// ConnectNATS dials the server with reconnect settings suited to a long
// running process.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("reconflow"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbridge: connect to NATS: %w", err)
	}
	return conn, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event lifecycle.Event) string {
	return p.prefix + "." + subjectToken(event.WorkflowID) + "." + subjectToken(string(event.Kind))
}

// HandleEvent publishes the event as JSON.
func (p *NATSPublisher) HandleEvent(event lifecycle.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbridge: marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("eventbridge: publish %s: %w", event.Kind, err)
	}
	return nil
}

// subjectToken makes a value safe to use as a single NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
