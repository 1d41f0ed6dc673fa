// Package durablesink forwards accepted event batches onto a NATS
// subject, an optional write-through path alongside the in-memory
// broadcast hub.
package durablesink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vibetea/telemetry/internal/event"
)

// NATSSink publishes accepted batches to a single NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS server at url and returns a sink bound to
// subject. The caller owns the returned sink's lifetime and must call
// Close when done.
func Connect(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("vibetea-server"))
	if err != nil {
		return nil, fmt.Errorf("durablesink: connect: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Publish marshals events and publishes them as a single NATS message.
// ctx is honored only insofar as it may already be canceled; nats.go's
// synchronous Publish has no per-call context parameter.
func (s *NATSSink) Publish(ctx context.Context, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("durablesink: marshal batch: %w", err)
	}
	if err := s.conn.Publish(s.subject, body); err != nil {
		return fmt.Errorf("durablesink: publish: %w", err)
	}
	return nil
}

// Close closes the underlying NATS connection without draining it.
func (s *NATSSink) Close() {
	s.conn.Close()
}
