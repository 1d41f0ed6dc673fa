// Package persistence implements the monitor's secondary, best-effort
// delivery path to a durable sink, independent of the real-time sender.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vibetea/telemetry/internal/event"
	"github.com/vibetea/telemetry/internal/identity"
	"github.com/vibetea/telemetry/internal/sender"
	"github.com/vibetea/telemetry/internal/telemetrylog"
)

// Capacity is the hard cap on the persistence buffer, independent of the
// sender's configured capacity.
const Capacity = 1000

// DefaultInterval is the wall-clock trigger for a timed flush.
const DefaultInterval = 60 * time.Second

const requestTimeout = 30 * time.Second

// Config configures a Batcher.
type Config struct {
	SinkURL string
	// RetryLimit bounds the number of flush attempts a caller-driven
	// retry loop performs around a single flush call; wired explicitly
	// here rather than left inert (see DESIGN.md open-question decision).
	RetryLimit int
	RetryDelay time.Duration
}

// Batcher accumulates events for periodic, best-effort delivery to a
// secondary durable sink. Delivery failure never blocks, delays, or
// otherwise interacts with the primary sender.
type Batcher struct {
	config   Config
	identity identity.Identity
	client   *http.Client
	log      *telemetrylog.Logger

	mu             sync.Mutex
	buffer         []event.Event
	failureCount   int
}

// New constructs a Batcher bound to one identity and sink URL.
func New(config Config, id identity.Identity, log *telemetrylog.Logger) *Batcher {
	if config.RetryLimit <= 0 {
		config.RetryLimit = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	return &Batcher{
		config:   config,
		identity: id,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
	}
}

// Queue appends ev to the buffer, evicting the oldest entry with a
// warning if the buffer is at Capacity. It returns true when the buffer
// has reached Capacity, signaling the caller should flush now.
func (b *Batcher) Queue(ev event.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) >= Capacity {
		b.buffer = b.buffer[1:]
		b.log.Warn("persistence buffer overflow, oldest event evicted", nil)
	}
	b.buffer = append(b.buffer, ev)
	return len(b.buffer) >= Capacity
}

// FailureCount reports how many flush attempts have failed since the
// buffer was last successfully cleared.
func (b *Batcher) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Flush attempts a single best-effort delivery of the buffered events to
// the sink. On a 2xx response the buffer is cleared; on failure it is
// retained and the failure counter is incremented.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	snapshot := make([]event.Event, len(b.buffer))
	copy(snapshot, b.buffer)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	if err := b.post(ctx, snapshot); err != nil {
		b.mu.Lock()
		b.failureCount++
		b.mu.Unlock()
		b.log.Warn("persistence flush failed, buffer retained", map[string]any{"error": err.Error()})
		return err
	}

	b.mu.Lock()
	b.buffer = b.buffer[:0]
	b.mu.Unlock()
	return nil
}

// FlushWithRetry wraps Flush in a caller-side retry loop bounded by
// config.RetryLimit, with a fixed delay between attempts.
func (b *Batcher) FlushWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < b.config.RetryLimit; attempt++ {
		if err := b.Flush(ctx); err != nil {
			lastErr = err
			t := time.NewTimer(b.config.RetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (b *Batcher) post(ctx context.Context, events []event.Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("persistence: marshal batch: %w", err)
	}
	signature := b.identity.Sign(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.SinkURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("persistence: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source-Id", b.identity.Source)
	req.Header.Set("X-Signature", signature)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("persistence: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &sender.ServerError{Status: resp.StatusCode}
	}
	return nil
}

// RunTimer drives Flush on a wall-clock interval until ctx is canceled.
// The caller is also expected to invoke Flush directly when Queue returns
// true (the size-triggered path); the two triggers are independent.
func (b *Batcher) RunTimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.FlushWithRetry(ctx); err != nil {
				b.log.Warn("timed persistence flush failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
