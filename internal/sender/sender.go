// Package sender reliably delivers signed batches of events to the
// server, absorbing bursts up to a configured buffer and transient
// failures up to a configured retry budget.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vibetea/telemetry/internal/event"
	"github.com/vibetea/telemetry/internal/identity"
	"github.com/vibetea/telemetry/internal/telemetrylog"
)

// maxChunkSize leaves headroom under the server's 2MiB body limit.
const maxChunkSize = 900 * 1024

const requestTimeout = 30 * time.Second

var tracer trace.Tracer = otel.Tracer("github.com/vibetea/telemetry/internal/sender")

// RetryPolicy controls backoff behavior. Values are clamped at intake by
// Validated so a misconfigured policy can never panic the jitter
// computation.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	JitterFactor float64
}

// DefaultRetryPolicy is the production default: 1s initial, 60s cap,
// 10 attempts, ±25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  10,
		JitterFactor: 0.25,
	}
}

// Validated clamps every field to a value that cannot panic or loop
// forever: jitter factor into [0,1], delays to at least 1ms, max delay to
// at least the initial delay, and attempts to at least 1.
func (p RetryPolicy) Validated() RetryPolicy {
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	if p.InitialDelay < time.Millisecond {
		p.InitialDelay = time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

var (
	ErrAuthFailed         = errors.New("sender: authentication failed")
	ErrMaxRetriesExceeded = errors.New("sender: max retries exceeded")
	ErrInvalidHeader      = errors.New("sender: invalid header value")
)

// ServerError wraps a non-retryable status from the server.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("sender: server error %d: %s", e.Status, e.Body)
}

// Config configures a Sender.
type Config struct {
	ServerURL   string
	BufferSize  int
	RetryPolicy RetryPolicy
}

// Sender buffers events and delivers them as signed, size-chunked POST
// requests. Both the buffer and the backoff state are guarded by mu, so
// a periodic flush goroutine and a shutdown flush may overlap safely.
type Sender struct {
	config   Config
	identity identity.Identity
	client   *http.Client
	log      *telemetrylog.Logger

	mu           sync.Mutex
	buffer       []event.Event
	currentDelay time.Duration
}

// New constructs a Sender bound to one identity and server URL.
func New(config Config, id identity.Identity, log *telemetrylog.Logger) *Sender {
	config.RetryPolicy = config.RetryPolicy.Validated()
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	return &Sender{
		config:       config,
		identity:     id,
		client:       &http.Client{Timeout: requestTimeout},
		log:          log,
		currentDelay: config.RetryPolicy.InitialDelay,
	}
}

// Queue appends ev to the buffer, evicting the oldest entries (FIFO) if
// the buffer is at capacity. It returns the number of events evicted.
func (s *Sender) Queue(ev event.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for len(s.buffer) >= s.config.BufferSize {
		s.buffer = s.buffer[1:]
		evicted++
	}
	s.buffer = append(s.buffer, ev)
	if evicted > 0 {
		s.log.Warn("sender buffer overflow, events evicted", map[string]any{"evicted_count": evicted})
	}
	return evicted
}

// BufferLen reports how many events are currently buffered.
func (s *Sender) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Send bypasses the buffer and sends a single-event batch with retries.
func (s *Sender) Send(ctx context.Context, ev event.Event) error {
	return s.sendBatch(ctx, []event.Event{ev})
}

// Flush drains the buffer: it snapshots the contents, chunks them to fit
// the server's body size limit, and sends each chunk in turn. Only if
// every chunk succeeds are the snapshot's events removed from the buffer;
// on failure the whole snapshot remains buffered for the next flush.
func (s *Sender) Flush(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make([]event.Event, len(s.buffer))
	copy(snapshot, s.buffer)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	// On any chunk failure the whole buffer is retained for the next
	// flush attempt, including events already sent in earlier chunks of
	// this same call: the server tolerates duplicate delivery.
	chunks := chunkEvents(snapshot, s.log)
	for _, chunk := range chunks {
		if err := s.sendBatch(ctx, chunk); err != nil {
			return err
		}
	}

	// Remove only the delivered snapshot: events queued during the send
	// stay buffered. Eviction is FIFO, so if the snapshot's last event is
	// no longer buffered, none of the snapshot is.
	last := snapshot[len(snapshot)-1].ID
	s.mu.Lock()
	for i, ev := range s.buffer {
		if ev.ID == last {
			s.buffer = s.buffer[i+1:]
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// Shutdown attempts a best-effort flush bounded by timeout and returns
// the number of events left unsent.
func (s *Sender) Shutdown(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.Flush(ctx)
	return s.BufferLen()
}

// chunkEvents groups events into batches whose serialized JSON length
// fits under maxChunkSize, accounting for the array brackets and comma
// separators. An oversized single event gets its own chunk with a
// warning; the server may reject it.
func chunkEvents(events []event.Event, log *telemetrylog.Logger) [][]event.Event {
	var chunks [][]event.Event
	var current []event.Event
	currentSize := 2 // "[" + "]"

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		size := 1000
		if err == nil {
			size = len(raw)
		}

		if size > maxChunkSize {
			if log != nil {
				log.Warn("event exceeds max chunk size, placing in its own chunk", map[string]any{"event_id": ev.ID, "size": size})
			}
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentSize = 2
			}
			chunks = append(chunks, []event.Event{ev})
			continue
		}

		sep := 0
		if len(current) > 0 {
			sep = 1
		}
		if currentSize+sep+size > maxChunkSize && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentSize = 2
			sep = 0
		}
		current = append(current, ev)
		currentSize += size + sep
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// sendBatch serializes events, signs the exact bytes, and POSTs them with
// retry/backoff per the response classification table.
func (s *Sender) sendBatch(ctx context.Context, events []event.Event) error {
	ctx, span := tracer.Start(ctx, "sender.send_batch")
	defer span.End()

	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("sender: marshal batch: %w", err)
	}
	signature := s.identity.Sign(body)

	attempts := 0
	for {
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.ServerURL+"/events", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Source-Id", s.identity.Source)
		req.Header.Set("X-Signature", signature)

		resp, err := s.client.Do(req)
		if err != nil {
			// A transport-level error here (timeout, refused connection,
			// DNS failure, ...) is always retried the same way the 5xx
			// branch below is; Go's http.Client never returns err for a
			// request that reached the server and got a status back.
			s.log.Warn("connection error, will retry", map[string]any{"error": err.Error()})
			if attempts >= s.config.RetryPolicy.MaxAttempts {
				return fmt.Errorf("%w: %d attempts", ErrMaxRetriesExceeded, attempts)
			}
			s.waitWithBackoff(ctx)
			continue
		}

		status := resp.StatusCode
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted:
			s.resetDelay()
			return nil

		case status == http.StatusUnauthorized:
			s.log.Error("authentication failed", nil)
			return ErrAuthFailed

		case status == http.StatusTooManyRequests:
			delay := s.retryAfterDelay(resp.Header.Get("Retry-After"))
			s.log.Debug("rate limited by server", map[string]any{"delay_ms": delay.Milliseconds()})
			if attempts >= s.config.RetryPolicy.MaxAttempts {
				return fmt.Errorf("%w: %d attempts", ErrMaxRetriesExceeded, attempts)
			}
			sleep(ctx, delay)
			continue

		case status == http.StatusRequestEntityTooLarge:
			s.log.Warn("payload too large, dropping chunk", map[string]any{"events": len(events)})
			s.resetDelay()
			return nil

		case status >= 500:
			s.log.Warn("server error, will retry", map[string]any{"status": status, "body": string(respBody)})
			if attempts >= s.config.RetryPolicy.MaxAttempts {
				return &ServerError{Status: status, Body: string(respBody)}
			}
			s.waitWithBackoff(ctx)
			continue

		default:
			return &ServerError{Status: status, Body: string(respBody)}
		}
	}
}

// retryAfterDelay parses the Retry-After header as a non-negative integer
// number of seconds, saturating-converted to milliseconds. Absent or
// unparsable headers fall back to the current backoff delay. This does
// not advance backoff state.
func (s *Sender) retryAfterDelay(header string) time.Duration {
	s.mu.Lock()
	current := s.currentDelay
	s.mu.Unlock()

	if header == "" {
		return current
	}
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil || secs < 0 {
		return current
	}
	const maxMillis = int64(1) << 53
	millis := secs * 1000
	if millis/1000 != secs || millis > maxMillis {
		millis = maxMillis
	}
	return time.Duration(millis) * time.Millisecond
}

// waitWithBackoff sleeps the current delay (with jitter) then doubles it,
// capped at MaxDelay. The lock is not held across the sleep.
func (s *Sender) waitWithBackoff(ctx context.Context) {
	s.mu.Lock()
	current := s.currentDelay
	s.mu.Unlock()

	sleep(ctx, s.jitter(current))

	s.mu.Lock()
	s.currentDelay = minDuration(current*2, s.config.RetryPolicy.MaxDelay)
	s.mu.Unlock()
}

// jitter adds uniform noise in [-f*d, +f*d] to d, floored at 1ms. With
// factor 0 the result is deterministic.
func (s *Sender) jitter(d time.Duration) time.Duration {
	f := s.config.RetryPolicy.JitterFactor
	if f == 0 {
		return d
	}
	span := float64(d) * f
	offset := (rand.Float64()*2 - 1) * span
	result := time.Duration(float64(d) + offset)
	if result < time.Millisecond {
		result = time.Millisecond
	}
	return result
}

func (s *Sender) resetDelay() {
	s.mu.Lock()
	s.currentDelay = s.config.RetryPolicy.InitialDelay
	s.mu.Unlock()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
