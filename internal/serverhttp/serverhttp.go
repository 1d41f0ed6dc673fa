// Package serverhttp wires the server's gin HTTP surface: the
// monitor-facing ingest endpoint, the subscriber-facing websocket, and
// the IdP-backed session exchange, gluing together verifier, ratelimit,
// broadcast, session, and idp.
package serverhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/vibetea/telemetry/internal/broadcast"
	"github.com/vibetea/telemetry/internal/event"
	"github.com/vibetea/telemetry/internal/idp"
	"github.com/vibetea/telemetry/internal/ratelimit"
	"github.com/vibetea/telemetry/internal/session"
	"github.com/vibetea/telemetry/internal/telemetrylog"
	"github.com/vibetea/telemetry/internal/verifier"
)

const (
	maxBodyBytes  = 2 << 20 // 2MiB, comfortably above the sender's 900KiB chunk cap
	writeDeadline = 10 * time.Second
)

// DurableSink forwards an accepted batch onto a secondary durable store,
// e.g. NATS. A nil Sink disables the write-through path.
type DurableSink interface {
	Publish(ctx context.Context, events []event.Event) error
}

// Config bundles the collaborators a Server needs.
type Config struct {
	Verifier        *verifier.Directory
	RateLimiter     *ratelimit.Limiter
	Hub             *broadcast.Hub
	Sessions        *session.Store
	IdP             *idp.Client
	Sink            DurableSink
	UnsafeNoAuth    bool
	SubscriberToken string
	Log             *telemetrylog.Logger
}

// Server holds the collaborators behind the HTTP surface.
type Server struct {
	cfg Config
	log *telemetrylog.Logger
}

// New constructs a Server.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = telemetrylog.New().WithComponent("http")
	}
	return &Server{cfg: cfg, log: log}
}

// Router builds a gin.Engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/events", s.authMiddleware(), s.rateLimitMiddleware(), s.handleEvents)
	r.GET("/subscribe", s.handleSubscribe)
	r.POST("/auth/session", s.handleAuthSession)
	r.GET("/healthz", s.handleHealthz)

	return r
}

// authMiddleware verifies the monitor signature on every request. Every
// failure kind maps to 401; only the server log distinguishes which one.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.UnsafeNoAuth {
			c.Next()
			return
		}

		source := c.GetHeader("X-Source-Id")
		signature := c.GetHeader("X-Signature")
		if source == "" || signature == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if len(body) > maxBodyBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}

		if err := verifier.Verify(source, signature, body, s.cfg.Verifier); err != nil {
			s.log.Warn("signature verification failed", map[string]any{"source": source, "error": err.Error()})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set("source_id", source)
		c.Set("raw_body", body)
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		source, _ := c.Get("source_id")
		sourceID, _ := source.(string)
		if sourceID == "" {
			sourceID = c.GetHeader("X-Source-Id")
		}

		res := s.cfg.RateLimiter.Check(sourceID)
		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(res.RetryAfterSecs, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

// handleEvents accepts a signed batch of events, broadcasts each to
// matching subscribers, and optionally forwards the batch to a durable
// sink.
func (s *Server) handleEvents(c *gin.Context) {
	raw, verified := c.Get("raw_body")
	body, _ := raw.([]byte)
	if !verified {
		// unsafe_no_auth mode: the auth middleware never read the body.
		b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if len(b) > maxBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		body = b
	}

	var events []event.Event
	if err := json.Unmarshal(body, &events); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch"})
		return
	}

	for _, ev := range events {
		s.cfg.Hub.Broadcast(ev)
	}

	if s.cfg.Sink != nil {
		go func(batch []event.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
			defer cancel()
			if err := s.cfg.Sink.Publish(ctx, batch); err != nil {
				s.log.Warn("durable sink publish failed", map[string]any{"error": err.Error()})
			}
		}(events)
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": len(events)})
}

// handleAuthSession exchanges an IdP-validated bearer JWT for a
// short-lived opaque session token.
func (s *Server) handleAuthSession(c *gin.Context) {
	authHeader := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	jwt := authHeader[len(prefix):]

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	user, err := s.cfg.IdP.ValidateToken(ctx, jwt)
	switch err {
	case nil:
	case idp.ErrUnauthorized:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	case idp.ErrTimeout, idp.ErrUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "idp unavailable"})
		return
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "invalid idp response"})
		return
	}

	token, err := s.cfg.Sessions.Create(user.ID, user.Email)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store at capacity"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

// handleSubscribe validates the caller's session (with grace period, per
// the websocket-connect-only rule) and upgrades the connection, then
// streams matching broadcast events as JSON text frames until the
// connection closes.
func (s *Server) handleSubscribe(c *gin.Context) {
	if s.cfg.SubscriberToken != "" && c.Query("subscriber_token") != s.cfg.SubscriberToken {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid subscriber token"})
		return
	}

	token := c.Query("token")
	if _, ok := s.cfg.Sessions.Validate(token, true); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
		return
	}

	filter := filterFromQuery(c)

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sub := s.cfg.Hub.Subscribe(filter)
	defer sub.Close()

	// CloseRead discards inbound frames and cancels the context when the
	// peer goes away; closing the subscription then unblocks Recv below.
	ctx := conn.CloseRead(c.Request.Context())
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for {
		ev, lagged, ok := sub.Recv()
		if !ok {
			return
		}
		if lagged > 0 {
			s.log.Warn("subscriber lagged, events dropped", map[string]any{"dropped": lagged})
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeDeadline)
		err = conn.Write(wctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
	}
}

func filterFromQuery(c *gin.Context) broadcast.Filter {
	var f broadcast.Filter
	if v := c.Query("source"); v != "" {
		f.Source = &v
	}
	if v := c.Query("type"); v != "" {
		t := event.Type(v)
		f.Type = &t
	}
	if v := c.Query("project"); v != "" {
		f.Project = &v
	}
	return f
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"subscribers": s.cfg.Hub.SubscriberCount(),
		"sources":     s.cfg.RateLimiter.SourceCount(),
		"sessions":    s.cfg.Sessions.Len(),
	})
}
