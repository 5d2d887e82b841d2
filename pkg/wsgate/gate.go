// Package wsgate admits websocket connections through origin validation and
// connection-cap checks, and polices frame sizes on established connections.
//
// Rejections use close codes in the private range so clients can tell the
// admission failures apart:
//
//	4003  origin rejected
//	4008  connection limit reached
//	4009  frame exceeds the configured maximum
//
// Checks run after the HTTP upgrade completes, so the close code is actually
// deliverable to the client instead of a bare handshake failure.
package wsgate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobfinder/gatekeeper/pkg/auth"
	"github.com/jobfinder/gatekeeper/pkg/connguard"
	"github.com/jobfinder/gatekeeper/pkg/identity"
	"github.com/jobfinder/gatekeeper/pkg/origin"
)

// Close codes for admission failures.
const (
	CloseOriginRejected  = 4003
	CloseConnectionLimit = 4008
	CloseFrameTooLarge   = 4009
)

// DefaultMaxFrameBytes caps the encoded size of a single inbound frame.
const DefaultMaxFrameBytes = 65536

// auditEndpoint names connection admission events in the audit trail.
const auditEndpoint = "ws:connect"

// Handler processes messages on an admitted connection.
//
// HandleMessage receives each inbound frame and returns the response to
// write back, or nil for no response. Returning an error ends the
// connection.
type Handler interface {
	HandleMessage(ctx context.Context, messageType int, payload []byte) (response []byte, err error)
}

// EchoHandler writes every frame back unchanged.
type EchoHandler struct{}

func (EchoHandler) HandleMessage(ctx context.Context, messageType int, payload []byte) ([]byte, error) {
	return payload, nil
}

// ConnectionAuditor records connection admission outcomes. Implemented by
// the audit recorder; may be nil.
type ConnectionAuditor interface {
	RecordConnection(id identity.Identity, endpoint string, count, limit int64, rejected bool)
}

// Metrics receives gate-level counters. May be nil.
type Metrics interface {
	ConnectionOpened(ctx context.Context)
	ConnectionClosed(ctx context.Context)
	ConnectionRejected(ctx context.Context, reason string)
	FrameRejected(ctx context.Context)
}

// Config configures a Gate.
type Config struct {
	MaxFrameBytes    int64
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
}

// Gate is the websocket admission path: upgrade, origin check, connection
// cap check, register, serve, release.
type Gate struct {
	upgrader websocket.Upgrader
	origins  *origin.Validator
	guard    *connguard.Guard
	handler  Handler
	auditor  ConnectionAuditor
	metrics  Metrics
	logger   *slog.Logger

	maxFrameBytes int64
}

// Option configures a Gate.
type Option func(*Gate)

// WithAuditor installs a connection event auditor.
func WithAuditor(a ConnectionAuditor) Option {
	return func(g *Gate) { g.auditor = a }
}

// WithMetrics installs gate metrics.
func WithMetrics(m Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a Gate. Origin validation happens after the upgrade, so
// the upgrader itself accepts any origin. A nil validator disables the
// origin policy entirely.
func NewGate(origins *origin.Validator, guard *connguard.Guard, handler Handler, cfg Config, opts ...Option) (*Gate, error) {
	if guard == nil {
		return nil, fmt.Errorf("connection guard is required")
	}
	if handler == nil {
		handler = EchoHandler{}
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}

	g := &Gate{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			// Origin policy is enforced post-upgrade so the 4003 close
			// code reaches the client.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		origins:       origins,
		guard:         guard,
		handler:       handler,
		logger:        slog.Default(),
		maxFrameBytes: cfg.MaxFrameBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ServeHTTP upgrades the request and runs the admission sequence.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := identity.ClientAddr(r)
	originHeader := r.Header.Get("Origin")

	var userID string
	var id identity.Identity
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		userID = claims.Subject
		id = claims.Identity()
	} else {
		id = identity.ForIP(addr)
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("Websocket upgrade failed", "error", err, "addr", addr)
		return
	}

	if g.origins != nil && !g.origins.IsAllowed(originHeader) {
		g.logger.Warn("Rejected websocket connection: origin not allowed",
			"origin", originHeader, "addr", addr)
		g.reject(r.Context(), conn, CloseOriginRejected, "origin not allowed")
		if g.metrics != nil {
			g.metrics.ConnectionRejected(r.Context(), "origin")
		}
		return
	}

	if allowed, reason := g.guard.CheckLimit(r.Context(), userID, addr); !allowed {
		g.logger.Warn("Rejected websocket connection: connection limit",
			"identity", id, "addr", addr, "reason", reason)
		g.reject(r.Context(), conn, CloseConnectionLimit, reason)
		if g.metrics != nil {
			g.metrics.ConnectionRejected(r.Context(), "limit")
		}
		if g.auditor != nil {
			maxPerUser, maxPerIP := g.guard.Limits()
			limit := maxPerIP
			if userID != "" {
				limit = maxPerUser
			}
			g.auditor.RecordConnection(id, auditEndpoint, limit, limit, true)
		}
		return
	}

	userCount, ipCount, err := g.guard.Register(r.Context(), userID, addr)
	registered := err == nil
	if err != nil {
		// Registration hit the store; admit anyway, consistent with the
		// fail-open admission policy. Register rolled its increments back,
		// so teardown must skip the release.
		g.logger.Error("Failed to register connection counters", "error", err, "identity", id)
	}

	if g.auditor != nil {
		maxPerUser, maxPerIP := g.guard.Limits()
		count, limit := ipCount, maxPerIP
		if userID != "" {
			count, limit = userCount, maxPerUser
		}
		g.auditor.RecordConnection(id, auditEndpoint, count, limit, false)
	}
	if g.metrics != nil {
		g.metrics.ConnectionOpened(r.Context())
	}

	g.serve(conn, userID, addr, id, registered)
}

// reject sends a close frame with the given code and tears the connection
// down without touching any counters.
func (g *Gate) reject(ctx context.Context, conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

// serve runs the message loop. Counter release is guarded by sync.Once and
// deferred, so it happens exactly once on every exit path, including a
// handler panic.
func (g *Gate) serve(conn *websocket.Conn, userID, addr string, id identity.Identity, registered bool) {
	ctx := context.Background()

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if registered {
				g.guard.Release(ctx, userID, addr)
			}
			if g.metrics != nil {
				g.metrics.ConnectionClosed(ctx)
			}
		})
	}
	defer release()
	defer conn.Close()

	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("Websocket handler panicked", "panic", rec, "identity", id)
			release()
		}
	}()

	for {
		messageType, reader, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("Websocket closed unexpectedly", "error", err, "identity", id)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		payload, tooLarge, err := readBounded(reader, g.maxFrameBytes)
		if err != nil {
			g.logger.Debug("Failed to read websocket frame", "error", err, "identity", id)
			return
		}
		if tooLarge {
			// The bounded reader stops at max+1, so observed_bytes is a
			// floor, not the full frame size.
			g.logger.Warn("Closing websocket: frame too large",
				"identity", id, "max_bytes", g.maxFrameBytes, "observed_bytes", len(payload))
			if g.metrics != nil {
				g.metrics.FrameRejected(ctx)
			}
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(CloseFrameTooLarge, "frame too large")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}

		response, err := g.handler.HandleMessage(ctx, messageType, payload)
		if err != nil {
			g.logger.Debug("Websocket handler error", "error", err, "identity", id)
			return
		}
		if response != nil {
			if err := conn.WriteMessage(messageType, response); err != nil {
				return
			}
		}
	}
}

// readBounded reads at most max bytes from the frame. If the frame holds
// more, it reports tooLarge without delivering any payload.
func readBounded(r io.Reader, max int64) (payload []byte, tooLarge bool, err error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return nil, true, nil
	}
	return data, false, nil
}
