package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/telemetry"
)

// readyTimeout bounds the READY payload build so a slow database cannot
// hold a handshake open indefinitely.
const readyTimeout = 10 * time.Second

// Config carries the gateway's tunables.
type Config struct {
	HeartbeatInterval time.Duration
	MaxFrameBytes     int64
	FrameRate         rate.Limit
	FrameBurst        int
	StaleAfter        time.Duration
	AllowedOrigins    []string
}

// PresenceHooks receives connection lifecycle signals. The gateway calls
// them after its own registry bookkeeping, outside any lock.
type PresenceHooks interface {
	ConnectionOpened(ctx context.Context, userID, connID string)
	ConnectionClosed(ctx context.Context, userID, connID string)
	HeartbeatActivity(userID, connID string)
}

// ReadySource builds the initial state snapshot sent after a handshake.
type ReadySource interface {
	BuildReady(ctx context.Context, userID string) (*models.ReadyPayload, error)
}

// Gateway runs the session protocol: hello, ticket handshake, heartbeats
// and zombie detection over one websocket per connection.
type Gateway struct {
	cfg        Config
	registry   *Registry
	dispatcher *Dispatcher
	tickets    *TicketStore
	ready      ReadySource
	presence   PresenceHooks
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

func NewGateway(cfg Config, registry *Registry, dispatcher *Dispatcher, tickets *TicketStore, ready ReadySource, presence PresenceHooks, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		tickets:    tickets,
		ready:      ready,
		presence:   presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger:  logger,
		metrics: telemetry.GetMetrics(),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS upgrades the request and runs the connection to completion. The
// read loop executes on the caller's goroutine; writes and zombie checks
// get goroutines of their own.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	limiter := rate.NewLimiter(g.cfg.FrameRate, g.cfg.FrameBurst)
	c := newConn(ws, g.logger, limiter)
	c.touchHeartbeat(time.Now())

	g.registry.Add(c)
	g.metrics.ConnectionsActive.Add(r.Context(), 1)
	g.logger.Info("connection opened",
		zap.String("conn_id", c.ID),
		zap.String("remote_addr", r.RemoteAddr))

	hello, err := encodeFrame(OpHello, HelloData{
		HeartbeatIntervalMS: g.cfg.HeartbeatInterval.Milliseconds(),
	})
	if err != nil {
		g.logger.Error("failed to encode hello frame", zap.Error(err))
		g.closeConn(c, CloseUnknownError, "internal error")
		return
	}
	c.enqueue(hello)

	go c.writePump()
	go g.zombieLoop(c)

	c.readPump(g.cfg.MaxFrameBytes, func(data []byte) {
		g.handleFrame(c, data)
	})

	g.closeConn(c, websocket.CloseNormalClosure, "")
}

func (g *Gateway) handleFrame(c *Conn, data []byte) {
	g.metrics.FramesReceived.Add(context.Background(), 1)

	if !c.limiter.Allow() {
		g.logger.Warn("frame rate exceeded, closing connection",
			zap.String("conn_id", c.ID),
			zap.String("user_id", c.UserID()))
		c.closeWithCode(CloseRateLimited, "rate limit exceeded")
		return
	}

	f, err := decodeFrame(data)
	if err != nil {
		g.invalidSession(c, "malformed frame")
		return
	}

	switch f.Op {
	case OpHeartbeat:
		g.handleHeartbeat(c)
	case OpIdentify:
		g.handleIdentify(c, f.D)
	case OpResume:
		g.handleResume(c, f.D)
	case OpDispatch, OpReconnect, OpInvalidSession, OpHello, OpHeartbeatACK:
		g.invalidSession(c, "server opcode from client")
	default:
		g.invalidSession(c, "unknown opcode")
	}
}

func (g *Gateway) handleHeartbeat(c *Conn) {
	c.touchHeartbeat(time.Now())

	ack, err := encodeFrame(OpHeartbeatACK, nil)
	if err != nil {
		g.logger.Error("failed to encode heartbeat ack", zap.Error(err))
		return
	}
	c.enqueue(ack)

	if g.presence != nil && c.Identified() {
		g.presence.HeartbeatActivity(c.UserID(), c.ID)
	}
}

func (g *Gateway) handleIdentify(c *Conn, raw []byte) {
	if c.Identified() {
		g.invalidSession(c, "already identified")
		return
	}

	var d IdentifyData
	if err := decodePayload(raw, &d); err != nil || d.Token == "" {
		g.invalidSession(c, "malformed identify payload")
		return
	}

	userID, ok := g.tickets.Consume(d.Token)
	if !ok {
		g.invalidSession(c, "invalid ticket")
		return
	}

	g.completeHandshake(c, userID, uuid.New().String(), 0, false)
}

func (g *Gateway) handleResume(c *Conn, raw []byte) {
	if c.Identified() {
		g.invalidSession(c, "already identified")
		return
	}

	var d ResumeData
	if err := decodePayload(raw, &d); err != nil || d.Token == "" || d.SessionID == "" || d.Seq < 0 {
		g.invalidSession(c, "malformed resume payload")
		return
	}

	userID, ok := g.tickets.Consume(d.Token)
	if !ok {
		g.invalidSession(c, "invalid ticket")
		return
	}

	// The session ID and sequence counter survive the reconnect, but the
	// client still receives a full READY snapshot: dispatched events are
	// not buffered server-side, so there is nothing to replay.
	g.completeHandshake(c, userID, d.SessionID, d.Seq, true)
}

func (g *Gateway) completeHandshake(c *Conn, userID, sessionID string, seq int64, resumed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	ready, err := g.ready.BuildReady(ctx, userID)
	if err != nil {
		g.logger.Error("failed to build ready payload",
			zap.String("user_id", userID),
			zap.Error(err))
		g.invalidSession(c, "ready build failed")
		return
	}
	ready.SessionID = sessionID

	c.bindSession(userID, sessionID, seq)
	if !g.registry.Bind(c, userID) {
		g.logger.Debug("connection vanished during handshake",
			zap.String("conn_id", c.ID),
			zap.String("user_id", userID))
		return
	}

	if err := g.dispatcher.EmitToConn(c, EventReady, ready); err != nil {
		g.logger.Error("failed to dispatch ready", zap.Error(err))
	}

	if g.presence != nil {
		g.presence.ConnectionOpened(ctx, userID, c.ID)
	}

	g.logger.Info("session established",
		zap.String("conn_id", c.ID),
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.Bool("resumed", resumed))
}

// invalidSession tells the client to restart its handshake. The socket
// stays open: a malformed frame costs the session, not the connection.
func (g *Gateway) invalidSession(c *Conn, reason string) {
	g.metrics.ProtocolErrors.Add(context.Background(), 1)
	g.logger.Debug("invalid session",
		zap.String("conn_id", c.ID),
		zap.String("reason", reason))
	c.enqueue(invalidSessionFrame())
}

func (g *Gateway) zombieLoop(c *Conn) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			if g.zombieCheck(c, time.Now()) {
				return
			}
		}
	}
}

// zombieCheck closes the connection when the last heartbeat is more than
// two intervals old. It reports whether the connection was closed.
func (g *Gateway) zombieCheck(c *Conn, now time.Time) bool {
	gap := now.Sub(c.lastHeartbeatAt())
	if gap <= 2*g.cfg.HeartbeatInterval {
		return false
	}

	g.metrics.ZombiesClosed.Add(context.Background(), 1)
	g.logger.Info("closing zombie connection",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID()),
		zap.Duration("heartbeat_gap", gap))
	c.closeWithCode(CloseSessionTimeout, "heartbeat timeout")
	return true
}

// closeConn tears the connection down exactly once: close frame, registry
// removal, presence notification. Later calls find the registry entry gone
// and return.
func (g *Gateway) closeConn(c *Conn, code int, reason string) {
	c.closeWithCode(code, reason)

	if g.registry.Remove(c.ID) == nil {
		return
	}
	g.metrics.ConnectionsActive.Add(context.Background(), -1)

	if userID := c.UserID(); userID != "" && g.presence != nil {
		g.presence.ConnectionClosed(context.Background(), userID, c.ID)
	}

	g.logger.Info("connection closed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID()))
}

// SweepStale closes connections whose last heartbeat predates now by more
// than StaleAfter. The per-connection zombie loop normally wins this race;
// the sweep catches connections whose loop died with the process state in
// an odd place.
func (g *Gateway) SweepStale(now time.Time) int {
	closed := 0
	for _, c := range g.registry.Snapshot() {
		if now.Sub(c.lastHeartbeatAt()) > g.cfg.StaleAfter {
			g.closeConn(c, CloseSessionTimeout, "stale connection")
			closed++
		}
	}
	return closed
}

// StartStaleSweeper runs SweepStale on a fixed interval until ctx ends.
func (g *Gateway) StartStaleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.SweepStale(time.Now()); n > 0 {
					g.logger.Info("swept stale connections", zap.Int("count", n))
				}
			}
		}
	}()
}

// Shutdown asks every client to reconnect elsewhere, gives the write pumps
// a moment to flush, then closes all sockets.
func (g *Gateway) Shutdown(ctx context.Context) {
	reconnect, err := encodeFrame(OpReconnect, nil)
	if err == nil {
		for _, c := range g.registry.Snapshot() {
			c.enqueue(reconnect)
		}
	}

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}

	for _, c := range g.registry.Snapshot() {
		g.closeConn(c, websocket.CloseGoingAway, "server shutting down")
	}
	g.logger.Info("gateway shut down")
}
