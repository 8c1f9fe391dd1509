package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// sendBufferSize bounds the per-connection outbound queue. A full
	// buffer drops frames rather than blocking the dispatcher.
	sendBufferSize = 256

	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second
)

// Conn is one live gateway socket. Mutable session state sits behind mu;
// the send channel and closeChan coordinate the write pump.
type Conn struct {
	ID     string
	ws     *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	limiter *rate.Limiter

	mu            sync.RWMutex
	userID        string
	sessionID     string
	identified    bool
	seq           int64
	lastHeartbeat time.Time

	closeChan chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger *zap.Logger, limiter *rate.Limiter) *Conn {
	id := uuid.New().String()
	return &Conn{
		ID:        id,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		logger:    logger.With(zap.String("conn_id", id)),
		limiter:   limiter,
		closeChan: make(chan struct{}),
	}
}

func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Conn) Identified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// bindSession marks the connection identified. seq carries over from a
// resumed session and stays 0 for a fresh one.
func (c *Conn) bindSession(userID, sessionID string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.sessionID = sessionID
	c.seq = seq
	c.identified = true
}

// nextSeq allocates the next dispatch sequence number, starting at 1.
func (c *Conn) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Conn) touchHeartbeat(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
}

func (c *Conn) lastHeartbeatAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// enqueue hands a frame to the write pump without blocking. It reports
// false when the connection is closing or the buffer is full.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.closeChan:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.closeChan:
		return false
	default:
		return false
	}
}

// closeWithCode sends a close frame with the given code, then stops the
// write pump. The close frame goes out before closeChan closes so the peer
// sees the code rather than a torn connection; the pump's deferred ws.Close
// tears down the socket afterwards, making repeated calls harmless.
func (c *Conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.logger.Debug("failed to write close frame", zap.Error(err))
		}
		close(c.closeChan)
	})
}

// writePump drains the send buffer onto the socket. It owns all data writes
// and the final ws.Close; nothing else writes to the socket besides close
// control frames.
func (c *Conn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed, dropping connection", zap.Error(err))
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// readPump delivers inbound frames to handle until the socket errors. The
// zombie check covers silent peers, so reads carry no deadline of their own.
func (c *Conn) readPump(maxBytes int64, handle func([]byte)) {
	c.ws.SetReadLimit(maxBytes)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		handle(data)
	}
}
