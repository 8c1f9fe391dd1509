// Package gateway implements the WebSocket session layer: the wire protocol,
// the connection registry, event dispatch, single-use connect tickets and the
// Identify/Resume session state machine.
package gateway

import (
	"encoding/json"
	"fmt"
)

const (
	// Gateway opcodes. Clients send Heartbeat, Identify and Resume;
	// everything else flows server to client.
	OpDispatch       = 0  // Send: event dispatch
	OpHeartbeat      = 1  // Receive: heartbeat
	OpIdentify       = 2  // Receive: identify (begin session)
	OpResume         = 6  // Receive: resume session
	OpReconnect      = 7  // Send: reconnect request
	OpInvalidSession = 9  // Send: invalid session
	OpHello          = 10 // Send: hello (heartbeat interval)
	OpHeartbeatACK   = 11 // Send: heartbeat ACK

	// Close codes for server-initiated closes. Protocol mistakes on a live
	// connection answer with an InvalidSession frame instead of a close.
	CloseUnknownError   = 4000
	CloseRateLimited    = 4008
	CloseSessionTimeout = 4009
)

// Dispatch event names emitted by this engine.
const (
	EventReady          = "READY"
	EventMessageCreate  = "MESSAGE_CREATE"
	EventPresenceUpdate = "PRESENCE_UPDATE"
)

// Frame is the wire envelope. S and T carry values only on Dispatch frames
// and stay null everywhere else.
type Frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

// HelloData announces the heartbeat contract for a new connection.
type HelloData struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// IdentifyData carries the single-use gateway ticket.
type IdentifyData struct {
	Token string `json:"token"`
}

// ResumeData asks to continue a previous session. Seq is the last sequence
// number the client observed.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// decodeFrame parses one raw client frame. The payload stays raw; the
// session handler decodes the arm matching the opcode.
func decodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}

// encodeFrame renders a server frame with an optional payload.
func encodeFrame(op int, d any) ([]byte, error) {
	f := Frame{Op: op}
	if d != nil {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to encode op %d payload: %w", op, err)
		}
		f.D = raw
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode op %d frame: %w", op, err)
	}
	return b, nil
}

// encodeDispatch renders a Dispatch frame from a pre-marshaled payload so
// fan-out marshals the event body once per call, not once per connection.
func encodeDispatch(event string, seq int64, payload json.RawMessage) ([]byte, error) {
	f := Frame{Op: OpDispatch, D: payload, S: &seq, T: &event}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch %s: %w", event, err)
	}
	return b, nil
}

// invalidSessionFrame is the op 9 answer to malformed or out-of-order
// traffic. The payload is the resumable flag and this engine never resumes
// in place, so it is always false.
func invalidSessionFrame() []byte {
	b, _ := encodeFrame(OpInvalidSession, false)
	return b
}

// decodePayload unmarshals a frame's d field. A missing or null payload is
// an error: every client opcode that reaches this carries a body.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
