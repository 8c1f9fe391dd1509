package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/telemetry"
)

// Dispatcher fans events out to live connections. Delivery is
// fire-and-forget: offline users are silently skipped and a slow consumer
// loses frames instead of stalling the sender.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		metrics:  telemetry.GetMetrics(),
	}
}

// EmitToUsers sends one event to every identified connection of the given
// users. Duplicate IDs are collapsed so no connection receives the event
// twice. It returns the number of frames enqueued.
func (d *Dispatcher) EmitToUsers(userIDs []string, event string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	seen := make(map[string]struct{}, len(userIDs))
	delivered := 0
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		for _, c := range d.registry.ForUser(userID) {
			if d.emitRaw(c, event, raw) {
				delivered++
			}
		}
	}
	return delivered, nil
}

// EmitToUser sends one event to every identified connection of a single user.
func (d *Dispatcher) EmitToUser(userID, event string, payload any) (int, error) {
	return d.EmitToUsers([]string{userID}, event, payload)
}

// EmitToConn sends one event to a specific connection.
func (d *Dispatcher) EmitToConn(c *Conn, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	d.emitRaw(c, event, raw)
	return nil
}

func (d *Dispatcher) emitRaw(c *Conn, event string, payload json.RawMessage) bool {
	if !c.Identified() {
		return false
	}

	frame, err := encodeDispatch(event, c.nextSeq(), payload)
	if err != nil {
		d.logger.Error("failed to encode dispatch frame",
			zap.String("event", event),
			zap.Error(err))
		return false
	}

	if !c.enqueue(frame) {
		d.metrics.EventsDropped.Add(context.Background(), 1)
		d.logger.Warn("event buffer full, dropping frame",
			zap.String("conn_id", c.ID),
			zap.String("user_id", c.UserID()),
			zap.String("event", event))
		return false
	}

	d.metrics.EventsDispatched.Add(context.Background(), 1)
	return true
}
