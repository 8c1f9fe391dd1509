package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/auth"
	"github.com/frolleks/edgewire/internal/config"
	"github.com/frolleks/edgewire/internal/fanout"
	"github.com/frolleks/edgewire/internal/gateway"
	"github.com/frolleks/edgewire/internal/mentions"
	"github.com/frolleks/edgewire/internal/notify"
	"github.com/frolleks/edgewire/internal/presence"
)

// HealthChecker reports readiness of the storage backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	cfg        *config.Config
	verifier   *auth.Verifier
	gateway    *gateway.Gateway
	tickets    *gateway.TicketStore
	registry   *gateway.Registry
	tracker    *presence.Tracker
	dispatcher *fanout.Service
	health     HealthChecker
	logger     *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(
	cfg *config.Config,
	verifier *auth.Verifier,
	gw *gateway.Gateway,
	tickets *gateway.TicketStore,
	registry *gateway.Registry,
	tracker *presence.Tracker,
	dispatcher *fanout.Service,
	health HealthChecker,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		cfg:        cfg,
		verifier:   verifier,
		gateway:    gw,
		tickets:    tickets,
		registry:   registry,
		tracker:    tracker,
		dispatcher: dispatcher,
		health:     health,
		logger:     logger,
	}
}

type ticketResponse struct {
	Token               string `json:"token"`
	GatewayURL          string `json:"gateway_url"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	TTLSeconds          int64  `json:"ttl_seconds"`
}

type preferenceRequest struct {
	Status string `json:"status"`
}

type dispatchRequest struct {
	ChannelID string                    `json:"channel_id"`
	AuthorID  string                    `json:"author_id"`
	Content   string                    `json:"content"`
	Allowed   *mentions.AllowedMentions `json:"allowed_mentions"`
	Payload   json.RawMessage           `json:"payload"`
}

type dispatchResponse struct {
	Recipients []notify.Decision `json:"recipients"`
	Everyone   bool              `json:"everyone"`
	Delivered  int               `json:"delivered"`
}

// Health reports storage health and the live connection count
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.health.Health(r.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, map[string]any{
		"status":      status,
		"connections": h.registry.Len(),
	})
}

// GatewaySocket upgrades the request into a gateway session
func (h *Handlers) GatewaySocket(w http.ResponseWriter, r *http.Request) {
	h.gateway.ServeWS(w, r)
}

// CreateTicket verifies the caller's identity assertion and mints a
// single-use gateway connect ticket
func (h *Handlers) CreateTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, ok := h.bearerUserID(w, r)
	if !ok {
		return
	}

	token, err := h.tickets.Mint(userID)
	if err != nil {
		h.logger.Error("failed to mint gateway ticket", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to mint ticket")
		return
	}

	h.writeJSON(w, http.StatusOK, ticketResponse{
		Token:               token,
		GatewayURL:          h.cfg.Server.PublicGatewayURL,
		HeartbeatIntervalMS: h.cfg.Gateway.HeartbeatInterval.Milliseconds(),
		TTLSeconds:          int64(h.cfg.Gateway.TicketTTL.Seconds()),
	})
}

// SetPresencePreference saves the caller's declared presence status and
// applies it to any live sessions
func (h *Handlers) SetPresencePreference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, ok := h.bearerUserID(w, r)
	if !ok {
		return
	}

	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.tracker.SetPreference(r.Context(), userID, presence.Status(req.Status)); err != nil {
		if errors.Is(err, presence.ErrInvalidStatus) {
			h.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		h.logger.Error("failed to set presence preference", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to save preference")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DispatchMessage resolves a message's audience, fans MESSAGE_CREATE out to
// connected recipients and returns the per-recipient notification decisions
func (h *Handlers) DispatchMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, ok := h.bearerUserID(w, r)
	if !ok {
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChannelID == "" {
		h.writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	// The author defaults to the verified caller; services dispatching on
	// behalf of users say so explicitly.
	if req.AuthorID == "" {
		req.AuthorID = userID
	}

	result, err := h.dispatcher.Dispatch(r.Context(), fanout.Request{
		ChannelID: req.ChannelID,
		AuthorID:  req.AuthorID,
		Content:   req.Content,
		Allowed:   req.Allowed,
		Payload:   req.Payload,
	})
	if err != nil {
		if errors.Is(err, mentions.ErrChannelNotFound) {
			h.writeError(w, http.StatusNotFound, "channel not found")
			return
		}
		h.logger.Error("failed to dispatch message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to dispatch message")
		return
	}

	h.writeJSON(w, http.StatusOK, dispatchResponse{
		Recipients: result.Decisions,
		Everyone:   result.Resolution.EveryoneEffective,
		Delivered:  result.Delivered,
	})
}

// bearerUserID extracts and verifies the Authorization bearer token,
// answering 401 itself when verification fails.
func (h *Handlers) bearerUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	const prefix = "Bearer "

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		h.writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}

	userID, err := h.verifier.Verify(strings.TrimPrefix(header, prefix))
	if err != nil {
		h.logger.Info("identity verification failed", zap.Error(err))
		h.writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}

	return userID, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
