package httpapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/frolleks/edgewire/internal/auth"
	"github.com/frolleks/edgewire/internal/config"
	"github.com/frolleks/edgewire/internal/fanout"
	"github.com/frolleks/edgewire/internal/gateway"
	"github.com/frolleks/edgewire/internal/mentions"
	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/notify"
	"github.com/frolleks/edgewire/internal/presence"
)

type stubHealth struct {
	err error
}

func (s *stubHealth) Health(context.Context) error {
	return s.err
}

type stubReady struct{}

func (stubReady) BuildReady(_ context.Context, userID string) (*models.ReadyPayload, error) {
	return &models.ReadyPayload{User: models.User{ID: userID}, DMChannels: []models.Channel{}}, nil
}

type stubPrefs struct {
	mu      sync.Mutex
	saveErr error
	saved   map[string]presence.Status
}

func (s *stubPrefs) PresencePreference(context.Context, string) (presence.Status, error) {
	return presence.StatusOnline, nil
}

func (s *stubPrefs) SavePresencePreference(_ context.Context, userID string, status presence.Status) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]presence.Status)
	}
	s.saved[userID] = status
	return nil
}

type stubAudience struct{}

func (stubAudience) AudienceUserIDs(context.Context, string) ([]string, error) {
	return nil, nil
}

type stubResolver struct {
	mu   sync.Mutex
	last mentions.ResolveRequest
	res  *mentions.Resolution
	err  error
}

func (s *stubResolver) Resolve(_ context.Context, req mentions.ResolveRequest) (*mentions.Resolution, error) {
	s.mu.Lock()
	s.last = req
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func (s *stubResolver) lastRequest() mentions.ResolveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type stubDecider struct{}

func (stubDecider) DecideBatch(_ context.Context, _ *models.Channel, recipients []mentions.Recipient, _ time.Time) ([]notify.Decision, error) {
	decisions := make([]notify.Decision, len(recipients))
	for i, r := range recipients {
		decisions[i] = notify.Decision{UserID: r.UserID, Notify: r.Mentioned, Mentioned: r.Mentioned}
	}
	return decisions, nil
}

type stubEmitter struct {
	mu        sync.Mutex
	users     []string
	event     string
	delivered int
}

func (s *stubEmitter) EmitToUsers(userIDs []string, event string, _ any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = userIDs
	s.event = event
	return s.delivered, nil
}

func (s *stubEmitter) lastEmit() ([]string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users, s.event
}

type handlerFixture struct {
	handlers *Handlers
	key      *ecdsa.PrivateKey
	tickets  *gateway.TicketStore
	registry *gateway.Registry
	health   *stubHealth
	prefs    *stubPrefs
	resolver *stubResolver
	emitter  *stubEmitter
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	logger, _ := zap.NewDevelopment()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	verifier, err := auth.NewVerifier(&config.AuthConfig{
		JWTPublicKey: string(publicPEM),
		Leeway:       30 * time.Second,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{
			PublicGatewayURL: "ws://gateway.test/gateway",
		},
		Gateway: config.GatewayConfig{
			HeartbeatInterval: 45 * time.Second,
			MaxFrameBytes:     65536,
			FrameRate:         10,
			FrameBurst:        120,
			StaleAfter:        5 * time.Minute,
			TicketTTL:         time.Minute,
		},
	}

	registry := gateway.NewRegistry(logger)
	dispatcher := gateway.NewDispatcher(registry, logger)
	tickets := gateway.NewTicketStore(cfg.Gateway.TicketTTL, logger)

	prefs := &stubPrefs{}
	tracker := presence.NewTracker(presence.Config{
		IdleAfter:   10 * time.Minute,
		AudienceTTL: 30 * time.Second,
	}, prefs, stubAudience{}, dispatcher, logger)

	gw := gateway.NewGateway(gateway.Config{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		MaxFrameBytes:     cfg.Gateway.MaxFrameBytes,
		FrameRate:         rate.Limit(cfg.Gateway.FrameRate),
		FrameBurst:        cfg.Gateway.FrameBurst,
		StaleAfter:        cfg.Gateway.StaleAfter,
	}, registry, dispatcher, tickets, stubReady{}, tracker, logger)

	resolver := &stubResolver{}
	emitter := &stubEmitter{}
	dispatcherSvc := fanout.NewService(resolver, stubDecider{}, emitter, logger)

	health := &stubHealth{}

	return &handlerFixture{
		handlers: NewHandlers(cfg, verifier, gw, tickets, registry, tracker, dispatcherSvc, health, logger),
		key:      key,
		tickets:  tickets,
		registry: registry,
		health:   health,
		prefs:    prefs,
		resolver: resolver,
		emitter:  emitter,
	}
}

func (f *handlerFixture) bearer(t *testing.T, subject string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return "Bearer " + signed
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body["error"]
}

func TestHealth_OK(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()

	f.handlers.Health(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestHealth_Degraded(t *testing.T) {
	f := newHandlerFixture(t)
	f.health.err = errors.New("connection refused")

	req, err := http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()

	f.handlers.Health(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
}

func TestCreateTicket_Success(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/gateway/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "user-42"))
	rr := httptest.NewRecorder()

	f.handlers.CreateTicket(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body ticketResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.NotEmpty(t, body.Token)
	assert.Equal(t, "ws://gateway.test/gateway", body.GatewayURL)
	assert.Equal(t, int64(45000), body.HeartbeatIntervalMS)
	assert.Equal(t, int64(60), body.TTLSeconds)

	// The minted token must redeem for the authenticated caller.
	userID, ok := f.tickets.Consume(body.Token)
	require.True(t, ok)
	assert.Equal(t, "user-42", userID)
}

func TestCreateTicket_MethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "GET", "/v1/gateway/ticket", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()

	f.handlers.CreateTicket(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCreateTicket_MissingToken(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/gateway/ticket", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()

	f.handlers.CreateTicket(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "missing bearer token", decodeError(t, rr))
}

func TestCreateTicket_InvalidToken(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/gateway/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rr := httptest.NewRecorder()

	f.handlers.CreateTicket(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid token", decodeError(t, rr))
}

func TestCreateTicket_ExpiredToken(t *testing.T) {
	f := newHandlerFixture(t)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/gateway/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signed)
	rr := httptest.NewRecorder()

	f.handlers.CreateTicket(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSetPresencePreference_Success(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "PUT", "/v1/presence/preference", strings.NewReader(`{"status":"dnd"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "user-42"))
	rr := httptest.NewRecorder()

	f.handlers.SetPresencePreference(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, presence.StatusDND, f.prefs.saved["user-42"])
}

func TestSetPresencePreference_MethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/presence/preference", strings.NewReader(`{"status":"dnd"}`))
	require.NoError(t, err)
	rr := httptest.NewRecorder()

	f.handlers.SetPresencePreference(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSetPresencePreference_InvalidBody(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "PUT", "/v1/presence/preference", strings.NewReader(`{not json`))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "user-42"))
	rr := httptest.NewRecorder()

	f.handlers.SetPresencePreference(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid request body", decodeError(t, rr))
}

func TestSetPresencePreference_InvalidStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
	}{
		{"idle is derived, not chosen", "idle"},
		{"offline is derived, not chosen", "offline"},
		{"unknown value", "busy"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)

			req, err := http.NewRequestWithContext(context.Background(), "PUT", "/v1/presence/preference", strings.NewReader(`{"status":"`+tt.status+`"}`))
			require.NoError(t, err)
			req.Header.Set("Authorization", f.bearer(t, "user-42"))
			rr := httptest.NewRecorder()

			f.handlers.SetPresencePreference(rr, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid status", decodeError(t, rr))
		})
	}
}

func TestSetPresencePreference_StoreError(t *testing.T) {
	f := newHandlerFixture(t)
	f.prefs.saveErr = errors.New("connection refused")

	req, err := http.NewRequestWithContext(context.Background(), "PUT", "/v1/presence/preference", strings.NewReader(`{"status":"invisible"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "user-42"))
	rr := httptest.NewRecorder()

	f.handlers.SetPresencePreference(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestDispatchMessage_Success(t *testing.T) {
	f := newHandlerFixture(t)
	f.resolver.res = &mentions.Resolution{
		Channel:           &models.Channel{ID: "chan-1", Kind: models.ChannelText},
		EveryoneEffective: true,
		Recipients: []mentions.Recipient{
			{UserID: "user-1", Mentioned: true, ByEveryone: true},
			{UserID: "user-2", Mentioned: false},
		},
	}
	f.emitter.delivered = 3

	body := `{"channel_id":"chan-1","content":"@everyone ship it"}`
	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/messages/dispatch", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "author-1"))
	rr := httptest.NewRecorder()

	f.handlers.DispatchMessage(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp dispatchResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Everyone)
	assert.Equal(t, 3, resp.Delivered)
	require.Len(t, resp.Recipients, 2)
	assert.Equal(t, "user-1", resp.Recipients[0].UserID)
	assert.True(t, resp.Recipients[0].Notify)
	assert.Equal(t, "user-2", resp.Recipients[1].UserID)
	assert.False(t, resp.Recipients[1].Notify)

	// The author falls back to the verified caller when the body omits it.
	assert.Equal(t, "author-1", f.resolver.lastRequest().AuthorID)

	users, event := f.emitter.lastEmit()
	assert.Equal(t, []string{"user-1", "user-2"}, users)
	assert.Equal(t, gateway.EventMessageCreate, event)
}

func TestDispatchMessage_ExplicitAuthor(t *testing.T) {
	f := newHandlerFixture(t)
	f.resolver.res = &mentions.Resolution{
		Channel:    &models.Channel{ID: "chan-1", Kind: models.ChannelText},
		Recipients: []mentions.Recipient{},
	}

	body := `{"channel_id":"chan-1","author_id":"someone-else","content":"hi"}`
	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/messages/dispatch", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "service-account"))
	rr := httptest.NewRecorder()

	f.handlers.DispatchMessage(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "someone-else", f.resolver.lastRequest().AuthorID)
}

func TestDispatchMessage_MissingChannelID(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/messages/dispatch", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "author-1"))
	rr := httptest.NewRecorder()

	f.handlers.DispatchMessage(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "channel_id is required", decodeError(t, rr))
}

func TestDispatchMessage_ChannelNotFound(t *testing.T) {
	f := newHandlerFixture(t)
	f.resolver.err = mentions.ErrChannelNotFound

	body := `{"channel_id":"missing","content":"hi"}`
	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/messages/dispatch", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "author-1"))
	rr := httptest.NewRecorder()

	f.handlers.DispatchMessage(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "channel not found", decodeError(t, rr))
}

func TestDispatchMessage_ResolverError(t *testing.T) {
	f := newHandlerFixture(t)
	f.resolver.err = errors.New("connection refused")

	body := `{"channel_id":"chan-1","content":"hi"}`
	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/messages/dispatch", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t, "author-1"))
	rr := httptest.NewRecorder()

	f.handlers.DispatchMessage(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestDispatchMessage_Unauthorized(t *testing.T) {
	f := newHandlerFixture(t)

	req, err := http.NewRequestWithContext(context.Background(), "POST", "/v1/messages/dispatch", strings.NewReader(`{"channel_id":"chan-1"}`))
	require.NoError(t, err)
	rr := httptest.NewRecorder()

	f.handlers.DispatchMessage(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
