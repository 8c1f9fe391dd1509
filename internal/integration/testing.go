package integration

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/frolleks/edgewire/internal/auth"
	"github.com/frolleks/edgewire/internal/config"
	"github.com/frolleks/edgewire/internal/fanout"
	"github.com/frolleks/edgewire/internal/gateway"
	"github.com/frolleks/edgewire/internal/httpapi"
	"github.com/frolleks/edgewire/internal/mentions"
	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/notify"
	"github.com/frolleks/edgewire/internal/permissions"
	"github.com/frolleks/edgewire/internal/presence"
	"github.com/frolleks/edgewire/internal/store"
	"github.com/frolleks/edgewire/internal/testutil"
)

// readDeadline bounds every single websocket read in the flow tests.
const readDeadline = 5 * time.Second

// testServer runs the full engine against a containerized database: store,
// gateway, presence tracker and dispatch pipeline behind one httptest
// server, wired the same way cmd/server wires them.
type testServer struct {
	st       *store.Store
	cfg      *config.Config
	key      *ecdsa.PrivateKey
	httpSrv  *httptest.Server
	gw       *gateway.Gateway
	tickets  *gateway.TicketStore
	registry *gateway.Registry
	tracker  *presence.Tracker
	cleanup  func()
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	ctx := context.Background()
	st, storeCleanup, err := testutil.SetupTestStore(ctx)
	require.NoError(t, err)

	cfg := testutil.GenerateTestConfig()
	key, publicPEM, err := testutil.GenerateKeyPair()
	require.NoError(t, err)
	cfg.Auth.JWTPublicKey = publicPEM

	logger := zap.NewNop()

	verifier, err := auth.NewVerifier(&cfg.Auth)
	require.NoError(t, err)

	registry := gateway.NewRegistry(logger)
	dispatcher := gateway.NewDispatcher(registry, logger)
	tickets := gateway.NewTicketStore(cfg.Gateway.TicketTTL, logger)
	tracker := presence.NewTracker(presence.Config{
		IdleAfter:   cfg.Presence.IdleAfter,
		AudienceTTL: cfg.Presence.AudienceTTL,
	}, st, st, dispatcher, logger)
	gw := gateway.NewGateway(gateway.Config{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		MaxFrameBytes:     cfg.Gateway.MaxFrameBytes,
		FrameRate:         rate.Limit(cfg.Gateway.FrameRate),
		FrameBurst:        cfg.Gateway.FrameBurst,
		StaleAfter:        cfg.Gateway.StaleAfter,
	}, registry, dispatcher, tickets, st, tracker, logger)

	resolver := mentions.NewResolver(st, logger)
	decider := notify.NewDecider(st, logger)
	dispatchSvc := fanout.NewService(resolver, decider, dispatcher, logger)

	handlers := httpapi.NewHandlers(cfg, verifier, gw, tickets, registry, tracker, dispatchSvc, st, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.Health)
	mux.HandleFunc("/gateway", handlers.GatewaySocket)
	mux.HandleFunc("/v1/gateway/ticket", handlers.CreateTicket)
	mux.HandleFunc("/v1/presence/preference", handlers.SetPresencePreference)
	mux.HandleFunc("/v1/messages/dispatch", handlers.DispatchMessage)
	httpSrv := httptest.NewServer(mux)

	// Ticket responses must point clients at this test server.
	cfg.Server.PublicGatewayURL = "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/gateway"

	cleanupFunc := func() {
		// Closing the sockets server-side first lets httpSrv.Close return
		// instead of waiting on hijacked connections.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		gw.Shutdown(shutdownCtx)
		cancel()
		httpSrv.Close()
		storeCleanup()
	}

	return &testServer{
		st:       st,
		cfg:      cfg,
		key:      key,
		httpSrv:  httpSrv,
		gw:       gw,
		tickets:  tickets,
		registry: registry,
		tracker:  tracker,
		cleanup:  cleanupFunc,
	}
}

func (ts *testServer) signToken(t *testing.T, userID string) string {
	t.Helper()

	token, err := testutil.SignToken(ts.key, userID, time.Hour)
	require.NoError(t, err)
	return token
}

// ticketGrant mirrors the ticket endpoint's response body.
type ticketGrant struct {
	Token               string `json:"token"`
	GatewayURL          string `json:"gateway_url"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	TTLSeconds          int    `json:"ttl_seconds"`
}

func (ts *testServer) mintTicket(t *testing.T, userID string) ticketGrant {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.httpSrv.URL+"/v1/gateway/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.signToken(t, userID))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var grant ticketGrant
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grant))
	return grant
}

func (ts *testServer) putPreference(t *testing.T, userID, status string) int {
	t.Helper()

	body := bytes.NewBufferString(`{"status":"` + status + `"}`)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, ts.httpSrv.URL+"/v1/presence/preference", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.signToken(t, userID))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

// dispatchBody mirrors the dispatch endpoint's request body.
type dispatchBody struct {
	ChannelID string          `json:"channel_id"`
	AuthorID  string          `json:"author_id,omitempty"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// dispatchResult mirrors the dispatch endpoint's response body.
type dispatchResult struct {
	Recipients []notify.Decision `json:"recipients"`
	Everyone   bool              `json:"everyone"`
	Delivered  int               `json:"delivered"`
}

// dispatchMessage posts one message through the fan-out endpoint as the
// given caller. The result is nil for non-200 responses.
func (ts *testServer) dispatchMessage(t *testing.T, asUserID string, body dispatchBody) (int, *dispatchResult) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.httpSrv.URL+"/v1/messages/dispatch", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.signToken(t, asUserID))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var result dispatchResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp.StatusCode, &result
}

func (ts *testServer) dialGateway(t *testing.T) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(ts.httpSrv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/gateway"

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) gateway.Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readDeadline)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f gateway.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, op int, d any) {
	t.Helper()

	f := gateway.Frame{Op: op}
	if d != nil {
		raw, err := json.Marshal(d)
		require.NoError(t, err)
		f.D = raw
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func expectHello(t *testing.T, conn *websocket.Conn) gateway.HelloData {
	t.Helper()

	f := readFrame(t, conn)
	require.Equal(t, gateway.OpHello, f.Op)

	var hello gateway.HelloData
	require.NoError(t, json.Unmarshal(f.D, &hello))
	return hello
}

// readUntilOp reads frames until one carries the wanted opcode, skipping
// dispatches that arrive in between.
func readUntilOp(t *testing.T, conn *websocket.Conn, op int) gateway.Frame {
	t.Helper()

	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.Op == op {
			return f
		}
	}
	t.Fatalf("no frame with op %d after 20 reads", op)
	return gateway.Frame{}
}

// readEvent reads frames until a dispatch for the wanted event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) gateway.Frame {
	t.Helper()

	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.Op == gateway.OpDispatch && f.T != nil && *f.T == event {
			return f
		}
	}
	t.Fatalf("no %s dispatch after 20 reads", event)
	return gateway.Frame{}
}

// readPresenceUpdate reads dispatches until a presence update for the given
// user arrives. Updates for other users, including the reader's own, are
// skipped.
func readPresenceUpdate(t *testing.T, conn *websocket.Conn, userID string) presence.Update {
	t.Helper()

	for i := 0; i < 20; i++ {
		f := readEvent(t, conn, gateway.EventPresenceUpdate)
		var u presence.Update
		require.NoError(t, json.Unmarshal(f.D, &u))
		if u.UserID == userID {
			return u
		}
	}
	t.Fatalf("no presence update for user %s after 20 reads", userID)
	return presence.Update{}
}

// expectNoEvent drains the connection for the wait window and fails if a
// dispatch for the named event shows up. The read timeout poisons the
// socket, so this must be the last use of conn in the test.
func expectNoEvent(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f gateway.Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		if f.Op == gateway.OpDispatch && f.T != nil && *f.T == event {
			t.Fatalf("unexpected %s dispatch: %s", event, string(f.D))
		}
	}
}

// identify performs the ticket handshake on an already-greeted connection
// and returns the READY payload with its sequence number.
func (ts *testServer) identify(t *testing.T, conn *websocket.Conn, ticket string) (*models.ReadyPayload, int64) {
	t.Helper()

	writeFrame(t, conn, gateway.OpIdentify, gateway.IdentifyData{Token: ticket})

	f := readEvent(t, conn, gateway.EventReady)
	require.NotNil(t, f.S)

	var ready models.ReadyPayload
	require.NoError(t, json.Unmarshal(f.D, &ready))
	return &ready, *f.S
}

// connect runs the whole client side of a session start: dial, hello,
// ticket mint, identify, plus one heartbeat round trip so the zombie window
// opens fresh.
func (ts *testServer) connect(t *testing.T, userID string) (*websocket.Conn, *models.ReadyPayload) {
	t.Helper()

	grant := ts.mintTicket(t, userID)
	conn := ts.dialGateway(t)
	expectHello(t, conn)
	ready, _ := ts.identify(t, conn, grant.Token)

	writeFrame(t, conn, gateway.OpHeartbeat, nil)
	readUntilOp(t, conn, gateway.OpHeartbeatACK)
	return conn, ready
}

// seedGuild creates a guild with an everyone role carrying the given mask,
// one text channel and the listed members. The first member owns the guild
// and the everyone role reuses the guild ID.
func (ts *testServer) seedGuild(ctx context.Context, t *testing.T, guildID, channelID string, everyoneMask permissions.Bits, memberIDs ...string) {
	t.Helper()

	require.NotEmpty(t, memberIDs)
	for _, id := range memberIDs {
		require.NoError(t, testutil.SeedUser(ctx, ts.st, id))
	}
	require.NoError(t, testutil.SeedGuild(ctx, ts.st, guildID, memberIDs[0]))
	require.NoError(t, testutil.SeedRole(ctx, ts.st, guildID, guildID, everyoneMask.String(), false, true))
	for _, id := range memberIDs {
		require.NoError(t, testutil.SeedMember(ctx, ts.st, guildID, id))
	}
	require.NoError(t, testutil.SeedGuildChannel(ctx, ts.st, channelID, guildID))
}
