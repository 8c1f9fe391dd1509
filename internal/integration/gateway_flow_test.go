package integration

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frolleks/edgewire/internal/gateway"
	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/testutil"
)

// ============================================================================
// Gateway Session Flow
// ============================================================================

func TestGatewayFlow_TicketHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupTestServer(t)
	defer ts.cleanup()

	require.NoError(t, testutil.SeedUser(ctx, ts.st, "101"))

	grant := ts.mintTicket(t, "101")
	assert.NotEmpty(t, grant.Token)
	assert.Equal(t, ts.cfg.Server.PublicGatewayURL, grant.GatewayURL)
	assert.True(t, strings.HasPrefix(grant.GatewayURL, "ws://"))
	assert.Equal(t, int64(1000), grant.HeartbeatIntervalMS)
	assert.Equal(t, 60, grant.TTLSeconds)

	conn := ts.dialGateway(t)
	hello := expectHello(t, conn)
	assert.Equal(t, int64(1000), hello.HeartbeatIntervalMS)

	ready, seq := ts.identify(t, conn, grant.Token)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, "101", ready.User.ID)
	assert.Equal(t, "user-101", ready.User.Username)
	assert.NotEmpty(t, ready.SessionID)
	assert.Empty(t, ready.DMChannels)

	writeFrame(t, conn, gateway.OpHeartbeat, nil)
	readUntilOp(t, conn, gateway.OpHeartbeatACK)
}

func TestGatewayFlow_InvalidTicketRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupTestServer(t)
	defer ts.cleanup()

	require.NoError(t, testutil.SeedUser(ctx, ts.st, "101"))

	conn := ts.dialGateway(t)
	expectHello(t, conn)

	writeFrame(t, conn, gateway.OpIdentify, gateway.IdentifyData{Token: "not-a-ticket"})
	f := readFrame(t, conn)
	require.Equal(t, gateway.OpInvalidSession, f.Op)

	var resumable bool
	require.NoError(t, json.Unmarshal(f.D, &resumable))
	assert.False(t, resumable)

	// A failed handshake costs nothing but the ticket. The same socket
	// identifies fine with a real one.
	grant := ts.mintTicket(t, "101")
	ready, _ := ts.identify(t, conn, grant.Token)
	assert.Equal(t, "101", ready.User.ID)
}

func TestGatewayFlow_TicketSingleUse(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupTestServer(t)
	defer ts.cleanup()

	require.NoError(t, testutil.SeedUser(ctx, ts.st, "101"))
	grant := ts.mintTicket(t, "101")

	first := ts.dialGateway(t)
	expectHello(t, first)
	ready, _ := ts.identify(t, first, grant.Token)
	require.Equal(t, "101", ready.User.ID)

	second := ts.dialGateway(t)
	expectHello(t, second)
	writeFrame(t, second, gateway.OpIdentify, gateway.IdentifyData{Token: grant.Token})
	f := readFrame(t, second)
	assert.Equal(t, gateway.OpInvalidSession, f.Op)
}

func TestGatewayFlow_Resume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupTestServer(t)
	defer ts.cleanup()

	require.NoError(t, testutil.SeedUser(ctx, ts.st, "101"))

	first, ready := ts.connect(t, "101")
	sessionID := ready.SessionID
	require.NoError(t, first.Close())

	// Resuming still needs a fresh ticket; the session ID and sequence
	// carry over from the dropped connection.
	grant := ts.mintTicket(t, "101")
	second := ts.dialGateway(t)
	expectHello(t, second)
	writeFrame(t, second, gateway.OpResume, gateway.ResumeData{
		Token:     grant.Token,
		SessionID: sessionID,
		Seq:       42,
	})

	f := readEvent(t, second, gateway.EventReady)
	require.NotNil(t, f.S)
	assert.Equal(t, int64(43), *f.S)

	var resumed models.ReadyPayload
	require.NoError(t, json.Unmarshal(f.D, &resumed))
	assert.Equal(t, sessionID, resumed.SessionID)
	assert.Equal(t, "101", resumed.User.ID)
}

func TestGatewayFlow_ProtocolErrorsKeepSocket(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := setupTestServer(t)
	defer ts.cleanup()

	conn := ts.dialGateway(t)
	expectHello(t, conn)

	// Not JSON at all.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readFrame(t, conn)
	assert.Equal(t, gateway.OpInvalidSession, f.Op)

	// Server-only opcode from the client.
	writeFrame(t, conn, gateway.OpHello, nil)
	f = readFrame(t, conn)
	assert.Equal(t, gateway.OpInvalidSession, f.Op)

	// Both cost the session, not the connection.
	writeFrame(t, conn, gateway.OpHeartbeat, nil)
	readUntilOp(t, conn, gateway.OpHeartbeatACK)
}

func TestGatewayFlow_ZombieTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupTestServer(t)
	defer ts.cleanup()

	require.NoError(t, testutil.SeedUser(ctx, ts.st, "101"))

	conn, _ := ts.connect(t, "101")

	// Stop heartbeating. The server closes the connection once the gap
	// passes twice the heartbeat interval.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(6*time.Second)))
	var err error
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	require.True(t, websocket.IsCloseError(err, gateway.CloseSessionTimeout),
		"expected close %d, got %v", gateway.CloseSessionTimeout, err)
}
