package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/telemetry"
)

const ticketBytes = 32

type ticket struct {
	userID    string
	expiresAt time.Time
}

// TicketStore mints and redeems single-use gateway tickets. A ticket proves
// the holder passed HTTP authentication moments ago; the socket handshake
// trades it for a session. Consume is atomic, so two connections racing on
// the same ticket yield exactly one winner.
type TicketStore struct {
	mu      sync.Mutex
	tickets map[string]ticket
	ttl     time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func NewTicketStore(ttl time.Duration, logger *zap.Logger) *TicketStore {
	return &TicketStore{
		tickets: make(map[string]ticket),
		ttl:     ttl,
		logger:  logger,
		metrics: telemetry.GetMetrics(),
	}
}

// Mint issues a fresh ticket bound to userID.
func (s *TicketStore) Mint(userID string) (string, error) {
	buf := make([]byte, ticketBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate ticket: %w", err)
	}
	tok := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tickets[tok] = ticket{userID: userID, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.metrics.TicketsMinted.Add(context.Background(), 1)
	return tok, nil
}

// Consume redeems a ticket and returns the user it was minted for. The
// ticket is deleted before the expiry check, so a second caller never sees
// it regardless of outcome.
func (s *TicketStore) Consume(tok string) (string, bool) {
	s.mu.Lock()
	t, ok := s.tickets[tok]
	if ok {
		delete(s.tickets, tok)
	}
	s.mu.Unlock()

	if !ok {
		return "", false
	}
	if time.Now().After(t.expiresAt) {
		s.logger.Debug("rejected expired ticket", zap.String("user_id", t.userID))
		return "", false
	}

	s.metrics.TicketsConsumed.Add(context.Background(), 1)
	return t.userID, true
}

// Sweep removes tickets that expired before now and reports how many.
func (s *TicketStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for tok, t := range s.tickets {
		if now.After(t.expiresAt) {
			delete(s.tickets, tok)
			removed++
		}
	}
	return removed
}

// Pending reports how many unredeemed tickets are held.
func (s *TicketStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// StartSweeper drops expired tickets on a fixed interval until ctx ends.
// Expired tickets are already rejected at Consume; the sweeper only keeps
// the map from accumulating entries nobody will redeem.
func (s *TicketStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(time.Now()); n > 0 {
					s.logger.Debug("swept expired tickets", zap.Int("count", n))
				}
			}
		}
	}()
}
