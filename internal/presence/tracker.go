package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/gateway"
	"github.com/frolleks/edgewire/internal/telemetry"
)

// ErrInvalidStatus rejects a preference outside online, dnd and invisible.
var ErrInvalidStatus = errors.New("invalid presence status")

// PreferenceStore persists per-user status preferences.
type PreferenceStore interface {
	PresencePreference(ctx context.Context, userID string) (Status, error)
	SavePresencePreference(ctx context.Context, userID string, status Status) error
}

// AudienceSource lists the users who can see a user's presence: DM partners
// and guild co-members, without the user themselves.
type AudienceSource interface {
	AudienceUserIDs(ctx context.Context, userID string) ([]string, error)
}

// Emitter delivers presence updates. *gateway.Dispatcher satisfies it.
type Emitter interface {
	EmitToUsers(userIDs []string, event string, payload any) (int, error)
}

// Config carries the tracker's tunables.
type Config struct {
	// IdleAfter is how long an online connection may go without heartbeat
	// activity before it counts as idle.
	IdleAfter time.Duration
	// AudienceTTL bounds how long a computed audience may be reused.
	AudienceTTL time.Duration
}

type connState struct {
	userID     string
	declared   Status
	lastActive time.Time
}

type aggState struct {
	raw      Status
	lastSeen time.Time
}

type audienceEntry struct {
	ids       []string
	expiresAt time.Time
}

// Tracker aggregates per-connection presence into one status per user and
// broadcasts transitions to the users who can see them. All storage and
// dispatch I/O happens outside its lock.
type Tracker struct {
	cfg     Config
	prefs   PreferenceStore
	aud     AudienceSource
	emitter Emitter
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	conns     map[string]*connState
	byUser    map[string]map[string]*connState
	agg       map[string]aggState
	lastSeen  map[string]time.Time
	prefCache map[string]Status
	audCache  map[string]audienceEntry
}

func NewTracker(cfg Config, prefs PreferenceStore, aud AudienceSource, emitter Emitter, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		prefs:     prefs,
		aud:       aud,
		emitter:   emitter,
		logger:    logger,
		metrics:   telemetry.GetMetrics(),
		conns:     make(map[string]*connState),
		byUser:    make(map[string]map[string]*connState),
		agg:       make(map[string]aggState),
		lastSeen:  make(map[string]time.Time),
		prefCache: make(map[string]Status),
		audCache:  make(map[string]audienceEntry),
	}
}

// ConnectionOpened seeds a new connection's status from the user's persisted
// preference and broadcasts the transition if their aggregate changed. The
// preference loads once per online session; later connections reuse the
// cached value.
func (t *Tracker) ConnectionOpened(ctx context.Context, userID, connID string) {
	t.mu.Lock()
	pref, cached := t.prefCache[userID]
	t.mu.Unlock()

	if !cached {
		loaded, err := t.prefs.PresencePreference(ctx, userID)
		if err != nil {
			t.logger.Warn("failed to load presence preference, defaulting to online",
				zap.String("user_id", userID),
				zap.Error(err))
			loaded = StatusOnline
		}
		if !ValidPreference(loaded) {
			loaded = StatusOnline
		}
		pref = loaded
	}

	now := time.Now()
	t.mu.Lock()
	// A concurrent SetPreference may have written a fresher value while the
	// load ran; the cache wins.
	if cur, ok := t.prefCache[userID]; ok {
		pref = cur
	} else {
		t.prefCache[userID] = pref
	}
	cs := &connState{userID: userID, declared: pref, lastActive: now}
	t.conns[connID] = cs
	set, ok := t.byUser[userID]
	if !ok {
		set = make(map[string]*connState)
		t.byUser[userID] = set
	}
	set[connID] = cs
	ch := t.recomputeLocked(userID, now)
	t.mu.Unlock()

	t.broadcast(ctx, userID, ch)
}

// ConnectionClosed removes a connection's contribution. The last connection
// leaving takes the user offline and evicts their cached preference.
func (t *Tracker) ConnectionClosed(ctx context.Context, userID, connID string) {
	now := time.Now()
	t.mu.Lock()
	cs, ok := t.conns[connID]
	if !ok || cs.userID != userID {
		t.mu.Unlock()
		return
	}
	delete(t.conns, connID)
	if set, ok := t.byUser[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.byUser, userID)
		}
	}
	ch := t.recomputeLocked(userID, now)
	t.mu.Unlock()

	t.broadcast(ctx, userID, ch)
}

// HeartbeatActivity marks a connection active, possibly lifting it out of
// idle.
func (t *Tracker) HeartbeatActivity(userID, connID string) {
	now := time.Now()
	t.mu.Lock()
	cs, ok := t.conns[connID]
	if !ok || cs.userID != userID {
		t.mu.Unlock()
		return
	}
	cs.lastActive = now
	ch := t.recomputeLocked(userID, now)
	t.mu.Unlock()

	t.broadcast(context.Background(), userID, ch)
}

// SetPreference persists a new status preference, applies it to every live
// connection of the user and broadcasts the transition if their aggregate
// changed.
func (t *Tracker) SetPreference(ctx context.Context, userID string, status Status) error {
	if !ValidPreference(status) {
		return ErrInvalidStatus
	}

	if err := t.prefs.SavePresencePreference(ctx, userID, status); err != nil {
		return fmt.Errorf("failed to save presence preference: %w", err)
	}

	now := time.Now()
	t.mu.Lock()
	if _, online := t.byUser[userID]; online {
		t.prefCache[userID] = status
	}
	for _, cs := range t.byUser[userID] {
		cs.declared = status
		cs.lastActive = now
	}
	ch := t.recomputeLocked(userID, now)
	t.mu.Unlock()

	t.broadcast(ctx, userID, ch)
	return nil
}

// ViewFor returns userID's aggregate as seen by viewerID. Users see their
// own raw status, including invisible; everyone else sees the public
// projection.
func (t *Tracker) ViewFor(viewerID, userID string) Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.agg[userID]
	if !ok {
		return Aggregate{Status: StatusOffline, LastSeen: t.lastSeen[userID]}
	}
	if viewerID == userID {
		return Aggregate{Status: st.raw, LastSeen: st.lastSeen}
	}
	return Aggregate{Status: publicOf(st.raw), LastSeen: st.lastSeen}
}

type change struct {
	raw           Status
	public        Status
	lastSeen      time.Time
	publicChanged bool
	stillOnline   bool
}

// recomputeLocked refreshes a user's aggregate and reports what changed.
// Call with t.mu held.
func (t *Tracker) recomputeLocked(userID string, now time.Time) change {
	prev, had := t.agg[userID]
	if !had {
		prev = aggState{raw: StatusOffline}
	}

	raw, active := t.aggregateLocked(userID, now)
	if raw == StatusOffline {
		delete(t.agg, userID)
		delete(t.prefCache, userID)
		if had {
			t.lastSeen[userID] = now
		}
		active = t.lastSeen[userID]
	} else {
		t.agg[userID] = aggState{raw: raw, lastSeen: active}
	}

	return change{
		raw:           raw,
		public:        publicOf(raw),
		lastSeen:      active,
		publicChanged: publicOf(prev.raw) != publicOf(raw),
		stillOnline:   len(t.byUser[userID]) > 0,
	}
}

// aggregateLocked folds a user's connection statuses into one and returns
// the freshest activity time. An online connection with stale activity
// degrades to idle; other statuses are activity-independent. Call with t.mu
// held.
func (t *Tracker) aggregateLocked(userID string, now time.Time) (Status, time.Time) {
	set := t.byUser[userID]
	if len(set) == 0 {
		return StatusOffline, time.Time{}
	}

	agg := StatusOffline
	var latest time.Time
	for _, cs := range set {
		s := cs.declared
		if s == StatusOnline && now.Sub(cs.lastActive) > t.cfg.IdleAfter {
			s = StatusIdle
		}
		agg = maxStatus(agg, s)
		if cs.lastActive.After(latest) {
			latest = cs.lastActive
		}
	}
	return agg, latest
}

// broadcast emits a presence transition: the public view to the audience
// and the raw view to the user's own devices. A recompute that lands on the
// same public aggregate is silent.
func (t *Tracker) broadcast(ctx context.Context, userID string, ch change) {
	if !ch.publicChanged {
		return
	}

	var lastSeen *time.Time
	if ch.public == StatusOffline {
		ls := ch.lastSeen
		lastSeen = &ls
	}

	if ch.stillOnline {
		self := Update{UserID: userID, Status: ch.raw, LastSeen: lastSeen}
		if _, err := t.emitter.EmitToUsers([]string{userID}, gateway.EventPresenceUpdate, self); err != nil {
			t.logger.Error("failed to emit self presence update",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	audience, err := t.audienceFor(ctx, userID)
	if err != nil {
		t.logger.Error("failed to load presence audience",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	if len(audience) == 0 {
		return
	}

	update := Update{UserID: userID, Status: ch.public, LastSeen: lastSeen}
	if _, err := t.emitter.EmitToUsers(audience, gateway.EventPresenceUpdate, update); err != nil {
		t.logger.Error("failed to emit presence update",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	t.metrics.PresenceBroadcasts.Add(ctx, 1)
	t.logger.Debug("presence broadcast",
		zap.String("user_id", userID),
		zap.String("status", string(ch.public)),
		zap.Int("audience", len(audience)))
}

// audienceFor returns the cached audience when fresh and recomputes it
// otherwise. Presence transitions tolerate an audience a few seconds old;
// membership changes catch up when the entry expires.
func (t *Tracker) audienceFor(ctx context.Context, userID string) ([]string, error) {
	now := time.Now()

	t.mu.Lock()
	if e, ok := t.audCache[userID]; ok && now.Before(e.expiresAt) {
		ids := e.ids
		t.mu.Unlock()
		return ids, nil
	}
	t.mu.Unlock()

	ids, err := t.aud.AudienceUserIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.audCache[userID] = audienceEntry{ids: ids, expiresAt: now.Add(t.cfg.AudienceTTL)}
	t.mu.Unlock()
	return ids, nil
}

// InvalidateAudience drops a user's cached audience, forcing the next
// broadcast to recompute it. Membership changes call this.
func (t *Tracker) InvalidateAudience(userID string) {
	t.mu.Lock()
	delete(t.audCache, userID)
	t.mu.Unlock()
}

// SweepIdle re-aggregates every user with live connections against now and
// broadcasts idle transitions. Heartbeats drive most transitions; the sweep
// catches users whose connections went quiet without closing.
func (t *Tracker) SweepIdle(now time.Time) int {
	t.mu.Lock()
	userIDs := make([]string, 0, len(t.byUser))
	for userID := range t.byUser {
		userIDs = append(userIDs, userID)
	}
	changes := make(map[string]change, len(userIDs))
	for _, userID := range userIDs {
		ch := t.recomputeLocked(userID, now)
		if ch.publicChanged {
			changes[userID] = ch
		}
	}
	t.mu.Unlock()

	for userID, ch := range changes {
		t.broadcast(context.Background(), userID, ch)
	}
	return len(changes)
}

// StartIdleSweeper runs SweepIdle on a fixed interval until ctx ends.
func (t *Tracker) StartIdleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.SweepIdle(time.Now()); n > 0 {
					t.logger.Debug("idle sweep transitioned users", zap.Int("count", n))
				}
			}
		}
	}()
}
