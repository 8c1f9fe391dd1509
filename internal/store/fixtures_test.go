package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The engine reads world state that an upstream writer maintains, so the
// store has no insert methods to seed through; tests write rows directly.

func mustExec(t *testing.T, s *Store, query string, args ...any) {
	t.Helper()
	_, err := s.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func seedUser(t *testing.T, s *Store, id string) {
	t.Helper()
	mustExec(t, s, `INSERT INTO users (id, username) VALUES ($1, $2)`, id, "user-"+id)
}

func seedGuild(t *testing.T, s *Store, id, ownerID string) {
	t.Helper()
	mustExec(t, s, `INSERT INTO guilds (id, name, owner_id) VALUES ($1, $2, $3)`, id, "guild-"+id, ownerID)
}

func seedRole(t *testing.T, s *Store, id, guildID, mask string, mentionable, isEveryone bool) {
	t.Helper()
	mustExec(t, s,
		`INSERT INTO roles (id, guild_id, name, permissions, mentionable, is_everyone) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, guildID, "role-"+id, mask, mentionable, isEveryone)
}

func seedMember(t *testing.T, s *Store, guildID, userID string, roleIDs ...string) {
	t.Helper()
	mustExec(t, s, `INSERT INTO guild_members (guild_id, user_id) VALUES ($1, $2)`, guildID, userID)
	for _, roleID := range roleIDs {
		mustExec(t, s, `INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1, $2, $3)`, guildID, userID, roleID)
	}
}

func seedChannel(t *testing.T, s *Store, id string, guildID *string, kind string) {
	t.Helper()
	mustExec(t, s, `INSERT INTO channels (id, guild_id, kind, name) VALUES ($1, $2, $3, $4)`, id, guildID, kind, "channel-"+id)
}

func seedRecipients(t *testing.T, s *Store, channelID string, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		mustExec(t, s, `INSERT INTO channel_recipients (channel_id, user_id) VALUES ($1, $2)`, channelID, userID)
	}
}

func seedOverwrite(t *testing.T, s *Store, channelID, targetKind, targetID, allow, deny string) {
	t.Helper()
	mustExec(t, s,
		`INSERT INTO channel_overwrites (channel_id, target_kind, target_id, allow_mask, deny_mask) VALUES ($1, $2, $3, $4, $5)`,
		channelID, targetKind, targetID, allow, deny)
}

func seedNotificationSetting(t *testing.T, s *Store, userID, scopeKind, scopeID string, level *int, muted bool, mutedUntil *time.Time) {
	t.Helper()
	mustExec(t, s,
		`INSERT INTO notification_settings (user_id, scope_kind, scope_id, level, muted, muted_until) VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, scopeKind, scopeID, level, muted, mutedUntil)
}

func strPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}
