package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/frolleks/edgewire/internal/notify"
)

// NotificationSettings batch-loads the channel- and guild-layer notification
// preferences for a set of users. Users with no configured rows simply have
// no entry in the result; callers treat that as full inheritance.
func (s *Store) NotificationSettings(ctx context.Context, userIDs []string, channelID string, guildID *string) (map[string]notify.Layered, error) {
	settings := make(map[string]notify.Layered, len(userIDs))
	if len(userIDs) == 0 {
		return settings, nil
	}

	// A NULL guild scope id matches nothing, so the guild arm drops out for
	// DM channels.
	query := `
		SELECT user_id, scope_kind, level, muted, muted_until
		FROM notification_settings
		WHERE user_id = ANY($1)
		  AND ((scope_kind = 'channel' AND scope_id = $2)
		    OR (scope_kind = 'guild' AND scope_id = $3))
	`

	rows, err := s.QueryContext(ctx, query, pq.Array(userIDs), channelID, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID     string
			scopeKind  string
			level      sql.NullInt64
			muted      bool
			mutedUntil sql.NullTime
		)
		if err := rows.Scan(&userID, &scopeKind, &level, &muted, &mutedUntil); err != nil {
			return nil, fmt.Errorf("failed to scan notification settings row: %w", err)
		}

		layer := &notify.Settings{Muted: muted}
		if level.Valid {
			l := notify.Level(level.Int64)
			layer.Level = &l
		}
		if mutedUntil.Valid {
			t := mutedUntil.Time
			layer.MutedUntil = &t
		}

		layered := settings[userID]
		switch scopeKind {
		case "guild":
			layered.Guild = layer
		case "channel":
			layered.Channel = layer
		}
		settings[userID] = layered
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification settings rows: %w", err)
	}

	return settings, nil
}
