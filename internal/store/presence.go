package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frolleks/edgewire/internal/presence"
)

// PresencePreference loads a user's declared presence preference. Users who
// never set one default to online.
func (s *Store) PresencePreference(ctx context.Context, userID string) (presence.Status, error) {
	query := `
		SELECT status
		FROM presence_preferences
		WHERE user_id = $1
	`

	var status presence.Status
	err := s.QueryRowContext(ctx, query, userID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return presence.StatusOnline, nil
		}
		return "", fmt.Errorf("failed to get presence preference: %w", err)
	}

	return status, nil
}

// SavePresencePreference upserts a user's declared presence preference.
func (s *Store) SavePresencePreference(ctx context.Context, userID string, status presence.Status) error {
	query := `
		INSERT INTO presence_preferences (user_id, status)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
	`

	if _, err := s.ExecContext(ctx, query, userID, status); err != nil {
		return fmt.Errorf("failed to save presence preference: %w", err)
	}

	return nil
}

// AudienceUserIDs lists everyone who shares a guild or a DM channel with the
// user. The user themselves is excluded and duplicates collapse through the
// UNION.
func (s *Store) AudienceUserIDs(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT gm2.user_id
		FROM guild_members gm1
		JOIN guild_members gm2 ON gm2.guild_id = gm1.guild_id
		WHERE gm1.user_id = $1 AND gm2.user_id <> $1
		UNION
		SELECT cr2.user_id
		FROM channel_recipients cr1
		JOIN channel_recipients cr2 ON cr2.channel_id = cr1.channel_id
		WHERE cr1.user_id = $1 AND cr2.user_id <> $1
	`

	rows, err := s.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query presence audience: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan audience row: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audience rows: %w", err)
	}

	return userIDs, nil
}
