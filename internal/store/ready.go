package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frolleks/edgewire/internal/models"
)

// ErrUserNotFound is returned when a ready snapshot is requested for a user
// that does not exist.
var ErrUserNotFound = errors.New("user not found")

// BuildReady assembles the state snapshot dispatched after a successful
// handshake: the user profile and their DM channels. The session ID is the
// gateway's to fill in.
func (s *Store) BuildReady(ctx context.Context, userID string) (*models.ReadyPayload, error) {
	query := `
		SELECT id, username, avatar, bot, created_at
		FROM users
		WHERE id = $1
	`

	var user models.User
	err := s.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&user.Avatar,
		&user.Bot,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	channelQuery := `
		SELECT c.id, c.guild_id, c.kind, c.name
		FROM channels c
		JOIN channel_recipients cr ON cr.channel_id = c.id
		WHERE cr.user_id = $1 AND c.kind IN ('dm', 'group_dm')
		ORDER BY c.created_at
	`

	rows, err := s.QueryContext(ctx, channelQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dm channels: %w", err)
	}
	defer rows.Close()

	// Marshals as an empty array rather than null when the user has no DMs.
	channels := []models.Channel{}
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.GuildID, &ch.Kind, &ch.Name); err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel rows: %w", err)
	}

	return &models.ReadyPayload{
		User:       user,
		DMChannels: channels,
	}, nil
}
