package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/permissions"
)

// Channel retrieves a channel by ID. Returns nil without error when no such
// channel exists.
func (s *Store) Channel(ctx context.Context, channelID string) (*models.Channel, error) {
	query := `
		SELECT id, guild_id, kind, name
		FROM channels
		WHERE id = $1
	`

	ch := &models.Channel{}
	err := s.QueryRowContext(ctx, query, channelID).Scan(
		&ch.ID,
		&ch.GuildID,
		&ch.Kind,
		&ch.Name,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	return ch, nil
}

// DMRecipients lists the user IDs with membership in a DM or group DM
// channel.
func (s *Store) DMRecipients(ctx context.Context, channelID string) ([]string, error) {
	query := `
		SELECT user_id
		FROM channel_recipients
		WHERE channel_id = $1
	`

	rows, err := s.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel recipients: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan recipient row: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipient rows: %w", err)
	}

	return userIDs, nil
}

// ChannelOverwrites loads a channel's permission overwrites. Mask columns are
// stored as decimal strings; corrupt values parse to zero rather than
// widening access.
func (s *Store) ChannelOverwrites(ctx context.Context, channelID string) ([]permissions.Overwrite, error) {
	query := `
		SELECT target_kind, target_id, allow_mask, deny_mask
		FROM channel_overwrites
		WHERE channel_id = $1
	`

	rows, err := s.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel overwrites: %w", err)
	}
	defer rows.Close()

	var overwrites []permissions.Overwrite
	for rows.Next() {
		var (
			kind  string
			id    string
			allow string
			deny  string
		)
		if err := rows.Scan(&kind, &id, &allow, &deny); err != nil {
			return nil, fmt.Errorf("failed to scan overwrite row: %w", err)
		}
		overwrites = append(overwrites, permissions.Overwrite{
			TargetID: id,
			Target:   permissions.OverwriteTarget(kind),
			Allow:    permissions.ParseBits(allow),
			Deny:     permissions.ParseBits(deny),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate overwrite rows: %w", err)
	}

	return overwrites, nil
}
