package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frolleks/edgewire/internal/permissions"
)

// GuildRoles loads a guild's full role inventory: permission masks,
// mentionable flags and the everyone role.
func (s *Store) GuildRoles(ctx context.Context, guildID string) (*permissions.RoleTable, error) {
	query := `
		SELECT id, permissions, mentionable, is_everyone
		FROM roles
		WHERE guild_id = $1
	`

	rows, err := s.QueryContext(ctx, query, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query guild roles: %w", err)
	}
	defer rows.Close()

	table := &permissions.RoleTable{
		Masks:       make(map[string]permissions.Bits),
		Mentionable: make(map[string]bool),
	}

	for rows.Next() {
		var (
			id          string
			mask        string
			mentionable bool
			isEveryone  bool
		)
		if err := rows.Scan(&id, &mask, &mentionable, &isEveryone); err != nil {
			return nil, fmt.Errorf("failed to scan role row: %w", err)
		}
		table.Masks[id] = permissions.ParseBits(mask)
		table.Mentionable[id] = mentionable
		if isEveryone {
			table.EveryoneRoleID = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate role rows: %w", err)
	}

	return table, nil
}

// GuildMembers lists every member of a guild with their role assignments and
// owner flag.
func (s *Store) GuildMembers(ctx context.Context, guildID string) ([]permissions.Member, error) {
	query := `
		SELECT gm.user_id, gm.user_id = g.owner_id AS is_owner
		FROM guild_members gm
		JOIN guilds g ON g.id = gm.guild_id
		WHERE gm.guild_id = $1
	`

	rows, err := s.QueryContext(ctx, query, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query guild members: %w", err)
	}
	defer rows.Close()

	var members []permissions.Member
	index := make(map[string]int)

	for rows.Next() {
		var m permissions.Member
		if err := rows.Scan(&m.UserID, &m.IsOwner); err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		index[m.UserID] = len(members)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate member rows: %w", err)
	}

	roleQuery := `
		SELECT user_id, role_id
		FROM member_roles
		WHERE guild_id = $1
	`

	roleRows, err := s.QueryContext(ctx, roleQuery, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query member roles: %w", err)
	}
	defer roleRows.Close()

	for roleRows.Next() {
		var userID, roleID string
		if err := roleRows.Scan(&userID, &roleID); err != nil {
			return nil, fmt.Errorf("failed to scan member role row: %w", err)
		}
		if i, ok := index[userID]; ok {
			members[i].RoleIDs = append(members[i].RoleIDs, roleID)
		}
	}
	if err := roleRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate member role rows: %w", err)
	}

	return members, nil
}

// GuildPermissionContext builds the guild-level permission view for one user.
// Returns nil without error when the user is not a member of the guild.
func (s *Store) GuildPermissionContext(ctx context.Context, userID, guildID string) (*permissions.GuildContext, error) {
	query := `
		SELECT gm.user_id = g.owner_id AS is_owner
		FROM guild_members gm
		JOIN guilds g ON g.id = gm.guild_id
		WHERE gm.guild_id = $1 AND gm.user_id = $2
	`

	var isOwner bool
	err := s.QueryRowContext(ctx, query, guildID, userID).Scan(&isOwner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query guild membership: %w", err)
	}

	roleQuery := `
		SELECT role_id
		FROM member_roles
		WHERE guild_id = $1 AND user_id = $2
	`

	rows, err := s.QueryContext(ctx, roleQuery, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query member roles: %w", err)
	}
	defer rows.Close()

	var roleIDs []string
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("failed to scan member role row: %w", err)
		}
		roleIDs = append(roleIDs, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate member role rows: %w", err)
	}

	table, err := s.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, err
	}

	gc := table.ContextFor(guildID, permissions.Member{
		UserID:  userID,
		IsOwner: isOwner,
		RoleIDs: roleIDs,
	})
	return &gc, nil
}
