package mentions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/permissions"
)

// ErrChannelNotFound is returned when the target channel does not exist.
var ErrChannelNotFound = errors.New("channel not found")

// Directory is the storage surface the resolver reads from. Implementations
// return whole-guild data in a bounded number of queries; the resolver never
// asks per member.
type Directory interface {
	Channel(ctx context.Context, channelID string) (*models.Channel, error)
	DMRecipients(ctx context.Context, channelID string) ([]string, error)
	GuildRoles(ctx context.Context, guildID string) (*permissions.RoleTable, error)
	GuildMembers(ctx context.Context, guildID string) ([]permissions.Member, error)
	ChannelOverwrites(ctx context.Context, channelID string) ([]permissions.Overwrite, error)
}

// ResolveRequest describes one message to resolve.
type ResolveRequest struct {
	ChannelID string
	AuthorID  string
	Content   string
	Allowed   *AllowedMentions
}

// Recipient is one user the message reaches, with the reason flags the
// notification layer consumes. Mentioned is the union of the reason flags.
type Recipient struct {
	UserID     string `json:"user_id"`
	Mentioned  bool   `json:"mentioned"`
	Direct     bool   `json:"direct"`
	ByRole     bool   `json:"by_role"`
	ByEveryone bool   `json:"by_everyone"`
}

// Resolution is the outcome of resolving one message: the filtered token
// parse, the channel it resolved against, whether an everyone-style mention
// actually took effect, and the audience with per-user mention flags. The
// author is never a recipient.
type Resolution struct {
	Tokens            Tokens
	Channel           *models.Channel
	EveryoneEffective bool
	Recipients        []Recipient
}

// RecipientIDs returns the audience as a plain ID list, in recipient order.
func (r *Resolution) RecipientIDs() []string {
	ids := make([]string, len(r.Recipients))
	for i, rec := range r.Recipients {
		ids[i] = rec.UserID
	}
	return ids
}

// Resolver computes message audiences and effective mentions.
type Resolver struct {
	dir    Directory
	logger *zap.Logger
}

// NewResolver creates a resolver reading from dir.
func NewResolver(dir Directory, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// Resolve parses the message content, applies the allowed-mentions filter
// and computes the audience for the target channel.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	tokens := Extract(req.Content).Filter(req.Allowed)

	ch, err := r.dir.Channel(ctx, req.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel %s: %w", req.ChannelID, err)
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}

	if ch.IsDM() {
		return r.resolveDM(ctx, ch, req.AuthorID, tokens)
	}
	return r.resolveGuild(ctx, ch, req.AuthorID, tokens)
}

// resolveDM treats the fixed channel membership as the audience. DM channels
// have no permission system, so @everyone and @here reach the whole
// membership and only mentions of members count.
func (r *Resolver) resolveDM(ctx context.Context, ch *models.Channel, authorID string, tokens Tokens) (*Resolution, error) {
	memberIDs, err := r.dir.DMRecipients(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dm recipients for channel %s: %w", ch.ID, err)
	}

	direct := make(map[string]bool, len(tokens.UserIDs))
	for _, id := range tokens.UserIDs {
		direct[id] = true
	}
	everyone := tokens.Everyone || tokens.Here

	res := &Resolution{Tokens: tokens, Channel: ch, EveryoneEffective: everyone}
	for _, id := range memberIDs {
		if id == authorID {
			continue
		}
		rec := Recipient{UserID: id, Direct: direct[id], ByEveryone: everyone}
		rec.Mentioned = rec.Direct || rec.ByEveryone
		res.Recipients = append(res.Recipients, rec)
	}
	return res, nil
}

// resolveGuild computes the audience as every member holding ViewChannel on
// the channel. The guild is loaded once (roles, members, overwrites) and the
// per-member mask math runs in memory.
func (r *Resolver) resolveGuild(ctx context.Context, ch *models.Channel, authorID string, tokens Tokens) (*Resolution, error) {
	if ch.GuildID == nil {
		return nil, fmt.Errorf("channel %s has kind %s but no guild", ch.ID, ch.Kind)
	}
	guildID := *ch.GuildID

	roles, err := r.dir.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles for guild %s: %w", guildID, err)
	}
	members, err := r.dir.GuildMembers(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members for guild %s: %w", guildID, err)
	}
	overwrites, err := r.dir.ChannelOverwrites(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load overwrites for channel %s: %w", ch.ID, err)
	}

	// Without MentionEveryone the everyone/here tokens are cosmetic text,
	// and non-mentionable roles cannot be pinged.
	canForce := false
	for _, m := range members {
		if m.UserID != authorID {
			continue
		}
		authorCtx := roles.ContextFor(guildID, m)
		canForce = permissions.ChannelPermissions(authorCtx, overwrites).Has(permissions.MentionEveryone)
		break
	}

	everyone := (tokens.Everyone || tokens.Here) && canForce

	effectiveRoles := make(map[string]bool, len(tokens.RoleIDs))
	for _, roleID := range tokens.RoleIDs {
		if _, known := roles.Masks[roleID]; !known {
			continue
		}
		if canForce || roles.Mentionable[roleID] {
			effectiveRoles[roleID] = true
		}
	}

	direct := make(map[string]bool, len(tokens.UserIDs))
	for _, id := range tokens.UserIDs {
		direct[id] = true
	}

	res := &Resolution{Tokens: tokens, Channel: ch, EveryoneEffective: everyone}
	for _, m := range members {
		if m.UserID == authorID {
			continue
		}
		mctx := roles.ContextFor(guildID, m)
		if !permissions.ChannelPermissions(mctx, overwrites).Has(permissions.ViewChannel) {
			continue
		}
		rec := Recipient{UserID: m.UserID, Direct: direct[m.UserID], ByEveryone: everyone}
		for _, roleID := range m.RoleIDs {
			if effectiveRoles[roleID] {
				rec.ByRole = true
				break
			}
		}
		rec.Mentioned = rec.Direct || rec.ByRole || rec.ByEveryone
		res.Recipients = append(res.Recipients, rec)
	}

	r.logger.Debug("resolved message audience",
		zap.String("channel_id", ch.ID),
		zap.String("guild_id", guildID),
		zap.Int("audience", len(res.Recipients)),
		zap.Bool("everyone", res.EveryoneEffective),
	)
	return res, nil
}
