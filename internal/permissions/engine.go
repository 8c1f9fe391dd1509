package permissions

// OverwriteTarget distinguishes the two kinds of channel overwrite subject.
type OverwriteTarget string

const (
	OverwriteRole   OverwriteTarget = "role"
	OverwriteMember OverwriteTarget = "member"
)

// Overwrite is a single channel-level permission adjustment. Deny is applied
// before Allow, so an ID present in both masks ends up allowed.
type Overwrite struct {
	TargetID string
	Target   OverwriteTarget
	Allow    Bits
	Deny     Bits
}

// RoleTable is a guild's role inventory keyed by role ID.
type RoleTable struct {
	EveryoneRoleID string
	Masks          map[string]Bits
	Mentionable    map[string]bool
}

// Member is one guild membership row: the roles a user holds plus the owner
// flag, which short-circuits every other check.
type Member struct {
	UserID  string
	IsOwner bool
	RoleIDs []string
}

// GuildContext is the precomputed per-user view of a guild that channel-level
// checks run against. Base already folds the everyone role and the member's
// role masks.
type GuildContext struct {
	GuildID        string
	UserID         string
	IsOwner        bool
	EveryoneRoleID string
	RoleIDs        []string
	Base           Bits
}

// BasePermissions folds a member's role grants into a single guild-level
// mask. The owner always holds everything, and Administrator anywhere in the
// fold escalates to everything.
func BasePermissions(isOwner bool, everyone Bits, roles []Bits) Bits {
	if isOwner {
		return All
	}
	perms := everyone
	for _, r := range roles {
		perms |= r
	}
	if perms.Has(Administrator) {
		return All
	}
	return perms
}

// ContextFor builds the GuildContext for one member of the guild described
// by rt.
func (rt *RoleTable) ContextFor(guildID string, m Member) GuildContext {
	masks := make([]Bits, 0, len(m.RoleIDs))
	for _, id := range m.RoleIDs {
		if mask, ok := rt.Masks[id]; ok {
			masks = append(masks, mask)
		}
	}
	return GuildContext{
		GuildID:        guildID,
		UserID:         m.UserID,
		IsOwner:        m.IsOwner,
		EveryoneRoleID: rt.EveryoneRoleID,
		RoleIDs:        m.RoleIDs,
		Base:           BasePermissions(m.IsOwner, rt.Masks[rt.EveryoneRoleID], masks),
	}
}

// ChannelPermissions applies a channel's overwrites to a member's base mask.
// Owners and administrators bypass overwrites entirely. Application order is
// fixed: the everyone-role overwrite, then all overwrites for roles the
// member holds merged into one allow/deny pair, then the member-specific
// overwrite. The role merge is a union on both sides, so storage order of
// role overwrites cannot change the result.
func ChannelPermissions(ctx GuildContext, overwrites []Overwrite) Bits {
	if ctx.IsOwner || ctx.Base.Has(Administrator) {
		return All
	}

	held := make(map[string]bool, len(ctx.RoleIDs))
	for _, id := range ctx.RoleIDs {
		held[id] = true
	}

	var everyone, member *Overwrite
	var roleAllow, roleDeny Bits
	for i := range overwrites {
		ow := &overwrites[i]
		switch ow.Target {
		case OverwriteRole:
			if ow.TargetID == ctx.EveryoneRoleID {
				everyone = ow
			} else if held[ow.TargetID] {
				roleAllow |= ow.Allow
				roleDeny |= ow.Deny
			}
		case OverwriteMember:
			if ow.TargetID == ctx.UserID {
				member = ow
			}
		}
	}

	perms := ctx.Base
	if everyone != nil {
		perms = (perms &^ everyone.Deny) | everyone.Allow
	}
	perms = (perms &^ roleDeny) | roleAllow
	if member != nil {
		perms = (perms &^ member.Deny) | member.Allow
	}
	return perms
}
