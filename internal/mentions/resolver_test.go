package mentions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/frolleks/edgewire/internal/models"
	"github.com/frolleks/edgewire/internal/permissions"
)

type fakeDirectory struct {
	channels   map[string]*models.Channel
	dmMembers  map[string][]string
	roles      map[string]*permissions.RoleTable
	members    map[string][]permissions.Member
	overwrites map[string][]permissions.Overwrite
	err        error
}

func (f *fakeDirectory) Channel(_ context.Context, id string) (*models.Channel, error) {
	return f.channels[id], f.err
}

func (f *fakeDirectory) DMRecipients(_ context.Context, id string) ([]string, error) {
	return f.dmMembers[id], f.err
}

func (f *fakeDirectory) GuildRoles(_ context.Context, id string) (*permissions.RoleTable, error) {
	return f.roles[id], f.err
}

func (f *fakeDirectory) GuildMembers(_ context.Context, id string) ([]permissions.Member, error) {
	return f.members[id], f.err
}

func (f *fakeDirectory) ChannelOverwrites(_ context.Context, id string) ([]permissions.Overwrite, error) {
	return f.overwrites[id], f.err
}

func strPtr(s string) *string { return &s }

// guildFixture builds one guild with a text channel and four members:
//
//	"1" the author (role set varies by test)
//	"2" a plain member
//	"3" holds the mentionable announcers role 601
//	"4" denied ViewChannel by a member overwrite
//	"5" holds the non-mentionable moderators role 600
func guildFixture(authorRoles ...string) *fakeDirectory {
	return &fakeDirectory{
		channels: map[string]*models.Channel{
			"900": {ID: "900", GuildID: strPtr("500"), Kind: models.ChannelText},
		},
		roles: map[string]*permissions.RoleTable{
			"500": {
				EveryoneRoleID: "500",
				Masks: map[string]permissions.Bits{
					"500": permissions.ViewChannel | permissions.SendMessages,
					"600": permissions.MentionEveryone,
					"601": 0,
				},
				Mentionable: map[string]bool{"601": true},
			},
		},
		members: map[string][]permissions.Member{
			"500": {
				{UserID: "1", RoleIDs: authorRoles},
				{UserID: "2"},
				{UserID: "3", RoleIDs: []string{"601"}},
				{UserID: "4"},
				{UserID: "5", RoleIDs: []string{"600"}},
			},
		},
		overwrites: map[string][]permissions.Overwrite{
			"900": {
				{Target: permissions.OverwriteMember, TargetID: "4", Deny: permissions.ViewChannel},
			},
		},
	}
}

func recipientByID(t *testing.T, res *Resolution, id string) Recipient {
	t.Helper()
	for _, rec := range res.Recipients {
		if rec.UserID == id {
			return rec
		}
	}
	t.Fatalf("recipient %s not in resolution", id)
	return Recipient{}
}

func TestResolver_Resolve_DM(t *testing.T) {
	dir := &fakeDirectory{
		channels: map[string]*models.Channel{
			"800": {ID: "800", Kind: models.ChannelDM},
		},
		dmMembers: map[string][]string{
			"800": {"1", "2"},
		},
	}
	r := NewResolver(dir, zap.NewNop())

	t.Run("direct mention of the partner", func(t *testing.T) {
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "800", AuthorID: "1", Content: "hey <@2>",
		})
		require.NoError(t, err)
		require.Len(t, res.Recipients, 1, "author is never a recipient")
		rec := res.Recipients[0]
		assert.Equal(t, "2", rec.UserID)
		assert.True(t, rec.Mentioned)
		assert.True(t, rec.Direct)
	})

	t.Run("mention of a non-member does not count", func(t *testing.T) {
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "800", AuthorID: "1", Content: "hey <@42>",
		})
		require.NoError(t, err)
		require.Len(t, res.Recipients, 1)
		assert.False(t, res.Recipients[0].Mentioned)
	})

	t.Run("everyone reaches the whole membership", func(t *testing.T) {
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "800", AuthorID: "2", Content: "@everyone",
		})
		require.NoError(t, err)
		assert.True(t, res.EveryoneEffective)
		require.Len(t, res.Recipients, 1)
		assert.Equal(t, "1", res.Recipients[0].UserID)
		assert.True(t, res.Recipients[0].ByEveryone)
	})
}

func TestResolver_Resolve_GuildAudience(t *testing.T) {
	r := NewResolver(guildFixture(), zap.NewNop())

	res, err := r.Resolve(context.Background(), ResolveRequest{
		ChannelID: "900", AuthorID: "1", Content: "morning",
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"2", "3", "5"}, res.RecipientIDs(),
		"author excluded, member without ViewChannel excluded")
	for _, rec := range res.Recipients {
		assert.False(t, rec.Mentioned)
	}
}

func TestResolver_Resolve_EveryoneGating(t *testing.T) {
	t.Run("without MentionEveryone the token is cosmetic", func(t *testing.T) {
		r := NewResolver(guildFixture(), zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "900", AuthorID: "1", Content: "@everyone hello",
		})
		require.NoError(t, err)

		assert.True(t, res.Tokens.Everyone, "the parse still records the token")
		assert.False(t, res.EveryoneEffective)
		for _, rec := range res.Recipients {
			assert.False(t, rec.Mentioned, "user %s should not be mentioned", rec.UserID)
		}
	})

	t.Run("with MentionEveryone the whole audience is marked", func(t *testing.T) {
		r := NewResolver(guildFixture("600"), zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "900", AuthorID: "1", Content: "@everyone hello",
		})
		require.NoError(t, err)

		assert.True(t, res.EveryoneEffective)
		require.NotEmpty(t, res.Recipients)
		for _, rec := range res.Recipients {
			assert.True(t, rec.ByEveryone)
			assert.True(t, rec.Mentioned)
		}
	})
}

func TestResolver_Resolve_RoleMentions(t *testing.T) {
	t.Run("mentionable role pings its holders in the audience", func(t *testing.T) {
		r := NewResolver(guildFixture(), zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "900", AuthorID: "1", Content: "ping <@&601>",
		})
		require.NoError(t, err)

		assert.True(t, recipientByID(t, res, "3").ByRole)
		assert.True(t, recipientByID(t, res, "3").Mentioned)
		assert.False(t, recipientByID(t, res, "2").Mentioned)
	})

	t.Run("non-mentionable role needs MentionEveryone", func(t *testing.T) {
		r := NewResolver(guildFixture(), zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "900", AuthorID: "1", Content: "ping <@&600>",
		})
		require.NoError(t, err)
		for _, rec := range res.Recipients {
			assert.False(t, rec.ByRole)
		}

		forced := NewResolver(guildFixture("600"), zap.NewNop())
		res, err = forced.Resolve(context.Background(), ResolveRequest{
			ChannelID: "900", AuthorID: "1", Content: "ping <@&600>",
		})
		require.NoError(t, err)
		assert.True(t, recipientByID(t, res, "5").ByRole,
			"the author can force-mention the non-mentionable role")
		assert.False(t, recipientByID(t, res, "2").ByRole)
	})

	t.Run("unknown role is inert", func(t *testing.T) {
		r := NewResolver(guildFixture("600"), zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveRequest{
			ChannelID: "900", AuthorID: "1", Content: "ping <@&999>",
		})
		require.NoError(t, err)
		for _, rec := range res.Recipients {
			assert.False(t, rec.ByRole)
		}
	})
}

func TestResolver_Resolve_DirectMentionOutsideAudience(t *testing.T) {
	r := NewResolver(guildFixture(), zap.NewNop())

	// user 4 cannot see the channel, so mentioning them yields nothing
	res, err := r.Resolve(context.Background(), ResolveRequest{
		ChannelID: "900", AuthorID: "1", Content: "<@4> look here",
	})
	require.NoError(t, err)
	assert.NotContains(t, res.RecipientIDs(), "4")
}

func TestResolver_Resolve_AllowedMentionsSuppress(t *testing.T) {
	r := NewResolver(guildFixture("600"), zap.NewNop())

	res, err := r.Resolve(context.Background(), ResolveRequest{
		ChannelID: "900",
		AuthorID:  "1",
		Content:   "@everyone <@2>",
		Allowed:   &AllowedMentions{},
	})
	require.NoError(t, err)

	assert.False(t, res.EveryoneEffective)
	for _, rec := range res.Recipients {
		assert.False(t, rec.Mentioned)
	}
}

func TestResolver_Resolve_Errors(t *testing.T) {
	t.Run("unknown channel", func(t *testing.T) {
		r := NewResolver(&fakeDirectory{}, zap.NewNop())
		_, err := r.Resolve(context.Background(), ResolveRequest{ChannelID: "nope", AuthorID: "1"})
		assert.ErrorIs(t, err, ErrChannelNotFound)
	})

	t.Run("storage failure is wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewResolver(&fakeDirectory{err: boom}, zap.NewNop())
		_, err := r.Resolve(context.Background(), ResolveRequest{ChannelID: "900", AuthorID: "1"})
		assert.ErrorIs(t, err, boom)
	})
}
