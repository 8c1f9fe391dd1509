package models

// ChannelKind discriminates guild channels from direct-message channels.
type ChannelKind string

const (
	ChannelText    ChannelKind = "text"
	ChannelDM      ChannelKind = "dm"
	ChannelGroupDM ChannelKind = "group_dm"
)

// Channel is a message channel. GuildID is nil for DM and group DM channels.
type Channel struct {
	ID      string      `json:"id" db:"id"`
	GuildID *string     `json:"guild_id,omitempty" db:"guild_id"`
	Kind    ChannelKind `json:"kind" db:"kind"`
	Name    *string     `json:"name,omitempty" db:"name"`
}

// IsDM reports whether the channel lives outside any guild.
func (c *Channel) IsDM() bool {
	return c.Kind == ChannelDM || c.Kind == ChannelGroupDM
}
