// Package permissions implements the guild authorization model: a uint64
// bitmask per subject, computed from the guild's role grants and then
// adjusted by per-channel overwrites.
package permissions

import "strconv"

// Bits is a set of permission flags packed into a single uint64.
type Bits uint64

const (
	CreateInvite Bits = 1 << iota
	KickMembers
	BanMembers
	Administrator
	ManageChannels
	ManageGuild
	AddReactions
	ViewAuditLog
	PrioritySpeaker
	Stream
	ViewChannel
	SendMessages
	SendTTSMessages
	ManageMessages
	EmbedLinks
	AttachFiles
	ReadMessageHistory
	MentionEveryone
	UseExternalEmojis
	ViewGuildInsights
	Connect
	Speak
	MuteMembers
	DeafenMembers
	MoveMembers
	UseVoiceActivity
	ChangeNickname
	ManageNicknames
	ManageRoles
	ManageWebhooks
	ManageEmojis
)

// All is the union of every defined permission bit.
const All = ManageEmojis<<1 - 1

// Has reports whether every bit of flag is set in b.
func (b Bits) Has(flag Bits) bool {
	return b&flag == flag
}

// String renders the mask in the decimal form it is stored in.
func (b Bits) String() string {
	return strconv.FormatUint(uint64(b), 10)
}

// ParseBits converts a stored decimal mask into Bits. Corrupt rows must
// never widen access, so anything unparseable comes back as zero.
func ParseBits(s string) Bits {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return Bits(v)
}
