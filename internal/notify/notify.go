// Package notify decides, per recipient of a resolved message, whether an
// alert should fire. Preferences layer channel over guild over a
// kind-dependent default, and an active mute at any layer silences the
// message outright.
package notify

import "time"

// Level is a notification preference level.
type Level int

const (
	// LevelAll alerts on every message.
	LevelAll Level = iota
	// LevelMentions alerts only when the recipient was mentioned.
	LevelMentions
	// LevelNothing never alerts.
	LevelNothing
)

// String implements fmt.Stringer for log output.
func (l Level) String() string {
	switch l {
	case LevelAll:
		return "all_messages"
	case LevelMentions:
		return "only_mentions"
	case LevelNothing:
		return "nothing"
	default:
		return "unknown"
	}
}

// Settings is one layer of notification preference. A nil Level inherits
// from the layer below it. MutedUntil bounds a mute in time; nil together
// with Muted means muted indefinitely.
type Settings struct {
	Muted      bool
	MutedUntil *time.Time
	Level      *Level
}

// muteActive reports whether this layer silences messages at instant now.
// An expired MutedUntil is treated as if the mute had been lifted.
func (s *Settings) muteActive(now time.Time) bool {
	if s == nil || !s.Muted {
		return false
	}
	return s.MutedUntil == nil || s.MutedUntil.After(now)
}

// Layered is one user's channel- and guild-layer settings. Either layer may
// be nil when the user never configured it.
type Layered struct {
	Channel *Settings
	Guild   *Settings
}

// Decision is the outcome for one recipient of one message.
type Decision struct {
	UserID    string `json:"user_id"`
	Notify    bool   `json:"notify"`
	Mentioned bool   `json:"mentioned"`
}

// Decide applies the layering rules for a single recipient: mutes first,
// then the most specific configured level, then the default (all messages
// for DMs, only mentions for guild channels).
func Decide(userID string, layered Layered, isDM, mentioned bool, now time.Time) Decision {
	d := Decision{UserID: userID, Mentioned: mentioned}

	if layered.Channel.muteActive(now) || layered.Guild.muteActive(now) {
		return d
	}

	level := LevelMentions
	if isDM {
		level = LevelAll
	}
	if layered.Guild != nil && layered.Guild.Level != nil {
		level = *layered.Guild.Level
	}
	if layered.Channel != nil && layered.Channel.Level != nil {
		level = *layered.Channel.Level
	}

	switch level {
	case LevelAll:
		d.Notify = true
	case LevelMentions:
		d.Notify = mentioned
	}
	return d
}
