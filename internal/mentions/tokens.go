// Package mentions parses message content into mention sets, applies the
// caller's allowed-mentions filter and resolves the set of users a message
// actually reaches.
package mentions

import "regexp"

var (
	userMentionRe = regexp.MustCompile(`<@!?(\d+)>`)
	roleMentionRe = regexp.MustCompile(`<@&(\d+)>`)
	channelRefRe  = regexp.MustCompile(`<#(\d+)>`)
	everyoneRe    = regexp.MustCompile(`@(everyone|here)\b`)
)

// Parse classes accepted in AllowedMentions.Parse.
const (
	ParseUsers    = "users"
	ParseRoles    = "roles"
	ParseEveryone = "everyone"
)

// Tokens is the raw parse of a message's mention grammar, before any
// allowed-mentions filtering or permission gating.
type Tokens struct {
	UserIDs    []string
	RoleIDs    []string
	ChannelIDs []string
	Everyone   bool
	Here       bool
}

// AllowedMentions narrows which parsed mentions may take effect. A nil value
// means no restriction. Parse lists whole classes; the Users/Roles ID lists
// override the class entry for their type when present. Filtering can only
// suppress what was parsed, never add to it.
type AllowedMentions struct {
	Parse []string `json:"parse"`
	Users []string `json:"users,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Extract parses content by the mention token grammar. IDs are deduplicated
// in first-seen order. @everyone and @here count only outside user, role and
// channel tokens, and only with a word boundary on the right, so
// "@everyonex" is plain text.
func Extract(content string) Tokens {
	t := Tokens{
		UserIDs:    idsFrom(userMentionRe, content),
		RoleIDs:    idsFrom(roleMentionRe, content),
		ChannelIDs: idsFrom(channelRefRe, content),
	}

	stripped := userMentionRe.ReplaceAllString(content, " ")
	stripped = roleMentionRe.ReplaceAllString(stripped, " ")
	stripped = channelRefRe.ReplaceAllString(stripped, " ")
	for _, m := range everyoneRe.FindAllStringSubmatch(stripped, -1) {
		switch m[1] {
		case "everyone":
			t.Everyone = true
		case "here":
			t.Here = true
		}
	}
	return t
}

// Filter applies an allowed-mentions request to the parsed tokens. Channel
// references are plain links and pass through untouched.
func (t Tokens) Filter(allowed *AllowedMentions) Tokens {
	if allowed == nil {
		return t
	}

	classes := make(map[string]bool, len(allowed.Parse))
	for _, c := range allowed.Parse {
		classes[c] = true
	}

	out := Tokens{ChannelIDs: t.ChannelIDs}
	switch {
	case len(allowed.Users) > 0:
		out.UserIDs = intersect(t.UserIDs, allowed.Users)
	case classes[ParseUsers]:
		out.UserIDs = t.UserIDs
	}
	switch {
	case len(allowed.Roles) > 0:
		out.RoleIDs = intersect(t.RoleIDs, allowed.Roles)
	case classes[ParseRoles]:
		out.RoleIDs = t.RoleIDs
	}
	if classes[ParseEveryone] {
		out.Everyone = t.Everyone
		out.Here = t.Here
	}
	return out
}

func idsFrom(re *regexp.Regexp, content string) []string {
	matches := re.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

func intersect(parsed, allowlist []string) []string {
	if len(parsed) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(allowlist))
	for _, id := range allowlist {
		allowed[id] = true
	}
	var out []string
	for _, id := range parsed {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out
}
