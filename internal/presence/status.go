package presence

import "time"

// Status is a user's visible availability.
type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// ValidPreference reports whether s can be chosen as a persisted preference.
// Idle arises only from inactivity and offline only from having no
// connections; neither is a choice.
func ValidPreference(s Status) bool {
	switch s {
	case StatusOnline, StatusDND, StatusInvisible:
		return true
	}
	return false
}

// rank orders statuses for aggregation across a user's connections. The
// busiest signal wins: a dnd desktop beats an idle phone.
func (s Status) rank() int {
	switch s {
	case StatusDND:
		return 4
	case StatusOnline:
		return 3
	case StatusIdle:
		return 2
	case StatusInvisible:
		return 1
	default:
		return 0
	}
}

func maxStatus(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// publicOf projects a status for everyone except the user: invisible
// presents as offline.
func publicOf(s Status) Status {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}

// Aggregate is one user's folded presence as a viewer sees it.
type Aggregate struct {
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Update is the PRESENCE_UPDATE dispatch payload. LastSeen is set when the
// update reports the user going offline.
type Update struct {
	UserID   string     `json:"user_id"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
