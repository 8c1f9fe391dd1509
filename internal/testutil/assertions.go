package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/frolleks/edgewire/internal/notify"
)

// AssertDecisionFor finds the decision for a user and checks its flags.
func AssertDecisionFor(t *testing.T, decisions []notify.Decision, userID string, wantNotify, wantMentioned bool) {
	t.Helper()

	for _, d := range decisions {
		if d.UserID == userID {
			assert.Equal(t, wantNotify, d.Notify, "notify flag for %s", userID)
			assert.Equal(t, wantMentioned, d.Mentioned, "mentioned flag for %s", userID)
			return
		}
	}
	t.Errorf("no decision for user %s", userID)
}

// AssertDecisionUsers checks that the decisions cover exactly the given
// users, in any order.
func AssertDecisionUsers(t *testing.T, decisions []notify.Decision, userIDs ...string) {
	t.Helper()

	got := make([]string, len(decisions))
	for i, d := range decisions {
		got[i] = d.UserID
	}
	assert.ElementsMatch(t, userIDs, got)
}

// AssertTimeAlmostEqual checks if two times are within a specified delta.
// Useful for timestamp comparisons where exact equality isn't expected.
func AssertTimeAlmostEqual(t *testing.T, expected, actual time.Time, delta time.Duration) {
	t.Helper()

	diff := expected.Sub(actual)
	if diff < 0 {
		diff = -diff
	}

	assert.True(t,
		diff <= delta,
		"times should be within %v of each other. Expected: %v, Actual: %v, Diff: %v",
		delta, expected, actual, diff,
	)
}
