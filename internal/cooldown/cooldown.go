// Package cooldown holds the pure due/not-due predicates for every action kind.
//
// All predicates fail open: an absent or unparseable stored value means "due",
// so a corrupted field can never wedge an account permanently.
package cooldown

import (
	"time"
)

const (
	// LeaveCooldown is the cool-off after leaving a guild before any guild action.
	LeaveCooldown = 61 * time.Minute
	// ExpeditionCooldown is the minimum spacing between expeditions.
	ExpeditionCooldown = 12 * time.Hour
	// DailyBlessCap is the per-account number of blessings per calendar day.
	DailyBlessCap = 20
)

// Passed reports whether at least window has elapsed since stamp.
func Passed(stamp string, window time.Duration, now time.Time) bool {
	t, ok := ParseStamp(stamp)
	if !ok {
		return true
	}
	return now.Sub(t) >= window
}

func LeavePassed(lastLeave string, now time.Time) bool {
	return Passed(lastLeave, LeaveCooldown, now)
}

func ExpeditionPassed(lastExpedition string, now time.Time) bool {
	return Passed(lastExpedition, ExpeditionCooldown, now)
}

// BuildDue is true iff the stored build date is not today's local calendar date.
func BuildDue(lastBuildDate string, now time.Time) bool {
	t, ok := ParseStamp(lastBuildDate)
	if !ok {
		return true
	}
	return !sameDay(t, now)
}

// BlessTargetDue reports whether a target's own cooldown has elapsed.
// A non-positive cooldown means the target is always due.
func BlessTargetDue(last string, cooldownHours int, now time.Time) bool {
	if cooldownHours <= 0 {
		return true
	}
	return Passed(last, time.Duration(cooldownHours)*time.Hour, now)
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
