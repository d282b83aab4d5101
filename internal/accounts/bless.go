package accounts

import (
	"slices"
	"strings"
	"time"

	"guildbot/internal/cooldown"
)

// BlessConfig is the per-device bless document.
type BlessConfig struct {
	CooldownHours int           `json:"cooldown_hours"`
	PerRun        int           `json:"per_run"`
	Items         []BlessTarget `json:"items"`
}

// BlessTarget is one entity to bless. Blessed maps a yyyymmdd date to the
// identities that blessed the target on that day.
type BlessTarget struct {
	Name    string              `json:"name"`
	Last    string              `json:"last"`
	Blessed map[string][]string `json:"blessed"`
}

// BlessedOn reports whether identity already blessed t on date.
func (t BlessTarget) BlessedOn(date, identity string) bool {
	for _, id := range t.Blessed[date] {
		if sameIdentity(id, identity) {
			return true
		}
	}
	return false
}

// Normalize clamps negative knobs, drops unnamed targets and merges targets
// whose names differ only by case (first spelling wins).
func (c *BlessConfig) Normalize() {
	c.CooldownHours = max(c.CooldownHours, 0)
	c.PerRun = max(c.PerRun, 0)

	out := make([]BlessTarget, 0, len(c.Items))
	index := map[string]int{}
	for _, t := range c.Items {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			continue
		}
		key := strings.ToLower(t.Name)
		i, dup := index[key]
		if !dup {
			if t.Blessed == nil {
				t.Blessed = map[string][]string{}
			}
			index[key] = len(out)
			out = append(out, t)
			continue
		}
		merged := &out[i]
		if laterStamp(t.Last, merged.Last) {
			merged.Last = t.Last
		}
		for date, ids := range t.Blessed {
			for _, id := range ids {
				if !merged.BlessedOn(date, id) {
					merged.Blessed[date] = append(merged.Blessed[date], id)
				}
			}
		}
	}
	c.Items = out
}

func laterStamp(a, b string) bool {
	ta, okA := cooldown.ParseStamp(a)
	tb, okB := cooldown.ParseStamp(b)
	switch {
	case !okA:
		return false
	case !okB:
		return true
	default:
		return ta.After(tb)
	}
}

// Target finds a target by case-insensitive name.
func (c *BlessConfig) Target(name string) *BlessTarget {
	for i := range c.Items {
		if strings.EqualFold(c.Items[i].Name, strings.TrimSpace(name)) {
			return &c.Items[i]
		}
	}
	return nil
}

// Prune drops blessed history for every day but today. It reports whether
// anything was removed.
func (c *BlessConfig) Prune(today string) bool {
	changed := false
	for i := range c.Items {
		for date := range c.Items[i].Blessed {
			if date != today {
				delete(c.Items[i].Blessed, date)
				changed = true
			}
		}
	}
	return changed
}

// MarkBlessed records that identity blessed name at now and bumps the
// target's hour stamp. Unknown targets are ignored.
func (c *BlessConfig) MarkBlessed(name, identity string, now time.Time) bool {
	t := c.Target(name)
	if t == nil {
		return false
	}
	today := cooldown.Date(now)
	if t.Blessed == nil {
		t.Blessed = map[string][]string{}
	}
	if !t.BlessedOn(today, identity) {
		t.Blessed[today] = append(t.Blessed[today], identity)
	}
	t.Last = cooldown.Hour(now)
	return true
}

// Names lists target names in document order.
func (c BlessConfig) Names() []string {
	out := make([]string, 0, len(c.Items))
	for _, t := range c.Items {
		out = append(out, t.Name)
	}
	return slices.Clip(out)
}
