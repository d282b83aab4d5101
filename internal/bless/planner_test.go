package bless

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"guildbot/internal/accounts"
)

const today = "20250310"

func candidates(ids ...string) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, Candidate{Identity: id, Remaining: 5})
	}
	return out
}

func TestAssignFillsPerRunInOrder(t *testing.T) {
	t.Parallel()

	in := Input{
		Targets:    []accounts.BlessTarget{{Name: "A"}},
		Candidates: candidates("a1", "a2", "a3"),
		PerRun:     2,
		Today:      today,
	}
	assert.Equal(t, Plan{"a1": {"A"}, "a2": {"A"}}, Assign(in))

	in.Targets[0].Blessed = map[string][]string{today: {"a1"}}
	assert.Equal(t, Plan{"a2": {"A"}, "a3": {"A"}}, Assign(in))
}

func TestAssignBusyPreference(t *testing.T) {
	t.Parallel()

	in := Input{
		Targets:    []accounts.BlessTarget{{Name: "A"}},
		Candidates: candidates("a1", "a2", "a3"),
		Busy:       map[string]bool{"a2": true},
		PerRun:     2,
		Today:      today,
	}
	assert.Equal(t, Plan{"a2": {"A"}}, Assign(in), "no non-busy account pulled in")

	in.AllowExtraLogins = true
	assert.Equal(t, Plan{"a2": {"A"}, "a1": {"A"}}, Assign(in), "busy first, then extras")
}

func TestAssignBusyWithoutQuotaKeepsExtrasOut(t *testing.T) {
	t.Parallel()

	in := Input{
		Targets:    []accounts.BlessTarget{{Name: "A"}},
		Candidates: candidates("idle"),
		Busy:       map[string]bool{"Spent": true},
		PerRun:     1,
		Today:      today,
	}
	assert.Empty(t, Assign(in), "a busy account without quota still blocks idle logins")

	in.AllowExtraLogins = true
	assert.Equal(t, Plan{"idle": {"A"}}, Assign(in))
}

func TestAssignRespectsQuota(t *testing.T) {
	t.Parallel()

	in := Input{
		Targets: []accounts.BlessTarget{{Name: "A"}, {Name: "B"}, {Name: "C"}},
		Candidates: []Candidate{
			{Identity: "a1", Remaining: 2},
			{Identity: "a2", Remaining: 0},
			{Identity: "a3", Remaining: 1},
		},
		PerRun: 1,
		Today:  today,
	}
	got := Assign(in)
	assert.Equal(t, Plan{"a1": {"A", "B"}, "a3": {"C"}}, got)
	assert.Equal(t, 3, got.Len())
}

func TestAssignNoDuplicateTargetPerAccount(t *testing.T) {
	t.Parallel()

	in := Input{
		Targets:    []accounts.BlessTarget{{Name: "A"}, {Name: "a"}},
		Candidates: candidates("a1"),
		PerRun:     3,
		Today:      today,
	}
	assert.Equal(t, Plan{"a1": {"A"}}, Assign(in))
}

func TestAssignEmpty(t *testing.T) {
	t.Parallel()

	base := Input{
		Targets:    []accounts.BlessTarget{{Name: "A"}},
		Candidates: candidates("a1"),
		PerRun:     1,
		Today:      today,
	}

	zero := base
	zero.PerRun = 0
	assert.Empty(t, Assign(zero))

	neg := base
	neg.PerRun = -1
	assert.Empty(t, Assign(neg))

	none := base
	none.Targets = nil
	assert.Empty(t, Assign(none))
}

func TestAssignIgnoresStaleDays(t *testing.T) {
	t.Parallel()

	in := Input{
		Targets:    []accounts.BlessTarget{{Name: "A", Blessed: map[string][]string{"20250309": {"a1"}}}},
		Candidates: candidates("a1"),
		PerRun:     1,
		Today:      today,
	}
	assert.Equal(t, Plan{"a1": {"A"}}, Assign(in))
}

func TestDueTargets(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	cfg := accounts.BlessConfig{
		CooldownHours: 4,
		Items: []accounts.BlessTarget{
			{Name: "fresh", Last: "20250310:10"},
			{Name: "old", Last: "20250310:08"},
			{Name: "never"},
			{Name: "broken", Last: "??"},
		},
	}
	var names []string
	for _, t := range DueTargets(cfg, now) {
		names = append(names, t.Name)
	}
	assert.Equal(t, []string{"old", "never", "broken"}, names)
}
