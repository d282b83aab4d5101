// Package bless apportions due bless targets across accounts.
package bless

import (
	"strings"
	"time"

	"guildbot/internal/accounts"
	"guildbot/internal/cooldown"
)

// Candidate is an account that may still bless today.
type Candidate struct {
	Identity  string
	Remaining int
}

// Input is everything one planning pass needs. Targets and Candidates keep
// their caller order; the plan is deterministic for a given input.
type Input struct {
	Targets    []accounts.BlessTarget
	Candidates []Candidate
	// Busy holds identities already due for build or expedition this cycle.
	Busy   map[string]bool
	PerRun int
	// Today is the yyyymmdd key into BlessTarget.Blessed.
	Today string
	// AllowExtraLogins lets non-busy accounts fill slots while busy ones exist.
	// Busy accounts count even when their own quota is spent.
	AllowExtraLogins bool
}

// Plan maps identity to the ordered target names it should bless.
type Plan map[string][]string

// Len counts assigned (account, target) pairs.
func (p Plan) Len() int {
	n := 0
	for _, ts := range p {
		n += len(ts)
	}
	return n
}

// Assign fills each target's per-run slots greedily: busy accounts first,
// then everyone else only when extra logins are allowed or the busy set is
// empty. A busy account that is not a candidate still closes the second pool.
func Assign(in Input) Plan {
	plan := Plan{}
	if in.PerRun <= 0 || len(in.Targets) == 0 || len(in.Candidates) == 0 {
		return plan
	}

	remaining := make(map[string]int, len(in.Candidates))
	for _, c := range in.Candidates {
		remaining[key(c.Identity)] = c.Remaining
	}
	busy := make(map[string]bool, len(in.Busy))
	for id, b := range in.Busy {
		if b {
			busy[key(id)] = true
		}
	}

	var primary, secondary []Candidate
	for _, c := range in.Candidates {
		if busy[key(c.Identity)] {
			primary = append(primary, c)
		} else {
			secondary = append(secondary, c)
		}
	}
	pools := [][]Candidate{primary}
	if in.AllowExtraLogins || len(busy) == 0 {
		pools = append(pools, secondary)
	}

	for _, t := range in.Targets {
		slots := in.PerRun
		for _, pool := range pools {
			for _, c := range pool {
				if slots == 0 {
					break
				}
				k := key(c.Identity)
				if remaining[k] <= 0 || t.BlessedOn(in.Today, c.Identity) || contains(plan[c.Identity], t.Name) {
					continue
				}
				plan[c.Identity] = append(plan[c.Identity], t.Name)
				remaining[k]--
				slots--
			}
		}
	}
	return plan
}

// DueTargets filters the document's targets by their cooldown, keeping order.
func DueTargets(cfg accounts.BlessConfig, now time.Time) []accounts.BlessTarget {
	var out []accounts.BlessTarget
	for _, t := range cfg.Items {
		if cooldown.BlessTargetDue(t.Last, cfg.CooldownHours, now) {
			out = append(out, t)
		}
	}
	return out
}

func key(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func contains(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
