// Package eligibility turns account state and feature flags into a cycle's worklist.
package eligibility

import (
	"strings"
	"time"

	"guildbot/internal/accounts"
	"guildbot/internal/bless"
	"guildbot/internal/cooldown"
)

// FeatureFlags is an immutable snapshot taken once per cycle.
type FeatureFlags struct {
	Build                 bool
	Expedition            bool
	Bless                 bool
	AutoLeave             bool
	AllowExtraBlessLogins bool
	Drain                 bool
}

// Decision is what one account should do this cycle.
type Decision struct {
	Record     accounts.Record
	Build      bool
	Expedition bool
	// JoinGuild is the prerequisite for any guild action.
	JoinGuild bool
	Bless     []string
}

// Any reports whether the decision needs the device at all.
func (d Decision) Any() bool {
	return d.Build || d.Expedition || len(d.Bless) > 0
}

// Actions lists the due actions for logs.
func (d Decision) Actions() []string {
	var out []string
	if d.Build {
		out = append(out, "build")
	}
	if d.Expedition {
		out = append(out, "expedition")
	}
	if len(d.Bless) > 0 {
		out = append(out, "bless("+strings.Join(d.Bless, "|")+")")
	}
	return out
}

// Worklist is the ordered set of accounts with at least one due action.
type Worklist struct {
	Items []Decision
	// DueTargets counts bless targets past their cooldown, assigned or not.
	DueTargets int
	// Assigned counts planned (account, target) bless pairs.
	Assigned int
	// Scanned counts enabled accounts considered.
	Scanned int
}

func (w Worklist) Empty() bool { return len(w.Items) == 0 }

// Scan evaluates every enabled record in store order. Disabled records never
// appear and never receive bless assignments.
func Scan(records []accounts.Record, blessCfg accounts.BlessConfig, flags FeatureFlags, now time.Time) Worklist {
	var wl Worklist
	decisions := make([]Decision, 0, len(records))
	busy := map[string]bool{}

	for _, r := range records {
		if !r.Enabled {
			continue
		}
		wl.Scanned++
		coolOK := cooldown.LeavePassed(r.LastLeave, now)
		d := Decision{
			Record:     r,
			Build:      flags.Build && coolOK && cooldown.BuildDue(r.LastBuildDate, now),
			Expedition: flags.Expedition && coolOK && cooldown.ExpeditionPassed(r.LastExpedition, now),
		}
		d.JoinGuild = d.Build || d.Expedition
		if d.JoinGuild {
			busy[r.Identity] = true
		}
		decisions = append(decisions, d)
	}

	if flags.Bless && blessCfg.PerRun > 0 {
		due := bless.DueTargets(blessCfg, now)
		wl.DueTargets = len(due)
		if len(due) > 0 {
			cands := make([]bless.Candidate, 0, len(decisions))
			for _, d := range decisions {
				if left := cooldown.RemainingBless(d.Record.BlessCounter, now); left > 0 {
					cands = append(cands, bless.Candidate{Identity: d.Record.Identity, Remaining: left})
				}
			}
			plan := bless.Assign(bless.Input{
				Targets:          due,
				Candidates:       cands,
				Busy:             busy,
				PerRun:           blessCfg.PerRun,
				Today:            cooldown.Date(now),
				AllowExtraLogins: flags.AllowExtraBlessLogins,
			})
			wl.Assigned = plan.Len()
			for i := range decisions {
				decisions[i].Bless = plan[decisions[i].Record.Identity]
			}
		}
	}

	for _, d := range decisions {
		if d.Any() {
			wl.Items = append(wl.Items, d)
		}
	}
	return wl
}
