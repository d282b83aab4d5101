package flows

import (
	"context"
	"errors"
	"time"

	logx "guildbot/pkg/logx"
)

// JoinGuild opens the guild screen and applies to the first listed guild
// when the account has none. Callers treat failure as non-fatal.
func (r *Runner) JoinGuild(ctx context.Context) error {
	const flow = "join_guild"
	log := r.log.With(logx.String("flow", flow))
	if err := r.tapMarker(ctx, flow, MarkGuildIcon, 8*time.Second); err != nil {
		return err
	}
	idx, _, err := r.waitAny(ctx, 8*time.Second, MarkGuildHall, MarkGuildJoinList)
	if errors.Is(err, ErrTimeout) {
		return timeout(flow, "guild screen")
	}
	if err != nil {
		return err
	}
	if idx == 0 {
		log.Debug("already a member")
		return r.closeGuild(ctx)
	}
	if err := r.tapMarker(ctx, flow, MarkGuildApply, 5*time.Second); err != nil {
		return err
	}
	if _, err := r.waitFor(ctx, MarkGuildHall, 10*time.Second); err != nil {
		if errors.Is(err, ErrTimeout) {
			_ = r.closeGuild(ctx)
			return timeout(flow, "membership")
		}
		return err
	}
	log.Info("joined guild")
	return r.closeGuild(ctx)
}

// EnsureInsideGuild leaves the device on the guild hall screen.
func (r *Runner) EnsureInsideGuild(ctx context.Context) error {
	const flow = "ensure_guild"
	res, err := r.look(ctx, MarkGuildHall)
	if err != nil {
		return err
	}
	if res.Found {
		return nil
	}
	if err := r.tapMarker(ctx, flow, MarkGuildIcon, 8*time.Second); err != nil {
		return err
	}
	if _, err := r.waitFor(ctx, MarkGuildHall, 10*time.Second); err != nil {
		if errors.Is(err, ErrTimeout) {
			return timeout(flow, MarkGuildHall.ID)
		}
		return err
	}
	return nil
}

// Build donates to the guild building. Success requires the confirmation.
func (r *Runner) Build(ctx context.Context) error {
	const flow = "build"
	if err := r.tapMarker(ctx, flow, MarkBuildEntry, 6*time.Second); err != nil {
		return err
	}
	if err := r.pause(ctx, 800*time.Millisecond); err != nil {
		return err
	}
	if err := r.tapMarker(ctx, flow, MarkBuildDonate, 6*time.Second); err != nil {
		return err
	}
	done, err := r.waitFor(ctx, MarkBuildDone, 8*time.Second)
	if errors.Is(err, ErrTimeout) {
		_ = r.back(ctx, 1, 500*time.Millisecond)
		return timeout(flow, MarkBuildDone.ID)
	}
	if err != nil {
		return err
	}
	r.log.Info("build done", logx.String("flow", flow))
	if err := r.tap(ctx, done.At); err != nil {
		return err
	}
	return r.back(ctx, 1, 600*time.Millisecond)
}

// Expedition counts as done once the expedition screen is reached; the fight
// button is pressed when available.
func (r *Runner) Expedition(ctx context.Context) error {
	const flow = "expedition"
	if err := r.tapMarker(ctx, flow, MarkExpeditionEntry, 6*time.Second); err != nil {
		return err
	}
	if _, err := r.waitFor(ctx, MarkExpeditionUI, 10*time.Second); err != nil {
		if errors.Is(err, ErrTimeout) {
			return timeout(flow, MarkExpeditionUI.ID)
		}
		return err
	}
	fight, err := r.waitFor(ctx, MarkExpeditionFight, 3*time.Second)
	switch {
	case err == nil:
		if err := r.tap(ctx, fight.At); err != nil {
			return err
		}
		if err := r.pause(ctx, 2*time.Second); err != nil {
			return err
		}
	case !errors.Is(err, ErrTimeout):
		return err
	}
	r.log.Info("expedition done", logx.String("flow", flow))
	return r.back(ctx, 2, 600*time.Millisecond)
}

// LeaveGuild quits the current guild and verifies the join list or the
// main-screen icon is shown without the hall.
func (r *Runner) LeaveGuild(ctx context.Context) error {
	const flow = "leave_guild"
	if err := r.EnsureInsideGuild(ctx); err != nil {
		return err
	}
	for _, m := range []Marker{MarkGuildInfo, MarkGuildLeave, MarkGuildLeaveOK} {
		if err := r.tapMarker(ctx, flow, m, 6*time.Second); err != nil {
			return err
		}
		if err := r.pause(ctx, 600*time.Millisecond); err != nil {
			return err
		}
	}
	deadline := r.clock.Now().Add(10 * time.Second)
	for {
		frame, err := r.capture(ctx)
		if err != nil {
			return err
		}
		hall, err := r.find(ctx, frame, MarkGuildHall)
		if err != nil {
			return err
		}
		if !hall.Found {
			list, err := r.find(ctx, frame, MarkGuildJoinList)
			if err != nil {
				return err
			}
			icon, err := r.find(ctx, frame, MarkGuildIcon)
			if err != nil {
				return err
			}
			if list.Found || icon.Found {
				r.log.Info("left guild", logx.String("flow", flow))
				if list.Found {
					return r.closeGuild(ctx)
				}
				return nil
			}
		}
		if !r.clock.Now().Before(deadline) {
			return timeout(flow, "verify")
		}
		if err := r.pause(ctx, r.cfg.Poll); err != nil {
			return err
		}
	}
}

func (r *Runner) closeGuild(ctx context.Context) error {
	res, err := r.look(ctx, MarkGenericClose)
	if err != nil {
		return err
	}
	if res.Found {
		if err := r.tap(ctx, res.At); err != nil {
			return err
		}
		return r.pause(ctx, 600*time.Millisecond)
	}
	return r.back(ctx, 1, 600*time.Millisecond)
}
