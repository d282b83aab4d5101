package flows

import (
	"context"
	"errors"
	"time"

	"guildbot/internal/device"
	logx "guildbot/pkg/logx"
)

// DefaultLogoutRounds bounds how many menu walks Logout attempts.
const DefaultLogoutRounds = 7

// Logout walks back to the login form. It succeeds immediately when the form
// is already showing.
func (r *Runner) Logout(ctx context.Context, maxRounds int) error {
	const flow = "logout"
	if maxRounds <= 0 {
		maxRounds = DefaultLogoutRounds
	}
	log := r.log.With(logx.String("flow", flow))
	for round := 1; round <= maxRounds; round++ {
		if ctx.Err() != nil {
			return stopped(ctx)
		}
		st := r.gameState(ctx)
		log.Debug("logout round", logx.Int("round", round), logx.String("state", st.String()))
		switch st {
		case device.StateNeedsLogin:
			log.Info("logout ok", logx.Int("rounds", round-1))
			return nil
		case device.StateInGame:
			if err := r.switchAccount(ctx); err != nil {
				if IsStopped(err) {
					return err
				}
				log.Debug("account menu walk failed", logx.Err(err))
				if err := r.back(ctx, 1, 600*time.Millisecond); err != nil {
					return err
				}
			}
		default:
			if err := r.back(ctx, 1, 600*time.Millisecond); err != nil {
				return err
			}
		}
	}
	if r.gameState(ctx) == device.StateNeedsLogin {
		return nil
	}
	return timeout(flow, "login form")
}

func (r *Runner) switchAccount(ctx context.Context) error {
	const flow = "logout"
	res, err := r.look(ctx, MarkAvatar)
	if err != nil {
		return err
	}
	if !res.Found {
		closeRes, err := r.look(ctx, MarkGenericClose)
		if err != nil {
			return err
		}
		if closeRes.Found {
			if err := r.tap(ctx, closeRes.At); err != nil {
				return err
			}
			return r.pause(ctx, 600*time.Millisecond)
		}
		return timeout(flow, MarkAvatar.ID)
	}
	if err := r.tap(ctx, res.At); err != nil {
		return err
	}
	if err := r.pause(ctx, 800*time.Millisecond); err != nil {
		return err
	}
	if err := r.tapMarker(ctx, flow, MarkSettings, 5*time.Second); err != nil {
		return err
	}
	if err := r.pause(ctx, 600*time.Millisecond); err != nil {
		return err
	}
	if err := r.tapMarker(ctx, flow, MarkSwitchAccount, 5*time.Second); err != nil {
		return err
	}
	confirm, err := r.waitFor(ctx, MarkLogoutConfirm, 3*time.Second)
	switch {
	case err == nil:
		if err := r.tap(ctx, confirm.At); err != nil {
			return err
		}
	case !errors.Is(err, ErrTimeout):
		return err
	}
	return r.pause(ctx, 1500*time.Millisecond)
}
