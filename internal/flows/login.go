package flows

import (
	"context"
	"errors"
	"strings"
	"time"

	"guildbot/internal/device"
	logx "guildbot/pkg/logx"
)

// Credentials identify one game account on the login form.
type Credentials struct {
	Identity string
	Secret   string
	Server   string
}

const (
	loginPhaseLimit   = 60 * time.Second
	loginLandingLimit = 60 * time.Second
	noticeCloseTries  = 20
	offlineChecks     = 5
)

// Login fills the login form and waits until the in-game guild icon shows.
func (r *Runner) Login(ctx context.Context, cred Credentials) error {
	const flow = "login"
	log := r.log.With(logx.String("flow", flow), logx.String("account", cred.Identity))
	log.Info("login start")

	if st := r.gameState(ctx); st != device.StateNeedsLogin {
		log.Debug("not on login form, backing out", logx.String("state", st.String()))
		if err := r.back(ctx, 2, 400*time.Millisecond); err != nil {
			return err
		}
		if err := r.pause(ctx, 600*time.Millisecond); err != nil {
			return err
		}
	}

	for _, p := range preLoginTaps {
		if err := r.tap(ctx, p); err != nil {
			return err
		}
		if err := r.pause(ctx, 150*time.Millisecond); err != nil {
			return err
		}
	}

	if err := r.fillField(ctx, MarkClearEmail, MarkEmailEmpty, cred.Identity); err != nil {
		return err
	}
	if err := r.fillField(ctx, MarkClearPassword, MarkPasswordEmpty, cred.Secret); err != nil {
		return err
	}
	if err := r.checkServer(ctx, cred.Server); err != nil {
		return err
	}

	res, err := r.look(ctx, MarkLoginButton)
	if err != nil {
		return err
	}
	at := MarkLoginButton.Region.Center()
	if res.Found {
		at = res.At
	} else {
		log.Debug("login button not matched, tapping region center")
	}
	if err := r.tap(ctx, at); err != nil {
		return err
	}
	if err := r.pause(ctx, time.Second); err != nil {
		return err
	}

	if err := r.enterGamePhase(ctx, log); err != nil {
		return err
	}
	if err := r.confirmOffline(ctx); err != nil {
		return err
	}

	deadline := r.clock.Now().Add(loginLandingLimit)
	for r.clock.Now().Before(deadline) {
		if r.gameState(ctx) == device.StateInGame {
			res, err := r.look(ctx, MarkGuildIcon)
			if err != nil {
				return err
			}
			if res.Found {
				log.Info("login ok")
				return nil
			}
		}
		if err := r.pause(ctx, time.Second); err != nil {
			return err
		}
	}
	log.Warn("login timed out waiting for game screen")
	return timeout(flow, "landing")
}

// fillField clears a text box if its clear button is shown, then types value.
func (r *Runner) fillField(ctx context.Context, clear, box Marker, value string) error {
	res, err := r.look(ctx, clear)
	if err != nil {
		return err
	}
	if res.Found {
		if err := r.tap(ctx, res.At); err != nil {
			return err
		}
		if err := r.pause(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
	if err := r.tap(ctx, box.Region.Center()); err != nil {
		return err
	}
	if err := r.pause(ctx, 200*time.Millisecond); err != nil {
		return err
	}
	if err := r.typeText(ctx, value); err != nil {
		return err
	}
	return r.pause(ctx, 200*time.Millisecond)
}

// checkServer reads the selected server label. A mismatch is logged only;
// the game remembers the last server per account.
func (r *Runner) checkServer(ctx context.Context, server string) error {
	server = strings.TrimSpace(server)
	if server == "" {
		return nil
	}
	frame, err := r.capture(ctx)
	if err != nil || frame == nil {
		return err
	}
	res, err := r.find(ctx, frame, MarkServerLabel)
	if err != nil {
		return err
	}
	if !res.Found {
		r.log.Debug("server label not shown", logx.String("server", server))
		return nil
	}
	text, err := r.eye.OCRRegion(ctx, frame, MarkServerLabel.Region, r.cfg.OCRLang)
	if err != nil {
		if ctx.Err() != nil {
			return stopped(ctx)
		}
		r.log.Debug("server label unreadable", logx.Err(err))
		return nil
	}
	if !containsFold(text, server) {
		r.log.Warn("selected server differs", logx.String("want", server), logx.String("read", normalizeText(text)))
	}
	return nil
}

// enterGamePhase presses "enter game" while the logged-in pair is visible,
// and clears notices or the confirm-login prompt otherwise. It ends once the
// pair disappears after at least one press, or at the phase deadline.
func (r *Runner) enterGamePhase(ctx context.Context, log logx.Logger) error {
	pressed := false
	deadline := r.clock.Now().Add(loginPhaseLimit)
	for r.clock.Now().Before(deadline) {
		frame, err := r.capture(ctx)
		if err != nil {
			return err
		}
		logged, err := r.find(ctx, frame, MarkLoggedIn)
		if err != nil {
			return err
		}
		enter, err := r.find(ctx, frame, MarkEnterGame)
		if err != nil {
			return err
		}

		switch {
		case logged.Found && enter.Found:
			if err := r.tap(ctx, enter.At); err != nil {
				return err
			}
			pressed = true
			if err := r.pause(ctx, 2*time.Second); err != nil {
				return err
			}
			continue
		case !logged.Found && !enter.Found:
			notice, err := r.find(ctx, frame, MarkNotice)
			if err != nil {
				return err
			}
			if notice.Found {
				log.Debug("closing notices")
				if err := r.closeNotices(ctx); err != nil {
					return err
				}
				continue
			}
			confirm, err := r.find(ctx, frame, MarkConfirmLogin)
			if err != nil {
				return err
			}
			if confirm.Found {
				if err := r.tap(ctx, confirm.At); err != nil {
					return err
				}
				if err := r.pause(ctx, time.Second); err != nil {
					return err
				}
				continue
			}
			if pressed {
				return nil
			}
		}
		if err := r.pause(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	log.Debug("enter-game phase reached its deadline", logx.Bool("pressed", pressed))
	return nil
}

func (r *Runner) closeNotices(ctx context.Context) error {
	for i := 0; i < noticeCloseTries; i++ {
		if err := r.tap(ctx, noticeClose); err != nil {
			return err
		}
		if err := r.pause(ctx, 1500*time.Millisecond); err != nil {
			return err
		}
		res, err := r.look(ctx, MarkNotice)
		if err != nil {
			return err
		}
		if !res.Found {
			return nil
		}
	}
	return nil
}

func (r *Runner) confirmOffline(ctx context.Context) error {
	for i := 0; i < offlineChecks; i++ {
		res, err := r.look(ctx, MarkOfflineConfirm)
		if err != nil {
			return err
		}
		if res.Found {
			if err := r.tap(ctx, res.At); err != nil {
				return err
			}
			return r.pause(ctx, time.Second)
		}
		if err := r.pause(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsFold(haystack, needle string) bool {
	h := strings.ToLower(normalizeText(haystack))
	n := strings.ToLower(normalizeText(needle))
	return n != "" && strings.Contains(h, n)
}

// IsStopped reports whether err came from a cancelled flow.
func IsStopped(err error) bool { return errors.Is(err, ErrStopped) }
