package flows

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"guildbot/internal/device"
	logx "guildbot/pkg/logx"
)

// searchClearMin is the fewest deletes sent before typing a target name; the
// box may still hold text from an earlier panel visit.
const searchClearMin = 12

// Bless searches each target by name and blesses it. It returns the targets
// that were blessed, including when it stops early.
func (r *Runner) Bless(ctx context.Context, targets []string) ([]string, error) {
	const flow = "bless"
	if len(targets) == 0 {
		return nil, nil
	}
	log := r.log.With(logx.String("flow", flow))
	if err := r.tapMarker(ctx, flow, MarkBlessEntry, 8*time.Second); err != nil {
		return nil, err
	}
	if err := r.pause(ctx, time.Second); err != nil {
		return nil, err
	}

	var blessed []string
	prev := 0
	for _, name := range targets {
		ok, err := r.blessOne(ctx, name, prev)
		prev = utf8.RuneCountInString(name)
		if ok {
			blessed = append(blessed, name)
			log.Info("blessed", logx.String("target", name))
		}
		if err != nil {
			if IsStopped(err) {
				return blessed, err
			}
			log.Warn("bless target failed", logx.String("target", name), logx.Err(err))
		}
	}
	if err := r.back(ctx, 1, 600*time.Millisecond); err != nil {
		return blessed, err
	}
	return blessed, nil
}

// blessOne searches one target. prevLen is the rune length of the name the
// previous target left in the search box.
func (r *Runner) blessOne(ctx context.Context, name string, prevLen int) (bool, error) {
	const flow = "bless"
	if err := r.tapMarker(ctx, flow, MarkBlessSearch, 5*time.Second); err != nil {
		return false, err
	}
	if err := r.pause(ctx, 300*time.Millisecond); err != nil {
		return false, err
	}
	if err := r.clearInput(ctx, max(prevLen, searchClearMin)); err != nil {
		return false, err
	}
	if err := r.typeText(ctx, name); err != nil {
		return false, err
	}
	if err := r.tapMarker(ctx, flow, MarkBlessSearchGo, 3*time.Second); err != nil {
		return false, err
	}
	if _, err := r.waitFor(ctx, MarkBlessResultName, 6*time.Second); err != nil {
		if errors.Is(err, ErrTimeout) {
			r.log.Debug("no search result", logx.String("target", name))
			return false, nil
		}
		return false, err
	}

	frame, err := r.capture(ctx)
	if err != nil {
		return false, err
	}
	if frame != nil {
		text, err := r.eye.OCRRegion(ctx, frame, MarkBlessResultName.Region, r.cfg.OCRLang)
		switch {
		case err != nil && ctx.Err() != nil:
			return false, stopped(ctx)
		case err != nil:
			r.log.Debug("result row unreadable, trusting search", logx.Err(err))
		case !containsFold(text, name):
			r.log.Info("search result does not match target", logx.String("target", name), logx.String("read", normalizeText(text)))
			return false, nil
		}
	}

	if err := r.tapMarker(ctx, flow, MarkBlessButton, 4*time.Second); err != nil {
		return false, err
	}
	done, err := r.waitFor(ctx, MarkBlessDone, 5*time.Second)
	if errors.Is(err, ErrTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := r.tap(ctx, done.At); err != nil {
		return true, err
	}
	return true, r.pause(ctx, 500*time.Millisecond)
}

// clearInput moves the cursor to the end of the focused box and deletes n
// characters.
func (r *Runner) clearInput(ctx context.Context, n int) error {
	if err := r.key(ctx, device.KeyMoveEnd); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := r.key(ctx, device.KeyDel); err != nil {
			return err
		}
	}
	return nil
}
