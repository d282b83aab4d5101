// Package flows drives the game through bounded probe, act, re-probe loops.
//
// Every flow returns nil on success. Waits honor ctx: once it is done the
// flow returns an error wrapping ErrStopped without touching the device again.
package flows

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"guildbot/internal/device"
	"guildbot/internal/vision"
	logx "guildbot/pkg/logx"
)

var (
	ErrStopped = errors.New("flow stopped")
	ErrTimeout = errors.New("flow deadline exceeded")
)

// Clock abstracts time so flows can be tested without real waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Config struct {
	Threshold float64
	OCRLang   string
	// Poll is the re-probe interval inside wait loops.
	Poll time.Duration
}

// Runner executes flows against one device.
type Runner struct {
	dev   device.Channel
	eye   vision.Probe
	state device.StateProbe
	cfg   Config
	log   logx.Logger
	clock Clock
}

func New(dev device.Channel, eye vision.Probe, state device.StateProbe, cfg Config, log logx.Logger) *Runner {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.86
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 500 * time.Millisecond
	}
	if cfg.OCRLang == "" {
		cfg.OCRLang = "vie+eng"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{dev: dev, eye: eye, state: state, cfg: cfg, log: log, clock: realClock{}}
}

// WithClock swaps the time source.
func (r *Runner) WithClock(c Clock) *Runner {
	cp := *r
	cp.clock = c
	return &cp
}

// WithLogger returns a copy that logs through l.
func (r *Runner) WithLogger(l logx.Logger) *Runner {
	cp := *r
	cp.log = l
	return &cp
}

func stopped(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrStopped, context.Cause(ctx))
}

func timeout(flow, step string) error {
	return fmt.Errorf("%s: %s: %w", flow, step, ErrTimeout)
}

func (r *Runner) pause(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return stopped(ctx)
	}
	if err := r.clock.Sleep(ctx, d); err != nil {
		return stopped(ctx)
	}
	return nil
}

func (r *Runner) tap(ctx context.Context, p vision.Point) error {
	if ctx.Err() != nil {
		return stopped(ctx)
	}
	if err := r.dev.Tap(ctx, p.X, p.Y); err != nil {
		if ctx.Err() != nil {
			return stopped(ctx)
		}
		return fmt.Errorf("tap %d,%d: %w", p.X, p.Y, err)
	}
	return nil
}

func (r *Runner) typeText(ctx context.Context, s string) error {
	if ctx.Err() != nil {
		return stopped(ctx)
	}
	if err := r.dev.TypeText(ctx, s); err != nil {
		if ctx.Err() != nil {
			return stopped(ctx)
		}
		return fmt.Errorf("type text: %w", err)
	}
	return nil
}

func (r *Runner) key(ctx context.Context, code int) error {
	if ctx.Err() != nil {
		return stopped(ctx)
	}
	if err := r.dev.KeyEvent(ctx, code); err != nil {
		if ctx.Err() != nil {
			return stopped(ctx)
		}
		return fmt.Errorf("key %d: %w", code, err)
	}
	return nil
}

func (r *Runner) back(ctx context.Context, times int, each time.Duration) error {
	for i := 0; i < times; i++ {
		if ctx.Err() != nil {
			return stopped(ctx)
		}
		if err := r.dev.KeyEvent(ctx, device.KeyBack); err != nil && ctx.Err() == nil {
			r.log.Debug("back key failed", logx.Err(err))
		}
		if err := r.pause(ctx, each); err != nil {
			return err
		}
	}
	return nil
}

// capture returns nil (no error) when the screenshot failed; callers treat
// that as "nothing visible" and keep polling.
func (r *Runner) capture(ctx context.Context) (image.Image, error) {
	if ctx.Err() != nil {
		return nil, stopped(ctx)
	}
	img, err := r.dev.CaptureFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, stopped(ctx)
		}
		r.log.Debug("capture failed", logx.Err(err))
		return nil, nil
	}
	return img, nil
}

func (r *Runner) find(ctx context.Context, frame image.Image, m Marker) (vision.Match, error) {
	if frame == nil {
		return vision.Match{}, nil
	}
	res, err := r.eye.MatchTemplate(ctx, frame, m.ID, m.Region, r.cfg.Threshold)
	if err != nil {
		if ctx.Err() != nil {
			return vision.Match{}, stopped(ctx)
		}
		return vision.Match{}, fmt.Errorf("match %s: %w", m.ID, err)
	}
	r.log.Trace("probe", logx.String("marker", m.ID), logx.Bool("found", res.Found), logx.Float64("score", res.Score))
	return res, nil
}

// look captures a frame and probes one marker.
func (r *Runner) look(ctx context.Context, m Marker) (vision.Match, error) {
	frame, err := r.capture(ctx)
	if err != nil {
		return vision.Match{}, err
	}
	return r.find(ctx, frame, m)
}

// waitAny polls until one of the markers is visible. It returns the index of
// the first marker found, in argument order.
func (r *Runner) waitAny(ctx context.Context, limit time.Duration, marks ...Marker) (int, vision.Match, error) {
	deadline := r.clock.Now().Add(limit)
	for {
		frame, err := r.capture(ctx)
		if err != nil {
			return -1, vision.Match{}, err
		}
		for i, m := range marks {
			res, err := r.find(ctx, frame, m)
			if err != nil {
				return -1, vision.Match{}, err
			}
			if res.Found {
				return i, res, nil
			}
		}
		if !r.clock.Now().Before(deadline) {
			return -1, vision.Match{}, ErrTimeout
		}
		if err := r.pause(ctx, r.cfg.Poll); err != nil {
			return -1, vision.Match{}, err
		}
	}
}

func (r *Runner) waitFor(ctx context.Context, m Marker, limit time.Duration) (vision.Match, error) {
	_, res, err := r.waitAny(ctx, limit, m)
	return res, err
}

// tapMarker waits for m and taps where it was found.
func (r *Runner) tapMarker(ctx context.Context, flow string, m Marker, limit time.Duration) error {
	res, err := r.waitFor(ctx, m, limit)
	if errors.Is(err, ErrTimeout) {
		return timeout(flow, m.ID)
	}
	if err != nil {
		return err
	}
	return r.tap(ctx, res.At)
}

func (r *Runner) gameState(ctx context.Context) device.GameState {
	if r.state == nil {
		return device.StateUnknown
	}
	st, err := r.state.State(ctx)
	if err != nil {
		r.log.Debug("state probe failed", logx.Err(err))
		return device.StateUnknown
	}
	return st
}
