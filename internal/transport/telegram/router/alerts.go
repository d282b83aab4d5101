package router

import (
	"context"
	"fmt"
	"html"
	"time"

	"guildbot/internal/eventbus"
	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

// Alerter posts worker exits to a chat. Repeats of the same device and
// reason inside Window are suppressed through journal marks, so the
// suppression survives restarts when the journal is enabled.
type Alerter struct {
	Sender kit.Sender
	Target kit.ChatTarget
	Marks  storage.Store
	Window time.Duration
	Log    logx.Logger
	Now    func() time.Time

	// local dedup when Marks is nil
	seen map[string]time.Time
}

// Run consumes events until ctx ends or the channel closes.
func (a *Alerter) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type == eventbus.WorkerExit {
				a.onExit(ctx, e)
			}
		}
	}
}

func (a *Alerter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Alerter) onExit(ctx context.Context, e eventbus.Event) {
	ex, ok := e.Data.(eventbus.Exit)
	if !ok || ex.Reason == "stopped" {
		return
	}
	window := a.Window
	if window <= 0 {
		window = 10 * time.Minute
	}
	now := a.now()
	key := "alert:exit:" + e.Device + ":" + ex.Reason
	if a.suppressed(ctx, key, now) {
		return
	}

	text := fmt.Sprintf("⚠️ worker <b>%s</b> exited: %s", html.EscapeString(e.Device), html.EscapeString(ex.Reason))
	if ex.Err != "" {
		text += "\n" + pre(ex.Err)
	}
	if _, err := a.Sender.SendText(ctx, a.Target, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		a.Log.Warn("alert send failed", logx.String("device", e.Device), logx.Err(err))
		return
	}
	a.mark(ctx, key, now.Add(window))
}

func (a *Alerter) suppressed(ctx context.Context, key string, now time.Time) bool {
	if a.Marks != nil {
		return storage.MarkActive(ctx, a.Marks, key, now)
	}
	until, ok := a.seen[key]
	return ok && now.Before(until)
}

func (a *Alerter) mark(ctx context.Context, key string, until time.Time) {
	if a.Marks != nil {
		if err := a.Marks.PutMark(ctx, key, until); err != nil {
			a.Log.Warn("alert mark failed", logx.String("key", key), logx.Err(err))
		}
		return
	}
	if a.seen == nil {
		a.seen = map[string]time.Time{}
	}
	a.seen[key] = until
}
