// Package worker runs the per-device automation loop and keeps at most one
// loop alive per device.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"guildbot/internal/accounts"
	"guildbot/internal/cooldown"
	"guildbot/internal/device"
	"guildbot/internal/eligibility"
	"guildbot/internal/eventbus"
	"guildbot/internal/flows"
	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"
)

var (
	// ErrDrained ends a draining worker after two empty worklists in a row.
	ErrDrained = errors.New("worker drained: nothing left to do")

	errNotReady = errors.New("device not ready")
)

// Flows is the action executor a worker drives. *flows.Runner implements it.
type Flows interface {
	Login(ctx context.Context, cred flows.Credentials) error
	Logout(ctx context.Context, maxRounds int) error
	JoinGuild(ctx context.Context) error
	EnsureInsideGuild(ctx context.Context) error
	Build(ctx context.Context) error
	Expedition(ctx context.Context) error
	LeaveGuild(ctx context.Context) error
	Bless(ctx context.Context, targets []string) ([]string, error)
}

var _ Flows = (*flows.Runner)(nil)

// Settings are the per-device knobs resolved from config.
type Settings struct {
	Device          string
	GamePackage     string
	GameActivity    string
	PollInterval    time.Duration
	IdleSleep       time.Duration
	ErrorBackoff    time.Duration
	AppReadyTimeout time.Duration
	BetweenAccounts time.Duration
	LogoutRounds    int
}

func (s *Settings) applyDefaults() {
	if s.PollInterval <= 0 {
		s.PollInterval = 10 * time.Second
	}
	if s.IdleSleep <= 0 {
		s.IdleSleep = time.Hour
	}
	if s.ErrorBackoff <= 0 {
		s.ErrorBackoff = 5 * time.Minute
	}
	if s.AppReadyTimeout <= 0 {
		s.AppReadyTimeout = 35 * time.Second
	}
	if s.BetweenAccounts <= 0 {
		s.BetweenAccounts = 3 * time.Second
	}
	if s.LogoutRounds <= 0 {
		s.LogoutRounds = flows.DefaultLogoutRounds
	}
}

// Deps are the collaborators of one worker. Journal, Bus and BlessStore may
// be nil.
type Deps struct {
	Device     device.Channel
	Flows      Flows
	Directory  accounts.Directory
	BlessStore accounts.BlessStore
	Features   func() eligibility.FeatureFlags
	Journal    storage.Store
	Bus        eventbus.Bus
	Log        logx.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Worker owns one device. Its methods other than Status and LastLine must
// be called from a single goroutine.
type Worker struct {
	set  Settings
	deps Deps
	log  logx.Logger

	records  []accounts.Record
	revision string
	empty    int

	mu       sync.Mutex
	status   string
	lastLine string
}

func New(set Settings, deps Deps) *Worker {
	set.applyDefaults()
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Features == nil {
		deps.Features = func() eligibility.FeatureFlags { return eligibility.FeatureFlags{} }
	}
	return &Worker{
		set:    set,
		deps:   deps,
		log:    deps.Log.With(logx.String("device", set.Device)),
		status: "idle",
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

func (w *Worker) Device() string { return w.set.Device }

// Status is the current one-line state for display.
func (w *Worker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastLine is the most recent log line emitted.
func (w *Worker) LastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLine
}

func (w *Worker) setStatus(s string) {
	w.mu.Lock()
	changed := w.status != s
	w.status = s
	w.mu.Unlock()
	if changed && w.deps.Bus != nil {
		w.deps.Bus.Publish(eventbus.Event{
			Type:   eventbus.WorkerStatus,
			Device: w.set.Device,
			Data:   eventbus.StatusChange{Status: s, Running: s != "stopped" && s != "drained"},
		})
	}
}

// say logs a human line and publishes it, skipping exact repeats of the
// previous line.
func (w *Worker) say(log logx.Logger, level, text string, fields ...logx.Field) {
	w.mu.Lock()
	if text == w.lastLine {
		w.mu.Unlock()
		return
	}
	w.lastLine = text
	w.mu.Unlock()

	switch level {
	case "error":
		log.Error(text, fields...)
	case "warn":
		log.Warn(text, fields...)
	case "debug":
		log.Debug(text, fields...)
	default:
		log.Info(text, fields...)
	}
	if w.deps.Bus != nil {
		w.deps.Bus.Publish(eventbus.Event{
			Type:   eventbus.WorkerLog,
			Device: w.set.Device,
			Time:   w.deps.Now(),
			Data:   eventbus.LogLine{Level: level, Text: text},
		})
	}
}

// Run loops until ctx is cancelled. It returns nil on a cooperative stop and
// ErrDrained when a draining worker runs out of work.
func (w *Worker) Run(ctx context.Context) error {
	w.say(w.log, "info", "worker started")
	w.setStatus("starting")
	for {
		if ctx.Err() != nil {
			w.say(w.log, "info", "worker stopped")
			w.setStatus("stopped")
			return nil
		}
		wl, err := w.Cycle(ctx)

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			continue
		case errors.Is(err, ErrDrained):
			w.say(w.log, "info", "no due accounts twice in a row, draining")
			w.setStatus("drained")
			return ErrDrained
		case errors.Is(err, errNotReady):
			wait = w.set.PollInterval
			w.say(w.log, "warn", err.Error())
		case err != nil:
			wait = w.set.ErrorBackoff
			w.say(w.log, "error", "cycle failed: "+err.Error(), logx.Err(err))
			w.setStatus("backoff")
		case wl.Empty():
			wait = w.set.IdleSleep
			w.say(w.log, "info", fmt.Sprintf("no eligible accounts, resting %s", wait))
			w.setStatus("idle until " + w.deps.Now().Add(wait).Format("15:04"))
		default:
			wait = w.set.BetweenAccounts
		}
		_ = w.deps.Sleep(ctx, wait)
	}
}

// Cycle performs one scan and works through the resulting worklist.
func (w *Worker) Cycle(ctx context.Context) (eligibility.Worklist, error) {
	cycle := strings.SplitN(uuid.NewString(), "-", 2)[0]
	log := w.log.With(logx.String("cycle", cycle))
	flags := w.deps.Features()

	w.setStatus("checking device")
	if err := w.ensureDevice(ctx); err != nil {
		return eligibility.Worklist{}, err
	}
	if err := w.ensureApp(ctx, log); err != nil {
		return eligibility.Worklist{}, err
	}

	w.setStatus("scanning")
	records, err := w.refresh(ctx, log)
	if err != nil {
		return eligibility.Worklist{}, fmt.Errorf("load accounts: %w", err)
	}
	blessCfg := w.loadBless(ctx, log, flags)
	wl := eligibility.Scan(records, blessCfg, flags, w.deps.Now())

	if wl.Empty() {
		w.empty++
		if flags.Drain && w.empty >= 2 {
			return wl, ErrDrained
		}
		return wl, nil
	}
	w.empty = 0
	w.say(log, "info", fmt.Sprintf("%d of %d accounts due", len(wl.Items), wl.Scanned))

	for i, d := range wl.Items {
		if ctx.Err() != nil {
			return wl, ctx.Err()
		}
		w.setStatus(fmt.Sprintf("account %d/%d %s: %s", i+1, len(wl.Items), d.Record.Identity, strings.Join(d.Actions(), ", ")))
		alog := log.With(logx.String("account", d.Record.Identity))
		if err := w.processSafe(ctx, alog, cycle, d, flags); err != nil {
			if ctx.Err() != nil {
				return wl, ctx.Err()
			}
			w.say(alog, "error", fmt.Sprintf("%s: %v", d.Record.Identity, err), logx.Err(err))
			if err := w.deps.Sleep(ctx, w.set.ErrorBackoff); err != nil {
				return wl, err
			}
		}
	}
	return wl, nil
}

func (w *Worker) ensureDevice(ctx context.Context) error {
	st, err := w.deps.Device.ConnectionState(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotReady, err)
	}
	if st != device.Online {
		w.setStatus("device " + st.String())
		return fmt.Errorf("%w: %s", errNotReady, st)
	}
	return nil
}

func (w *Worker) ensureApp(ctx context.Context, log logx.Logger) error {
	fg, err := w.deps.Device.IsAppForeground(ctx, w.set.GamePackage)
	if err == nil && fg {
		return nil
	}
	w.setStatus("launching game")
	w.say(log, "info", "game not in foreground, launching")
	if _, err := w.deps.Device.LaunchApp(ctx, w.set.GamePackage, w.set.GameActivity); err != nil {
		return fmt.Errorf("%w: launch: %v", errNotReady, err)
	}
	deadline := w.deps.Now().Add(w.set.AppReadyTimeout)
	for w.deps.Now().Before(deadline) {
		if err := w.deps.Sleep(ctx, time.Second); err != nil {
			return err
		}
		if fg, err := w.deps.Device.IsAppForeground(ctx, w.set.GamePackage); err == nil && fg {
			return nil
		}
	}
	return fmt.Errorf("%w: game did not reach foreground", errNotReady)
}

// refresh reloads records only when the directory revision changed.
func (w *Worker) refresh(ctx context.Context, log logx.Logger) ([]accounts.Record, error) {
	rev, err := w.deps.Directory.Revision(ctx, w.set.Device)
	if err == nil && w.records != nil && rev == w.revision {
		return w.records, nil
	}
	recs, err2 := w.deps.Directory.List(ctx, w.set.Device)
	if err2 != nil {
		return nil, err2
	}
	w.records = recs
	if err == nil {
		w.revision = rev
	} else {
		w.revision = ""
	}
	log.Debug("accounts reloaded", logx.Int("count", len(recs)), logx.String("revision", rev))
	return recs, nil
}

func (w *Worker) loadBless(ctx context.Context, log logx.Logger, flags eligibility.FeatureFlags) accounts.BlessConfig {
	if !flags.Bless || w.deps.BlessStore == nil {
		return accounts.BlessConfig{}
	}
	cfg, err := w.deps.BlessStore.LoadBless(ctx, w.set.Device)
	if err != nil {
		w.say(log, "warn", "bless config unreadable: "+err.Error(), logx.Err(err))
		return accounts.BlessConfig{}
	}
	cfg.Normalize()
	if cfg.Prune(cooldown.Date(w.deps.Now())) {
		if err := w.deps.BlessStore.SaveBless(ctx, w.set.Device, cfg); err != nil {
			log.Warn("bless prune not saved", logx.Err(err))
		}
	}
	return cfg
}

// processSafe turns a panic in the account body into an error.
func (w *Worker) processSafe(ctx context.Context, log logx.Logger, cycle string, d eligibility.Decision, flags eligibility.FeatureFlags) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.processAccount(ctx, log, cycle, d, flags)
}

func (w *Worker) processAccount(ctx context.Context, log logx.Logger, cycle string, d eligibility.Decision, flags eligibility.FeatureFlags) error {
	rec := d.Record
	id := rec.Identity
	w.say(log, "info", fmt.Sprintf("processing %s: %s", id, strings.Join(d.Actions(), ", ")))

	if err := w.step(ctx, log, cycle, id, "logout", func(ctx context.Context) error {
		return w.deps.Flows.Logout(ctx, w.set.LogoutRounds)
	}); err != nil {
		return skipOrStop(ctx, err)
	}
	if err := w.step(ctx, log, cycle, id, "login", func(ctx context.Context) error {
		return w.deps.Flows.Login(ctx, flows.Credentials{Identity: id, Secret: rec.Secret, Server: rec.Server})
	}); err != nil {
		return skipOrStop(ctx, err)
	}

	if d.JoinGuild {
		if err := w.step(ctx, log, cycle, id, "join_guild", w.deps.Flows.JoinGuild); halted(ctx, err) {
			return ctx.Err()
		}
	}

	var built, expedited bool
	if d.Build {
		err := w.step(ctx, log, cycle, id, "build", func(ctx context.Context) error {
			if err := w.deps.Flows.EnsureInsideGuild(ctx); err != nil {
				return err
			}
			return w.deps.Flows.Build(ctx)
		})
		if err == nil {
			built = true
			w.persist(ctx, log, id, accounts.FieldLastBuildDate, cooldown.Date(w.deps.Now()))
		} else if halted(ctx, err) {
			return ctx.Err()
		}
	}
	if d.Expedition {
		err := w.step(ctx, log, cycle, id, "expedition", func(ctx context.Context) error {
			if err := w.deps.Flows.EnsureInsideGuild(ctx); err != nil {
				return err
			}
			return w.deps.Flows.Expedition(ctx)
		})
		if err == nil {
			expedited = true
			w.persist(ctx, log, id, accounts.FieldLastExpedition, cooldown.Minute(w.deps.Now()))
		} else if halted(ctx, err) {
			return ctx.Err()
		}
	}
	if len(d.Bless) > 0 {
		var blessed []string
		err := w.step(ctx, log, cycle, id, "bless", func(ctx context.Context) error {
			var err error
			blessed, err = w.deps.Flows.Bless(ctx, d.Bless)
			return err
		})
		w.persistBless(ctx, log, id, blessed)
		if halted(ctx, err) {
			return ctx.Err()
		}
	}
	if flags.AutoLeave && (built || expedited) {
		err := w.step(ctx, log, cycle, id, "leave_guild", w.deps.Flows.LeaveGuild)
		if err == nil {
			w.persist(ctx, log, id, accounts.FieldLastLeave, cooldown.Minute(w.deps.Now()))
		} else if halted(ctx, err) {
			return ctx.Err()
		}
	}

	if err := w.step(ctx, log, cycle, id, "logout", func(ctx context.Context) error {
		return w.deps.Flows.Logout(ctx, w.set.LogoutRounds)
	}); halted(ctx, err) {
		return ctx.Err()
	}
	return nil
}

func halted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || flows.IsStopped(err)
}

// skipOrStop hides ordinary flow failures (the account is skipped and
// already logged) and surfaces cancellation.
func skipOrStop(ctx context.Context, err error) error {
	if halted(ctx, err) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// step runs one flow, logging and journaling its outcome. Nothing runs once
// ctx is done.
func (w *Worker) step(ctx context.Context, log logx.Logger, cycle, account, action string, fn func(context.Context) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	start := w.deps.Now()
	err := fn(ctx)
	took := w.deps.Now().Sub(start)

	switch {
	case err == nil:
		w.say(log, "info", fmt.Sprintf("%s: %s ok", account, action), logx.Duration("took", took))
	case halted(ctx, err):
		w.say(log, "info", fmt.Sprintf("%s: %s interrupted", account, action))
	default:
		w.say(log, "warn", fmt.Sprintf("%s: %s failed: %v", account, action, err), logx.Err(err))
	}
	w.journal(ctx, storage.Outcome{
		At: start, Cycle: cycle, Device: w.set.Device, Account: account, Action: action,
		OK: err == nil, Error: errText(err), TookMS: took.Milliseconds(),
	})
	return err
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (w *Worker) journal(ctx context.Context, o storage.Outcome) {
	if w.deps.Journal == nil {
		return
	}
	if err := w.deps.Journal.AppendOutcome(context.WithoutCancel(ctx), o); err != nil {
		w.log.Debug("journal append failed", logx.Err(err))
	}
}

// persist writes a field back. Writes ignore cancellation so an outcome that
// already happened on the device is never lost to a stop.
func (w *Worker) persist(ctx context.Context, log logx.Logger, identity string, f accounts.Field, value string) {
	ok, err := w.deps.Directory.SetField(context.WithoutCancel(ctx), w.set.Device, identity, f, value)
	switch {
	case err != nil:
		w.say(log, "error", fmt.Sprintf("%s: saving %s failed: %v", identity, f, err), logx.Err(err))
	case !ok:
		w.say(log, "warn", fmt.Sprintf("%s: no row to update for %s", identity, f))
	default:
		log.Debug("field saved", logx.String("field", f.String()), logx.String("value", value))
	}
	// The next scan must see the stored row, not a cached one.
	w.records = nil
}

func (w *Worker) persistBless(ctx context.Context, log logx.Logger, identity string, blessed []string) {
	if len(blessed) == 0 {
		return
	}
	pctx := context.WithoutCancel(ctx)
	now := w.deps.Now()

	if w.deps.BlessStore != nil {
		cfg, err := w.deps.BlessStore.LoadBless(pctx, w.set.Device)
		if err == nil {
			cfg.Normalize()
			for _, name := range blessed {
				cfg.MarkBlessed(name, identity, now)
			}
			err = w.deps.BlessStore.SaveBless(pctx, w.set.Device, cfg)
		}
		if err != nil {
			w.say(log, "error", "saving bless history failed: "+err.Error(), logx.Err(err))
		}
	}

	// The counter is re-read so the increment applies to the stored value.
	recs, err := w.deps.Directory.List(pctx, w.set.Device)
	if err != nil {
		w.say(log, "error", "re-reading bless counter failed: "+err.Error(), logx.Err(err))
		return
	}
	rec, ok := accounts.Find(recs, identity)
	if !ok {
		w.say(log, "warn", fmt.Sprintf("%s: no row to update for %s", identity, accounts.FieldBlessCounter))
		return
	}
	next := cooldown.ParseCounter(rec.BlessCounter).Add(now, len(blessed))
	w.persist(ctx, log, identity, accounts.FieldBlessCounter, next.String())
}
