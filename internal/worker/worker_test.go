package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildbot/internal/accounts"
	"guildbot/internal/device"
	"guildbot/internal/eligibility"
	"guildbot/internal/eventbus"
	"guildbot/internal/flows"
	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"
)

const dev = "5555"

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)

type fakeChannel struct {
	state      device.ConnState
	foreground bool
	launches   int
}

func (c *fakeChannel) Tap(context.Context, int, int) error { return nil }
func (c *fakeChannel) Swipe(context.Context, int, int, int, int, time.Duration) error {
	return nil
}
func (c *fakeChannel) TypeText(context.Context, string) error { return nil }
func (c *fakeChannel) KeyEvent(context.Context, int) error    { return nil }
func (c *fakeChannel) CaptureFrame(context.Context) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 1, 1)), nil
}
func (c *fakeChannel) IsAppForeground(context.Context, string) (bool, error) {
	return c.foreground, nil
}
func (c *fakeChannel) LaunchApp(context.Context, string, string) (bool, error) {
	c.launches++
	c.foreground = true
	return true, nil
}
func (c *fakeChannel) ConnectionState(context.Context) (device.ConnState, error) {
	return c.state, nil
}

// fakeFlows records "action(account)" calls. Hooks may fail or cancel.
type fakeFlows struct {
	mu      sync.Mutex
	account string
	calls   []string
	hooks   map[string]func(ctx context.Context) error
	blessed map[string][]string
}

func newFakeFlows() *fakeFlows {
	return &fakeFlows{hooks: map[string]func(context.Context) error{}, blessed: map[string][]string{}}
}

func (f *fakeFlows) on(action, account string, fn func(ctx context.Context) error) {
	f.hooks[action+"("+account+")"] = fn
}

func (f *fakeFlows) call(ctx context.Context, action string) error {
	f.mu.Lock()
	key := action + "(" + f.account + ")"
	f.calls = append(f.calls, key)
	hook := f.hooks[key]
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return nil
}

func (f *fakeFlows) Login(ctx context.Context, cred flows.Credentials) error {
	f.account = cred.Identity
	return f.call(ctx, "login")
}
func (f *fakeFlows) Logout(ctx context.Context, _ int) error     { return f.call(ctx, "logout") }
func (f *fakeFlows) JoinGuild(ctx context.Context) error         { return f.call(ctx, "join") }
func (f *fakeFlows) EnsureInsideGuild(ctx context.Context) error { return f.call(ctx, "ensure") }
func (f *fakeFlows) Build(ctx context.Context) error             { return f.call(ctx, "build") }
func (f *fakeFlows) Expedition(ctx context.Context) error        { return f.call(ctx, "expedition") }
func (f *fakeFlows) LeaveGuild(ctx context.Context) error        { return f.call(ctx, "leave") }
func (f *fakeFlows) Bless(ctx context.Context, targets []string) ([]string, error) {
	err := f.call(ctx, "bless")
	return f.blessed[f.account], err
}

func (f *fakeFlows) callsFor(account string) []string {
	var out []string
	for _, c := range f.calls {
		if strings.HasSuffix(c, "("+account+")") {
			out = append(out, strings.TrimSuffix(c, "("+account+")"))
		}
	}
	return out
}

type fixture struct {
	store *accounts.FileStore
	ch    *fakeChannel
	fl    *fakeFlows
	flags eligibility.FeatureFlags
	bus   *eventbus.MemBus
	w     *Worker
}

func newFixture(t *testing.T, rows ...string) *fixture {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, filepath.Join("data", dev, accounts.AccountsFile),
		[]byte(strings.Join(rows, "\n")+"\n"), 0o644))
	fx := &fixture{
		store: accounts.NewFileStore(fsys, "data"),
		ch:    &fakeChannel{state: device.Online, foreground: true},
		fl:    newFakeFlows(),
		bus:   eventbus.New(),
	}
	fx.w = New(Settings{Device: dev, GamePackage: "com.example.game"}, Deps{
		Device:     fx.ch,
		Flows:      fx.fl,
		Directory:  fx.store,
		BlessStore: fx.store,
		Features:   func() eligibility.FeatureFlags { return fx.flags },
		Bus:        fx.bus,
		Log:        logx.Nop(),
		Now:        func() time.Time { return testNow },
		Sleep:      func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
	return fx
}

func (fx *fixture) record(t *testing.T, id string) accounts.Record {
	t.Helper()
	recs, err := fx.store.List(context.Background(), dev)
	require.NoError(t, err)
	r, ok := accounts.Find(recs, id)
	require.True(t, ok, id)
	return r
}

func TestBuildThenSameDayRescanExcludes(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260301,1,,,")
	fx.flags = eligibility.FeatureFlags{Build: true}
	ctx := context.Background()

	wl, err := fx.w.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, wl.Items, 1)
	assert.True(t, wl.Items[0].Build)
	assert.False(t, wl.Items[0].Expedition)
	assert.Empty(t, wl.Items[0].Bless)
	assert.Equal(t, []string{"logout", "login", "join", "ensure", "build", "logout"}, fx.fl.callsFor("a@x.io"))
	assert.Equal(t, "20260302", fx.record(t, "a@x.io").LastBuildDate)

	wl, err = fx.w.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, wl.Empty())
	assert.Len(t, fx.fl.calls, 6, "no device work on the rescan")
}

func TestStopMidLoopKeepsEarlierWrites(t *testing.T) {
	fx := newFixture(t,
		"a@x.io,pw,s1,20260301,1,,,",
		"b@x.io,pw,s1,20260301,1,,,",
		"c@x.io,pw,s1,20260301,1,,,",
	)
	fx.flags = eligibility.FeatureFlags{Build: true, Expedition: true}
	ctx, cancel := context.WithCancel(context.Background())
	fx.fl.on("build", "b@x.io", func(ctx context.Context) error {
		cancel()
		return fmt.Errorf("build: %w", flows.ErrStopped)
	})

	_, err := fx.w.Cycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	a := fx.record(t, "a@x.io")
	assert.Equal(t, "20260302", a.LastBuildDate)
	assert.Equal(t, "20260302:1000", a.LastExpedition)

	b := fx.record(t, "b@x.io")
	assert.Equal(t, "20260301", b.LastBuildDate)
	assert.Empty(t, b.LastExpedition)

	assert.Equal(t, []string{"logout", "login", "join", "ensure", "build"}, fx.fl.callsFor("b@x.io"),
		"nothing after the stop, not even the final logout")
	assert.Empty(t, fx.fl.callsFor("c@x.io"))
}

func TestLeaveOnlyAfterRealGuildWork(t *testing.T) {
	fx := newFixture(t,
		"a@x.io,pw,s1,20260301,1,,,",
		"b@x.io,pw,s1,20260301,1,,,",
	)
	fx.flags = eligibility.FeatureFlags{Build: true, AutoLeave: true}
	fx.fl.on("build", "a@x.io", func(context.Context) error { return flows.ErrTimeout })

	_, err := fx.w.Cycle(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, fx.fl.callsFor("a@x.io"), "leave")
	assert.Empty(t, fx.record(t, "a@x.io").LastLeave)
	assert.Equal(t, "20260301", fx.record(t, "a@x.io").LastBuildDate)

	assert.Contains(t, fx.fl.callsFor("b@x.io"), "leave")
	assert.Equal(t, "20260302:1000", fx.record(t, "b@x.io").LastLeave)
}

func TestLoginFailureSkipsOnlyThatAccount(t *testing.T) {
	fx := newFixture(t,
		"a@x.io,pw,s1,20260301,1,,,",
		"b@x.io,pw,s1,20260301,1,,,",
	)
	fx.flags = eligibility.FeatureFlags{Build: true}
	fx.fl.on("login", "a@x.io", func(context.Context) error { return flows.ErrTimeout })

	_, err := fx.w.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"logout", "login"}, fx.fl.callsFor("a@x.io"))
	assert.Equal(t, "20260302", fx.record(t, "b@x.io").LastBuildDate)
}

func TestPanicInAccountIsContained(t *testing.T) {
	fx := newFixture(t,
		"a@x.io,pw,s1,20260301,1,,,",
		"b@x.io,pw,s1,20260301,1,,,",
	)
	fx.flags = eligibility.FeatureFlags{Build: true}
	fx.fl.on("build", "a@x.io", func(context.Context) error { panic("template cache corrupted") })

	_, err := fx.w.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "20260301", fx.record(t, "a@x.io").LastBuildDate)
	assert.Equal(t, "20260302", fx.record(t, "b@x.io").LastBuildDate)
}

func TestBlessPersistsHistoryAndCounter(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260302,1,,,20260302:3")
	fx.flags = eligibility.FeatureFlags{Bless: true}
	ctx := context.Background()
	require.NoError(t, fx.store.SaveBless(ctx, dev, accounts.BlessConfig{
		PerRun: 1,
		Items: []accounts.BlessTarget{
			{Name: "Dragon", Blessed: map[string][]string{"20260301": {"old@x.io"}}},
		},
	}))
	fx.fl.blessed["a@x.io"] = []string{"Dragon"}

	wl, err := fx.w.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, wl.Items, 1)
	assert.Equal(t, []string{"Dragon"}, wl.Items[0].Bless)
	assert.NotContains(t, fx.fl.callsFor("a@x.io"), "join")

	cfg, err := fx.store.LoadBless(ctx, dev)
	require.NoError(t, err)
	tgt := cfg.Target("dragon")
	require.NotNil(t, tgt)
	assert.Equal(t, []string{"a@x.io"}, tgt.Blessed["20260302"])
	assert.NotContains(t, tgt.Blessed, "20260301", "history pruned to today")
	assert.Equal(t, "20260302:10", tgt.Last)
	assert.Equal(t, "20260302:4", fx.record(t, "a@x.io").BlessCounter)
}

func TestDisabledAccountsNeverTouched(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260301,0,,,")
	fx.flags = eligibility.FeatureFlags{Build: true, Expedition: true}
	wl, err := fx.w.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, wl.Empty())
	assert.Empty(t, fx.fl.calls)
}

func TestOfflineDeviceSkipsCycle(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260301,1,,,")
	fx.flags = eligibility.FeatureFlags{Build: true}
	fx.ch.state = device.Booting

	_, err := fx.w.Cycle(context.Background())
	assert.ErrorIs(t, err, errNotReady)
	assert.Empty(t, fx.fl.calls)
	assert.Equal(t, "device booting", fx.w.Status())
}

func TestLaunchesGameWhenNotForeground(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260302,1,,,")
	fx.ch.foreground = false
	_, err := fx.w.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fx.ch.launches)
}

func TestDrainStopsAfterTwoEmptyScans(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260302,1,,,")
	fx.flags = eligibility.FeatureFlags{Build: true, Drain: true}
	events, unsub := fx.bus.Subscribe(64)
	defer unsub()

	err := fx.w.Run(context.Background())
	assert.ErrorIs(t, err, ErrDrained)
	assert.Equal(t, "drained", fx.w.Status())

	var lines []string
	for len(events) > 0 {
		e := <-events
		if e.Type == eventbus.WorkerLog {
			lines = append(lines, e.Data.(eventbus.LogLine).Text)
		}
	}
	assert.Contains(t, lines, "worker started")
	idle := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "no eligible accounts") {
			idle++
		}
	}
	assert.Equal(t, 1, idle)
}

func TestSayDeduplicatesRepeats(t *testing.T) {
	fx := newFixture(t)
	events, unsub := fx.bus.Subscribe(8)
	defer unsub()
	fx.w.say(fx.w.log, "info", "waiting")
	fx.w.say(fx.w.log, "info", "waiting")
	fx.w.say(fx.w.log, "info", "done")
	fx.w.say(fx.w.log, "info", "waiting")
	require.Len(t, events, 3)
	assert.Equal(t, "waiting", fx.w.LastLine())
}

func TestRunReturnsNilOnStop(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260302,1,,,")
	ctx, cancel := context.WithCancel(context.Background())
	fx.w.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	require.NoError(t, fx.w.Run(ctx))
	assert.Equal(t, "stopped", fx.w.Status())
}

func TestJournalRecordsOutcomes(t *testing.T) {
	fx := newFixture(t, "a@x.io,pw,s1,20260301,1,,,")
	fx.flags = eligibility.FeatureFlags{Build: true}
	j, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal")}, logx.Nop())
	require.NoError(t, err)
	defer j.Close()
	fx.w.deps.Journal = j
	fx.fl.on("join", "a@x.io", func(context.Context) error { return errors.New("no guild list") })

	_, err = fx.w.Cycle(context.Background())
	require.NoError(t, err)

	got, err := j.RecentOutcomes(context.Background(), dev, 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "logout", got[0].Action)
	assert.Equal(t, "build", got[1].Action)
	assert.True(t, got[1].OK)
	assert.Equal(t, "join_guild", got[2].Action)
	assert.False(t, got[2].OK)
	assert.Equal(t, "no guild list", got[2].Error)
	assert.Equal(t, got[0].Cycle, got[4].Cycle)
}
