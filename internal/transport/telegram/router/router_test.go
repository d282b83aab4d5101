package router

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildbot/internal/accounts"
	"guildbot/internal/control"
	"guildbot/internal/eligibility"
	"guildbot/internal/eventbus"
	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	"guildbot/internal/worker"
	logx "guildbot/pkg/logx"
)

const owner = int64(7)

type sent struct {
	to   kit.ChatTarget
	text string
}

type recordSender struct {
	mu  sync.Mutex
	out []sent
}

func (s *recordSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.out)}, nil
}

func (s *recordSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.out))
	for i, m := range s.out {
		out[i] = m.text
	}
	return out
}

func (s *recordSender) last() string {
	t := s.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

type fakeControl struct {
	started []string
	stopped []string
	startFn func(dev string) (bool, error)
	planErr error
}

func (f *fakeControl) StartWorker(_ context.Context, dev string) (bool, error) {
	f.started = append(f.started, dev)
	if f.startFn != nil {
		return f.startFn(dev)
	}
	return true, nil
}

func (f *fakeControl) StopWorker(dev string) bool {
	f.stopped = append(f.stopped, dev)
	return dev == "5555"
}

func (f *fakeControl) StatusText(dev string) string { return dev + " [running] working" }

func (f *fakeControl) Devices(context.Context) []control.DeviceSummary {
	return []control.DeviceSummary{
		{Device: "5555", Status: "working", Running: true, Accounts: 3, Enabled: 2},
		{Device: "5556", Status: "not started", Err: "read failed"},
	}
}

func (f *fakeControl) Plan(_ context.Context, dev string) (eligibility.Worklist, error) {
	if f.planErr != nil {
		return eligibility.Worklist{}, f.planErr
	}
	return eligibility.Worklist{
		Scanned: 2,
		Items: []eligibility.Decision{
			{Record: accounts.Record{Identity: "a@x.io"}, Build: true},
		},
	}, nil
}

func newRouter(t *testing.T, journal storage.Store) (*Router, *recordSender, *fakeControl) {
	t.Helper()
	s := &recordSender{}
	c := &fakeControl{}
	r := New(Options{Sender: s, Control: c, Journal: journal, Owners: []int64{owner}, Log: logx.Nop()})
	return r, s, c
}

func send(t *testing.T, r *Router, from int64, text string) {
	t.Helper()
	name, args, ok := parseCommand(text)
	require.True(t, ok, text)
	req := &Request{
		Message: kit.Message{ChatID: 100, FromID: from, Text: text},
		Chat:    kit.ChatTarget{ChatID: 100},
		FromID:  from,
		Command: name,
		Args:    args,
	}
	_ = r.Handle(context.Background(), req)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{in: "/start 5555 5556", name: "start", args: []string{"5555", "5556"}, ok: true},
		{in: "/Status@guild_bot 5555", name: "status", args: []string{"5555"}, ok: true},
		{in: "  /help  ", name: "help", args: []string{}, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.name, name, tt.in)
			assert.Equal(t, tt.args, args, tt.in)
		}
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	r, s, c := newRouter(t, nil)
	send(t, r, 99, "/start 5555")
	assert.Empty(t, c.started)
	assert.Contains(t, s.last(), "Owner only")

	send(t, r, 99, "/help")
	assert.Contains(t, s.last(), "/start &lt;port&gt;...")
}

func TestStartReportsEachDevice(t *testing.T) {
	t.Parallel()
	r, s, c := newRouter(t, nil)
	c.startFn = func(dev string) (bool, error) {
		switch dev {
		case "5556":
			return false, nil
		case "5557":
			return false, worker.ErrStopping
		case "5558":
			return false, fmt.Errorf("5558: %w", control.ErrNoAccounts)
		}
		return true, nil
	}
	send(t, r, owner, "/start 5555 5556 5557 5558")
	assert.Equal(t, []string{"5555", "5556", "5557", "5558"}, c.started)
	out := s.last()
	assert.Contains(t, out, "5555: started")
	assert.Contains(t, out, "5556: already running")
	assert.Contains(t, out, "5557: still stopping")
	assert.Contains(t, out, "5558: no enabled accounts")
}

func TestStopAndStatus(t *testing.T) {
	t.Parallel()
	r, s, c := newRouter(t, nil)
	send(t, r, owner, "/stop 5555 5556")
	assert.Equal(t, []string{"5555", "5556"}, c.stopped)
	assert.Contains(t, s.last(), "5555: stopping")
	assert.Contains(t, s.last(), "5556: not running")

	send(t, r, owner, "/status 5555")
	assert.Contains(t, s.last(), "5555 [running] working")
}

func TestUsageAndUnknown(t *testing.T) {
	t.Parallel()
	r, s, _ := newRouter(t, nil)
	send(t, r, owner, "/plan")
	assert.Contains(t, s.last(), "Usage")
	send(t, r, owner, "/nope")
	assert.Contains(t, s.last(), "Unknown command")
}

func TestPlanAndDevices(t *testing.T) {
	t.Parallel()
	r, s, c := newRouter(t, nil)
	send(t, r, owner, "/plan 5555")
	assert.Contains(t, s.last(), "- a@x.io: build")

	c.planErr = control.ErrUnknownDevice
	send(t, r, owner, "/plan 9")
	assert.Contains(t, s.last(), "unknown device")

	send(t, r, owner, "/devices")
	assert.Contains(t, s.last(), "🟢 5555  2/3 enabled  working")
	assert.Contains(t, s.last(), "! read failed")
}

func TestRecentReadsJournal(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendOutcome(context.Background(), storage.Outcome{At: at, Device: "5555", Account: "a@x.io", Action: "build", OK: true, TookMS: 1500}))
	require.NoError(t, st.AppendOutcome(context.Background(), storage.Outcome{At: at.Add(time.Minute), Device: "5555", Account: "a@x.io", Action: "leave", Error: "timeout"}))

	r, s, _ := newRouter(t, st)
	send(t, r, owner, "/recent 5555")
	out := s.last()
	assert.Contains(t, out, "✗ a@x.io leave (0s): timeout")
	assert.Contains(t, out, "✓ a@x.io build (1.5s)")

	send(t, r, owner, "/recent 5555 500")
	assert.Contains(t, s.last(), "n must be between 1 and 50")

	r2, s2, _ := newRouter(t, nil)
	send(t, r2, owner, "/recent 5555")
	assert.Contains(t, s2.last(), "Journal is disabled")
}

func TestDispatchLoopRoutesMessages(t *testing.T) {
	t.Parallel()
	r, s, _ := newRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Message, 1)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	updates <- kit.Message{ChatID: 1, FromID: owner, Text: "/status 5555"}
	require.Eventually(t, func() bool { return s.last() != "" }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestAlerterDedupsThroughMarks(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := &recordSender{}
	a := &Alerter{Sender: s, Target: kit.ChatTarget{ChatID: 5}, Marks: st, Window: 10 * time.Minute, Log: logx.Nop(), Now: func() time.Time { return now }}

	events := make(chan eventbus.Event, 8)
	exit := func(reason, errText string) eventbus.Event {
		return eventbus.Event{Type: eventbus.WorkerExit, Device: "5555", Data: eventbus.Exit{Reason: reason, Err: errText}}
	}
	events <- exit("panic", "boom <x>")
	events <- exit("panic", "boom again")
	events <- exit("stopped", "")
	events <- eventbus.Event{Type: eventbus.WorkerLog, Device: "5555"}
	events <- exit("drained", "")
	close(events)
	require.NoError(t, a.Run(context.Background(), events))

	got := s.texts()
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "exited: panic")
	assert.Contains(t, got[0], "boom &lt;x&gt;")
	assert.Contains(t, got[1], "exited: drained")

	now = now.Add(11 * time.Minute)
	more := make(chan eventbus.Event, 1)
	more <- exit("panic", "boom")
	close(more)
	require.NoError(t, a.Run(context.Background(), more))
	assert.Len(t, s.texts(), 3, "window elapsed")
}

func TestAlerterLocalDedupWithoutStore(t *testing.T) {
	t.Parallel()
	s := &recordSender{}
	a := &Alerter{Sender: s, Log: logx.Nop()}
	events := make(chan eventbus.Event, 2)
	events <- eventbus.Event{Type: eventbus.WorkerExit, Device: "1", Data: eventbus.Exit{Reason: "error"}}
	events <- eventbus.Event{Type: eventbus.WorkerExit, Device: "1", Data: eventbus.Exit{Reason: "error"}}
	close(events)
	require.NoError(t, a.Run(context.Background(), events))
	assert.Len(t, s.texts(), 1)
}
