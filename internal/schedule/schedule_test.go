package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "guildbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, cron: "@daily"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, cron: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, cron: "@every 10m0s", every: 10 * time.Minute},
		{name: "prefixed every", raw: "every:45s", kind: SpecInterval, cron: "@every 45s", every: 45 * time.Second},
		{name: "prefixed interval", raw: "interval:1h", kind: SpecInterval, cron: "@every 1h0m0s", every: time.Hour},
		{name: "daily", raw: "06:30", kind: SpecDaily, cron: "30 6 * * *"},
		{name: "prefixed daily", raw: "daily:0:05", kind: SpecDaily, cron: "5 0 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.cron, got.CronSpec())
			assert.Equal(t, tt.every, got.Every)
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "24:00", "06:60", "every:", "every:-1m", "cron:"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New("", logx.Nop())
	err := s.Add("x", "cron:99 * * * *", func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Names())
	assert.Error(t, s.Add("", "1m", func(context.Context) error { return nil }))
}

func TestNextHonorsTimezone(t *testing.T) {
	t.Parallel()
	s := New("Asia/Ho_Chi_Minh", logx.Nop())
	require.NoError(t, s.Add("prune", "06:00", func(context.Context) error { return nil }))

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // 07:00 in UTC+7
	next, ok := s.Next("prune", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC), next.UTC())

	_, ok = s.Next("missing", from)
	assert.False(t, ok)
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()
	s := New("", logx.Nop())
	require.NoError(t, s.Add("a", "1h", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("a", "2h", func(context.Context) error { return nil }))
	assert.Equal(t, []string{"a"}, s.Names())
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
}

func TestServiceRunsJobs(t *testing.T) {
	t.Parallel()
	s := New("", logx.Nop())
	var runs atomic.Int32
	done := make(chan struct{}, 1)
	require.NoError(t, s.Add("tick", "every:1s", func(ctx context.Context) error {
		runs.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}))

	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestStopCancelsJobContext(t *testing.T) {
	t.Parallel()
	s := New("", logx.Nop())
	started := make(chan struct{})
	ended := make(chan error, 1)
	require.NoError(t, s.Add("long", "every:1s", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		ended <- ctx.Err()
		return ctx.Err()
	}))
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, <-ended, context.Canceled)
}
