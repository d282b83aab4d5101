package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "guildbot/pkg/logx"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		path := filepath.Join(t.TempDir(), "journal.db")
		st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
		require.NoError(t, err, driver)
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "bolt"}, logx.Nop())
	assert.Error(t, err)
}

func TestRecentOutcomesNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				dev := "5555"
				if i%2 == 1 {
					dev = "5557"
				}
				require.NoError(t, st.AppendOutcome(ctx, Outcome{
					At: base.Add(time.Duration(i) * time.Minute), Cycle: "c1", Device: dev,
					Account: fmt.Sprintf("a%d@x.io", i), Action: "build", OK: i != 2, TookMS: int64(i),
				}))
			}

			got, err := st.RecentOutcomes(ctx, "5555", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a4@x.io", got[0].Account)
			assert.Equal(t, "a2@x.io", got[1].Account)
			assert.False(t, got[1].OK)
			assert.True(t, got[0].At.Equal(base.Add(4*time.Minute)))

			all, err := st.RecentOutcomes(ctx, "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestMarks(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			assert.False(t, MarkActive(ctx, st, "offline:5555", now))
			require.NoError(t, st.PutMark(ctx, "offline:5555", now.Add(time.Hour)))
			assert.True(t, MarkActive(ctx, st, "offline:5555", now))
			assert.False(t, MarkActive(ctx, st, "offline:5555", now.Add(2*time.Hour)))
		})
	}
	assert.False(t, MarkActive(ctx, nil, "k", now))
}

func TestFileMarksSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.PutMark(ctx, "k", until))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, ok, err := st.GetMark(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(until))
}
