package accounts

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dev = "62001"

func newStore(t *testing.T, table string) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s := NewFileStore(fsys, "/data")
	if table != "" {
		require.NoError(t, afero.WriteFile(fsys, filepath.Join("/data", dev, AccountsFile), []byte(table), 0o644))
	}
	return s, fsys
}

func readTable(t *testing.T, fsys afero.Fs) string {
	t.Helper()
	b, err := afero.ReadFile(fsys, filepath.Join("/data", dev, AccountsFile))
	require.NoError(t, err)
	return string(b)
}

func TestListCurrentSchemaLossless(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t, "")
	want := []Record{
		{Identity: "a@x.vn", Secret: "pw1", Server: "12", LastBuildDate: "20250309", Enabled: true,
			LastLeave: "20250309:0800", LastExpedition: "20250309:0900", BlessCounter: "20250309:4"},
		{Identity: "b@x.vn", Secret: "pw2", Server: "7", Enabled: false},
	}
	for _, r := range want {
		require.NoError(t, s.Add(ctx, dev, r))
	}

	got, err := s.List(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListUpgradesLegacyWidths(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, strings.Join([]string{
		"# email,pwd,server,date,status",
		"v5@x.vn,p,1,20250301,1",
		"",
		"v6@x.vn,p,1,20250301,true,20250301:1000",
		"v7@x.vn,p,1,20250301,0,20250301:1000,20250301:1100",
		"short,row",
		"v8@x.vn,p,1,20250301,1,,,20250301:2",
	}, "\n")+"\n")

	got, err := s.List(context.Background(), dev)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, Record{Identity: "v5@x.vn", Secret: "p", Server: "1", LastBuildDate: "20250301", Enabled: true}, got[0])
	assert.Equal(t, "20250301:1000", got[1].LastLeave)
	assert.True(t, got[1].Enabled)
	assert.False(t, got[2].Enabled)
	assert.Equal(t, "20250301:1100", got[2].LastExpedition)
	assert.Equal(t, "20250301:2", got[3].BlessCounter)
}

func TestSetFieldRewritesOnlyMatchingLine(t *testing.T) {
	t.Parallel()

	legacy := "a@x.vn,p1,1,20250301,1\r\n" +
		"b@x.vn , p2 , 2 , 20250301 , 1\r\n" +
		"# comment stays\r\n" +
		"c@x.vn,p3,3,20250301,1"
	s, fsys := newStore(t, legacy)

	ok, err := s.SetField(context.Background(), dev, "B@X.VN", FieldLastBuildDate, "20250310")
	require.NoError(t, err)
	require.True(t, ok)

	want := "a@x.vn,p1,1,20250301,1\r\n" +
		"b@x.vn,p2,2,20250310,1,,,\r\n" +
		"# comment stays\r\n" +
		"c@x.vn,p3,3,20250301,1"
	assert.Equal(t, want, readTable(t, fsys))

	recs, err := s.List(context.Background(), dev)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "20250310", recs[1].LastBuildDate)
	assert.Equal(t, "", recs[1].LastLeave)
	assert.Equal(t, "", recs[1].LastExpedition)
	assert.Equal(t, "", recs[1].BlessCounter)
}

func TestSetFieldMissingIdentity(t *testing.T) {
	t.Parallel()

	table := "a@x.vn,p1,1,20250301,1\n"
	s, fsys := newStore(t, table)
	ok, err := s.SetField(context.Background(), dev, "nobody@x.vn", FieldStatus, "0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, table, readTable(t, fsys))
}

func TestSetFieldRejects(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, "a@x.vn,p1,1,20250301,1\n")
	_, err := s.SetField(context.Background(), dev, "a@x.vn", FieldIdentity, "z@x.vn")
	assert.ErrorIs(t, err, ErrImmutableField)

	_, err = s.SetField(context.Background(), dev, "a@x.vn", FieldServer, "1,2")
	assert.Error(t, err)
}

func TestAddRejectsDuplicate(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, "a@x.vn,p1,1,20250301,1")
	err := s.Add(context.Background(), dev, Record{Identity: "A@x.vn", Secret: "x"})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.Add(context.Background(), dev, Record{Identity: "n@x.vn", Secret: "x", Enabled: true}))
	recs, err := s.List(context.Background(), dev)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "n@x.vn", recs[1].Identity)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	s, fsys := newStore(t, "a@x.vn,p1,1,20250301,1\nb@x.vn,p,1,,1,,,20250301:1\n")
	n, err := s.Migrate(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "a@x.vn,p1,1,20250301,1,,,\nb@x.vn,p,1,,1,,,20250301:1\n", readTable(t, fsys))

	n, err = s.Migrate(context.Background(), dev)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevisionTracksChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newStore(t, "")
	r0, err := s.Revision(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, "absent", r0)

	require.NoError(t, s.Add(ctx, dev, Record{Identity: "a@x.vn"}))
	r1, err := s.Revision(ctx, dev)
	require.NoError(t, err)
	r1again, err := s.Revision(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, r1, r1again)

	require.NoError(t, s.Add(ctx, dev, Record{Identity: "b@x.vn"}))
	r2, err := s.Revision(ctx, dev)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}

func TestDevices(t *testing.T) {
	t.Parallel()

	s, fsys := newStore(t, "a@x.vn,p,1,,1")
	require.NoError(t, fsys.MkdirAll("/data/empty", 0o755))
	got, err := s.Devices()
	require.NoError(t, err)
	assert.Equal(t, []string{dev}, got)
}

func TestBlessRoundTripAndPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, fsys := newStore(t, "")
	require.NoError(t, afero.WriteFile(fsys, filepath.Join("/data", dev, BlessFile), []byte(`{
		"cooldown_hours": -3,
		"per_run": 2,
		"items": [
			{"name": "Boss", "last": "20250309:10", "blessed": {"20250309": ["a@x.vn"], "20250310": ["b@x.vn"]}},
			{"name": "boss", "last": "20250310:08", "blessed": {"20250310": ["c@x.vn", "b@x.vn"]}},
			{"name": "  "},
			{"name": "Queen"}
		]}`), 0o644))

	cfg, err := s.LoadBless(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.CooldownHours)
	assert.Equal(t, 2, cfg.PerRun)
	require.Len(t, cfg.Items, 2)
	assert.Equal(t, []string{"Boss", "Queen"}, cfg.Names())
	boss := cfg.Items[0]
	assert.Equal(t, "20250310:08", boss.Last)
	assert.ElementsMatch(t, []string{"b@x.vn", "c@x.vn"}, boss.Blessed["20250310"])

	assert.True(t, cfg.Prune("20250310"))
	assert.False(t, cfg.Prune("20250310"))
	_, stale := cfg.Items[0].Blessed["20250309"]
	assert.False(t, stale)

	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.Local)
	assert.True(t, cfg.MarkBlessed("QUEEN", "a@x.vn", now))
	assert.False(t, cfg.MarkBlessed("nobody", "a@x.vn", now))
	require.NoError(t, s.SaveBless(ctx, dev, cfg))

	again, err := s.LoadBless(ctx, dev)
	require.NoError(t, err)
	q := again.Target("queen")
	require.NotNil(t, q)
	assert.Equal(t, "20250310:14", q.Last)
	assert.True(t, q.BlessedOn("20250310", "A@X.VN"))
}

func TestLoadBlessMissingFile(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, "")
	cfg, err := s.LoadBless(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, BlessConfig{}, cfg)
}

func TestUpgrade(t *testing.T) {
	t.Parallel()

	cols, from, err := Upgrade([]string{"a", "b", "c", "d", "1"})
	require.NoError(t, err)
	assert.Equal(t, SchemaV5, from)
	assert.Len(t, cols, int(CurrentSchema))

	_, _, err = Upgrade([]string{"a", "b"})
	assert.ErrorIs(t, err, ErrMalformedRow)

	wide := []string{"a", "b", "c", "d", "1", "", "", "", "extra"}
	cols, from, err = Upgrade(wide)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchema, from)
	assert.Equal(t, wide, cols)
}

func TestParseField(t *testing.T) {
	t.Parallel()

	f, err := ParseField("last_build_date")
	require.NoError(t, err)
	assert.Equal(t, FieldLastBuildDate, f)
	_, err = ParseField("nope")
	assert.Error(t, err)
	assert.Equal(t, "bless_counter", FieldBlessCounter.String())
}
