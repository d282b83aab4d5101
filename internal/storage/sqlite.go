package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "guildbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

type outcomeRow struct {
	At      string         `db:"at"`
	Cycle   string         `db:"cycle"`
	Device  string         `db:"device"`
	Account sql.NullString `db:"account"`
	Action  string         `db:"action"`
	OK      int            `db:"ok"`
	Err     sql.NullString `db:"err"`
	TookMS  int64          `db:"took_ms"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	row := outcomeRow{
		At:      o.At.Format(time.RFC3339Nano),
		Cycle:   o.Cycle,
		Device:  o.Device,
		Account: nullStr(o.Account),
		Action:  o.Action,
		OK:      boolInt(o.OK),
		Err:     nullStr(o.Error),
		TookMS:  o.TookMS,
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO outcomes(at, cycle, device, account, action, ok, err, took_ms)
		 VALUES(:at, :cycle, :device, :account, :action, :ok, :err, :took_ms)`, row)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, device string, limit int) ([]Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	var rows []outcomeRow
	var err error
	const cols = `at, cycle, device, account, action, ok, err, took_ms`
	if device == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+cols+` FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+cols+` FROM outcomes WHERE device = ? ORDER BY id DESC LIMIT ?`, device, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(rows))
	for _, r := range rows {
		at, _ := time.Parse(time.RFC3339Nano, r.At)
		out = append(out, Outcome{
			At:      at,
			Cycle:   r.Cycle,
			Device:  r.Device,
			Account: r.Account.String,
			Action:  r.Action,
			OK:      r.OK != 0,
			Error:   r.Err.String,
			TookMS:  r.TookMS,
		})
	}
	return out, nil
}

func (s *sqliteStore) PutMark(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO marks(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetMark(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.GetContext(ctx, &ms, `SELECT until FROM marks WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM marks WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
