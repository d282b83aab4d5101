package accounts

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS game_accounts (
	id                   BIGSERIAL PRIMARY KEY,
	device               TEXT        NOT NULL,
	identity             TEXT        NOT NULL,
	secret               TEXT        NOT NULL DEFAULT '',
	server               TEXT        NOT NULL DEFAULT '',
	last_build_date      TEXT        NOT NULL DEFAULT '',
	status               BOOLEAN     NOT NULL DEFAULT TRUE,
	last_leave_time      TEXT        NOT NULL DEFAULT '',
	last_expedition_time TEXT        NOT NULL DEFAULT '',
	bless_counter        TEXT        NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS game_accounts_device_identity
	ON game_accounts (device, lower(identity));
`

// PGDirectory serves account records from a shared Postgres table.
// Row order is insertion order (id).
type PGDirectory struct {
	db *sqlx.DB
}

func OpenPGDirectory(ctx context.Context, dsn string) (*PGDirectory, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect account directory: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate account directory: %w", err)
	}
	return &PGDirectory{db: db}, nil
}

func NewPGDirectory(db *sqlx.DB) *PGDirectory { return &PGDirectory{db: db} }

func (d *PGDirectory) Close() error { return d.db.Close() }

func (d *PGDirectory) List(ctx context.Context, device string) ([]Record, error) {
	var out []Record
	err := d.db.SelectContext(ctx, &out, `
		SELECT identity, secret, server, last_build_date, status,
		       last_leave_time, last_expedition_time, bless_counter
		FROM game_accounts
		WHERE device = $1
		ORDER BY id`, device)
	if err != nil {
		return nil, fmt.Errorf("list %s accounts: %w", device, err)
	}
	return out, nil
}

// pgColumn maps a field to its column; identity is not updatable.
func pgColumn(f Field) (string, bool) {
	switch f {
	case FieldSecret, FieldServer, FieldLastBuildDate, FieldStatus,
		FieldLastLeave, FieldLastExpedition, FieldBlessCounter:
		return f.String(), true
	}
	return "", false
}

func (d *PGDirectory) SetField(ctx context.Context, device, identity string, field Field, value string) (bool, error) {
	col, ok := pgColumn(field)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrImmutableField, field)
	}
	var arg any = strings.TrimSpace(value)
	if field == FieldStatus {
		arg = parseEnabled(value)
	}
	q := fmt.Sprintf(`UPDATE game_accounts SET %s = $1, updated_at = NOW()
		WHERE device = $2 AND lower(identity) = lower($3)`, col)
	res, err := d.db.ExecContext(ctx, q, arg, device, strings.TrimSpace(identity))
	if err != nil {
		return false, fmt.Errorf("update %s.%s: %w", device, col, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *PGDirectory) Revision(ctx context.Context, device string) (string, error) {
	var rev string
	err := d.db.GetContext(ctx, &rev, `
		SELECT COUNT(*)::text || '-' || COALESCE(EXTRACT(EPOCH FROM MAX(updated_at))::text, '0')
		FROM game_accounts WHERE device = $1`, device)
	if err != nil {
		return "", fmt.Errorf("revision %s: %w", device, err)
	}
	return rev, nil
}

// Add inserts a new account.
func (d *PGDirectory) Add(ctx context.Context, device string, r Record) error {
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO game_accounts (device, identity, secret, server, last_build_date, status,
			last_leave_time, last_expedition_time, bless_counter)
		VALUES (:device, :identity, :secret, :server, :last_build_date, :status,
			:last_leave_time, :last_expedition_time, :bless_counter)`,
		pgRow{Device: device, Record: r})
	if err != nil {
		if strings.Contains(err.Error(), "game_accounts_device_identity") {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.Identity)
		}
		return err
	}
	return nil
}

type pgRow struct {
	Device string `db:"device"`
	Record
}
