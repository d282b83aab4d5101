// Package accounts is the per-device scheduling state store: the account
// table and the bless document, plus the directory interfaces the worker
// consumes.
package accounts

import (
	"errors"
	"fmt"
	"strings"
)

// Record is one account row. Timestamp fields keep their stored text; the
// cooldown package interprets them (and fails open on garbage).
type Record struct {
	Identity       string `json:"identity" db:"identity"`
	Secret         string `json:"-" db:"secret"`
	Server         string `json:"server" db:"server"`
	LastBuildDate  string `json:"last_build_date" db:"last_build_date"`
	Enabled        bool   `json:"enabled" db:"status"`
	LastLeave      string `json:"last_leave_time" db:"last_leave_time"`
	LastExpedition string `json:"last_expedition_time" db:"last_expedition_time"`
	BlessCounter   string `json:"bless_counter" db:"bless_counter"`
}

// Field addresses one column of a record. The value is the column index.
type Field int

const (
	FieldIdentity Field = iota
	FieldSecret
	FieldServer
	FieldLastBuildDate
	FieldStatus
	FieldLastLeave
	FieldLastExpedition
	FieldBlessCounter
)

var fieldNames = [...]string{
	FieldIdentity:       "identity",
	FieldSecret:         "secret",
	FieldServer:         "server",
	FieldLastBuildDate:  "last_build_date",
	FieldStatus:         "status",
	FieldLastLeave:      "last_leave_time",
	FieldLastExpedition: "last_expedition_time",
	FieldBlessCounter:   "bless_counter",
}

func (f Field) String() string {
	if f < 0 || int(f) >= len(fieldNames) {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldNames[f]
}

func ParseField(s string) (Field, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range fieldNames {
		if n == s {
			return Field(i), nil
		}
	}
	return 0, fmt.Errorf("unknown field %q", s)
}

var (
	ErrDuplicate      = errors.New("accounts: identity already exists")
	ErrImmutableField = errors.New("accounts: field cannot be updated")
	ErrMalformedRow   = errors.New("accounts: malformed row")
)

// Schema identifies a historical row width.
type Schema int

const (
	SchemaV5 Schema = 5 // identity, secret, server, last_build_date, status
	SchemaV6 Schema = 6 // + last_leave_time
	SchemaV7 Schema = 7 // + last_expedition_time
	SchemaV8 Schema = 8 // + bless_counter

	CurrentSchema = SchemaV8
)

// upgrades maps a schema to the step that lifts a row to the next version.
var upgrades = map[Schema]func(cols []string) []string{
	SchemaV5: func(cols []string) []string { return append(cols, "") },
	SchemaV6: func(cols []string) []string { return append(cols, "") },
	SchemaV7: func(cols []string) []string { return append(cols, "") },
}

// DetectSchema maps a column count to its schema. Wider rows are treated as
// current; their extra columns are carried along untouched.
func DetectSchema(ncols int) (Schema, error) {
	switch {
	case ncols < int(SchemaV5):
		return 0, fmt.Errorf("%w: %d columns", ErrMalformedRow, ncols)
	case ncols >= int(CurrentSchema):
		return CurrentSchema, nil
	default:
		return Schema(ncols), nil
	}
}

// Upgrade lifts raw columns to CurrentSchema one version at a time.
// It runs on read only; writers always emit current width.
func Upgrade(cols []string) ([]string, Schema, error) {
	from, err := DetectSchema(len(cols))
	if err != nil {
		return nil, 0, err
	}
	out := append([]string(nil), cols...)
	for v := from; v < CurrentSchema; v++ {
		out = upgrades[v](out)
	}
	return out, from, nil
}

func splitRow(line string) []string {
	cols := strings.Split(line, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

func joinRow(cols []string) string { return strings.Join(cols, ",") }

// parseEnabled accepts 1/true/yes/on.
func parseEnabled(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func formatEnabled(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func recordFromColumns(cols []string) Record {
	return Record{
		Identity:       cols[FieldIdentity],
		Secret:         cols[FieldSecret],
		Server:         cols[FieldServer],
		LastBuildDate:  cols[FieldLastBuildDate],
		Enabled:        parseEnabled(cols[FieldStatus]),
		LastLeave:      cols[FieldLastLeave],
		LastExpedition: cols[FieldLastExpedition],
		BlessCounter:   cols[FieldBlessCounter],
	}
}

// Columns renders r at current width.
func (r Record) Columns() []string {
	return []string{
		r.Identity,
		r.Secret,
		r.Server,
		r.LastBuildDate,
		formatEnabled(r.Enabled),
		r.LastLeave,
		r.LastExpedition,
		r.BlessCounter,
	}
}

// Get returns the stored text of one field.
func (r Record) Get(f Field) string {
	cols := r.Columns()
	if f < 0 || int(f) >= len(cols) {
		return ""
	}
	return cols[f]
}

func sameIdentity(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Find returns the record for identity, if present.
func Find(records []Record, identity string) (Record, bool) {
	for _, r := range records {
		if sameIdentity(r.Identity, identity) {
			return r, true
		}
	}
	return Record{}, false
}
