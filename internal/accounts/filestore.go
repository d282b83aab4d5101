package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	AccountsFile = "accounts.txt"
	BlessFile    = "chucphuc.txt"
)

// FileStore keeps each device's state under <root>/<device>/.
//
// Rows are comma separated, one account per line. Blank lines and lines
// starting with '#' are preserved but ignored. A row update rewrites only
// the matching line; every other byte of the file is kept as-is.
type FileStore struct {
	fs   afero.Fs
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileStore(fsys afero.Fs, root string) *FileStore {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &FileStore{fs: fsys, root: root, locks: map[string]*sync.Mutex{}}
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) deviceLock(device string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[device]
	if !ok {
		l = &sync.Mutex{}
		s.locks[device] = l
	}
	return l
}

func (s *FileStore) path(device, name string) string {
	return filepath.Join(s.root, device, name)
}

// Devices lists device directories that hold an account table.
func (s *FileStore) Devices() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ok, _ := afero.Exists(s.fs, s.path(e.Name(), AccountsFile)); ok {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// line is one physical line of the table. raw excludes the line terminator.
type line struct {
	raw  string
	cr   bool // line ended with "\r\n"
	last bool // no trailing newline
}

func splitLines(b []byte) []line {
	if len(b) == 0 {
		return nil
	}
	parts := strings.Split(string(b), "\n")
	out := make([]line, 0, len(parts))
	for i, p := range parts {
		isLast := i == len(parts)-1
		if isLast && p == "" {
			break
		}
		l := line{raw: p, last: isLast}
		if strings.HasSuffix(p, "\r") {
			l.raw = strings.TrimSuffix(p, "\r")
			l.cr = true
		}
		out = append(out, l)
	}
	return out
}

func joinLines(lines []line) []byte {
	var b bytes.Buffer
	for _, l := range lines {
		b.WriteString(l.raw)
		if l.cr {
			b.WriteByte('\r')
		}
		if !l.last {
			b.WriteByte('\n')
		}
	}
	return b.Bytes()
}

func isDataLine(raw string) bool {
	t := strings.TrimSpace(raw)
	return t != "" && !strings.HasPrefix(t, "#")
}

func (s *FileStore) readTable(device string) ([]line, error) {
	b, err := afero.ReadFile(s.fs, s.path(device, AccountsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(b), nil
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

// List loads the device's records in file order, upgrading older row widths.
// Rows narrower than the oldest schema are skipped.
func (s *FileStore) List(ctx context.Context, device string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lines, err := s.readTable(device)
	if err != nil {
		return nil, fmt.Errorf("read %s accounts: %w", device, err)
	}
	out := make([]Record, 0, len(lines))
	for _, l := range lines {
		if !isDataLine(l.raw) {
			continue
		}
		cols, _, err := Upgrade(splitRow(l.raw))
		if err != nil || cols[FieldIdentity] == "" {
			continue
		}
		out = append(out, recordFromColumns(cols))
	}
	return out, nil
}

// SetField rewrites the first row whose identity matches.
func (s *FileStore) SetField(ctx context.Context, device, identity string, field Field, value string) (bool, error) {
	if field == FieldIdentity || field < 0 || field > FieldBlessCounter {
		return false, fmt.Errorf("%w: %s", ErrImmutableField, field)
	}
	if strings.ContainsAny(value, ",\r\n") {
		return false, fmt.Errorf("accounts: value for %s contains a separator", field)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	lines, err := s.readTable(device)
	if err != nil {
		return false, fmt.Errorf("read %s accounts: %w", device, err)
	}
	for i, l := range lines {
		if !isDataLine(l.raw) {
			continue
		}
		cols, _, err := Upgrade(splitRow(l.raw))
		if err != nil || !sameIdentity(cols[FieldIdentity], identity) {
			continue
		}
		cols[field] = strings.TrimSpace(value)
		lines[i].raw = joinRow(cols)
		if err := s.writeAtomic(s.path(device, AccountsFile), joinLines(lines)); err != nil {
			return false, fmt.Errorf("write %s accounts: %w", device, err)
		}
		return true, nil
	}
	return false, nil
}

// Add appends a new account row at current width.
func (s *FileStore) Add(ctx context.Context, device string, rec Record) error {
	rec.Identity = strings.TrimSpace(rec.Identity)
	if rec.Identity == "" {
		return fmt.Errorf("%w: empty identity", ErrMalformedRow)
	}
	for _, c := range rec.Columns() {
		if strings.ContainsAny(c, ",\r\n") {
			return fmt.Errorf("%w: column contains a separator", ErrMalformedRow)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	lines, err := s.readTable(device)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if !isDataLine(l.raw) {
			continue
		}
		cols := splitRow(l.raw)
		if sameIdentity(cols[0], rec.Identity) {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.Identity)
		}
	}
	if n := len(lines); n > 0 && lines[n-1].last {
		lines[n-1].last = false
	}
	lines = append(lines, line{raw: joinRow(rec.Columns())})
	return s.writeAtomic(s.path(device, AccountsFile), joinLines(lines))
}

// Migrate rewrites every narrower row at current width and reports how many
// rows changed. Rows already at current width keep their bytes.
func (s *FileStore) Migrate(ctx context.Context, device string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	lines, err := s.readTable(device)
	if err != nil {
		return 0, err
	}
	n := 0
	for i, l := range lines {
		if !isDataLine(l.raw) {
			continue
		}
		cols, from, err := Upgrade(splitRow(l.raw))
		if err != nil || from == CurrentSchema {
			continue
		}
		lines[i].raw = joinRow(cols)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.writeAtomic(s.path(device, AccountsFile), joinLines(lines))
}

// Revision hashes the table's size and modification time.
func (s *FileStore) Revision(ctx context.Context, device string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fi, err := s.fs.Stat(s.path(device, AccountsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "absent", nil
		}
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(fi.Size(), 10)))
	_, _ = h.Write([]byte(strconv.FormatInt(fi.ModTime().UnixNano(), 10)))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// LoadBless reads the bless document. A missing file yields an empty config.
func (s *FileStore) LoadBless(ctx context.Context, device string) (BlessConfig, error) {
	if err := ctx.Err(); err != nil {
		return BlessConfig{}, err
	}
	b, err := afero.ReadFile(s.fs, s.path(device, BlessFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BlessConfig{}, nil
		}
		return BlessConfig{}, fmt.Errorf("read %s bless: %w", device, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return BlessConfig{}, nil
	}
	var cfg BlessConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return BlessConfig{}, fmt.Errorf("decode %s bless: %w", device, err)
	}
	cfg.Normalize()
	return cfg, nil
}

func (s *FileStore) SaveBless(ctx context.Context, device string, cfg BlessConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg.Normalize()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	lock := s.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()
	return s.writeAtomic(s.path(device, BlessFile), append(b, '\n'))
}
