package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "guildbot/pkg/logx"
)

// fileStore keeps the journal in plain files.
//
// Files:
//   - <prefix>.outcomes.jsonl      (append-only JSON Lines)
//   - <prefix>.marks.snapshot.json (periodic snapshot)
//   - <prefix>.marks.journal.jsonl (append-only journal)
//
// The marks journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomesPath string
	outcomesFile *os.File

	marksSnapshotPath string
	marksJournalFile  *os.File
	marks             map[string]int64 // unix milli

	markWrites   int
	compactEvery int
}

type markRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outcomesPath := prefix + ".outcomes.jsonl"
	snapPath := prefix + ".marks.snapshot.json"
	journalPath := prefix + ".marks.journal.jsonl"

	of, err := os.OpenFile(outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	marks := map[string]int64{}
	_ = loadMarkSnapshot(snapPath, marks)
	_ = replayMarkJournal(journalPath, marks)
	pruneExpiredMarks(marks, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		outcomesPath:      outcomesPath,
		outcomesFile:      of,
		marksSnapshotPath: snapPath,
		marksJournalFile:  jf,
		marks:             marks,
		compactEvery:      200,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.outcomesFile != nil {
		err1 = s.outcomesFile.Close()
		s.outcomesFile = nil
	}
	if s.marksJournalFile != nil {
		err2 = s.marksJournalFile.Close()
		s.marksJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	_ = ctx
	if o.At.IsZero() {
		o.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return errors.New("outcome journal closed")
	}
	return json.NewEncoder(s.outcomesFile).Encode(o)
}

func (s *fileStore) RecentOutcomes(ctx context.Context, device string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.outcomesPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Outcome, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		if device != "" && o.Device != device {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, o)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

func (s *fileStore) PutMark(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marksJournalFile == nil {
		return errors.New("marks journal closed")
	}
	s.marks[key] = ms

	if err := json.NewEncoder(s.marksJournalFile).Encode(markRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.markWrites++
	if s.markWrites%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("marks compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetMark(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.marks[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredMarks(s.marks, time.Now())

	tmp := s.marksSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.marks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.marksSnapshotPath); err != nil {
		return err
	}
	if err := s.marksJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.marksJournalFile.Seek(0, 2)
	return err
}

func loadMarkSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayMarkJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r markRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredMarks(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
