package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"

	logx "trellis/pkg/logx"
)

// compactEvery is the number of journal appends between snapshot compactions.
const compactEvery = 1000

var errClosed = errors.New("storage closed")

// fileStore keeps everything in plain files next to cfg.Path:
//
//	<prefix>.deliveries.jsonl     delivery log, append-only
//	<prefix>.dedup.snapshot.json  dedup windows at the last compaction
//	<prefix>.dedup.journal.jsonl  dedup writes since then
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	deliveries *os.File
	logPath    string
	dedup      *dedupJournal
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	logPath := prefix + ".deliveries.jsonl"
	df, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	dj, err := openDedupJournal(prefix+".dedup.snapshot.json", prefix+".dedup.journal.jsonl")
	if err != nil {
		_ = df.Close()
		return nil, err
	}
	return &fileStore{log: log, deliveries: df, logPath: logPath, dedup: dj}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.deliveries != nil {
		errs = append(errs, s.deliveries.Close())
		s.deliveries = nil
	}
	if s.dedup != nil {
		errs = append(errs, s.dedup.close())
		s.dedup = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(_ context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return errClosed
	}
	_, err = s.deliveries.Write(append(b, '\n'))
	return err
}

// RecentDeliveries scans the whole log keeping the last limit records.
func (s *fileStore) RecentDeliveries(_ context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.logPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Delivery, limit)
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d Delivery
		if json.Unmarshal(sc.Bytes(), &d) != nil {
			continue
		}
		ring[n%limit] = d
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	count := min(n, limit)
	out := make([]Delivery, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, ring[(n-i)%limit])
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return errClosed
	}
	compacted, err := s.dedup.put(key, until)
	if err != nil {
		return err
	}
	if compacted != nil {
		s.log.Debug("dedup compact failed", logx.Err(compacted))
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, errClosed
	}
	until, ok := s.dedup.get(strings.TrimSpace(key))
	return until, ok, nil
}

// dedupJournal is a key -> suppress-until map persisted as a snapshot plus an
// append-only journal. Callers serialize access.
type dedupJournal struct {
	snapshotPath string
	journal      *os.File
	until        map[string]int64 // unix milli
	writes       int
}

type journalRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openDedupJournal(snapshotPath, journalPath string) (*dedupJournal, error) {
	m := map[string]int64{}
	if b, err := os.ReadFile(snapshotPath); err == nil {
		_ = json.Unmarshal(b, &m)
	}
	if err := replayJournal(journalPath, m); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("dedup journal: %w", err)
	}
	prune(m, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &dedupJournal{snapshotPath: snapshotPath, journal: jf, until: m}, nil
}

func replayJournal(path string, into map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if json.Unmarshal(sc.Bytes(), &r) == nil && r.Key != "" {
			into[r.Key] = r.Until
		}
	}
	return sc.Err()
}

func prune(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}

func (j *dedupJournal) get(key string) (time.Time, bool) {
	ms, ok := j.until[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// put records key. The second return is a compaction failure, which does not
// lose the write.
func (j *dedupJournal) put(key string, until time.Time) (compactErr, err error) {
	ms := until.UnixMilli()
	b, err := json.Marshal(journalRecord{Key: key, Until: ms})
	if err != nil {
		return nil, err
	}
	if _, err := j.journal.Write(append(b, '\n')); err != nil {
		return nil, err
	}
	j.until[key] = ms
	j.writes++
	if j.writes%compactEvery == 0 {
		return j.compact(), nil
	}
	return nil, nil
}

// compact writes the live map to the snapshot and empties the journal.
func (j *dedupJournal) compact() error {
	prune(j.until, time.Now())
	b, err := json.Marshal(j.until)
	if err != nil {
		return err
	}
	tmp := j.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.journal.Truncate(0); err != nil {
		return err
	}
	_, err = j.journal.Seek(0, io.SeekEnd)
	return err
}

func (j *dedupJournal) close() error { return j.journal.Close() }
