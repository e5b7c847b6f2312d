package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/feed"
	logx "feedrelay/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps everything in maps. With a path it also persists:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// The journal is replayed on open and compacted into the snapshot every
// compactEvery writes. Without a path it is the "memory" driver.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	records map[string]feed.StreamRecord
	health  map[string]feed.StreamHealth
	jobs    map[string]feed.RelayJob

	snapshotPath string
	journal      *os.File
	writes       int
}

type journalEntry struct {
	Op     string             `json:"op"` // rec | health | job | unjob
	Record *feed.StreamRecord `json:"record,omitempty"`
	Health *feed.StreamHealth `json:"health,omitempty"`
	Job    *feed.RelayJob     `json:"job,omitempty"`
	ID     string             `json:"id,omitempty"`
}

type snapshot struct {
	Records []feed.StreamRecord `json:"records"`
	Health  []feed.StreamHealth `json:"health"`
	Jobs    []feed.RelayJob     `json:"jobs"`
}

func openMemory(log logx.Logger) *fileStore {
	return &fileStore{
		log:     log,
		records: map[string]feed.StreamRecord{},
		health:  map[string]feed.StreamHealth{},
		jobs:    map[string]feed.RelayJob{},
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := openMemory(log)
	s.snapshotPath = prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Upsert(ctx context.Context, id string, at time.Time, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cur, ok := s.records[id]; ok && at.Before(cur.LastSeenAt) {
		return nil
	}
	rec := feed.StreamRecord{ID: id, LastSeenAt: at, LastValue: value}
	return s.appendLocked(journalEntry{Op: "rec", Record: &rec}, false, func() { s.records[id] = rec })
}

func (s *fileStore) ScanAll(ctx context.Context) iter.Seq2[feed.StreamRecord, error] {
	return func(yield func(feed.StreamRecord, error) bool) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			yield(feed.StreamRecord{}, ErrClosed)
			return
		}
		recs := make([]feed.StreamRecord, 0, len(s.records))
		for _, r := range s.records {
			recs = append(recs, r)
		}
		s.mu.Unlock()

		for _, r := range recs {
			if err := ctx.Err(); err != nil {
				yield(feed.StreamRecord{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *fileStore) GetHealth(ctx context.Context, streamID string) (feed.StreamHealth, bool, error) {
	if err := ctx.Err(); err != nil {
		return feed.StreamHealth{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return feed.StreamHealth{}, false, ErrClosed
	}
	h, ok := s.health[streamID]
	return h, ok, nil
}

func (s *fileStore) PutHealth(ctx context.Context, h feed.StreamHealth) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.health[h.StreamID]
	var curVer int64
	if ok {
		curVer = cur.Version
	}
	if curVer != h.Version {
		return ErrConflict
	}
	h.Version++
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now()
	}
	return s.appendLocked(journalEntry{Op: "health", Health: &h}, false, func() { s.health[h.StreamID] = h })
}

func (s *fileStore) ScanHealth(ctx context.Context) iter.Seq2[feed.StreamHealth, error] {
	return func(yield func(feed.StreamHealth, error) bool) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			yield(feed.StreamHealth{}, ErrClosed)
			return
		}
		hs := make([]feed.StreamHealth, 0, len(s.health))
		for _, h := range s.health {
			hs = append(hs, h)
		}
		s.mu.Unlock()

		for _, h := range hs {
			if err := ctx.Err(); err != nil {
				yield(feed.StreamHealth{}, err)
				return
			}
			if !yield(h, nil) {
				return
			}
		}
	}
}

func (s *fileStore) PutRelayJob(ctx context.Context, job feed.RelayJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Jobs must survive a restart once Enqueue returns.
	return s.appendLocked(journalEntry{Op: "job", Job: &job}, true, func() { s.jobs[job.ID] = job })
}

func (s *fileStore) DeleteRelayJob(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	return s.appendLocked(journalEntry{Op: "unjob", ID: id}, false, func() { delete(s.jobs, id) })
}

func (s *fileStore) PendingRelayJobs(ctx context.Context) ([]feed.RelayJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]feed.RelayJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

// appendLocked writes e to the journal and only then runs apply, so a failed
// write leaves the in-memory state untouched. The memory driver only applies.
// Call with s.mu held.
func (s *fileStore) appendLocked(e journalEntry, sync bool, apply func()) error {
	if s.journal == nil {
		apply()
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	if sync {
		if err := s.journal.Sync(); err != nil {
			return err
		}
	}
	apply()
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return nil
	}
	snap := snapshot{
		Records: make([]feed.StreamRecord, 0, len(s.records)),
		Health:  make([]feed.StreamHealth, 0, len(s.health)),
		Jobs:    make([]feed.RelayJob, 0, len(s.jobs)),
	}
	for _, r := range s.records {
		snap.Records = append(snap.Records, r)
	}
	for _, h := range s.health {
		snap.Health = append(snap.Health, h)
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Records {
		s.records[r.ID] = r
	}
	for _, h := range snap.Health {
		s.health[h.StreamID] = h
	}
	for _, j := range snap.Jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		switch e.Op {
		case "rec":
			if e.Record != nil {
				s.records[e.Record.ID] = *e.Record
			}
		case "health":
			if e.Health != nil {
				s.health[e.Health.StreamID] = *e.Health
			}
		case "job":
			if e.Job != nil {
				s.jobs[e.Job.ID] = *e.Job
			}
		case "unjob":
			delete(s.jobs, e.ID)
		}
	}
	return sc.Err()
}
