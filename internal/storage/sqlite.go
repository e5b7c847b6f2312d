package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"feedrelay/internal/feed"
	logx "feedrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// scanPage bounds how many rows a scan holds at once. Pages are read with
// keyset pagination so no connection is held while the caller consumes rows.
const scanPage = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
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

func (s *sqliteStore) Upsert(ctx context.Context, id string, at time.Time, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_records(id, seen_at, value) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET seen_at=excluded.seen_at, value=excluded.value
		 WHERE excluded.seen_at >= stream_records.seen_at`,
		id, at.UnixNano(), value,
	)
	return mapSQLErr(err)
}

func (s *sqliteStore) ScanAll(ctx context.Context) iter.Seq2[feed.StreamRecord, error] {
	return func(yield func(feed.StreamRecord, error) bool) {
		after := ""
		for {
			page, err := s.recordPage(ctx, after)
			if err != nil {
				yield(feed.StreamRecord{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < scanPage {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *sqliteStore) recordPage(ctx context.Context, after string) ([]feed.StreamRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seen_at, value FROM stream_records WHERE id > ? ORDER BY id LIMIT ?`,
		after, scanPage,
	)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	defer rows.Close()

	out := make([]feed.StreamRecord, 0, scanPage)
	for rows.Next() {
		var (
			r  feed.StreamRecord
			ns int64
		)
		if err := rows.Scan(&r.ID, &ns, &r.LastValue); err != nil {
			return nil, err
		}
		r.LastSeenAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, mapSQLErr(rows.Err())
}

func (s *sqliteStore) GetHealth(ctx context.Context, streamID string) (feed.StreamHealth, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT stream_id, frozen, sent, error_count, version, updated_at
		 FROM stream_health WHERE stream_id = ?`, streamID)
	h, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.StreamHealth{}, false, nil
	}
	if err != nil {
		return feed.StreamHealth{}, false, mapSQLErr(err)
	}
	return h, true, nil
}

func (s *sqliteStore) PutHealth(ctx context.Context, h feed.StreamHealth) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now()
	}
	var (
		res sql.Result
		err error
	)
	if h.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO stream_health(stream_id, frozen, sent, error_count, version, updated_at)
			 VALUES(?,?,?,?,1,?) ON CONFLICT(stream_id) DO NOTHING`,
			h.StreamID, h.Frozen, h.Sent, h.ErrorCount, h.UpdatedAt.UnixNano(),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE stream_health SET frozen=?, sent=?, error_count=?, version=version+1, updated_at=?
			 WHERE stream_id=? AND version=?`,
			h.Frozen, h.Sent, h.ErrorCount, h.UpdatedAt.UnixNano(), h.StreamID, h.Version,
		)
	}
	if err != nil {
		return mapSQLErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) ScanHealth(ctx context.Context) iter.Seq2[feed.StreamHealth, error] {
	return func(yield func(feed.StreamHealth, error) bool) {
		after := ""
		for {
			page, err := s.healthPage(ctx, after)
			if err != nil {
				yield(feed.StreamHealth{}, err)
				return
			}
			for _, h := range page {
				if !yield(h, nil) {
					return
				}
			}
			if len(page) < scanPage {
				return
			}
			after = page[len(page)-1].StreamID
		}
	}
}

func (s *sqliteStore) healthPage(ctx context.Context, after string) ([]feed.StreamHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, frozen, sent, error_count, version, updated_at
		 FROM stream_health WHERE stream_id > ? ORDER BY stream_id LIMIT ?`,
		after, scanPage,
	)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	defer rows.Close()

	out := make([]feed.StreamHealth, 0, 16)
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, mapSQLErr(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHealth(r rowScanner) (feed.StreamHealth, error) {
	var (
		h  feed.StreamHealth
		ns int64
	)
	if err := r.Scan(&h.StreamID, &h.Frozen, &h.Sent, &h.ErrorCount, &h.Version, &ns); err != nil {
		return feed.StreamHealth{}, err
	}
	h.UpdatedAt = time.Unix(0, ns)
	return h, nil
}

func (s *sqliteStore) PutRelayJob(ctx context.Context, job feed.RelayJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relay_jobs(id, enqueued_at, payload) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`,
		job.ID, job.EnqueuedAt.UnixNano(), string(b),
	)
	return mapSQLErr(err)
}

func (s *sqliteStore) DeleteRelayJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM relay_jobs WHERE id = ?`, id)
	return mapSQLErr(err)
}

func (s *sqliteStore) PendingRelayJobs(ctx context.Context) ([]feed.RelayJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM relay_jobs ORDER BY enqueued_at`)
	if err != nil {
		return nil, mapSQLErr(err)
	}
	defer rows.Close()

	var out []feed.RelayJob
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var j feed.RelayJob
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			s.log.Warn("skip unreadable relay job", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, mapSQLErr(rows.Err())
}

func mapSQLErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}
