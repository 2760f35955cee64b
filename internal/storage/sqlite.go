package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/you/etlq/internal/domain"
)

// SQLiteStore is a single-node durable Store. Use ":memory:" as the path for
// throwaway instances.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	queue         TEXT NOT NULL,
	kind          TEXT NOT NULL,
	payload       BLOB,
	attempt       INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	result        BLOB,
	dedupe_key    TEXT NOT NULL DEFAULT '',
	enqueued_at   TIMESTAMP NOT NULL,
	available_at  TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	finished_at   TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_dedupe ON jobs(queue, dedupe_key)
	WHERE dedupe_key <> '' AND status NOT IN ('succeeded', 'dead');
`

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Serialized access keeps the CAS transitions race-free under one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init sqlite schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, j *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, kind, payload, attempt, max_attempts, status,
			last_error, result, dedupe_key, enqueued_at, available_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Queue), string(j.Kind), []byte(j.Payload), j.Attempt, j.MaxAttempts,
		string(j.Status), j.LastError, []byte(j.Result), j.DedupeKey,
		j.EnqueuedAt, j.AvailableAt, j.UpdatedAt,
	)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicateDedupe
	}
	return errors.Wrap(err, "insert job")
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, queue, kind, payload, attempt, max_attempts, status,
		       last_error, result, dedupe_key, enqueued_at, available_at,
		       started_at, finished_at, updated_at
		FROM jobs WHERE id = ?`, id))
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND available_at <= ?`, now, now, id, now)
	if err != nil {
		return nil, errors.Wrap(err, "mark running")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status == domain.Pending {
			return nil, ErrNotDue
		}
		return nil, ErrNotPending
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) MarkSucceeded(ctx context.Context, id string, result []byte, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'succeeded', result = ?, last_error = '',
			finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, result, now, now, id)
	if err != nil {
		return false, errors.Wrap(err, "mark succeeded")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkRetry(ctx context.Context, id string, errMsg string, availableAt time.Time, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempt = attempt + 1, last_error = ?,
			available_at = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`, truncateError(errMsg), availableAt, now, id)
	if err != nil {
		return false, errors.Wrap(err, "mark retry")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkDead(ctx context.Context, id string, errMsg string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'dead', last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`, truncateError(errMsg), now, now, id)
	if err != nil {
		return false, errors.Wrap(err, "mark dead")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) RequeueStale(ctx context.Context, staleBefore time.Time, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = 'running' AND started_at < ?`, staleBefore)
	if err != nil {
		return nil, errors.Wrap(err, "select stale")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan stale id")
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []*domain.Job
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', started_at = NULL,
				available_at = ?, updated_at = ?
			WHERE id = ? AND status = 'running'`, now, now, id)
		if err != nil {
			return out, errors.Wrap(err, "requeue stale")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j, err := s.Get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *SQLiteStore) FindOverduePending(ctx context.Context, overdueBefore time.Time) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, kind, payload, attempt, max_attempts, status,
		       last_error, result, dedupe_key, enqueued_at, available_at,
		       started_at, finished_at, updated_at
		FROM jobs WHERE status = 'pending' AND available_at < ?
		ORDER BY available_at`, overdueBefore)
	if err != nil {
		return nil, errors.Wrap(err, "select overdue pending")
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindActiveByDedupeKey(ctx context.Context, queue domain.QueueName, key string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, queue, kind, payload, attempt, max_attempts, status,
		       last_error, result, dedupe_key, enqueued_at, available_at,
		       started_at, finished_at, updated_at
		FROM jobs
		WHERE queue = ? AND dedupe_key = ? AND status NOT IN ('succeeded', 'dead')
		ORDER BY enqueued_at DESC LIMIT 1`, string(queue), key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return j, err
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "stats")
	}
	defer rows.Close()
	st := &Stats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan stats")
		}
		switch domain.Status(status) {
		case domain.Pending:
			st.Pending = n
		case domain.Running:
			st.Running = n
		case domain.Succeeded:
			st.Succeeded = n
		case domain.Failed:
			st.Failed = n
		case domain.Dead:
			st.Dead = n
		}
	}
	return st, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var queue, kind, status string
	var payload, result []byte
	var started, finished sql.NullTime
	err := row.Scan(&j.ID, &queue, &kind, &payload, &j.Attempt, &j.MaxAttempts,
		&status, &j.LastError, &result, &j.DedupeKey, &j.EnqueuedAt, &j.AvailableAt,
		&started, &finished, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	j.Queue = domain.QueueName(queue)
	j.Kind = domain.Kind(kind)
	j.Status = domain.Status(status)
	j.Payload = payload
	j.Result = result
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return &j, nil
}
