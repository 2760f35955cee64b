package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/etlq/internal/domain"
)

// PostgresStore backs the job records with Postgres for multi-node
// deployments. Schema lives in migrations/ and is applied with goose at
// startup.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{db: db} }

const pgJobColumns = `id, queue, kind, payload, attempt, max_attempts, status,
	last_error, result, dedupe_key, enqueued_at, available_at,
	started_at, finished_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, queue, kind, payload, attempt, max_attempts, status,
			last_error, result, dedupe_key, enqueued_at, available_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, string(j.Queue), string(j.Kind), []byte(j.Payload), j.Attempt, j.MaxAttempts,
		string(j.Status), j.LastError, []byte(j.Result), j.DedupeKey,
		j.EnqueuedAt, j.AvailableAt, j.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateDedupe
	}
	return errors.Wrap(err, "insert job")
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'running', started_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'pending' AND available_at <= $1`, now, id)
	if err != nil {
		return nil, errors.Wrap(err, "mark running")
	}
	if tag.RowsAffected() == 0 {
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

func (s *PostgresStore) MarkSucceeded(ctx context.Context, id string, result []byte, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'succeeded', result = $1, last_error = '',
			finished_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'running'`, result, now, id)
	if err != nil {
		return false, errors.Wrap(err, "mark succeeded")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, errMsg string, availableAt time.Time, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'pending', attempt = attempt + 1, last_error = $1,
			available_at = $2, started_at = NULL, updated_at = $3
		WHERE id = $4 AND status = 'running'`, truncateError(errMsg), availableAt, now, id)
	if err != nil {
		return false, errors.Wrap(err, "mark retry")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkDead(ctx context.Context, id string, errMsg string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'dead', last_error = $1, finished_at = $2, updated_at = $2
		WHERE id = $3 AND status IN ('pending', 'running')`, truncateError(errMsg), now, id)
	if err != nil {
		return false, errors.Wrap(err, "mark dead")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RequeueStale(ctx context.Context, staleBefore time.Time, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE jobs SET status = 'pending', started_at = NULL,
			available_at = $1, updated_at = $1
		WHERE status = 'running' AND started_at < $2
		RETURNING `+pgJobColumns, now, staleBefore)
	if err != nil {
		return nil, errors.Wrap(err, "requeue stale")
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "requeue stale rows")
}

func (s *PostgresStore) FindOverduePending(ctx context.Context, overdueBefore time.Time) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE status = 'pending' AND available_at < $1
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
	return out, errors.Wrap(rows.Err(), "overdue pending rows")
}

func (s *PostgresStore) FindActiveByDedupeKey(ctx context.Context, queue domain.QueueName, key string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE queue = $1 AND dedupe_key = $2 AND status NOT IN ('succeeded', 'dead')
		ORDER BY enqueued_at DESC LIMIT 1`, string(queue), key))
	if err != nil && (errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotFound)) {
		return nil, nil
	}
	return j, err
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'succeeded'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM jobs`).Scan(&st.Pending, &st.Running, &st.Succeeded, &st.Failed, &st.Dead)
	return st, errors.Wrap(err, "stats")
}
