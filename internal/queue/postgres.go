package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reqident/internal/db"
)

// PostgresBackend stores jobs in the queue_jobs table and the paused flag in
// queue_meta. Claims use FOR UPDATE SKIP LOCKED so several worker processes
// can share one queue.
type PostgresBackend struct {
	pool  db.Pool
	queue string
}

// NewPostgresBackend binds a backend to queue name on pool.
func NewPostgresBackend(pool db.Pool, queue string) *PostgresBackend {
	return &PostgresBackend{pool: pool, queue: queue}
}

const postgresQueueMigration = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id            TEXT PRIMARY KEY,
	queue         TEXT NOT NULL,
	state         TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	payload       JSONB NOT NULL,
	result        JSONB,
	failed_reason TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	delay_until   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at  TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_queue_state ON queue_jobs(queue, state, created_at);

CREATE TABLE IF NOT EXISTS queue_meta (
	queue  TEXT PRIMARY KEY,
	paused BOOLEAN NOT NULL DEFAULT false
);
`

// Migrate creates the queue_jobs and queue_meta tables.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, postgresQueueMigration)
	return eris.Wrap(err, "queue: postgres migrate")
}

const pausedCond = `EXISTS (SELECT 1 FROM queue_meta WHERE queue = $1 AND paused)`

const jobColumns = `id, queue, state, progress, payload, result, failed_reason, attempts, delay_until, created_at, processed_at, finished_at`

func (b *PostgresBackend) Add(ctx context.Context, job *Job) error {
	var state string
	err := b.pool.QueryRow(ctx,
		`INSERT INTO queue_jobs (id, queue, state, progress, payload, attempts, delay_until, created_at)
		 VALUES ($2, $1,
		         CASE WHEN $3::text = 'waiting' AND `+pausedCond+` THEN 'paused' ELSE $3::text END,
		         $4, $5, $6, $7, $8)
		 RETURNING state`,
		b.queue, job.ID, string(job.State), job.Progress, []byte(job.Payload), job.Attempts, job.DelayUntil, job.CreatedAt,
	).Scan(&state)
	if err != nil {
		return eris.Wrapf(err, "queue: postgres insert job %s", job.ID)
	}
	job.State = State(state)
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (*Job, error) {
	row := b.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE queue = $1 AND id = $2`,
		b.queue, id,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "queue: postgres get job %s", id)
	}
	return job, nil
}

func (b *PostgresBackend) ListByStates(ctx context.Context, states []State) ([]*Job, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE queue = $1 AND state = ANY($2) ORDER BY created_at, id`,
		b.queue, stateStrings(states),
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: postgres list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "queue: postgres scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "queue: postgres list jobs iterate")
}

func (b *PostgresBackend) Claim(ctx context.Context, now time.Time) (*Job, error) {
	if _, err := b.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = 'waiting'
		 WHERE queue = $1 AND state = 'delayed' AND delay_until <= $2 AND NOT `+pausedCond,
		b.queue, now,
	); err != nil {
		return nil, eris.Wrap(err, "queue: postgres promote delayed")
	}

	row := b.pool.QueryRow(ctx,
		`UPDATE queue_jobs SET state = 'active', attempts = attempts + 1, processed_at = $2
		 WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND state = 'waiting' AND NOT `+pausedCond+`
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		b.queue, now,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: postgres claim")
	}
	return job, nil
}

func (b *PostgresBackend) Transition(ctx context.Context, id string, from []State, to State, upd Update) (bool, error) {
	var result []byte
	if upd.Result != nil {
		result = []byte(upd.Result)
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE queue_jobs
		 SET state = $3,
		     failed_reason = CASE WHEN $4 = '' THEN failed_reason ELSE $4 END,
		     result = COALESCE($5, result),
		     finished_at = COALESCE($6, finished_at)
		 WHERE queue = $1 AND id = $2 AND state = ANY($7)`,
		b.queue, id, string(to), upd.FailedReason, result, upd.FinishedAt, stateStrings(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "queue: postgres transition job %s to %s", id, to)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *PostgresBackend) SetProgress(ctx context.Context, id string, progress int) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`UPDATE queue_jobs SET progress = GREATEST(progress, $3)
		 WHERE queue = $1 AND id = $2 AND state = 'active'`,
		b.queue, id, progress,
	)
	if err != nil {
		return false, eris.Wrapf(err, "queue: postgres set progress of job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *PostgresBackend) Remove(ctx context.Context, id string, from []State) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE queue = $1 AND id = $2 AND state = ANY($3)`,
		b.queue, id, stateStrings(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "queue: postgres remove job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *PostgresBackend) MoveAll(ctx context.Context, from, to State) (int, error) {
	tag, err := b.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = $3 WHERE queue = $1 AND state = $2`,
		b.queue, string(from), string(to),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: postgres move %s jobs to %s", from, to)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) SetPaused(ctx context.Context, paused bool) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO queue_meta (queue, paused) VALUES ($1, $2)
		 ON CONFLICT (queue) DO UPDATE SET paused = EXCLUDED.paused`,
		b.queue, paused,
	)
	return eris.Wrapf(err, "queue: postgres set paused of %s", b.queue)
}

func (b *PostgresBackend) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := b.pool.QueryRow(ctx, `SELECT paused FROM queue_meta WHERE queue = $1`, b.queue).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "queue: postgres read paused of %s", b.queue)
	}
	return paused, nil
}

// Close is a no-op; the pool is owned by the caller.
func (b *PostgresBackend) Close() error {
	return nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job     Job
		state   string
		payload []byte
		result  []byte
	)
	err := row.Scan(
		&job.ID, &job.Queue, &state, &job.Progress, &payload, &result,
		&job.FailedReason, &job.Attempts, &job.DelayUntil, &job.CreatedAt,
		&job.ProcessedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.State = State(state)
	job.Payload = payload
	if result != nil {
		job.Result = result
	}
	return &job, nil
}
