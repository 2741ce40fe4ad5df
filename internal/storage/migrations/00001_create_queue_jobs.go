package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(upCreateQueueJobs, downCreateQueueJobs)
}

func upCreateQueueJobs(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS queue_jobs (
	id             UUID PRIMARY KEY,
	job_type       TEXT NOT NULL,
	payload        JSONB NOT NULL DEFAULT '{}'::jsonb,
	status         TEXT NOT NULL DEFAULT 'pending'
	               CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'retrying', 'dead')),
	priority       INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT UNIQUE,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	result         JSONB,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	scheduled_at   TIMESTAMPTZ,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	locked_at      TIMESTAMPTZ,
	locked_by      TEXT
);

CREATE INDEX IF NOT EXISTS queue_jobs_dequeue_idx
	ON queue_jobs (priority DESC, created_at ASC, id ASC) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS queue_jobs_scheduled_idx
	ON queue_jobs (scheduled_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS queue_jobs_locked_idx
	ON queue_jobs (locked_at) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS queue_jobs_status_idx ON queue_jobs (status);
CREATE INDEX IF NOT EXISTS queue_jobs_job_type_idx ON queue_jobs (job_type);
`)
	return err
}

func downCreateQueueJobs(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS queue_jobs`)
	return err
}
