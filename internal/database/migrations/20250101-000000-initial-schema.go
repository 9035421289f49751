package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250101-000000",
		Description: "Initial schema",
		Up: []string{
			// Jobs - one per analysis request. idempotency_key scopes the
			// (user_id, idempotency_key) -> job_id mapping.
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				source TEXT NOT NULL,
				subject_key TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'queued',
				options_json TEXT NOT NULL,
				idempotency_key TEXT,
				last_seq INTEGER NOT NULL DEFAULT 0,
				error_kind TEXT,
				error_message TEXT,
				capture_debug INTEGER NOT NULL DEFAULT 0,
				started_at TEXT,
				completed_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,

			// Cards - the DAG nodes belonging to a job.
			`CREATE TABLE IF NOT EXISTS cards (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				card_type TEXT NOT NULL,
				kind TEXT NOT NULL,
				concurrency_group TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				depends_on_json TEXT NOT NULL DEFAULT '[]',
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				is_fallback INTEGER NOT NULL DEFAULT 0,
				deadline_at TEXT,
				claimed_at TEXT,
				claimed_by TEXT,
				result_json TEXT,
				result_meta_json TEXT,
				error_kind TEXT,
				error_message TEXT,
				started_at TEXT,
				completed_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cards_job_id ON cards(job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_cards_status_group ON cards(status, concurrency_group)`,

			// Events - the durable, strictly ordered per-job log that SSE replays.
			`CREATE TABLE IF NOT EXISTS events (
				job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				card_id TEXT,
				payload_json TEXT NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY (job_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_job_seq ON events(job_id, seq)`,

			// Artifact cache - cross-job reuse of fetched/derived results.
			`CREATE TABLE IF NOT EXISTS artifact_cache (
				cache_key TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				subject_key TEXT NOT NULL,
				pipeline_version TEXT NOT NULL,
				options_hash TEXT NOT NULL,
				kind TEXT NOT NULL,
				fingerprint TEXT,
				payload_json TEXT NOT NULL,
				fresh_until TEXT NOT NULL,
				stale_until TEXT NOT NULL,
				refreshing_until TEXT,
				refresh_token TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_artifact_cache_subject ON artifact_cache(source, subject_key)`,
			`CREATE INDEX IF NOT EXISTS idx_artifact_cache_stale_until ON artifact_cache(stale_until)`,

			// Subject runs - last-known state of a (source, subject_key) pair,
			// independent of any one job, so repeat requests can short-circuit.
			`CREATE TABLE IF NOT EXISTS subject_runs (
				source TEXT NOT NULL,
				subject_key TEXT NOT NULL,
				last_job_id TEXT,
				last_completed_at TEXT,
				PRIMARY KEY (source, subject_key)
			)`,

			// Refresh locks - coordinate the background refresh pool so only
			// one worker revalidates a given cache key at a time.
			`CREATE TABLE IF NOT EXISTS refresh_locks (
				cache_key TEXT PRIMARY KEY,
				token TEXT NOT NULL,
				acquired_at TEXT NOT NULL,
				safety_until TEXT NOT NULL
			)`,
		},
	})
}
