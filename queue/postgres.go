package queue

import (
	"database/sql"
	"database/sql/driver"
	"path/filepath"
	"time"

	"github.com/lib/pq"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// SchemaPostgres is applied by the server on startup. CREATE IF NOT EXISTS
// keeps it idempotent across restarts and multiple servers.
const SchemaPostgres = `
CREATE TABLE IF NOT EXISTS jobs (
    id BIGSERIAL PRIMARY KEY,
    name TEXT,
    command_argv TEXT NOT NULL,
    workdir TEXT NOT NULL,
    config TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    tags TEXT,

    attempt INTEGER NOT NULL DEFAULT 1,
    parent_job_id BIGINT REFERENCES jobs(id),

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,

    worker_id TEXT,
    heartbeat_at TIMESTAMPTZ,
    lease_expires_at TIMESTAMPTZ,

    pid INTEGER,
    pgid INTEGER,

    exit_code INTEGER,
    error_message TEXT,

    cancel_requested_at TIMESTAMPTZ,

    run_id TEXT
);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    job_id BIGINT REFERENCES jobs(id),
    name TEXT,
    config TEXT,
    tags TEXT,

    status TEXT NOT NULL DEFAULT 'running',
    started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    finished_at TIMESTAMPTZ,
    duration_seconds DOUBLE PRECISION,

    summary TEXT,

    hostname TEXT,
    run_dir TEXT
);

CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    pid INTEGER,
    hostname TEXT,
    slot INTEGER,
    status TEXT NOT NULL DEFAULT 'idle',
    current_job_id BIGINT,
    started_at TIMESTAMPTZ,
    last_seen_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);
`

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the networked-mode store. Claim atomicity comes from
// row-level locking: FOR UPDATE SKIP LOCKED lets concurrent claimants each
// lock a different queued row without blocking each other.
type PostgresStore struct {
	db       *sql.DB
	runsDir  string
	notifier *Notifier
}

// OpenPostgres connects to the given postgres:// URL.
func OpenPostgres(url string) (*sql.DB, error) {
	database, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.Wrap(errors.ErrStoreUnavailable, err.Error()), "ping postgres")
	}
	return database, nil
}

// NewPostgresStore wraps a connected database. runsDir is the shared
// filesystem root used to derive run_dir paths.
func NewPostgresStore(db *sql.DB, runsDir string) *PostgresStore {
	return &PostgresStore{db: db, runsDir: runsDir}
}

// InitSchema applies the schema. Safe to call repeatedly.
func (s *PostgresStore) InitSchema() error {
	_, err := s.db.Exec(SchemaPostgres)
	return mapPGErr(err, "init schema")
}

// SetNotifier attaches a transition notifier. Nil is allowed.
func (s *PostgresStore) SetNotifier(n *Notifier) {
	s.notifier = n
}

func (s *PostgresStore) notify(job *Job) {
	if s.notifier != nil && job != nil {
		s.notifier.Publish(job)
	}
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunDirFor returns the run directory path for a run id.
func (s *PostgresStore) RunDirFor(runID string) string {
	return filepath.Join(s.runsDir, runID)
}

// mapPGErr converts connection-class and lock-timeout errors into
// ErrStoreUnavailable for the worker's retry path.
func mapPGErr(err error, context string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return errors.Wrap(errors.Wrap(errors.ErrStoreUnavailable, err.Error()), context)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		if class == "08" || pqErr.Code == "55P03" || pqErr.Code == "57014" {
			return errors.Wrap(errors.Wrap(errors.ErrStoreUnavailable, err.Error()), context)
		}
	}
	return errors.Wrap(err, context)
}

const jobColumnsPG = `id, name, command_argv, workdir, config, status, tags,
	attempt, parent_job_id, created_at, started_at, finished_at,
	worker_id, heartbeat_at, lease_expires_at, pid, pgid,
	exit_code, error_message, cancel_requested_at, run_id`

func scanJobPG(row rowScanner) (*Job, error) {
	var (
		job                              Job
		name, argv, cfg, tags            sql.NullString
		parentID                         sql.NullInt64
		createdAt                        time.Time
		startedAt, finishedAt            sql.NullTime
		workerID                         sql.NullString
		heartbeatAt, leaseAt             sql.NullTime
		pid, pgid, exitCode              sql.NullInt64
		errorMessage                     sql.NullString
		cancelRequestedAt                sql.NullTime
		runID                            sql.NullString
	)

	err := row.Scan(
		&job.ID, &name, &argv, &job.Workdir, &cfg, &job.Status, &tags,
		&job.Attempt, &parentID, &createdAt, &startedAt, &finishedAt,
		&workerID, &heartbeatAt, &leaseAt, &pid, &pgid,
		&exitCode, &errorMessage, &cancelRequestedAt, &runID,
	)
	if err != nil {
		return nil, err
	}

	job.Name = name.String
	if l, err := unmarshalStrings(nullStringPtr(argv)); err == nil {
		job.CommandArgv = l
	} else {
		return nil, err
	}
	if m, err := unmarshalObject(nullStringPtr(cfg)); err == nil {
		job.Config = m
	} else {
		return nil, err
	}
	if l, err := unmarshalStrings(nullStringPtr(tags)); err == nil {
		job.Tags = l
	} else {
		return nil, err
	}
	if parentID.Valid {
		job.ParentJobID = &parentID.Int64
	}
	job.CreatedAt = createdAt.UTC()
	job.StartedAt = nullTimePtr(startedAt)
	job.FinishedAt = nullTimePtr(finishedAt)
	job.WorkerID = workerID.String
	job.HeartbeatAt = nullTimePtr(heartbeatAt)
	job.LeaseExpiresAt = nullTimePtr(leaseAt)
	if pid.Valid {
		v := int(pid.Int64)
		job.PID = &v
	}
	if pgid.Valid {
		v := int(pgid.Int64)
		job.PGID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		job.ExitCode = &v
	}
	job.ErrorMessage = errorMessage.String
	job.CancelRequestedAt = nullTimePtr(cancelRequestedAt)
	job.RunID = runID.String

	return &job, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

// Enqueue inserts a queued job and derives its run id.
func (s *PostgresStore) Enqueue(spec JobSpec) (*Job, error) {
	if len(spec.CommandArgv) == 0 {
		return nil, errors.New("command_argv must not be empty")
	}
	if !filepath.IsAbs(spec.Workdir) {
		return nil, errors.Newf("invalid workdir: %q is not absolute", spec.Workdir)
	}

	argv, err := marshalJSONColumn(spec.CommandArgv)
	if err != nil {
		return nil, err
	}
	cfg, err := marshalJSONColumn(spec.Config)
	if err != nil {
		return nil, err
	}
	tags, err := marshalJSONColumn(spec.Tags)
	if err != nil {
		return nil, err
	}

	var id int64
	err = s.db.QueryRow(`
		INSERT INTO jobs (name, command_argv, workdir, config, tags, status, attempt)
		VALUES ($1, $2, $3, $4, $5, 'queued', 1)
		RETURNING id`,
		nullable(spec.Name), *argv, spec.Workdir, cfg, tags,
	).Scan(&id)
	if err != nil {
		return nil, mapPGErr(err, "insert job")
	}

	if _, err := s.db.Exec("UPDATE jobs SET run_id = $1 WHERE id = $2", RunIDFor(id), id); err != nil {
		return nil, mapPGErr(err, "set run_id")
	}

	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	s.notify(job)
	return job, nil
}

// GetJob retrieves a job by id.
func (s *PostgresStore) GetJob(id int64) (*Job, error) {
	row := s.db.QueryRow("SELECT "+jobColumnsPG+" FROM jobs WHERE id = $1", id)
	job, err := scanJobPG(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("job %d", id)
	}
	if err != nil {
		return nil, mapPGErr(err, "get job")
	}
	return job, nil
}

// ListActive returns all queued and running jobs, oldest first.
func (s *PostgresStore) ListActive() ([]*Job, error) {
	rows, err := s.db.Query("SELECT " + jobColumnsPG + ` FROM jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, mapPGErr(err, "list active jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobPG(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return jobs, nil
}

// ClaimNext atomically claims the oldest queued job using row-level
// SKIP LOCKED selection, so concurrent claimants never block or collide.
func (s *PostgresStore) ClaimNext(workerID string, leaseSeconds int) (*Job, error) {
	row := s.db.QueryRow(`
		UPDATE jobs
		SET status = 'running',
		    worker_id = $1,
		    started_at = NOW(),
		    heartbeat_at = NOW(),
		    lease_expires_at = NOW() + make_interval(secs => $2)
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumnsPG,
		workerID, leaseSeconds,
	)

	job, err := scanJobPG(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPGErr(err, "claim job")
	}
	s.notify(job)
	return job, nil
}

// Renew extends the lease while the caller still owns the running job and
// the current lease has not expired.
func (s *PostgresStore) Renew(jobID int64, workerID string, leaseSeconds int) (*Lease, error) {
	row := s.db.QueryRow(`
		UPDATE jobs
		SET heartbeat_at = NOW(),
		    lease_expires_at = NOW() + make_interval(secs => $1)
		WHERE id = $2 AND worker_id = $3 AND status = 'running'
		  AND lease_expires_at > NOW()
		RETURNING lease_expires_at, cancel_requested_at`,
		leaseSeconds, jobID, workerID,
	)

	var expiresAt time.Time
	var cancelAt sql.NullTime
	err := row.Scan(&expiresAt, &cancelAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotOwner, "renew job %d for %s", jobID, workerID)
	}
	if err != nil {
		return nil, mapPGErr(err, "renew lease")
	}

	return &Lease{ExpiresAt: expiresAt.UTC(), CancelRequested: cancelAt.Valid}, nil
}

// Complete records the terminal transition for a job the caller owns.
func (s *PostgresStore) Complete(jobID int64, workerID string, exitCode int, status JobStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return errors.Newf("complete with non-terminal status %q", status)
	}

	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = $1, finished_at = NOW(), exit_code = $2, error_message = $3,
		    worker_id = NULL, pid = NULL, pgid = NULL, lease_expires_at = NULL
		WHERE id = $4 AND worker_id = $5 AND status = 'running'`,
		status, exitCode, nullable(errorMessage), jobID, workerID,
	)
	if err != nil {
		return mapPGErr(err, "complete job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		if _, err := s.GetJob(jobID); err != nil {
			return err
		}
		return errors.Wrapf(errors.ErrNotOwner, "complete job %d for %s", jobID, workerID)
	}

	if job, err := s.GetJob(jobID); err == nil {
		s.notify(job)
	}
	return nil
}

// RequestCancel cancels a queued job immediately or flags a running one.
func (s *PostgresStore) RequestCancel(id int64) (JobStatus, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return "", err
	}

	switch job.Status {
	case StatusQueued:
		_, err = s.db.Exec(`
			UPDATE jobs
			SET status = 'cancelled', finished_at = NOW(), exit_code = $1
			WHERE id = $2 AND status = 'queued'`,
			StartupFailureExitCode, id,
		)
		if err != nil {
			return "", mapPGErr(err, "cancel queued job")
		}
		if updated, err := s.GetJob(id); err == nil {
			s.notify(updated)
		}
	case StatusRunning:
		_, err = s.db.Exec(
			"UPDATE jobs SET cancel_requested_at = NOW() WHERE id = $1 AND cancel_requested_at IS NULL",
			id,
		)
		if err != nil {
			return "", mapPGErr(err, "request cancel")
		}
	}
	return job.Status, nil
}

// CancelAllQueued cancels every queued job and returns the count.
func (s *PostgresStore) CancelAllQueued() (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'cancelled', finished_at = NOW(), exit_code = $1
		WHERE status = 'queued'`,
		StartupFailureExitCode,
	)
	if err != nil {
		return 0, mapPGErr(err, "cancel all queued")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(affected), nil
}

// Retry clones a failed or cancelled job as a fresh queued attempt.
func (s *PostgresStore) Retry(id int64) (*Job, error) {
	original, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if original.Status != StatusFailed && original.Status != StatusCancelled {
		return nil, errors.Wrapf(errors.ErrNotRetryable,
			"job %d is %s; only failed or cancelled jobs can be retried", id, original.Status)
	}

	argv, err := marshalJSONColumn(original.CommandArgv)
	if err != nil {
		return nil, err
	}
	cfg, err := marshalJSONColumn(original.Config)
	if err != nil {
		return nil, err
	}
	tags, err := marshalJSONColumn(original.Tags)
	if err != nil {
		return nil, err
	}

	var newID int64
	err = s.db.QueryRow(`
		INSERT INTO jobs (name, command_argv, workdir, config, tags, status, attempt, parent_job_id)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7)
		RETURNING id`,
		nullable(original.Name), *argv, original.Workdir, cfg, tags,
		original.Attempt+1, id,
	).Scan(&newID)
	if err != nil {
		return nil, mapPGErr(err, "insert retry")
	}
	if _, err := s.db.Exec("UPDATE jobs SET run_id = $1 WHERE id = $2", RunIDFor(newID), newID); err != nil {
		return nil, mapPGErr(err, "set retry run_id")
	}

	job, err := s.GetJob(newID)
	if err != nil {
		return nil, err
	}
	s.notify(job)
	return job, nil
}

// ReapExpired requeues running jobs whose lease has expired. A single
// statement with RETURNING keeps the reap idempotent under concurrent
// reapers: a row can only match once.
func (s *PostgresStore) ReapExpired(now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(`
		UPDATE jobs
		SET status = 'queued',
		    worker_id = NULL,
		    started_at = NULL,
		    heartbeat_at = NULL,
		    lease_expires_at = NULL,
		    cancel_requested_at = NULL,
		    pid = NULL,
		    pgid = NULL,
		    attempt = attempt + 1
		WHERE status = 'running' AND lease_expires_at < $1
		RETURNING `+jobColumnsPG,
		now.UTC(),
	)
	if err != nil {
		return nil, mapPGErr(err, "reap expired jobs")
	}
	defer rows.Close()

	var requeued []*Job
	for rows.Next() {
		job, err := scanJobPG(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reaped job")
		}
		requeued = append(requeued, job)
		s.notify(job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate reaped jobs")
	}
	return requeued, nil
}
