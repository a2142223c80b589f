package queue

import (
	"database/sql"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// timeFormat is fixed-width UTC so that string comparison in SQL matches
// chronological order. RFC3339Nano is unsuitable: it drops trailing zeros,
// which breaks lexicographic ordering against whole-second timestamps.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Second-precision timestamps written by external tools
		t, err = time.Parse("2006-01-02T15:04:05Z", s)
	}
	return t, err
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// DefaultHeartbeatTimeout is the embedded-mode orphan cutoff: a running job
// whose heartbeat is older than this is considered abandoned.
const DefaultHeartbeatTimeout = 120 * time.Second

var (
	_ Store           = (*SQLiteStore)(nil)
	_ ProcessRecorder = (*SQLiteStore)(nil)
)

// SQLiteStore is the embedded single-host store. Claim atomicity comes from
// SQLite's exclusive write transaction (the connection opens with
// _txlock=immediate), which serializes all claimants on one host.
type SQLiteStore struct {
	db               *sql.DB
	runsDir          string
	heartbeatTimeout time.Duration
	notifier         *Notifier
}

// NewSQLiteStore wraps an opened, migrated database. runsDir is used to
// derive run_dir paths returned from Enqueue.
func NewSQLiteStore(db *sql.DB, runsDir string) *SQLiteStore {
	return &SQLiteStore{
		db:               db,
		runsDir:          runsDir,
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}
}

// SetHeartbeatTimeout overrides the orphan cutoff (tests, config).
func (s *SQLiteStore) SetHeartbeatTimeout(d time.Duration) {
	s.heartbeatTimeout = d
}

// SetNotifier attaches a transition notifier. Nil is allowed.
func (s *SQLiteStore) SetNotifier(n *Notifier) {
	s.notifier = n
}

func (s *SQLiteStore) notify(job *Job) {
	if s.notifier != nil && job != nil {
		s.notifier.Publish(job)
	}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mapSQLiteErr converts lock/busy driver errors into ErrStoreUnavailable so
// the worker's bounded-backoff retry can identify them.
func mapSQLiteErr(err error, context string) error {
	if err == nil {
		return nil
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			return errors.Wrap(errors.Wrap(errors.ErrStoreUnavailable, err.Error()), context)
		}
	}
	return errors.Wrap(err, context)
}

const jobColumns = `id, name, command_argv, workdir, config, status, tags,
	attempt, parent_job_id, created_at, started_at, finished_at,
	worker_id, heartbeat_at, lease_expires_at, pid, pgid,
	exit_code, error_message, cancel_requested_at, run_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                          Job
		name, argv, cfg, tags                        sql.NullString
		parentID                                     sql.NullInt64
		createdAt                                    string
		startedAt, finishedAt                        sql.NullString
		workerID, heartbeatAt, leaseAt               sql.NullString
		pid, pgid, exitCode                          sql.NullInt64
		errorMessage, cancelRequestedAt, runID       sql.NullString
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
	if argvList, err := unmarshalStrings(nullStringPtr(argv)); err == nil {
		job.CommandArgv = argvList
	} else {
		return nil, err
	}
	if cfgMap, err := unmarshalObject(nullStringPtr(cfg)); err == nil {
		job.Config = cfgMap
	} else {
		return nil, err
	}
	if tagList, err := unmarshalStrings(nullStringPtr(tags)); err == nil {
		job.Tags = tagList
	} else {
		return nil, err
	}
	if parentID.Valid {
		job.ParentJobID = &parentID.Int64
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	job.CreatedAt = created
	job.StartedAt = parseTimePtr(startedAt)
	job.FinishedAt = parseTimePtr(finishedAt)
	job.WorkerID = workerID.String
	job.HeartbeatAt = parseTimePtr(heartbeatAt)
	job.LeaseExpiresAt = parseTimePtr(leaseAt)
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
	job.CancelRequestedAt = parseTimePtr(cancelRequestedAt)
	job.RunID = runID.String

	return &job, nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// Enqueue inserts a queued job and derives its run id.
func (s *SQLiteStore) Enqueue(spec JobSpec) (*Job, error) {
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

	tx, err := s.db.Begin()
	if err != nil {
		return nil, mapSQLiteErr(err, "begin enqueue")
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.Exec(`
		INSERT INTO jobs (name, command_argv, workdir, config, tags, status, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 1, ?)`,
		nullable(spec.Name), *argv, spec.Workdir, cfg, tags, now,
	)
	if err != nil {
		return nil, mapSQLiteErr(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "job id")
	}

	runID := RunIDFor(id)
	if _, err := tx.Exec("UPDATE jobs SET run_id = ? WHERE id = ?", runID, id); err != nil {
		return nil, mapSQLiteErr(err, "set run_id")
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteErr(err, "commit enqueue")
	}

	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	s.notify(job)
	return job, nil
}

// RunDirFor returns the run directory path for a run id.
func (s *SQLiteStore) RunDirFor(runID string) string {
	return filepath.Join(s.runsDir, runID)
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(id int64) (*Job, error) {
	row := s.db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("job %d", id)
	}
	if err != nil {
		return nil, mapSQLiteErr(err, "get job")
	}
	return job, nil
}

// ListActive returns all queued and running jobs, oldest first.
func (s *SQLiteStore) ListActive() ([]*Job, error) {
	rows, err := s.db.Query("SELECT " + jobColumns + ` FROM jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, mapSQLiteErr(err, "list active jobs")
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
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

// ClaimNext atomically claims the oldest queued job. The whole operation is
// one immediate transaction, so concurrent claimants on the same database
// serialize and exactly one of them observes any given job.
func (s *SQLiteStore) ClaimNext(workerID string, leaseSeconds int) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, mapSQLiteErr(err, "begin claim")
	}
	defer tx.Rollback()

	now := time.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	row := tx.QueryRow(`
		UPDATE jobs
		SET status = 'running',
		    worker_id = ?,
		    started_at = ?,
		    heartbeat_at = ?,
		    lease_expires_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued'
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, formatTime(now), formatTime(now), formatTime(lease),
	)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, mapSQLiteErr(err, "claim job")
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteErr(err, "commit claim")
	}
	s.notify(job)
	return job, nil
}

// Renew extends the lease. The update only matches while the caller still
// owns a running job whose lease has not expired; anything else is NotOwner.
func (s *SQLiteStore) Renew(jobID int64, workerID string, leaseSeconds int) (*Lease, error) {
	now := time.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	row := s.db.QueryRow(`
		UPDATE jobs
		SET heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'running'
		  AND lease_expires_at > ?
		RETURNING cancel_requested_at`,
		formatTime(now), formatTime(lease), jobID, workerID, formatTime(now),
	)

	var cancelAt sql.NullString
	err := row.Scan(&cancelAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotOwner, "renew job %d for %s", jobID, workerID)
	}
	if err != nil {
		return nil, mapSQLiteErr(err, "renew lease")
	}

	return &Lease{
		ExpiresAt:       lease.UTC(),
		CancelRequested: cancelAt.Valid && cancelAt.String != "",
	}, nil
}

// RecordProcess stores the child's pid and process group for diagnostics.
func (s *SQLiteStore) RecordProcess(jobID int64, pid, pgid int) error {
	_, err := s.db.Exec("UPDATE jobs SET pid = ?, pgid = ? WHERE id = ?", pid, pgid, jobID)
	return mapSQLiteErr(err, "record process info")
}

// Complete records the terminal transition for a job the caller owns.
func (s *SQLiteStore) Complete(jobID int64, workerID string, exitCode int, status JobStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return errors.Newf("complete with non-terminal status %q", status)
	}

	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, finished_at = ?, exit_code = ?, error_message = ?,
		    worker_id = NULL, pid = NULL, pgid = NULL, lease_expires_at = NULL
		WHERE id = ? AND worker_id = ? AND status = 'running'`,
		status, formatTime(time.Now()), exitCode, nullable(errorMessage), jobID, workerID,
	)
	if err != nil {
		return mapSQLiteErr(err, "complete job")
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
// Repeated calls are no-ops beyond the first.
func (s *SQLiteStore) RequestCancel(id int64) (JobStatus, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return "", err
	}

	now := formatTime(time.Now())
	switch job.Status {
	case StatusQueued:
		_, err = s.db.Exec(`
			UPDATE jobs
			SET status = 'cancelled', finished_at = ?, exit_code = ?
			WHERE id = ? AND status = 'queued'`,
			now, StartupFailureExitCode, id,
		)
		if err != nil {
			return "", mapSQLiteErr(err, "cancel queued job")
		}
		if updated, err := s.GetJob(id); err == nil {
			s.notify(updated)
		}
	case StatusRunning:
		if job.CancelRequestedAt == nil {
			_, err = s.db.Exec(
				"UPDATE jobs SET cancel_requested_at = ? WHERE id = ? AND cancel_requested_at IS NULL",
				now, id,
			)
			if err != nil {
				return "", mapSQLiteErr(err, "request cancel")
			}
		}
	}
	// Terminal statuses: nothing to do
	return job.Status, nil
}

// CancelAllQueued cancels every queued job and returns the count.
func (s *SQLiteStore) CancelAllQueued() (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'cancelled', finished_at = ?, exit_code = ?
		WHERE status = 'queued'`,
		formatTime(time.Now()), StartupFailureExitCode,
	)
	if err != nil {
		return 0, mapSQLiteErr(err, "cancel all queued")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(affected), nil
}

// Retry clones a failed or cancelled job as a fresh queued attempt.
func (s *SQLiteStore) Retry(id int64) (*Job, error) {
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

	tx, err := s.db.Begin()
	if err != nil {
		return nil, mapSQLiteErr(err, "begin retry")
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO jobs (name, command_argv, workdir, config, tags, status, attempt, parent_job_id, created_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?)`,
		nullable(original.Name), *argv, original.Workdir, cfg, tags,
		original.Attempt+1, id, formatTime(time.Now()),
	)
	if err != nil {
		return nil, mapSQLiteErr(err, "insert retry")
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "retry job id")
	}
	if _, err := tx.Exec("UPDATE jobs SET run_id = ? WHERE id = ?", RunIDFor(newID), newID); err != nil {
		return nil, mapSQLiteErr(err, "set retry run_id")
	}
	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteErr(err, "commit retry")
	}

	job, err := s.GetJob(newID)
	if err != nil {
		return nil, err
	}
	s.notify(job)
	return job, nil
}

// ReapExpired requeues running jobs whose heartbeat is stale. The embedded
// store has no network partition to worry about, so heartbeat age is the
// orphan signal rather than lease expiry.
func (s *SQLiteStore) ReapExpired(now time.Time) ([]*Job, error) {
	cutoff := formatTime(now.Add(-s.heartbeatTimeout))

	rows, err := s.db.Query("SELECT "+jobColumns+` FROM jobs
		WHERE status = 'running'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < ?`, cutoff)
	if err != nil {
		return nil, mapSQLiteErr(err, "find expired jobs")
	}
	expired, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var requeued []*Job
	for _, job := range expired {
		res, err := s.db.Exec(`
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
			WHERE id = ? AND status = 'running'`,
			job.ID,
		)
		if err != nil {
			return requeued, mapSQLiteErr(err, "requeue expired job")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // already requeued by a concurrent reaper
		}
		updated, err := s.GetJob(job.ID)
		if err != nil {
			return requeued, err
		}
		requeued = append(requeued, updated)
		s.notify(updated)
	}
	return requeued, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
