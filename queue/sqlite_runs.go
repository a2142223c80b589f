package queue

import (
	"database/sql"
	"time"

	"github.com/syntropy-systems-oss/whirr/errors"
)

const runColumns = `id, job_id, name, config, tags, status, started_at,
	finished_at, duration_seconds, summary, hostname, run_dir`

func scanRun(row rowScanner) (*RunIndex, error) {
	var (
		run                 RunIndex
		jobID               sql.NullInt64
		name, cfg, tags     sql.NullString
		startedAt           string
		finishedAt          sql.NullString
		duration            sql.NullFloat64
		summary             sql.NullString
		hostname, runDir    sql.NullString
	)

	err := row.Scan(&run.ID, &jobID, &name, &cfg, &tags, &run.Status,
		&startedAt, &finishedAt, &duration, &summary, &hostname, &runDir)
	if err != nil {
		return nil, err
	}

	if jobID.Valid {
		run.JobID = &jobID.Int64
	}
	run.Name = name.String
	if m, err := unmarshalObject(nullStringPtr(cfg)); err == nil {
		run.Config = m
	} else {
		return nil, err
	}
	if l, err := unmarshalStrings(nullStringPtr(tags)); err == nil {
		run.Tags = l
	} else {
		return nil, err
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse run started_at")
	}
	run.StartedAt = started
	run.FinishedAt = parseTimePtr(finishedAt)
	if duration.Valid {
		run.DurationSeconds = &duration.Float64
	}
	if m, err := unmarshalObject(nullStringPtr(summary)); err == nil {
		run.Summary = m
	} else {
		return nil, err
	}
	run.Hostname = hostname.String
	run.RunDir = runDir.String

	return &run, nil
}

// CreateRun inserts a run index row. StartedAt defaults to now.
func (s *SQLiteStore) CreateRun(run *RunIndex) error {
	cfg, err := marshalJSONColumn(run.Config)
	if err != nil {
		return err
	}
	tags, err := marshalJSONColumn(run.Tags)
	if err != nil {
		return err
	}

	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, job_id, name, config, tags, status, started_at, hostname, run_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, nullable(run.Name), cfg, tags, status,
		formatTime(startedAt), nullable(run.Hostname), nullable(run.RunDir),
	)
	return mapSQLiteErr(err, "create run")
}

// CompleteRun marks a run terminal and records its duration.
func (s *SQLiteStore) CompleteRun(runID string, status JobStatus, summary map[string]interface{}) error {
	run, err := s.GetRun(runID)
	if err != nil {
		return err
	}

	now := time.Now()
	duration := now.Sub(run.StartedAt).Seconds()

	summaryCol, err := marshalJSONColumn(summary)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE runs
		SET status = ?, finished_at = ?, duration_seconds = ?, summary = ?
		WHERE id = ?`,
		status, formatTime(now), duration, summaryCol, runID,
	)
	return mapSQLiteErr(err, "complete run")
}

// GetRun retrieves a run index row by id.
func (s *SQLiteStore) GetRun(runID string) (*RunIndex, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("run %s", runID)
	}
	if err != nil {
		return nil, mapSQLiteErr(err, "get run")
	}
	return run, nil
}

// GetRunByJobID retrieves the run index row for a job.
func (s *SQLiteStore) GetRunByJobID(jobID int64) (*RunIndex, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE job_id = ?", jobID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("run for job %d", jobID)
	}
	if err != nil {
		return nil, mapSQLiteErr(err, "get run by job")
	}
	return run, nil
}

// ListRuns returns run index rows, newest first.
func (s *SQLiteStore) ListRuns(f RunFilter) ([]*RunIndex, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	var args []interface{}

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Tag != "" {
		query += " AND tags LIKE ?"
		args = append(args, `%"`+f.Tag+`"%`)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, mapSQLiteErr(err, "list runs")
	}
	defer rows.Close()

	var runs []*RunIndex
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate runs")
	}
	return runs, nil
}

// RegisterWorker upserts a worker row as idle.
func (s *SQLiteStore) RegisterWorker(w *Worker) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO workers (id, pid, hostname, slot, status, started_at, last_seen_at)
		VALUES (?, ?, ?, ?, 'idle', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			status = 'idle',
			current_job_id = NULL,
			started_at = excluded.started_at,
			last_seen_at = excluded.last_seen_at`,
		w.ID, w.PID, w.Hostname, w.Slot, now, now,
	)
	return mapSQLiteErr(err, "register worker")
}

// SetWorkerState updates a worker's status, current job, and last-seen time.
func (s *SQLiteStore) SetWorkerState(workerID string, status WorkerStatus, currentJobID *int64) error {
	_, err := s.db.Exec(`
		UPDATE workers
		SET status = ?, current_job_id = ?, last_seen_at = ?
		WHERE id = ?`,
		status, currentJobID, formatTime(time.Now()), workerID,
	)
	return mapSQLiteErr(err, "update worker state")
}

// DeregisterWorker marks a worker stopped on clean shutdown.
func (s *SQLiteStore) DeregisterWorker(workerID string) error {
	_, err := s.db.Exec(
		"UPDATE workers SET status = 'stopped', current_job_id = NULL WHERE id = ?",
		workerID,
	)
	return mapSQLiteErr(err, "deregister worker")
}

// ListWorkers returns all registered workers ordered by id.
func (s *SQLiteStore) ListWorkers() ([]*Worker, error) {
	rows, err := s.db.Query(`
		SELECT id, pid, hostname, slot, status, current_job_id, started_at, last_seen_at
		FROM workers ORDER BY id`)
	if err != nil {
		return nil, mapSQLiteErr(err, "list workers")
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var (
			w                     Worker
			pid, slot, currentJob sql.NullInt64
			hostname              sql.NullString
			startedAt, lastSeenAt sql.NullString
		)
		if err := rows.Scan(&w.ID, &pid, &hostname, &slot, &w.Status, &currentJob, &startedAt, &lastSeenAt); err != nil {
			return nil, errors.Wrap(err, "scan worker")
		}
		w.PID = int(pid.Int64)
		w.Hostname = hostname.String
		if slot.Valid {
			v := int(slot.Int64)
			w.Slot = &v
		}
		if currentJob.Valid {
			w.CurrentJobID = &currentJob.Int64
		}
		w.StartedAt = parseTimePtr(startedAt)
		w.LastSeenAt = parseTimePtr(lastSeenAt)
		workers = append(workers, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate workers")
	}
	return workers, nil
}

// StatusCounts aggregates job and worker states.
func (s *SQLiteStore) StatusCounts() (*StatusCounts, error) {
	counts := &StatusCounts{}

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, mapSQLiteErr(err, "count jobs")
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan job count")
		}
		switch JobStatus(status) {
		case StatusQueued:
			counts.Queued = n
		case StatusRunning:
			counts.Running = n
		case StatusCompleted:
			counts.Completed = n
		case StatusFailed:
			counts.Failed = n
		case StatusCancelled:
			counts.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate job counts")
	}
	rows.Close()

	rows, err = s.db.Query("SELECT status, COUNT(*) FROM workers GROUP BY status")
	if err != nil {
		return nil, mapSQLiteErr(err, "count workers")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan worker count")
		}
		switch WorkerStatus(status) {
		case WorkerIdle:
			counts.WorkersIdle = n
		case WorkerBusy:
			counts.WorkersBusy = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate worker counts")
	}
	return counts, nil
}
