package queue

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/syntropy-systems-oss/whirr/errors"
)

const runColumnsPG = `id, job_id, name, config, tags, status, started_at,
	finished_at, duration_seconds, summary, hostname, run_dir`

func scanRunPG(row rowScanner) (*RunIndex, error) {
	var (
		run              RunIndex
		jobID            sql.NullInt64
		name, cfg, tags  sql.NullString
		startedAt        time.Time
		finishedAt       sql.NullTime
		duration         sql.NullFloat64
		summary          sql.NullString
		hostname, runDir sql.NullString
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
	run.StartedAt = startedAt.UTC()
	run.FinishedAt = nullTimePtr(finishedAt)
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

// CreateRun inserts a run index row.
func (s *PostgresStore) CreateRun(run *RunIndex) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.JobID, nullable(run.Name), cfg, tags, status,
		startedAt.UTC(), nullable(run.Hostname), nullable(run.RunDir),
	)
	return mapPGErr(err, "create run")
}

// CompleteRun marks a run terminal and records its duration.
func (s *PostgresStore) CompleteRun(runID string, status JobStatus, summary map[string]interface{}) error {
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
		SET status = $1, finished_at = NOW(), duration_seconds = $2, summary = $3
		WHERE id = $4`,
		status, duration, summaryCol, runID,
	)
	return mapPGErr(err, "complete run")
}

// GetRun retrieves a run index row by id.
func (s *PostgresStore) GetRun(runID string) (*RunIndex, error) {
	row := s.db.QueryRow("SELECT "+runColumnsPG+" FROM runs WHERE id = $1", runID)
	run, err := scanRunPG(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("run %s", runID)
	}
	if err != nil {
		return nil, mapPGErr(err, "get run")
	}
	return run, nil
}

// GetRunByJobID retrieves the run index row for a job.
func (s *PostgresStore) GetRunByJobID(jobID int64) (*RunIndex, error) {
	row := s.db.QueryRow("SELECT "+runColumnsPG+" FROM runs WHERE job_id = $1", jobID)
	run, err := scanRunPG(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("run for job %d", jobID)
	}
	if err != nil {
		return nil, mapPGErr(err, "get run by job")
	}
	return run, nil
}

// ListRuns returns run index rows, newest first.
func (s *PostgresStore) ListRuns(f RunFilter) ([]*RunIndex, error) {
	query := "SELECT " + runColumnsPG + " FROM runs WHERE 1=1"
	var args []interface{}

	if f.Status != "" {
		args = append(args, f.Status)
		query += " AND status = $1"
	}
	if f.Tag != "" {
		args = append(args, `%"`+f.Tag+`"%`)
		query += " AND tags LIKE $" + strconv.Itoa(len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += " ORDER BY started_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, mapPGErr(err, "list runs")
	}
	defer rows.Close()

	var runs []*RunIndex
	for rows.Next() {
		run, err := scanRunPG(rows)
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
func (s *PostgresStore) RegisterWorker(w *Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, pid, hostname, slot, status, started_at, last_seen_at)
		VALUES ($1, $2, $3, $4, 'idle', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			pid = EXCLUDED.pid,
			status = 'idle',
			current_job_id = NULL,
			started_at = NOW(),
			last_seen_at = NOW()`,
		w.ID, w.PID, w.Hostname, w.Slot,
	)
	return mapPGErr(err, "register worker")
}

// SetWorkerState updates a worker's status, current job, and last-seen time.
func (s *PostgresStore) SetWorkerState(workerID string, status WorkerStatus, currentJobID *int64) error {
	_, err := s.db.Exec(`
		UPDATE workers
		SET status = $1, current_job_id = $2, last_seen_at = NOW()
		WHERE id = $3`,
		status, currentJobID, workerID,
	)
	return mapPGErr(err, "update worker state")
}

// DeregisterWorker marks a worker stopped on clean shutdown.
func (s *PostgresStore) DeregisterWorker(workerID string) error {
	_, err := s.db.Exec(
		"UPDATE workers SET status = 'stopped', current_job_id = NULL WHERE id = $1",
		workerID,
	)
	return mapPGErr(err, "deregister worker")
}

// ListWorkers returns all registered workers ordered by id.
func (s *PostgresStore) ListWorkers() ([]*Worker, error) {
	rows, err := s.db.Query(`
		SELECT id, pid, hostname, slot, status, current_job_id, started_at, last_seen_at
		FROM workers ORDER BY id`)
	if err != nil {
		return nil, mapPGErr(err, "list workers")
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var (
			w                     Worker
			pid, slot, currentJob sql.NullInt64
			hostname              sql.NullString
			startedAt, lastSeenAt sql.NullTime
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
		w.StartedAt = nullTimePtr(startedAt)
		w.LastSeenAt = nullTimePtr(lastSeenAt)
		workers = append(workers, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate workers")
	}
	return workers, nil
}

// StatusCounts aggregates job and worker states.
func (s *PostgresStore) StatusCounts() (*StatusCounts, error) {
	counts := &StatusCounts{}

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, mapPGErr(err, "count jobs")
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
		return nil, mapPGErr(err, "count workers")
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
