// Package store implements the Persistence module (spec.md C9): the
// relational snapshot of pool/job/event state, xtrigger cache, and
// checkpoints, plus the append-only structured log and
// contact-file record described in spec.md §6/§4.9.
//
// Grounded on the teacher's persistence.ExecutionManager abstraction
// (workflowExecutionContext talks to an interface, never a concrete SQL
// driver) generalized here to github.com/jmoiron/sqlx's sqlx.Ext so any
// database/sql driver works unchanged; lib/pq is wired as the reference
// driver for a Postgres-backed run-dir database.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

// Store is the C9 persistence surface. All methods accept a context for
// cancellation/timeout, matching the teacher's persistence.ExecutionManager
// call shape.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open, already-migrated *sqlx.DB.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

// TaskPoolRow mirrors the task_pool table (spec.md §4.9).
type TaskPoolRow struct {
	Cycle    string `db:"cycle"`
	Name     string `db:"name"`
	Status   string `db:"status"`
	IsHeld   bool   `db:"is_held"`
	Spawned  bool   `db:"spawned"`
	FlowNum  int    `db:"flow_num"`
}

// SaveTaskPool upserts one task_pool row, transactional per caller: ext
// may be a *sqlx.Tx so that several saves commit together. The scheduler
// main loop does not call it.
func (s *Store) SaveTaskPool(ctx context.Context, ext sqlx.ExtContext, row TaskPoolRow) error {
	query := ext.Rebind(`
		INSERT INTO task_pool (cycle, name, status, is_held, spawned, flow_num)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cycle, name) DO UPDATE SET
			status = EXCLUDED.status, is_held = EXCLUDED.is_held,
			spawned = EXCLUDED.spawned, flow_num = EXCLUDED.flow_num`)
	_, err := ext.ExecContext(ctx, query, row.Cycle, row.Name, row.Status, row.IsHeld, row.Spawned, row.FlowNum)
	return errors.Wrap(err, "saving task_pool row")
}

// LoadTaskPool reads every task_pool row, used to rebuild the pool on
// restart (spec.md §4.9: "on restart the pool is rebuilt from task_pool
// and task_states").
func (s *Store) LoadTaskPool(ctx context.Context) ([]TaskPoolRow, error) {
	var rows []TaskPoolRow
	err := s.db.SelectContext(ctx, &rows, `SELECT cycle, name, status, is_held, spawned, flow_num FROM task_pool`)
	return rows, errors.Wrap(err, "loading task_pool")
}

// TaskStateRow mirrors task_states.
type TaskStateRow struct {
	Cycle      string `db:"cycle"`
	Name       string `db:"name"`
	Status     string `db:"status"`
	SubmitNum  int    `db:"submit_num"`
}

func (s *Store) SaveTaskState(ctx context.Context, ext sqlx.ExtContext, row TaskStateRow) error {
	query := ext.Rebind(`
		INSERT INTO task_states (cycle, name, status, submit_num)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cycle, name) DO UPDATE SET status = EXCLUDED.status, submit_num = EXCLUDED.submit_num`)
	_, err := ext.ExecContext(ctx, query, row.Cycle, row.Name, row.Status, row.SubmitNum)
	return errors.Wrap(err, "saving task_states row")
}

// LoadTaskStates reads every task_states row, for restart's "task_jobs
// entries for non-terminal submit_numbers are marked vacated and
// re-polled" rule applied by the caller.
func (s *Store) LoadTaskStates(ctx context.Context) ([]TaskStateRow, error) {
	var rows []TaskStateRow
	err := s.db.SelectContext(ctx, &rows, `SELECT cycle, name, status, submit_num FROM task_states`)
	return rows, errors.Wrap(err, "loading task_states")
}

// JobRow mirrors task_jobs, one row per submission attempt.
type JobRow struct {
	Cycle          string     `db:"cycle"`
	Name           string     `db:"name"`
	SubmitNum      int        `db:"submit_num"`
	TryNum         int        `db:"try_num"`
	SubmitStatus   string     `db:"submit_status"`
	RunStatus      string     `db:"run_status"`
	TimeSubmit     *time.Time `db:"time_submit"`
	TimeSubmitExit *time.Time `db:"time_submit_exit"`
	TimeRun        *time.Time `db:"time_run"`
	TimeRunExit    *time.Time `db:"time_run_exit"`
	UserAtHost     string     `db:"user_at_host"`
	BatchSysName   string     `db:"batch_sys_name"`
	BatchSysJobID  string     `db:"batch_sys_job_id"`
}

func (s *Store) SaveJob(ctx context.Context, ext sqlx.ExtContext, row JobRow) error {
	query := ext.Rebind(`
		INSERT INTO task_jobs (cycle, name, submit_num, try_num, submit_status, run_status,
			time_submit, time_submit_exit, time_run, time_run_exit, user_at_host,
			batch_sys_name, batch_sys_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cycle, name, submit_num) DO UPDATE SET
			try_num = EXCLUDED.try_num, submit_status = EXCLUDED.submit_status,
			run_status = EXCLUDED.run_status, time_submit = EXCLUDED.time_submit,
			time_submit_exit = EXCLUDED.time_submit_exit, time_run = EXCLUDED.time_run,
			time_run_exit = EXCLUDED.time_run_exit, user_at_host = EXCLUDED.user_at_host,
			batch_sys_name = EXCLUDED.batch_sys_name, batch_sys_job_id = EXCLUDED.batch_sys_job_id`)
	_, err := ext.ExecContext(ctx, query, row.Cycle, row.Name, row.SubmitNum, row.TryNum,
		row.SubmitStatus, row.RunStatus, row.TimeSubmit, row.TimeSubmitExit, row.TimeRun,
		row.TimeRunExit, row.UserAtHost, row.BatchSysName, row.BatchSysJobID)
	return errors.Wrap(err, "saving task_jobs row")
}

// NonTerminalJobs returns every task_jobs row whose run/submit status is
// not yet terminal, for restart's vacate-and-repoll rule.
func (s *Store) NonTerminalJobs(ctx context.Context) ([]JobRow, error) {
	var rows []JobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT cycle, name, submit_num, try_num, submit_status, run_status,
			time_submit, time_submit_exit, time_run, time_run_exit, user_at_host,
			batch_sys_name, batch_sys_job_id
		FROM task_jobs
		WHERE run_status IS NULL OR run_status NOT IN ('succeeded', 'failed')`)
	return rows, errors.Wrap(err, "loading non-terminal task_jobs")
}

// RecordTransition satisfies eventrouter.TransitionRecorder: it appends a
// task_events row for the transition (spec.md §4.8 step 4/§4.9).
func (s *Store) RecordTransition(id taskproxy.Identity, event taskproxy.Event, at time.Time) error {
	_, err := s.db.Exec(s.db.Rebind(`INSERT INTO task_events (cycle, name, event, message, time) VALUES (?, ?, ?, ?, ?)`),
		id.CyclePoint, id.TaskName, eventName(event), "", at)
	return errors.Wrap(err, "recording task_events row")
}

func eventName(e taskproxy.Event) string {
	switch e {
	case taskproxy.EventReady:
		return "ready"
	case taskproxy.EventSubmitOK:
		return "submitted"
	case taskproxy.EventSubmitFailed:
		return "submit-failed"
	case taskproxy.EventStarted:
		return "started"
	case taskproxy.EventSubmissionTimedOut:
		return "submission-timed-out"
	case taskproxy.EventSucceeded:
		return "succeeded"
	case taskproxy.EventFailed:
		return "failed"
	case taskproxy.EventExpire:
		return "expired"
	case taskproxy.EventRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// SetParam upserts one suite_params key/value pair, used for the
// persistent uuid_str and other scheduler-wide scalars (spec.md §4.9).
func (s *Store) SetParam(ctx context.Context, key, value string) error {
	query := s.db.Rebind(`
		INSERT INTO suite_params (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`)
	_, err := s.db.ExecContext(ctx, query, key, value)
	return errors.Wrap(err, "saving suite_params row")
}

// Param reads one suite_params value.
func (s *Store) Param(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM suite_params WHERE key = ?`), key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "loading suite_params row")
	}
	return value, true, nil
}

// SaveXtrigger persists one xtrigger cache entry, keyed by its function
// signature (spec.md §4.6/§4.9).
func (s *Store) SaveXtrigger(ctx context.Context, signature, resultsJSON string) error {
	query := s.db.Rebind(`
		INSERT INTO xtriggers (signature, results) VALUES (?, ?)
		ON CONFLICT (signature) DO UPDATE SET results = EXCLUDED.results`)
	_, err := s.db.ExecContext(ctx, query, signature, resultsJSON)
	return errors.Wrap(err, "saving xtriggers row")
}

// LoadXtriggers reads every cached xtrigger result, for Engine.SeedCache on
// restart so a non-cycle-point-dependent xtrigger is never called twice
// (P4).
func (s *Store) LoadXtriggers(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signature, results FROM xtriggers`)
	if err != nil {
		return nil, errors.Wrap(err, "loading xtriggers")
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var sig, results string
		if err := rows.Scan(&sig, &results); err != nil {
			return nil, errors.Wrap(err, "scanning xtriggers row")
		}
		out[sig] = results
	}
	return out, errors.Wrap(rows.Err(), "iterating xtriggers")
}

// SaveInheritance persists the resolved family tree for namespace (spec.md
// §4.9's inheritance table).
func (s *Store) SaveInheritance(ctx context.Context, namespace string, inheritance []string) error {
	query := s.db.Rebind(`
		INSERT INTO inheritance (namespace, inheritance) VALUES (?, ?)
		ON CONFLICT (namespace) DO UPDATE SET inheritance = EXCLUDED.inheritance`)
	_, err := s.db.ExecContext(ctx, query, namespace, joinCSV(inheritance))
	return errors.Wrap(err, "saving inheritance row")
}

func joinCSV(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// CreateCheckpoint copies the current task_pool and suite_params into a
// numbered checkpoint (spec.md §4.9: "Creating a checkpoint copies the
// current task_pool and suite_params into a numbered checkpoint table
// row"), recording the event in checkpoint_id. id=0 is reserved for
// "latest" and is overwritten on every call with id=0.
func (s *Store) CreateCheckpoint(ctx context.Context, id int, event string, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning checkpoint transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_pool_checkpoints WHERE checkpoint = ?`), id); err != nil {
		return errors.Wrap(err, "clearing prior task_pool checkpoint")
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_pool_checkpoints (checkpoint, cycle, name, status, is_held, spawned, flow_num)
		SELECT ?, cycle, name, status, is_held, spawned, flow_num FROM task_pool`), id); err != nil {
		return errors.Wrap(err, "copying task_pool into checkpoint")
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM suite_params_checkpoints WHERE checkpoint = ?`), id); err != nil {
		return errors.Wrap(err, "clearing prior suite_params checkpoint")
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO suite_params_checkpoints (checkpoint, key, value)
		SELECT ?, key, value FROM suite_params`), id); err != nil {
		return errors.Wrap(err, "copying suite_params into checkpoint")
	}
	query := tx.Rebind(`
		INSERT INTO checkpoint_id (id, time, event) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET time = EXCLUDED.time, event = EXCLUDED.event`)
	if _, err := tx.ExecContext(ctx, query, id, now, event); err != nil {
		return errors.Wrap(err, "recording checkpoint_id row")
	}
	return errors.Wrap(tx.Commit(), "committing checkpoint transaction")
}

// CheckpointInfo is one row of `cylc ls-checkpoints`.
type CheckpointInfo struct {
	ID    int       `db:"id"`
	Time  time.Time `db:"time"`
	Event string    `db:"event"`
}

// ListCheckpoints returns every recorded checkpoint, newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]CheckpointInfo, error) {
	var rows []CheckpointInfo
	err := s.db.SelectContext(ctx, &rows, `SELECT id, time, event FROM checkpoint_id ORDER BY time DESC`)
	return rows, errors.Wrap(err, "listing checkpoints")
}
