package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

// TaskRecord is the Durable Store's row shape for a task.
type TaskRecord struct {
	TaskID               string
	TaskType             string
	Payload              json.RawMessage
	Priority             string
	MaxExecutionTime     int64
	RequiredCapabilities []string
	Reward               string // decimal, stored as text to avoid float drift
	Currency             string
	SubmitterID          string
	AssignedNodeID       string
	Status               string
	Result               string
	ErrorMessage         string
	EscrowID             string
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// PutTask inserts a new task record. Tasks are created once by submission
// and thereafter only updated via CASTaskStatus / SetTaskEscrowID.
func (s *Store) PutTask(ctx context.Context, t *TaskRecord) error {
	caps, err := json.Marshal(t.RequiredCapabilities)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.PutTask", "marshal capabilities", err)
	}
	_, err = s.conn.ExecContext(ctx, rebind(s.driverName, `
		INSERT INTO tasks (task_id, task_type, payload, priority, max_execution_time, required_capabilities, reward, currency, submitter_id, assigned_node_id, status, result, error_message, escrow_id, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.TaskID, t.TaskType, string(t.Payload), t.Priority, t.MaxExecutionTime, string(caps), t.Reward, t.Currency,
		t.SubmitterID, t.AssignedNodeID, t.Status, t.Result, t.ErrorMessage, t.EscrowID, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.PutTask", "insert task", err)
	}
	return nil
}

// GetTask returns the task record for id, or NotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.conn.QueryRowContext(ctx, rebind(s.driverName, `
		SELECT task_id, task_type, payload, priority, max_execution_time, required_capabilities, reward, currency, submitter_id, assigned_node_id, status, result, error_message, escrow_id, created_at, started_at, completed_at
		FROM tasks WHERE task_id = ?
	`), id)
	return scanTask(row)
}

// ListTasksByStatus returns tasks in the given status, ordered by created_at
// ascending (FIFO), the order the Scheduler's selection rule requires.
func (s *Store) ListTasksByStatus(ctx context.Context, status string) ([]*TaskRecord, error) {
	rows, err := s.conn.QueryContext(ctx, rebind(s.driverName, `
		SELECT task_id, task_type, payload, priority, max_execution_time, required_capabilities, reward, currency, submitter_id, assigned_node_id, status, result, error_message, escrow_id, created_at, started_at, completed_at
		FROM tasks WHERE status = ? ORDER BY created_at ASC
	`), status)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListTasksByStatus", "query", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListRunningTasks returns every task currently in status "running", used
// by the Scheduler's watchdog sweep.
func (s *Store) ListRunningTasks(ctx context.Context) ([]*TaskRecord, error) {
	return s.ListTasksByStatus(ctx, "running")
}

// CASTaskStatus performs a compare-and-set on a task's status within tx
// (tx may be nil, in which case it runs directly against the pooled
// connection). Returns (true, nil) if the row matched and was updated,
// (false, nil) if another writer had already moved it off fromStatus.
func (s *Store) CASTaskStatus(ctx context.Context, tx *sql.Tx, taskID, fromStatus, toStatus, assignedNodeID string, startedAt, completedAt *time.Time, result, errMsg string) (bool, error) {
	query := rebind(s.driverName, `
		UPDATE tasks SET status=?, assigned_node_id=?, started_at=COALESCE(?, started_at), completed_at=COALESCE(?, completed_at), result=?, error_message=?
		WHERE task_id=? AND status=?
	`)
	args := []any{toStatus, assignedNodeID, startedAt, completedAt, result, errMsg, taskID, fromStatus}

	var res sql.Result
	var err error
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = s.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Storage, "store.CASTaskStatus", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Storage, "store.CASTaskStatus", "rows affected", err)
	}
	return n == 1, nil
}

// SetTaskEscrowID records the escrow a task settles against.
func (s *Store) SetTaskEscrowID(ctx context.Context, taskID, escrowID string) error {
	_, err := s.conn.ExecContext(ctx, rebind(s.driverName, `UPDATE tasks SET escrow_id = ? WHERE task_id = ?`), escrowID, taskID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.SetTaskEscrowID", "update", err)
	}
	return nil
}

func scanTask(row *sql.Row) (*TaskRecord, error)   { return scanTaskGeneric(row) }
func scanTaskRows(rows *sql.Rows) (*TaskRecord, error) { return scanTaskGeneric(rows) }

func scanTaskGeneric(s rowScanner) (*TaskRecord, error) {
	var t TaskRecord
	var payload, caps string
	err := s.Scan(&t.TaskID, &t.TaskType, &payload, &t.Priority, &t.MaxExecutionTime, &caps, &t.Reward, &t.Currency,
		&t.SubmitterID, &t.AssignedNodeID, &t.Status, &t.Result, &t.ErrorMessage, &t.EscrowID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, coreerrors.New(coreerrors.NotFound, "store.GetTask", "task not found")
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.scanTask", "scan", err)
	}
	t.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(caps), &t.RequiredCapabilities); err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.scanTask", "unmarshal capabilities", err)
	}
	return &t, nil
}
