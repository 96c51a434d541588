// Package scheduler implements the Task Scheduler: matches pending tasks to
// capable nodes, persists the assign/start/complete/fail state machine via
// compare-and-set against the Durable Store, runs a watchdog sweep for
// silently-dead executors, and cascades completion into the Escrow state
// machine and the Reputation Engine. Grounded on libs/execution/
// task_executor.go's dequeue-execute-store-broadcast loop, generalized from
// that file's single in-process executor into a CAS-based assignment model
// where many nodes compete for the same pending queue.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/chain"
	"github.com/aidenlippert/zerostate/internal/coreerrors"
	"github.com/aidenlippert/zerostate/internal/escrow"
	"github.com/aidenlippert/zerostate/internal/queue"
	"github.com/aidenlippert/zerostate/internal/registry"
	"github.com/aidenlippert/zerostate/internal/reputation"
	"github.com/aidenlippert/zerostate/internal/store"
)

// Status mirrors a task's position in the state graph of spec.md §4.F.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Priority orders the pending queue; lower numeric value runs first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 1,
	PriorityHigh:   2,
	PriorityNormal: 3,
	PriorityLow:    4,
}

func rankOf(p string) int {
	if r, ok := priorityRank[Priority(p)]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Task is the Scheduler's domain view of a task record.
type Task struct {
	TaskID               string
	TaskType             string
	Payload              []byte
	Priority             Priority
	MaxExecutionTime     time.Duration
	RequiredCapabilities []string
	Reward               string
	Currency             string
	SubmitterID          string
	AssignedNodeID       string
	Status               Status
	Result               string
	ErrorMessage         string
	EscrowID             string
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// Config tunes watchdog and queue behavior.
type Config struct {
	WatchdogInterval time.Duration
	WatchdogGrace    time.Duration
}

// DefaultConfig returns a sweep interval and grace matching spec.md §4.F's
// "every N seconds" watchdog without pinning a specific N.
func DefaultConfig() Config {
	return Config{WatchdogInterval: 30 * time.Second, WatchdogGrace: 10 * time.Second}
}

var (
	tasksByStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_task_transitions_total",
		Help: "Task status transitions by resulting status",
	}, []string{"status"})
	assignConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_assign_conflicts_total",
		Help: "Assign attempts that lost a CAS race to another node",
	})
	watchdogTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_watchdog_timeouts_total",
		Help: "Tasks marked timeout by the watchdog sweep",
	})
)

// Scheduler implements the task state machine and selection logic.
type Scheduler struct {
	cfg      Config
	store    *store.Store
	escrow   *escrow.Machine
	registry *registry.Registry
	rep      *reputation.Engine
	chain    *chain.Registry
	queue    *queue.Notifier
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Scheduler. escrow/registry/rep/chainReg/notifier may all
// be nil in tests that only exercise selection and the raw state machine;
// a nil chainReg makes cascade settle with an empty tx_hash (the prior
// behavior), and a nil notifier makes Submit a pure Durable Store write, with
// workers picking the task up on their own poll interval.
func New(cfg Config, st *store.Store, esc *escrow.Machine, reg *registry.Registry, rep *reputation.Engine, chainReg *chain.Registry, notifier *queue.Notifier, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WatchdogInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{cfg: cfg, store: st, escrow: esc, registry: reg, rep: rep, chain: chainReg, queue: notifier, logger: logger, stopCh: make(chan struct{})}
}

// Submit persists a new task in status pending. escrowID is optional; when
// set, the scheduler assumes the caller already funded that contract.
func (s *Scheduler) Submit(ctx context.Context, taskType string, payload []byte, priority Priority, maxExecutionTime time.Duration, requiredCaps []string, reward, currency, submitterID, escrowID string) (*Task, error) {
	if submitterID == "" {
		return nil, coreerrors.New(coreerrors.Validation, "scheduler.Submit", "submitter_id required")
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if _, ok := priorityRank[priority]; !ok {
		return nil, coreerrors.New(coreerrors.Validation, "scheduler.Submit", "unknown priority")
	}

	rec := &store.TaskRecord{
		TaskID:               uuid.NewString(),
		TaskType:             taskType,
		Payload:              payload,
		Priority:             string(priority),
		MaxExecutionTime:     int64(maxExecutionTime.Seconds()),
		RequiredCapabilities: requiredCaps,
		Reward:               reward,
		Currency:             currency,
		SubmitterID:          submitterID,
		Status:               string(StatusPending),
		EscrowID:             escrowID,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.store.PutTask(ctx, rec); err != nil {
		return nil, err
	}
	tasksByStatusTotal.WithLabelValues(string(StatusPending)).Inc()

	if err := s.queue.NotifyTaskReady(ctx, rec.TaskID); err != nil {
		s.logger.Warn("failed to publish task-ready notification, workers fall back to polling", zap.String("task_id", rec.TaskID), zap.Error(err))
	}
	return fromRecord(rec), nil
}

// Candidates implements the selection rule of spec.md §4.F: pending tasks
// whose required capabilities are a subset of nodeCaps, sorted by priority
// then FIFO by created_at.
func (s *Scheduler) Candidates(ctx context.Context, nodeCaps []string) ([]*Task, error) {
	pending, err := s.store.ListTasksByStatus(ctx, string(StatusPending))
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(nodeCaps))
	for _, c := range nodeCaps {
		have[c] = true
	}

	var out []*Task
	for _, rec := range pending {
		if subsetOf(rec.RequiredCapabilities, have) {
			out = append(out, fromRecord(rec))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rankOf(string(out[i].Priority)), rankOf(string(out[j].Priority))
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func subsetOf(required []string, have map[string]bool) bool {
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

// Assign attempts to move a task from pending to assigned. ok=false with a
// nil error means another node won the CAS race first.
func (s *Scheduler) Assign(ctx context.Context, taskID, nodeID string) (ok bool, err error) {
	ok, err = s.store.CASTaskStatus(ctx, nil, taskID, string(StatusPending), string(StatusAssigned), nodeID, nil, nil, "", "")
	if err != nil {
		return false, err
	}
	if !ok {
		assignConflictsTotal.Inc()
		return false, nil
	}
	tasksByStatusTotal.WithLabelValues(string(StatusAssigned)).Inc()
	return true, nil
}

// Start moves assigned to running, guarded by the caller actually being the
// assigned node.
func (s *Scheduler) Start(ctx context.Context, taskID, nodeID string) (*Task, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.AssignedNodeID != nodeID {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Start", "task is not assigned to this node")
	}
	now := time.Now().UTC()
	ok, err := s.store.CASTaskStatus(ctx, nil, taskID, string(StatusAssigned), string(StatusRunning), nodeID, &now, nil, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Start", "task already left assigned")
	}
	tasksByStatusTotal.WithLabelValues(string(StatusRunning)).Inc()

	if rec.EscrowID != "" && s.escrow != nil {
		if _, err := s.escrow.Start(ctx, rec.EscrowID); err != nil {
			s.logger.Warn("start cascade: escrow transition failed", zap.String("escrow_id", rec.EscrowID), zap.Error(err))
		}
	}
	return s.Get(ctx, taskID)
}

// Complete moves running to completed, records the result, and cascades
// into the Escrow state machine and Reputation Engine per spec.md §4.F. A
// failure in the cascade is logged but does not roll back the task
// transition: the task outcome is the durable fact, settlement retry is a
// separate operational concern.
func (s *Scheduler) Complete(ctx context.Context, taskID, nodeID, result string, duration time.Duration) (*Task, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.AssignedNodeID != nodeID {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Complete", "task is not assigned to this node")
	}
	now := time.Now().UTC()
	ok, err := s.store.CASTaskStatus(ctx, nil, taskID, string(StatusRunning), string(StatusCompleted), nodeID, nil, &now, result, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Complete", "task already left running")
	}
	tasksByStatusTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.logger.Info("task completed", zap.String("task_id", taskID), zap.String("node_id", nodeID), zap.Duration("duration", duration))

	s.cascade(ctx, rec.EscrowID, nodeID, reputation.TaskSuccess)
	return s.Get(ctx, taskID)
}

// Fail moves running to failed and posts the negative reputation event. It
// does not touch escrow: automatic refund is out of scope per spec.md §4.F.
func (s *Scheduler) Fail(ctx context.Context, taskID, nodeID, errMsg string) (*Task, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.AssignedNodeID != nodeID {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Fail", "task is not assigned to this node")
	}
	now := time.Now().UTC()
	ok, err := s.store.CASTaskStatus(ctx, nil, taskID, string(StatusRunning), string(StatusFailed), nodeID, nil, &now, "", errMsg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Fail", "task already left running")
	}
	tasksByStatusTotal.WithLabelValues(string(StatusFailed)).Inc()

	s.cascade(ctx, "", nodeID, reputation.TaskFailure)
	return s.Get(ctx, taskID)
}

// Timeout moves running to timeout, for the executing node's own wall-clock
// monitoring per spec.md §4.F ("the executing node monitors wall-clock
// against max_execution_time and reports timeout"). The watchdog sweep
// covers the case where the node never reports at all.
func (s *Scheduler) Timeout(ctx context.Context, taskID, nodeID, errMsg string) (*Task, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.AssignedNodeID != nodeID {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Timeout", "task is not assigned to this node")
	}
	now := time.Now().UTC()
	ok, err := s.store.CASTaskStatus(ctx, nil, taskID, string(StatusRunning), string(StatusTimeout), nodeID, nil, &now, "", errMsg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Timeout", "task already left running")
	}
	tasksByStatusTotal.WithLabelValues(string(StatusTimeout)).Inc()

	s.cascade(ctx, "", nodeID, reputation.TaskTimeout)
	return s.Get(ctx, taskID)
}

// Cancel moves a pending task to cancelled. Assigned and running tasks must
// time out instead, per spec.md §4.F.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*Task, error) {
	ok, err := s.store.CASTaskStatus(ctx, nil, taskID, string(StatusPending), string(StatusCancelled), "", nil, nil, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coreerrors.New(coreerrors.Conflict, "scheduler.Cancel", "task is not pending")
	}
	tasksByStatusTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return s.Get(ctx, taskID)
}

// Get returns a task by id.
func (s *Scheduler) Get(ctx context.Context, taskID string) (*Task, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// WatchdogSweep marks any running task whose started_at + max_execution_time
// + grace has elapsed as timeout, without requiring node cooperation.
func (s *Scheduler) WatchdogSweep(ctx context.Context) (int, error) {
	running, err := s.store.ListRunningTasks(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var marked int
	for _, rec := range running {
		if rec.StartedAt == nil {
			continue
		}
		deadline := rec.StartedAt.Add(time.Duration(rec.MaxExecutionTime) * time.Second).Add(s.cfg.WatchdogGrace)
		if now.Before(deadline) {
			continue
		}

		ok, err := s.store.CASTaskStatus(ctx, nil, rec.TaskID, string(StatusRunning), string(StatusTimeout), rec.AssignedNodeID, nil, &now, "", "watchdog: execution deadline exceeded")
		if err != nil {
			s.logger.Warn("watchdog CAS failed", zap.String("task_id", rec.TaskID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		marked++
		watchdogTimeoutsTotal.Inc()
		tasksByStatusTotal.WithLabelValues(string(StatusTimeout)).Inc()
		s.cascade(ctx, "", rec.AssignedNodeID, reputation.TaskTimeout)
	}
	return marked, nil
}

// RunWatchdog blocks, sweeping on cfg.WatchdogInterval until ctx is done or
// Stop is called.
func (s *Scheduler) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.WatchdogSweep(ctx); err != nil {
				s.logger.Warn("watchdog sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop signals RunWatchdog to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) cascade(ctx context.Context, escrowID, nodeID string, event reputation.Event) {
	if escrowID != "" && event == reputation.TaskSuccess && s.escrow != nil {
		txHash, err := s.settlementTxHash(ctx, escrowID)
		if err != nil {
			s.logger.Warn("completion cascade: obtaining settlement tx hash failed", zap.String("escrow_id", escrowID), zap.Error(err))
		}
		if _, err := s.escrow.Complete(ctx, escrowID, txHash); err != nil {
			s.logger.Warn("completion cascade: escrow settlement failed", zap.String("escrow_id", escrowID), zap.Error(err))
		}
	}
	if nodeID != "" && s.registry != nil {
		if _, err := s.registry.UpdateReputation(ctx, nodeID, event, nil); err != nil {
			s.logger.Warn("completion cascade: reputation update failed", zap.String("node_id", nodeID), zap.String("event", string(event)), zap.Error(err))
		}
	}
}

// settlementTxHash obtains a transaction hash from the Chain Adapter wired
// for the contract's currency, per spec.md §4.I's "the caller first obtains
// a tx_hash from the appropriate Chain Adapter, then calls ... complete".
// Returns "" with no error when no chain registry is configured, preserving
// the Scheduler's ability to run with chain support disabled.
func (s *Scheduler) settlementTxHash(ctx context.Context, escrowID string) (string, error) {
	if s.chain == nil {
		return "", nil
	}
	c, err := s.escrow.Get(ctx, escrowID)
	if err != nil {
		return "", err
	}
	adapter, err := s.chain.Get(c.Currency)
	if err != nil {
		return "", err
	}
	return adapter.Send(ctx, "seller_"+c.SellerID, c.Amount, "")
}

func fromRecord(rec *store.TaskRecord) *Task {
	return &Task{
		TaskID:               rec.TaskID,
		TaskType:             rec.TaskType,
		Payload:              []byte(rec.Payload),
		Priority:             Priority(rec.Priority),
		MaxExecutionTime:     time.Duration(rec.MaxExecutionTime) * time.Second,
		RequiredCapabilities: rec.RequiredCapabilities,
		Reward:               rec.Reward,
		Currency:             rec.Currency,
		SubmitterID:          rec.SubmitterID,
		AssignedNodeID:       rec.AssignedNodeID,
		Status:               Status(rec.Status),
		Result:               rec.Result,
		ErrorMessage:         rec.ErrorMessage,
		EscrowID:             rec.EscrowID,
		CreatedAt:            rec.CreatedAt,
		StartedAt:            rec.StartedAt,
		CompletedAt:          rec.CompletedAt,
	}
}
