package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/sandbox"
)

// taskPayload is the JSON shape this node's worker loop expects inside a
// task's opaque payload bag: a base64-encoded WASM module, its exported
// entry function, and CLI-style arguments.
type taskPayload struct {
	WASMBase64 string   `json:"wasm_base64"`
	Function   string   `json:"function"`
	Args       []string `json:"args"`
}

// runWorker implements this node's side of the task lifecycle: poll for
// candidate work, race to assign it, run it in the sandbox, and report the
// outcome. Grounded on libs/execution/task_executor.go's Start loop
// (poll-with-backoff-on-idle, one task at a time, log then sleep on
// transient errors), generalized from that file's single dedicated-queue
// consumer into one of several nodes competing for a shared pending table
// via Scheduler's CAS-guarded Assign.
func (s *Services) runWorker(ctx context.Context, id int) {
	logger := s.Logger.With(zap.Int("worker", id))
	logger.Info("worker started")

	var wake <-chan string
	if s.Queue != nil {
		ch, unsubscribe, err := s.Queue.Subscribe(ctx)
		if err != nil {
			logger.Warn("failed to subscribe to task-ready notifications, falling back to polling", zap.Error(err))
		} else {
			wake = ch
			defer unsubscribe()
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		default:
		}

		claimed, err := s.claimNextTask(ctx)
		if err != nil {
			logger.Warn("failed to poll for work", zap.Error(err))
			waitForWakeOrTimeout(ctx, wake, time.Second)
			continue
		}
		if claimed == nil {
			waitForWakeOrTimeout(ctx, wake, time.Second)
			continue
		}

		s.executeClaimedTask(ctx, claimed)
	}
}

// claimNextTask finds the highest-priority candidate this node qualifies
// for and races to assign it, returning nil if nothing is available or
// every candidate was already claimed by another node.
func (s *Services) claimNextTask(ctx context.Context) (*claimedTask, error) {
	candidates, err := s.Scheduler.Candidates(ctx, s.Config.Node.Capabilities)
	if err != nil {
		return nil, err
	}

	for _, task := range candidates {
		ok, err := s.Scheduler.Assign(ctx, task.TaskID, s.nodeID)
		if err != nil {
			return nil, err
		}
		if ok {
			return &claimedTask{taskID: task.TaskID, payload: task.Payload, maxExecutionTime: task.MaxExecutionTime}, nil
		}
	}
	return nil, nil
}

type claimedTask struct {
	taskID           string
	payload          []byte
	maxExecutionTime time.Duration
}

func (s *Services) executeClaimedTask(ctx context.Context, claimed *claimedTask) {
	logger := s.Logger.With(zap.String("task_id", claimed.taskID))

	if _, err := s.Scheduler.Start(ctx, claimed.taskID, s.nodeID); err != nil {
		logger.Warn("failed to start assigned task", zap.Error(err))
		return
	}

	var payload taskPayload
	if err := json.Unmarshal(claimed.payload, &payload); err != nil {
		s.failTask(ctx, claimed.taskID, "invalid task payload: "+err.Error())
		return
	}

	wasm, err := base64.StdEncoding.DecodeString(payload.WASMBase64)
	if err != nil {
		s.failTask(ctx, claimed.taskID, "invalid wasm encoding: "+err.Error())
		return
	}

	limits := sandbox.DefaultLimits()
	if claimed.maxExecutionTime > 0 {
		limits.MaxExecutionTime = claimed.maxExecutionTime
	}

	outcome, execErr := s.Sandbox.Execute(ctx, sandbox.Task{
		TaskID:   claimed.taskID,
		WASM:     wasm,
		Function: payload.Function,
		Args:     payload.Args,
		Limits:   limits,
	})

	if execErr != nil && outcome.TimedOut {
		if _, err := s.Scheduler.Timeout(ctx, claimed.taskID, s.nodeID, outcome.ErrorMessage); err != nil {
			logger.Warn("failed to record task timeout", zap.Error(err))
		}
		return
	}
	if execErr != nil {
		s.failTask(ctx, claimed.taskID, outcome.ErrorMessage)
		return
	}

	if _, err := s.Scheduler.Complete(ctx, claimed.taskID, s.nodeID, string(outcome.Output), outcome.Duration); err != nil {
		logger.Warn("failed to record task completion", zap.Error(err))
	}
}

func (s *Services) failTask(ctx context.Context, taskID, errMsg string) {
	if _, err := s.Scheduler.Fail(ctx, taskID, s.nodeID, errMsg); err != nil {
		s.Logger.Warn("failed to record task failure", zap.String("task_id", taskID), zap.Error(err))
	}
}

// waitForWakeOrTimeout blocks until ctx is done, d elapses, or wake delivers
// a ready-task hint — whichever comes first. A nil wake channel (no queue
// configured, or subscription failed) simply never fires, leaving the timer
// as the sole wake source.
func waitForWakeOrTimeout(ctx context.Context, wake <-chan string, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-wake:
	}
}
