package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
	"github.com/aidenlippert/zerostate/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open("file:"+t.Name()+"?mode=memory&cache=shared", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(Config{}, st, nil, nil, nil, nil, nil, zap.NewNop()), st
}

func TestSubmitDefaultsToNormalPriority(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", []byte("{}"), "", time.Minute, nil, "1.0", "FLOP", "buyer-1", "")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, StatusPending, task.Status)
}

func TestSubmitRejectsEmptySubmitter(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.Submit(context.Background(), "wasm", nil, PriorityHigh, time.Minute, nil, "1.0", "FLOP", "", "")
	require.Error(t, err)
	assert.Equal(t, coreerrors.Validation, coreerrors.KindOf(err))
}

func TestCandidatesFiltersBySubsetAndSortsByPriorityThenFIFO(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, "a", nil, PriorityLow, time.Minute, []string{"gpu"}, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	urgent, err := s.Submit(ctx, "b", nil, PriorityUrgent, time.Minute, []string{"compute"}, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	normalFirst, err := s.Submit(ctx, "c", nil, PriorityNormal, time.Minute, []string{"compute"}, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Submit(ctx, "d", nil, PriorityNormal, time.Minute, []string{"compute"}, "1", "FLOP", "buyer", "")
	require.NoError(t, err)

	cands, err := s.Candidates(ctx, []string{"compute", "network"})
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, urgent.TaskID, cands[0].TaskID)
	assert.Equal(t, normalFirst.TaskID, cands[1].TaskID)
}

func TestAssignStartCompleteHappyPath(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", nil, PriorityNormal, time.Minute, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)

	ok, err := s.Assign(ctx, task.TaskID, "node-1")
	require.NoError(t, err)
	require.True(t, ok)

	started, err := s.Start(ctx, task.TaskID, "node-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	completed, err := s.Complete(ctx, task.TaskID, "node-1", "output", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, "output", completed.Result)
}

func TestAssignTwiceLosesRace(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", nil, PriorityNormal, time.Minute, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)

	ok, err := s.Assign(ctx, task.TaskID, "node-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Assign(ctx, task.TaskID, "node-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartRejectsWrongNode(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", nil, PriorityNormal, time.Minute, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	_, err = s.Assign(ctx, task.TaskID, "node-1")
	require.NoError(t, err)

	_, err = s.Start(ctx, task.TaskID, "node-2")
	require.Error(t, err)
	assert.Equal(t, coreerrors.Conflict, coreerrors.KindOf(err))
}

func TestCancelOnlyFromPending(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", nil, PriorityNormal, time.Minute, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, task.TaskID)
	require.NoError(t, err)

	task2, err := s.Submit(ctx, "wasm", nil, PriorityNormal, time.Minute, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	_, err = s.Assign(ctx, task2.TaskID, "node-1")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, task2.TaskID)
	require.Error(t, err)
}

func TestWatchdogMarksOverdueRunningTaskAsTimeout(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.cfg.WatchdogGrace = 0
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", nil, PriorityNormal, 20*time.Millisecond, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	_, err = s.Assign(ctx, task.TaskID, "node-1")
	require.NoError(t, err)
	_, err = s.Start(ctx, task.TaskID, "node-1")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	marked, err := s.WatchdogSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	after, err := s.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, after.Status)
}

func TestNodeReportedTimeout(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", nil, PriorityNormal, time.Minute, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	_, err = s.Assign(ctx, task.TaskID, "node-1")
	require.NoError(t, err)
	_, err = s.Start(ctx, task.TaskID, "node-1")
	require.NoError(t, err)

	timedOut, err := s.Timeout(ctx, task.TaskID, "node-1", "wall-clock exceeded")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, timedOut.Status)
}

func TestFailMarksTaskFailedWithErrorMessage(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, "wasm", nil, PriorityNormal, time.Minute, nil, "1", "FLOP", "buyer", "")
	require.NoError(t, err)
	_, err = s.Assign(ctx, task.TaskID, "node-1")
	require.NoError(t, err)
	_, err = s.Start(ctx, task.TaskID, "node-1")
	require.NoError(t, err)

	failed, err := s.Fail(ctx, task.TaskID, "node-1", "boom")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.ErrorMessage)
}
