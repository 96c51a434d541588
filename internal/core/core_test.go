package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = "file:" + t.Name() + "?mode=memory&cache=shared"
	cfg.Chain.AllowStubAdapters = true
	cfg.Queue.RedisAddr = ""
	cfg.P2P.ListenPort = 0
	cfg.P2P.BroadcastPort = 0
	cfg.Scheduler.Workers = 1
	return cfg
}

func TestNewConstructsEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(context.Background(), cfg, "node-1", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	assert.NotNil(t, svc.Store)
	assert.NotNil(t, svc.Reputation)
	assert.NotNil(t, svc.Capability)
	assert.NotNil(t, svc.Registry)
	assert.NotNil(t, svc.Presence)
	assert.NotNil(t, svc.Sandbox)
	assert.NotNil(t, svc.Escrow)
	assert.NotNil(t, svc.Chain)
	assert.NotNil(t, svc.Scheduler)
	assert.Nil(t, svc.Queue)
}

func TestNewSelfRegistersWhenAddressGiven(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(context.Background(), cfg, "node-1", "127.0.0.1:9999", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	node, err := svc.Registry.Get(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", node.Address)
}

func TestRunAndShutdownStopsAllGoroutines(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(context.Background(), cfg, "node-1", "", zap.NewNop())
	require.NoError(t, err)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- svc.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestSubmittedTaskIsExecutedByWorkerLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Capabilities = []string{"wasm"}
	svc, err := New(context.Background(), cfg, "node-1", "", zap.NewNop())
	require.NoError(t, err)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- svc.Run(context.Background()) }()

	task, err := svc.Scheduler.Submit(context.Background(), "wasm", []byte(`{"wasm_base64":"","function":"missing"}`),
		"", time.Minute, []string{"wasm"}, "1.0", "FLOP", "buyer-1", "")
	require.NoError(t, err)

	var final *struct{ Status string }
	for i := 0; i < 50; i++ {
		got, err := svc.Scheduler.Get(context.Background(), task.TaskID)
		require.NoError(t, err)
		if string(got.Status) != "pending" && string(got.Status) != "assigned" && string(got.Status) != "running" {
			final = &struct{ Status string }{string(got.Status)}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, final, "task did not terminate in time")
	assert.Equal(t, "failed", final.Status)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))
	<-runErrCh
}
