package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/capability"
	"github.com/aidenlippert/zerostate/internal/coreerrors"
	"github.com/aidenlippert/zerostate/internal/reputation"
	"github.com/aidenlippert/zerostate/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.Open("file:"+t.Name()+"?mode=memory&cache=shared", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	caps := capability.New()
	rep := reputation.New(zap.NewNop())
	return New(DefaultConfig(), st, caps, rep, nil, zap.NewNop())
}

func TestRegisterCreatesNodeAndIndexesCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	n, err := r.Register(ctx, "node-1", "10.0.0.1:9000", []string{"compute", "gpu"}, nil, store.HardwareInfo{})
	require.NoError(t, err)
	assert.Equal(t, "node-1", n.NodeID)
	assert.Equal(t, StatusHealthy, n.Status)

	nodes, err := r.Query(ctx, Filter{Capabilities: []string{"compute"}})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].NodeID)
}

func TestRegisterUpdateReplacesCapabilitiesInIndex(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "node-1", "10.0.0.1:9000", []string{"compute"}, nil, store.HardwareInfo{})
	require.NoError(t, err)
	_, err = r.Register(ctx, "node-1", "10.0.0.1:9001", []string{"gpu"}, nil, store.HardwareInfo{})
	require.NoError(t, err)

	nodes, err := r.Query(ctx, Filter{Capabilities: []string{"compute"}})
	require.NoError(t, err)
	assert.Empty(t, nodes)

	nodes, err = r.Query(ctx, Filter{Capabilities: []string{"gpu"}})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "10.0.0.1:9001", nodes[0].Address)
}

func TestQueryFiltersByMinReputationAndHealthyOnly(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "node-1", "10.0.0.1:9000", nil, nil, store.HardwareInfo{})
	require.NoError(t, err)
	_, err = r.UpdateReputation(ctx, "node-1", reputation.TaskSuccess, nil)
	require.NoError(t, err)

	_, err = r.Register(ctx, "node-2", "10.0.0.2:9000", nil, nil, store.HardwareInfo{})
	require.NoError(t, err)
	require.NoError(t, r.SetStatus(ctx, "node-2", StatusUnhealthy))

	nodes, err := r.Query(ctx, Filter{MinReputation: 5})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].NodeID)

	nodes, err = r.Query(ctx, Filter{HealthyOnly: true})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].NodeID)
}

func TestQueryFiltersByHardwareMinimums(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "small", "10.0.0.1:9000", nil, nil, store.HardwareInfo{CPUCores: 2, MemoryGB: 4, StorageGB: 50})
	require.NoError(t, err)
	_, err = r.Register(ctx, "big", "10.0.0.2:9000", nil, nil, store.HardwareInfo{CPUCores: 16, MemoryGB: 64, StorageGB: 1000, GPU: true})
	require.NoError(t, err)

	nodes, err := r.Query(ctx, Filter{CPUCores: 8})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "big", nodes[0].NodeID)

	nodes, err = r.Query(ctx, Filter{MemoryGB: 8, StorageGB: 100})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "big", nodes[0].NodeID)

	nodes, err = r.Query(ctx, Filter{GPURequired: true})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "big", nodes[0].NodeID)

	nodes, err = r.Query(ctx, Filter{CPUCores: 1})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestUpdateReputationClampsAndReportsDelta(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "node-1", "10.0.0.1:9000", nil, nil, store.HardwareInfo{})
	require.NoError(t, err)

	update, err := r.UpdateReputation(ctx, "node-1", reputation.Malicious, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, update.New)
	assert.Equal(t, 0.0, update.Delta)
	assert.True(t, update.Clamped)
}

func TestDeregisterRemovesNodeAndIndexEntries(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "node-1", "10.0.0.1:9000", []string{"compute"}, nil, store.HardwareInfo{})
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, "node-1"))

	_, err = r.Get(ctx, "node-1")
	require.Error(t, err)
	assert.Equal(t, coreerrors.NotFound, coreerrors.KindOf(err))

	nodes, err := r.Query(ctx, Filter{Capabilities: []string{"compute"}})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRehydrateRebuildsCapabilityIndexFromStore(t *testing.T) {
	st, err := store.Open("file:"+t.Name()+"?mode=memory&cache=shared", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	caps := capability.New()
	rep := reputation.New(zap.NewNop())
	r1 := New(DefaultConfig(), st, caps, rep, nil, zap.NewNop())
	ctx := context.Background()
	_, err = r1.Register(ctx, "node-1", "10.0.0.1:9000", []string{"compute"}, nil, store.HardwareInfo{})
	require.NoError(t, err)

	freshIndex := capability.New()
	r2 := New(DefaultConfig(), st, freshIndex, rep, nil, zap.NewNop())
	require.NoError(t, r2.Rehydrate(ctx))

	nodes, err := r2.Query(ctx, Filter{Capabilities: []string{"compute"}})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].NodeID)
}
