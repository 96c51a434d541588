package core

import (
	"context"

	"github.com/aidenlippert/zerostate/internal/registry"
	"github.com/aidenlippert/zerostate/internal/store"
)

// registryAdapter satisfies presence.Registry over the concrete
// *registry.Registry. The two packages disagree on two points that keep
// internal/presence decoupled from internal/registry's richer types:
// Register's extra *Node return value, and SetStatus taking a typed Status
// instead of a bare string (presence only ever learns a peer's health as
// the wire string "healthy"/"unhealthy"). This adapter is the one place
// that bridges them.
type registryAdapter struct {
	reg *registry.Registry
}

func newRegistryAdapter(reg *registry.Registry) *registryAdapter {
	return &registryAdapter{reg: reg}
}

// Register passes a zero-value HardwareInfo: gossip hello messages carry no
// hardware information per spec.md's P2P message types, so peers discovered
// this way have no CPU/memory/storage/GPU minimums until they self-report
// via an out-of-band registration.
func (a *registryAdapter) Register(ctx context.Context, nodeID, address string, caps []string, metadata map[string]string) error {
	_, err := a.reg.Register(ctx, nodeID, address, caps, metadata, store.HardwareInfo{})
	return err
}

func (a *registryAdapter) Heartbeat(ctx context.Context, nodeID string) error {
	return a.reg.Heartbeat(ctx, nodeID)
}

func (a *registryAdapter) SetStatus(ctx context.Context, nodeID string, status string) error {
	return a.reg.SetStatus(ctx, nodeID, registry.Status(status))
}
