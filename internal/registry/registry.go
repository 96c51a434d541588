// Package registry implements the Node Registry: lifecycle of node records
// (register/update/expire), delegating reputation arithmetic to
// internal/reputation and capability indexing to internal/capability, and
// persisting canonical state through internal/store. Structural style
// (Config/NewXxx(cfg, store, logger), zap logging, Prometheus metrics)
// follows libs/reputation/scoring.go and libs/database/repository.go.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/capability"
	"github.com/aidenlippert/zerostate/internal/coreerrors"
	"github.com/aidenlippert/zerostate/internal/reputation"
	"github.com/aidenlippert/zerostate/internal/store"
)

// Status is a node's liveness state.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// Node is the Registry's domain view of a node record.
type Node struct {
	NodeID        string
	Address       string
	Capabilities  []string
	Reputation    float64
	Status        Status
	Metadata      map[string]string
	Hardware      store.HardwareInfo
	PublicKey     string
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Filter narrows Query results. CPUCores/MemoryGB/StorageGB/GPURequired are
// minimum hardware capabilities per spec.md §4.D: a candidate node must meet
// or exceed each non-zero value (GPURequired=true requires n.Hardware.GPU).
type Filter struct {
	Capabilities  []string
	MatchAll      bool
	MinReputation float64
	HealthyOnly   bool
	CPUCores      int
	MemoryGB      int
	StorageGB     int
	GPURequired   bool
}

// ReputationUpdate reports the effect of an UpdateReputation call.
type ReputationUpdate struct {
	NodeID  string
	Old     float64
	New     float64
	Delta   float64
	Clamped bool
}

var (
	nodesRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_nodes_registered_total",
		Help: "Total number of node registrations (new or updated) processed",
	})
	nodesOfflineTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_nodes_marked_offline_total",
		Help: "Total number of nodes transitioned to offline by the liveness reconciler",
	})
	nodeCountGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_node_count",
		Help: "Current number of registered nodes by status",
	}, []string{"status"})
)

// Config tunes the Registry's liveness policy.
type Config struct {
	OfflineThreshold time.Duration
	RequireAuth      bool
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		OfflineThreshold: time.Hour,
		RequireAuth:      false,
	}
}

// Authenticator validates a signed request body against a node's
// registered public key. The Registry calls it only when Config.RequireAuth
// is set; a nil Authenticator with RequireAuth=true is a startup error for
// the embedding application, not something this package enforces.
type Authenticator interface {
	Verify(nodeID string, publicKey string, bodyJSON []byte, authData []byte) error
}

// Registry is the Node Registry.
type Registry struct {
	cfg    Config
	store  *store.Store
	caps   *capability.Index
	rep    *reputation.Engine
	auth   Authenticator
	logger *zap.Logger
}

// New constructs a Registry over an already-open Store, Capability Index,
// and Reputation Engine. Callers typically share these instances with
// other components (internal/core wires them once).
func New(cfg Config, st *store.Store, caps *capability.Index, rep *reputation.Engine, auth Authenticator, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, store: st, caps: caps, rep: rep, auth: auth, logger: logger}
}

// Rehydrate rebuilds the in-memory Capability Index from the Durable
// Store's node records. Call once at startup per spec.md §3's ownership
// rule (the store is canonical, in-memory views are derived).
func (r *Registry) Rehydrate(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		r.caps.Add(n.NodeID, n.Capabilities)
	}
	r.logger.Info("registry rehydrated", zap.Int("nodes", len(nodes)))
	return nil
}

// Register creates a node, or updates it (address/caps replaced, status
// set healthy, heartbeat refreshed) if node_id already exists. hardware is
// the node's self-reported minimum capabilities (zero value for callers,
// like gossip-driven discovery, that don't carry this information); it
// replaces any previously recorded hardware on update.
func (r *Registry) Register(ctx context.Context, nodeID, address string, caps []string, metadata map[string]string, hardware store.HardwareInfo) (*Node, error) {
	if nodeID == "" || address == "" {
		return nil, coreerrors.New(coreerrors.Validation, "Registry.Register", "node_id and address are required")
	}

	now := time.Now()
	existing, err := r.store.GetNode(ctx, nodeID)
	if err != nil && coreerrors.KindOf(err) != coreerrors.NotFound {
		return nil, err
	}

	rec := &store.NodeRecord{
		NodeID:        nodeID,
		Address:       address,
		Capabilities:  dedupe(caps),
		Status:        string(StatusHealthy),
		Metadata:      metadata,
		Hardware:      hardware,
		LastHeartbeat: now,
		UpdatedAt:     now,
	}
	if metadata == nil {
		rec.Metadata = map[string]string{}
	}

	if existing == nil {
		rec.CreatedAt = now
		rec.Reputation = 0
	} else {
		rec.CreatedAt = existing.CreatedAt
		rec.Reputation = existing.Reputation
		rec.PublicKey = existing.PublicKey
	}

	if err := r.store.PutNode(ctx, rec); err != nil {
		return nil, err
	}

	if existing != nil {
		r.caps.Replace(nodeID, rec.Capabilities)
	} else {
		r.caps.Add(nodeID, rec.Capabilities)
	}

	nodesRegisteredTotal.Inc()
	r.logger.Info("node registered", zap.String("node_id", nodeID), zap.Bool("update", existing != nil))
	return toNode(rec), nil
}

// Heartbeat refreshes last-heartbeat without changing status.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	n, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	n.LastHeartbeat = time.Now()
	n.UpdatedAt = n.LastHeartbeat
	return r.store.PutNode(ctx, n)
}

// SetStatus performs an explicit status transition.
func (r *Registry) SetStatus(ctx context.Context, nodeID string, status Status) error {
	n, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	n.Status = string(status)
	n.UpdatedAt = time.Now()
	return r.store.PutNode(ctx, n)
}

// UpdateReputation delegates the score change to the Reputation Engine and
// persists the result.
func (r *Registry) UpdateReputation(ctx context.Context, nodeID string, event reputation.Event, override *float64) (*ReputationUpdate, error) {
	n, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	next, clamped := r.rep.Apply(n.Reputation, event, override)
	delta := next - n.Reputation

	old := n.Reputation
	n.Reputation = next
	n.UpdatedAt = time.Now()
	if err := r.store.PutNode(ctx, n); err != nil {
		return nil, err
	}

	return &ReputationUpdate{NodeID: nodeID, Old: old, New: next, Delta: delta, Clamped: clamped}, nil
}

// AuthorizeMutation validates authData as a signature over bodyJSON using
// nodeID's registered public key, when Config.RequireAuth is set. A node
// with no public key on record yet is assigned one at first sight, matching
// spec.md §4.D's "newly discovered nodes ... assigned one at first sight".
func (r *Registry) AuthorizeMutation(ctx context.Context, nodeID string, bodyJSON, authData, firstSeenPublicKey []byte) error {
	if !r.cfg.RequireAuth || r.auth == nil {
		return nil
	}

	n, err := r.store.GetNode(ctx, nodeID)
	if err != nil && coreerrors.KindOf(err) != coreerrors.NotFound {
		return err
	}

	publicKey := ""
	if n != nil {
		publicKey = n.PublicKey
	}
	if publicKey == "" && len(firstSeenPublicKey) > 0 {
		publicKey = string(firstSeenPublicKey)
		if n != nil {
			n.PublicKey = publicKey
			n.UpdatedAt = time.Now()
			if err := r.store.PutNode(ctx, n); err != nil {
				return err
			}
		}
	}

	if err := r.auth.Verify(nodeID, publicKey, bodyJSON, authData); err != nil {
		return coreerrors.Wrap(coreerrors.Unauthenticated, "Registry.AuthorizeMutation", "signature verification failed", err)
	}
	return nil
}

// Deregister removes the node record and its index entries.
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	if err := r.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	r.caps.Remove(nodeID)
	return nil
}

// Get returns a single node, or NotFound.
func (r *Registry) Get(ctx context.Context, nodeID string) (*Node, error) {
	n, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return toNode(n), nil
}

// Query filters and sorts nodes by reputation descending.
func (r *Registry) Query(ctx context.Context, f Filter) ([]*Node, error) {
	all, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var candidateIDs map[string]bool
	if len(f.Capabilities) > 0 {
		match := capability.MatchAny
		if f.MatchAll {
			match = capability.MatchAll
		}
		ids := r.caps.Lookup(f.Capabilities, match)
		candidateIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			candidateIDs[id] = true
		}
	}

	out := make([]*Node, 0, len(all))
	for _, n := range all {
		if candidateIDs != nil && !candidateIDs[n.NodeID] {
			continue
		}
		if n.Reputation < f.MinReputation {
			continue
		}
		if f.HealthyOnly && n.Status != string(StatusHealthy) {
			continue
		}
		if f.CPUCores > 0 && n.Hardware.CPUCores < f.CPUCores {
			continue
		}
		if f.MemoryGB > 0 && n.Hardware.MemoryGB < f.MemoryGB {
			continue
		}
		if f.StorageGB > 0 && n.Hardware.StorageGB < f.StorageGB {
			continue
		}
		if f.GPURequired && !n.Hardware.GPU {
			continue
		}
		out = append(out, toNode(n))
	}

	sortByReputationDesc(out)
	return out, nil
}

// ReconcileLiveness marks nodes offline whose last heartbeat is older than
// the configured threshold. Runs as a background activity every 5 minutes
// per spec.md §4.D; it is the only automatic status transition.
func (r *Registry) ReconcileLiveness(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	counts := map[string]int{}
	for _, n := range nodes {
		if n.Status != string(StatusOffline) && now.Sub(n.LastHeartbeat) > r.cfg.OfflineThreshold {
			n.Status = string(StatusOffline)
			n.UpdatedAt = now
			if err := r.store.PutNode(ctx, n); err != nil {
				r.logger.Warn("failed to mark node offline", zap.String("node_id", n.NodeID), zap.Error(err))
				continue
			}
			nodesOfflineTotal.Inc()
			r.logger.Info("node marked offline", zap.String("node_id", n.NodeID))
		}
		counts[n.Status]++
	}
	for status, count := range counts {
		nodeCountGauge.WithLabelValues(status).Set(float64(count))
	}
	return nil
}

func toNode(n *store.NodeRecord) *Node {
	return &Node{
		NodeID:        n.NodeID,
		Address:       n.Address,
		Capabilities:  n.Capabilities,
		Reputation:    n.Reputation,
		Status:        Status(n.Status),
		Metadata:      n.Metadata,
		Hardware:      n.Hardware,
		PublicKey:     n.PublicKey,
		LastHeartbeat: n.LastHeartbeat,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func sortByReputationDesc(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Reputation > nodes[j].Reputation })
}
