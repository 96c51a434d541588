package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

// HardwareInfo is a node's self-reported minimum hardware capabilities, per
// spec.md §4.D's query filter (cpu_cores, memory_gb, storage_gb,
// gpu_required). Stored as JSON text alongside Capabilities/Metadata.
type HardwareInfo struct {
	CPUCores  int  `json:"cpu_cores"`
	MemoryGB  int  `json:"memory_gb"`
	StorageGB int  `json:"storage_gb"`
	GPU       bool `json:"gpu"`
}

// NodeRecord is the Durable Store's row shape for a node. Capabilities,
// Metadata, and Hardware are stored as JSON text; the Registry is
// responsible for set semantics on Capabilities.
type NodeRecord struct {
	NodeID        string
	Address       string
	Capabilities  []string
	Reputation    float64
	Status        string
	Metadata      map[string]string
	Hardware      HardwareInfo
	PublicKey     string
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PutNode inserts or replaces a node record (upsert keyed on node_id).
func (s *Store) PutNode(ctx context.Context, n *NodeRecord) error {
	caps, err := json.Marshal(n.Capabilities)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.PutNode", "marshal capabilities", err)
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.PutNode", "marshal metadata", err)
	}
	hw, err := json.Marshal(n.Hardware)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.PutNode", "marshal hardware", err)
	}

	existing, err := s.GetNode(ctx, n.NodeID)
	if err != nil && coreerrors.KindOf(err) != coreerrors.NotFound {
		return err
	}

	if existing == nil {
		_, err = s.conn.ExecContext(ctx, rebind(s.driverName, `
			INSERT INTO nodes (node_id, address, capabilities, reputation, status, metadata, hardware, public_key, last_heartbeat, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), n.NodeID, n.Address, string(caps), n.Reputation, n.Status, string(meta), string(hw), n.PublicKey, n.LastHeartbeat, n.CreatedAt, n.UpdatedAt)
	} else {
		_, err = s.conn.ExecContext(ctx, rebind(s.driverName, `
			UPDATE nodes SET address=?, capabilities=?, reputation=?, status=?, metadata=?, hardware=?, public_key=?, last_heartbeat=?, updated_at=?
			WHERE node_id=?
		`), n.Address, string(caps), n.Reputation, n.Status, string(meta), string(hw), n.PublicKey, n.LastHeartbeat, n.UpdatedAt, n.NodeID)
	}
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.PutNode", "write node", err)
	}
	return nil
}

// GetNode returns the node record for id, or a NotFound error.
func (s *Store) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	row := s.conn.QueryRowContext(ctx, rebind(s.driverName, `
		SELECT node_id, address, capabilities, reputation, status, metadata, hardware, public_key, last_heartbeat, created_at, updated_at
		FROM nodes WHERE node_id = ?
	`), id)
	return scanNode(row)
}

// ListNodes returns every node record, in no particular order; callers
// needing reputation-descending order (capability queries) sort in memory.
func (s *Store) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT node_id, address, capabilities, reputation, status, metadata, hardware, public_key, last_heartbeat, created_at, updated_at
		FROM nodes
	`)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListNodes", "query", err)
	}
	defer rows.Close()

	var out []*NodeRecord
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// DeleteNode removes the node record. Idempotent: deleting an unknown id is
// not an error.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, rebind(s.driverName, `DELETE FROM nodes WHERE node_id = ?`), id)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.DeleteNode", "delete", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row *sql.Row) (*NodeRecord, error) {
	return scanNodeGeneric(row)
}

func scanNodeRows(rows *sql.Rows) (*NodeRecord, error) {
	return scanNodeGeneric(rows)
}

func scanNodeGeneric(s rowScanner) (*NodeRecord, error) {
	var n NodeRecord
	var caps, meta, hw string
	err := s.Scan(&n.NodeID, &n.Address, &caps, &n.Reputation, &n.Status, &meta, &hw, &n.PublicKey, &n.LastHeartbeat, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, coreerrors.New(coreerrors.NotFound, "store.GetNode", "node not found")
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.scanNode", "scan", err)
	}
	if err := json.Unmarshal([]byte(caps), &n.Capabilities); err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.scanNode", "unmarshal capabilities", err)
	}
	if err := json.Unmarshal([]byte(meta), &n.Metadata); err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.scanNode", "unmarshal metadata", err)
	}
	if hw != "" {
		if err := json.Unmarshal([]byte(hw), &n.Hardware); err != nil {
			return nil, coreerrors.Wrap(coreerrors.Storage, "store.scanNode", "unmarshal hardware", err)
		}
	}
	return &n, nil
}
