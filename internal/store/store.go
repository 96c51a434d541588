// Package store is the Durable Store: transactional persistence for nodes,
// tasks, and escrow contracts, behind a dual sqlite3/postgres driver exactly
// like libs/database/database.go's NewDB, plus a transaction combinator for
// multi-record mutations (escrow completion writes two ledger rows
// atomically).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

// Store wraps the database connection and knows which SQL dialect to speak.
type Store struct {
	conn       *sql.DB
	driverName string
	logger     *zap.Logger
}

// Open connects to connectionString, detecting postgres vs sqlite3 from the
// DSN prefix, and creates the schema if it does not already exist.
func Open(connectionString string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var driverName string
	if strings.HasPrefix(connectionString, "postgres://") || strings.HasPrefix(connectionString, "postgresql://") {
		driverName = "postgres"
	} else {
		driverName = "sqlite3"
	}

	conn, err := sql.Open(driverName, connectionString)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.Open", "failed to open database", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.Open", "failed to ping database", err)
	}

	s := &Store{conn: conn, driverName: driverName, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.Open", "failed to initialize schema", err)
	}

	logger.Info("store opened", zap.String("driver", driverName))
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// placeholder returns the n-th positional bind parameter in the dialect
// this store speaks ($1, $2, ... for postgres; ? for sqlite3).
func (s *Store) placeholder(n int) string {
	if s.driverName == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every typed
// accessor run either standalone or inside WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise. Multi-record mutations (escrow completion writing
// two ledger transactions) go through here so they are atomic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.WithTx", "begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.WithTx", "commit transaction", err)
	}
	return nil
}

// rebind rewrites a query written with "?" placeholders into the target
// dialect's native placeholder syntax ($1, $2, ... for postgres), the same
// indirection libs/database/database.go's placeholder() provides per-call
// but applied once to a whole query so accessor methods can be dialect-
// agnostic at the call site.
func rebind(driverName, query string) string {
	if driverName != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) initSchema() error {
	schema := s.schemaSQL()
	_, err := s.conn.Exec(schema)
	return err
}

func (s *Store) schemaSQL() string {
	if s.driverName == "postgres" {
		return postgresSchema
	}
	return sqliteSchema
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	reputation REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'unknown',
	metadata TEXT NOT NULL DEFAULT '{}',
	hardware TEXT NOT NULL DEFAULT '{}',
	public_key TEXT NOT NULL DEFAULT '',
	last_heartbeat DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
CREATE INDEX IF NOT EXISTS idx_nodes_reputation ON nodes(reputation);

CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority TEXT NOT NULL,
	max_execution_time INTEGER NOT NULL,
	required_capabilities TEXT NOT NULL,
	reward TEXT NOT NULL,
	currency TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	assigned_node_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	result TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	escrow_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_node ON tasks(assigned_node_id);

CREATE TABLE IF NOT EXISTS escrows (
	contract_id TEXT PRIMARY KEY,
	escrow_type TEXT NOT NULL,
	buyer_id TEXT NOT NULL,
	seller_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	service_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	terms TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	dispute_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	funded_at DATETIME,
	started_at DATETIME,
	completed_at DATETIME,
	disputed_at DATETIME,
	refunded_at DATETIME,
	cancelled_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer_id);
CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows(seller_id);
CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);

CREATE TABLE IF NOT EXISTS escrow_transactions (
	transaction_id TEXT PRIMARY KEY,
	contract_id TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	from_address TEXT NOT NULL DEFAULT '',
	to_address TEXT NOT NULL DEFAULT '',
	tx_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'confirmed',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_tx_contract ON escrow_transactions(contract_id);

CREATE TABLE IF NOT EXISTS escrow_disputes (
	dispute_id TEXT PRIMARY KEY,
	contract_id TEXT NOT NULL,
	initiator_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	resolution TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_disputes_contract ON escrow_disputes(contract_id);

CREATE TABLE IF NOT EXISTS escrow_evidence (
	evidence_id TEXT PRIMARY KEY,
	dispute_id TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	evidence_type TEXT NOT NULL,
	content TEXT NOT NULL,
	file_url TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_dispute ON escrow_evidence(dispute_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id VARCHAR(255) PRIMARY KEY,
	address VARCHAR(255) NOT NULL,
	capabilities TEXT NOT NULL,
	reputation DOUBLE PRECISION NOT NULL DEFAULT 0,
	status VARCHAR(50) NOT NULL DEFAULT 'unknown',
	metadata TEXT NOT NULL DEFAULT '{}',
	hardware TEXT NOT NULL DEFAULT '{}',
	public_key TEXT NOT NULL DEFAULT '',
	last_heartbeat TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
CREATE INDEX IF NOT EXISTS idx_nodes_reputation ON nodes(reputation);

CREATE TABLE IF NOT EXISTS tasks (
	task_id VARCHAR(255) PRIMARY KEY,
	task_type VARCHAR(255) NOT NULL,
	payload TEXT NOT NULL,
	priority VARCHAR(20) NOT NULL,
	max_execution_time INTEGER NOT NULL,
	required_capabilities TEXT NOT NULL,
	reward TEXT NOT NULL,
	currency VARCHAR(16) NOT NULL,
	submitter_id VARCHAR(255) NOT NULL,
	assigned_node_id VARCHAR(255) NOT NULL DEFAULT '',
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	result TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	escrow_id VARCHAR(255) NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_node ON tasks(assigned_node_id);

CREATE TABLE IF NOT EXISTS escrows (
	contract_id VARCHAR(255) PRIMARY KEY,
	escrow_type VARCHAR(50) NOT NULL,
	buyer_id VARCHAR(255) NOT NULL,
	seller_id VARCHAR(255) NOT NULL,
	amount TEXT NOT NULL,
	currency VARCHAR(16) NOT NULL,
	service_id VARCHAR(255) NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	terms TEXT NOT NULL DEFAULT '',
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	dispute_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	funded_at TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	disputed_at TIMESTAMP,
	refunded_at TIMESTAMP,
	cancelled_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer_id);
CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows(seller_id);
CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);

CREATE TABLE IF NOT EXISTS escrow_transactions (
	transaction_id VARCHAR(255) PRIMARY KEY,
	contract_id VARCHAR(255) NOT NULL,
	transaction_type VARCHAR(30) NOT NULL,
	amount TEXT NOT NULL,
	currency VARCHAR(16) NOT NULL,
	from_address VARCHAR(255) NOT NULL DEFAULT '',
	to_address VARCHAR(255) NOT NULL DEFAULT '',
	tx_hash VARCHAR(255) NOT NULL DEFAULT '',
	status VARCHAR(20) NOT NULL DEFAULT 'confirmed',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_tx_contract ON escrow_transactions(contract_id);

CREATE TABLE IF NOT EXISTS escrow_disputes (
	dispute_id VARCHAR(255) PRIMARY KEY,
	contract_id VARCHAR(255) NOT NULL,
	initiator_id VARCHAR(255) NOT NULL,
	reason TEXT NOT NULL,
	status VARCHAR(20) NOT NULL DEFAULT 'open',
	resolution TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_disputes_contract ON escrow_disputes(contract_id);

CREATE TABLE IF NOT EXISTS escrow_evidence (
	evidence_id VARCHAR(255) PRIMARY KEY,
	dispute_id VARCHAR(255) NOT NULL,
	submitter_id VARCHAR(255) NOT NULL,
	evidence_type VARCHAR(50) NOT NULL,
	content TEXT NOT NULL,
	file_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_dispute ON escrow_evidence(dispute_id);
`
