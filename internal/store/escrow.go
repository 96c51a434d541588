package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

// EscrowRecord is the Durable Store's row shape for an escrow contract.
type EscrowRecord struct {
	ContractID    string
	EscrowType    string
	BuyerID       string
	SellerID      string
	Amount        string // decimal as text
	Currency      string
	ServiceID     string
	Description   string
	Terms         string
	Status        string
	DisputeReason string
	CreatedAt     time.Time
	FundedAt      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DisputedAt    *time.Time
	RefundedAt    *time.Time
	CancelledAt   *time.Time
}

// EscrowTransaction is a single ledger movement against a contract.
type EscrowTransaction struct {
	TransactionID   string
	ContractID      string
	TransactionType string // funding | seller_payment | community_fund | refund
	Amount          string
	Currency        string
	FromAddress     string
	ToAddress       string
	TxHash          string
	Status          string
	CreatedAt       time.Time
}

// EscrowDispute is an open or resolved dispute against a contract.
type EscrowDispute struct {
	DisputeID   string
	ContractID  string
	InitiatorID string
	Reason      string
	Status      string // open | reviewing | resolved | closed
	Resolution  string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// EscrowEvidence is a submission attached to a dispute.
type EscrowEvidence struct {
	EvidenceID   string
	DisputeID    string
	SubmitterID  string
	EvidenceType string
	Content      string
	FileURL      string
	CreatedAt    time.Time
}

const escrowColumns = `contract_id, escrow_type, buyer_id, seller_id, amount, currency, service_id, description, terms, status, dispute_reason, created_at, funded_at, started_at, completed_at, disputed_at, refunded_at, cancelled_at`

// PutEscrow inserts a new escrow contract record.
func (s *Store) PutEscrow(ctx context.Context, tx *sql.Tx, e *EscrowRecord) error {
	query := rebind(s.driverName, `INSERT INTO escrows (`+escrowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	args := []any{e.ContractID, e.EscrowType, e.BuyerID, e.SellerID, e.Amount, e.Currency, e.ServiceID, e.Description, e.Terms,
		e.Status, e.DisputeReason, e.CreatedAt, e.FundedAt, e.StartedAt, e.CompletedAt, e.DisputedAt, e.RefundedAt, e.CancelledAt}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = s.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.PutEscrow", "insert", err)
	}
	return nil
}

// GetEscrow returns the escrow record for id, or NotFound.
func (s *Store) GetEscrow(ctx context.Context, id string) (*EscrowRecord, error) {
	row := s.conn.QueryRowContext(ctx, rebind(s.driverName, `SELECT `+escrowColumns+` FROM escrows WHERE contract_id = ?`), id)
	return scanEscrow(row)
}

// ListEscrowsByUser returns contracts where the user is buyer or seller,
// optionally filtered by status.
func (s *Store) ListEscrowsByUser(ctx context.Context, userID, status string) ([]*EscrowRecord, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE (buyer_id = ? OR seller_id = ?)`
	args := []any{userID, userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, rebind(s.driverName, query), args...)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListEscrowsByUser", "query", err)
	}
	defer rows.Close()

	var out []*EscrowRecord
	for rows.Next() {
		e, err := scanEscrowRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ListEscrows returns every contract, used for statistics aggregation.
func (s *Store) ListEscrows(ctx context.Context) ([]*EscrowRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrows`)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListEscrows", "query", err)
	}
	defer rows.Close()

	var out []*EscrowRecord
	for rows.Next() {
		e, err := scanEscrowRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CASEscrowStatus updates status and the one timestamp column relevant to
// the transition, but only if the row is currently in fromStatus. Runs
// inside tx so it composes with transaction writes.
func (s *Store) CASEscrowStatus(ctx context.Context, tx *sql.Tx, contractID, fromStatus, toStatus, timestampColumn string, at time.Time, disputeReason string) (bool, error) {
	query := rebind(s.driverName, `UPDATE escrows SET status=?, `+timestampColumn+`=?, dispute_reason=? WHERE contract_id=? AND status=?`)
	res, err := tx.ExecContext(ctx, query, toStatus, at, disputeReason, contractID, fromStatus)
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Storage, "store.CASEscrowStatus", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Storage, "store.CASEscrowStatus", "rows affected", err)
	}
	return n == 1, nil
}

// InsertEscrowTransaction records a ledger movement inside tx.
func (s *Store) InsertEscrowTransaction(ctx context.Context, tx *sql.Tx, t *EscrowTransaction) error {
	query := rebind(s.driverName, `
		INSERT INTO escrow_transactions (transaction_id, contract_id, transaction_type, amount, currency, from_address, to_address, tx_hash, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`)
	_, err := tx.ExecContext(ctx, query, t.TransactionID, t.ContractID, t.TransactionType, t.Amount, t.Currency, t.FromAddress, t.ToAddress, t.TxHash, t.Status, t.CreatedAt)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.InsertEscrowTransaction", "insert", err)
	}
	return nil
}

// ListEscrowTransactions returns all ledger rows for a contract.
func (s *Store) ListEscrowTransactions(ctx context.Context, contractID string) ([]*EscrowTransaction, error) {
	rows, err := s.conn.QueryContext(ctx, rebind(s.driverName, `
		SELECT transaction_id, contract_id, transaction_type, amount, currency, from_address, to_address, tx_hash, status, created_at
		FROM escrow_transactions WHERE contract_id = ? ORDER BY created_at ASC
	`), contractID)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListEscrowTransactions", "query", err)
	}
	defer rows.Close()

	var out []*EscrowTransaction
	for rows.Next() {
		var t EscrowTransaction
		if err := rows.Scan(&t.TransactionID, &t.ContractID, &t.TransactionType, &t.Amount, &t.Currency, &t.FromAddress, &t.ToAddress, &t.TxHash, &t.Status, &t.CreatedAt); err != nil {
			return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListEscrowTransactions", "scan", err)
		}
		out = append(out, &t)
	}
	return out, nil
}

// InsertDispute records a new dispute inside tx.
func (s *Store) InsertDispute(ctx context.Context, tx *sql.Tx, d *EscrowDispute) error {
	query := rebind(s.driverName, `
		INSERT INTO escrow_disputes (dispute_id, contract_id, initiator_id, reason, status, resolution, created_at, resolved_at)
		VALUES (?,?,?,?,?,?,?,?)
	`)
	_, err := tx.ExecContext(ctx, query, d.DisputeID, d.ContractID, d.InitiatorID, d.Reason, d.Status, d.Resolution, d.CreatedAt, d.ResolvedAt)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.InsertDispute", "insert", err)
	}
	return nil
}

// GetDisputeByContract returns the most recent dispute for a contract, or NotFound.
func (s *Store) GetDisputeByContract(ctx context.Context, contractID string) (*EscrowDispute, error) {
	row := s.conn.QueryRowContext(ctx, rebind(s.driverName, `
		SELECT dispute_id, contract_id, initiator_id, reason, status, resolution, created_at, resolved_at
		FROM escrow_disputes WHERE contract_id = ? ORDER BY created_at DESC LIMIT 1
	`), contractID)
	var d EscrowDispute
	err := row.Scan(&d.DisputeID, &d.ContractID, &d.InitiatorID, &d.Reason, &d.Status, &d.Resolution, &d.CreatedAt, &d.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, coreerrors.New(coreerrors.NotFound, "store.GetDisputeByContract", "dispute not found")
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.GetDisputeByContract", "scan", err)
	}
	return &d, nil
}

// UpdateDisputeStatus transitions a dispute's status and optional resolution.
func (s *Store) UpdateDisputeStatus(ctx context.Context, disputeID, status, resolution string, resolvedAt *time.Time) error {
	_, err := s.conn.ExecContext(ctx, rebind(s.driverName, `
		UPDATE escrow_disputes SET status=?, resolution=?, resolved_at=? WHERE dispute_id=?
	`), status, resolution, resolvedAt, disputeID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.UpdateDisputeStatus", "update", err)
	}
	return nil
}

// InsertEvidence records an evidence submission against a dispute.
func (s *Store) InsertEvidence(ctx context.Context, ev *EscrowEvidence) error {
	_, err := s.conn.ExecContext(ctx, rebind(s.driverName, `
		INSERT INTO escrow_evidence (evidence_id, dispute_id, submitter_id, evidence_type, content, file_url, created_at)
		VALUES (?,?,?,?,?,?,?)
	`), ev.EvidenceID, ev.DisputeID, ev.SubmitterID, ev.EvidenceType, ev.Content, ev.FileURL, ev.CreatedAt)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Storage, "store.InsertEvidence", "insert", err)
	}
	return nil
}

// ListEvidence returns all evidence submitted against a dispute.
func (s *Store) ListEvidence(ctx context.Context, disputeID string) ([]*EscrowEvidence, error) {
	rows, err := s.conn.QueryContext(ctx, rebind(s.driverName, `
		SELECT evidence_id, dispute_id, submitter_id, evidence_type, content, file_url, created_at
		FROM escrow_evidence WHERE dispute_id = ? ORDER BY created_at ASC
	`), disputeID)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListEvidence", "query", err)
	}
	defer rows.Close()

	var out []*EscrowEvidence
	for rows.Next() {
		var e EscrowEvidence
		if err := rows.Scan(&e.EvidenceID, &e.DisputeID, &e.SubmitterID, &e.EvidenceType, &e.Content, &e.FileURL, &e.CreatedAt); err != nil {
			return nil, coreerrors.Wrap(coreerrors.Storage, "store.ListEvidence", "scan", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func scanEscrow(row *sql.Row) (*EscrowRecord, error)     { return scanEscrowGeneric(row) }
func scanEscrowRows(rows *sql.Rows) (*EscrowRecord, error) { return scanEscrowGeneric(rows) }

func scanEscrowGeneric(s rowScanner) (*EscrowRecord, error) {
	var e EscrowRecord
	err := s.Scan(&e.ContractID, &e.EscrowType, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.ServiceID, &e.Description,
		&e.Terms, &e.Status, &e.DisputeReason, &e.CreatedAt, &e.FundedAt, &e.StartedAt, &e.CompletedAt, &e.DisputedAt, &e.RefundedAt, &e.CancelledAt)
	if err == sql.ErrNoRows {
		return nil, coreerrors.New(coreerrors.NotFound, "store.GetEscrow", "escrow not found")
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Storage, "store.scanEscrow", "scan", err)
	}
	return &e, nil
}
