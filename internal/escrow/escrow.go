// Package escrow implements the Escrow State Machine: multi-currency
// contract lifecycle (pending/funded/in_progress/completed, plus
// dispute/refund/cancel branches) with the fixed 95/5 completion split.
// Structural style (service struct over the Durable Store + logger,
// transaction-guarded multi-record mutations) follows
// libs/economic/escrow.go; exact state names, transitions, and split
// arithmetic follow original_source/backend/duxos_escrow/escrow_service.py.
package escrow

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
	"github.com/aidenlippert/zerostate/internal/store"
)

// Status is a contract's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFunded     Status = "funded"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// ContractType mirrors spec.md §3's escrow type enum.
type ContractType string

const (
	TypeServicePayment ContractType = "service_payment"
	TypeAPIUsage       ContractType = "api_usage"
	TypeTaskExecution  ContractType = "task_execution"
	TypeSubscription   ContractType = "subscription"
)

// TransactionType enumerates the ledger movement kinds.
type TransactionType string

const (
	TxFunding        TransactionType = "funding"
	TxSellerPayment  TransactionType = "seller_payment"
	TxCommunityFund  TransactionType = "community_fund"
	TxRefund         TransactionType = "refund"
)

// Contract is the Escrow service's domain view of an escrow record.
type Contract = store.EscrowRecord

// Transaction is a ledger movement against a contract.
type Transaction = store.EscrowTransaction

// Dispute is an open or resolved dispute.
type Dispute = store.EscrowDispute

// Evidence is a submission attached to a dispute.
type Evidence = store.EscrowEvidence

// Stats mirrors escrow_service.py's get_contract_statistics.
type Stats struct {
	TotalContracts int
	StatusCounts   map[string]int
	TotalVolume    string
	CommunityFund  string
	SuccessRate    float64
}

var (
	contractsByStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_contracts_total",
		Help: "Total escrow contracts by terminal/transition status reached",
	}, []string{"status"})
	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_transition_conflicts_total",
		Help: "Total number of escrow transitions that lost a CAS race",
	})
	settledVolumeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_community_fund_total",
		Help: "Running total community fund amount across completed contracts, summed across currencies without conversion",
	})
)

// Config holds process-wide escrow settings. The split ratio is an
// immutable setting loaded at startup, per spec.md §4.H.
type Config struct {
	CommunityShare           float64
	CommunityFundDestination string
	SupportedCurrencies      map[string]bool
}

// Machine is the Escrow State Machine.
type Machine struct {
	cfg    Config
	store  *store.Store
	logger *zap.Logger
}

// New constructs a Machine over an already-open Store.
func New(cfg Config, st *store.Store, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{cfg: cfg, store: st, logger: logger}
}

// Create validates and persists a new contract in status pending.
func (m *Machine) Create(ctx context.Context, escrowType ContractType, buyerID, sellerID, amount, currency, serviceID, description, terms string) (*Contract, error) {
	if buyerID == "" || sellerID == "" {
		return nil, coreerrors.New(coreerrors.Validation, "Machine.Create", "buyer and seller are required")
	}
	amt, err := parseAmount(amount)
	if err != nil || amt.Sign() <= 0 {
		return nil, coreerrors.New(coreerrors.Validation, "Machine.Create", "amount must be a positive decimal")
	}
	if m.cfg.SupportedCurrencies != nil && !m.cfg.SupportedCurrencies[currency] {
		return nil, coreerrors.New(coreerrors.Validation, "Machine.Create", "unsupported currency: "+currency)
	}

	now := time.Now()
	c := &Contract{
		ContractID:  uuid.NewString(),
		EscrowType:  string(escrowType),
		BuyerID:     buyerID,
		SellerID:    sellerID,
		Amount:      formatAmount(amt, PrecisionOf(currency)),
		Currency:    currency,
		ServiceID:   serviceID,
		Description: description,
		Terms:       terms,
		Status:      string(StatusPending),
		CreatedAt:   now,
	}

	if err := m.store.PutEscrow(ctx, nil, c); err != nil {
		return nil, err
	}
	contractsByStatusTotal.WithLabelValues(string(StatusPending)).Inc()
	m.logger.Info("escrow created", zap.String("contract_id", c.ContractID), zap.String("amount", c.Amount), zap.String("currency", currency))
	return c, nil
}

// Fund transitions pending -> funded, recording a funding transaction.
func (m *Machine) Fund(ctx context.Context, contractID, txHash string) (*Contract, error) {
	c, err := m.transitionWithTx(ctx, contractID, StatusPending, StatusFunded, "funded_at", "", func(tx *sql.Tx, c *Contract, at time.Time) error {
		return m.store.InsertEscrowTransaction(ctx, tx, &Transaction{
			TransactionID:   uuid.NewString(),
			ContractID:      c.ContractID,
			TransactionType: string(TxFunding),
			Amount:          c.Amount,
			Currency:        c.Currency,
			ToAddress:       "escrow_" + c.ContractID,
			TxHash:          txHash,
			Status:          "confirmed",
			CreatedAt:       at,
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start transitions funded -> in_progress.
func (m *Machine) Start(ctx context.Context, contractID string) (*Contract, error) {
	return m.transitionWithTx(ctx, contractID, StatusFunded, StatusInProgress, "started_at", "", func(tx *sql.Tx, c *Contract, at time.Time) error {
		return nil
	})
}

// Complete transitions in_progress -> completed, atomically writing the
// seller_payment and community_fund ledger rows so they are written
// together or not at all.
func (m *Machine) Complete(ctx context.Context, contractID, txHash string) (*Contract, error) {
	var c *Contract
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := m.store.GetEscrow(ctx, contractID)
		if err != nil {
			return err
		}

		sellerAmt, communityAmt, err := splitAmount(existing.Amount, existing.Currency, m.cfg.CommunityShare)
		if err != nil {
			return coreerrors.Wrap(coreerrors.Validation, "Machine.Complete", "split computation failed", err)
		}

		now := time.Now()
		ok, err := m.store.CASEscrowStatus(ctx, tx, contractID, string(StatusInProgress), string(StatusCompleted), "completed_at", now, "")
		if err != nil {
			return err
		}
		if !ok {
			conflictsTotal.Inc()
			return coreerrors.New(coreerrors.Conflict, "Machine.Complete", "contract is not in_progress")
		}

		destination := m.cfg.CommunityFundDestination
		if destination == "" {
			destination = "community_fund"
		}

		if err := m.store.InsertEscrowTransaction(ctx, tx, &Transaction{
			TransactionID:   uuid.NewString(),
			ContractID:      contractID,
			TransactionType: string(TxSellerPayment),
			Amount:          sellerAmt,
			Currency:        existing.Currency,
			ToAddress:       "seller_" + existing.SellerID,
			TxHash:          txHash,
			Status:          "confirmed",
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		if err := m.store.InsertEscrowTransaction(ctx, tx, &Transaction{
			TransactionID:   uuid.NewString(),
			ContractID:      contractID,
			TransactionType: string(TxCommunityFund),
			Amount:          communityAmt,
			Currency:        existing.Currency,
			ToAddress:       destination,
			TxHash:          txHash,
			Status:          "confirmed",
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		existing.Status = string(StatusCompleted)
		existing.CompletedAt = &now
		c = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	contractsByStatusTotal.WithLabelValues(string(StatusCompleted)).Inc()
	m.logger.Info("escrow completed", zap.String("contract_id", contractID))
	return c, nil
}

// Dispute moves any non-terminal contract to disputed and records a
// dispute. No fund movement occurs.
func (m *Machine) Dispute(ctx context.Context, contractID, initiatorID, reason string) (*Contract, *Dispute, error) {
	var c *Contract
	var d *Dispute
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := m.store.GetEscrow(ctx, contractID)
		if err != nil {
			return err
		}
		if isTerminal(Status(existing.Status)) {
			return coreerrors.New(coreerrors.Conflict, "Machine.Dispute", "contract already in a terminal state")
		}

		now := time.Now()
		ok, err := m.store.CASEscrowStatus(ctx, tx, contractID, existing.Status, string(StatusDisputed), "disputed_at", now, reason)
		if err != nil {
			return err
		}
		if !ok {
			conflictsTotal.Inc()
			return coreerrors.New(coreerrors.Conflict, "Machine.Dispute", "contract status changed concurrently")
		}

		dispute := &Dispute{
			DisputeID:   uuid.NewString(),
			ContractID:  contractID,
			InitiatorID: initiatorID,
			Reason:      reason,
			Status:      "open",
			CreatedAt:   now,
		}
		if err := m.store.InsertDispute(ctx, tx, dispute); err != nil {
			return err
		}

		existing.Status = string(StatusDisputed)
		existing.DisputedAt = &now
		existing.DisputeReason = reason
		c = existing
		d = dispute
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	contractsByStatusTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return c, d, nil
}

// SubmitEvidence records an evidence submission against an open dispute.
// Rejected once the dispute has been resolved or closed.
func (m *Machine) SubmitEvidence(ctx context.Context, contractID, submitterID, evidenceType, content, fileURL string) (*Evidence, error) {
	dispute, err := m.store.GetDisputeByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if dispute.Status == "resolved" || dispute.Status == "closed" {
		return nil, coreerrors.New(coreerrors.Conflict, "Machine.SubmitEvidence", "dispute is no longer accepting evidence")
	}

	ev := &Evidence{
		EvidenceID:   uuid.NewString(),
		DisputeID:    dispute.DisputeID,
		SubmitterID:  submitterID,
		EvidenceType: evidenceType,
		Content:      content,
		FileURL:      fileURL,
		CreatedAt:    time.Now(),
	}
	if err := m.store.InsertEvidence(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ResolveDispute records an administrative resolution decision and, for
// "refund", transitions the contract to refunded with its ledger entry.
// The coordination plane does not adjudicate; the outcome is supplied by
// the caller, matching escrow_service.py's resolve_dispute taking a
// decision argument rather than computing one.
func (m *Machine) ResolveDispute(ctx context.Context, contractID, resolution, outcome, txHash string) (*Contract, error) {
	dispute, err := m.store.GetDisputeByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := m.store.UpdateDisputeStatus(ctx, dispute.DisputeID, "resolved", resolution, &now); err != nil {
		return nil, err
	}

	if outcome == "refund" {
		return m.Refund(ctx, contractID, txHash)
	}

	c, err := m.store.GetEscrow(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Refund transitions disputed (or funded/in_progress, via an
// administrative caller) to refunded, recording one refund transaction of
// the full amount.
func (m *Machine) Refund(ctx context.Context, contractID, txHash string) (*Contract, error) {
	var c *Contract
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := m.store.GetEscrow(ctx, contractID)
		if err != nil {
			return err
		}
		if !canRefundFrom(Status(existing.Status)) {
			return coreerrors.New(coreerrors.Conflict, "Machine.Refund", "contract status does not permit refund")
		}

		now := time.Now()
		ok, err := m.store.CASEscrowStatus(ctx, tx, contractID, existing.Status, string(StatusRefunded), "refunded_at", now, existing.DisputeReason)
		if err != nil {
			return err
		}
		if !ok {
			conflictsTotal.Inc()
			return coreerrors.New(coreerrors.Conflict, "Machine.Refund", "contract status changed concurrently")
		}

		if err := m.store.InsertEscrowTransaction(ctx, tx, &Transaction{
			TransactionID:   uuid.NewString(),
			ContractID:      contractID,
			TransactionType: string(TxRefund),
			Amount:          existing.Amount,
			Currency:        existing.Currency,
			ToAddress:       "buyer_" + existing.BuyerID,
			TxHash:          txHash,
			Status:          "confirmed",
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		existing.Status = string(StatusRefunded)
		existing.RefundedAt = &now
		c = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	contractsByStatusTotal.WithLabelValues(string(StatusRefunded)).Inc()
	return c, nil
}

// Cancel transitions pending -> cancelled.
func (m *Machine) Cancel(ctx context.Context, contractID string) (*Contract, error) {
	return m.transitionWithTx(ctx, contractID, StatusPending, StatusCancelled, "cancelled_at", "", func(tx *sql.Tx, c *Contract, at time.Time) error {
		return nil
	})
}

// Get returns a single contract, or NotFound.
func (m *Machine) Get(ctx context.Context, contractID string) (*Contract, error) {
	return m.store.GetEscrow(ctx, contractID)
}

// ListByUser returns contracts where the user is buyer or seller.
func (m *Machine) ListByUser(ctx context.Context, userID, status string) ([]*Contract, error) {
	return m.store.ListEscrowsByUser(ctx, userID, status)
}

// Statistics aggregates contract counts, completed volume, and the running
// community fund total, grounded on escrow_service.py's
// get_contract_statistics.
func (m *Machine) Statistics(ctx context.Context) (Stats, error) {
	contracts, err := m.store.ListEscrows(ctx)
	if err != nil {
		return Stats{}, err
	}

	statusCounts := make(map[string]int)
	totalVolume := new(big.Rat)
	communityFund := new(big.Rat)
	completed := 0

	for _, c := range contracts {
		statusCounts[c.Status]++
		if c.Status != string(StatusCompleted) {
			continue
		}
		completed++

		amt, err := parseAmount(c.Amount)
		if err == nil {
			totalVolume.Add(totalVolume, amt)
		}

		txs, err := m.store.ListEscrowTransactions(ctx, c.ContractID)
		if err != nil {
			continue
		}
		for _, tx := range txs {
			if tx.TransactionType == string(TxCommunityFund) {
				if a, err := parseAmount(tx.Amount); err == nil {
					communityFund.Add(communityFund, a)
				}
			}
		}
	}

	successRate := 0.0
	if len(contracts) > 0 {
		successRate = float64(completed) / float64(len(contracts))
	}

	communityF, _ := communityFund.Float64()
	settledVolumeGauge.Set(communityF)

	return Stats{
		TotalContracts: len(contracts),
		StatusCounts:   statusCounts,
		TotalVolume:    totalVolume.FloatString(8),
		CommunityFund:  communityFund.FloatString(8),
		SuccessRate:    successRate,
	}, nil
}

func (m *Machine) transitionWithTx(ctx context.Context, contractID string, from, to Status, timestampColumn, disputeReason string, extra func(tx *sql.Tx, c *Contract, at time.Time) error) (*Contract, error) {
	var result *Contract
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := m.store.GetEscrow(ctx, contractID)
		if err != nil {
			return err
		}

		now := time.Now()
		ok, err := m.store.CASEscrowStatus(ctx, tx, contractID, string(from), string(to), timestampColumn, now, disputeReason)
		if err != nil {
			return err
		}
		if !ok {
			conflictsTotal.Inc()
			return coreerrors.New(coreerrors.Conflict, "Machine.transition", "contract is not in the expected status")
		}

		if err := extra(tx, existing, now); err != nil {
			return err
		}

		existing.Status = string(to)
		result = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	contractsByStatusTotal.WithLabelValues(string(to)).Inc()
	return result, nil
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

func canRefundFrom(s Status) bool {
	switch s {
	case StatusDisputed, StatusFunded, StatusInProgress:
		return true
	default:
		return false
	}
}
