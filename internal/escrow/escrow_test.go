package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
	"github.com/aidenlippert/zerostate/internal/store"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	st, err := store.Open(dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		CommunityShare:           0.05,
		CommunityFundDestination: "community_fund",
		SupportedCurrencies:      map[string]bool{"FLOP": true},
	}
	return New(cfg, st, zap.NewNop())
}

func TestFullLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	c, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "10.00", "FLOP", "svc-1", "desc", "terms")
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), c.Status)

	c, err = m.Fund(ctx, c.ContractID, "0xfund")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFunded), c.Status)

	c, err = m.Start(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusInProgress), c.Status)

	c, err = m.Complete(ctx, c.ContractID, "0xcomplete")
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), c.Status)

	txs, err := m.store.ListEscrowTransactions(ctx, c.ContractID)
	require.NoError(t, err)
	require.Len(t, txs, 3) // funding, seller_payment, community_fund

	var sellerAmt, communityAmt string
	for _, tx := range txs {
		switch tx.TransactionType {
		case string(TxSellerPayment):
			sellerAmt = tx.Amount
		case string(TxCommunityFund):
			communityAmt = tx.Amount
		}
	}
	assert.Equal(t, "9.50000000", sellerAmt)
	assert.Equal(t, "0.50000000", communityAmt)
}

func TestFundTwiceIsConflict(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	c, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "5.00", "FLOP", "", "", "")
	require.NoError(t, err)

	_, err = m.Fund(ctx, c.ContractID, "0xfund")
	require.NoError(t, err)

	_, err = m.Fund(ctx, c.ContractID, "0xfund2")
	require.Error(t, err)
	assert.Equal(t, coreerrors.Conflict, coreerrors.KindOf(err))
}

func TestCreateRejectsUnsupportedCurrency(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	_, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "1.00", "DOGE", "", "", "")
	require.Error(t, err)
	assert.Equal(t, coreerrors.Validation, coreerrors.KindOf(err))
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	_, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "0.00", "FLOP", "", "", "")
	require.Error(t, err)
	assert.Equal(t, coreerrors.Validation, coreerrors.KindOf(err))
}

func TestDisputeThenRefund(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	c, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "3.00", "FLOP", "", "", "")
	require.NoError(t, err)
	c, err = m.Fund(ctx, c.ContractID, "0xfund")
	require.NoError(t, err)

	c, dispute, err := m.Dispute(ctx, c.ContractID, "buyer-1", "not delivered")
	require.NoError(t, err)
	assert.Equal(t, string(StatusDisputed), c.Status)
	assert.Equal(t, "open", dispute.Status)

	c, err = m.Refund(ctx, c.ContractID, "0xrefund")
	require.NoError(t, err)
	assert.Equal(t, string(StatusRefunded), c.Status)

	txs, err := m.store.ListEscrowTransactions(ctx, c.ContractID)
	require.NoError(t, err)
	var refunds int
	for _, tx := range txs {
		if tx.TransactionType == string(TxRefund) {
			refunds++
			assert.Equal(t, "3.00000000", tx.Amount)
			assert.Equal(t, "buyer_buyer-1", tx.ToAddress)
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestDisputeOnTerminalContractFails(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	c, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "1.00", "FLOP", "", "", "")
	require.NoError(t, err)
	c, err = m.Cancel(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCancelled), c.Status)

	_, _, err = m.Dispute(ctx, c.ContractID, "buyer-1", "too late")
	require.Error(t, err)
	assert.Equal(t, coreerrors.Conflict, coreerrors.KindOf(err))
}

func TestSubmitEvidenceRejectedAfterResolution(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	c, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "2.00", "FLOP", "", "", "")
	require.NoError(t, err)
	c, err = m.Fund(ctx, c.ContractID, "0xfund")
	require.NoError(t, err)

	c, _, err = m.Dispute(ctx, c.ContractID, "buyer-1", "bad output")
	require.NoError(t, err)

	_, err = m.SubmitEvidence(ctx, c.ContractID, "buyer-1", "log", "it failed", "")
	require.NoError(t, err)

	_, err = m.ResolveDispute(ctx, c.ContractID, "refund approved", "refund", "0xrefund")
	require.NoError(t, err)

	_, err = m.SubmitEvidence(ctx, c.ContractID, "seller-1", "log", "rebuttal", "")
	require.Error(t, err)
	assert.Equal(t, coreerrors.Conflict, coreerrors.KindOf(err))
}

func TestStatisticsAggregatesCompletedVolume(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	c1, err := m.Create(ctx, TypeServicePayment, "buyer-1", "seller-1", "10.00", "FLOP", "", "", "")
	require.NoError(t, err)
	_, err = m.Fund(ctx, c1.ContractID, "0x1")
	require.NoError(t, err)
	_, err = m.Start(ctx, c1.ContractID)
	require.NoError(t, err)
	_, err = m.Complete(ctx, c1.ContractID, "0x2")
	require.NoError(t, err)

	_, err = m.Create(ctx, TypeServicePayment, "buyer-2", "seller-2", "4.00", "FLOP", "", "", "")
	require.NoError(t, err)

	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalContracts)
	assert.Equal(t, 1, stats.StatusCounts[string(StatusCompleted)])
	assert.Equal(t, 1, stats.StatusCounts[string(StatusPending)])
	assert.Equal(t, 0.5, stats.SuccessRate)
}
