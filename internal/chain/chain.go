// Package chain implements the Chain Adapters: a uniform capability set
// (GetBalance, NewAddress, Send, History) per settlement currency, behind
// a single Adapter interface, grounded on original_source/backend/
// duxnet_wallet/multi_crypto_wallet.py's CryptoWallet abstract base and
// libs/substrate/escrow_client.go's per-call logging/retry shape. The
// Escrow state machine never talks to an Adapter directly — a higher
// layer obtains a tx_hash from one and passes it to Fund/Complete/Refund.
package chain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

// Transaction is one entry in an adapter's History.
type Transaction struct {
	TxHash    string
	From      string
	To        string
	Amount    string
	Fee       string
	Status    string
	Timestamp time.Time
}

// Adapter is the uniform per-currency capability set from spec.md §4.I.
type Adapter interface {
	Currency() string
	GetBalance(ctx context.Context, address string) (string, error)
	NewAddress(ctx context.Context) (string, error)
	Send(ctx context.Context, to, amount string, fee string) (txHash string, err error)
	History(ctx context.Context, address string, limit int) ([]Transaction, error)
}

// Config selects which currencies are wired to real backends versus stub
// adapters. Stub adapters are acceptable in development but must be
// explicitly listed to run in production, per spec.md §4.I.
type Config struct {
	EthereumRPCURL   string
	SubstrateRPCURL  string
	StubCurrencies   map[string]bool
	ProductionMode   bool
}

// Registry holds one Adapter per supported currency.
type Registry struct {
	adapters map[string]Adapter
	logger   *zap.Logger
}

// New builds a Registry, wiring the real backend for a currency whenever
// the teacher's dependencies support one and falling back to a stub
// adapter otherwise. A stub adapter is still usable in ProductionMode, but
// only when its currency appears in cfg.StubCurrencies, per spec.md §4.I's
// "acceptable in development but must be gated behind explicit
// configuration in production" rule.
func New(cfg Config, supportedCurrencies map[string]bool, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{adapters: make(map[string]Adapter), logger: logger}

	for currency := range supportedCurrencies {
		adapter, isStub, err := buildAdapter(currency, cfg, logger)
		if err != nil {
			return nil, err
		}
		if isStub && cfg.ProductionMode && !cfg.StubCurrencies[currency] {
			return nil, coreerrors.New(coreerrors.Validation, "chain.New",
				fmt.Sprintf("currency %s has no real adapter and is not in StubCurrencies for production", currency))
		}
		r.adapters[currency] = adapter
	}

	return r, nil
}

func buildAdapter(currency string, cfg Config, logger *zap.Logger) (adapter Adapter, isStub bool, err error) {
	named := logger.Named("chain." + currency)
	switch currency {
	case "ETH":
		return newEthereumAdapter(cfg.EthereumRPCURL, named)
	case "FLOP":
		return newSubstrateAdapter(cfg.SubstrateRPCURL, named)
	case "BTC":
		return newBitcoinAdapter(named)
	default:
		return newMnemonicAdapter(currency, named), true, nil
	}
}

// Get returns the adapter wired for currency, or NotFound.
func (r *Registry) Get(currency string) (Adapter, error) {
	a, ok := r.adapters[currency]
	if !ok {
		return nil, coreerrors.New(coreerrors.NotFound, "chain.Registry.Get", "no adapter configured for currency "+currency)
	}
	return a, nil
}

// Currencies lists every currency with a configured adapter.
func (r *Registry) Currencies() []string {
	out := make([]string, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	return out
}
