package chain

import (
	"context"
	"encoding/hex"

	bip39 "github.com/cosmos/go-bip39"
	"go.uber.org/zap"
)

// mnemonicAdapter covers every configured currency without a dedicated
// backend (XRP, SOL, ADA, DOGE, TON, TRX, BNB, USDT). NewAddress derives a
// real BIP-39 mnemonic and renders its entropy as the address string;
// GetBalance/Send/History are deterministic stubs, acceptable per spec.md
// §4.I as long as the currency is declared a stub in production. Grounded
// on original_source/backend/duxnet_wallet/multi_crypto_wallet.py's
// Mock*Wallet family, generalized to any currency rather than one class
// per chain.
type mnemonicAdapter struct {
	currency string
	logger   *zap.Logger
}

func newMnemonicAdapter(currency string, logger *zap.Logger) Adapter {
	return &mnemonicAdapter{currency: currency, logger: logger}
}

func (a *mnemonicAdapter) Currency() string { return a.currency }

func (a *mnemonicAdapter) GetBalance(ctx context.Context, address string) (string, error) {
	return "0", nil
}

func (a *mnemonicAdapter) NewAddress(ctx context.Context) (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	seed := bip39.NewSeed(mnemonic, "")
	return a.currency + "_" + hex.EncodeToString(seed[:20]), nil
}

func (a *mnemonicAdapter) Send(ctx context.Context, to, amount, fee string) (string, error) {
	return stubTxHash(a.currency, to, amount), nil
}

func (a *mnemonicAdapter) History(ctx context.Context, address string, limit int) ([]Transaction, error) {
	return nil, nil
}
