package chain

import (
	"context"
	"crypto/sha256"

	"github.com/decred/base58"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ripemd160"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

// bitcoinAdapter generates real secp256k1 keypairs and base58check P2PKH-
// style addresses (version byte 0x00, mainnet), but has no wired node RPC
// — spec.md §4.I allows a stub backend for GetBalance/Send/History as long
// as it is gated behind explicit configuration in production. Grounded on
// original_source/backend/duxnet_wallet/multi_crypto_wallet.py's
// MockBitcoinWallet, rebuilt on real key material instead of a counter.
type bitcoinAdapter struct {
	logger *zap.Logger
}

func newBitcoinAdapter(logger *zap.Logger) (Adapter, bool, error) {
	return &bitcoinAdapter{logger: logger}, true, nil
}

func (a *bitcoinAdapter) Currency() string { return "BTC" }

func (a *bitcoinAdapter) GetBalance(ctx context.Context, address string) (string, error) {
	return "0", nil
}

func (a *bitcoinAdapter) NewAddress(ctx context.Context) (string, error) {
	privKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", coreerrors.Wrap(coreerrors.Storage, "bitcoinAdapter.NewAddress", "generate keypair", err)
	}
	pubKeyBytes := privKey.PubKey().SerializeCompressed()
	return p2pkhAddress(pubKeyBytes), nil
}

func (a *bitcoinAdapter) Send(ctx context.Context, to, amount, fee string) (string, error) {
	return stubTxHash("BTC", to, amount), nil
}

func (a *bitcoinAdapter) History(ctx context.Context, address string, limit int) ([]Transaction, error) {
	return nil, nil
}

func p2pkhAddress(pubKey []byte) string {
	sha := sha256.Sum256(pubKey)

	ripemd := ripemd160.New()
	ripemd.Write(sha[:])
	hash160 := ripemd.Sum(nil)

	versioned := append([]byte{0x00}, hash160...)
	checksum := doubleSHA256(versioned)
	full := append(versioned, checksum[:4]...)
	return base58.Encode(full)
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
