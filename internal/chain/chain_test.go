package chain

import (
	"context"
	"testing"

	"github.com/decred/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRegistryDefaultsToStubsInDevelopment(t *testing.T) {
	supported := map[string]bool{"FLOP": true, "ETH": true, "BTC": true, "DOGE": true}
	r, err := New(Config{}, supported, zap.NewNop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"FLOP", "ETH", "BTC", "DOGE"}, r.Currencies())
}

func TestNewRegistryRejectsUnlistedStubInProduction(t *testing.T) {
	supported := map[string]bool{"DOGE": true}
	_, err := New(Config{ProductionMode: true}, supported, zap.NewNop())
	require.Error(t, err)
}

func TestNewRegistryAllowsDeclaredStubInProduction(t *testing.T) {
	supported := map[string]bool{"DOGE": true}
	_, err := New(Config{ProductionMode: true, StubCurrencies: map[string]bool{"DOGE": true}}, supported, zap.NewNop())
	require.NoError(t, err)
}

func TestMnemonicAdapterProducesDistinctAddresses(t *testing.T) {
	ctx := context.Background()
	a := newMnemonicAdapter("DOGE", zap.NewNop())

	addr1, err := a.NewAddress(ctx)
	require.NoError(t, err)
	addr2, err := a.NewAddress(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, addr1, addr2)
	assert.Equal(t, "DOGE", a.Currency())
}

func TestBitcoinAdapterAddressIsBase58(t *testing.T) {
	ctx := context.Background()
	a, isStub, err := newBitcoinAdapter(zap.NewNop())
	require.NoError(t, err)
	assert.True(t, isStub)

	addr, err := a.NewAddress(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	decoded := base58.Decode(addr)
	require.Len(t, decoded, 25)
	assert.Equal(t, byte(0x00), decoded[0])
}

func TestGetUnconfiguredCurrencyIsNotFound(t *testing.T) {
	r, err := New(Config{}, map[string]bool{"ETH": true}, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Get("XRP")
	require.Error(t, err)
}
