package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAmountExactSum(t *testing.T) {
	seller, community, err := splitAmount("10.00", "FLOP", 0.05)
	require.NoError(t, err)
	assert.Equal(t, "9.50000000", seller)
	assert.Equal(t, "0.50000000", community)
	assertSumsToAmount(t, "10.00", seller, community)
}

func TestSplitAmountBoundaryRounding(t *testing.T) {
	seller, community, err := splitAmount("0.01", "FLOP", 0.05)
	require.NoError(t, err)
	assert.Equal(t, "0.00950000", seller)
	assert.Equal(t, "0.00050000", community)
	assertSumsToAmount(t, "0.01", seller, community)
}

func TestSplitAmountInvalidDecimal(t *testing.T) {
	_, _, err := splitAmount("not-a-number", "FLOP", 0.05)
	require.Error(t, err)
}

func TestRoundHalfUpAwayFromZero(t *testing.T) {
	r := new(big.Rat).SetFrac64(125, 100) // 1.25
	got := roundHalfUp(r, 1)
	assert.Equal(t, "1.3", formatAmount(got, 1))

	neg := new(big.Rat).SetFrac64(-125, 100)
	gotNeg := roundHalfUp(neg, 1)
	assert.Equal(t, "-1.3", formatAmount(gotNeg, 1))
}

func TestPrecisionOfUnknownCurrencyDefaults(t *testing.T) {
	assert.Equal(t, 8, PrecisionOf("FLOP"))
	assert.Equal(t, 18, PrecisionOf("ETH"))
	assert.Equal(t, 8, PrecisionOf("SOMETHING_UNLISTED"))
}

func assertSumsToAmount(t *testing.T, amount, seller, community string) {
	t.Helper()
	a, err := parseAmount(amount)
	require.NoError(t, err)
	s, err := parseAmount(seller)
	require.NoError(t, err)
	c, err := parseAmount(community)
	require.NoError(t, err)

	sum := new(big.Rat).Add(s, c)
	assert.Equal(t, 0, sum.Cmp(a), "seller + community must equal amount exactly")
}
