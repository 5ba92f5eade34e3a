package adspend

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestComputeShares_ProportionalToRevenue(t *testing.T) {
	shares := computeShares(dec("100"), []decimal.Decimal{dec("300"), dec("100")})
	assert.True(t, shares[0].Equal(dec("75")))
	assert.True(t, shares[1].Equal(dec("25")))
}

func TestComputeShares_EqualSplitWhenAllRevenueZero(t *testing.T) {
	shares := computeShares(dec("10"), []decimal.Decimal{dec("0"), dec("0"), dec("0")})
	for _, s := range shares[:2] {
		assert.True(t, s.Equal(dec("3.3333333333333333")))
	}
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s)
	}
	assert.True(t, total.Equal(dec("10")))
}

func TestComputeShares_SumsExactlyToAmountDespiteRounding(t *testing.T) {
	shares := computeShares(dec("10"), []decimal.Decimal{dec("1"), dec("1"), dec("1")})
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s)
	}
	assert.True(t, total.Equal(dec("10")))
}

func TestComputeShares_EmptyRevenuesYieldsEmptyShares(t *testing.T) {
	shares := computeShares(dec("10"), nil)
	assert.Len(t, shares, 0)
}

func TestComputeShares_SingleRowGetsEverything(t *testing.T) {
	shares := computeShares(dec("42.50"), []decimal.Decimal{dec("999")})
	assert.True(t, shares[0].Equal(dec("42.50")))
}
