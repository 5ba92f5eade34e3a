package query

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func bucket(product string, revenue int64) ProductBucket {
	return ProductBucket{Product: product, Revenue: decimal.NewFromInt(revenue)}
}

func TestTopKWithResidual_UnderK(t *testing.T) {
	all := []ProductBucket{bucket("P1", 100), bucket("P2", 50)}
	got := topKWithResidual(all, 5)
	assert.Len(t, got, 2)
}

func TestTopKWithResidual_SumsTailIntoOther(t *testing.T) {
	all := []ProductBucket{bucket("P1", 100), bucket("P2", 50), bucket("P3", 30), bucket("P4", 10)}
	got := topKWithResidual(all, 2)
	assert.Len(t, got, 3)
	assert.Equal(t, "P1", got[0].Product)
	assert.Equal(t, "P2", got[1].Product)
	assert.True(t, got[2].Other)
	assert.True(t, got[2].Revenue.Equal(decimal.NewFromInt(40)))
}

func TestWhereClause_EmptyFiltersIsAllRows(t *testing.T) {
	where, args := Filters{}.whereClause(1)
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestWhereClause_ComposesConjunctively(t *testing.T) {
	f := Filters{Product: "widget", Platform: "shopee"}
	where, args := f.whereClause(1)
	assert.Contains(t, where, "product ILIKE $2")
	assert.Contains(t, where, "platform = $3")
	assert.Len(t, args, 2)
}

func TestRoundDecimal_RoundsToTwoPlaces(t *testing.T) {
	d := decimal.NewFromFloat(12.345)
	roundDecimal(&d)
	assert.True(t, d.Equal(decimal.NewFromFloat(12.35)) || d.Equal(decimal.NewFromFloat(12.34)))
}
