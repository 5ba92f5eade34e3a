package normalize

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(pairs ...string) Record {
	r := Record{}
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Headers = append(r.Headers, pairs[i])
		r.Values = append(r.Values, pairs[i+1])
	}
	return r
}

func TestTransaction_HappyPath(t *testing.T) {
	row, err := Transaction(rec(
		"date", "2024-01-01",
		"product", "P1",
		"revenue", "100",
		"cost", "40",
		"commission", "10",
	))
	require.NoError(t, err)
	assert.Equal(t, "P1", row.Product)
	assert.True(t, row.Revenue.Equal(decimal.NewFromInt(100)))
	assert.True(t, row.Profit.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 1, row.Quantity)
	assert.Len(t, row.Fingerprint, 32)
}

func TestTransaction_MissingDateRejected(t *testing.T) {
	_, err := Transaction(rec("product", "P1", "revenue", "100"))
	require.Error(t, err)
	var rj *Rejection
	assert.ErrorAs(t, err, &rj)
}

func TestTransaction_MissingProductRejected(t *testing.T) {
	_, err := Transaction(rec("date", "2024-01-01", "revenue", "100"))
	require.Error(t, err)
}

func TestTransaction_HeaderSynonymsCaseInsensitive(t *testing.T) {
	row, err := Transaction(rec(
		"  Data  ", "2024-01-01",
		"Produto", "Widget",
		"Receita", "10,50",
	))
	require.NoError(t, err)
	assert.Equal(t, "Widget", row.Product)
	assert.True(t, row.Revenue.Equal(decimal.NewFromFloat(10.50)))
}

func TestTransaction_RevenueWinsOverGrossValue(t *testing.T) {
	row, err := Transaction(rec(
		"date", "2024-01-01",
		"product", "P1",
		"revenue", "100",
		"gross_value", "200",
	))
	require.NoError(t, err)
	assert.True(t, row.Revenue.Equal(decimal.NewFromInt(100)))
}

func TestTransaction_DateFormats(t *testing.T) {
	cases := []string{"2024-01-01", "01/01/2024", "2024-01-01 10:30:00"}
	for _, d := range cases {
		row, err := Transaction(rec("date", d, "product", "P1", "revenue", "1"))
		require.NoError(t, err, d)
		assert.Equal(t, 2024, row.Date.Year())
		assert.Equal(t, 1, int(row.Date.Month()))
		assert.Equal(t, 1, row.Date.Day())
	}
}

func TestTransaction_CombinedDateTimeExtractsTime(t *testing.T) {
	row, err := Transaction(rec("date", "2024-01-01 10:30:00", "product", "P1", "revenue", "1"))
	require.NoError(t, err)
	require.NotNil(t, row.Time)
	assert.Equal(t, "10:30:00", *row.Time)
}

func TestParseLocaleNumber_DotDecimal(t *testing.T) {
	d, err := parseLocaleNumber("1,234.56")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromFloat(1234.56)))
}

func TestParseLocaleNumber_CommaDecimal(t *testing.T) {
	d, err := parseLocaleNumber("1.234,56")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromFloat(1234.56)))
}

func TestParseLocaleNumber_CurrencyAndWhitespace(t *testing.T) {
	d, err := parseLocaleNumber("$ 1 234,56")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromFloat(1234.56)))
}

func TestTransaction_MissingNumericDefaultsToZero(t *testing.T) {
	row, err := Transaction(rec("date", "2024-01-01", "product", "P1"))
	require.NoError(t, err)
	assert.True(t, row.Revenue.IsZero())
	assert.True(t, row.Profit.IsZero())
}

func TestClick_HappyPath(t *testing.T) {
	row, err := Click(rec("date", "2024-01-01", "channel", "google", "sub_id", "a1", "clicks", "5"))
	require.NoError(t, err)
	assert.Equal(t, "google", row.Channel)
	assert.Equal(t, 5, row.Clicks)
	assert.Len(t, row.Fingerprint, 32)
}

func TestClick_MissingChannelRejected(t *testing.T) {
	_, err := Click(rec("date", "2024-01-01"))
	require.Error(t, err)
}

func TestFingerprint_IsDeterministicAndDimensionSensitive(t *testing.T) {
	row1, err := Transaction(rec("date", "2024-01-01", "product", "P1", "revenue", "100"))
	require.NoError(t, err)
	row2, err := Transaction(rec("date", "2024-01-01", "product", "P1", "revenue", "999"))
	require.NoError(t, err)
	row3, err := Transaction(rec("date", "2024-01-01", "product", "P2", "revenue", "100"))
	require.NoError(t, err)

	assert.Equal(t, row1.Fingerprint, row2.Fingerprint, "fingerprint ignores non-dimension fields")
	assert.NotEqual(t, row1.Fingerprint, row3.Fingerprint, "fingerprint is sensitive to dimension fields")
}

func TestTransaction_IdempotentOnCanonicalInput(t *testing.T) {
	first, err := Transaction(rec("date", "2024-01-01", "product", "P1", "revenue", "100", "cost", "40", "commission", "10"))
	require.NoError(t, err)

	second, err := Transaction(rec(
		"date", first.Date.Format("2006-01-02"),
		"product", first.Product,
		"revenue", first.Revenue.String(),
		"cost", first.Cost.String(),
		"commission", first.Commission.String(),
	))
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.True(t, first.Profit.Equal(second.Profit))
}

func TestDecodeBestEffort_UTF8AndLatin1(t *testing.T) {
	utf8Bytes := []byte("café")
	assert.Equal(t, "café", DecodeBestEffort(utf8Bytes))

	latin1Bytes := []byte{'c', 'a', 'f', 0xE9} // "café" in Latin-1
	decoded := DecodeBestEffort(latin1Bytes)
	assert.Equal(t, "café", decoded)
}

func TestParseDelimitedHeader(t *testing.T) {
	assert.Equal(t, ',', ParseDelimitedHeader("date,product,revenue"))
	assert.Equal(t, ';', ParseDelimitedHeader("date;product;revenue"))
	assert.Equal(t, '\t', ParseDelimitedHeader("date\tproduct\trevenue"))
}
