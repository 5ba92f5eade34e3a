// Package normalize canonicalizes raw CSV records: header synonym
// detection, locale-flexible type coercion, derived-field computation,
// and content-addressed fingerprint hashing. A raw record goes in; a
// canonical TransactionRow/ClickRow or a rejection reason comes out.
// Dynamic column maps never propagate past this boundary.
package normalize

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"ledgerflow.dev/ingest/model"
)

// Record is one raw CSV row: ordered header/value pairs exactly as read,
// before any column mapping is applied.
type Record struct {
	Headers []string
	Values  []string
}

// Get returns the first value whose (trimmed, case-folded) header matches
// any of candidates, and whether a match was found.
func (r Record) Get(candidates ...string) (string, bool) {
	for _, want := range candidates {
		for i, h := range r.Headers {
			if normalizeHeader(h) == want {
				if i < len(r.Values) {
					return r.Values[i], true
				}
				return "", true
			}
		}
	}
	return "", false
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// synonyms maps canonical field name to the header spellings that resolve
// to it, in priority order: the first listed synonym wins when several
// are present on the same row, so a literal "revenue" header beats
// "gross_value". Column detection is case-insensitive and
// whitespace-trimmed.
var synonyms = map[string][]string{
	"date":       {"date", "data", "transaction_date"},
	"revenue":    {"revenue", "gross_value", "receita", "valor bruto", "gross value"},
	"platform":   {"platform", "plataforma"},
	"category":   {"category", "categoria"},
	"product":    {"product", "produto"},
	"status":     {"status", "situacao", "situação"},
	"sub_id":     {"sub_id", "subid", "sub id"},
	"order_id":   {"order_id", "orderid", "order id", "pedido"},
	"product_id": {"product_id", "productid", "sku"},
	"commission": {"commission", "comissao", "comissão"},
	"cost":       {"cost", "custo"},
	"quantity":   {"quantity", "qty", "quantidade"},
	"channel":    {"channel", "canal"},
	"clicks":     {"clicks", "cliques"},
}

// Rejection describes why a record was dropped, for the job's errors[] tally.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(format string, args ...interface{}) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// DecodeBestEffort decodes raw as UTF-8, falling back to
// Latin-1/ISO-8859-1. UTF-8 and Latin-1/ISO-8859-1 are
// distinct code pages only above 0x7F; since every byte is a valid
// Latin-1 code point, the Latin-1 decoding never itself fails — it is
// always the final fallback.
func DecodeBestEffort(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// Transaction canonicalizes a raw record into a TransactionRow, or returns
// a *Rejection describing why the row cannot be ingested.
func Transaction(rec Record) (*model.TransactionRow, error) {
	date, hasDate, timePart, err := parseDateField(rec)
	if err != nil {
		return nil, err
	}
	if !hasDate {
		return nil, reject("missing required column: date")
	}

	product, _ := rec.Get(synonyms["product"]...)
	product = strings.TrimSpace(product)
	if product == "" {
		return nil, reject("missing required column: product")
	}

	platform, _ := rec.Get(synonyms["platform"]...)
	category, _ := rec.Get(synonyms["category"]...)
	status, _ := rec.Get(synonyms["status"]...)
	subID, _ := rec.Get(synonyms["sub_id"]...)
	orderID, _ := rec.Get(synonyms["order_id"]...)
	productID, _ := rec.Get(synonyms["product_id"]...)

	revenue, err := parseDecimalField(rec, synonyms["revenue"]...)
	if err != nil {
		return nil, reject("revenue: %v", err)
	}
	commission, err := parseDecimalField(rec, synonyms["commission"]...)
	if err != nil {
		return nil, reject("commission: %v", err)
	}
	cost, err := parseDecimalField(rec, synonyms["cost"]...)
	if err != nil {
		return nil, reject("cost: %v", err)
	}
	quantity, err := parseQuantity(rec)
	if err != nil {
		return nil, reject("quantity: %v", err)
	}

	profit := revenue.Sub(cost).Sub(commission)

	row := &model.TransactionRow{
		Date:       date,
		Platform:   strings.TrimSpace(platform),
		Category:   strings.TrimSpace(category),
		Product:    product,
		Status:     strings.TrimSpace(status),
		SubID:      strings.TrimSpace(subID),
		OrderID:    strings.TrimSpace(orderID),
		ProductID:  strings.TrimSpace(productID),
		Revenue:    revenue,
		Commission: commission,
		Cost:       cost,
		Profit:     profit,
		Quantity:   quantity,
	}
	if timePart != "" {
		row.Time = &timePart
	}
	row.Fingerprint = TransactionFingerprint(
		date, row.Platform, row.Category, row.Product, row.Status, row.SubID, row.OrderID, row.ProductID,
	)
	return row, nil
}

// Click canonicalizes a raw record into a ClickRow, or returns a
// *Rejection describing why the row cannot be ingested.
func Click(rec Record) (*model.ClickRow, error) {
	date, hasDate, timePart, err := parseDateField(rec)
	if err != nil {
		return nil, err
	}
	if !hasDate {
		return nil, reject("missing required column: date")
	}

	channel, _ := rec.Get(synonyms["channel"]...)
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, reject("missing required column: channel")
	}

	subID, _ := rec.Get(synonyms["sub_id"]...)
	clicks, err := parseIntField(rec, synonyms["clicks"]...)
	if err != nil {
		return nil, reject("clicks: %v", err)
	}

	row := &model.ClickRow{
		Date:    date,
		Channel: channel,
		SubID:   strings.TrimSpace(subID),
		Clicks:  clicks,
	}
	if timePart != "" {
		row.Time = &timePart
	}
	row.Fingerprint = ClickFingerprint(date, row.Channel, row.SubID)
	return row, nil
}

const dimDelim = "\x1f" // unit separator; escaped out of fields before joining

func escapeField(s string) string {
	return strings.ReplaceAll(s, dimDelim, "")
}

func fingerprintHex(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = escapeField(p)
	}
	joined := strings.Join(escaped, dimDelim)

	// xxhash.Sum64 gives 64 bits; hashing the joined string and the same
	// string prefixed with the delimiter gives a 128-bit key (32 hex chars).
	h1 := xxhash.Sum64String(joined)
	h2 := xxhash.Sum64String(dimDelim + joined)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// TransactionFingerprint computes the 32-char hex dedup key for a
// transaction row's dimension tuple.
func TransactionFingerprint(date time.Time, platform, category, product, status, subID, orderID, productID string) string {
	return fingerprintHex(date.Format("2006-01-02"), platform, category, product, status, subID, orderID, productID)
}

// ClickFingerprint computes the 32-char hex dedup key for a click row's
// dimension tuple.
func ClickFingerprint(date time.Time, channel, subID string) string {
	return fingerprintHex(date.Format("2006-01-02"), channel, subID)
}

func parseDateField(rec Record) (time.Time, bool, string, error) {
	raw, ok := rec.Get(synonyms["date"]...)
	if !ok {
		return time.Time{}, false, "", nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, "", nil
	}

	layouts := []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Truncate(24 * time.Hour), true, t.Format("15:04:05"), nil
		}
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true, "", nil
	}
	if t, err := time.Parse("02/01/2006", raw); err == nil {
		return t, true, "", nil
	}
	return time.Time{}, false, "", reject("unparseable date: %q", raw)
}

func parseQuantity(rec Record) (int, error) {
	raw, ok := rec.Get(synonyms["quantity"]...)
	if !ok || strings.TrimSpace(raw) == "" {
		return 1, nil
	}
	return parseIntString(raw)
}

func parseIntField(rec Record, candidates ...string) (int, error) {
	raw, ok := rec.Get(candidates...)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return parseIntString(raw)
}

func parseIntString(raw string) (int, error) {
	d, err := parseLocaleNumber(raw)
	if err != nil {
		return 0, err
	}
	return int(d.IntPart()), nil
}

func parseDecimalField(rec Record, candidates ...string) (decimal.Decimal, error) {
	raw, ok := rec.Get(candidates...)
	if !ok || strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return parseLocaleNumber(raw)
}

// parseLocaleNumber parses a number that may use either '.' or ',' as
// the decimal separator and the other as a thousands separator; the
// rightmost separator is taken as the decimal one. Currency symbols and
// whitespace are stripped first.
func parseLocaleNumber(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		case r == ' ':
			// currency/thousands whitespace, drop
		}
	}
	s = b.String()
	if s == "" {
		return decimal.Zero, nil
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	var decimalSep byte
	switch {
	case lastDot == -1 && lastComma == -1:
		// no separators at all
	case lastDot > lastComma:
		decimalSep = '.'
	default:
		decimalSep = ','
	}

	var normalized strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '.', ',':
			if byte(c) == decimalSep && i == strings.LastIndexByte(s, decimalSep) {
				normalized.WriteByte('.')
			}
			// else: thousands separator, drop
		default:
			normalized.WriteByte(c)
		}
	}

	d, err := decimal.NewFromString(normalized.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q: %w", raw, err)
	}
	return d, nil
}

// ParseDelimitedHeader detects the separator (comma, semicolon, or tab)
// from the first line of a CSV.
func ParseDelimitedHeader(firstLine string) rune {
	counts := map[rune]int{',': 0, ';': 0, '\t': 0}
	for _, r := range firstLine {
		if _, ok := counts[r]; ok {
			counts[r]++
		}
	}
	best, bestCount := ',', counts[',']
	for sep, count := range counts {
		if count > bestCount {
			best, bestCount = sep, count
		}
	}
	return best
}
