// Package normalize turns loosely-typed product sightings into strict values.
// It never touches storage.
package normalize

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingIdentity is returned for sightings without an asin.
var ErrMissingIdentity = errors.New("sighting has no asin")

// Record is a normalized sighting. Pointer fields are nil when the source text
// was absent or could not be parsed.
type Record struct {
	ASIN        string
	Title       string
	ImageURL    *string
	Category    *string
	Price       decimal.NullDecimal
	Currency    *string
	DiscountPct *int
	TS          *time.Time
	RawPrice    *string
	RawDiscount *string
}

// HasPricePoint reports whether r carries both a price and a timestamp.
func (r Record) HasPricePoint() bool {
	return r.Price.Valid && r.TS != nil
}

// Normalize validates s and parses its text fields. Only a missing asin is an
// error; every other unparsable field comes back absent.
func Normalize(s Sighting) (Record, error) {
	asin := strings.TrimSpace(s.ASIN)
	if asin == "" {
		return Record{}, ErrMissingIdentity
	}

	r := Record{
		ASIN:        asin,
		Title:       strings.TrimSpace(s.Title),
		ImageURL:    optional(s.ImageURL),
		Category:    optional(s.Category),
		Price:       ParsePrice(s.Price),
		RawPrice:    optional(s.Price),
		RawDiscount: optional(s.Discount),
	}
	if c := ParseCurrency(s.Price); c != "" {
		r.Currency = &c
	}
	if d, ok := ParseDiscount(s.Discount); ok {
		r.DiscountPct = &d
	}
	if ts, ok := ParseTimestamp(s.Timestamp); ok {
		r.TS = &ts
	}
	return r, nil
}

var nonPriceChars = regexp.MustCompile(`[^0-9.]`)

// ParsePrice keeps only digits and the decimal point. An empty or unparsable
// remainder yields an invalid NullDecimal.
func ParsePrice(text string) decimal.NullDecimal {
	cleaned := nonPriceChars.ReplaceAllString(text, "")
	if cleaned == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"₹", "INR"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
}

// ParseCurrency returns the ISO code for a known leading currency symbol, or ""
// when the symbol is unknown or missing.
func ParseCurrency(text string) string {
	text = strings.TrimSpace(text)
	for _, c := range currencySymbols {
		if strings.HasPrefix(text, c.symbol) {
			return c.code
		}
	}
	return ""
}

var discountPattern = regexp.MustCompile(`(\d+)%`)

// ParseDiscount extracts the first "<digits>%" in text.
func ParseDiscount(text string) (int, bool) {
	m := discountPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Timestamps without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. A trailing "Z" means UTC.
func ParseTimestamp(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
