package etl

import (
	"context"

	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/TobiSchelling/pricewatch/internal/normalize"
)

// HistoryWriter is the price-history surface needed by AppendHistory.
type HistoryWriter interface {
	InsertPricePoint(ctx context.Context, p database.PricePoint) (bool, error)
}

// HistoryResult reports the effect of one history append.
type HistoryResult struct {
	Inserted int
	Existing int
}

// PricePoint builds the history row for r. It returns false when r lacks a
// price or a timestamp; such records never produce history.
func PricePoint(r normalize.Record) (database.PricePoint, bool) {
	if !r.HasPricePoint() {
		return database.PricePoint{}, false
	}
	return database.PricePoint{
		ASIN:        r.ASIN,
		Price:       r.Price.Decimal,
		DiscountPct: r.DiscountPct,
		Currency:    r.Currency,
		TS:          *r.TS,
		RawPrice:    r.RawPrice,
		RawDiscount: r.RawDiscount,
	}, true
}

// AppendHistory inserts each point unless one already exists for the same
// (asin, ts). Existing rows are left untouched.
func AppendHistory(ctx context.Context, w HistoryWriter, points []database.PricePoint) (HistoryResult, error) {
	var res HistoryResult
	for _, p := range points {
		inserted, err := w.InsertPricePoint(ctx, p)
		if err != nil {
			return res, err
		}
		if inserted {
			res.Inserted++
		} else {
			res.Existing++
		}
	}
	return res, nil
}
