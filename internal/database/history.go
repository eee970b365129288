package database

import (
	"context"
	"fmt"
)

// InsertPricePoint appends a price observation. It returns false without error
// when a point for the same (asin, ts) already exists; existing rows are never
// modified.
func (q *queries) InsertPricePoint(ctx context.Context, p PricePoint) (bool, error) {
	res, err := q.exec(ctx, `
		INSERT INTO price_history (asin, price, discount_pct, currency, ts, raw_price, raw_discount)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asin, ts) DO NOTHING`,
		p.ASIN, p.Price, p.DiscountPct, p.Currency, q.timeArg(p.TS), p.RawPrice, p.RawDiscount,
	)
	if err != nil {
		return false, fmt.Errorf("inserting price point for %s: %w", p.ASIN, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting price point for %s: %w", p.ASIN, err)
	}
	return n > 0, nil
}

// GetPriceHistory returns every price point for asin, oldest first.
func (q *queries) GetPriceHistory(ctx context.Context, asin string) ([]PricePoint, error) {
	rows, err := q.query(ctx, `
		SELECT id, asin, price, discount_pct, currency, ts, raw_price, raw_discount
		FROM price_history WHERE asin = ? ORDER BY ts ASC`, asin)
	if err != nil {
		return nil, fmt.Errorf("querying price history: %w", err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		var ts nullTime
		var discount *int64
		if err := rows.Scan(&p.ID, &p.ASIN, &p.Price, &discount, &p.Currency, &ts,
			&p.RawPrice, &p.RawDiscount); err != nil {
			return nil, fmt.Errorf("scanning price point: %w", err)
		}
		if discount != nil {
			d := int(*discount)
			p.DiscountPct = &d
		}
		p.TS = ts.Time
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPricePoints returns the total number of price_history rows.
func (q *queries) CountPricePoints(ctx context.Context) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM price_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting price points: %w", err)
	}
	return n, nil
}
