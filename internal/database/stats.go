package database

import (
	"context"
	"fmt"
)

// GetStats returns overall database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&s.TotalRaw, `SELECT COUNT(*) FROM staging_raw_products`, nil},
		{&s.PendingRaw, `SELECT COUNT(*) FROM staging_raw_products WHERE consumed = ?`, []any{false}},
		{&s.TotalProducts, `SELECT COUNT(*) FROM products`, nil},
		{&s.Available, `SELECT COUNT(*) FROM products WHERE availability = ?`, []any{true}},
		{&s.TotalPricePoints, `SELECT COUNT(*) FROM price_history`, nil},
	}
	for _, c := range counts {
		if err := db.queryRow(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
	}

	last, err := db.LastRun(ctx)
	if err != nil {
		return nil, err
	}
	s.LastRun = last
	return s, nil
}

// numeric casts the price column so aggregates compare numerically in sqlite,
// where prices are stored as TEXT.
func (q *queries) numeric(col string) string {
	if q.driver == DriverPostgres {
		return col
	}
	return "CAST(" + col + " AS REAL)"
}

// TopPriceSpreads returns the products with the most distinct observed prices.
func (db *DB) TopPriceSpreads(ctx context.Context, limit int) ([]PriceSpread, error) {
	price := db.numeric("h.price")
	rows, err := db.query(ctx, `
		SELECT p.asin, p.title, COUNT(DISTINCT `+price+`), MIN(`+price+`), MAX(`+price+`), COUNT(*)
		FROM price_history h
		JOIN products p ON p.asin = h.asin
		GROUP BY p.asin, p.title
		HAVING COUNT(DISTINCT `+price+`) > 1
		ORDER BY COUNT(DISTINCT `+price+`) DESC, p.asin ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying price spreads: %w", err)
	}
	defer rows.Close()

	var out []PriceSpread
	for rows.Next() {
		var s PriceSpread
		if err := rows.Scan(&s.ASIN, &s.Title, &s.DistinctPrices, &s.MinPrice, &s.MaxPrice, &s.Observations); err != nil {
			return nil, fmt.Errorf("scanning price spread: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Stalest returns available products ordered by oldest last observation,
// never-observed products first.
func (db *DB) Stalest(ctx context.Context, limit int) ([]StaleProduct, error) {
	rows, err := db.query(ctx, `
		SELECT p.asin, p.title, MAX(h.ts) AS last_seen
		FROM products p
		LEFT JOIN price_history h ON h.asin = p.asin
		WHERE p.availability = ?
		GROUP BY p.asin, p.title
		ORDER BY CASE WHEN MAX(h.ts) IS NULL THEN 0 ELSE 1 END, MAX(h.ts) ASC, p.asin ASC
		LIMIT ?`, true, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stalest products: %w", err)
	}
	defer rows.Close()

	var out []StaleProduct
	for rows.Next() {
		var s StaleProduct
		var last nullTime
		if err := rows.Scan(&s.ASIN, &s.Title, &last); err != nil {
			return nil, fmt.Errorf("scanning stale product: %w", err)
		}
		s.LastSeen = last.ptr()
		out = append(out, s)
	}
	return out, rows.Err()
}
