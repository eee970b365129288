package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertRaw stages a raw sighting and returns its id. It returns 0 without
// error when a row with the same (asin, scraped_at) is already staged.
func (q *queries) InsertRaw(ctx context.Context, r StagedRecord) (int64, error) {
	stagedAt := r.StagedAt
	if stagedAt.IsZero() {
		stagedAt = time.Now()
	}
	var id int64
	err := q.queryRow(ctx, `
		INSERT INTO staging_raw_products
			(asin, raw_payload, raw_price, raw_discount, raw_image_url, scraped_at, consumed, staged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asin, scraped_at) DO NOTHING
		RETURNING id`,
		r.ASIN, r.Payload, r.RawPrice, r.RawDiscount, r.RawImageURL,
		q.timeArg(r.ScrapedAt), false, q.timeArg(stagedAt),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("staging %s: %w", r.ASIN, err)
	}
	return id, nil
}

// PendingRaw returns up to limit unconsumed records ordered by scrape time.
func (q *queries) PendingRaw(ctx context.Context, limit int) ([]StagedRecord, error) {
	return q.pendingAfter(ctx, 0, time.Time{}, limit)
}

// PendingRawAfter pages through unconsumed records, returning those ordered
// strictly after the (scrapedAt, id) cursor.
func (q *queries) PendingRawAfter(ctx context.Context, scrapedAt time.Time, id int64, limit int) ([]StagedRecord, error) {
	return q.pendingAfter(ctx, id, scrapedAt, limit)
}

func (q *queries) pendingAfter(ctx context.Context, id int64, scrapedAt time.Time, limit int) ([]StagedRecord, error) {
	query := `
		SELECT id, asin, raw_payload, raw_price, raw_discount, raw_image_url, scraped_at, consumed, staged_at
		FROM staging_raw_products
		WHERE consumed = ?`
	args := []any{false}
	if !scrapedAt.IsZero() {
		query += ` AND (scraped_at > ? OR (scraped_at = ? AND id > ?))`
		ts := q.timeArg(scrapedAt)
		args = append(args, ts, ts, id)
	}
	query += ` ORDER BY scraped_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending records: %w", err)
	}
	defer rows.Close()

	var out []StagedRecord
	for rows.Next() {
		var r StagedRecord
		var scraped, staged nullTime
		if err := rows.Scan(&r.ID, &r.ASIN, &r.Payload, &r.RawPrice, &r.RawDiscount,
			&r.RawImageURL, &scraped, &r.Consumed, &staged); err != nil {
			return nil, fmt.Errorf("scanning pending record: %w", err)
		}
		r.ScrapedAt, r.StagedAt = scraped.Time, staged.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkConsumed flags the given staging rows as consumed.
func (q *queries) MarkConsumed(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := q.exec(ctx,
			`UPDATE staging_raw_products SET consumed = ? WHERE id = ? AND consumed = ?`,
			true, id, false,
		); err != nil {
			return fmt.Errorf("marking record %d consumed: %w", id, err)
		}
	}
	return nil
}

// CountPending returns the number of unconsumed staging rows.
func (q *queries) CountPending(ctx context.Context) (int, error) {
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM staging_raw_products WHERE consumed = ?`, false,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending records: %w", err)
	}
	return n, nil
}

// CountStaged returns the number of staging rows for asin, consumed or not.
func (q *queries) CountStaged(ctx context.Context, asin string) (int, error) {
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM staging_raw_products WHERE asin = ?`, asin,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting staged records: %w", err)
	}
	return n, nil
}
