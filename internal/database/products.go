package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// resolutionToken matches the size segment embedded in marketplace image URLs,
// e.g. "_UY218_" in ".../I/71abc._AC_UY218_.jpg".
var resolutionToken = regexp.MustCompile(`_[^_]*UY[0-9]+_`)

// HighResImageURL rewrites the resolution token in imageURL to the 1500px
// variant. URLs without a token are returned unchanged.
func HighResImageURL(imageURL string) string {
	return resolutionToken.ReplaceAllString(imageURL, "_SL1500_")
}

// UpsertProduct inserts a catalog row or overwrites its display fields.
// Availability is never touched by this method.
func (q *queries) UpsertProduct(ctx context.Context, p ProductUpsert, now time.Time) error {
	ts := q.timeArg(now)
	_, err := q.exec(ctx, `
		INSERT INTO products (asin, title, image_url, category, availability, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asin) DO UPDATE SET
			title = excluded.title,
			image_url = excluded.image_url,
			category = excluded.category,
			updated_at = excluded.updated_at`,
		p.ASIN, p.Title, p.ImageURL, p.Category, true, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upserting product %s: %w", p.ASIN, err)
	}
	return nil
}

// GetProduct returns the catalog row for asin, or nil if it does not exist.
func (q *queries) GetProduct(ctx context.Context, asin string) (*Product, error) {
	var p Product
	var created, updated nullTime
	err := q.queryRow(ctx, `
		SELECT asin, title, image_url, high_res_image_url, category, availability, created_at, updated_at
		FROM products WHERE asin = ?`, asin,
	).Scan(&p.ASIN, &p.Title, &p.ImageURL, &p.HighResImageURL, &p.Category,
		&p.Available, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting product %s: %w", asin, err)
	}
	p.CreatedAt, p.UpdatedAt = created.Time, updated.Time
	return &p, nil
}

// CountProducts returns the number of catalog rows.
func (q *queries) CountProducts(ctx context.Context) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting products: %w", err)
	}
	return n, nil
}

// SetAvailability sets the availability flag of an existing product. It returns
// false if no catalog row exists for asin.
func (q *queries) SetAvailability(ctx context.Context, asin string, available bool) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE products SET availability = ? WHERE asin = ?`, available, asin)
	if err != nil {
		return false, fmt.Errorf("setting availability for %s: %w", asin, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setting availability for %s: %w", asin, err)
	}
	return n > 0, nil
}

// RefreshHighResImages recomputes high_res_image_url for every catalog row from
// its image_url; a row without an image gets no high-res variant. It returns
// the number of rows whose value changed.
func (q *queries) RefreshHighResImages(ctx context.Context) (int, error) {
	rows, err := q.query(ctx,
		`SELECT asin, image_url, high_res_image_url FROM products`)
	if err != nil {
		return 0, fmt.Errorf("querying product images: %w", err)
	}

	type change struct {
		asin string
		url  *string
	}
	var changes []change
	for rows.Next() {
		var asin string
		var imageURL, current *string
		if err := rows.Scan(&asin, &imageURL, &current); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning product image: %w", err)
		}
		var hi *string
		if imageURL != nil {
			v := HighResImageURL(*imageURL)
			hi = &v
		}
		if !sameString(current, hi) {
			changes = append(changes, change{asin, hi})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, c := range changes {
		if _, err := q.exec(ctx,
			`UPDATE products SET high_res_image_url = ? WHERE asin = ?`, c.url, c.asin,
		); err != nil {
			return 0, fmt.Errorf("updating high-res image for %s: %w", c.asin, err)
		}
	}
	return len(changes), nil
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ObservationAges returns every available product together with the timestamp
// of its most recent price point.
func (q *queries) ObservationAges(ctx context.Context) ([]ObservationAge, error) {
	rows, err := q.query(ctx, `
		SELECT p.asin, p.title, COALESCE(p.category, ''), MAX(h.ts)
		FROM products p
		LEFT JOIN price_history h ON h.asin = p.asin
		WHERE p.availability = ?
		GROUP BY p.asin, p.title, p.category
		ORDER BY p.asin`, true)
	if err != nil {
		return nil, fmt.Errorf("querying observation ages: %w", err)
	}
	defer rows.Close()

	var out []ObservationAge
	for rows.Next() {
		var a ObservationAge
		var last nullTime
		if err := rows.Scan(&a.ASIN, &a.Title, &a.Category, &last); err != nil {
			return nil, fmt.Errorf("scanning observation age: %w", err)
		}
		a.LastSeen = last.ptr()
		out = append(out, a)
	}
	return out, rows.Err()
}
