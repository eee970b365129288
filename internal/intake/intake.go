// Package intake stages raw product sightings and hands unconsumed ones to the ETL.
package intake

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/TobiSchelling/pricewatch/internal/normalize"
)

// Outcome reports what Stage did with a sighting.
type Outcome int

const (
	Staged Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate, skipped"
	}
	return "staged"
}

// Receipt identifies the staging row written by Stage. ID is 0 for duplicates.
type Receipt struct {
	ID      int64
	Outcome Outcome
}

// Store is the staging surface used by intake. *database.DB and *database.Tx
// both satisfy it.
type Store interface {
	InsertRaw(ctx context.Context, r database.StagedRecord) (int64, error)
	PendingRaw(ctx context.Context, limit int) ([]database.StagedRecord, error)
	PendingRawAfter(ctx context.Context, scrapedAt time.Time, id int64, limit int) ([]database.StagedRecord, error)
}

// pageSize bounds how many rows Pending pulls per query.
const pageSize = 100

// Stage stores payload verbatim with its scrape timestamp. A sighting whose
// (asin, scraped_at) pair is already staged is skipped and reported as Duplicate.
// Intake assumes a single writer.
func Stage(ctx context.Context, store Store, payload []byte, scrapedAt time.Time) (Receipt, error) {
	rec := database.StagedRecord{
		Payload:   string(payload),
		ScrapedAt: scrapedAt.UTC(),
		StagedAt:  time.Now().UTC(),
	}
	// Undecodable payloads are still kept for audit; the ETL rejects them.
	if s, err := normalize.Decode(payload); err == nil {
		rec.ASIN = strings.TrimSpace(s.ASIN)
		rec.RawPrice = optional(s.Price)
		rec.RawDiscount = optional(s.Discount)
		rec.RawImageURL = optional(s.ImageURL)
	}

	id, err := store.InsertRaw(ctx, rec)
	if err != nil {
		return Receipt{}, err
	}
	if id == 0 {
		log.Printf("Skipping duplicate record for %s at %s", rec.ASIN, rec.ScrapedAt.Format(time.RFC3339))
		return Receipt{Outcome: Duplicate}, nil
	}
	return Receipt{ID: id, Outcome: Staged}, nil
}

// StageSighting stages s. A decoded sighting is stored with the exact bytes it
// was decoded from; one built in code is stored in its canonical encoding.
// The scrape time comes from the sighting's own timestamp, falling back to now
// when it is missing or unparsable.
func StageSighting(ctx context.Context, store Store, s normalize.Sighting) (Receipt, error) {
	scrapedAt, ok := normalize.ParseTimestamp(s.Timestamp)
	if !ok {
		scrapedAt = time.Now().UTC()
	}
	payload, err := s.Payload()
	if err != nil {
		return Receipt{}, fmt.Errorf("encoding sighting %s: %w", s.ASIN, err)
	}
	return Stage(ctx, store, payload, scrapedAt)
}

// Pending yields up to batchSize unconsumed records ordered by scrape time.
// Rows are fetched lazily in pages; ranging over the sequence again starts
// from the oldest unconsumed record.
func Pending(ctx context.Context, store Store, batchSize int) iter.Seq2[database.StagedRecord, error] {
	return func(yield func(database.StagedRecord, error) bool) {
		remaining := batchSize
		var last *database.StagedRecord
		for remaining > 0 {
			limit := min(remaining, pageSize)
			var (
				page []database.StagedRecord
				err  error
			)
			if last == nil {
				page, err = store.PendingRaw(ctx, limit)
			} else {
				page, err = store.PendingRawAfter(ctx, last.ScrapedAt, last.ID, limit)
			}
			if err != nil {
				yield(database.StagedRecord{}, err)
				return
			}
			for i := range page {
				if !yield(page[i], nil) {
					return
				}
			}
			if len(page) < limit {
				return
			}
			remaining -= len(page)
			last = &page[len(page)-1]
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
