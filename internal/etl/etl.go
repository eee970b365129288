// Package etl merges staged sightings into the product catalog and the
// append-only price history.
package etl

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/TobiSchelling/pricewatch/internal/intake"
	"github.com/TobiSchelling/pricewatch/internal/normalize"
)

// Writer is everything a merge writes to. *database.Tx satisfies it.
type Writer interface {
	CatalogWriter
	HistoryWriter
	MarkConsumed(ctx context.Context, ids []int64) error
}

// Result holds the counts of one or more merged batches.
type Result struct {
	Batches        int
	Read           int
	Rejected       int
	Products       int
	PricePoints    int
	ExistingPoints int
	NoPricePoint   int
	HighResUpdated int
}

func (r *Result) add(o Result) {
	r.Batches += o.Batches
	r.Read += o.Read
	r.Rejected += o.Rejected
	r.Products += o.Products
	r.PricePoints += o.PricePoints
	r.ExistingPoints += o.ExistingPoints
	r.NoPricePoint += o.NoPricePoint
	r.HighResUpdated += o.HighResUpdated
}

// Merge upserts the catalog, appends price points and marks the staging rows
// in consumed as processed. Callers run it inside one transaction so a failure
// leaves every staging row unconsumed.
func Merge(ctx context.Context, w Writer, records []normalize.Record, consumed []int64, now time.Time) (Result, error) {
	var res Result

	cat, err := UpsertCatalog(ctx, w, records, now)
	if err != nil {
		return res, fmt.Errorf("upserting catalog: %w", err)
	}
	res.Products = cat.Upserted
	res.HighResUpdated = cat.HighResUpdated

	var points []database.PricePoint
	for _, r := range records {
		if p, ok := PricePoint(r); ok {
			points = append(points, p)
		} else {
			res.NoPricePoint++
		}
	}
	hist, err := AppendHistory(ctx, w, points)
	if err != nil {
		return res, fmt.Errorf("appending history: %w", err)
	}
	res.PricePoints = hist.Inserted
	res.ExistingPoints = hist.Existing

	if len(consumed) > 0 {
		if err := w.MarkConsumed(ctx, consumed); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Processor drains staging into the catalog in bounded batches.
type Processor struct {
	db        *database.DB
	batchSize int
	now       func() time.Time
}

// NewProcessor creates a processor that reads at most batchSize records per batch.
func NewProcessor(db *database.DB, batchSize int) *Processor {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Processor{db: db, batchSize: batchSize, now: time.Now}
}

// RunBatch merges one batch of unconsumed records. All writes for the batch
// commit together; on error no record is marked consumed.
func (p *Processor) RunBatch(ctx context.Context) (Result, error) {
	var staged []database.StagedRecord
	for rec, err := range intake.Pending(ctx, p.db, p.batchSize) {
		if err != nil {
			return Result{}, fmt.Errorf("reading staging: %w", err)
		}
		staged = append(staged, rec)
	}
	if len(staged) == 0 {
		return Result{}, nil
	}

	records, ids, rejected := parseStaged(staged)

	var res Result
	err := p.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		res, err = Merge(ctx, tx, records, ids, p.now().UTC())
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("merging batch: %w", err)
	}
	res.Batches = 1
	res.Read = len(staged)
	res.Rejected = rejected
	return res, nil
}

// Run merges batches until staging holds no unconsumed records.
func (p *Processor) Run(ctx context.Context) (Result, error) {
	var total Result
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := p.RunBatch(ctx)
		if err != nil {
			return total, err
		}
		total.add(res)
		if res.Read < p.batchSize {
			break
		}
	}
	log.Printf("ETL: %d records in %d batches, %d products, %d new price points, %d rejected",
		total.Read, total.Batches, total.Products, total.PricePoints, total.Rejected)
	return total, nil
}

// Ingest stages s and merges it in the same transaction, so the sighting is
// either fully recorded and consumed or not recorded at all.
func (p *Processor) Ingest(ctx context.Context, s normalize.Sighting) (intake.Receipt, Result, error) {
	var (
		rc  intake.Receipt
		res Result
	)
	err := p.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		rc, res, err = IngestTx(ctx, tx, s, p.now().UTC())
		return err
	})
	if err != nil {
		return intake.Receipt{}, Result{}, err
	}
	return rc, res, nil
}

// IngestTx stages s and merges it using tx. A sighting that was already staged
// is still merged; the merge is idempotent.
func IngestTx(ctx context.Context, tx *database.Tx, s normalize.Sighting, now time.Time) (intake.Receipt, Result, error) {
	rec, err := normalize.Normalize(s)
	if err != nil {
		return intake.Receipt{}, Result{}, err
	}
	rc, err := intake.StageSighting(ctx, tx, s)
	if err != nil {
		return intake.Receipt{}, Result{}, fmt.Errorf("staging %s: %w", rec.ASIN, err)
	}
	var ids []int64
	if rc.ID != 0 {
		ids = append(ids, rc.ID)
	}
	res, err := Merge(ctx, tx, []normalize.Record{rec}, ids, now)
	if err != nil {
		return intake.Receipt{}, Result{}, fmt.Errorf("merging %s: %w", rec.ASIN, err)
	}
	res.Read = 1
	return rc, res, nil
}

// Pending returns how many staged records await processing.
func (p *Processor) Pending(ctx context.Context) (int, error) {
	return p.db.CountPending(ctx)
}

// parseStaged normalizes staged rows. Malformed rows are dropped from the
// merge but their ids are still returned so they are consumed with the batch.
func parseStaged(staged []database.StagedRecord) ([]normalize.Record, []int64, int) {
	records := make([]normalize.Record, 0, len(staged))
	ids := make([]int64, 0, len(staged))
	rejected := 0
	for _, rec := range staged {
		ids = append(ids, rec.ID)
		s, err := normalize.Decode([]byte(rec.Payload))
		if err != nil {
			log.Printf("Rejecting staging row %d: %v", rec.ID, err)
			rejected++
			continue
		}
		r, err := normalize.Normalize(s)
		if err != nil {
			log.Printf("Rejecting staging row %d: %v", rec.ID, err)
			rejected++
			continue
		}
		records = append(records, r)
	}
	return records, ids, rejected
}
