package etl

import (
	"context"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/TobiSchelling/pricewatch/internal/normalize"
)

// CatalogWriter is the catalog surface needed by UpsertCatalog.
type CatalogWriter interface {
	UpsertProduct(ctx context.Context, p database.ProductUpsert, now time.Time) error
	RefreshHighResImages(ctx context.Context) (int, error)
}

// CatalogResult reports the effect of one catalog merge.
type CatalogResult struct {
	Upserted       int
	HighResUpdated int
}

// UpsertCatalog merges the display fields of records into the catalog. Records
// are deduplicated by asin with the last one winning. Once the batch is written,
// derived high-resolution image URLs are recomputed for the whole catalog.
func UpsertCatalog(ctx context.Context, w CatalogWriter, records []normalize.Record, now time.Time) (CatalogResult, error) {
	var res CatalogResult
	for _, p := range dedupeByASIN(records) {
		if err := w.UpsertProduct(ctx, p, now); err != nil {
			return res, err
		}
		res.Upserted++
	}

	n, err := w.RefreshHighResImages(ctx)
	if err != nil {
		return res, err
	}
	res.HighResUpdated = n
	return res, nil
}

func dedupeByASIN(records []normalize.Record) []database.ProductUpsert {
	index := make(map[string]int, len(records))
	var out []database.ProductUpsert
	for _, r := range records {
		p := database.ProductUpsert{
			ASIN:     r.ASIN,
			Title:    r.Title,
			ImageURL: r.ImageURL,
			Category: r.Category,
		}
		if i, ok := index[r.ASIN]; ok {
			out[i] = p
			continue
		}
		index[r.ASIN] = len(out)
		out = append(out, p)
	}
	return out
}
