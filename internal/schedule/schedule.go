package schedule

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/database"
)

// Catalog supplies the observation ages of available products.
type Catalog interface {
	ObservationAges(ctx context.Context) ([]database.ObservationAge, error)
}

// Scheduler plans refresh runs from catalog state.
type Scheduler struct {
	catalog    Catalog
	thresholds [4]time.Duration
	budget     int
	rng        *rand.Rand
	now        func() time.Time
}

// New creates a scheduler from the refresh config. A configured seed makes
// every plan reproducible.
func New(catalog Catalog, cfg config.Refresh) *Scheduler {
	return &Scheduler{
		catalog:    catalog,
		thresholds: cfg.Thresholds(),
		budget:     cfg.Budget,
		rng:        NewRand(cfg.Seed),
		now:        time.Now,
	}
}

// NewRand returns a PCG source seeded from seed, or from the clock when nil.
func NewRand(seed *int64) *rand.Rand {
	if seed != nil {
		s := uint64(*seed)
		return rand.New(rand.NewPCG(s, s))
	}
	return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
}

// Plan loads the catalog and selects the next refresh candidates.
func (s *Scheduler) Plan(ctx context.Context) (*Plan, error) {
	ages, err := s.catalog.ObservationAges(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading catalog state: %w", err)
	}

	entries := make([]Entry, len(ages))
	for i, a := range ages {
		entries[i] = Entry{ASIN: a.ASIN, Title: a.Title, Category: a.Category, LastSeen: a.LastSeen}
	}

	plan := Select(entries, s.now().UTC(), s.thresholds, s.budget, s.rng)
	log.Printf("Found %d products that need price updates (never=%d >T4=%d >T3=%d >T2=%d >T1=%d, fresh=%d, backfilled=%d)",
		len(plan.Candidates),
		plan.BucketSizes[BucketNever], plan.BucketSizes[BucketT4], plan.BucketSizes[BucketT3],
		plan.BucketSizes[BucketT2], plan.BucketSizes[BucketT1], plan.Fresh, plan.Backfilled)
	return plan, nil
}
