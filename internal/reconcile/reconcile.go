// Package reconcile re-fetches refresh candidates, merges what is found and
// keeps each product's availability in step with its source.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/TobiSchelling/pricewatch/internal/etl"
	"github.com/TobiSchelling/pricewatch/internal/schedule"
	"github.com/TobiSchelling/pricewatch/internal/source"
)

// Outcome is what happened to one candidate.
type Outcome int

const (
	Found Outcome = iota
	NotFound
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result counts the outcomes of a reconcile run.
type Result struct {
	Candidates  int
	Found       int
	NotFound    int
	Failed      int
	Cancelled   int
	PricePoints int
	Revived     int
	Retired     int
}

// Reconciler drives a refresh run over a bounded pool of fetch workers.
type Reconciler struct {
	db      *database.DB
	fetcher source.Fetcher
	workers int
	timeout time.Duration
	now     func() time.Time

	// writes go through one writer at a time
	mu sync.Mutex
}

// New creates a reconciler from the refresh config.
func New(db *database.DB, fetcher source.Fetcher, cfg config.Refresh) *Reconciler {
	return &Reconciler{
		db:      db,
		fetcher: fetcher,
		workers: max(cfg.Workers, 1),
		timeout: cfg.RunTimeout,
		now:     time.Now,
	}
}

// Run reconciles every candidate. Per-candidate failures are logged and
// counted; only a cancelled or timed-out run returns an error, after every
// in-flight candidate has finished.
func (r *Reconciler) Run(ctx context.Context, candidates []schedule.Candidate) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res := &Result{Candidates: len(candidates)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, c := range candidates {
		g.Go(func() error {
			out, points, avail := r.reconcile(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case Found:
				res.Found++
				res.PricePoints += points
				if avail {
					res.Revived++
				}
			case NotFound:
				res.NotFound++
				if avail {
					res.Retired++
				}
			case Failed:
				res.Failed++
			case Cancelled:
				res.Cancelled++
			}
			return nil
		})
	}
	g.Wait()

	log.Printf("Refresh: %d candidates, %d found, %d not found, %d failed, %d cancelled",
		res.Candidates, res.Found, res.NotFound, res.Failed, res.Cancelled)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("refresh run interrupted: %w", err)
	}
	return res, nil
}

// reconcile handles one candidate. It returns the outcome, the number of new
// price points and whether the availability flag changed.
func (r *Reconciler) reconcile(ctx context.Context, c schedule.Candidate) (Outcome, int, bool) {
	if ctx.Err() != nil {
		return Cancelled, 0, false
	}

	s, err := r.fetcher.Fetch(ctx, c)
	switch {
	case errors.Is(err, source.ErrNotFound):
		changed, err := r.setAvailability(ctx, c.ASIN, false)
		if err != nil {
			log.Printf("Failed to retire %s: %v", c.ASIN, err)
			return Failed, 0, false
		}
		log.Printf("%s could not be found, marked unavailable", c.ASIN)
		return NotFound, 0, changed
	case err != nil:
		if ctx.Err() != nil {
			return Cancelled, 0, false
		}
		log.Printf("Failed to fetch %s: %v", c.ASIN, err)
		return Failed, 0, false
	case s == nil || s.ASIN != c.ASIN:
		log.Printf("Fetcher returned the wrong product for %s", c.ASIN)
		return Failed, 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		merged  etl.Result
		changed bool
	)
	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		was, err := tx.GetProduct(ctx, c.ASIN)
		if err != nil {
			return err
		}
		if _, merged, err = etl.IngestTx(ctx, tx, *s, r.now().UTC()); err != nil {
			return err
		}
		if _, err := tx.SetAvailability(ctx, c.ASIN, true); err != nil {
			return err
		}
		changed = was != nil && !was.Available
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Cancelled, 0, false
		}
		log.Printf("Failed to merge %s: %v", c.ASIN, err)
		return Failed, 0, false
	}
	return Found, merged.PricePoints, changed
}

func (r *Reconciler) setAvailability(ctx context.Context, asin string, available bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed bool
	err := r.db.WithTx(ctx, func(tx *database.Tx) error {
		p, err := tx.GetProduct(ctx, asin)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%s is not in the catalog", asin)
		}
		changed = p.Available != available
		_, err = tx.SetAvailability(ctx, asin, available)
		return err
	})
	return changed, err
}
