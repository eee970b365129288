// Package collect discovers product sightings and stages them for the ETL.
package collect

import (
	"context"
	"log"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/fetch"
	"github.com/TobiSchelling/pricewatch/internal/intake"
	"github.com/TobiSchelling/pricewatch/internal/normalize"
	"github.com/TobiSchelling/pricewatch/internal/source"
)

// Result holds the results of a collection run.
type Result struct {
	TotalFound int
	Staged     int
	Duplicates int
	Failed     int
	Enriched   int
	Sources    map[string]int
}

// Collector stages sightings from product feeds.
type Collector struct {
	store    intake.Store
	feeds    *FeedParser
	enricher *fetch.Enricher
	now      func() time.Time
}

// NewCollector creates a collector for the configured feeds.
func NewCollector(cfg *config.Config, store intake.Store) *Collector {
	c := &Collector{
		store:    store,
		enricher: fetch.NewEnricher(cfg.Sources.HTTP.UserAgent, cfg.Sources.HTTP.Timeout),
		now:      time.Now,
	}
	if len(cfg.Sources.Feeds) > 0 {
		feeds := make([]FeedConfig, len(cfg.Sources.Feeds))
		for i, f := range cfg.Sources.Feeds {
			feeds[i] = FeedConfig{URL: f.URL, Name: f.Name, Category: f.Category, EnrichImages: f.EnrichImages}
		}
		c.feeds = NewFeedParser(feeds, cfg.Sources.HTTP.UserAgent)
	}
	return c
}

// Collect parses every feed, enriches entries from feeds that ask for it and
// stages the results. Staging errors are counted per sighting; only a
// cancelled context stops the run early.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	r := &Result{Sources: make(map[string]int)}
	if c.feeds == nil {
		log.Println("No product feeds configured")
		return r, nil
	}

	log.Println("Collecting from product feeds...")
	entries := c.feeds.ParseAll(ctx, c.now().UTC())
	r.TotalFound = len(entries)

	var pages []fetch.Page
	for i := range entries {
		if entries[i].EnrichImages && entries[i].URL != "" {
			pages = append(pages, fetch.Page{URL: entries[i].URL, Sighting: &entries[i].Sighting})
		}
	}
	if len(pages) > 0 {
		r.Enriched = c.enricher.EnrichAll(ctx, pages).Enriched
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		rc, err := intake.StageSighting(ctx, c.store, e.Sighting)
		if err != nil {
			log.Printf("Failed to stage %s from %s: %v", e.Sighting.ASIN, e.Source, err)
			r.Failed++
			continue
		}
		r.count(rc, e.Source)
	}

	log.Printf("Collection complete: %d found, %d staged, %d duplicates", r.TotalFound, r.Staged, r.Duplicates)
	return r, nil
}

// ImportFile stages every sighting in a JSON array file. Elements that fail
// to decode are skipped and reported in the returned error after the rest
// are staged.
func ImportFile(ctx context.Context, store intake.Store, path string) (*Result, error) {
	sightings, decodeErr := source.ReadSightings(path)
	if len(sightings) == 0 && decodeErr != nil {
		return nil, decodeErr
	}
	r, err := StageAll(ctx, store, sightings, path)
	if err != nil {
		return r, err
	}
	return r, decodeErr
}

// StageAll stages sightings, attributing them to sourceName.
func StageAll(ctx context.Context, store intake.Store, sightings []normalize.Sighting, sourceName string) (*Result, error) {
	r := &Result{TotalFound: len(sightings), Sources: make(map[string]int)}
	for _, s := range sightings {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		rc, err := intake.StageSighting(ctx, store, s)
		if err != nil {
			return r, err
		}
		r.count(rc, sourceName)
	}
	log.Printf("Imported %d sightings from %s: %d staged, %d duplicates", r.TotalFound, sourceName, r.Staged, r.Duplicates)
	return r, nil
}

func (r *Result) count(rc intake.Receipt, sourceName string) {
	if rc.Outcome == intake.Duplicate {
		r.Duplicates++
		return
	}
	r.Staged++
	r.Sources[sourceName]++
}
