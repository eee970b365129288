// Package pipeline runs one full tracking pass: collect, merge, plan and
// refresh.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/pricewatch/internal/collect"
	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/TobiSchelling/pricewatch/internal/etl"
	"github.com/TobiSchelling/pricewatch/internal/reconcile"
	"github.com/TobiSchelling/pricewatch/internal/schedule"
	"github.com/TobiSchelling/pricewatch/internal/source"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	RunID string
	Steps []StepResult
}

// Err returns the first step error, if any.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(s.Name), s.Err)
		}
	}
	return nil
}

// Pipeline orchestrates the tracking pass.
type Pipeline struct {
	cfg     *config.Config
	db      *database.DB
	fetcher source.Fetcher
	now     func() time.Time
}

// New creates a pipeline. A nil fetcher skips the refresh step.
func New(cfg *config.Config, db *database.DB, fetcher source.Fetcher) *Pipeline {
	return &Pipeline{cfg: cfg, db: db, fetcher: fetcher, now: time.Now}
}

// Run executes every step and records the run in run_reports. A failing ETL
// or schedule step stops the run; collection and refresh failures do not.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := &Result{RunID: uuid.NewString()}

	// The report must be written even when ctx is cancelled mid-run.
	reportCtx := context.WithoutCancel(ctx)
	if err := p.db.StartRun(reportCtx, r.RunID, "run", p.now().UTC()); err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Report", Err: err})
		return r
	}
	defer p.finish(reportCtx, r)

	log.Printf("Starting run %s", r.RunID)

	// Step 1: Collect
	r.Steps = append(r.Steps, p.runCollect(ctx))

	// Step 2: ETL
	step := p.runETL(ctx)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	// Step 3: Schedule
	plan, step := p.runSchedule(ctx)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	// Step 4: Refresh
	r.Steps = append(r.Steps, p.runRefresh(ctx, plan))
	return r
}

func (p *Pipeline) finish(ctx context.Context, r *Result) {
	status := database.RunSucceeded
	runErr := r.Err()
	if runErr != nil {
		status = database.RunFailed
	}
	summaries := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s.Err == nil {
			summaries = append(summaries, s.Name+": "+s.Summary)
		}
	}
	if err := p.db.FinishRun(ctx, r.RunID, status, strings.Join(summaries, "; "), runErr, p.now().UTC()); err != nil {
		log.Printf("Failed to record run %s: %v", r.RunID, err)
	}
}

// DryRun shows what a run would do without writing anything.
func (p *Pipeline) DryRun(ctx context.Context) *Result {
	r := &Result{}

	r.Steps = append(r.Steps, StepResult{
		Name:    "Collect",
		Summary: fmt.Sprintf("[dry-run] %d product feeds configured", len(p.cfg.Sources.Feeds)),
	})

	pending, err := p.db.CountPending(ctx)
	r.Steps = append(r.Steps, StepResult{
		Name:    "ETL",
		Summary: fmt.Sprintf("[dry-run] %d staged records await processing", pending),
		Err:     err,
	})

	plan, step := p.runSchedule(ctx)
	if step.Err == nil {
		step.Summary = fmt.Sprintf("[dry-run] %d eligible products (never=%d >T4=%d >T3=%d >T2=%d >T1=%d), %d would be refreshed",
			eligible(plan), plan.BucketSizes[schedule.BucketNever], plan.BucketSizes[schedule.BucketT4],
			plan.BucketSizes[schedule.BucketT3], plan.BucketSizes[schedule.BucketT2], plan.BucketSizes[schedule.BucketT1],
			len(plan.Candidates))
	}
	r.Steps = append(r.Steps, step)

	summary := "[dry-run] No product source configured, refresh would be skipped"
	if p.fetcher != nil {
		summary = "[dry-run] Would re-fetch the candidates above"
	}
	r.Steps = append(r.Steps, StepResult{Name: "Refresh", Summary: summary})
	return r
}

func (p *Pipeline) runCollect(ctx context.Context) StepResult {
	log.Println("Step 1/4: Collecting sightings...")
	result, err := collect.NewCollector(p.cfg, p.db).Collect(ctx)
	if err != nil {
		return StepResult{Name: "Collect", Err: err}
	}
	return StepResult{
		Name:    "Collect",
		Summary: fmt.Sprintf("Staged %d sightings (%d found, %d duplicates)", result.Staged, result.TotalFound, result.Duplicates),
	}
}

func (p *Pipeline) runETL(ctx context.Context) StepResult {
	log.Println("Step 2/4: Merging staged sightings...")
	result, err := etl.NewProcessor(p.db, p.cfg.ETL.BatchSize).Run(ctx)
	if err != nil {
		return StepResult{Name: "ETL", Err: err}
	}
	return StepResult{
		Name: "ETL",
		Summary: fmt.Sprintf("Merged %d records: %d products, %d new price points, %d rejected",
			result.Read, result.Products, result.PricePoints, result.Rejected),
	}
}

func (p *Pipeline) runSchedule(ctx context.Context) (*schedule.Plan, StepResult) {
	log.Println("Step 3/4: Planning refresh...")
	plan, err := schedule.New(p.db, p.cfg.Refresh).Plan(ctx)
	if err != nil {
		return nil, StepResult{Name: "Schedule", Err: err}
	}
	return plan, StepResult{
		Name:    "Schedule",
		Summary: fmt.Sprintf("Selected %d of %d eligible products", len(plan.Candidates), eligible(plan)),
	}
}

func (p *Pipeline) runRefresh(ctx context.Context, plan *schedule.Plan) StepResult {
	log.Println("Step 4/4: Refreshing prices...")
	if p.fetcher == nil {
		return StepResult{Name: "Refresh", Summary: "Skipped, no product source configured"}
	}
	if len(plan.Candidates) == 0 {
		return StepResult{Name: "Refresh", Summary: "Nothing to refresh"}
	}
	result, err := reconcile.New(p.db, p.fetcher, p.cfg.Refresh).Run(ctx, plan.Candidates)
	step := StepResult{
		Name: "Refresh",
		Summary: fmt.Sprintf("Refreshed %d products: %d found, %d not found, %d failed, %d new price points",
			result.Candidates, result.Found, result.NotFound, result.Failed, result.PricePoints),
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		step.Err = err
	}
	return step
}

func eligible(plan *schedule.Plan) int {
	n := 0
	for _, size := range plan.BucketSizes {
		n += size
	}
	return n
}
