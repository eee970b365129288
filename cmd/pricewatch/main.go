package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/pricewatch/internal/collect"
	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/TobiSchelling/pricewatch/internal/etl"
	"github.com/TobiSchelling/pricewatch/internal/pipeline"
	"github.com/TobiSchelling/pricewatch/internal/reconcile"
	"github.com/TobiSchelling/pricewatch/internal/report"
	"github.com/TobiSchelling/pricewatch/internal/schedule"
	"github.com/TobiSchelling/pricewatch/internal/source"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pricewatch",
	Short:   "Track product prices over time",
	Long:    "pricewatch stages product sightings, keeps a catalog and price history, and periodically re-checks the stalest products.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if strings.EqualFold(cfg.Logging.Level, "debug") {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(etlCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(reportCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pricewatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/pricewatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the store, product feeds and the search source.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog and staging status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Store: %s (%s)\n\n", db.Driver(), db.Path())
		fmt.Println("Staging:")
		fmt.Printf("  Total records: %d\n", stats.TotalRaw)
		fmt.Printf("  Pending: %d\n", stats.PendingRaw)
		fmt.Println("\nCatalog:")
		fmt.Printf("  Products: %d\n", stats.TotalProducts)
		fmt.Printf("  Available: %d\n", stats.Available)
		fmt.Printf("  Price points: %d\n", stats.TotalPricePoints)
		if run := stats.LastRun; run != nil {
			fmt.Println("\nLast run:")
			fmt.Printf("  %s %s at %s\n", run.ID, run.Status, run.StartedAt.Local().Format(time.DateTime))
			if run.Error != nil {
				fmt.Printf("  Error: %s\n", *run.Error)
			}
		}
		return nil
	},
}

// --- ingest command ---

var ingestMerge bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.json]",
	Short: "Stage sightings from a JSON array file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		result, importErr := collect.ImportFile(cmd.Context(), db, args[0])
		if result == nil {
			return importErr
		}
		fmt.Printf("Staged %d sightings (%d duplicates skipped)\n", result.Staged, result.Duplicates)
		if importErr != nil {
			fmt.Printf("Some elements were skipped:\n  %v\n", importErr)
		}

		if ingestMerge {
			res, err := etl.NewProcessor(db, cfg.ETL.BatchSize).Run(cmd.Context())
			if err != nil {
				return err
			}
			printETL(res)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestMerge, "merge", false, "Run the ETL after staging")
}

// --- collect command ---

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Stage sightings from configured product feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Println("Collecting sightings from product feeds...")
		result, err := collect.NewCollector(cfg, db).Collect(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println("\nCollection complete:")
		fmt.Printf("  Total found: %d\n", result.TotalFound)
		fmt.Printf("  Staged: %d\n", result.Staged)
		fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)
		if result.Enriched > 0 {
			fmt.Printf("  Enriched from product pages: %d\n", result.Enriched)
		}

		if len(result.Sources) > 0 {
			fmt.Println("\nSightings by source:")
			type kv struct {
				key string
				val int
			}
			var sorted []kv
			for k, v := range result.Sources {
				sorted = append(sorted, kv{k, v})
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].val > sorted[j].val })
			for _, s := range sorted {
				fmt.Printf("  %s: %d\n", s.key, s.val)
			}
		}
		return nil
	},
}

// --- etl command ---

var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Merge staged sightings into the catalog and price history",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := etl.NewProcessor(db, cfg.ETL.BatchSize).Run(cmd.Context())
		if err != nil {
			return err
		}
		printETL(res)
		return nil
	},
}

func printETL(res etl.Result) {
	fmt.Println("\nETL complete:")
	fmt.Printf("  Records read: %d in %d batches\n", res.Read, res.Batches)
	fmt.Printf("  Rejected: %d\n", res.Rejected)
	fmt.Printf("  Products upserted: %d\n", res.Products)
	fmt.Printf("  New price points: %d (%d already recorded, %d without price or time)\n",
		res.PricePoints, res.ExistingPoints, res.NoPricePoint)
}

// --- schedule command ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the products the next refresh would re-check",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		plan, err := schedule.New(db, cfg.Refresh).Plan(cmd.Context())
		if err != nil {
			return err
		}
		if len(plan.Candidates) == 0 {
			fmt.Println("No products need a refresh.")
			return nil
		}
		labels := [...]string{"never", ">T4", ">T3", ">T2", ">T1"}
		for _, c := range plan.Candidates {
			fmt.Printf("  %-12s %-6s %s\n", c.ASIN, labels[c.Bucket], c.Title)
		}
		fmt.Printf("\n%d candidates (%d backfilled, %d fresh products skipped)\n",
			len(plan.Candidates), plan.Backfilled, plan.Fresh)
		return nil
	},
}

// --- refresh command ---

var sightingsPath string

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-check scheduled products and update prices and availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fetcher, err := newFetcher()
		if err != nil {
			return err
		}
		if fetcher == nil {
			return fmt.Errorf("no product source: enable sources.http or pass --sightings")
		}

		plan, err := schedule.New(db, cfg.Refresh).Plan(cmd.Context())
		if err != nil {
			return err
		}
		res, err := reconcile.New(db, fetcher, cfg.Refresh).Run(cmd.Context(), plan.Candidates)
		fmt.Println("\nRefresh complete:")
		fmt.Printf("  Candidates: %d\n", res.Candidates)
		fmt.Printf("  Found: %d (%d revived)\n", res.Found, res.Revived)
		fmt.Printf("  Not found: %d (%d newly unavailable)\n", res.NotFound, res.Retired)
		fmt.Printf("  Failed: %d\n", res.Failed)
		fmt.Printf("  New price points: %d\n", res.PricePoints)
		return err
	},
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pass: collect -> etl -> schedule -> refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fetcher, err := newFetcher()
		if err != nil {
			return err
		}
		pipe := pipeline.New(cfg, db, fetcher)

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun(cmd.Context())
		} else {
			result = pipe.Run(cmd.Context())
		}
		printSteps(result)

		if !dryRun {
			fmt.Printf("\nRun %s complete. Run 'pricewatch report' for a summary.\n", result.RunID)
		}
		return result.Err()
	},
}

func printSteps(result *pipeline.Result) {
	for i, step := range result.Steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}

// --- daemon command ---

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the full pass on the configured cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fetcher, err := newFetcher()
		if err != nil {
			return err
		}
		pipe := pipeline.New(cfg, db, fetcher)
		ctx := cmd.Context()

		c := cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.VerbosePrintfLogger(log.Default()))),
		)
		_, err = c.AddFunc(cfg.Refresh.Schedule, func() {
			result := pipe.Run(ctx)
			if err := result.Err(); err != nil {
				log.Printf("Run %s failed: %v", result.RunID, err)
				return
			}
			log.Printf("Run %s complete", result.RunID)
		})
		if err != nil {
			return fmt.Errorf("invalid refresh.schedule %q: %w", cfg.Refresh.Schedule, err)
		}

		log.Printf("Daemon started, schedule %q. Press Ctrl+C to stop", cfg.Refresh.Schedule)
		c.Start()
		<-ctx.Done()
		log.Println("Stopping, waiting for the current run to finish...")
		<-c.Stop().Done()
		return nil
	},
}

// --- report command ---

var (
	reportHTML  bool
	reportOut   string
	reportLimit int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize catalog health, price movement and staleness",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		r, err := report.Build(cmd.Context(), db, reportLimit, time.Now())
		if err != nil {
			return err
		}
		out := r.Markdown()
		if reportHTML {
			if out, err = r.HTML(); err != nil {
				return err
			}
		}

		if reportOut == "" {
			fmt.Print(out)
			return nil
		}
		if err := os.WriteFile(reportOut, []byte(out), 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Printf("Report written to %s\n", reportOut)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{refreshCmd, runCmd, daemonCmd} {
		c.Flags().StringVar(&sightingsPath, "sightings", "", "Re-check products against a JSON file of sightings instead of the http source")
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	reportCmd.Flags().BoolVar(&reportHTML, "html", false, "Render the report as HTML")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "Write the report to a file")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 10, "Products per table")
}

// newFetcher returns the product source for refreshes, or nil when none is
// configured.
func newFetcher() (source.Fetcher, error) {
	if sightingsPath != "" {
		return source.LoadStatic(sightingsPath)
	}
	if cfg.Sources.HTTP.Enabled {
		return source.NewHTTPFetcher(cfg.Sources.HTTP)
	}
	return nil, nil
}

func openDB() (*database.DB, error) {
	return database.Open(cfg.Store.Driver, cfg.StoreDSN())
}
