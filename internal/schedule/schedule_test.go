package schedule

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/database"
	"github.com/shopspring/decimal"
)

var (
	now        = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day        = 24 * time.Hour
	thresholds = [4]time.Duration{1 * day, 3 * day, 7 * day, 14 * day}
)

func seen(ago time.Duration) *time.Time {
	t := now.Add(-ago)
	return &t
}

func seeded(n uint64) *rand.Rand { return rand.New(rand.NewPCG(n, n)) }

func asins(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ASIN
	}
	return out
}

func TestBucketOf(t *testing.T) {
	cases := []struct {
		last   *time.Time
		bucket int
		ok     bool
	}{
		{nil, BucketNever, true},
		{seen(20 * day), BucketT4, true},
		{seen(14*day + time.Second), BucketT4, true},
		{seen(14 * day), BucketT3, true},
		{seen(10 * day), BucketT3, true},
		{seen(5 * day), BucketT2, true},
		{seen(2 * day), BucketT1, true},
		{seen(1 * day), 0, false},
		{seen(12 * time.Hour), 0, false},
	}
	for i, c := range cases {
		b, ok := BucketOf(Entry{LastSeen: c.last}, now, thresholds)
		if ok != c.ok || (ok && b != c.bucket) {
			t.Errorf("case %d: got bucket %d ok=%v, want %d ok=%v", i, b, ok, c.bucket, c.ok)
		}
	}
}

func TestSelectScenario(t *testing.T) {
	entries := []Entry{
		{ASIN: "A"},
		{ASIN: "B", LastSeen: seen(20 * day)},
		{ASIN: "C", LastSeen: seen(2 * day)},
		{ASIN: "D", LastSeen: seen(12 * time.Hour)},
	}
	for seed := range uint64(50) {
		plan := Select(entries, now, thresholds, 10, seeded(seed))
		got := asins(plan.Candidates)
		if !slices.Contains(got, "A") || !slices.Contains(got, "B") {
			t.Fatalf("seed %d: expected A and B, got %v", seed, got)
		}
		if slices.Contains(got, "D") {
			t.Fatalf("seed %d: D is fresher than T1 and must not appear: %v", seed, got)
		}
		if plan.Fresh != 1 {
			t.Errorf("expected 1 fresh entry, got %d", plan.Fresh)
		}
	}
}

func makeEntries(prefix string, n int, last *time.Time) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{ASIN: fmt.Sprintf("%s%03d", prefix, i), LastSeen: last}
	}
	return out
}

func TestSelectBudgetBound(t *testing.T) {
	sizes := [][5]int{
		{0, 0, 0, 0, 0},
		{3, 0, 0, 0, 0},
		{200, 0, 0, 0, 0},
		{5, 40, 40, 40, 40},
		{0, 0, 0, 0, 7},
		{60, 60, 60, 60, 60},
	}
	lasts := []*time.Time{nil, seen(20 * day), seen(10 * day), seen(5 * day), seen(2 * day)}
	for _, budget := range []int{1, 4, 10, 37, 100} {
		for _, sz := range sizes {
			var entries []Entry
			total := 0
			for b, n := range sz {
				entries = append(entries, makeEntries(fmt.Sprintf("b%d-", b), n, lasts[b])...)
				total += n
			}
			plan := Select(entries, now, thresholds, budget, seeded(uint64(budget)))
			if len(plan.Candidates) > min(budget, total) {
				t.Errorf("budget %d sizes %v: %d candidates exceed bound", budget, sz, len(plan.Candidates))
			}
			// Whenever eligible work exceeds budget, the budget is used fully.
			if len(plan.Candidates) != min(budget, total) {
				t.Errorf("budget %d sizes %v: expected %d candidates, got %d", budget, sz, min(budget, total), len(plan.Candidates))
			}
			seenASIN := map[string]bool{}
			for _, c := range plan.Candidates {
				if seenASIN[c.ASIN] {
					t.Fatalf("duplicate candidate %s", c.ASIN)
				}
				seenASIN[c.ASIN] = true
			}
		}
	}
}

func TestSelectCoversNeverObserved(t *testing.T) {
	budget := 20
	entries := append(makeEntries("new", budget/2, nil), makeEntries("old", 50, seen(30*day))...)
	entries = append(entries, makeEntries("mid", 50, seen(5*day))...)
	for seed := range uint64(20) {
		plan := Select(entries, now, thresholds, budget, seeded(seed))
		count := 0
		for _, c := range plan.Candidates {
			if c.Bucket == BucketNever {
				count++
			}
		}
		if count != budget/2 {
			t.Fatalf("seed %d: expected all %d never-observed products, got %d", seed, budget/2, count)
		}
	}
}

func TestSelectQuotas(t *testing.T) {
	entries := append(makeEntries("n", 100, nil), makeEntries("o", 100, seen(20*day))...)
	entries = append(entries, makeEntries("m", 100, seen(10*day))...)
	plan := Select(entries, now, thresholds, 100, seeded(1))

	// 100 budget: never takes 50, >T4 takes max(10, 50/3)=16, >T3 takes max(5, 34/3)=11,
	// leaving 23 which the empty buckets cannot use and backfill spends.
	want := [numBuckets]int{50, 16, 11, 0, 0}
	if plan.Taken != want {
		t.Errorf("expected takes %v, got %v", want, plan.Taken)
	}
	if plan.Backfilled != 23 {
		t.Errorf("expected 23 backfilled, got %d", plan.Backfilled)
	}
	if len(plan.Candidates) != 100 {
		t.Errorf("expected 100 candidates, got %d", len(plan.Candidates))
	}
}

func TestSelectDeterministicWithSeed(t *testing.T) {
	entries := append(makeEntries("n", 30, nil), makeEntries("o", 30, seen(20*day))...)
	a := asins(Select(entries, now, thresholds, 15, seeded(42)).Candidates)
	b := asins(Select(entries, now, thresholds, 15, seeded(42)).Candidates)
	if !slices.Equal(a, b) {
		t.Errorf("expected identical plans for the same seed:\n%v\n%v", a, b)
	}
}

func TestSelectZeroBudget(t *testing.T) {
	plan := Select(makeEntries("n", 5, nil), now, thresholds, 0, seeded(1))
	if len(plan.Candidates) != 0 {
		t.Errorf("expected no candidates, got %d", len(plan.Candidates))
	}
}

func TestSample(t *testing.T) {
	items := []Candidate{{ASIN: "a"}, {ASIN: "b"}, {ASIN: "c"}, {ASIN: "d"}}
	picked, rest := sample(items, 3, seeded(7))
	if len(picked) != 3 || len(rest) != 1 {
		t.Fatalf("expected 3/1 split, got %d/%d", len(picked), len(rest))
	}
	all := append(asins(picked), asins(rest)...)
	slices.Sort(all)
	if !slices.Equal(all, []string{"a", "b", "c", "d"}) {
		t.Errorf("sample lost or duplicated items: %v", all)
	}
	if items[0].ASIN != "a" || items[3].ASIN != "d" {
		t.Error("sample must not reorder its input")
	}
}

func TestSchedulerPlanFromDatabase(t *testing.T) {
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	for _, asin := range []string{"A", "B", "C", "D", "E"} {
		db.UpsertProduct(ctx, database.ProductUpsert{ASIN: asin, Title: "Product " + asin}, now)
	}
	db.InsertPricePoint(ctx, database.PricePoint{ASIN: "B", Price: decimal.NewFromInt(1), TS: now.Add(-20 * day)})
	db.InsertPricePoint(ctx, database.PricePoint{ASIN: "C", Price: decimal.NewFromInt(1), TS: now.Add(-2 * day)})
	db.InsertPricePoint(ctx, database.PricePoint{ASIN: "D", Price: decimal.NewFromInt(1), TS: now.Add(-12 * time.Hour)})
	db.SetAvailability(ctx, "E", false)

	seed := int64(3)
	cfg := config.Refresh{Budget: 10, ThresholdsDays: []float64{1, 3, 7, 14}, Seed: &seed}
	s := New(db, cfg)
	s.now = func() time.Time { return now }

	plan, err := s.Plan(ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := asins(plan.Candidates)
	slices.Sort(got)
	if !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("expected A, B, C, got %v", got)
	}
	for _, c := range plan.Candidates {
		if c.Title != "Product "+c.ASIN {
			t.Errorf("expected title carried through, got %q", c.Title)
		}
	}
}
