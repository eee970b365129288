// Package schedule picks which catalogued products to re-observe on the next
// run, under a fixed budget, favouring the stalest ones.
package schedule

import (
	"math/rand/v2"
	"time"
)

// Staleness buckets, stalest first.
const (
	BucketNever = iota // never observed
	BucketT4           // older than T4
	BucketT3           // older than T3, at most T4
	BucketT2           // older than T2, at most T3
	BucketT1           // older than T1, at most T2
	numBuckets
)

// Entry is an available product and the time it was last observed.
type Entry struct {
	ASIN     string
	Title    string
	Category string
	LastSeen *time.Time
}

// Candidate is a product selected for re-fetching.
type Candidate struct {
	ASIN     string
	Title    string
	Category string
	Bucket   int
}

// Plan is the outcome of one selection.
type Plan struct {
	Candidates  []Candidate
	BucketSizes [numBuckets]int
	Taken       [numBuckets]int
	Backfilled  int
	Fresh       int // observed within T1, never eligible
}

// BucketOf returns the staleness bucket of e at now. ok is false when e was
// observed within T1.
func BucketOf(e Entry, now time.Time, thresholds [4]time.Duration) (bucket int, ok bool) {
	if e.LastSeen == nil {
		return BucketNever, true
	}
	age := now.Sub(*e.LastSeen)
	switch {
	case age > thresholds[3]:
		return BucketT4, true
	case age > thresholds[2]:
		return BucketT3, true
	case age > thresholds[1]:
		return BucketT2, true
	case age > thresholds[0]:
		return BucketT1, true
	default:
		return 0, false
	}
}

// bucket quotas: the minimum take and the share of the remaining budget.
var quotas = [numBuckets]struct {
	floor   int
	divisor int
}{
	BucketNever: {10, 2},
	BucketT4:    {10, 3},
	BucketT3:    {5, 3},
	BucketT2:    {5, 2},
	BucketT1:    {5, 1},
}

// Select buckets entries by staleness and draws at most budget candidates.
//
// Buckets are visited stalest first. Each takes min(size, max(floor,
// remaining/divisor)) items sampled without replacement, capped at what is
// left of the budget, until the budget is spent. Any budget still left is
// backfilled uniformly from the eligible entries not yet chosen. The result is
// shuffled so processing order carries no bucket bias.
func Select(entries []Entry, now time.Time, thresholds [4]time.Duration, budget int, rng *rand.Rand) *Plan {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	plan := &Plan{}
	if budget <= 0 {
		return plan
	}

	var buckets [numBuckets][]Candidate
	for _, e := range entries {
		b, ok := BucketOf(e, now, thresholds)
		if !ok {
			plan.Fresh++
			continue
		}
		buckets[b] = append(buckets[b], Candidate{ASIN: e.ASIN, Title: e.Title, Category: e.Category, Bucket: b})
	}
	for b := range buckets {
		plan.BucketSizes[b] = len(buckets[b])
	}

	var selected, leftover []Candidate
	remaining := budget
	for b := range buckets {
		if remaining <= 0 {
			leftover = append(leftover, buckets[b]...)
			continue
		}
		q := quotas[b]
		take := min(len(buckets[b]), max(q.floor, remaining/q.divisor), remaining)
		picked, rest := sample(buckets[b], take, rng)
		selected = append(selected, picked...)
		leftover = append(leftover, rest...)
		plan.Taken[b] = take
		remaining -= take
	}

	if remaining > 0 && len(leftover) > 0 {
		extra, _ := sample(leftover, min(remaining, len(leftover)), rng)
		selected = append(selected, extra...)
		plan.Backfilled = len(extra)
	}

	rng.Shuffle(len(selected), func(i, j int) {
		selected[i], selected[j] = selected[j], selected[i]
	})
	if len(selected) > budget {
		selected = selected[:budget]
	}
	plan.Candidates = selected
	return plan
}

// sample draws n items from items without replacement using a partial
// Fisher-Yates shuffle on a copy. It returns the picked items and the rest.
func sample(items []Candidate, n int, rng *rand.Rand) (picked, rest []Candidate) {
	pool := make([]Candidate, len(items))
	copy(pool, items)
	n = min(n, len(pool))
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n], pool[n:]
}
