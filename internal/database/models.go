package database

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StagedRecord is a raw sighting held in staging until the ETL consumes it.
type StagedRecord struct {
	ID          int64
	ASIN        string
	Payload     string
	RawPrice    *string
	RawDiscount *string
	RawImageURL *string
	ScrapedAt   time.Time
	Consumed    bool
	StagedAt    time.Time
}

// Product is a catalog row.
type Product struct {
	ASIN            string
	Title           string
	ImageURL        *string
	HighResImageURL *string
	Category        *string
	Available       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProductUpsert carries the display fields written by a catalog merge.
type ProductUpsert struct {
	ASIN     string
	Title    string
	ImageURL *string
	Category *string
}

// PricePoint is one append-only price observation.
type PricePoint struct {
	ID          int64
	ASIN        string
	Price       decimal.Decimal
	DiscountPct *int
	Currency    *string
	TS          time.Time
	RawPrice    *string
	RawDiscount *string
}

// ObservationAge is an available product together with the time of its most
// recent price observation. LastSeen is nil when it was never observed.
type ObservationAge struct {
	ASIN     string
	Title    string
	Category string
	LastSeen *time.Time
}

// RunReport records one CLI run.
type RunReport struct {
	ID         string
	Command    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Summary    *string
	Error      *string
}

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Stats holds database statistics.
type Stats struct {
	TotalRaw         int
	PendingRaw       int
	TotalProducts    int
	Available        int
	TotalPricePoints int
	LastRun          *RunReport
}

// PriceSpread summarizes how much a product's price has moved.
type PriceSpread struct {
	ASIN           string
	Title          string
	DistinctPrices int
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	Observations   int
}

// StaleProduct is an available product ordered by how long ago it was last seen.
type StaleProduct struct {
	ASIN     string
	Title    string
	LastSeen *time.Time
}

// timeLayout is fixed width so TEXT columns in sqlite sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// timeArg converts t into the value stored for the active driver.
func (q *queries) timeArg(t time.Time) any {
	if q.driver == DriverPostgres {
		return t.UTC()
	}
	return t.UTC().Format(timeLayout)
}

// nullTime scans a timestamp stored either natively or as TEXT.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (n *nullTime) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	n.Time, n.Valid = t.UTC(), true
	return nil
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
