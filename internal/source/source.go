// Package source re-locates known products at their origin and returns fresh
// sightings for them.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/normalize"
	"github.com/TobiSchelling/pricewatch/internal/schedule"
)

// ErrNotFound means the fetcher exhausted its retry policy without locating
// the product.
var ErrNotFound = errors.New("product not found")

// Fetcher looks up a fresh sighting for a refresh candidate. It returns
// ErrNotFound when the product cannot be located; any other error is an
// unexpected failure.
type Fetcher interface {
	Fetch(ctx context.Context, c schedule.Candidate) (*normalize.Sighting, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, c schedule.Candidate) (*normalize.Sighting, error)

func (f FetcherFunc) Fetch(ctx context.Context, c schedule.Candidate) (*normalize.Sighting, error) {
	return f(ctx, c)
}

// Static serves sightings from memory, keyed by asin.
type Static struct {
	sightings map[string]normalize.Sighting
}

// NewStatic builds a Static fetcher. Later sightings for the same asin win.
func NewStatic(sightings []normalize.Sighting) *Static {
	m := make(map[string]normalize.Sighting, len(sightings))
	for _, s := range sightings {
		m[strings.TrimSpace(s.ASIN)] = s
	}
	return &Static{sightings: m}
}

// LoadStatic reads a JSON array of sightings from path.
func LoadStatic(path string) (*Static, error) {
	sightings, err := ReadSightings(path)
	if err != nil {
		return nil, err
	}
	return NewStatic(sightings), nil
}

func (s *Static) Fetch(ctx context.Context, c schedule.Candidate) (*normalize.Sighting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found, ok := s.sightings[c.ASIN]
	if !ok {
		return nil, ErrNotFound
	}
	if found.Category == "" {
		found.Category = c.Category
	}
	if found.Timestamp == "" {
		found.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return &found, nil
}

// ReadSightings reads a JSON array of loosely-typed sightings from path.
// Elements that fail to decode are reported together after the rest are read.
func ReadSightings(path string) ([]normalize.Sighting, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	out := make([]normalize.Sighting, 0, len(raw))
	var errs []error
	for i, r := range raw {
		s, err := normalize.Decode(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("element %d: %w", i, err))
			continue
		}
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}
