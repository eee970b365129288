package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/normalize"
	"github.com/TobiSchelling/pricewatch/internal/schedule"
)

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Samsung Galaxy Tab S9 with 11-inch Display, New", "Tablet", 3)
	want := []string{"samsung", "galaxy", "tab", "tablet"}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	got = ExtractKeywords("The best mobile phone", "mobile", 3)
	if !slices.Equal(got, []string{"mobile", "phone"}) {
		t.Errorf("expected category not repeated, got %v", got)
	}

	if q := SearchQuery("Boat Airdopes 141", ""); q != "boat airdopes 141" {
		t.Errorf("unexpected query %q", q)
	}
}

func TestStaticFetcher(t *testing.T) {
	f := NewStatic([]normalize.Sighting{
		{ASIN: "A1", Title: "old", Price: "$1"},
		{ASIN: "A1", Title: "new", Price: "$2", Timestamp: "2024-01-01T10:00:00Z"},
	})
	ctx := context.Background()

	s, err := f.Fetch(ctx, schedule.Candidate{ASIN: "A1", Category: "lamps"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Title != "new" || s.Category != "lamps" {
		t.Errorf("unexpected sighting %+v", s)
	}

	if _, err := f.Fetch(ctx, schedule.Candidate{ASIN: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadSightings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	data := `[{"asin":"A","price":"₹10","timestamp":"2024-01-01T10:00:00Z"},{"asin":["bad"]},{"asin":"B","price":20}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSightings(path)
	if err == nil {
		t.Error("expected error for undecodable element")
	}
	if len(got) != 2 || got[1].Price != "20" {
		t.Errorf("expected the two good sightings, got %+v", got)
	}

	if _, err := ReadSightings(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func testFetcher(t *testing.T, url string) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(config.HTTPSource{
		BaseURL:           url,
		UserAgent:         "pricewatch-test",
		RequestsPerSecond: 1000,
		MaxRetries:        2,
		RetryDelay:        time.Millisecond,
		MaxPages:          2,
		Timeout:           5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	return f
}

const matchedResult = `{"asin":"B01","title":"Wireless Earbuds","price":19.99,"rating":4.4,"image":"https://i/e.jpg"}`

func TestHTTPFetcherFindsOnSecondPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") != "pricewatch-test" {
			t.Errorf("missing user agent")
		}
		if r.URL.Query().Get("k") != "wireless earbuds audio" {
			t.Errorf("unexpected query %q", r.URL.Query().Get("k"))
		}
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"results":[{"asin":"OTHER","price":"$1"}]}`)
		default:
			fmt.Fprint(w, `{"results":[`+matchedResult+`]}`)
		}
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL)
	fixed := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	s, err := f.Fetch(context.Background(), schedule.Candidate{ASIN: "B01", Title: "Wireless Earbuds", Category: "audio"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Price != "19.99" || s.Category != "audio" {
		t.Errorf("unexpected sighting %+v", s)
	}
	if s.Timestamp != "2024-01-01T10:00:00Z" {
		t.Errorf("expected fetch time stamped, got %q", s.Timestamp)
	}
	payload, err := s.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != matchedResult {
		t.Errorf("expected the matched result as payload\nwant %s\ngot  %s", matchedResult, payload)
	}
}

func TestHTTPFetcherNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer srv.Close()

	_, err := testFetcher(t, srv.URL).Fetch(context.Background(), schedule.Candidate{ASIN: "X", Title: "Thing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPFetcherRetriesThrottledAndChallenged(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			fmt.Fprint(w, `<html><title>Robot Check</title></html>`)
		default:
			fmt.Fprint(w, `{"results":[{"asin":"B02","price":"$5"}]}`)
		}
	}))
	defer srv.Close()

	s, err := testFetcher(t, srv.URL).Fetch(context.Background(), schedule.Candidate{ASIN: "B02", Title: "Lamp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ASIN != "B02" {
		t.Errorf("unexpected sighting %+v", s)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPFetcherExhaustedRetriesIsNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testFetcher(t, srv.URL).Fetch(context.Background(), schedule.Candidate{ASIN: "B03", Title: "Desk"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after retries, got %v", err)
	}
	// 2 pages x (1 attempt + 2 retries)
	if calls.Load() != 6 {
		t.Errorf("expected 6 calls, got %d", calls.Load())
	}
}

func TestHTTPFetcherCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testFetcher(t, srv.URL).Fetch(ctx, schedule.Candidate{ASIN: "B04", Title: "Chair"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewHTTPFetcherRejectsBadURL(t *testing.T) {
	if _, err := NewHTTPFetcher(config.HTTPSource{BaseURL: "not a url"}); err == nil {
		t.Error("expected error for invalid base url")
	}
}

func TestHTTPFetcherWaitSpacesRequests(t *testing.T) {
	f, err := NewHTTPFetcher(config.HTTPSource{BaseURL: "http://shop.test", RequestsPerSecond: 20})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	start := time.Now()
	for range 3 {
		if err := f.wait(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond || elapsed > time.Second {
		t.Errorf("expected 3 requests at 20/s to take about 100ms, took %s", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := f.wait(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled while throttled, got %v", err)
	}
}
