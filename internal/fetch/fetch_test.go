package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/TobiSchelling/pricewatch/internal/normalize"
)

var productPage = `<!DOCTYPE html>
<html><head>
<title>Noise Cancelling Headphones</title>
<meta property="og:title" content="Noise Cancelling Headphones">
<meta property="og:image" content="https://img.example.com/I/81abc._AC_UY218_.jpg">
</head><body>
<article>
<h1>Noise Cancelling Headphones</h1>
<p>` + filler + `</p>
<p>` + filler + `</p>
</article>
</body></html>`

var filler = strings.Repeat("Over-ear wireless headphones with active noise cancellation and a long battery life. ", 8)

func TestEnrichFillsMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()

	s := &normalize.Sighting{ASIN: "B01", Price: "$99"}
	changed, err := NewEnricher("test", 0).Enrich(context.Background(), srv.URL+"/dp/B01", s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatal("expected sighting to be enriched")
	}
	if s.Title != "Noise Cancelling Headphones" {
		t.Errorf("unexpected title %q", s.Title)
	}
	if s.ImageURL != "https://img.example.com/I/81abc._AC_UY218_.jpg" {
		t.Errorf("unexpected image %q", s.ImageURL)
	}
}

func TestEnrichKeepsExistingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()

	s := &normalize.Sighting{ASIN: "B01", Title: "Feed title"}
	if _, err := NewEnricher("test", 0).Enrich(context.Background(), srv.URL, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Title != "Feed title" {
		t.Errorf("expected title kept, got %q", s.Title)
	}
	if s.ImageURL == "" {
		t.Error("expected image filled")
	}
}

func TestEnrichAllSkipsFailedHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	pages := []Page{
		{URL: srv.URL + "/a", Sighting: &normalize.Sighting{ASIN: "A"}},
		{URL: srv.URL + "/b", Sighting: &normalize.Sighting{ASIN: "B"}},
		{URL: srv.URL + "/c", Sighting: &normalize.Sighting{ASIN: "C", Title: "t", ImageURL: "i"}},
	}
	res := NewEnricher("test", 0).EnrichAll(context.Background(), pages)
	if res.Failed != 2 || res.Complete != 1 || res.Enriched != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one request before the host was skipped, got %d", calls.Load())
	}
}
