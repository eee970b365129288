package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/database"
)

const productFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:g="http://base.google.com/ns/1.0">
<channel>
<title>Deals</title>
<link>https://shop.example.com</link>
<description>Popular products</description>
<item>
  <title>Wireless Earbuds</title>
  <link>https://shop.example.com/p/earbuds</link>
  <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
  <g:id>B0EARBUDS1</g:id>
  <g:price>₹1,299</g:price>
  <g:image_link>https://img.example.com/I/61x._AC_UY218_.jpg</g:image_link>
  <g:product_type>audio</g:product_type>
</item>
<item>
  <title>Desk Lamp</title>
  <link>https://www.example.com/Desk-Lamp/dp/B0DESKLAMP/ref=sr_1_1</link>
  <category>lighting</category>
  <g:price>$24.50</g:price>
</item>
<item>
  <title>Gift Card</title>
  <link>https://shop.example.com/gift</link>
</item>
</channel>
</rss>`

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var now = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func TestFeedEntries(t *testing.T) {
	feed, err := gofeed.NewParser().ParseString(productFeed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries := feedEntries(feed, FeedConfig{Category: "deals"}, "Example", now)
	if len(entries) != 2 {
		t.Fatalf("expected 2 products, got %d", len(entries))
	}

	e := entries[0].Sighting
	if e.ASIN != "B0EARBUDS1" || e.Price != "₹1,299" || e.Category != "audio" {
		t.Errorf("unexpected first sighting %+v", e)
	}
	if e.ImageURL != "https://img.example.com/I/61x._AC_UY218_.jpg" {
		t.Errorf("unexpected image %q", e.ImageURL)
	}
	if e.Timestamp != "2024-01-01T10:00:00Z" {
		t.Errorf("expected publication time, got %q", e.Timestamp)
	}

	e = entries[1].Sighting
	if e.ASIN != "B0DESKLAMP" || e.Category != "lighting" {
		t.Errorf("expected asin from link and item category, got %+v", e)
	}
	if e.Timestamp != now.Format(time.RFC3339Nano) {
		t.Errorf("expected collection time, got %q", e.Timestamp)
	}
	if entries[1].Source != "Example" {
		t.Errorf("unexpected source %q", entries[1].Source)
	}
}

func TestExtractSourceName(t *testing.T) {
	cases := map[string]string{
		"https://www.amazon.in/feeds/popular.xml": "Amazon",
		"https://shop.example.com/rss":            "Example",
		"not a url":                               "not a url",
	}
	for in, want := range cases {
		if got := extractSourceName(in); got != want {
			t.Errorf("extractSourceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCollectStagesFeedProducts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, productFeed)
	}))
	defer srv.Close()

	db := openTestDB(t)
	cfg := config.Default()
	cfg.Sources.Feeds = []config.Feed{{URL: srv.URL, Name: "Deals"}}
	c := NewCollector(cfg, db)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	r, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TotalFound != 2 || r.Staged != 2 || r.Sources["Deals"] != 2 {
		t.Errorf("unexpected result %+v", r)
	}

	r, err = c.Collect(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Duplicates != 2 || r.Staged != 0 {
		t.Errorf("expected second collection to be all duplicates, got %+v", r)
	}
	if n, _ := db.CountPending(ctx); n != 2 {
		t.Errorf("expected 2 pending rows, got %d", n)
	}
}

func TestCollectWithoutFeeds(t *testing.T) {
	cfg := config.Default()
	cfg.Sources.Feeds = nil
	r, err := NewCollector(cfg, openTestDB(t)).Collect(context.Background())
	if err != nil || r.TotalFound != 0 {
		t.Errorf("expected empty result, got %+v, %v", r, err)
	}
}

func TestImportFile(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sightings.json")
	data := `[
		{"asin":"A1","title":"Kettle","price":"$25","timestamp":"2024-01-01T10:00:00Z"},
		{"asin":"A1","title":"Kettle","price":"$25","timestamp":"2024-01-01T10:00:00Z"},
		{"asin":"A2","title":"Toaster","price":"$30","image":"https://img/x.jpg","timestamp":"2024-01-01T11:00:00Z"},
		{"asin":{"nested":true}}
	]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := ImportFile(ctx, db, path)
	if err == nil {
		t.Error("expected the undecodable element to be reported")
	}
	if r == nil || r.Staged != 2 || r.Duplicates != 1 {
		t.Fatalf("unexpected result %+v", r)
	}
	if n, _ := db.CountStaged(ctx, "A2"); n != 1 {
		t.Errorf("expected A2 staged once, got %d", n)
	}
}

func TestImportFileStagesElementsVerbatim(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	elem := `{"asin":"B1","title":"Lamp","price":1299,"rating":4.5,"url":"https://shop/x","image":"https://i/x.jpg","timestamp":"2024-01-01T10:00:00Z"}`
	path := filepath.Join(t.TempDir(), "sightings.json")
	if err := os.WriteFile(path, []byte("[\n  "+elem+"\n]"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ImportFile(ctx, db, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, err := db.PendingRaw(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 staged record, got %d", len(pending))
	}
	if pending[0].Payload != elem {
		t.Errorf("expected payload stored as given\nwant %s\ngot  %s", elem, pending[0].Payload)
	}
	if pending[0].RawImageURL == nil || *pending[0].RawImageURL != "https://i/x.jpg" {
		t.Errorf("expected image column from alias, got %v", pending[0].RawImageURL)
	}
}
