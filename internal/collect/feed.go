package collect

import (
	"context"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/TobiSchelling/pricewatch/internal/normalize"
)

const maxPerFeed = 200

// merchantPrefix is the namespace prefix of product-feed fields such as
// <g:id> and <g:price>.
const merchantPrefix = "g"

var asinInURL = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})(?:[/?]|$)`)

// FeedEntry is a product discovered in a feed.
type FeedEntry struct {
	URL          string
	Source       string
	EnrichImages bool
	Sighting     normalize.Sighting
}

// FeedConfig represents a single feed configuration.
type FeedConfig struct {
	URL          string
	Name         string
	Category     string
	EnrichImages bool
}

// FeedParser parses RSS/Atom product feeds.
type FeedParser struct {
	feeds     []FeedConfig
	userAgent string
}

// NewFeedParser creates a new FeedParser.
func NewFeedParser(feeds []FeedConfig, userAgent string) *FeedParser {
	return &FeedParser{feeds: feeds, userAgent: userAgent}
}

// ParseAll parses every configured feed. Feeds that fail are logged and
// skipped. Items without a publication time are stamped with now.
func (fp *FeedParser) ParseAll(ctx context.Context, now time.Time) []FeedEntry {
	var all []FeedEntry

	parser := gofeed.NewParser()
	if fp.userAgent != "" {
		parser.UserAgent = fp.userAgent
	}
	for _, fc := range fp.feeds {
		if ctx.Err() != nil {
			break
		}
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}

		feed, err := parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			log.Printf("Failed to parse feed %s: %v", fc.URL, err)
			continue
		}
		entries := feedEntries(feed, fc, name, now)
		all = append(all, entries...)
		log.Printf("Parsed %d products from %s", len(entries), name)
	}

	return all
}

func feedEntries(feed *gofeed.Feed, fc FeedConfig, source string, now time.Time) []FeedEntry {
	var entries []FeedEntry
	for _, item := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		entry := parseItem(item, fc.Category, now)
		if entry == nil {
			continue
		}
		entry.Source = source
		entry.EnrichImages = fc.EnrichImages
		entries = append(entries, *entry)
	}
	return entries
}

// parseItem maps a feed item to a sighting. Items without an identifiable
// asin are dropped.
func parseItem(item *gofeed.Item, category string, now time.Time) *FeedEntry {
	asin := merchantField(item, "id")
	if asin == "" {
		asin = item.Custom["asin"]
	}
	if asin == "" {
		asin = asinFromURL(item.Link)
	}
	if asin == "" {
		asin = asinFromURL(item.GUID)
	}
	if asin == "" {
		return nil
	}

	s := normalize.Sighting{
		ASIN:     strings.TrimSpace(asin),
		Title:    strings.TrimSpace(item.Title),
		Price:    firstNonEmpty(merchantField(item, "sale_price"), merchantField(item, "price"), item.Custom["price"]),
		Discount: firstNonEmpty(merchantField(item, "discount"), item.Custom["discount"]),
		ImageURL: firstNonEmpty(merchantField(item, "image_link"), itemImage(item)),
		Category: firstNonEmpty(merchantField(item, "product_type"), firstCategory(item), category),
	}

	ts := now
	if item.PublishedParsed != nil {
		ts = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		ts = *item.UpdatedParsed
	}
	s.Timestamp = ts.UTC().Format(time.RFC3339Nano)

	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	return &FeedEntry{URL: itemURL, Sighting: s}
}

func merchantField(item *gofeed.Item, name string) string {
	fields, ok := item.Extensions[merchantPrefix]
	if !ok {
		return ""
	}
	return firstValue(fields[name])
}

func firstValue(values []ext.Extension) string {
	for _, v := range values {
		if s := strings.TrimSpace(v.Value); s != "" {
			return s
		}
	}
	return ""
}

func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}

func firstCategory(item *gofeed.Item) string {
	if len(item.Categories) > 0 {
		return strings.TrimSpace(item.Categories[0])
	}
	return ""
}

func asinFromURL(raw string) string {
	if m := asinInURL.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "shop.", "store.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		host = parts[len(parts)-2]
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
