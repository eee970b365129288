// Package fetch fills in missing display fields of a sighting from its
// product page.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/pricewatch/internal/normalize"
)

// Result holds the results of an enrichment run.
type Result struct {
	Enriched int
	Complete int
	Failed   int
}

// Page pairs a sighting with the page it was discovered on.
type Page struct {
	URL      string
	Sighting *normalize.Sighting
}

// Enricher reads product pages and extracts their title and lead image.
type Enricher struct {
	client    *http.Client
	userAgent string
}

// NewEnricher creates an enricher. A zero timeout defaults to 15s.
func NewEnricher(userAgent string, timeout time.Duration) *Enricher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = "pricewatch/1.0"
	}
	return &Enricher{
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// EnrichAll enriches every page whose sighting lacks a title or image. After
// an HTTP error from a host, remaining pages on that host are skipped.
func (e *Enricher) EnrichAll(ctx context.Context, pages []Page) *Result {
	result := &Result{}
	failedHosts := make(map[string]struct{})

	for _, p := range pages {
		if ctx.Err() != nil {
			break
		}
		if !needsEnrichment(p.Sighting) {
			result.Complete++
			continue
		}

		host := ""
		if u, err := url.Parse(p.URL); err == nil {
			host = strings.ToLower(u.Host)
		}
		if _, failed := failedHosts[host]; failed {
			result.Failed++
			continue
		}

		changed, err := e.Enrich(ctx, p.URL, p.Sighting)
		switch {
		case err != nil:
			result.Failed++
			var he *httpError
			if errors.As(err, &he) && host != "" {
				failedHosts[host] = struct{}{}
				log.Printf("HTTP error for %s, skipping remaining pages from %s", p.URL, host)
			} else {
				log.Printf("Failed to enrich from %s: %v", p.URL, err)
			}
		case changed:
			result.Enriched++
		default:
			result.Failed++
			log.Printf("Nothing extractable from %s", p.URL)
		}
	}

	if result.Enriched+result.Failed > 0 {
		log.Printf("Enrichment complete: %d enriched, %d failed", result.Enriched, result.Failed)
	}
	return result
}

// Enrich fetches pageURL and fills s's empty title and image url from it. It
// reports whether any field was filled.
func (e *Enricher) Enrich(ctx context.Context, pageURL string, s *normalize.Sighting) (bool, error) {
	pageTitle, image, err := e.extract(ctx, pageURL)
	if err != nil {
		return false, err
	}
	changed := false
	if s.Title == "" && pageTitle != "" {
		s.Title = pageTitle
		changed = true
	}
	if s.ImageURL == "" && image != "" {
		s.ImageURL = image
		changed = true
	}
	return changed, nil
}

func (e *Enricher) extract(ctx context.Context, pageURL string) (string, string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid page url %q: %w", pageURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", &httpError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", "", err
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return "", "", fmt.Errorf("extracting %s: %w", pageURL, err)
	}
	return strings.TrimSpace(article.Title), strings.TrimSpace(article.Image), nil
}

func needsEnrichment(s *normalize.Sighting) bool {
	return s.Title == "" || s.ImageURL == ""
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, http.StatusText(e.code))
}
