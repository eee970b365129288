package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"

	"github.com/TobiSchelling/pricewatch/internal/config"
	"github.com/TobiSchelling/pricewatch/internal/normalize"
	"github.com/TobiSchelling/pricewatch/internal/schedule"
)

// challengePattern spots bot walls served with a 200 status.
var challengePattern = regexp.MustCompile(`(?i)robot check|captcha|verify you are human|checking your browser`)

var (
	errRetryable = errors.New("retryable response")
	errExhausted = errors.New("retries exhausted")
)

// HTTPFetcher searches a JSON product-search endpoint for a candidate's asin.
//
// The endpoint is queried as GET {base}/search?k=<keywords>&page=<n> and must
// answer {"results": [<sighting>, ...]}.
type HTTPFetcher struct {
	client     *http.Client
	baseURL    string
	host       string
	userAgent  string
	limiter    *limiter.Limiter
	maxRetries int
	retryDelay time.Duration
	maxPages   int
	now        func() time.Time
}

// NewHTTPFetcher creates a fetcher from the http source config. Requests to
// the endpoint host are throttled to RequestsPerSecond.
func NewHTTPFetcher(cfg config.HTTPSource) (*HTTPFetcher, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base_url %q", cfg.BaseURL)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	lmt := tollbooth.NewLimiter(rps, nil)
	lmt.SetBurst(1)

	return &HTTPFetcher{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    u.String(),
		host:       u.Host,
		userAgent:  cfg.UserAgent,
		limiter:    lmt,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		maxPages:   max(cfg.MaxPages, 1),
		now:        time.Now,
	}, nil
}

type searchResponse struct {
	Results []json.RawMessage `json:"results"`
}

// Fetch walks the search result pages for c's keyword query and returns the
// first result with a matching asin.
func (f *HTTPFetcher) Fetch(ctx context.Context, c schedule.Candidate) (*normalize.Sighting, error) {
	query := SearchQuery(c.Title, c.Category)
	log.Printf("Searching for %s with query %q", c.ASIN, query)

	for page := 1; page <= f.maxPages; page++ {
		results, err := f.searchPage(ctx, query, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Printf("  page %d for %s: %v", page, c.ASIN, err)
			continue
		}
		for _, raw := range results {
			s, err := normalize.Decode(raw)
			if err != nil || s.ASIN != c.ASIN {
				continue
			}
			if s.Category == "" {
				s.Category = c.Category
			}
			if s.Timestamp == "" {
				s.Timestamp = f.now().UTC().Format(time.RFC3339Nano)
			}
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

// searchPage fetches one result page, retrying throttled, failing and
// challenged responses with a linearly growing delay.
func (f *HTTPFetcher) searchPage(ctx context.Context, query string, page int) ([]json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, f.retryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
		results, err := f.doSearch(ctx, query, page)
		if err == nil {
			return results, nil
		}
		if !errors.Is(err, errRetryable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", errExhausted, lastErr)
}

func (f *HTTPFetcher) doSearch(ctx context.Context, query string, page int) ([]json.RawMessage, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{"k": {query}, "page": {strconv.Itoa(page)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", errRetryable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	case challengePattern.Match(body):
		return nil, fmt.Errorf("%w: bot challenge", errRetryable)
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return sr.Results, nil
}

// wait blocks until the per-host limiter admits a request. A refused request
// sleeps for one token interval before asking again.
func (f *HTTPFetcher) wait(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / f.limiter.GetMax())
	for tollbooth.LimitByKeys(f.limiter, []string{f.host}) != nil {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
