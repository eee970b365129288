// Package report summarizes catalog health as markdown, optionally rendered
// to a standalone HTML page.
package report

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/pricewatch/internal/database"
)

//go:embed templates/report.html
var templateFS embed.FS

var (
	md   = goldmark.New(goldmark.WithExtensions(extension.Table))
	page = template.Must(template.ParseFS(templateFS, "templates/report.html"))
)

// Source is the read surface a report is built from.
type Source interface {
	GetStats(ctx context.Context) (*database.Stats, error)
	TopPriceSpreads(ctx context.Context, limit int) ([]database.PriceSpread, error)
	Stalest(ctx context.Context, limit int) ([]database.StaleProduct, error)
}

// Report is a snapshot of catalog state.
type Report struct {
	GeneratedAt time.Time
	Stats       *database.Stats
	Spreads     []database.PriceSpread
	Stale       []database.StaleProduct
}

// Build gathers a report, listing at most limit products per table.
func Build(ctx context.Context, src Source, limit int, now time.Time) (*Report, error) {
	stats, err := src.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	spreads, err := src.TopPriceSpreads(ctx, limit)
	if err != nil {
		return nil, err
	}
	stale, err := src.Stalest(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &Report{GeneratedAt: now, Stats: stats, Spreads: spreads, Stale: stale}, nil
}

// Markdown renders the report as GitHub-flavored markdown.
func (r *Report) Markdown() string {
	var b strings.Builder
	s := r.Stats

	b.WriteString("# Price tracker report\n\n")
	b.WriteString("## Catalog\n\n")
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Products | %d |\n", s.TotalProducts)
	fmt.Fprintf(&b, "| Available | %d |\n", s.Available)
	fmt.Fprintf(&b, "| Price points | %d |\n", s.TotalPricePoints)
	fmt.Fprintf(&b, "| Staged records | %d (%d pending) |\n\n", s.TotalRaw, s.PendingRaw)

	b.WriteString("## Last run\n\n")
	if run := s.LastRun; run != nil {
		fmt.Fprintf(&b, "- **ID:** %s\n", run.ID)
		fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
		fmt.Fprintf(&b, "- **Started:** %s\n", run.StartedAt.Format(time.RFC3339))
		if run.FinishedAt != nil {
			fmt.Fprintf(&b, "- **Finished:** %s\n", run.FinishedAt.Format(time.RFC3339))
		}
		if run.Summary != nil && *run.Summary != "" {
			fmt.Fprintf(&b, "- **Summary:** %s\n", *run.Summary)
		}
		if run.Error != nil {
			fmt.Fprintf(&b, "- **Error:** %s\n", *run.Error)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("No runs recorded yet.\n\n")
	}

	b.WriteString("## Most volatile prices\n\n")
	if len(r.Spreads) == 0 {
		b.WriteString("No product has changed price yet.\n\n")
	} else {
		b.WriteString("| ASIN | Title | Distinct prices | Min | Max | Observations |\n|---|---|---|---|---|---|\n")
		for _, p := range r.Spreads {
			fmt.Fprintf(&b, "| %s | %s | %d | %s | %s | %d |\n",
				p.ASIN, cell(p.Title), p.DistinctPrices, p.MinPrice.StringFixed(2), p.MaxPrice.StringFixed(2), p.Observations)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Stalest products\n\n")
	if len(r.Stale) == 0 {
		b.WriteString("No available products.\n")
	} else {
		b.WriteString("| ASIN | Title | Last seen |\n|---|---|---|\n")
		for _, p := range r.Stale {
			seen := "never"
			if p.LastSeen != nil {
				seen = p.LastSeen.UTC().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", p.ASIN, cell(p.Title), seen)
		}
	}
	return b.String()
}

// HTML renders the report as a standalone page.
func (r *Report) HTML() (string, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(r.Markdown()), &body); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, map[string]any{
		"Title":       "Price tracker report",
		"Body":        template.HTML(body.String()), //nolint: gosec
		"GeneratedAt": r.GeneratedAt,
	})
	if err != nil {
		return "", fmt.Errorf("rendering page: %w", err)
	}
	return out.String(), nil
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}
