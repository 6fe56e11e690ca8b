// Package analyzer gathers the planner's two inputs: a SiteStatus observed
// live from the target site, and a DbReport derived from existing coverage
// in the repository. Neither sub-service makes decisions; they only
// measure.
package analyzer

import (
	"context"
	"time"

	"github.com/mattercrawl/engine/internal/htmlparse"
	"github.com/mattercrawl/engine/internal/planner"
	"github.com/mattercrawl/engine/internal/siteclient"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

// ListFetcher is the slice of the site client the checker needs.
type ListFetcher interface {
	FetchListPage(ctx context.Context, page int) (siteclient.FetchResult, error)
	ListPageURL(page int) string
}

// SiteStatusChecker measures the target site's scale and responsiveness.
type SiteStatusChecker struct {
	fetcher ListFetcher
	logger  *telemetrylog.Logger
}

// NewSiteStatusChecker builds a checker over fetcher.
func NewSiteStatusChecker(fetcher ListFetcher, logger *telemetrylog.Logger) *SiteStatusChecker {
	return &SiteStatusChecker{fetcher: fetcher, logger: logger}
}

// Check fetches the landing page and the last page, and derives the site's
// scale. It always returns a usable SiteStatus: on any failure the status
// is marked inaccessible and the underlying error is returned beside it.
func (c *SiteStatusChecker) Check(ctx context.Context) (planner.SiteStatus, error) {
	landing, err := c.fetcher.FetchListPage(ctx, 1)
	if err != nil {
		c.logger.Warn("landing page fetch failed", telemetrylog.Fields{"error": err.Error()})
		return planner.SiteStatus{IsAccessible: false}, err
	}

	totalPages, err := htmlparse.DiscoverTotalPages(landing.HTML)
	if err != nil {
		return planner.SiteStatus{IsAccessible: false}, err
	}

	var (
		lastPageItems int
		latencies     = []time.Duration{landing.Latency}
	)
	if totalPages == 1 {
		links, err := htmlparse.ExtractProductLinks(landing.HTML, c.fetcher.ListPageURL(1))
		if err != nil {
			return planner.SiteStatus{IsAccessible: false}, err
		}
		lastPageItems = len(links)
	} else {
		last, err := c.fetcher.FetchListPage(ctx, totalPages)
		if err != nil {
			c.logger.Warn("last page fetch failed", telemetrylog.Fields{"page": totalPages, "error": err.Error()})
			return planner.SiteStatus{IsAccessible: false}, err
		}
		latencies = append(latencies, last.Latency)
		links, err := htmlparse.ExtractProductLinks(last.HTML, c.fetcher.ListPageURL(totalPages))
		if err != nil {
			return planner.SiteStatus{IsAccessible: false}, err
		}
		lastPageItems = len(links)
	}

	avg := avgMillis(latencies)
	status := planner.SiteStatus{
		IsAccessible:      true,
		TotalPages:        totalPages,
		ItemsOnLastPage:   lastPageItems,
		AvgResponseTimeMs: avg,
		ServerLoadLevel:   loadLevel(avg, landing.RetryAfter),
	}
	c.logger.Info("site status", telemetrylog.Fields{
		"total_pages": totalPages, "items_on_last_page": lastPageItems, "avg_response_ms": avg,
	})
	return status, nil
}

func avgMillis(latencies []time.Duration) int {
	if len(latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	return int(sum.Milliseconds()) / len(latencies)
}

// loadLevel folds latency and an explicit Retry-After hint into [0, 1].
// Latency saturates at 3s; a Retry-After header pins the level high
// regardless of latency.
func loadLevel(avgMs int, retryAfter time.Duration) float64 {
	if retryAfter > 0 {
		return 1.0
	}
	level := float64(avgMs) / 3000.0
	if level > 1 {
		level = 1
	}
	return level
}
