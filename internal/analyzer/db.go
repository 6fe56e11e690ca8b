package analyzer

import (
	"context"

	"github.com/mattercrawl/engine/internal/coordinates"
	"github.com/mattercrawl/engine/internal/domain"
	"github.com/mattercrawl/engine/internal/planner"
	"github.com/mattercrawl/engine/internal/repository"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

// CoverageReader is the slice of the repository the analyzer reads.
type CoverageReader interface {
	CoverageSummary(ctx context.Context) ([]repository.PageCoverage, error)
	CountByPages(ctx context.Context) (int, error)
	CountDistinctURLs(ctx context.Context) (int, error)
	QualityStats(ctx context.Context) (repository.QualityStats, error)
	LatestResults(ctx context.Context, limit int) ([]domain.CrawlingSessionResult, error)
}

// DbAnalyzer derives the DbReport from existing coverage.
type DbAnalyzer struct {
	repo   CoverageReader
	logger *telemetrylog.Logger
}

// NewDbAnalyzer builds an analyzer over repo.
func NewDbAnalyzer(repo CoverageReader, logger *telemetrylog.Logger) *DbAnalyzer {
	return &DbAnalyzer{repo: repo, logger: logger}
}

// recentResultsWindow bounds how far back error-rate history reaches.
const recentResultsWindow = 20

// Analyze reads coverage, cross-checks the two counting paths, and folds
// everything into a DbReport. LastCrawledPage is -1 when no canonical page
// is complete yet.
func (a *DbAnalyzer) Analyze(ctx context.Context) (planner.DbReport, error) {
	coverage, err := a.repo.CoverageSummary(ctx)
	if err != nil {
		return planner.DbReport{}, err
	}

	occupancy := make(map[int]int, len(coverage))
	maxComplete := -1
	for _, pc := range coverage {
		occupancy[pc.PageID] = pc.Items
		if pc.Items >= coordinates.PageCapacity && pc.PageID > maxComplete {
			maxComplete = pc.PageID
		}
	}

	// last_crawled_page: the last canonical page in the contiguous fully
	// occupied run starting at 0.
	lastCrawled := -1
	for occupancy[lastCrawled+1] >= coordinates.PageCapacity {
		lastCrawled++
	}

	// missing_pages: every canonical page below the last complete one with
	// fewer than C items, absent pages included.
	var missing []int
	for c := 0; c < maxComplete; c++ {
		if occupancy[c] < coordinates.PageCapacity {
			missing = append(missing, c)
		}
	}

	byPages, err := a.repo.CountByPages(ctx)
	if err != nil {
		return planner.DbReport{}, err
	}
	byURLs, err := a.repo.CountDistinctURLs(ctx)
	if err != nil {
		return planner.DbReport{}, err
	}
	total := byPages
	if byURLs > total {
		total = byURLs
	}

	quality, err := a.repo.QualityStats(ctx)
	if err != nil {
		return planner.DbReport{}, err
	}

	recentErrors, attempts, err := a.recentHistory(ctx)
	if err != nil {
		return planner.DbReport{}, err
	}

	report := planner.DbReport{
		LastCrawledPage:  lastCrawled,
		MissingPages:     missing,
		RecentErrorCount: recentErrors,
		TotalAttempts:    attempts,
		DataQualityScore: qualityScore(quality, byPages, byURLs, total),
	}
	a.logger.Info("db report", telemetrylog.Fields{
		"last_crawled_page": lastCrawled,
		"missing_pages":     len(missing),
		"total_products":    total,
		"quality_score":     report.DataQualityScore,
	})
	return report, nil
}

func (a *DbAnalyzer) recentHistory(ctx context.Context) (errors, attempts int, err error) {
	results, err := a.repo.LatestResults(ctx, recentResultsWindow)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range results {
		errors += r.ErrorsCount
		attempts += r.ProductsFound + r.DetailsFetched + r.ErrorsCount
	}
	return errors, attempts, nil
}

// qualityScore starts from field completeness and is degraded further when
// the two counting paths disagree, proportionally to the discrepancy.
func qualityScore(q repository.QualityStats, byPages, byURLs, total int) float64 {
	if q.TotalProducts == 0 {
		return 1.0
	}
	missingFields := q.MissingManufacturer + q.MissingModel + q.MissingCertificate
	completeness := 1.0 - float64(missingFields)/float64(3*q.TotalProducts)

	if total > 0 && byPages != byURLs {
		diff := byPages - byURLs
		if diff < 0 {
			diff = -diff
		}
		completeness *= 1.0 - float64(diff)/float64(total)
	}
	if completeness < 0 {
		completeness = 0
	}
	return completeness
}
