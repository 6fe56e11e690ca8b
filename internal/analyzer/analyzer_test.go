package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattercrawl/engine/internal/domain"
	"github.com/mattercrawl/engine/internal/repository"
	"github.com/mattercrawl/engine/internal/siteclient"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

func testLogger() *telemetrylog.Logger {
	return telemetrylog.New("analyzer-test", telemetrylog.WithOutput(io.Discard))
}

type fakeFetcher struct {
	pages map[int]siteclient.FetchResult
	errs  map[int]error
}

func (f *fakeFetcher) FetchListPage(_ context.Context, page int) (siteclient.FetchResult, error) {
	if err := f.errs[page]; err != nil {
		return siteclient.FetchResult{}, err
	}
	return f.pages[page], nil
}

func (f *fakeFetcher) ListPageURL(page int) string {
	return fmt.Sprintf("https://example.org/products/page/%d", page)
}

func listHTML(products int, maxPage int) string {
	html := "<html><body>"
	for i := 0; i < products; i++ {
		html += fmt.Sprintf(`<a href="/csa_product/item-%d/">item</a>`, i)
	}
	if maxPage > 1 {
		html += fmt.Sprintf(`<a href="/products/page/%d/">last</a>`, maxPage)
	}
	return html + "</body></html>"
}

func TestSiteStatusChecker_FullyPopulated(t *testing.T) {
	f := &fakeFetcher{pages: map[int]siteclient.FetchResult{
		1: {HTML: listHTML(12, 464), Latency: 200 * time.Millisecond},
		464: {HTML: listHTML(8, 464), Latency: 400 * time.Millisecond},
	}}
	checker := NewSiteStatusChecker(f, testLogger())

	status, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsAccessible)
	require.Equal(t, 464, status.TotalPages)
	require.Equal(t, 8, status.ItemsOnLastPage)
	require.Equal(t, 300, status.AvgResponseTimeMs)
	require.InDelta(t, 0.1, status.ServerLoadLevel, 0.01)
}

func TestSiteStatusChecker_InaccessibleOnLandingFailure(t *testing.T) {
	f := &fakeFetcher{errs: map[int]error{1: errors.New("connection refused")}}
	checker := NewSiteStatusChecker(f, testLogger())

	status, err := checker.Check(context.Background())
	require.Error(t, err)
	require.False(t, status.IsAccessible)
}

type fakeRepo struct {
	coverage []repository.PageCoverage
	byPages  int
	byURLs   int
	quality  repository.QualityStats
	results  []domain.CrawlingSessionResult
}

func (f *fakeRepo) CoverageSummary(context.Context) ([]repository.PageCoverage, error) {
	return f.coverage, nil
}
func (f *fakeRepo) CountByPages(context.Context) (int, error)       { return f.byPages, nil }
func (f *fakeRepo) CountDistinctURLs(context.Context) (int, error)  { return f.byURLs, nil }
func (f *fakeRepo) QualityStats(context.Context) (repository.QualityStats, error) {
	return f.quality, nil
}
func (f *fakeRepo) LatestResults(context.Context, int) ([]domain.CrawlingSessionResult, error) {
	return f.results, nil
}

func TestDbAnalyzer_ContiguousAndMissing(t *testing.T) {
	repo := &fakeRepo{
		coverage: []repository.PageCoverage{
			{PageID: 0, Items: 12},
			{PageID: 1, Items: 12},
			{PageID: 2, Items: 7}, // hole
			{PageID: 3, Items: 12},
			{PageID: 5, Items: 12}, // page 4 entirely absent
		},
		byPages: 55, byURLs: 55,
		quality: repository.QualityStats{TotalProducts: 55},
	}
	a := NewDbAnalyzer(repo, testLogger())

	report, err := a.Analyze(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.LastCrawledPage)
	require.Equal(t, []int{2, 4}, report.MissingPages)
}

func TestDbAnalyzer_EmptyDatabase(t *testing.T) {
	a := NewDbAnalyzer(&fakeRepo{}, testLogger())
	report, err := a.Analyze(context.Background())
	require.NoError(t, err)
	require.Equal(t, -1, report.LastCrawledPage)
	require.Empty(t, report.MissingPages)
	require.Equal(t, 1.0, report.DataQualityScore)
}

func TestDbAnalyzer_CrossCheckDegradesQuality(t *testing.T) {
	repo := &fakeRepo{
		coverage: []repository.PageCoverage{{PageID: 0, Items: 12}},
		byPages:  100, byURLs: 90,
		quality: repository.QualityStats{TotalProducts: 100},
	}
	a := NewDbAnalyzer(repo, testLogger())
	report, err := a.Analyze(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 0.9, report.DataQualityScore, 0.001)
}

func TestDbAnalyzer_ErrorHistory(t *testing.T) {
	repo := &fakeRepo{
		quality: repository.QualityStats{},
		results: []domain.CrawlingSessionResult{
			{ProductsFound: 50, DetailsFetched: 40, ErrorsCount: 10},
			{ProductsFound: 30, DetailsFetched: 30, ErrorsCount: 0},
		},
	}
	a := NewDbAnalyzer(repo, testLogger())
	report, err := a.Analyze(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, report.RecentErrorCount)
	require.Equal(t, 160, report.TotalAttempts)
}
