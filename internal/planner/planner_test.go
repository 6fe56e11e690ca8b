package planner

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func accessible(pages, last, avgMs int, load float64) SiteStatus {
	return SiteStatus{
		IsAccessible:      true,
		TotalPages:        pages,
		ItemsOnLastPage:   last,
		AvgResponseTimeMs: avgMs,
		ServerLoadLevel:   load,
	}
}

func TestPlan_FullSmallSite(t *testing.T) {
	site := accessible(3, 5, 300, 0.2)
	plan, err := Plan(IntentFull, site, DbReport{}, Options{})
	require.NoError(t, err)

	require.Equal(t, StrategyFull, plan.Strategy)
	require.Equal(t, []int{1, 2, 3}, plan.TargetPages)
	require.Equal(t, 2*12+5, plan.EstimatedItems)
	require.Equal(t, 3, plan.Priority)

	reversed, err := Plan(IntentFull, site, DbReport{}, Options{Reverse: true})
	require.NoError(t, err)
	require.Equal(t, []int{3, 2, 1}, reversed.TargetPages)
}

func TestPlan_IncrementalNoOp(t *testing.T) {
	site := accessible(500, 12, 300, 0.2)
	plan, err := Plan(IntentIncremental, site, DbReport{LastCrawledPage: 500}, Options{})
	require.NoError(t, err)

	require.Equal(t, StrategyNoAction, plan.Strategy)
	require.Empty(t, plan.TargetPages)
	require.Equal(t, 0, plan.EstimatedItems)
}

func TestPlan_IncrementalTargetsNewCanonicalPages(t *testing.T) {
	// 10 physical pages, 8 items on the last one: canonical pages 0..9.
	site := accessible(10, 8, 300, 0.2)
	plan, err := Plan(IntentIncremental, site, DbReport{LastCrawledPage: 6}, Options{})
	require.NoError(t, err)

	require.Equal(t, StrategyIncremental, plan.Strategy)
	require.NotEmpty(t, plan.TargetPages)
	// canonical 7, 8 and 9 are the newest items, which live on the lowest
	// physical pages
	for _, p := range plan.TargetPages {
		require.LessOrEqual(t, p, 3)
	}
}

func TestPlan_RecoveryMapping(t *testing.T) {
	site := accessible(10, 8, 300, 0.2)
	db := DbReport{LastCrawledPage: 9, MissingPages: []int{0, 1, 9}}
	plan, err := Plan(IntentRecovery, site, db, Options{})
	require.NoError(t, err)

	require.Equal(t, StrategyRecovery, plan.Strategy)
	// canonical 0 is the oldest page: physical 10 (and possibly 9)
	require.Contains(t, plan.TargetPages, 10)
	require.Equal(t, 1, plan.BatchConfig.ConcurrentRequests)
	require.Equal(t, 3000, plan.BatchConfig.InterBatchDelayMs)
	// base for 300ms is 50; recovery halves it, small plan halves again
	require.LessOrEqual(t, plan.BatchConfig.BatchSize, 25)
	require.Equal(t, 9, plan.Priority)
}

func TestPlan_RecoveryWithNothingMissingIsNoAction(t *testing.T) {
	plan, err := Plan(IntentRecovery, accessible(10, 8, 300, 0.2), DbReport{}, Options{})
	require.NoError(t, err)
	require.Equal(t, StrategyNoAction, plan.Strategy)
}

func TestPlan_SiteNotAccessible(t *testing.T) {
	plan, err := Plan(IntentFull, SiteStatus{IsAccessible: false}, DbReport{}, Options{})
	require.NoError(t, err)
	require.Equal(t, StrategyNone, plan.Strategy)
	require.Empty(t, plan.TargetPages)
	require.NotEmpty(t, plan.Diagnostic)
}

func TestPlan_BatchConfigDerivation(t *testing.T) {
	tests := []struct {
		name       string
		avgMs      int
		load       float64
		errors     int
		attempts   int
		wantSize   int
		wantRetry  int
		wantConc   int
		wantTimeout int
	}{
		{"fast low-error", 300, 0.2, 1, 100, 100, 3, 3, 3*300 + 5000},
		{"medium mid-error", 1000, 0.2, 10, 100, 40, 5, 3, 3*1000 + 5000},
		{"slow high-error loaded", 3000, 0.9, 20, 100, 20, 8, 1, 3*3000 + 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 200 pages: no small/large plan adjustment
			site := accessible(200, 12, tt.avgMs, tt.load)
			db := DbReport{RecentErrorCount: tt.errors, TotalAttempts: tt.attempts}
			plan, err := Plan(IntentFull, site, db, Options{})
			require.NoError(t, err)
			require.Equal(t, tt.wantSize, plan.BatchConfig.BatchSize)
			require.Equal(t, tt.wantRetry, plan.BatchConfig.MaxRetries)
			require.Equal(t, tt.wantConc, plan.BatchConfig.ConcurrentRequests)
			require.Equal(t, tt.wantTimeout, plan.BatchConfig.TimeoutPerRequestMs)
		})
	}
}

func TestPlan_LargePlanDoublesBatchSize(t *testing.T) {
	site := accessible(1200, 12, 300, 0.2)
	plan, err := Plan(IntentFull, site, DbReport{}, Options{})
	require.NoError(t, err)
	// full doubles the base 50 to 100; >1000 pages doubles again
	require.Equal(t, 200, plan.BatchConfig.BatchSize)
}

func TestPlan_Purity(t *testing.T) {
	site := accessible(464, 8, 700, 0.4)
	db := DbReport{LastCrawledPage: 100, MissingPages: []int{3, 17}, RecentErrorCount: 4, TotalAttempts: 80, DataQualityScore: 0.97}

	a, err := Plan(IntentIncremental, site, db, Options{})
	require.NoError(t, err)
	b, err := Plan(IntentIncremental, site, db, Options{})
	require.NoError(t, err)
	require.True(t, reflect.DeepEqual(a, b))
}
