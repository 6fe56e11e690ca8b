// Package planner derives an ExecutionPlan from the observed site scale,
// the database's existing coverage, and the user's intent. Plan is a pure
// function: identical inputs produce identical plans, byte for byte — the
// property resume-token digests depend on. Nothing here reads a clock, an
// RNG, or a map in iteration order.
package planner

import (
	"fmt"
	"sort"

	"github.com/mattercrawl/engine/internal/coordinates"
	"github.com/mattercrawl/engine/internal/crawlerr"
)

// Intent is what the user asked for.
type Intent string

const (
	IntentFull        Intent = "full"
	IntentIncremental Intent = "incremental"
	IntentRecovery    Intent = "recovery"
)

// Strategy is what the planner decided to do.
type Strategy string

const (
	StrategyFull        Strategy = "full"
	StrategyIncremental Strategy = "incremental"
	StrategyRecovery    Strategy = "recovery"
	StrategyNoAction    Strategy = "no_action"
	StrategyNone        Strategy = "none"
)

// SiteStatus is the analyzer's observation of the target site.
type SiteStatus struct {
	IsAccessible      bool    `json:"is_accessible"`
	TotalPages        int     `json:"total_pages"`
	ItemsOnLastPage   int     `json:"items_on_last_page"`
	AvgResponseTimeMs int     `json:"avg_response_time_ms"`
	ServerLoadLevel   float64 `json:"server_load_level"`
}

// DbReport is the analyzer's observation of existing coverage.
type DbReport struct {
	LastCrawledPage  int     `json:"last_crawled_page"` // canonical, -1 when nothing complete
	MissingPages     []int   `json:"missing_pages"`     // canonical ids, ascending
	RecentErrorCount int     `json:"recent_error_count"`
	TotalAttempts    int     `json:"total_attempts"`
	DataQualityScore float64 `json:"data_quality_score"`
}

// BatchConfig is the adaptive kernel's output: how aggressively to run.
type BatchConfig struct {
	BatchSize           int `json:"batch_size"`
	MaxRetries          int `json:"max_retries"`
	ConcurrentRequests  int `json:"concurrent_requests"`
	InterBatchDelayMs   int `json:"inter_batch_delay_ms"`
	TimeoutPerRequestMs int `json:"timeout_per_request_ms"`
}

// ExecutionPlan is the planner's complete answer. Field order is part of
// the digest contract; do not reorder.
type ExecutionPlan struct {
	Strategy       Strategy    `json:"strategy"`
	TargetPages    []int       `json:"target_pages"`
	EstimatedItems int         `json:"estimated_items"`
	BatchConfig    BatchConfig `json:"batch_config"`
	Priority       int         `json:"priority"`
	Diagnostic     string      `json:"diagnostic,omitempty"`
}

// Constants holds every tunable the derivation table uses. Values are the
// documented defaults; callers may override them through Options.Constants.
type Constants struct {
	FastResponseMs        int
	SlowResponseMs        int
	BatchSizeFast         int
	BatchSizeMedium       int
	BatchSizeSlow         int
	LowErrorRate          float64
	HighErrorRate         float64
	RetriesLowError       int
	RetriesMediumError    int
	RetriesHighError      int
	LargePlanPages        int
	SmallPlanPages        int
	ServerLoadConcurrency float64
}

// DefaultConstants returns the documented defaults.
func DefaultConstants() Constants {
	return Constants{
		FastResponseMs:        500,
		SlowResponseMs:        2000,
		BatchSizeFast:         50,
		BatchSizeMedium:       20,
		BatchSizeSlow:         10,
		LowErrorRate:          0.05,
		HighErrorRate:         0.15,
		RetriesLowError:       3,
		RetriesMediumError:    5,
		RetriesHighError:      8,
		LargePlanPages:        1000,
		SmallPlanPages:        50,
		ServerLoadConcurrency: 0.7,
	}
}

// Options parameterizes a Plan call without breaking purity.
type Options struct {
	// Reverse orders a Full crawl oldest-first (P → 1).
	Reverse   bool
	Constants Constants
}

// Plan derives the execution plan. An inaccessible site yields a
// no-execution plan with Strategy None and a diagnostic; the session actor
// refuses to run it.
func Plan(intent Intent, site SiteStatus, db DbReport, opts Options) (ExecutionPlan, error) {
	if opts.Constants == (Constants{}) {
		opts.Constants = DefaultConstants()
	}

	if !site.IsAccessible {
		return ExecutionPlan{
			Strategy:    StrategyNone,
			TargetPages: []int{},
			Diagnostic:  "site not accessible at analysis time",
		}, nil
	}
	if site.TotalPages < 1 || site.ItemsOnLastPage < 1 || site.ItemsOnLastPage > coordinates.PageCapacity {
		return ExecutionPlan{}, crawlerr.New("planner.Plan", crawlerr.KindInconsistentState,
			fmt.Errorf("implausible site scale: pages=%d last=%d", site.TotalPages, site.ItemsOnLastPage))
	}

	scale := coordinates.Site{TotalPages: site.TotalPages, ItemsOnLastPage: site.ItemsOnLastPage}

	var (
		strategy Strategy
		pages    []int
		err      error
	)
	switch intent {
	case IntentFull:
		strategy = StrategyFull
		pages = fullPages(site.TotalPages, opts.Reverse)
	case IntentIncremental:
		strategy, pages, err = incrementalPages(scale, db)
	case IntentRecovery:
		strategy, pages, err = recoveryPages(scale, db)
	default:
		return ExecutionPlan{}, crawlerr.New("planner.Plan", crawlerr.KindInconsistentState,
			fmt.Errorf("unknown intent %q", intent))
	}
	if err != nil {
		return ExecutionPlan{}, err
	}

	if strategy == StrategyNoAction {
		return ExecutionPlan{Strategy: StrategyNoAction, TargetPages: []int{}}, nil
	}

	plan := ExecutionPlan{
		Strategy:       strategy,
		TargetPages:    pages,
		EstimatedItems: estimateItems(pages, site),
		BatchConfig:    deriveBatchConfig(strategy, site, db, len(pages), opts.Constants),
		Priority:       priorityOf(strategy),
	}
	return plan, nil
}

func fullPages(total int, reverse bool) []int {
	pages := make([]int, total)
	for i := range pages {
		if reverse {
			pages[i] = total - i
		} else {
			pages[i] = i + 1
		}
	}
	return pages
}

// incrementalPages targets the canonical pages beyond the last fully
// crawled one, mapped back to the physical pages that carry them.
func incrementalPages(scale coordinates.Site, db DbReport) (Strategy, []int, error) {
	if db.LastCrawledPage >= scale.TotalPages {
		return StrategyNoAction, nil, nil
	}
	totalProducts := (scale.TotalPages-1)*coordinates.PageCapacity + scale.ItemsOnLastPage
	maxCanonical := (totalProducts - 1) / coordinates.PageCapacity
	if db.LastCrawledPage >= maxCanonical {
		return StrategyNoAction, nil, nil
	}

	var canonicals []int
	for c := db.LastCrawledPage + 1; c <= maxCanonical; c++ {
		canonicals = append(canonicals, c)
	}
	pages, err := physicalPagesFor(scale, canonicals)
	if err != nil {
		return "", nil, err
	}
	return StrategyIncremental, pages, nil
}

// recoveryPages maps each missing canonical page to its one or two
// contributing physical pages, ascending canonical order preserved.
func recoveryPages(scale coordinates.Site, db DbReport) (Strategy, []int, error) {
	if len(db.MissingPages) == 0 {
		return StrategyNoAction, nil, nil
	}
	canonicals := append([]int(nil), db.MissingPages...)
	sort.Ints(canonicals)
	pages, err := physicalPagesFor(scale, canonicals)
	if err != nil {
		return "", nil, err
	}
	return StrategyRecovery, pages, nil
}

// physicalPagesFor expands canonical page ids into physical pages, deduped
// in first-sighting order. Dedup is by page here; item-level dedup by
// canonical (page_id, index_in_page) happens at persistence, where both
// contributing pages' overlapping items meet.
func physicalPagesFor(scale coordinates.Site, canonicals []int) ([]int, error) {
	seen := make(map[int]struct{})
	var pages []int
	for _, c := range canonicals {
		contributing, err := coordinates.ContributingPhysicalPages(scale, c)
		if err != nil {
			return nil, err
		}
		for _, p := range contributing {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			pages = append(pages, p)
		}
	}
	return pages, nil
}

// estimateItems counts a full page as C items and the last physical page as
// L items.
func estimateItems(pages []int, site SiteStatus) int {
	total := 0
	for _, p := range pages {
		if p == site.TotalPages {
			total += site.ItemsOnLastPage
		} else {
			total += coordinates.PageCapacity
		}
	}
	return total
}

func deriveBatchConfig(strategy Strategy, site SiteStatus, db DbReport, planPages int, k Constants) BatchConfig {
	base := k.BatchSizeSlow
	switch {
	case site.AvgResponseTimeMs <= k.FastResponseMs:
		base = k.BatchSizeFast
	case site.AvgResponseTimeMs <= k.SlowResponseMs:
		base = k.BatchSizeMedium
	}

	attempts := db.TotalAttempts
	if attempts < 1 {
		attempts = 1
	}
	errorRate := float64(db.RecentErrorCount) / float64(attempts)
	retries := k.RetriesLowError
	switch {
	case errorRate > k.HighErrorRate:
		retries = k.RetriesHighError
	case errorRate > k.LowErrorRate:
		retries = k.RetriesMediumError
	}

	cfg := BatchConfig{MaxRetries: retries}
	switch strategy {
	case StrategyFull:
		cfg.BatchSize = base * 2
		cfg.InterBatchDelayMs = 1000
	case StrategyIncremental:
		cfg.BatchSize = base
		cfg.InterBatchDelayMs = 1500
	case StrategyRecovery:
		cfg.BatchSize = maxInt(1, base/2)
		cfg.InterBatchDelayMs = 3000
	}

	if planPages > k.LargePlanPages {
		cfg.BatchSize *= 2
	} else if planPages < k.SmallPlanPages {
		cfg.BatchSize = maxInt(1, cfg.BatchSize/2)
	}

	if strategy == StrategyRecovery {
		cfg.ConcurrentRequests = 1
		cfg.TimeoutPerRequestMs = 5*site.AvgResponseTimeMs + 10000
	} else {
		if site.ServerLoadLevel < k.ServerLoadConcurrency {
			cfg.ConcurrentRequests = 3
		} else {
			cfg.ConcurrentRequests = 1
		}
		cfg.TimeoutPerRequestMs = 3*site.AvgResponseTimeMs + 5000
	}
	return cfg
}

func priorityOf(strategy Strategy) int {
	switch strategy {
	case StrategyRecovery:
		return 9
	case StrategyIncremental:
		return 5
	case StrategyFull:
		return 3
	default:
		return 0
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
