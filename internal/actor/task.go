// Package actor implements the engine's supervision hierarchy: Session →
// Batch → Stage → Task. Control flows downward through commands, results
// flow upward on return values, and lifecycle events flow sideways to the
// event bus. The topology follows a worker-pool-over-channels shape: a
// bounded work channel, a fixed pool of goroutines pulling under governor
// permits, and a control loop draining results.
package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/coordinates"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/domain"
	"github.com/mattercrawl/engine/internal/htmlparse"
	"github.com/mattercrawl/engine/internal/retrypolicy"
	"github.com/mattercrawl/engine/internal/siteclient"
	"github.com/mattercrawl/engine/internal/validate"
)

// TaskKind tags the atomic unit a task executes. Dispatch is a switch at
// the executor, not open polymorphism.
type TaskKind int

const (
	TaskFetchListPage TaskKind = iota
	TaskFetchDetail
	TaskValidateDetail
	TaskPersist
)

func (k TaskKind) String() string {
	switch k {
	case TaskFetchListPage:
		return "fetch_list_page"
	case TaskFetchDetail:
		return "fetch_detail"
	case TaskValidateDetail:
		return "validate_detail"
	case TaskPersist:
		return "persist"
	default:
		return "unknown"
	}
}

// Task is one unit of work: a single HTTP request plus its parse, one
// validation, or one persistence flush. A task never retries itself.
type Task struct {
	ID          string
	Kind        TaskKind
	Class       concurrency.Class
	PolicyStage retrypolicy.Stage
	Timeout     time.Duration

	// Kind-specific inputs.
	Page     int                    // TaskFetchListPage
	URL      string                 // TaskFetchDetail
	Detail   *domain.ProductDetail  // TaskValidateDetail
	Products []domain.Product       // TaskPersist
	Details  []domain.ProductDetail // TaskPersist
}

// TaskOutput is a task's result. Only the fields for the task's kind are
// set.
type TaskOutput struct {
	Products []domain.Product
	Detail   *domain.ProductDetail
	Latency  time.Duration
}

// ListFetcher, DetailFetcher, and Persister are the executor's only
// dependencies; the hierarchy never touches net/http or SQL directly.
type ListFetcher interface {
	FetchListPage(ctx context.Context, page int) (siteclient.FetchResult, error)
	ListPageURL(page int) string
}

type DetailFetcher interface {
	FetchDetail(ctx context.Context, url string) (siteclient.FetchResult, error)
}

type Persister interface {
	UpsertProducts(ctx context.Context, ps []domain.Product) error
	UpsertProductDetails(ctx context.Context, ds []domain.ProductDetail) error
}

// Executor runs one task to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, t Task) (TaskOutput, error)
}

// TaskExecutor is the production Executor, bound to one session's observed
// site scale so list items can be assigned canonical coordinates.
type TaskExecutor struct {
	Lists   ListFetcher
	Details DetailFetcher
	Repo    Persister
	Site    coordinates.Site
}

// Execute dispatches on the task's kind. Every error surfaced is already
// classified; the stage decides what happens next.
func (e *TaskExecutor) Execute(ctx context.Context, t Task) (TaskOutput, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	switch t.Kind {
	case TaskFetchListPage:
		return e.fetchListPage(ctx, t.Page)
	case TaskFetchDetail:
		return e.fetchDetail(ctx, t.URL)
	case TaskValidateDetail:
		if t.Detail == nil {
			return TaskOutput{}, crawlerr.New("actor.Execute", crawlerr.KindInconsistentState,
				fmt.Errorf("validate task %s carries no detail", t.ID))
		}
		if err := validate.Detail(*t.Detail); err != nil {
			return TaskOutput{}, err
		}
		return TaskOutput{Detail: t.Detail}, nil
	case TaskPersist:
		return e.persist(ctx, t)
	default:
		return TaskOutput{}, crawlerr.New("actor.Execute", crawlerr.KindInconsistentState,
			fmt.Errorf("unknown task kind %d", t.Kind))
	}
}

func (e *TaskExecutor) fetchListPage(ctx context.Context, page int) (TaskOutput, error) {
	res, err := e.Lists.FetchListPage(ctx, page)
	if err != nil {
		return TaskOutput{Latency: res.Latency}, err
	}
	links, err := htmlparse.ExtractProductLinks(res.HTML, e.Lists.ListPageURL(page))
	if err != nil {
		return TaskOutput{Latency: res.Latency}, err
	}

	products := make([]domain.Product, 0, len(links))
	for _, link := range links {
		p := domain.Product{URL: link.URL}
		c, err := coordinates.ToCanonical(e.Site, coordinates.Physical{
			Page: page, IndexInPhysical: link.IndexInPhysical,
		})
		if err == nil {
			p.PageID = domain.Int(c.PageID)
			p.IndexInPage = domain.Int(c.IndexInPage)
		}
		// The site can grow between analysis and fetch; an out-of-bounds
		// index keeps the URL but drops the stale coordinate.
		products = append(products, p)
	}
	return TaskOutput{Products: products, Latency: res.Latency}, nil
}

func (e *TaskExecutor) fetchDetail(ctx context.Context, url string) (TaskOutput, error) {
	res, err := e.Details.FetchDetail(ctx, url)
	if err != nil {
		return TaskOutput{Latency: res.Latency}, err
	}
	detail, err := htmlparse.ParseDetail(res.HTML, url)
	if err != nil {
		return TaskOutput{Latency: res.Latency}, err
	}
	return TaskOutput{Detail: &detail, Latency: res.Latency}, nil
}

func (e *TaskExecutor) persist(ctx context.Context, t Task) (TaskOutput, error) {
	if err := e.Repo.UpsertProducts(ctx, dedupeByCanonical(t.Products)); err != nil {
		return TaskOutput{}, err
	}
	if err := e.Repo.UpsertProductDetails(ctx, t.Details); err != nil {
		return TaskOutput{}, err
	}
	return TaskOutput{}, nil
}

// dedupeByCanonical keeps one product per canonical (page_id, index_in_page).
// Recovery batches fetch both physical pages that can contribute to a
// canonical page, so the same position arrives twice; URL alone is not the
// right key because the newest-first ordering shifts URLs across positions
// as the site grows. Products without coordinates pass through keyed by URL.
func dedupeByCanonical(ps []domain.Product) []domain.Product {
	type key struct {
		page, index int
	}
	seenCoord := make(map[key]struct{})
	seenURL := make(map[string]struct{})
	out := make([]domain.Product, 0, len(ps))
	for _, p := range ps {
		if p.PageID != nil && p.IndexInPage != nil {
			k := key{*p.PageID, *p.IndexInPage}
			if _, dup := seenCoord[k]; dup {
				continue
			}
			seenCoord[k] = struct{}{}
		} else {
			if _, dup := seenURL[p.URL]; dup {
				continue
			}
			seenURL[p.URL] = struct{}{}
		}
		out = append(out, p)
	}
	return out
}
