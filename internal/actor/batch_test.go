package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/domain"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/retrypolicy"
)

// pipelineExecutor simulates the full task pipeline: two products per list
// page, one detail per URL, persistence counted.
type pipelineExecutor struct {
	mu            sync.Mutex
	persistCalls  int
	persisted     int
	failPersist   bool
	failDetailFor string
}

func (p *pipelineExecutor) Execute(_ context.Context, t Task) (TaskOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch t.Kind {
	case TaskFetchListPage:
		var products []domain.Product
		for i := 0; i < 2; i++ {
			products = append(products, domain.Product{
				URL:         fmt.Sprintf("https://example.org/csa_product/p%d-%d/", t.Page, i),
				PageID:      domain.Int(t.Page),
				IndexInPage: domain.Int(i),
			})
		}
		return TaskOutput{Products: products}, nil
	case TaskFetchDetail:
		if t.URL == p.failDetailFor {
			return TaskOutput{}, crawlerr.New("test", crawlerr.KindNotFound, errors.New("gone"))
		}
		return TaskOutput{Detail: &domain.ProductDetail{URL: t.URL, ProgramType: domain.DefaultProgramType}}, nil
	case TaskValidateDetail:
		return TaskOutput{Detail: t.Detail}, nil
	case TaskPersist:
		p.persistCalls++
		if p.failPersist {
			return TaskOutput{}, crawlerr.New("test", crawlerr.KindDatabaseConnection, errors.New("db down"))
		}
		p.persisted += len(t.Products) + len(t.Details)
		return TaskOutput{}, nil
	}
	return TaskOutput{}, errors.New("unexpected kind")
}

func testBank(t *testing.T) retrypolicy.Bank {
	t.Helper()
	policies := make(map[retrypolicy.Stage]retrypolicy.Policy)
	for _, stage := range []retrypolicy.Stage{
		retrypolicy.StageListCollection, retrypolicy.StageDetailCollection,
		retrypolicy.StageDataValidation, retrypolicy.StageDatabaseSave,
	} {
		policies[stage] = fastPolicy(2, crawlerr.KindNetworkTimeout)
	}
	return retrypolicy.NewBank(policies)
}

func newBatch(t *testing.T, exec Executor, settings BatchSettings) *BatchActor {
	t.Helper()
	return &BatchActor{
		BatchID:  "sess-b000",
		Pages:    []int{1, 2, 3},
		Executor: exec,
		Governor: testGovernor(),
		Bank:     testBank(t),
		Settings: settings,
		Scope:    events.Scope{Bus: events.NewBus(256), SessionID: "sess", BatchID: "sess-b000"},
		Logger:   testLogger(),
	}
}

func TestBatch_FullPipeline(t *testing.T) {
	exec := &pipelineExecutor{}
	b := newBatch(t, exec, BatchSettings{ConcurrentRequests: 2, ValidationEnabled: true})

	report := b.Run(context.Background())
	require.False(t, report.Fatal)
	require.False(t, report.Aborted)
	require.Equal(t, 6, report.ProductsFound)
	require.Equal(t, 6, report.DetailsFetched)
	require.Zero(t, report.ErrorsCount)
	require.Equal(t, retrypolicy.StageDatabaseSave, report.LastStage)
	require.Equal(t, 1, exec.persistCalls)
	require.Equal(t, 12, exec.persisted)
	require.Len(t, report.Stages, 4)
}

func TestBatch_PartialFailureIsNotFatal(t *testing.T) {
	exec := &pipelineExecutor{failDetailFor: "https://example.org/csa_product/p2-1/"}
	b := newBatch(t, exec, BatchSettings{ConcurrentRequests: 2})

	report := b.Run(context.Background())
	require.False(t, report.Fatal)
	require.Equal(t, 6, report.ProductsFound)
	require.Equal(t, 5, report.DetailsFetched)
	require.Equal(t, 1, report.ErrorsCount)
}

func TestBatch_PersistFailureFatalUnderAbortSwitch(t *testing.T) {
	exec := &pipelineExecutor{failPersist: true}
	b := newBatch(t, exec, BatchSettings{ConcurrentRequests: 2, AbortOnDatabaseError: true})

	report := b.Run(context.Background())
	require.True(t, report.Fatal)
	require.Equal(t, retrypolicy.StageDatabaseSave, report.LastStage)
	require.NotZero(t, report.ErrorsCount)
}

func TestBatch_PersistFailureToleratedWithoutSwitch(t *testing.T) {
	exec := &pipelineExecutor{failPersist: true}
	b := newBatch(t, exec, BatchSettings{ConcurrentRequests: 2})

	report := b.Run(context.Background())
	require.False(t, report.Fatal)
	require.NotZero(t, report.ErrorsCount)
}

func TestBatch_DrainsGovernorEvents(t *testing.T) {
	govEvents := make(chan concurrency.Event, 4)
	govEvents <- concurrency.Event{Class: concurrency.ClassDetailCollection, OldLimit: 20, NewLimit: 10, Trigger: "downshift"}

	exec := &pipelineExecutor{}
	b := newBatch(t, exec, BatchSettings{ConcurrentRequests: 2})
	b.GovEvents = govEvents

	report := b.Run(context.Background())
	require.Len(t, report.Downshifts, 1)
	require.Equal(t, 10, report.Downshifts[0].NewLimit)
}
