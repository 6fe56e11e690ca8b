package actor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/retrypolicy"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

func testLogger() *telemetrylog.Logger {
	return telemetrylog.New("actor-test", telemetrylog.WithOutput(io.Discard))
}

func testGovernor() *concurrency.Governor {
	limits := make(map[concurrency.Class]concurrency.Limits)
	for _, class := range []concurrency.Class{
		concurrency.ClassListCollection, concurrency.ClassDetailCollection,
		concurrency.ClassDataValidation, concurrency.ClassDatabaseSave,
		concurrency.ClassBatchProcessing,
	} {
		limits[class] = concurrency.DefaultLimits(8)
	}
	return concurrency.New(limits, nil)
}

// scriptedExecutor fails each task a scripted number of times, then
// succeeds.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures map[string]int
	errKind  crawlerr.Kind
	calls    map[string]int
}

func newScriptedExecutor(kind crawlerr.Kind, failures map[string]int) *scriptedExecutor {
	return &scriptedExecutor{failures: failures, errKind: kind, calls: make(map[string]int)}
}

func (f *scriptedExecutor) Execute(_ context.Context, t Task) (TaskOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[t.ID]++
	if f.failures[t.ID] > 0 {
		f.failures[t.ID]--
		return TaskOutput{}, crawlerr.New("test", f.errKind, errors.New("scripted failure"))
	}
	return TaskOutput{}, nil
}

func (f *scriptedExecutor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func listTasksN(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{
			ID:          string(rune('a' + i)),
			Kind:        TaskFetchListPage,
			Class:       concurrency.ClassListCollection,
			PolicyStage: retrypolicy.StageListCollection,
			Page:        i + 1,
		}
	}
	return tasks
}

func newStage(exec Executor, policy retrypolicy.Policy) *StageActor {
	return &StageActor{
		Stage:    retrypolicy.StageListCollection,
		Class:    concurrency.ClassListCollection,
		Executor: exec,
		Governor: testGovernor(),
		Policy:   policy,
		Workers:  4,
		Scope:    events.Scope{Bus: events.NewBus(256), SessionID: "s"},
		Logger:   testLogger(),
	}
}

func fastPolicy(maxAttempts int, retryOn ...crawlerr.Kind) retrypolicy.Policy {
	return retrypolicy.New(maxAttempts, time.Millisecond, 5*time.Millisecond, 2.0, 0, retryOn)
}

func TestStage_AllSucceed(t *testing.T) {
	exec := newScriptedExecutor(crawlerr.KindNetworkTimeout, nil)
	s := newStage(exec, fastPolicy(3, crawlerr.KindNetworkTimeout))

	report := s.Run(context.Background(), listTasksN(5))
	require.Equal(t, 5, report.InputItems)
	require.Equal(t, 5, report.Successes)
	require.Zero(t, report.GiveUps)
	require.Equal(t, report.InputItems, report.Successes+report.GiveUps)
}

func TestStage_RetryableFailureRecovers(t *testing.T) {
	exec := newScriptedExecutor(crawlerr.KindNetworkTimeout, map[string]int{"a": 2})
	s := newStage(exec, fastPolicy(4, crawlerr.KindNetworkTimeout))

	report := s.Run(context.Background(), listTasksN(3))
	require.Equal(t, 3, report.Successes)
	require.Zero(t, report.GiveUps)
	require.Equal(t, 3, exec.callCount("a"))
}

func TestStage_NonRetryableGivesUpImmediately(t *testing.T) {
	exec := newScriptedExecutor(crawlerr.KindParseError, map[string]int{"a": 99})
	s := newStage(exec, fastPolicy(4, crawlerr.KindNetworkTimeout))

	report := s.Run(context.Background(), listTasksN(2))
	require.Equal(t, 1, report.Successes)
	require.Equal(t, 1, report.GiveUps)
	require.Equal(t, 1, exec.callCount("a"))
	require.Len(t, report.Failures, 1)
	require.Equal(t, crawlerr.KindParseError, report.Failures[0].Kind)
}

func TestStage_ExhaustedAttemptsGiveUp(t *testing.T) {
	exec := newScriptedExecutor(crawlerr.KindNetworkTimeout, map[string]int{"a": 99})
	s := newStage(exec, fastPolicy(3, crawlerr.KindNetworkTimeout))

	report := s.Run(context.Background(), listTasksN(1))
	require.Zero(t, report.Successes)
	require.Equal(t, 1, report.GiveUps)
	require.Equal(t, 3, exec.callCount("a"))
	require.Equal(t, 3, report.Failures[0].Attempts)
}

func TestStage_AccountingInvariant(t *testing.T) {
	exec := newScriptedExecutor(crawlerr.KindNetworkTimeout, map[string]int{"a": 99, "c": 1})
	s := newStage(exec, fastPolicy(2, crawlerr.KindNetworkTimeout))

	report := s.Run(context.Background(), listTasksN(6))
	require.Equal(t, report.InputItems, report.Successes+report.GiveUps)
	require.Equal(t, 1, report.GiveUps)
}

type blockingExecutor struct{ started chan struct{} }

func (b *blockingExecutor) Execute(ctx context.Context, _ Task) (TaskOutput, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return TaskOutput{}, crawlerr.New("test", crawlerr.KindCancelled, ctx.Err())
}

func TestStage_CancellationAborts(t *testing.T) {
	exec := &blockingExecutor{started: make(chan struct{}, 1)}
	s := newStage(exec, fastPolicy(3, crawlerr.KindNetworkTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-exec.started
		cancel()
	}()
	report := s.Run(ctx, listTasksN(4))
	require.True(t, report.Aborted)
}

func TestStage_EmptyInput(t *testing.T) {
	s := newStage(newScriptedExecutor("", nil), fastPolicy(3))
	report := s.Run(context.Background(), nil)
	require.Zero(t, report.InputItems)
	require.False(t, report.Aborted)
}
