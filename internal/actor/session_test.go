package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattercrawl/engine/internal/domain"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/planner"
	"github.com/mattercrawl/engine/internal/resumetoken"
)

type resultRecorder struct {
	mu      sync.Mutex
	results []domain.CrawlingSessionResult
}

func (r *resultRecorder) InsertCrawlingResult(_ context.Context, res domain.CrawlingSessionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *resultRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func testPlan(pages []int) planner.ExecutionPlan {
	return planner.ExecutionPlan{
		Strategy:    planner.StrategyFull,
		TargetPages: pages,
		BatchConfig: planner.BatchConfig{
			BatchSize:          2,
			MaxRetries:         2,
			ConcurrentRequests: 2,
			// no inter-batch delay in tests
		},
	}
}

func newTestSession(t *testing.T, exec Executor, plan planner.ExecutionPlan, results ResultWriter) (*Session, *events.Bus) {
	t.Helper()
	bus := events.NewBus(1024)
	sess := NewSession(16)
	sess.ID = "11111111-2222-4333-8444-555555555555"
	sess.Intent = planner.IntentFull
	sess.Plan = plan
	sess.PlanDigest = "0123456789abcdef"
	sess.Executor = exec
	sess.Governor = testGovernor()
	sess.Bank = testBank(t)
	sess.Bus = bus
	sess.Results = results
	sess.Logger = testLogger()
	sess.Config = SessionConfig{
		SessionTimeout:    time.Minute,
		CancellationGrace: 50 * time.Millisecond,
	}
	return sess, bus
}

func TestSession_RunsPlanToCompletion(t *testing.T) {
	recorder := &resultRecorder{}
	exec := &pipelineExecutor{}
	sess, bus := newTestSession(t, exec, testPlan([]int{1, 2, 3, 4}), recorder)

	ch, unsub := bus.Subscribe(events.FilterSession(sess.ID))
	defer unsub()

	result := sess.Run(context.Background())
	require.Equal(t, domain.SessionCompleted, result.Status)
	require.Equal(t, StatusCompleted, sess.Status())
	require.Equal(t, 4, result.TotalPages)
	require.Equal(t, 8, result.ProductsFound)
	require.Equal(t, 1, recorder.count())
	require.Empty(t, sess.ResumeToken())

	// sequence numbers are strictly monotonic for the session
	var last uint64
	for {
		select {
		case e := <-ch:
			require.Greater(t, e.Seq, last)
			last = e.Seq
		default:
			require.NotZero(t, last)
			return
		}
	}
}

func TestSession_NoActionPlanCompletesImmediately(t *testing.T) {
	recorder := &resultRecorder{}
	plan := planner.ExecutionPlan{Strategy: planner.StrategyNoAction, TargetPages: []int{}}
	sess, _ := newTestSession(t, &pipelineExecutor{}, plan, recorder)

	result := sess.Run(context.Background())
	require.Equal(t, domain.SessionCompleted, result.Status)
	require.Zero(t, result.TotalPages)
	require.Equal(t, 1, recorder.count())
}

func TestSession_RefusesInaccessibleSitePlan(t *testing.T) {
	recorder := &resultRecorder{}
	plan := planner.ExecutionPlan{Strategy: planner.StrategyNone, Diagnostic: "unreachable"}
	sess, _ := newTestSession(t, &pipelineExecutor{}, plan, recorder)

	result := sess.Run(context.Background())
	require.Equal(t, domain.SessionFailed, result.Status)
	require.NotNil(t, result.ErrorDetails)
}

func TestSession_FatalBatchEmitsResumeToken(t *testing.T) {
	recorder := &resultRecorder{}
	exec := &pipelineExecutor{failPersist: true}
	sess, _ := newTestSession(t, exec, testPlan([]int{1, 2}), recorder)
	sess.Config.AbortOnDatabaseError = true

	result := sess.Run(context.Background())
	require.Equal(t, domain.SessionFailed, result.Status)

	token := sess.ResumeToken()
	require.NotEmpty(t, token)
	tok, err := resumetoken.Decode(token)
	require.NoError(t, err)
	require.Equal(t, sess.ID, tok.SessionID)
	require.Equal(t, sess.PlanDigest, tok.PlanDigest)
	require.Equal(t, 1, tok.NextBatchIndex)
}

func TestSession_PauseThenResume(t *testing.T) {
	recorder := &resultRecorder{}
	exec := &pipelineExecutor{}
	plan := testPlan([]int{1, 2, 3, 4, 5, 6, 7, 8})
	plan.BatchConfig.InterBatchDelayMs = 100
	sess, _ := newTestSession(t, exec, plan, recorder)

	done := make(chan domain.CrawlingSessionResult, 1)
	go func() { done <- sess.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sess.Status() == StatusRunning },
		2*time.Second, time.Millisecond)
	pauseErr := sess.Pause()
	if pauseErr != nil {
		// the plan finished before the pause landed; nothing to assert
		t.Skipf("session finished before pause: %v", pauseErr)
	}

	require.Eventually(t, func() bool { return sess.Status() == StatusPaused },
		2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, sess.ResumeToken())

	require.NoError(t, sess.Resume())
	result := <-done
	require.Equal(t, domain.SessionCompleted, result.Status)
	require.Equal(t, 8, result.TotalPages)
}

func TestSession_CancelStops(t *testing.T) {
	recorder := &resultRecorder{}
	exec := &pipelineExecutor{}
	plan := testPlan([]int{1, 2, 3, 4, 5, 6, 7, 8})
	plan.BatchConfig.InterBatchDelayMs = 50
	sess, _ := newTestSession(t, exec, plan, recorder)

	done := make(chan domain.CrawlingSessionResult, 1)
	go func() { done <- sess.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sess.Status() == StatusRunning },
		2*time.Second, time.Millisecond)
	require.NoError(t, sess.Cancel())

	result := <-done
	require.Equal(t, domain.SessionStopped, result.Status)
	require.True(t, sess.Status().IsTerminal())
	require.Error(t, sess.Cancel())
}

func TestChunkPages(t *testing.T) {
	chunks := chunkPages([]int{1, 2, 3, 4, 5}, 2)
	require.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks)
	require.Empty(t, chunkPages(nil, 3))
}
