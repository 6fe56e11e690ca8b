package actor

import (
	"context"
	"time"

	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/retrypolicy"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

// ItemFailure records one item's terminal give-up.
type ItemFailure struct {
	TaskID   string        `json:"task_id"`
	Kind     crawlerr.Kind `json:"kind"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error"`
}

// StageReport is a stage's aggregate outcome. At termination
// Successes + GiveUps == InputItems, or Aborted is set.
type StageReport struct {
	Stage      retrypolicy.Stage
	InputItems int
	Successes  int
	GiveUps    int
	Aborted    bool
	Failures   []ItemFailure
	Outputs    []TaskOutput
	Duration   time.Duration
}

// StageActor executes a homogeneous set of tasks for one stage within one
// batch: bounded parallelism under governor permits, retry decisions from
// the policy bank, per-item lifecycle events.
type StageActor struct {
	Stage    retrypolicy.Stage
	Class    concurrency.Class
	Executor Executor
	Governor *concurrency.Governor
	Policy   retrypolicy.Policy
	Workers  int
	Scope    events.Scope
	Logger   *telemetrylog.Logger
	// AbortOnError reports the stage as failed when any item gave up;
	// otherwise give-ups are carried in the completed report and the batch
	// decides.
	AbortOnError bool
}

type stageItem struct {
	task     Task
	attempts int
	started  time.Time
}

type stageResult struct {
	item   stageItem
	output TaskOutput
	err    error
}

// Run drives every task to a terminal outcome: success or give-up. A
// retryable failure is re-enqueued after its backoff delay via a timer, not
// a sleeping worker, so one slow retry cannot starve the pool. Cancellation
// aborts promptly: in-flight tasks unwind and no retries are attempted.
func (s *StageActor) Run(ctx context.Context, tasks []Task) StageReport {
	start := time.Now()
	report := StageReport{Stage: s.Stage, InputItems: len(tasks)}
	if len(tasks) == 0 {
		return report
	}

	s.Scope.Emit(ctx, events.StageStarted, map[string]any{"items": len(tasks)})

	workers := s.Workers
	if workers <= 0 || workers > len(tasks) {
		workers = len(tasks)
	}

	// Capacity len(tasks) guarantees retry timers can always re-enqueue
	// without blocking, since at most InputItems items are outstanding.
	work := make(chan stageItem, len(tasks))
	results := make(chan stageResult, len(tasks))
	now := time.Now()
	for _, t := range tasks {
		work <- stageItem{task: t, started: now}
	}

	for i := 0; i < workers; i++ {
		go s.worker(ctx, work, results)
	}

	outstanding := len(tasks)
	for outstanding > 0 {
		select {
		case <-ctx.Done():
			report.Aborted = true
			report.Duration = time.Since(start)
			s.Scope.Emit(context.Background(), events.StageAborted, map[string]any{
				"outstanding": outstanding,
			})
			return report
		case res := <-results:
			if res.err == nil {
				s.Governor.RecordOutcome(s.Class, true)
				report.Successes++
				report.Outputs = append(report.Outputs, res.output)
				outstanding--
				s.emitTaskEvent(ctx, res.item.task, true, res.item.attempts, time.Since(res.item.started), nil)
				s.emitProgress(ctx, report, outstanding)
				continue
			}

			s.Governor.RecordOutcome(s.Class, false)
			item := res.item
			decision := s.Policy.Decide(res.err, item.attempts)
			if decision.ShouldRetry && ctx.Err() == nil {
				s.Logger.Debug("retrying task", telemetrylog.Fields{
					"stage": string(s.Stage), "task": item.task.ID,
					"attempt": item.attempts, "delay_ms": decision.Delay.Milliseconds(),
				})
				time.AfterFunc(decision.Delay, func() { work <- item })
				continue
			}

			kind, _ := crawlerr.KindOf(res.err)
			report.GiveUps++
			report.Failures = append(report.Failures, ItemFailure{
				TaskID:   item.task.ID,
				Kind:     kind,
				Attempts: item.attempts,
				Error:    res.err.Error(),
			})
			outstanding--
			s.emitTaskEvent(ctx, item.task, false, item.attempts, time.Since(item.started), res.err)
			s.emitProgress(ctx, report, outstanding)
		}
	}

	report.Duration = time.Since(start)
	if report.GiveUps > 0 && s.AbortOnError {
		s.Scope.Emit(ctx, events.StageFailed, map[string]any{
			"successes": report.Successes, "give_ups": report.GiveUps,
		})
	} else {
		s.Scope.Emit(ctx, events.StageCompleted, map[string]any{
			"successes": report.Successes, "give_ups": report.GiveUps,
		})
	}
	return report
}

func (s *StageActor) worker(ctx context.Context, work <-chan stageItem, results chan<- stageResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-work:
			permit, err := s.Governor.Acquire(ctx, s.Class)
			if err != nil {
				return
			}
			item.attempts++
			s.emitTaskStarted(ctx, item.task, item.attempts)
			output, execErr := s.Executor.Execute(ctx, item.task)
			permit.Release()

			select {
			case results <- stageResult{item: item, output: output, err: execErr}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StageActor) taskEventTypes(t Task) (started, completed, failed events.Type, ok bool) {
	switch t.Kind {
	case TaskFetchListPage:
		return events.PageTaskStarted, events.PageTaskCompleted, events.PageTaskFailed, true
	case TaskFetchDetail, TaskValidateDetail:
		return events.DetailTaskStarted, events.DetailTaskCompleted, events.DetailTaskFailed, true
	default:
		// persistence flushes surface through stage events only
		return "", "", "", false
	}
}

func (s *StageActor) emitTaskStarted(ctx context.Context, t Task, attempt int) {
	started, _, _, ok := s.taskEventTypes(t)
	if !ok {
		return
	}
	s.Scope.EmitTask(ctx, started, t.ID, map[string]any{"attempt": attempt})
}

func (s *StageActor) emitTaskEvent(ctx context.Context, t Task, success bool, attempts int, elapsed time.Duration, err error) {
	_, completed, failed, ok := s.taskEventTypes(t)
	if !ok {
		return
	}
	payload := map[string]any{"attempts": attempts, "elapsed_ms": elapsed.Milliseconds()}
	if success {
		s.Scope.EmitTask(ctx, completed, t.ID, payload)
		return
	}
	payload["error"] = err.Error()
	s.Scope.EmitTask(ctx, failed, t.ID, payload)
}

func (s *StageActor) emitProgress(ctx context.Context, report StageReport, outstanding int) {
	done := report.Successes + report.GiveUps
	if outstanding == 0 || done%10 == 0 {
		s.Scope.Emit(ctx, events.StageProgress, map[string]any{
			"done": done, "total": report.InputItems,
		})
	}
}
