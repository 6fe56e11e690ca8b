package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/domain"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/planner"
	"github.com/mattercrawl/engine/internal/resumetoken"
	"github.com/mattercrawl/engine/internal/retrypolicy"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

// Status is a session's lifecycle state. Transitions are monotonic:
// Pending → Running → {Paused ↔ Running}* → terminal.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusStopped   Status = "Stopped"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// ErrTerminal is returned by control commands on a finished session.
var ErrTerminal = errors.New("actor: session already terminal")

// ResultWriter is the slice of the repository the session writes its
// terminal row through.
type ResultWriter interface {
	InsertCrawlingResult(ctx context.Context, r domain.CrawlingSessionResult) error
}

// SessionConfig is the frozen-at-start configuration a session runs under.
type SessionConfig struct {
	SessionTimeout         time.Duration
	CancellationGrace      time.Duration
	ValidationEnabled      bool
	AbortOnValidationError bool
	AbortOnDatabaseError   bool
	ConfigSnapshot         string // JSON of the resolved config
	// MaxFailureDetails caps the error_details payload.
	MaxFailureDetails int
}

type ctrlCmd int

const (
	cmdPause ctrlCmd = iota
	cmdResume
	cmdCancel
)

type ctrlMsg struct {
	cmd   ctrlCmd
	reply chan error
}

// Session is the top-level supervisor for one crawl. It owns the
// authoritative state, drives the plan batch by batch, and handles the
// Pause/Resume/Cancel control surface through a bounded command mailbox.
type Session struct {
	ID         string
	Intent     planner.Intent
	Plan       planner.ExecutionPlan
	PlanDigest string
	// StartBatchIndex is non-zero when rehydrating from a resume token.
	StartBatchIndex int

	Executor  Executor
	Governor  *concurrency.Governor
	GovEvents <-chan concurrency.Event
	Bank      retrypolicy.Bank
	Bus       *events.Bus
	Results   ResultWriter
	Logger    *telemetrylog.Logger
	Config    SessionConfig

	mu          sync.Mutex
	status      Status
	resumeToken string
	ctrl        chan ctrlMsg
	hardCancel  context.CancelFunc
	started     time.Time
}

// NewSession wires a Session in Pending state. controlBuffer sizes the
// command mailbox.
func NewSession(controlBuffer int) *Session {
	if controlBuffer <= 0 {
		controlBuffer = 100
	}
	return &Session{
		status: StatusPending,
		ctrl:   make(chan ctrlMsg, controlBuffer),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ResumeToken returns the last emitted token, empty unless the session
// reached Paused or Failed.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Pause asks the session to stop accepting new batches after the in-flight
// one completes.
func (s *Session) Pause() error { return s.send(cmdPause) }

// Resume continues a paused session from the next unacknowledged batch.
func (s *Session) Resume() error { return s.send(cmdResume) }

// Cancel broadcasts cancellation downward. In-flight tasks get the
// configured grace period, then the run context is cancelled abruptly.
func (s *Session) Cancel() error { return s.send(cmdCancel) }

func (s *Session) send(cmd ctrlCmd) error {
	if s.Status().IsTerminal() {
		return ErrTerminal
	}
	msg := ctrlMsg{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.ctrl <- msg:
	default:
		return fmt.Errorf("actor: control mailbox full")
	}
	select {
	case err := <-msg.reply:
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("actor: control command timed out")
	}
}

// Run executes the plan to a terminal status and writes the session result
// row exactly once. It is the only goroutine that mutates session state.
func (s *Session) Run(parent context.Context) domain.CrawlingSessionResult {
	s.started = time.Now().UTC()
	runCtx := parent
	var timeoutCancel context.CancelFunc
	if s.Config.SessionTimeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(parent, s.Config.SessionTimeout)
		defer timeoutCancel()
	}
	runCtx, hard := context.WithCancel(runCtx)
	defer hard()
	s.mu.Lock()
	s.hardCancel = hard
	s.mu.Unlock()

	scope := events.Scope{Bus: s.Bus, SessionID: s.ID}

	if s.Plan.Strategy == planner.StrategyNone {
		s.setStatus(StatusRunning)
		scope.Emit(runCtx, events.SessionFailed, map[string]any{"reason": s.Plan.Diagnostic})
		return s.finish(scope, StatusFailed, "", domain.SessionFailed, nil, batchTotals{},
			crawlerr.New("actor.Session", crawlerr.KindSiteNotAccessible, crawlerr.ErrSiteNotAccessible))
	}

	s.setStatus(StatusRunning)
	scope.Emit(runCtx, events.SessionStarted, map[string]any{
		"intent": string(s.Intent), "strategy": string(s.Plan.Strategy),
		"target_pages": len(s.Plan.TargetPages), "estimated_items": s.Plan.EstimatedItems,
	})
	s.Bus.PublishKPI(events.KPILine{Kind: events.KPIExecutionPlan, SessionID: s.ID, Payload: s.Plan})

	if s.Plan.Strategy == planner.StrategyNoAction {
		scope.Emit(runCtx, events.SessionCompleted, map[string]any{"reason": "nothing to do"})
		return s.finish(scope, StatusCompleted, "", domain.SessionCompleted, nil, batchTotals{}, nil)
	}

	batches := chunkPages(s.Plan.TargetPages, s.Plan.BatchConfig.BatchSize)
	totals := batchTotals{}
	var failures []ItemFailure
	stopping := false
	var graceTimer *time.Timer

	lastStage := retrypolicy.Stage("")
	nextBatch := s.StartBatchIndex

	for i := s.StartBatchIndex; i < len(batches); i++ {
		nextBatch = i
		action := s.handleControl(runCtx, scope, i, &stopping, &graceTimer)
		switch action {
		case actionStop:
			return s.terminalFromContext(runCtx, scope, nextBatch, lastStage, failures, totals)
		case actionPaused:
			// resumed; fall through to run the batch
		}
		if stopping {
			return s.terminalFromContext(runCtx, scope, nextBatch, lastStage, failures, totals)
		}

		batchID := fmt.Sprintf("%s-b%03d", s.ID, i)
		batchScope := scope
		batchScope.BatchID = batchID
		batchScope.Emit(runCtx, events.BatchCreated, map[string]any{"index": i, "pages": len(batches[i])})

		batch := &BatchActor{
			BatchID:  batchID,
			Pages:    batches[i],
			Executor: s.Executor,
			Governor: s.Governor,
			Bank:     s.Bank,
			Settings: BatchSettings{
				ConcurrentRequests:     s.Plan.BatchConfig.ConcurrentRequests,
				TaskTimeout:            time.Duration(s.Plan.BatchConfig.TimeoutPerRequestMs) * time.Millisecond,
				ValidationEnabled:      s.Config.ValidationEnabled,
				AbortOnValidationError: s.Config.AbortOnValidationError,
				AbortOnDatabaseError:   s.Config.AbortOnDatabaseError,
			},
			Scope:     batchScope,
			GovEvents: s.GovEvents,
			Logger:    s.Logger,
		}

		report := s.runBatchUnderPermit(runCtx, batch)
		totals.add(report)
		lastStage = report.LastStage
		for _, st := range report.Stages {
			failures = append(failures, st.Failures...)
		}
		s.Bus.PublishKPI(events.KPILine{Kind: events.KPIBatch, SessionID: s.ID, Payload: map[string]any{
			"batch_id": report.BatchID, "products": report.ProductsFound,
			"details": report.DetailsFetched, "errors": report.ErrorsCount,
			"duration_ms": report.Duration.Milliseconds(),
		}})

		if report.Fatal {
			nextBatch = i + 1
			scope.Emit(runCtx, events.SessionFailed, map[string]any{
				"batch_id": report.BatchID, "last_stage": string(report.LastStage),
			})
			s.emitResumeToken(nextBatch)
			return s.finish(scope, StatusFailed, string(lastStage), domain.SessionFailed, failures, totals,
				fmt.Errorf("batch %s failed at stage %s", report.BatchID, report.LastStage))
		}
		if report.Aborted {
			return s.terminalFromContext(runCtx, scope, i, lastStage, failures, totals)
		}
		nextBatch = i + 1

		if delay := time.Duration(s.Plan.BatchConfig.InterBatchDelayMs) * time.Millisecond; delay > 0 && i+1 < len(batches) {
			if !s.sleepInterruptible(runCtx, delay) {
				return s.terminalFromContext(runCtx, scope, nextBatch, lastStage, failures, totals)
			}
		}
	}

	if graceTimer != nil {
		graceTimer.Stop()
	}
	scope.Emit(runCtx, events.SessionCompleted, map[string]any{
		"products": totals.products, "details": totals.details, "errors": totals.errors,
	})
	return s.finish(scope, StatusCompleted, string(lastStage), domain.SessionCompleted, failures, totals, nil)
}

// runBatchUnderPermit gates batch execution on the batch_processing class.
func (s *Session) runBatchUnderPermit(ctx context.Context, batch *BatchActor) BatchReport {
	permit, err := s.Governor.Acquire(ctx, concurrency.ClassBatchProcessing)
	if err != nil {
		return BatchReport{BatchID: batch.BatchID, Aborted: true}
	}
	defer permit.Release()
	return batch.Run(ctx)
}

type ctrlAction int

const (
	actionProceed ctrlAction = iota
	actionPaused
	actionStop
)

// handleControl drains pending commands before each batch. Pause blocks
// here, holding the plan position, until Resume or Cancel arrives.
func (s *Session) handleControl(ctx context.Context, scope events.Scope, nextBatch int, stopping *bool, graceTimer **time.Timer) ctrlAction {
	for {
		var msg ctrlMsg
		select {
		case <-ctx.Done():
			return actionStop
		case msg = <-s.ctrl:
		default:
			return actionProceed
		}

		switch msg.cmd {
		case cmdPause:
			s.setStatus(StatusPaused)
			s.emitResumeToken(nextBatch)
			scope.Emit(ctx, events.SessionPaused, map[string]any{"next_batch": nextBatch})
			msg.reply <- nil
			if !s.awaitResume(ctx, scope, stopping, graceTimer) {
				return actionStop
			}
			return actionPaused
		case cmdResume:
			// not paused; nothing to do
			msg.reply <- nil
		case cmdCancel:
			s.requestShutdown(ctx, scope, stopping, graceTimer)
			msg.reply <- nil
			return actionStop
		}
	}
}

// awaitResume blocks a paused session. Returns false when the session
// should stop instead of resuming.
func (s *Session) awaitResume(ctx context.Context, scope events.Scope, stopping *bool, graceTimer **time.Timer) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg := <-s.ctrl:
			switch msg.cmd {
			case cmdResume:
				s.setStatus(StatusRunning)
				scope.Emit(ctx, events.SessionResumed, nil)
				msg.reply <- nil
				return true
			case cmdCancel:
				s.requestShutdown(ctx, scope, stopping, graceTimer)
				msg.reply <- nil
				return false
			case cmdPause:
				msg.reply <- nil
			}
		}
	}
}

// requestShutdown starts the grace period; when it expires the run context
// is cancelled abruptly and in-flight stages abort.
func (s *Session) requestShutdown(ctx context.Context, scope events.Scope, stopping *bool, graceTimer **time.Timer) {
	if *stopping {
		return
	}
	*stopping = true
	scope.Emit(ctx, events.ShutdownRequested, map[string]any{
		"grace_ms": s.Config.CancellationGrace.Milliseconds(),
	})
	s.mu.Lock()
	hard := s.hardCancel
	s.mu.Unlock()
	if s.Config.CancellationGrace > 0 {
		*graceTimer = time.AfterFunc(s.Config.CancellationGrace, hard)
	} else {
		hard()
	}
}

// sleepInterruptible waits for d, returning false when the run context
// ended first. Control commands arriving mid-delay cut the wait short so
// they are handled at the top of the loop.
func (s *Session) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case msg := <-s.ctrl:
		// push the command back for handleControl; mailbox is buffered
		s.ctrl <- msg
		return true
	}
}

type batchTotals struct {
	pages, products, details, errors int
}

func (t *batchTotals) add(r BatchReport) {
	t.pages += len(r.Pages)
	t.products += r.ProductsFound
	t.details += r.DetailsFetched
	t.errors += r.ErrorsCount
}

// terminalFromContext decides the terminal status after an interruption:
// deadline → Failed with a Timeout event, anything else → Stopped.
func (s *Session) terminalFromContext(ctx context.Context, scope events.Scope, nextBatch int, lastStage retrypolicy.Stage, failures []ItemFailure, totals batchTotals) domain.CrawlingSessionResult {
	bg := context.Background()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		scope.Emit(bg, events.SessionTimeout, map[string]any{"timeout": s.Config.SessionTimeout.String()})
		s.emitResumeToken(nextBatch)
		scope.Emit(bg, events.SessionFailed, map[string]any{"reason": "session timeout"})
		return s.finish(scope, StatusFailed, string(lastStage), domain.SessionFailed, failures, totals,
			crawlerr.New("actor.Session", crawlerr.KindTimeout, context.DeadlineExceeded))
	}
	scope.Emit(bg, events.ShutdownCompleted, map[string]any{"timed_out": ctx.Err() != nil})
	return s.finish(scope, StatusStopped, string(lastStage), domain.SessionStopped, failures, totals, nil)
}

// emitResumeToken records the token under the session lock. Tokens are
// only meaningful for Paused and Failed sessions.
func (s *Session) emitResumeToken(nextBatch int) {
	tok, err := resumetoken.Encode(resumetoken.Token{
		SessionID:      s.ID,
		NextBatchIndex: nextBatch,
		PlanDigest:     s.PlanDigest,
	})
	if err != nil {
		s.Logger.Error("encoding resume token", telemetrylog.Fields{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.resumeToken = tok
	s.mu.Unlock()
}

// finish writes the terminal row exactly once and emits the session report.
func (s *Session) finish(scope events.Scope, st Status, lastStage string, dbStatus domain.SessionStatus, failures []ItemFailure, totals batchTotals, cause error) domain.CrawlingSessionResult {
	s.setStatus(st)
	s.drainControl()

	result := domain.CrawlingSessionResult{
		SessionID:      s.ID,
		Status:         dbStatus,
		LastStage:      lastStage,
		TotalPages:     totals.pages,
		ProductsFound:  totals.products,
		DetailsFetched: totals.details,
		ErrorsCount:    totals.errors,
		StartedAt:      s.started,
		FinishedAt:     time.Now().UTC(),
		ConfigSnapshot: s.Config.ConfigSnapshot,
	}
	if details := encodeFailures(failures, cause, s.Config.MaxFailureDetails); details != "" {
		result.ErrorDetails = &details
	}

	bg := context.Background()
	if s.Results != nil {
		writeCtx, cancel := context.WithTimeout(bg, 10*time.Second)
		defer cancel()
		if err := s.Results.InsertCrawlingResult(writeCtx, result); err != nil {
			s.Logger.Error("writing session result", telemetrylog.Fields{
				"session": s.ID, "error": err.Error(),
			})
		}
	}

	scope.Emit(bg, events.SessionReport, map[string]any{
		"status": string(st), "products": totals.products,
		"details": totals.details, "errors": totals.errors,
	})
	s.Bus.PublishKPI(events.KPILine{Kind: events.KPISession, SessionID: s.ID, Payload: result})
	return result
}

// drainControl answers commands that raced the terminal transition.
func (s *Session) drainControl() {
	for {
		select {
		case msg := <-s.ctrl:
			msg.reply <- ErrTerminal
		default:
			return
		}
	}
}

// encodeFailures serializes the failed items, truncated at limit, plus the
// terminal cause when there is one.
func encodeFailures(failures []ItemFailure, cause error, limit int) string {
	if len(failures) == 0 && cause == nil {
		return ""
	}
	if limit <= 0 {
		limit = 100
	}
	truncated := len(failures) > limit
	if truncated {
		failures = failures[:limit]
	}
	payload := map[string]any{"failed_items": failures, "truncated": truncated}
	if cause != nil {
		payload["cause"] = cause.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"cause":%q}`, cause)
	}
	return string(data)
}

// chunkPages splits the plan's page list into batch-sized runs, order
// preserved.
func chunkPages(pages []int, size int) [][]int {
	if size <= 0 {
		size = 1
	}
	var out [][]int
	for start := 0; start < len(pages); start += size {
		end := start + size
		if end > len(pages) {
			end = len(pages)
		}
		out = append(out, pages[start:end])
	}
	return out
}
