package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/mattercrawl/engine/internal/concurrency"
	"github.com/mattercrawl/engine/internal/domain"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/retrypolicy"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

// BatchReport aggregates one batch's stage outcomes.
type BatchReport struct {
	BatchID        string
	Pages          []int
	ProductsFound  int
	DetailsFetched int
	ErrorsCount    int
	Fatal          bool
	Aborted        bool
	LastStage      retrypolicy.Stage
	Downshifts     []concurrency.Event
	Stages         []StageReport
	Duration       time.Duration
}

// BatchSettings is the frozen slice of session state a batch needs.
type BatchSettings struct {
	ConcurrentRequests     int
	TaskTimeout            time.Duration
	ValidationEnabled      bool
	AbortOnValidationError bool
	AbortOnDatabaseError   bool
}

// BatchActor sequences the stage pipeline for one planner-chosen set of
// physical pages: list collection, detail collection, optional validation,
// then one persistence flush.
type BatchActor struct {
	BatchID   string
	Pages     []int
	Executor  Executor
	Governor  *concurrency.Governor
	Bank      retrypolicy.Bank
	Settings  BatchSettings
	Scope     events.Scope
	GovEvents <-chan concurrency.Event
	Logger    *telemetrylog.Logger
}

// Run drives the batch to a terminal report. A stage with give-ups makes
// the report partial (ErrorsCount > 0); it makes the report fatal only
// under the abort-on-error switch for that stage.
func (b *BatchActor) Run(ctx context.Context) BatchReport {
	start := time.Now()
	report := BatchReport{BatchID: b.BatchID, Pages: b.Pages}

	b.Scope.Emit(ctx, events.BatchStarted, map[string]any{"pages": len(b.Pages)})

	finish := func() BatchReport {
		report.Duration = time.Since(start)
		report.Downshifts = append(report.Downshifts, b.drainGovernorEvents(ctx)...)
		b.emitTerminal(ctx, &report)
		return report
	}

	// Stage 1: list collection.
	listReport := b.runStage(ctx, retrypolicy.StageListCollection, concurrency.ClassListCollection,
		false, b.listTasks())
	report.Stages = append(report.Stages, listReport)
	report.LastStage = retrypolicy.StageListCollection
	report.ErrorsCount += listReport.GiveUps
	if listReport.Aborted {
		report.Aborted = true
		return finish()
	}

	var products = collectProducts(listReport.Outputs)
	report.ProductsFound = len(products)

	// Stage 2: detail collection over the URLs the lists produced.
	detailReport := b.runStage(ctx, retrypolicy.StageDetailCollection, concurrency.ClassDetailCollection,
		false, b.detailTasks(products))
	report.Stages = append(report.Stages, detailReport)
	report.LastStage = retrypolicy.StageDetailCollection
	report.ErrorsCount += detailReport.GiveUps
	if detailReport.Aborted {
		report.Aborted = true
		return finish()
	}

	details := collectDetails(detailReport.Outputs)
	report.DetailsFetched = len(details)

	// Stage 3 (optional): validation between parse and persistence.
	if b.Settings.ValidationEnabled && len(details) > 0 {
		valReport := b.runStage(ctx, retrypolicy.StageDataValidation, concurrency.ClassDataValidation,
			b.Settings.AbortOnValidationError, b.validateTasks(details))
		report.Stages = append(report.Stages, valReport)
		report.LastStage = retrypolicy.StageDataValidation
		report.ErrorsCount += valReport.GiveUps
		if valReport.Aborted {
			report.Aborted = true
			return finish()
		}
		if valReport.GiveUps > 0 && b.Settings.AbortOnValidationError {
			report.Fatal = true
			return finish()
		}
		details = collectDetails(valReport.Outputs)
	}

	// Stage 4: one persistence flush for everything the batch produced.
	persistReport := b.runStage(ctx, retrypolicy.StageDatabaseSave, concurrency.ClassDatabaseSave,
		b.Settings.AbortOnDatabaseError, b.persistTasks(products, details))
	report.Stages = append(report.Stages, persistReport)
	report.LastStage = retrypolicy.StageDatabaseSave
	report.ErrorsCount += persistReport.GiveUps
	if persistReport.Aborted {
		report.Aborted = true
		return finish()
	}
	if persistReport.GiveUps > 0 && b.Settings.AbortOnDatabaseError {
		report.Fatal = true
		return finish()
	}

	return finish()
}

func (b *BatchActor) runStage(ctx context.Context, stage retrypolicy.Stage, class concurrency.Class, abortOnError bool, tasks []Task) StageReport {
	policy, ok := b.Bank.Policy(stage)
	if !ok {
		// config validation guarantees this at startup; treat as empty stage
		b.Logger.Error("no policy for stage", telemetrylog.Fields{"stage": string(stage)})
		return StageReport{Stage: stage}
	}
	scope := b.Scope
	scope.Stage = string(stage)
	s := &StageActor{
		Stage:        stage,
		Class:        class,
		Executor:     b.Executor,
		Governor:     b.Governor,
		Policy:       policy,
		Workers:      b.Settings.ConcurrentRequests,
		Scope:        scope,
		Logger:       b.Logger,
		AbortOnError: abortOnError,
	}
	return s.Run(ctx, tasks)
}

func (b *BatchActor) listTasks() []Task {
	tasks := make([]Task, 0, len(b.Pages))
	for _, page := range b.Pages {
		tasks = append(tasks, Task{
			ID:          fmt.Sprintf("%s/list/%d", b.BatchID, page),
			Kind:        TaskFetchListPage,
			Class:       concurrency.ClassListCollection,
			PolicyStage: retrypolicy.StageListCollection,
			Timeout:     b.Settings.TaskTimeout,
			Page:        page,
		})
	}
	return tasks
}

func (b *BatchActor) detailTasks(products []productRecord) []Task {
	tasks := make([]Task, 0, len(products))
	for _, p := range products {
		tasks = append(tasks, Task{
			ID:          fmt.Sprintf("%s/detail/%s", b.BatchID, p.url),
			Kind:        TaskFetchDetail,
			Class:       concurrency.ClassDetailCollection,
			PolicyStage: retrypolicy.StageDetailCollection,
			Timeout:     b.Settings.TaskTimeout,
			URL:         p.url,
		})
	}
	return tasks
}

func (b *BatchActor) validateTasks(details []detailRecord) []Task {
	tasks := make([]Task, 0, len(details))
	for i := range details {
		tasks = append(tasks, Task{
			ID:          fmt.Sprintf("%s/validate/%s", b.BatchID, details[i].detail.URL),
			Kind:        TaskValidateDetail,
			Class:       concurrency.ClassDataValidation,
			PolicyStage: retrypolicy.StageDataValidation,
			Timeout:     b.Settings.TaskTimeout,
			Detail:      &details[i].detail,
		})
	}
	return tasks
}

func (b *BatchActor) persistTasks(products []productRecord, details []detailRecord) []Task {
	task := Task{
		ID:          fmt.Sprintf("%s/persist", b.BatchID),
		Kind:        TaskPersist,
		Class:       concurrency.ClassDatabaseSave,
		PolicyStage: retrypolicy.StageDatabaseSave,
		Timeout:     b.Settings.TaskTimeout,
	}
	for _, p := range products {
		task.Products = append(task.Products, p.product)
	}
	for _, d := range details {
		task.Details = append(task.Details, d.detail)
	}
	return []Task{task}
}

// drainGovernorEvents empties whatever the governor emitted while this
// batch ran, forwards each as a lifecycle event, and returns them for the
// report.
func (b *BatchActor) drainGovernorEvents(ctx context.Context) []concurrency.Event {
	if b.GovEvents == nil {
		return nil
	}
	var out []concurrency.Event
	for {
		select {
		case e := <-b.GovEvents:
			out = append(out, e)
			if e.Trigger == "downshift" {
				b.Scope.Emit(ctx, events.BatchConcurrencyDownshifted, map[string]any{
					"class": string(e.Class), "old_limit": e.OldLimit,
					"new_limit": e.NewLimit, "trigger": e.Trigger,
				})
			}
		default:
			return out
		}
	}
}

type productRecord struct {
	url     string
	product domain.Product
}

type detailRecord struct {
	detail domain.ProductDetail
}

// collectProducts flattens stage outputs into the detail stage's input
// set, de-duplicated by URL within the batch.
func collectProducts(outputs []TaskOutput) []productRecord {
	seen := make(map[string]struct{})
	var out []productRecord
	for _, o := range outputs {
		for _, p := range o.Products {
			if _, dup := seen[p.URL]; dup {
				continue
			}
			seen[p.URL] = struct{}{}
			out = append(out, productRecord{url: p.URL, product: p})
		}
	}
	return out
}

func collectDetails(outputs []TaskOutput) []detailRecord {
	var out []detailRecord
	for _, o := range outputs {
		if o.Detail != nil {
			out = append(out, detailRecord{detail: *o.Detail})
		}
	}
	return out
}

func (b *BatchActor) emitTerminal(ctx context.Context, report *BatchReport) {
	switch {
	case report.Fatal:
		b.Scope.Emit(ctx, events.BatchFailed, map[string]any{
			"errors": report.ErrorsCount, "last_stage": string(report.LastStage),
		})
	default:
		b.Scope.Emit(ctx, events.BatchCompleted, map[string]any{
			"products": report.ProductsFound, "details": report.DetailsFetched,
			"errors": report.ErrorsCount,
		})
	}
	b.Scope.Emit(ctx, events.BatchReport, map[string]any{
		"pages": len(report.Pages), "products": report.ProductsFound,
		"details": report.DetailsFetched, "errors": report.ErrorsCount,
		"downshifts":  len(report.Downshifts),
		"duration_ms": report.Duration.Milliseconds(),
	})
}
