// Package events implements the engine's lifecycle event bus: a bounded
// broadcast of typed events with monotonic per-session sequence numbers and
// a separate best-effort sink for KPI aggregates. Publishers are never
// blocked by a slow consumer; a full subscriber channel is dropped-from and
// the drop is counted per event type.
package events

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Type names one lifecycle event variant.
type Type string

const (
	SessionStarted        Type = "session.started"
	SessionPaused         Type = "session.paused"
	SessionResumed        Type = "session.resumed"
	SessionCompleted      Type = "session.completed"
	SessionFailed         Type = "session.failed"
	SessionTimeout        Type = "session.timeout"
	SessionReport         Type = "session.report"
	SessionReplanRequired Type = "session.replan_required"

	StageStarted   Type = "stage.started"
	StageCompleted Type = "stage.completed"
	StageFailed    Type = "stage.failed"
	StageAborted   Type = "stage.aborted"
	StageProgress  Type = "stage.progress"

	BatchCreated                Type = "batch.created"
	BatchStarted                Type = "batch.started"
	BatchCompleted              Type = "batch.completed"
	BatchFailed                 Type = "batch.failed"
	BatchReport                 Type = "batch.report"
	BatchConcurrencyDownshifted Type = "batch.concurrency_downshifted"

	PageTaskStarted   Type = "page_task.started"
	PageTaskCompleted Type = "page_task.completed"
	PageTaskFailed    Type = "page_task.failed"

	DetailTaskStarted   Type = "detail_task.started"
	DetailTaskCompleted Type = "detail_task.completed"
	DetailTaskFailed    Type = "detail_task.failed"

	ShutdownRequested Type = "shutdown.requested"
	ShutdownCompleted Type = "shutdown.completed"
)

// Event is one lifecycle record. Seq is monotonic per session; BatchID,
// Stage, and TaskID are set when the publishing actor has them.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
}

// KPIKind names one KPI aggregate subject.
type KPIKind string

const (
	KPIPlan          KPIKind = "plan"
	KPIBatch         KPIKind = "batch"
	KPISession       KPIKind = "session"
	KPIExecutionPlan KPIKind = "execution_plan"
)

// KPILine is one best-effort aggregate record. It is only published after
// its subject's transition has been committed in memory.
type KPILine struct {
	Kind      KPIKind   `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Filter selects which events a subscriber receives.
type Filter func(Event) bool

// FilterSession matches every event belonging to sessionID; an empty
// sessionID matches everything.
func FilterSession(sessionID string) Filter {
	return func(e Event) bool {
		return sessionID == "" || e.SessionID == sessionID
	}
}

// Unsubscribe detaches a subscriber; safe to call more than once.
type Unsubscribe func()

type subscriber struct {
	ch     chan Event
	filter Filter
}

type kpiSubscriber struct {
	ch chan KPILine
}

// Bus is the process-wide event bus. Construct once at startup; never
// reinitialize per session.
type Bus struct {
	mu         sync.Mutex
	seq        map[string]uint64
	subs       map[int]*subscriber
	kpiSubs    map[int]*kpiSubscriber
	nextSubID  int
	dropped    map[Type]uint64
	kpiDropped map[KPIKind]uint64
	bufferSize int
}

// NewBus constructs a Bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Bus{
		seq:        make(map[string]uint64),
		subs:       make(map[int]*subscriber),
		kpiSubs:    make(map[int]*kpiSubscriber),
		dropped:    make(map[Type]uint64),
		kpiDropped: make(map[KPIKind]uint64),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a lifecycle consumer. The returned channel is closed
// by Unsubscribe.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, Unsubscribe) {
	if filter == nil {
		filter = FilterSession("")
	}
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{ch: make(chan Event, b.bufferSize), filter: filter}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// SubscribeKPI registers a KPI consumer.
func (b *Bus) SubscribeKPI() (<-chan KPILine, Unsubscribe) {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &kpiSubscriber{ch: make(chan KPILine, b.bufferSize)}
	b.kpiSubs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.kpiSubs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish stamps e with the session's next sequence number and a timestamp,
// then fans it out. A subscriber whose channel is full loses the event; the
// loss is counted on the event's type. If ctx carries an active span, the
// event is mirrored as a span event.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	b.mu.Lock()
	b.seq[e.SessionID]++
	e.Seq = b.seq[e.SessionID]
	e.Timestamp = time.Now().UTC()

	for _, sub := range b.subs {
		if !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped[e.Type]++
		}
	}
	b.mu.Unlock()

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(string(e.Type), trace.WithAttributes(
			attribute.String("session_id", e.SessionID),
			attribute.String("batch_id", e.BatchID),
			attribute.Int64("seq", int64(e.Seq)),
		))
	}
	return e
}

// PublishKPI fans a KPI line out to KPI subscribers, best-effort.
func (b *Bus) PublishKPI(line KPILine) {
	line.Timestamp = time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.kpiSubs {
		select {
		case sub.ch <- line:
		default:
			b.kpiDropped[line.Kind]++
		}
	}
}

// Dropped reports how many events of t have been dropped so far.
func (b *Bus) Dropped(t Type) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[t]
}

// DroppedKPI reports how many KPI lines of k have been dropped so far.
func (b *Bus) DroppedKPI(k KPIKind) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kpiDropped[k]
}

// LastSeq reports the latest sequence number issued for sessionID.
func (b *Bus) LastSeq(sessionID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[sessionID]
}

// Scope is a convenience wrapper binding the ids a publishing actor always
// has, so call sites stay one line.
type Scope struct {
	Bus       *Bus
	SessionID string
	BatchID   string
	Stage     string
}

// Emit publishes t with payload under the scope's ids.
func (s Scope) Emit(ctx context.Context, t Type, payload any) Event {
	return s.Bus.Publish(ctx, Event{
		SessionID: s.SessionID,
		BatchID:   s.BatchID,
		Stage:     s.Stage,
		Type:      t,
		Payload:   payload,
	})
}

// EmitTask publishes t for one task id under the scope's ids.
func (s Scope) EmitTask(ctx context.Context, t Type, taskID string, payload any) Event {
	return s.Bus.Publish(ctx, Event{
		SessionID: s.SessionID,
		BatchID:   s.BatchID,
		Stage:     s.Stage,
		TaskID:    taskID,
		Type:      t,
		Payload:   payload,
	})
}
