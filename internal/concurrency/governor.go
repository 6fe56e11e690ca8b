// Package concurrency implements the per-resource-class semaphore pool and
// the adaptive downshift/upshift policy that reacts to observed failure
// rates: a bucketed sliding-window failure tracker driving continuous
// concurrency-limit adjustment rather than a single open/closed decision.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Class identifies a semantic resource pool. Tasks declare their class and
// acquire a permit from the Governor before issuing I/O.
type Class string

const (
	ClassListCollection   Class = "list_collection"
	ClassDetailCollection Class = "detail_collection"
	ClassDataValidation   Class = "data_validation"
	ClassDatabaseSave     Class = "database_save"
	ClassBatchProcessing  Class = "batch_processing"
)

// Limits configures one resource class.
type Limits struct {
	Initial             int
	Floor               int
	DownshiftFactor     float64 // e.g. 0.5 halves the limit
	UpperWatermark      float64 // failure rate above this triggers downshift
	LowerWatermark      float64 // failure rate below this (held stably) triggers upshift
	UpshiftStableWindow int     // consecutive good tasks required before upshift
	WindowDuration      time.Duration
}

// DefaultLimits returns reasonable defaults matching the values named in
// the configuration surface.
func DefaultLimits(initial int) Limits {
	return Limits{
		Initial:             initial,
		Floor:               1,
		DownshiftFactor:     0.5,
		UpperWatermark:      0.15,
		LowerWatermark:      0.05,
		UpshiftStableWindow: 5,
		WindowDuration:      30 * time.Second,
	}
}

// Event is emitted whenever the governor changes a class's effective limit.
type Event struct {
	Class     Class
	OldLimit  int
	NewLimit  int
	Trigger   string // "downshift" or "upshift"
	Timestamp time.Time
}

// Permit must be released exactly once by the holder.
type Permit struct {
	release func()
}

// Release returns the permit to its resource class.
func (p Permit) Release() {
	if p.release != nil {
		p.release()
	}
}

type classState struct {
	mu             sync.Mutex
	limits         Limits
	currentLimit   int
	sem            chan struct{}
	window         *slidingWindow
	consecutiveOK  int
	aboveUpper     bool // rate is currently above the upper watermark
}

// Governor owns every resource class's semaphore and adaptive state.
type Governor struct {
	mu      sync.Mutex
	classes map[Class]*classState
	events  chan Event
}

// New constructs a Governor for the given per-class limits. events may be
// nil; if non-nil it must be drained by the caller or it will fill and
// further downshift/upshift events will be dropped (matching the bus's
// newest-drop policy elsewhere in the system).
func New(limits map[Class]Limits, events chan Event) *Governor {
	g := &Governor{classes: make(map[Class]*classState, len(limits)), events: events}
	for class, l := range limits {
		cs := &classState{
			limits:       l,
			currentLimit: l.Initial,
			sem:          make(chan struct{}, l.Initial),
			window:       newSlidingWindow(l.WindowDuration, 10),
		}
		g.classes[class] = cs
	}
	return g
}

// Acquire blocks until a permit for class is available or ctx is done.
func (g *Governor) Acquire(ctx context.Context, class Class) (Permit, error) {
	cs := g.classState(class)
	sem := cs.currentSem()
	select {
	case sem <- struct{}{}:
		return Permit{release: func() { <-sem }}, nil
	case <-ctx.Done():
		return Permit{}, ctx.Err()
	}
}

func (g *Governor) classState(class Class) *classState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.classes[class]
}

func (cs *classState) currentSem() chan struct{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sem
}

// RecordOutcome feeds a task's success/failure into the failure-rate
// tracker for class and evaluates whether to downshift or upshift.
func (g *Governor) RecordOutcome(class Class, success bool) {
	cs := g.classState(class)
	if cs == nil {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if success {
		cs.window.recordSuccess()
	} else {
		cs.window.recordFailure()
	}
	rate := cs.window.errorRate()

	if rate > cs.limits.UpperWatermark {
		cs.consecutiveOK = 0
		// Downshift once per crossing, not once per failure while above.
		if !cs.aboveUpper {
			cs.aboveUpper = true
			g.downshift(class, cs)
		}
		return
	}
	cs.aboveUpper = false

	if rate < cs.limits.LowerWatermark {
		cs.consecutiveOK++
		if cs.consecutiveOK >= cs.limits.UpshiftStableWindow {
			cs.consecutiveOK = 0
			g.upshift(class, cs)
		}
	} else {
		cs.consecutiveOK = 0
	}
}

// downshift must be called with cs.mu held.
func (g *Governor) downshift(class Class, cs *classState) {
	old := cs.currentLimit
	next := int(float64(old) * cs.limits.DownshiftFactor)
	if next < cs.limits.Floor {
		next = cs.limits.Floor
	}
	if next == old {
		return
	}
	g.resize(cs, next)
	g.emit(Event{Class: class, OldLimit: old, NewLimit: next, Trigger: "downshift", Timestamp: time.Now()})
}

// upshift must be called with cs.mu held.
func (g *Governor) upshift(class Class, cs *classState) {
	old := cs.currentLimit
	next := old + 1
	if next > cs.limits.Initial {
		next = cs.limits.Initial
	}
	if next == old {
		return
	}
	g.resize(cs, next)
	g.emit(Event{Class: class, OldLimit: old, NewLimit: next, Trigger: "upshift", Timestamp: time.Now()})
}

// resize swaps in a fresh semaphore at the new capacity. In-flight permits
// drain against the channel they were acquired from, so the effective
// limit can transiently overshoot by the number of tasks in flight at the
// moment of the swap; it settles to the new limit as they release.
func (g *Governor) resize(cs *classState, next int) {
	cs.currentLimit = next
	cs.sem = make(chan struct{}, next)
}

func (g *Governor) emit(e Event) {
	if g.events == nil {
		return
	}
	select {
	case g.events <- e:
	default:
	}
}

// CurrentLimit reports the effective limit for class.
func (g *Governor) CurrentLimit(class Class) int {
	cs := g.classState(class)
	if cs == nil {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.currentLimit
}

// Floor reports the configured floor for class.
func (g *Governor) Floor(class Class) int {
	cs := g.classState(class)
	if cs == nil {
		return 0
	}
	return cs.limits.Floor
}
