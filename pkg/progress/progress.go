// Package progress tracks long running import and export tasks, reports their
// completion fraction to subscribers and carries cooperative cancellation.
package progress

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Reporter receives the completion fraction of some unit of work and tells
// it whether to stop.
type Reporter interface {
	Report(fraction float64, label string)
	Cancelled() bool
}

// EventKind identifies a task lifecycle event.
type EventKind uint8

const (
	EventStarted EventKind = iota
	EventProgress
	EventEnded
)

// Event is delivered to subscribers.
type Event struct {
	Kind     EventKind
	TaskID   string
	Title    string
	Stage    string
	Fraction float64
	Label    string
	Err      error
	Elapsed  time.Duration
}

// Subscriber receives task events. It is called synchronously from the
// reporting goroutine and must not block.
type Subscriber func(Event)

// Manager owns the running tasks.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	subs   map[int]Subscriber
	nextID int
}

// NewManager creates an empty task manager.
func NewManager() *Manager {
	return &Manager{
		tasks: make(map[string]*Task),
		subs:  make(map[int]Subscriber),
	}
}

// NewTask creates and registers a task whose context derives from ctx.
func (m *Manager) NewTask(ctx context.Context, title string) *Task {
	t := newTask(ctx, title, m)

	m.mu.Lock()
	m.tasks[t.id] = t
	m.mu.Unlock()

	m.emit(Event{Kind: EventStarted, TaskID: t.id, Title: title})
	return t
}

// Get looks up a running task.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Tasks returns the running tasks ordered by start time.
func (m *Manager) Tasks() []*Task {
	m.mu.RLock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].started.Before(out[j].started) })
	return out
}

// Report updates the fraction of a task. Unknown ids are ignored.
func (m *Manager) Report(id string, fraction float64, label string) {
	if t, ok := m.Get(id); ok {
		t.Report(fraction, label)
	}
}

// Cancel requests cancellation of a task. It returns false for unknown ids.
func (m *Manager) Cancel(id string) bool {
	t, ok := m.Get(id)
	if ok {
		t.Cancel()
	}
	return ok
}

// End removes the task and notifies subscribers with its outcome.
func (m *Manager) End(id string, err error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	t.finish()
	m.emit(Event{
		Kind:     EventEnded,
		TaskID:   id,
		Title:    t.Title(),
		Stage:    t.Stage(),
		Fraction: t.Fraction(),
		Err:      err,
		Elapsed:  time.Since(t.started),
	})
}

// Subscribe registers fn for all task events and returns a function that
// removes it.
func (m *Manager) Subscribe(fn Subscriber) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(e Event) {
	if m == nil {
		return
	}
	m.mu.RLock()
	subs := make([]Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		s(e)
	}
}

// Task is one import or export job.
type Task struct {
	id      string
	m       *Manager
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	cancelRequested atomic.Bool
	ended           atomic.Bool

	mu       sync.Mutex
	title    string
	stage    string
	label    string
	fraction float64
}

// Detached creates a task that is not tracked by any manager.
func Detached(ctx context.Context, title string) *Task {
	return newTask(ctx, title, nil)
}

func newTask(ctx context.Context, title string, m *Manager) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithCancel(ctx)
	return &Task{
		id:      uuid.NewString(),
		m:       m,
		started: time.Now(),
		ctx:     tctx,
		cancel:  cancel,
		title:   title,
	}
}

func (t *Task) ID() string           { return t.id }
func (t *Task) StartedAt() time.Time { return t.started }

// Context is cancelled when the task is cancelled or its parent ends.
func (t *Task) Context() context.Context { return t.ctx }

func (t *Task) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// SetTitle replaces the task title.
func (t *Task) SetTitle(title string) {
	t.mu.Lock()
	t.title = title
	t.mu.Unlock()
}

func (t *Task) Stage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// SetStage records the pipeline stage the task is in.
func (t *Task) SetStage(stage string) {
	t.mu.Lock()
	t.stage = stage
	t.mu.Unlock()
}

func (t *Task) Fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fraction
}

// Report records progress. Fractions are clamped to [0, 1] and never go
// backwards.
func (t *Task) Report(fraction float64, label string) {
	fraction = clamp(fraction)

	t.mu.Lock()
	if fraction < t.fraction {
		fraction = t.fraction
	}
	t.fraction = fraction
	if label != "" {
		t.label = label
	}
	label = t.label
	title, stage := t.title, t.stage
	t.mu.Unlock()

	t.m.emit(Event{
		Kind:     EventProgress,
		TaskID:   t.id,
		Title:    title,
		Stage:    stage,
		Fraction: fraction,
		Label:    label,
	})
}

// Cancel sets the cooperative cancellation flag and cancels the task context.
func (t *Task) Cancel() {
	t.cancelRequested.Store(true)
	t.cancel()
}

// Cancelled reports whether cancellation was requested either through Cancel
// or through the parent context before the task ended.
func (t *Task) Cancelled() bool {
	if t.cancelRequested.Load() {
		return true
	}
	return !t.ended.Load() && t.ctx.Err() != nil
}

// Ended reports whether the manager ended the task.
func (t *Task) Ended() bool { return t.ended.Load() }

// finish releases the task context. A parent cancellation that happened
// while running stays visible through Cancelled.
func (t *Task) finish() {
	if t.ctx.Err() != nil {
		t.cancelRequested.Store(true)
	}
	t.ended.Store(true)
	t.cancel()
}

// Scope returns a reporter that maps [0, 1] onto [from, to] of t.
func (t *Task) Scope(from, to float64) Reporter {
	return &scoped{parent: t, from: from, to: to}
}

type scoped struct {
	parent   Reporter
	from, to float64
}

func (s *scoped) Report(fraction float64, label string) {
	s.parent.Report(s.from+clamp(fraction)*(s.to-s.from), label)
}

func (s *scoped) Cancelled() bool { return s.parent.Cancelled() }

// SetStage passes the stage to the parent when it records stages.
func (s *scoped) SetStage(stage string) {
	if st, ok := s.parent.(interface{ SetStage(string) }); ok {
		st.SetStage(stage)
	}
}

// Scope narrows any reporter to a sub-range.
func Scope(r Reporter, from, to float64) Reporter {
	if r == nil {
		return Nop()
	}
	if t, ok := r.(*Task); ok {
		return t.Scope(from, to)
	}
	return &scoped{parent: r, from: from, to: to}
}

type nop struct{}

func (nop) Report(float64, string) {}
func (nop) Cancelled() bool        { return false }

// Nop returns a reporter that discards progress and is never cancelled.
func Nop() Reporter { return nop{} }

func clamp(f float64) float64 {
	switch {
	case f != f: // NaN
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
