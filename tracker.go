package authclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// TrackerEvent describes a change in the operation registry
type TrackerEvent struct {
	Name     string
	InFlight bool
	Busy     bool
	Err      error
	Duration time.Duration
}

// TrackerObserver receives begin/end notifications, e.g. for metrics
type TrackerObserver interface {
	OperationStarted(name string)
	OperationFinished(name string, err error, elapsed time.Duration)
}

// TrackerOption customizes an OperationTracker
type TrackerOption func(*OperationTracker)

// WithTrackerObserver adds an observer
func WithTrackerObserver(o TrackerObserver) TrackerOption {
	return func(t *OperationTracker) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

// WithTrackerClock injects a custom clock (useful for tests).
func WithTrackerClock(clock func() time.Time) TrackerOption {
	return func(t *OperationTracker) {
		if clock != nil {
			t.now = clock
		}
	}
}

// OperationTracker keeps the set of in-flight operation names. It knows
// nothing about what the operations are; anything asynchronous in the
// client registers here so callers can ask whether anything is happening.
//
// Begin is idempotent per name and End always releases the name, so a failed
// operation can never wedge IsBusy.
type OperationTracker struct {
	mu        sync.Mutex
	ops       map[string]time.Time
	observers []TrackerObserver
	subs      map[int]func(TrackerEvent)
	nextSub   int
	now       func() time.Time
}

// NewOperationTracker returns an idle tracker
func NewOperationTracker(opts ...TrackerOption) *OperationTracker {
	t := &OperationTracker{
		ops:  map[string]time.Time{},
		subs: map[int]func(TrackerEvent){},
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Begin marks name as in flight. Calling it again before End is a no-op.
func (t *OperationTracker) Begin(name string) {
	t.mu.Lock()
	if _, exists := t.ops[name]; exists {
		t.mu.Unlock()
		return
	}
	t.ops[name] = t.now()
	event := TrackerEvent{Name: name, InFlight: true, Busy: true}
	subs := t.subscribers()
	observers := t.observers
	t.mu.Unlock()

	for _, o := range observers {
		o.OperationStarted(name)
	}
	publish(subs, event)
}

// End clears name regardless of the operation outcome.
func (t *OperationTracker) End(name string) {
	t.end(name, nil)
}

// Track runs fn between Begin and End. End runs even if fn panics; the
// panic is reported to observers as an error and then re-raised.
func (t *OperationTracker) Track(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	t.Begin(name)
	defer func() {
		if r := recover(); r != nil {
			t.end(name, panicError(name, r))
			panic(r)
		}
		t.end(name, err)
	}()
	return fn(ctx)
}

// IsBusy reports whether any operation is in flight
func (t *OperationTracker) IsBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops) > 0
}

// InFlight reports whether name is in flight
func (t *OperationTracker) InFlight(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[name]
	return ok
}

// Operations returns the sorted names currently in flight
func (t *OperationTracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.ops))
	for name := range t.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers fn for registry changes. The returned function
// removes the subscription.
func (t *OperationTracker) Subscribe(fn func(TrackerEvent)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *OperationTracker) end(name string, err error) {
	t.mu.Lock()
	started, exists := t.ops[name]
	if !exists {
		t.mu.Unlock()
		return
	}
	delete(t.ops, name)
	elapsed := t.now().Sub(started)
	event := TrackerEvent{
		Name:     name,
		InFlight: false,
		Busy:     len(t.ops) > 0,
		Err:      err,
		Duration: elapsed,
	}
	subs := t.subscribers()
	observers := t.observers
	t.mu.Unlock()

	for _, o := range observers {
		o.OperationFinished(name, err, elapsed)
	}
	publish(subs, event)
}

func (t *OperationTracker) subscribers() []func(TrackerEvent) {
	if len(t.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(TrackerEvent), 0, len(ids))
	for _, id := range ids {
		out = append(out, t.subs[id])
	}
	return out
}

// panicError describes a panic raised by a tracked operation
func panicError(name string, r any) error {
	return goerrors.New(fmt.Sprintf("operation %s panicked: %v", name, r), goerrors.CategoryInternal).
		WithTextCode(TextCodeOperationPanic)
}

func publish(subs []func(TrackerEvent), event TrackerEvent) {
	for _, fn := range subs {
		fn(event)
	}
}
