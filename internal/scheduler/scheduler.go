// Package scheduler provides the discrete-event clock every Class B actor
// runs on: timers are closures registered with a delay and fired in due-time
// order on a single timeline.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// Handle identifies a scheduled event. The zero Handle never refers to an
// event, so it is safe to Cancel.
type Handle uint64

// Scheduler registers closures to run after a delay on a virtual clock.
// Cancelling a handle that already fired, or was never issued, is a no-op.
type Scheduler interface {
	Now() time.Duration
	Schedule(delay time.Duration, fn func()) Handle
	Cancel(h Handle)
	Pending(h Handle) bool
	Remaining(h Handle) time.Duration
}

type event struct {
	at  time.Duration
	seq uint64
	fn  func()

	index int
}

type eventQueue []*event

func (q eventQueue) Len() int {
	return len(q)
}

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

func (q *eventQueue) Push(x interface{}) {
	e := x.(*event)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// EventLoop is the single-threaded Scheduler implementation. Events due at the
// same instant fire in the order they were scheduled.
//
// Now, Schedule, Cancel, Pending and Remaining must be called from an event
// callback or from inside Do. Run, RunUntil, Step, RunRealtime and Do take the
// loop lock themselves.
type EventLoop struct {
	mu     sync.Mutex
	now    time.Duration
	seq    uint64
	q      eventQueue
	events map[Handle]*event
	fired  uint64
	wake   chan struct{}
}

// Option configures an EventLoop.
type Option func(*EventLoop)

// WithStart sets the initial clock value, e.g. a GPS epoch offset.
func WithStart(start time.Duration) Option {
	return func(l *EventLoop) {
		l.now = start
	}
}

// NewEventLoop creates an empty loop at time zero.
func NewEventLoop(opts ...Option) *EventLoop {
	l := &EventLoop{
		events: make(map[Handle]*event),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	heap.Init(&l.q)
	return l
}

var _ Scheduler = (*EventLoop)(nil)

// Now returns the current virtual time.
func (l *EventLoop) Now() time.Duration {
	return l.now
}

// Schedule registers fn to run delay after now. Negative delays run at now.
func (l *EventLoop) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	l.seq++
	e := &event{at: l.now + delay, seq: l.seq, fn: fn}
	heap.Push(&l.q, e)
	h := Handle(e.seq)
	l.events[h] = e

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return h
}

// Cancel removes a pending event.
func (l *EventLoop) Cancel(h Handle) {
	e, ok := l.events[h]
	if !ok {
		return
	}
	heap.Remove(&l.q, e.index)
	delete(l.events, h)
}

// Pending reports whether h is scheduled and has not fired.
func (l *EventLoop) Pending(h Handle) bool {
	_, ok := l.events[h]
	return ok
}

// Remaining returns the time left until h fires, or 0 when it is not pending.
func (l *EventLoop) Remaining(h Handle) time.Duration {
	e, ok := l.events[h]
	if !ok {
		return 0
	}
	return e.at - l.now
}

// Len returns the number of pending events.
func (l *EventLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.q)
}

// Fired returns how many events have been executed.
func (l *EventLoop) Fired() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}

// Do runs fn with the loop lock held, so fn may read or change simulation
// state and schedule events while the loop is running in another goroutine.
func (l *EventLoop) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// Step fires the next event. It returns false when the queue is empty.
func (l *EventLoop) Step() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stepLocked(time.Duration(math.MaxInt64))
}

// Run fires events until none are left.
func (l *EventLoop) Run() {
	for l.Step() {
	}
}

// RunUntil fires every event due at or before t and then advances the clock to t.
func (l *EventLoop) RunUntil(t time.Duration) {
	for l.stepUntil(t) {
	}
	l.mu.Lock()
	if l.now < t {
		l.now = t
	}
	l.mu.Unlock()
}

func (l *EventLoop) stepUntil(t time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stepLocked(t)
}

// RunFor is RunUntil(Now()+d).
func (l *EventLoop) RunFor(d time.Duration) {
	l.mu.Lock()
	t := l.now + d
	l.mu.Unlock()
	l.RunUntil(t)
}

func (l *EventLoop) stepLocked(limit time.Duration) (ok bool) {
	if len(l.q) == 0 || l.q[0].at > limit {
		return false
	}
	e := heap.Pop(&l.q).(*event)
	delete(l.events, Handle(e.seq))
	l.now = e.at
	l.fired++
	e.fn()
	return true
}

// ErrStopped is returned by RunRealtime once the end time has been reached.
var ErrStopped = errors.New("event loop reached its end time")

// RunRealtime paces the loop against the wall clock, speed virtual seconds per
// wall second, until ctx is done or the clock passes end (0 means no end).
// A non-positive speed runs as fast as possible.
func (l *EventLoop) RunRealtime(ctx context.Context, speed float64, end time.Duration) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		if end > 0 && (len(l.q) == 0 || l.q[0].at > end) {
			if l.now < end {
				l.now = end
			}
			l.mu.Unlock()
			return ErrStopped
		}
		var wait time.Duration
		idle := len(l.q) == 0
		if !idle && speed > 0 {
			wait = time.Duration(float64(l.q[0].at-l.now) / speed)
		}
		l.mu.Unlock()
		if !idle && wait <= 0 {
			l.Step()
			continue
		}

		if idle {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wake:
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-timer.C:
			l.Step()
		}
	}
}
