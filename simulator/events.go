package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// Goroutine is blocked and no timer is left to fire.
//
// For collective operations this usually means that the
// participants did not issue the same sequence of calls.
var ErrDeadlock = errors.New("deadlock: all Handles are polling")

// An EventStream is a uni-directional channel of events
// that are passed through an EventLoop.
//
// It is only safe to use an EventStream on one EventLoop
// at once.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single delivery that will happen in the
// (virtual) future.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time when the timer fires.
func (t *Timer) Time() float64 {
	return t.time
}

// waiter is the state of a Goroutine blocked in Poll.
type waiter struct {
	streams []*EventStream
	ch      chan<- *Event
}

func (w *waiter) wants(s *EventStream) bool {
	for _, stream := range w.streams {
		if stream == s {
			return true
		}
	}
	return false
}

// A Handle is a Goroutine's mechanism for accessing an
// EventLoop. Goroutines should not share Handles.
type Handle struct {
	*EventLoop

	// Non-nil while the Goroutine is blocked in Poll.
	waiting *waiter
}

// Poll waits for the next event from a set of streams.
//
// Streams earlier in the list take priority when several
// already have pending events.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.waiting != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.waiting = &waiter{streams: streams, ch: ch}
	})
	return <-ch
}

// Schedule creates a Timer that delivers msg on stream
// after delay units of virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	timer := &Timer{event: &Event{Message: msg, Stream: stream}}
	h.modify(func() {
		timer.time = h.time + delay
		if math.IsInf(timer.time, 0) || math.IsNaN(timer.time) {
			panic(fmt.Sprintf("invalid deadline: %f", timer.time))
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel stops a timer if it has not fired yet.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
				return
			}
		}
	})
}

// Sleep blocks for delay units of virtual time.
//
// Compute-bound work is simulated this way, so that it
// shows up in the final virtual time of a run.
func (h *Handle) Sleep(delay float64) {
	if delay <= 0 {
		return
	}
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop is a global scheduler for events in a
// simulated cluster.
//
// All Goroutines which access an EventLoop should be
// started with EventLoop.Go().
// Virtual time only advances once every such Goroutine is
// blocked in Poll, so simulated devices never race against
// real time while computing.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle
	rng     *rand.Rand

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop whose clock starts
// at 0 and whose tie-breaking is randomly seeded.
func NewEventLoop() *EventLoop {
	return NewEventLoopSeed(rand.Int63())
}

// NewEventLoopSeed is like NewEventLoop, but ties between
// simultaneous events are broken by a generator with the
// given seed, making runs reproducible.
func NewEventLoopSeed(seed int64) *EventLoop {
	return &EventLoop{
		notifyCh: make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a Goroutine with a new Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		defer e.release(h)
		f(h)
	}()
}

func (e *EventLoop) release(h *Handle) {
	e.modifyHandles(func() {
		for i, handle := range e.handles {
			if handle == h {
				essentials.UnorderedDelete(&e.handles, i)
				return
			}
		}
		panic("cannot free handle that does not exist")
	})
}

// Run runs the loop until every Goroutine has returned.
//
// It returns ErrDeadlock if the Goroutines can no longer
// make progress. It is not safe to call Run concurrently.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if more, err := e.step(); !more {
			return err
		}
	}
	panic("unreachable")
}

// MustRun is like Run, but it panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify calls f with the loop locked. f must not change
// which Goroutines are runnable.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but wakes up the loop
// afterwards since f may block or unblock a Goroutine.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step delivers timers until some Goroutine is woken up.
//
// The first return value is false once the loop is done,
// either because no Goroutines are left or because of a
// deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}
	for _, h := range e.handles {
		if h.waiting == nil {
			// A Goroutine is still doing real-time work.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		idx := e.earliestTimer()
		timer := e.timers[idx]
		essentials.UnorderedDelete(&e.timers, idx)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, ErrDeadlock
}

// earliestTimer finds the next timer to fire, choosing
// randomly among timers with the same deadline.
func (e *EventLoop) earliestTimer() int {
	best := -1
	ties := 0
	for i, timer := range e.timers {
		if best < 0 || timer.time < e.timers[best].time {
			best = i
			ties = 1
		} else if timer.time == e.timers[best].time {
			ties++
			if e.rng.Intn(ties) == 0 {
				best = i
			}
		}
	}
	return best
}

// deliver hands an event to a random Goroutine polling on
// its stream, or queues it on the stream.
func (e *EventLoop) deliver(event *Event) bool {
	for _, i := range e.rng.Perm(len(e.handles)) {
		h := e.handles[i]
		if h.waiting.wants(event.Stream) {
			h.waiting.ch <- event
			h.waiting = nil
			return true
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
