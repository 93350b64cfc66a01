// Package scheduler implements the reentrant min-heap timer wheel used to
// drive all time-based behavior in the softswitch core: transaction
// timers, registration refresh, and dialog keepalive.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Func is a scheduled callback. It may call Scheduler.Add/Del again from
// within itself (reentrant), including rescheduling itself.
type Func func()

// Handle identifies a scheduled timer so it can be cancelled with Del.
type Handle uint64

type entry struct {
	id    Handle
	when  time.Time
	fn    Func
	index int
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is a single-wheel, min-heap based timer queue. It is safe for
// concurrent use from multiple goroutines; callbacks run on whatever
// goroutine calls Wait, never on a background goroutine, so callers that
// need a dedicated timer goroutine should run Wait in a loop themselves.
type Scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	byID    map[Handle]*entry
	nextID  Handle
	wake    chan struct{}
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		byID: make(map[Handle]*entry),
		wake: make(chan struct{}, 1),
	}
}

// Add schedules fn to run after d, relative to now.
func (s *Scheduler) Add(d time.Duration, fn Func) Handle {
	return s.AddAt(time.Now().Add(d), fn)
}

// AddVariable schedules fn to run at a jittered offset within [min, max),
// for callers that want to spread out timers which a fixed interval would
// make fire together.
func (s *Scheduler) AddVariable(min, max time.Duration, fn Func) Handle {
	if max <= min {
		return s.Add(min, fn)
	}
	jitter := time.Duration(pseudoJitter(int64(max - min)))
	return s.Add(min+jitter, fn)
}

// AddAt schedules fn to run at the absolute time when.
func (s *Scheduler) AddAt(when time.Time, fn Func) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &entry{id: s.nextID, when: when, fn: fn}
	heap.Push(&s.heap, e)
	s.byID[e.id] = e
	s.notify()
	return e.id
}

// Del cancels a pending timer. It is a no-op if the handle already fired
// or was never valid.
func (s *Scheduler) Del(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[h]
	if !ok {
		return
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byID, h)
}

// When returns the time the next timer is due to fire, and false if the
// queue is empty.
func (s *Scheduler) When() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].when, true
}

// Wait runs timers as they fall due, in deadline order, and returns once
// at least maxWait has passed since the call; firing a timer does not end
// the wait early. It returns the duration actually waited. Callers typically call Wait
// in a loop interleaved with socket I/O, passing the remaining time until
// the next read deadline as maxWait.
func (s *Scheduler) Wait(maxWait time.Duration) time.Duration {
	start := time.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			time.Sleep(maxWait)
			return time.Since(start)
		}
		due := s.heap[0].when
		now := time.Now()
		if due.After(now) {
			wait := due.Sub(now)
			if wait > maxWait {
				wait = maxWait
			}
			s.mu.Unlock()
			select {
			case <-time.After(wait):
			case <-s.wake:
			}
			if time.Since(start) >= maxWait {
				return time.Since(start)
			}
			continue
		}
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byID, e.id)
		s.mu.Unlock()
		e.fn()
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pseudoJitter produces a deterministic-looking but time-varying spread
// without pulling in math/rand's global lock on every call; callers only
// need a spread, not cryptographic randomness.
func pseudoJitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return time.Now().UnixNano() % n
}
