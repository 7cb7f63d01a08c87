// Package sched provides the timer scheduler and the single event loop that
// own every timeout in the delivery core.
//
// Scheduler and everything it calls are confined to one goroutine: the loop
// in production, the test goroutine in tests.
package sched

import (
	"container/heap"
	"time"

	"github.com/matheus3301/chatlink/internal/clock"
)

// TimerID identifies a scheduled timer. The zero value is never issued.
type TimerID uint64

type timer struct {
	id       TimerID
	deadline time.Time
	interval time.Duration // zero for one-shot timers
	seq      uint64
	fn       func()
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler runs callbacks at deadlines measured on a Clock. Nothing fires on
// its own: Tick fires whatever is due at the clock's current time.
type Scheduler struct {
	clock  clock.Clock
	timers timerHeap
	byID   map[TimerID]*timer
	nextID TimerID
	seq    uint64
}

// New creates a scheduler reading time from c.
func New(c clock.Clock) *Scheduler {
	return &Scheduler{
		clock: c,
		byID:  make(map[TimerID]*timer),
	}
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// After schedules fn to run once, d from now.
func (s *Scheduler) After(d time.Duration, fn func()) TimerID {
	return s.add(d, 0, fn)
}

// Every schedules fn to run every d, starting d from now.
func (s *Scheduler) Every(d time.Duration, fn func()) TimerID {
	if d <= 0 {
		d = time.Millisecond
	}
	return s.add(d, d, fn)
}

func (s *Scheduler) add(d, interval time.Duration, fn func()) TimerID {
	s.nextID++
	s.seq++
	t := &timer{
		id:       s.nextID,
		deadline: s.clock.Now().Add(d),
		interval: interval,
		seq:      s.seq,
		fn:       fn,
	}
	heap.Push(&s.timers, t)
	s.byID[t.id] = t
	return t.id
}

// Cancel stops a timer. It reports whether the timer was still scheduled.
// Cancelling the zero TimerID or an expired timer is a no-op.
func (s *Scheduler) Cancel(id TimerID) bool {
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if t.index >= 0 {
		heap.Remove(&s.timers, t.index)
	}
	return true
}

// Active reports whether id is still scheduled.
func (s *Scheduler) Active(id TimerID) bool {
	_, ok := s.byID[id]
	return ok
}

// Pending returns the number of scheduled timers.
func (s *Scheduler) Pending() int {
	return len(s.byID)
}

// Next returns the earliest deadline, if any timer is scheduled.
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].deadline, true
}

// Tick fires every timer whose deadline is at or before the clock's current
// time, in deadline order, and returns how many callbacks ran. A repeating
// timer that fell several intervals behind fires once and is rescheduled one
// interval after now; missed intervals are not replayed.
func (s *Scheduler) Tick() int {
	now := s.clock.Now()
	fired := 0
	for len(s.timers) > 0 {
		t := s.timers[0]
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&s.timers)
		if t.interval > 0 {
			s.seq++
			t.deadline = t.deadline.Add(t.interval)
			if !t.deadline.After(now) {
				t.deadline = now.Add(t.interval)
			}
			t.seq = s.seq
			heap.Push(&s.timers, t)
		} else {
			delete(s.byID, t.id)
		}
		t.fn()
		fired++
	}
	return fired
}
