// Package poll implements the cooperative event loop that drives all
// deferred work in the switch core.
//
// The execution model is a single foreground loop with no goroutines.
// Producers running in time-critical context (the software analog of an
// interrupt handler) are limited to O(1) state changes plus a call to
// RequestPoll; everything expensive happens when the owner of the loop
// calls Service.
package poll

import (
	"sync"
	"time"
)

// Demand is a unit of deferred work. RequestPoll queues it; the next
// Service pass invokes PollDemand exactly once per request, no matter
// how many times the request was stacked in between.
type Demand interface {
	PollDemand()
}

// TimerTarget receives one-shot or periodic timer callbacks.
type TimerTarget interface {
	TimerEvent()
}

type timerState struct {
	target   TimerTarget
	deadline time.Time
	period   time.Duration // zero for one-shot
	active   bool
}

// Scheduler owns the demand queue and the timer list. All callbacks run
// on the caller's goroutine inside Service; the mutex only protects the
// queue itself so RequestPoll stays safe from any context.
type Scheduler struct {
	mu      sync.Mutex
	now     func() time.Time
	pending []Demand
	queued  map[Demand]struct{}
	timers  []*timerState
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		now:    time.Now,
		queued: make(map[Demand]struct{}),
	}
}

// SetClock replaces the time source. Tests install a virtual clock so
// watchdog behavior can be driven without sleeping.
func (s *Scheduler) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}

// Now reports the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// RequestPoll queues d for the next Service pass. O(1), idempotent
// while the demand is still queued.
func (s *Scheduler) RequestPoll(d Demand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[d]; ok {
		return
	}
	s.queued[d] = struct{}{}
	s.pending = append(s.pending, d)
}

// Pending reports the number of queued demands.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) findTimer(t TimerTarget) *timerState {
	for _, ts := range s.timers {
		if ts.target == t {
			return ts
		}
	}
	ts := &timerState{target: t}
	s.timers = append(s.timers, ts)
	return ts
}

// TimerOnce arms (or re-arms) a one-shot timer for the target.
func (s *Scheduler) TimerOnce(t TimerTarget, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.findTimer(t)
	ts.deadline = s.now().Add(d)
	ts.period = 0
	ts.active = true
}

// TimerEvery arms a periodic timer for the target.
func (s *Scheduler) TimerEvery(t TimerTarget, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.findTimer(t)
	ts.deadline = s.now().Add(d)
	ts.period = d
	ts.active = true
}

// TimerStop disarms the target's timer, if armed.
func (s *Scheduler) TimerStop(t TimerTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.timers {
		if ts.target == t {
			ts.active = false
			return
		}
	}
}

// Service runs one pass of the loop: expired timers first, then every
// demand that was queued before the pass started. Demands requested
// during the pass wait for the next one.
func (s *Scheduler) Service() {
	s.mu.Lock()
	now := s.now()
	var due []TimerTarget
	for _, ts := range s.timers {
		if ts.active && !now.Before(ts.deadline) {
			if ts.period > 0 {
				ts.deadline = now.Add(ts.period)
			} else {
				ts.active = false
			}
			due = append(due, ts.target)
		}
	}
	batch := s.pending
	s.pending = nil
	for _, d := range batch {
		delete(s.queued, d)
	}
	s.mu.Unlock()

	for _, t := range due {
		t.TimerEvent()
	}
	for _, d := range batch {
		d.PollDemand()
	}
}

// ServiceAll calls Service until the demand queue drains or the
// iteration limit is reached, whichever comes first.
func (s *Scheduler) ServiceAll(limit int) {
	if limit <= 0 {
		limit = 100
	}
	for i := 0; i < limit; i++ {
		s.Service()
		if s.Pending() == 0 {
			return
		}
	}
}
