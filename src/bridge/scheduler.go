package bridge

import (
	"sync"
	"time"
)

// scheduler owns a session's deferred actions. Each timer is named; firing
// posts a timerEvent to the session loop instead of running code on the timer
// goroutine, so all state changes stay on the loop.
type scheduler struct {
	mu     sync.Mutex
	timers map[string]*scheduledTimer
	seq    uint64
	fire   func(timerEvent)
}

type scheduledTimer struct {
	seq   uint64
	timer *time.Timer
}

func newScheduler(fire func(timerEvent)) *scheduler {
	return &scheduler{
		timers: make(map[string]*scheduledTimer),
		fire:   fire,
	}
}

// schedule arms name to fire after d, replacing any pending timer of the
// same name
func (s *scheduler) schedule(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[name]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timers[name] = &scheduledTimer{
		seq: seq,
		timer: time.AfterFunc(d, func() {
			s.fire(timerEvent{name: name, seq: seq})
		}),
	}
}

// cancel disarms name. A firing already in flight is rejected by current.
func (s *scheduler) cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[name]; ok {
		t.timer.Stop()
		delete(s.timers, name)
	}
}

// cancelAll disarms every pending timer
func (s *scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, name)
	}
}

// current reports whether ev is the live firing of its timer and, if so,
// retires it
func (s *scheduler) current(ev timerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[ev.name]
	if !ok || t.seq != ev.seq {
		return false
	}
	delete(s.timers, ev.name)
	return true
}

// pending returns whether name is armed
func (s *scheduler) pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// size returns the number of armed timers
func (s *scheduler) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
