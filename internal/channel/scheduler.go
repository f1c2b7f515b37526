package channel

import (
	"sync"
	"time"
)

// scheduler holds at most one pending task. Scheduling replaces the pending
// task and cancel drops it; a task that already fired but lost the race with
// cancel sees a stale generation and does nothing.
type scheduler struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (s *scheduler) schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

func (s *scheduler) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *scheduler) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
