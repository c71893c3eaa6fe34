package sandbox

import (
	"context"
	"sync/atomic"
	"time"
)

// slot is the single execution slot. Waiters are served in arrival order
// because blocked channel receivers are queued FIFO.
type slot struct {
	token   chan struct{}
	waiting atomic.Int64
	runs    atomic.Int64
}

func newSlot() *slot {
	s := &slot{token: make(chan struct{}, 1)}
	s.token <- struct{}{}
	return s
}

// acquire blocks until the slot is free and returns how long it waited.
func (s *slot) acquire(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	select {
	case <-s.token:
		s.runs.Add(1)
		return time.Since(start), nil
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

func (s *slot) release() {
	s.token <- struct{}{}
}

func (s *slot) stats() Stats {
	return Stats{
		Busy:    len(s.token) == 0,
		Waiting: s.waiting.Load(),
		Runs:    s.runs.Load(),
	}
}
