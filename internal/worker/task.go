package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"transferd/internal/task"
)

// Job is one unit of transfer work submitted to a protocol pool
type Job struct {
	TaskID   string
	Protocol task.Protocol
	Run      func(ctx context.Context, slot *Slot) error
}

// Config contains pool sizing
type Config struct {
	// Size is the number of transfers that may run at once, counted from
	// submission until the transfer settles.
	Size int
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 4
	}
	return c
}

// Slot is one unit of a pool's concurrency ceiling. A job that started a
// transfer running past its return calls Keep, and the slot stays taken
// until Release.
type Slot struct {
	once    sync.Once
	kept    atomic.Bool
	release func()
}

// Keep holds the slot after the job returns
func (s *Slot) Keep() {
	if s != nil {
		s.kept.Store(true)
	}
}

// Release gives the slot back to its pool. Later calls do nothing.
func (s *Slot) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}

func (s *Slot) isKept() bool {
	return s != nil && s.kept.Load()
}
