package sched

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned when work is posted to a loop that has exited.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop serializes all core work onto one goroutine. Socket readers and API
// handlers post closures; the loop also ticks the scheduler at a fixed
// resolution.
type Loop struct {
	sched      *Scheduler
	inbox      chan func()
	done       chan struct{}
	resolution time.Duration
	logger     *zap.Logger
}

// NewLoop creates a loop that drives s. resolution is how often timers are
// checked against the clock.
func NewLoop(s *Scheduler, resolution time.Duration, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolution <= 0 {
		resolution = 50 * time.Millisecond
	}
	return &Loop{
		sched:      s,
		inbox:      make(chan func(), 1024),
		done:       make(chan struct{}),
		resolution: resolution,
		logger:     logger,
	}
}

// Scheduler returns the scheduler driven by this loop.
func (l *Loop) Scheduler() *Scheduler {
	return l.sched
}

// Post queues fn to run on the loop. It blocks while the inbox is full and
// returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
}

// Run processes posted work and fires timers until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	ticker := time.NewTicker(l.resolution)
	defer ticker.Stop()

	l.logger.Debug("event loop started", zap.Duration("resolution", l.resolution))
	for {
		select {
		case fn := <-l.inbox:
			fn()
			l.sched.Tick()
		case <-ticker.C:
			l.sched.Tick()
		case <-ctx.Done():
			l.logger.Debug("event loop stopped")
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
