// Package loop runs closures one at a time on a single goroutine. Everything
// that touches the channel manager goes through it: API calls, timer fires
// and protocol completions.
package loop

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopped is returned when work is handed to a loop that is not running.
var ErrStopped = errors.New("loop stopped")

// Loop is a single-goroutine executor.
type Loop struct {
	work    chan func()
	stopped chan struct{}
}

// New creates a loop whose queue holds up to buffer pending closures.
func New(buffer int) *Loop {
	return &Loop{
		work:    make(chan func(), buffer),
		stopped: make(chan struct{}),
	}
}

// Run executes posted closures in order until ctx is cancelled.
// It must be called exactly once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.work:
			f()
		}
	}
}

// Post queues f and returns without waiting for it to run. It blocks while
// the queue is full and returns false if the loop has stopped.
// Must not be called from the loop goroutine with a full queue.
func (l *Loop) Post(f func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.work <- f:
		return true
	case <-l.stopped:
		return false
	}
}

// States of a closure handed to Do.
const (
	doPending int32 = iota
	doRunning
	doAbandoned
)

// Do runs f on the loop and waits for it to finish. If ctx ends or the loop
// stops before f starts, f never runs and Do returns the error. Once f has
// started, Do waits for it and returns nil.
// Calling Do from the loop goroutine deadlocks.
func (l *Loop) Do(ctx context.Context, f func()) error {
	var state atomic.Int32
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		if state.CompareAndSwap(doPending, doRunning) {
			f()
		}
	}

	select {
	case l.work <- wrapped:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	select {
	case <-done:
		return nil
	case <-l.stopped:
		// Run may exit with wrapped still queued.
		err = ErrStopped
	case <-ctx.Done():
		err = ctx.Err()
	}
	if state.CompareAndSwap(doPending, doAbandoned) {
		return err
	}
	<-done
	return nil
}

// Stopped is closed when Run returns.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}
