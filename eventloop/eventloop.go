// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventloop provides the single goroutine that owns all connection,
// session and dispatcher state.
//
// Work reaches the loop through Dispatch, which never blocks: tasks are kept in
// an unbounded FIFO so socket reader goroutines and timers can always hand off
// their results, even while the loop itself is dispatching more work. Timers
// created with AfterFunc fire on the loop goroutine, and a timer stopped from
// the loop never runs its function afterwards, even if it had already expired.
package eventloop

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
)

var ErrLoopStopped = errors.New("event loop is stopped")

// Loop runs dispatched functions one at a time on its own goroutine
type Loop struct {
	logger      *slog.Logger
	mutex       sync.Mutex
	tasks       *queue.Queue
	notifyChan  chan struct{}
	doneChan    chan struct{}
	stoppedChan chan struct{}
	onceStart   sync.Once
	onceStop    sync.Once
	stopped     bool
}

// LoopOptionFunc is a function that modifies a Loop
type LoopOptionFunc func(*Loop)

// WithLogger specifies the logger used for recovered task panics
func WithLogger(logger *slog.Logger) LoopOptionFunc {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New returns a Loop that is not yet running. Tasks dispatched before Start are
// queued and run once the loop starts
func New(options ...LoopOptionFunc) *Loop {
	l := &Loop{
		tasks:       queue.New(),
		notifyChan:  make(chan struct{}, 1),
		doneChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	for _, option := range options {
		option(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Start launches the loop goroutine
func (l *Loop) Start() {
	l.onceStart.Do(func() {
		go l.run()
	})
}

// Stop shuts the loop down and waits for the running task, if any, to return.
// Queued tasks that have not started are dropped
func (l *Loop) Stop() {
	l.onceStop.Do(func() {
		l.mutex.Lock()
		l.stopped = true
		l.mutex.Unlock()
		close(l.doneChan)
	})
	// Make sure the loop goroutine exits even if Start was never called
	l.onceStart.Do(func() {
		close(l.stoppedChan)
	})
	<-l.stoppedChan
}

// Drain stops accepting tasks, runs the ones already queued and then stops the
// loop. Dispatch fails with ErrLoopStopped from the moment Drain is called,
// including from tasks run while draining. Drain starts the loop if needed and
// must not be called from the loop goroutine
func (l *Loop) Drain() {
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		l.Stop()
		return
	}
	l.stopped = true
	l.tasks.Add(func() {
		l.onceStop.Do(func() {
			close(l.doneChan)
		})
	})
	l.mutex.Unlock()
	l.Start()
	select {
	case l.notifyChan <- struct{}{}:
	default:
	}
	<-l.stoppedChan
}

// DoneChan is closed when the loop stops
func (l *Loop) DoneChan() <-chan struct{} {
	return l.doneChan
}

// Dispatch queues f to run on the loop goroutine. It is safe to call from any
// goroutine, including the loop itself
func (l *Loop) Dispatch(f func()) error {
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		return ErrLoopStopped
	}
	l.tasks.Add(f)
	l.mutex.Unlock()
	select {
	case l.notifyChan <- struct{}{}:
	default:
	}
	return nil
}

// Sync waits until every function dispatched before the call has run. It must
// not be called from the loop goroutine
func (l *Loop) Sync() error {
	waitChan := make(chan struct{})
	if err := l.Dispatch(func() { close(waitChan) }); err != nil {
		return err
	}
	select {
	case <-waitChan:
		return nil
	case <-l.doneChan:
		return ErrLoopStopped
	}
}

// Pending returns the number of queued tasks
func (l *Loop) Pending() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.tasks.Length()
}

func (l *Loop) next() (func(), bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.tasks.Length() == 0 {
		return nil, false
	}
	f, _ := l.tasks.Remove().(func())
	return f, true
}

func (l *Loop) run() {
	defer close(l.stoppedChan)
	for {
		select {
		case <-l.doneChan:
			return
		case <-l.notifyChan:
		}
		for {
			select {
			case <-l.doneChan:
				return
			default:
			}
			f, ok := l.next()
			if !ok {
				break
			}
			l.runTask(f)
		}
	}
}

func (l *Loop) runTask(f func()) {
	if f == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error(
				fmt.Sprintf("event loop task panicked: %v", rec),
				"component", "eventloop",
			)
		}
	}()
	f()
}

// Timer is a one-shot timer whose function runs on the loop goroutine
type Timer struct {
	timer   *time.Timer
	stopped bool
	fired   bool
}

// AfterFunc runs f on the loop goroutine after d has elapsed. The returned timer
// must only be stopped from the loop goroutine
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		_ = l.Dispatch(func() {
			if t.stopped {
				return
			}
			t.fired = true
			f()
		})
	})
	return t
}

// Stop prevents the timer function from running. It reports whether the call
// stopped the timer, as opposed to the timer having already fired or been stopped
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}

// Active reports whether the timer is still waiting to fire
func (t *Timer) Active() bool {
	return t != nil && !t.stopped && !t.fired
}
