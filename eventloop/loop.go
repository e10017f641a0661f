////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package eventloop provides the single execution context of a session. Every
// mutation of the message store and the conversation summaries runs as a task
// on one Loop, so those structures need no locking of their own.
package eventloop

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/stoppable"
)

// Loop runs posted tasks one at a time in the order they were posted. The
// queue is unbounded, so a task may post further tasks without blocking.
type Loop struct {
	name string

	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	closed  bool
	mux     sync.Mutex
}

// New returns a new, unstarted Loop.
func New(name string) *Loop {
	return &Loop{
		name:    name,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the loop goroutine. Closing the returned stoppable drains
// nothing further; tasks still queued are dropped.
func (l *Loop) Start() stoppable.Stoppable {
	stop := stoppable.NewSingle(l.name)
	go l.run(stop)
	return stop
}

// Post enqueues a task. Returns false if the loop has been stopped and the
// task was dropped.
func (l *Loop) Post(task func()) bool {
	l.mux.Lock()
	if l.closed {
		l.mux.Unlock()
		jww.DEBUG.Printf("[LOOP] %s is stopped, dropping task", l.name)
		return false
	}
	l.queue = append(l.queue, task)
	l.mux.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do enqueues a task and waits for it to run. It must not be called from
// inside a task; tasks use Post. Returns false if the loop is stopped.
func (l *Loop) Do(task func()) bool {
	done := make(chan struct{})
	ok := l.Post(func() {
		defer close(done)
		task()
	})
	if !ok {
		return false
	}

	select {
	case <-done:
		return true
	case <-l.stopped:
		return false
	}
}

func (l *Loop) run(stop *stoppable.Single) {
	jww.DEBUG.Printf("[LOOP] %s started", l.name)
	for {
		select {
		case <-stop.Quit():
			l.mux.Lock()
			l.closed = true
			dropped := len(l.queue)
			l.queue = nil
			l.mux.Unlock()
			if dropped > 0 {
				jww.WARN.Printf("[LOOP] %s stopped with %d queued tasks",
					l.name, dropped)
			}
			close(l.stopped)
			stop.ToStopped()
			return
		case <-l.wake:
			l.drain(stop)
		}
	}
}

// drain runs tasks until the queue is empty or the loop is asked to quit.
func (l *Loop) drain(stop *stoppable.Single) {
	for {
		l.mux.Lock()
		if len(l.queue) == 0 {
			l.mux.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mux.Unlock()

		task()

		select {
		case <-stop.Quit():
			return
		default:
		}
	}
}
