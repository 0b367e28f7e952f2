// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// A loop executes posted functions one at a time, in the order posted, on a
// single goroutine. All protocol state of a session is owned by its loop.
type loop struct {
	μ      sync.Mutex
	q      queue.Queue[func()]
	closed bool

	wake chan struct{} // buffered, signals that q is non-empty
	stop chan struct{} // closed by close
	done chan struct{} // closed when run exits
}

func newLoop() *loop {
	lp := &loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go lp.run()
	return lp
}

// post schedules f to run on the loop. It is safe to call from any goroutine,
// and never blocks on f. It reports false if the loop is closed, in which case
// f will never run.
func (lp *loop) post(f func()) bool {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	if lp.closed {
		return false
	}
	lp.q.Add(f)
	select {
	case lp.wake <- struct{}{}:
	default:
		// already signaled
	}
	return true
}

func (lp *loop) pop() (func(), bool) {
	lp.μ.Lock()
	defer lp.μ.Unlock()
	return lp.q.Pop()
}

func (lp *loop) drain() {
	for f, ok := lp.pop(); ok; f, ok = lp.pop() {
		f()
	}
}

func (lp *loop) run() {
	defer close(lp.done)
	for {
		lp.drain()
		select {
		case <-lp.wake:
		case <-lp.stop:
			lp.drain()
			return
		}
	}
}

// close stops accepting new work, runs everything already posted, and blocks
// until the loop goroutine exits. It must not be called from the loop.
func (lp *loop) close() {
	lp.μ.Lock()
	if !lp.closed {
		lp.closed = true
		close(lp.stop)
	}
	lp.μ.Unlock()
	<-lp.done
}

// call runs f on the loop and blocks until it has returned. It reports false
// if the loop is closed.
func (lp *loop) call(f func()) bool {
	ch := make(chan struct{})
	if !lp.post(func() { defer close(ch); f() }) {
		return false
	}
	<-ch
	return true
}
