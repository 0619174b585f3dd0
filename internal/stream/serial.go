package stream

import "sync"

// serialQueue runs tasks one at a time in submission order. A task may
// enqueue more work without deadlocking: the new task runs after the current
// one returns.
type serialQueue struct {
	mu       sync.Mutex
	tasks    []func()
	draining bool
	idle     chan struct{}
}

// do enqueues fn. If the queue is idle the caller drains it before
// returning; otherwise fn runs on whichever goroutine is draining.
func (q *serialQueue) do(fn func()) {
	if q.push(fn) {
		q.drain()
	}
}

// hand enqueues fn and never runs it on the calling goroutine: an idle queue
// is drained by a new goroutine. Collaborators report through hand so their
// own goroutines stay free to be stopped from inside a task.
func (q *serialQueue) hand(fn func()) {
	if q.push(fn) {
		go q.drain()
	}
}

// run enqueues fn and waits for it to complete. It must not be called from
// inside a task.
func (q *serialQueue) run(fn func()) {
	done := make(chan struct{})
	q.do(func() {
		defer close(done)
		fn()
	})
	<-done
}

// wait blocks until no task is queued or running. It must not be called
// from inside a task.
func (q *serialQueue) wait() {
	for {
		q.mu.Lock()
		if !q.draining {
			q.mu.Unlock()
			return
		}
		idle := q.idle
		q.mu.Unlock()
		<-idle
	}
}

// push reports whether the caller must start draining.
func (q *serialQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, fn)
	if q.draining {
		return false
	}
	q.draining = true
	q.idle = make(chan struct{})
	return true
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.draining = false
			close(q.idle)
			q.idle = nil
			q.mu.Unlock()
			return
		}
		next := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		next()
	}
}
