// Package queue runs long jobs one at a time in submission order.
package queue

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue closed")

// Job is a unit of work. It runs to completion once started.
type Job func()

type entry struct {
	name string
	job  Job
}

// Queue is a FIFO scheduler that runs at most one job at a time. Jobs may be
// placed at the front to jump the line. There is no cancellation.
type Queue struct {
	mu     sync.Mutex
	jobs   []entry
	busy   bool
	closed bool
	wake   chan struct{}
	done   chan struct{}
	log    *slog.Logger
}

// New starts a queue. A nil logger selects slog.Default().
func New(log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log.With("component", "queue"),
	}
	go q.run()
	return q
}

// Submit enqueues job and returns how many jobs run before it: 0 means it
// starts right away.
func (q *Queue) Submit(name string, job Job, front bool) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	position := len(q.jobs)
	if front {
		position = 0
		q.jobs = append([]entry{{name, job}}, q.jobs...)
	} else {
		q.jobs = append(q.jobs, entry{name, job})
	}
	if q.busy {
		position++
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()

	q.log.Info("job queued", "job", name, "position", position, "front", front)
	return position, nil
}

// Len returns the number of waiting jobs plus the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	if q.busy {
		n++
	}
	return n
}

// Close stops accepting jobs, lets the queued ones finish and returns when
// the queue is idle.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		e := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.busy = true
		q.mu.Unlock()

		q.exec(e)

		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
	}
}

func (q *Queue) exec(e entry) {
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			q.log.Error("job panicked", "job", e.name, "panic", v)
		}
	}()
	q.log.Info("job started", "job", e.name)
	e.job()
	q.log.Info("job finished", "job", e.name, "elapsed", time.Since(start).Round(time.Millisecond))
}
