package memory

import (
	"log/slog"
	"sync"
)

// workQueue runs submitted jobs one at a time in submission order on a
// goroutine that exists only while there is work. Each user gets one, so
// background remembers for a user never overtake each other.
type workQueue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
	// idle is closed whenever the queue is empty and no job is running.
	idle chan struct{}
}

func newWorkQueue() *workQueue {
	idle := make(chan struct{})
	close(idle)
	return &workQueue{idle: idle}
}

// submit enqueues job. wg tracks the drain goroutine so callers can wait
// for all queues at once.
func (q *workQueue) submit(job func(), wg *sync.WaitGroup, logger *slog.Logger) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.idle = make(chan struct{})
	q.mu.Unlock()

	wg.Add(1)
	go q.drain(wg, logger)
}

func (q *workQueue) drain(wg *sync.WaitGroup, logger *slog.Logger) {
	defer wg.Done()
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		run(job, logger)
	}
}

func run(job func(), logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("memory: background job panicked", "panic", r)
		}
	}()
	job()
}

// done returns a channel that is closed once the queue is idle.
func (q *workQueue) done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// busy reports whether work is queued or running.
func (q *workQueue) busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
