package bridge

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ehrlich-b/opencode-router/internal/logger"
)

// Queue runs tasks in arrival order per key. Tasks sharing a key never run
// concurrently; tasks on different keys run in parallel.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]func() // present while a drain goroutine owns the key
	closed  bool
	wg      sync.WaitGroup
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string][]func())}
}

// queueKey is the serialization key for one agent session.
func queueKey(directory, sessionID string) string {
	return directory + "\x00" + sessionID
}

// Enqueue reports false, dropping task, once the queue is closed.
func (q *Queue) Enqueue(key string, task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	tasks, draining := q.pending[key]
	q.pending[key] = append(tasks, task)
	if !draining {
		q.wg.Add(1)
		go q.drain(key)
	}
	return true
}

func (q *Queue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		tasks := q.pending[key]
		if len(tasks) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		task := tasks[0]
		tasks[0] = nil
		q.pending[key] = tasks[1:]
		q.mu.Unlock()

		q.run(key, task)
	}
}

func (q *Queue) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.With("queue").Error("task panicked",
				"key", printableKey(key), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Pending returns the number of queued tasks for key that have not started.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[key])
}

// Active returns the number of keys with a running or queued task.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops new tasks from being accepted. Queued tasks still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Wait blocks until every key has drained.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func printableKey(key string) string {
	b := []byte(key)
	for i, c := range b {
		if c == 0 {
			b[i] = '|'
		}
	}
	return string(b)
}
