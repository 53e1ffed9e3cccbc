package bridge

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueFIFOPerKey(t *testing.T) {
	q := NewQueue()
	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		q.Enqueue("k", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
	if q.Active() != 0 {
		t.Errorf("active keys after drain = %d", q.Active())
	}
}

func TestQueueNoOverlapSameKey(t *testing.T) {
	q := NewQueue()
	var inflight, max atomic.Int32
	for i := 0; i < 10; i++ {
		q.Enqueue("k", func() {
			n := inflight.Add(1)
			if n > max.Load() {
				max.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inflight.Add(-1)
		})
	}
	q.Wait()
	if max.Load() != 1 {
		t.Errorf("max concurrent = %d", max.Load())
	}
}

func TestQueueKeysRunInParallel(t *testing.T) {
	q := NewQueue()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for _, k := range []string{"a", "b"} {
		q.Enqueue(k, func() {
			started.Done()
			<-release
		})
	}
	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks on different keys did not run concurrently")
	}
	if q.Active() != 2 {
		t.Errorf("active = %d, want 2", q.Active())
	}
	close(release)
	q.Wait()
}

func TestQueuePanicDoesNotBlockKey(t *testing.T) {
	q := NewQueue()
	ran := false
	q.Enqueue("k", func() { panic("boom") })
	q.Enqueue("k", func() { ran = true })
	q.Wait()
	if !ran {
		t.Fatal("task after panic did not run")
	}
}

func TestQueuePending(t *testing.T) {
	q := NewQueue()
	release := make(chan struct{})
	q.Enqueue("k", func() { <-release })
	waitFor(t, func() bool { return q.Pending("k") == 0 })
	q.Enqueue("k", func() {})
	q.Enqueue("k", func() {})
	if n := q.Pending("k"); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
	close(release)
	q.Wait()
}

func TestQueueClosedRejects(t *testing.T) {
	q := NewQueue()
	release := make(chan struct{})
	var ran atomic.Int32
	if !q.Enqueue("k", func() { <-release; ran.Add(1) }) {
		t.Fatal("open queue rejected a task")
	}
	if !q.Enqueue("k", func() { ran.Add(1) }) {
		t.Fatal("open queue rejected a queued task")
	}
	q.Close()
	if q.Enqueue("k", func() { ran.Add(1) }) || q.Enqueue("other", func() { ran.Add(1) }) {
		t.Fatal("closed queue accepted a task")
	}
	close(release)
	q.Wait()
	if ran.Load() != 2 {
		t.Errorf("ran = %d, want the 2 tasks accepted before Close", ran.Load())
	}
}

func TestQueueKeyIncludesDirectory(t *testing.T) {
	if queueKey("/a", "s") == queueKey("/b", "s") {
		t.Fatal("same session id in different directories shares a key")
	}
	if printableKey(queueKey("/a", "s")) != "/a|s" {
		t.Errorf("printable = %q", printableKey(queueKey("/a", "s")))
	}
}
