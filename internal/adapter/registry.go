package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/opencode-router/internal/logger"
)

// Outcome is the result of a bounded start.
type Outcome int

const (
	Started Outcome = iota
	// TimedOut means Start is still running. The adapter stays registered.
	TimedOut
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case TimedOut:
		return "timeout"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Status is a point-in-time view of one registry key.
type Status struct {
	Channel    string    `json:"channel"`
	IdentityID string    `json:"id"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	Since      time.Time `json:"since"`
}

type entry struct {
	adapter Adapter
	state   State
	since   time.Time
}

// Registry owns one adapter per (channel, identity).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// last known status for keys no longer registered (failed or stopped)
	history map[string]Status

	keyLocks *xsync.MapOf[string, *sync.Mutex]
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		history:  make(map[string]Status),
		keyLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (r *Registry) lockKey(key string) func() {
	mu, _ := r.keyLocks.LoadOrCompute(key, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// StartBounded registers a and races its Start against timeout. ctx is handed
// to Start and must outlive the adapter.
func (r *Registry) StartBounded(ctx context.Context, a Adapter, timeout time.Duration) (Outcome, error) {
	key := Key(a.Channel(), a.IdentityID())
	e := &entry{adapter: a, state: StateStarting, since: time.Now()}
	r.mu.Lock()
	r.entries[key] = e
	delete(r.history, key)
	r.mu.Unlock()

	log := logger.With("adapter").With("key", key)
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			r.fail(key, e, err)
			log.Error("adapter start failed", "err", err)
			return Failed, &StartError{Key: key, Err: err}
		}
		r.markRunning(e)
		log.Info("adapter started")
		return Started, nil
	case <-timer.C:
		log.Warn("adapter start still pending, continuing in background", "timeout", timeout)
		go func() {
			err := <-done
			if err != nil {
				r.fail(key, e, err)
				log.Error("adapter start failed after timeout", "err", err)
				return
			}
			r.markRunning(e)
			log.Info("adapter started after timeout")
		}()
		return TimedOut, nil
	}
}

func (r *Registry) markRunning(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state == StateStarting {
		e.state = StateRunning
		e.since = time.Now()
	}
}

// fail removes e if it is still the registered entry for key.
func (r *Registry) fail(key string, e *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] != e {
		return
	}
	delete(r.entries, key)
	r.history[key] = Status{
		Channel:    e.adapter.Channel(),
		IdentityID: e.adapter.IdentityID(),
		State:      StateFailed,
		Error:      err.Error(),
		Since:      time.Now(),
	}
}

// Replace stops any adapter registered under a's key, then starts a.
func (r *Registry) Replace(ctx context.Context, a Adapter, timeout time.Duration) (Outcome, error) {
	key := Key(a.Channel(), a.IdentityID())
	unlock := r.lockKey(key)
	defer unlock()
	if err := r.stop(ctx, key); err != nil {
		logger.With("adapter").Warn("stop before replace failed", "key", key, "err", err)
	}
	return r.StartBounded(ctx, a, timeout)
}

// Stop removes the adapter for channel/identityID and waits for it to stop.
func (r *Registry) Stop(ctx context.Context, channel, identityID string) error {
	key := Key(channel, identityID)
	unlock := r.lockKey(key)
	defer unlock()
	return r.stop(ctx, key)
}

func (r *Registry) stop(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := e.adapter.Stop(ctx)
	st := Status{
		Channel:    e.adapter.Channel(),
		IdentityID: e.adapter.IdentityID(),
		State:      StateStopped,
		Since:      time.Now(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	r.mu.Lock()
	if _, replaced := r.entries[key]; !replaced {
		r.history[key] = st
	}
	r.mu.Unlock()
	return err
}

// StopAll stops every adapter concurrently and waits for all of them.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, k := range keys {
		g.Go(func() error {
			unlock := r.lockKey(k)
			defer unlock()
			return r.stop(ctx, k)
		})
	}
	return g.Wait()
}

// Get returns the adapter for channel/identityID, or nil.
func (r *Registry) Get(channel, identityID string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[Key(channel, identityID)]; ok {
		return e.adapter
	}
	return nil
}

// Status returns registered adapters plus the last status of removed ones,
// sorted by key. An empty channel returns every channel.
func (r *Registry) Status(channel string) []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byKey := make(map[string]Status, len(r.entries)+len(r.history))
	for k, st := range r.history {
		byKey[k] = st
	}
	for k, e := range r.entries {
		byKey[k] = Status{
			Channel:    e.adapter.Channel(),
			IdentityID: e.adapter.IdentityID(),
			State:      e.state,
			Since:      e.since,
		}
	}
	keys := make([]string, 0, len(byKey))
	for k, st := range byKey {
		if channel == "" || st.Channel == channel {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
