package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
)

// runState is the bookkeeping for one in-flight message.
type runState struct {
	id          string
	key         string
	peer        peer
	directory   string
	sessionID   string
	toolUpdates bool
	startedAt   time.Time
	log         *slog.Logger

	mu             sync.Mutex
	seenToolStates map[string]bool
	thinkingLabel  string
	thinkingActive bool
	typing         *typingLoop
	// ended is set once by endRun; typing and thinking stay off after it.
	ended bool
}

func (b *Bridge) startRun(p peer, dir, sessionID string, cfg *config.Config) *runState {
	id := uuid.NewString()
	rs := &runState{
		id:             id,
		key:            queueKey(dir, sessionID),
		peer:           p,
		directory:      dir,
		sessionID:      sessionID,
		toolUpdates:    cfg.ToolUpdates,
		startedAt:      time.Now(),
		log:            b.log.With("run", id, "peer", p.String(), "session", sessionID),
		seenToolStates: make(map[string]bool),
	}
	if a := b.registry.Get(p.channel, p.identityID); a != nil {
		if t, ok := a.(adapter.Typer); ok {
			rs.typing = newTypingLoop(b.ctx, t, p.peerID, cfg.TypingInterval, rs.log)
		}
	}

	b.runsMu.Lock()
	b.runs[sessionID] = rs
	b.runsMu.Unlock()
	b.metrics.activeRuns.Inc()

	rs.startTyping()
	rs.log.Debug("run started")
	return rs
}

func (b *Bridge) endRun(rs *runState) {
	rs.mu.Lock()
	rs.ended = true
	rs.mu.Unlock()
	rs.stopTyping()
	b.runsMu.Lock()
	if b.runs[rs.sessionID] == rs {
		delete(b.runs, rs.sessionID)
	}
	b.runsMu.Unlock()
	b.metrics.activeRuns.Dec()
	rs.log.Debug("run finished", "elapsed", time.Since(rs.startedAt).Round(time.Millisecond))
}

func (b *Bridge) runFor(sessionID string) *runState {
	b.runsMu.Lock()
	defer b.runsMu.Unlock()
	return b.runs[sessionID]
}

func (b *Bridge) runForPeer(p peer) *runState {
	b.runsMu.Lock()
	defer b.runsMu.Unlock()
	for _, rs := range b.runs {
		if rs.peer == p {
			return rs
		}
	}
	return nil
}

func (rs *runState) startTyping() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.typing != nil && !rs.ended {
		rs.typing.start()
	}
}

func (rs *runState) stopTyping() {
	if rs.typing != nil {
		rs.typing.stop()
	}
}

func (rs *runState) setThinking(label string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ended {
		return
	}
	rs.thinkingLabel = label
	rs.thinkingActive = label != ""
}

// finishThinking clears the thinking state and reports whether it was set.
func (rs *runState) finishThinking() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	was := rs.thinkingActive
	rs.thinkingActive = false
	rs.thinkingLabel = ""
	return was
}

func (rs *runState) thinking() (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.thinkingLabel, rs.thinkingActive
}

// markTool records callID|status and reports whether it was new.
func (rs *runState) markTool(callID, status string) bool {
	k := callID + "|" + status
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.seenToolStates[k] {
		return false
	}
	rs.seenToolStates[k] = true
	return true
}

// typingLoop pings the adapter's typing indicator until stopped.
type typingLoop struct {
	parent   context.Context
	typer    adapter.Typer
	peerID   string
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newTypingLoop(parent context.Context, t adapter.Typer, peerID string, interval time.Duration, log *slog.Logger) *typingLoop {
	if interval <= 0 {
		interval = config.DefaultTypingInterval
	}
	return &typingLoop{parent: parent, typer: t, peerID: peerID, interval: interval, log: log}
}

// start is a no-op while the loop is already running.
func (t *typingLoop) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(t.parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
}

func (t *typingLoop) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if err := t.typer.SendTyping(ctx, t.peerID); err != nil && ctx.Err() == nil {
			t.log.Debug("typing ping failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// stop cancels the loop and waits for it to exit.
func (t *typingLoop) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *typingLoop) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}
