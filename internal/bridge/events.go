package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/opencode"
)

const toolOutputLimit = 600

// EnsureEventSubscription opens the event stream for dir unless one is
// already open, and reports whether it started a new one. A stream that
// ends is forgotten, so the next message in that directory opens it again.
func (b *Bridge) EnsureEventSubscription(dir string) bool {
	b.subsMu.Lock()
	if _, ok := b.subs[dir]; ok || b.ctx.Err() != nil {
		b.subsMu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.subs[dir] = cancel
	b.subsWG.Add(1)
	b.subsMu.Unlock()

	b.metrics.subscriptions.Inc()
	log := b.log.With("directory", dir)
	log.Info("event subscription opened")
	go func() {
		defer b.subsWG.Done()
		defer b.metrics.subscriptions.Dec()
		err := b.backend.Subscribe(ctx, dir, func(ev opencode.Event) {
			b.handleEvent(dir, ev)
		})
		b.subsMu.Lock()
		delete(b.subs, dir)
		b.subsMu.Unlock()
		cancel()
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		log.Warn("event subscription ended", "err", err)
	}()
	return true
}

// Subscriptions lists directories with an open event stream.
func (b *Bridge) Subscriptions() []string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	out := make([]string, 0, len(b.subs))
	for d := range b.subs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) handleEvent(dir string, ev opencode.Event) {
	b.metrics.events.WithLabelValues(ev.EventType()).Inc()
	switch e := ev.(type) {
	case opencode.MessageUpdated:
		if e.Info.Role == "assistant" {
			if m := e.Info.Model(); m != "" {
				b.usedModels.Add(queueKey(dir, e.Info.SessionID), m)
			}
		}

	case opencode.SessionStatus:
		rs := b.runFor(e.SessionID)
		if rs == nil {
			return
		}
		rs.startTyping()
		switch e.Status {
		case "retry":
			label := fmt.Sprintf("Retrying (attempt %d)", e.Attempt)
			if e.Message != "" {
				label += ": " + e.Message
			}
			rs.setThinking(label)
			if rs.toolUpdates {
				b.reply(b.ctx, rs.peer, label)
			}
		default:
			rs.setThinking("Thinking")
		}

	case opencode.SessionIdle:
		rs := b.runFor(e.SessionID)
		if rs == nil {
			return
		}
		rs.stopTyping()
		if rs.finishThinking() {
			rs.log.Debug("session idle")
			if rs.toolUpdates {
				b.reply(b.ctx, rs.peer, "Done.")
			}
		}

	case opencode.PartUpdated:
		part := e.Part
		if part.Type != "tool" || part.State == nil {
			return
		}
		rs := b.runFor(part.SessionID)
		if rs == nil || !rs.toolUpdates {
			return
		}
		status := part.State.Status
		if status != "running" && status != "completed" && status != "error" {
			return
		}
		if !rs.markTool(part.CallID, status) {
			return
		}
		b.reply(b.ctx, rs.peer, formatTool(part))

	case opencode.PermissionAsked:
		b.handlePermission(dir, e)
	}
}

func (b *Bridge) handlePermission(dir string, e opencode.PermissionAsked) {
	response := opencode.PermissionAlways
	deny := b.config().PermissionPolicy == config.PolicyDeny
	if deny {
		response = opencode.PermissionReject
	}
	log := b.log.With("session", e.SessionID, "permission", e.Permission)
	if err := b.backend.RespondPermission(b.ctx, dir, e.SessionID, e.ID, response); err != nil {
		log.Warn("respond to permission", "err", err)
		return
	}
	log.Info("permission answered", "response", response)
	if !deny {
		return
	}
	if rs := b.runFor(e.SessionID); rs != nil {
		what := e.Permission
		if e.Title != "" {
			what = e.Title
		}
		if len(e.Patterns) > 0 {
			what += " (" + strings.Join(e.Patterns, ", ") + ")"
		}
		b.reply(b.ctx, rs.peer, "Denied permission request: "+what)
	}
}

func formatTool(part opencode.Part) string {
	label := part.Tool
	if label == "" {
		label = "tool"
	}
	st := part.State
	title := st.Title
	switch st.Status {
	case "running":
		if title != "" {
			return fmt.Sprintf("> %s: %s", label, title)
		}
		return "> " + label
	case "error":
		return fmt.Sprintf("x %s failed: %s", label, truncate(st.Error, toolOutputLimit))
	}
	head := "+ " + label
	if title != "" {
		head += ": " + title
	}
	out := strings.TrimSpace(st.Output)
	if out == "" {
		return head
	}
	return head + "\n" + truncate(out, toolOutputLimit)
}

// lastUsedModel returns the model the backend last reported for a session.
func (b *Bridge) lastUsedModel(dir, sessionID string) string {
	m, _ := b.usedModels.Get(queueKey(dir, sessionID))
	return m
}
