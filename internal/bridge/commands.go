package bridge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/opencode"
	"github.com/ehrlich-b/opencode-router/internal/scope"
)

// parseCommand splits "/name@bot args" into a lower-case name and the
// remaining text. ok is false when text is not slash-prefixed.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest := text[1:], ""
	if i := strings.IndexAny(head, " \t\n"); i >= 0 {
		head, rest = head[:i], head[i+1:]
	}
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest), head != ""
}

// handleCommand runs a recognized command and reports whether it did.
// Unknown slash text falls through to the agent.
func (b *Bridge) handleCommand(ctx context.Context, p peer, ident config.Identity, text string) bool {
	name, args, ok := parseCommand(text)
	if !ok {
		return false
	}
	cfg := b.config()
	if preset, found := cfg.ModelPresets[name]; found && args == "" {
		b.models.Store(p.key(), preset)
		b.reply(ctx, p, "Model set to "+preset+" for this chat.")
		return true
	}
	switch name {
	case "model":
		b.cmdModel(ctx, p, args)
	case "reset":
		b.cmdReset(ctx, p)
	case "pair":
		b.reply(ctx, p, "This chat is already paired.")
	case "run":
		// With a command name the message is queued for the agent like a prompt.
		if args != "" {
			return false
		}
		b.reply(ctx, p, "Usage: /run <command> [arguments]")
	case "dir", "cd":
		b.cmdDir(ctx, p, ident, args)
	case "agent":
		b.cmdAgent(ctx, p)
	case "status":
		b.cmdStatus(ctx, p, ident)
	case "help", "start":
		b.reply(ctx, p, helpText(cfg))
	default:
		return false
	}
	return true
}

func (b *Bridge) cmdModel(ctx context.Context, p peer, args string) {
	switch strings.ToLower(args) {
	case "":
		b.reply(ctx, p, "Model: "+b.describeModel(p))
		return
	case "default", "clear":
		b.models.Delete(p.key())
		b.reply(ctx, p, "Model override cleared. Using "+b.describeModel(p)+".")
		return
	}
	if preset, ok := b.config().ModelPresets[strings.ToLower(args)]; ok {
		args = preset
	}
	ref, err := opencode.ParseModel(args)
	if err != nil {
		b.reply(ctx, p, "Usage: /model provider/model (for example anthropic/claude-sonnet-4-5)")
		return
	}
	b.models.Store(p.key(), ref.String())
	b.reply(ctx, p, "Model set to "+ref.String()+" for this chat.")
}

func (b *Bridge) describeModel(p peer) string {
	if m, ok := b.models.Load(p.key()); ok && m != "" {
		return m + " (chat override)"
	}
	if m := b.config().Model; m != "" {
		return m + " (configured default)"
	}
	return "server default"
}

func (b *Bridge) cmdReset(ctx context.Context, p peer) {
	b.models.Delete(p.key())
	if err := b.store.DeleteSession(p.channel, p.identityID, p.peerID); err != nil {
		b.log.Error("reset session", "peer", p, "err", err)
		b.reply(ctx, p, "Reset failed. Try again.")
		return
	}
	b.reply(ctx, p, "Session reset. Your next message starts a new session.")
}

func (b *Bridge) cmdDir(ctx context.Context, p peer, ident config.Identity, args string) {
	if args == "" {
		binding, _ := b.store.GetBinding(p.channel, p.identityID, p.peerID)
		session, _ := b.store.GetSession(p.channel, p.identityID, p.peerID)
		dir, err := b.resolveDirectory(ident, binding, session)
		if err != nil {
			b.reply(ctx, p, err.Error())
			return
		}
		b.reply(ctx, p, "Workspace: "+dir+"\nRoot: "+b.root)
		return
	}
	dir, changed, err := b.bind(p, args)
	if err != nil {
		b.reply(ctx, p, err.Error())
		return
	}
	if changed {
		b.reply(ctx, p, "Workspace set to "+dir+". A new session starts with your next message.")
		return
	}
	b.reply(ctx, p, "Workspace is already "+dir+".")
}

// bind validates input against the root and binds the peer to it. Changing
// the directory drops the peer's session.
func (b *Bridge) bind(p peer, input string) (dir string, changed bool, err error) {
	dir, err = resolveDir(b.root, input)
	if err != nil {
		return "", false, err
	}
	prev, err := b.store.GetBinding(p.channel, p.identityID, p.peerID)
	if err != nil {
		return "", false, fmt.Errorf("load binding: %w", err)
	}
	if prev != nil && prev.Directory == dir {
		return dir, false, nil
	}
	if err := b.store.SetBinding(p.channel, p.identityID, p.peerID, dir); err != nil {
		return "", false, fmt.Errorf("save binding: %w", err)
	}
	sess, err := b.store.GetSession(p.channel, p.identityID, p.peerID)
	if err == nil && sess != nil && sess.Directory != dir {
		if err := b.store.DeleteSession(p.channel, p.identityID, p.peerID); err != nil {
			b.log.Warn("drop session after rebind", "peer", p, "err", err)
		}
	}
	b.log.Info("peer bound", "peer", p, "directory", dir)
	return dir, true, nil
}

// resolveDir scopes input to root and requires an existing directory.
func resolveDir(root, input string) (string, error) {
	dir, err := scope.Resolve(root, input)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", &scope.Error{Root: root, Input: input, Message: fmt.Sprintf("Directory %s does not exist.", dir)}
	}
	return dir, nil
}

func (b *Bridge) cmdAgent(ctx context.Context, p peer) {
	name := b.config().Agent
	if name == "" {
		name = "server default"
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status := "unreachable"
	if h, err := b.backend.Health(hctx); err == nil && h.Healthy {
		status = "healthy"
		if h.Version != "" {
			status += ", opencode " + h.Version
		}
	}
	b.reply(ctx, p, "Agent: "+name+" ("+status+")")
}

func (b *Bridge) cmdStatus(ctx context.Context, p peer, ident config.Identity) {
	var lines []string
	binding, _ := b.store.GetBinding(p.channel, p.identityID, p.peerID)
	session, _ := b.store.GetSession(p.channel, p.identityID, p.peerID)
	if dir, err := b.resolveDirectory(ident, binding, session); err == nil {
		lines = append(lines, "Workspace: "+dir)
	} else {
		lines = append(lines, "Workspace: none ("+err.Error()+")")
	}
	if session != nil {
		lines = append(lines, "Session: "+session.SessionID)
		if n := b.queue.Pending(queueKey(session.Directory, session.SessionID)); n > 0 {
			lines = append(lines, fmt.Sprintf("Queued messages: %d", n))
		}
		if used := b.lastUsedModel(session.Directory, session.SessionID); used != "" {
			lines = append(lines, "Last model used: "+used)
		}
	} else {
		lines = append(lines, "Session: none")
	}
	lines = append(lines, "Model: "+b.describeModel(p))
	if rs := b.runForPeer(p); rs != nil {
		run := "Running for " + time.Since(rs.startedAt).Round(time.Second).String()
		if label, active := rs.thinking(); active && label != "" {
			run += " (" + label + ")"
		}
		lines = append(lines, run)
	} else {
		lines = append(lines, "Idle")
	}
	b.reply(ctx, p, strings.Join(lines, "\n"))
}

func helpText(cfg *config.Config) string {
	presets := make([]string, 0, len(cfg.ModelPresets))
	for name := range cfg.ModelPresets {
		presets = append(presets, "/"+name)
	}
	sort.Strings(presets)
	lines := []string{
		"Send any message to talk to the agent.",
		"/model [provider/model|default] - show or set the model for this chat",
		"/reset - start a new session",
		"/dir [path] - show or change the workspace directory (alias /cd)",
		"/agent - show the agent in use",
		"/run <command> [arguments] - run a workspace command in this session",
		"/status - show workspace, session and model",
		"/help - this message",
	}
	if len(presets) > 0 {
		lines = append(lines, "Model presets: "+strings.Join(presets, " "))
	}
	return strings.Join(lines, "\n")
}
