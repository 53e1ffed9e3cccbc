// Package bridge routes chat messages to opencode sessions. It binds each
// chat peer to a workspace directory and an agent session, serializes work
// per session, and relays replies, tool activity and permission prompts
// back to the chat.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/logger"
	"github.com/ehrlich-b/opencode-router/internal/opencode"
	"github.com/ehrlich-b/opencode-router/internal/pairing"
	"github.com/ehrlich-b/opencode-router/internal/scope"
	"github.com/ehrlich-b/opencode-router/internal/store"
)

// Backend is the agent server surface the bridge drives.
type Backend interface {
	Health(ctx context.Context) (*opencode.Health, error)
	CreateSession(ctx context.Context, directory, title, policy string) (*opencode.Session, error)
	Prompt(ctx context.Context, directory, sessionID string, p opencode.PromptRequest) (*opencode.MessageWithParts, error)
	Command(ctx context.Context, directory, sessionID string, c opencode.CommandRequest) (*opencode.MessageWithParts, error)
	RespondPermission(ctx context.Context, directory, sessionID, permissionID, response string) error
	Subscribe(ctx context.Context, directory string, fn func(opencode.Event)) error
}

// Store persists bindings and sessions.
type Store interface {
	GetBinding(channel, identityID, peerID string) (*store.Binding, error)
	SetBinding(channel, identityID, peerID, directory string) error
	DeleteBinding(channel, identityID, peerID string) error
	ListBindings(channel, identityID string) ([]*store.Binding, error)
	ListBindingsByDirectory(directory string) ([]*store.Binding, error)
	GetSession(channel, identityID, peerID string) (*store.Session, error)
	SetSession(channel, identityID, peerID, sessionID, directory string) error
	DeleteSession(channel, identityID, peerID string) error
	CountSessions() (int, error)
}

// AdapterFactory builds the adapter for an identity. The bridge registers it.
type AdapterFactory func(id config.Identity, h adapter.Handler) (adapter.Adapter, error)

type Options struct {
	Config     *config.Config
	ConfigPath string // control changes are saved here; empty keeps them in memory
	Root       string // workspace root; defaults to Config.OpenCode.Directory
	Store      Store
	Backend    Backend
	Registry   *adapter.Registry
	Factory    AdapterFactory
	Metrics    *Metrics
	Version    string
	// RetryDelay is the pause before retrying an empty reply.
	RetryDelay time.Duration
}

type Bridge struct {
	cfgMu      sync.RWMutex
	cfg        *config.Config
	configPath string

	root       string
	version    string
	retryDelay time.Duration

	store    Store
	backend  Backend
	registry *adapter.Registry
	factory  AdapterFactory
	metrics  *Metrics
	queue    *Queue

	peerLocks  *xsync.MapOf[string, *sync.Mutex]
	models     *xsync.MapOf[string, string] // peer key -> provider/model override
	usedModels *lru.Cache[string, string]   // queue key -> model the backend reported

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc
	subsWG sync.WaitGroup

	runsMu sync.Mutex
	runs   map[string]*runState // session id -> in-flight run

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	log     *slog.Logger
}

func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge: config required")
	}
	if opts.Store == nil || opts.Backend == nil {
		return nil, errors.New("bridge: store and backend required")
	}
	root := opts.Root
	if root == "" {
		root = opts.Config.OpenCode.Directory
	}
	if root == "" {
		return nil, errors.New("bridge: workspace root required")
	}
	if root == "~" || strings.HasPrefix(root, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			root = home + strings.TrimPrefix(root, "~")
		}
	}
	root, err := scope.Resolve(root, "")
	if err != nil {
		return nil, fmt.Errorf("bridge: workspace root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("bridge: workspace root %s is not a directory", root)
	}
	used, err := lru.New[string, string](512)
	if err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = adapter.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		root:       root,
		version:    opts.Version,
		retryDelay: opts.RetryDelay,
		store:      opts.Store,
		backend:    opts.Backend,
		registry:   opts.Registry,
		factory:    opts.Factory,
		metrics:    opts.Metrics,
		queue:      NewQueue(),
		peerLocks:  xsync.NewMapOf[string, *sync.Mutex](),
		models:     xsync.NewMapOf[string, string](),
		usedModels: used,
		subs:       make(map[string]context.CancelFunc),
		runs:       make(map[string]*runState),
		ctx:        ctx,
		cancel:     cancel,
		log:        logger.With("bridge"),
	}, nil
}

// Root returns the resolved workspace root.
func (b *Bridge) Root() string { return b.root }

func (b *Bridge) Registry() *adapter.Registry { return b.registry }

func (b *Bridge) config() *config.Config {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

// peer identifies one conversation.
type peer struct {
	channel    string
	identityID string
	peerID     string
}

func (p peer) key() string {
	return p.channel + "\x00" + p.identityID + "\x00" + p.peerID
}

func (p peer) String() string {
	return p.channel + "/" + p.identityID + "/" + p.peerID
}

func (b *Bridge) lockPeer(p peer) func() {
	mu, _ := b.peerLocks.LoadOrCompute(p.key(), func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// Handler returns the callback adapters deliver inbound messages to.
func (b *Bridge) Handler() adapter.Handler {
	return b.HandleInbound
}

// HandleInbound runs the gate, command, directory and session steps for one
// message and queues the agent call. The pre-queue steps hold a per-peer
// lock so two fast messages cannot create two sessions or reorder.
func (b *Bridge) HandleInbound(ctx context.Context, msg adapter.InboundMessage) {
	if msg.FromMe {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	cfg := b.config()
	ident := cfg.FindIdentity(msg.Channel, msg.IdentityID)
	if ident == nil || !ident.IsEnabled() {
		b.log.Debug("message for unknown identity", "channel", msg.Channel, "identity", msg.IdentityID)
		return
	}
	if msg.IsGroup && !cfg.GroupsEnabled {
		b.metrics.inbound.WithLabelValues(msg.Channel, "group_disabled").Inc()
		return
	}
	p := peer{channel: msg.Channel, identityID: ident.ID, peerID: msg.PeerID}

	b.cfgMu.RLock()
	stopped := b.stopped
	b.cfgMu.RUnlock()
	if stopped {
		return
	}

	unlock := b.lockPeer(p)
	defer unlock()

	binding, err := b.store.GetBinding(p.channel, p.identityID, p.peerID)
	if err != nil {
		b.log.Error("load binding", "peer", p, "err", err)
		return
	}
	session, err := b.store.GetSession(p.channel, p.identityID, p.peerID)
	if err != nil {
		b.log.Error("load session", "peer", p, "err", err)
		return
	}

	if ident.IsPrivate() && binding == nil && session == nil {
		b.gate(ctx, p, *ident, text)
		b.metrics.inbound.WithLabelValues(p.channel, "gated").Inc()
		return
	}

	if b.handleCommand(ctx, p, *ident, text) {
		b.metrics.inbound.WithLabelValues(p.channel, "command").Inc()
		return
	}

	dir, err := b.resolveDirectory(*ident, binding, session)
	if err != nil {
		b.reply(ctx, p, err.Error())
		b.metrics.inbound.WithLabelValues(p.channel, "no_directory").Inc()
		return
	}

	if binding == nil && !ident.IsPrivate() {
		if err := b.store.SetBinding(p.channel, p.identityID, p.peerID, dir); err != nil {
			b.log.Error("auto-bind", "peer", p, "err", err)
		}
	}

	sessionID, err := b.ensureSession(ctx, p, dir, session)
	if err != nil {
		_, userMsg := classifyError(err)
		b.reply(ctx, p, userMsg)
		b.metrics.inbound.WithLabelValues(p.channel, "session_error").Inc()
		return
	}
	b.EnsureEventSubscription(dir)

	if !b.queue.Enqueue(queueKey(dir, sessionID), func() {
		b.run(p, dir, sessionID, text)
	}) {
		b.log.Info("shutting down, message dropped", "peer", p)
		return
	}
	b.metrics.inbound.WithLabelValues(p.channel, "queued").Inc()
}

// gate runs the pairing exchange for a private identity. On success the
// peer is bound and the message is consumed.
func (b *Bridge) gate(ctx context.Context, p peer, ident config.Identity, text string) {
	switch pairing.Check(text, ident.PairingCodeHash) {
	case pairing.Missing:
		if pairing.IsPairCommand(text) {
			b.reply(ctx, p, "Usage: /pair <code>")
			return
		}
		b.reply(ctx, p, "This bot is private. Send /pair <code> to connect this chat.")
	case pairing.Misconfigured:
		b.log.Warn("private identity has no pairing code", "identity", ident.Key())
		b.reply(ctx, p, "Pairing is not configured for this bot. Ask the operator to set a pairing code.")
	case pairing.Mismatch:
		b.log.Info("pairing code rejected", "peer", p)
		b.reply(ctx, p, "That pairing code is not valid.")
	case pairing.OK:
		dir, err := b.resolveDirectory(ident, nil, nil)
		if err != nil {
			b.reply(ctx, p, "Paired, but no workspace directory is available: "+err.Error()+"\nUse /dir <path> to choose one.")
			// Pairing still has to stick, so bind to the root explicitly.
			dir = b.root
		}
		if err := b.store.SetBinding(p.channel, p.identityID, p.peerID, dir); err != nil {
			b.log.Error("bind after pairing", "peer", p, "err", err)
			b.reply(ctx, p, "Pairing failed to save. Try again.")
			return
		}
		b.log.Info("peer paired", "peer", p, "directory", dir)
		b.reply(ctx, p, "Paired. Workspace: "+dir)
	}
}

// resolveDirectory picks the peer's workspace: binding, then the prior
// session's directory, then the identity default, the configured default
// and finally the root. Implicit choices must not be a dangerous root.
func (b *Bridge) resolveDirectory(ident config.Identity, binding *store.Binding, session *store.Session) (string, error) {
	if binding != nil {
		return scope.Resolve(b.root, binding.Directory)
	}
	cfg := b.config()
	var candidates []string
	if session != nil {
		candidates = append(candidates, session.Directory)
	}
	candidates = append(candidates, ident.Directory, cfg.DefaultDirectory, b.root)
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		dir, err := scope.Resolve(b.root, c)
		if err != nil {
			return "", err
		}
		if scope.IsDangerousRoot(dir) {
			return "", fmt.Errorf("refusing to use %s as an implicit workspace. Use /dir <path> to choose one", dir)
		}
		return dir, nil
	}
	return "", errors.New("no workspace directory configured")
}

// ensureSession reuses the stored session when it was created in dir and
// otherwise creates and persists a new one.
func (b *Bridge) ensureSession(ctx context.Context, p peer, dir string, existing *store.Session) (string, error) {
	if existing != nil && existing.Directory == dir && existing.SessionID != "" {
		return existing.SessionID, nil
	}
	title := "opencode-router " + p.String()
	s, err := b.backend.CreateSession(ctx, dir, title, b.config().PermissionPolicy)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := b.store.SetSession(p.channel, p.identityID, p.peerID, s.ID, dir); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	b.log.Info("session created", "peer", p, "session", s.ID, "directory", dir)
	return s.ID, nil
}

func (b *Bridge) modelFor(p peer) string {
	if m, ok := b.models.Load(p.key()); ok && m != "" {
		return m
	}
	return b.config().Model
}

func framePreamble(p peer, dir string) string {
	return fmt.Sprintf("You are replying through a %s chat (identity %s, peer %s). "+
		"The workspace directory is %s. Keep replies concise for chat. "+
		"To send a file to the user, put a line of the form FILE:<path> in your reply.",
		p.channel, p.identityID, p.peerID, dir)
}

// run is the queued task for one message.
func (b *Bridge) run(p peer, dir, sessionID, text string) {
	if b.ctx.Err() != nil {
		return
	}
	cfg := b.config()
	rs := b.startRun(p, dir, sessionID, cfg)
	defer b.endRun(rs)

	req := opencode.TextPrompt(text)
	req.System = framePreamble(p, dir)
	req.Agent = cfg.Agent
	if m := b.modelFor(p); m != "" {
		ref, err := opencode.ParseModel(m)
		if err != nil {
			b.reply(b.ctx, p, err.Error())
			return
		}
		req.Model = &ref
	}

	call := func() (*opencode.MessageWithParts, error) {
		return b.backend.Prompt(b.ctx, dir, sessionID, req)
	}
	if name, args, ok := parseCommand(text); ok && name == "run" {
		creq := workspaceCommand(args, req)
		rs.log.Info("running workspace command", "command", creq.Command)
		call = func() (*opencode.MessageWithParts, error) {
			return b.backend.Command(b.ctx, dir, sessionID, creq)
		}
	}

	start := time.Now()
	var out *opencode.MessageWithParts
	err := retry.Do(func() error {
		reply, err := call()
		if err != nil {
			return err
		}
		if reply.FirstText() == "" && !reply.HasTool() {
			rs.log.Warn("empty reply from agent")
			return errEmptyReply
		}
		out = reply
		return nil
	},
		retry.Attempts(2),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errEmptyReply) }),
		retry.Delay(b.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(b.ctx),
	)
	b.metrics.promptSeconds.Observe(time.Since(start).Seconds())

	if b.ctx.Err() != nil {
		return
	}
	if errors.Is(err, errEmptyReply) {
		b.metrics.prompts.WithLabelValues("empty").Inc()
		if derr := b.store.DeleteSession(p.channel, p.identityID, p.peerID); derr != nil {
			rs.log.Error("delete session after empty reply", "err", derr)
		}
		b.reply(b.ctx, p, "The agent returned an empty reply, so I started a fresh session. Please send your message again.")
		return
	}
	if err != nil {
		kind, userMsg := classifyError(err)
		b.metrics.prompts.WithLabelValues(string(kind)).Inc()
		rs.log.Warn("prompt failed", "kind", kind, "err", err)
		b.reply(b.ctx, p, userMsg)
		return
	}
	b.metrics.prompts.WithLabelValues("ok").Inc()
	if m := out.Info.Model(); m != "" {
		b.usedModels.Add(queueKey(dir, sessionID), m)
	}
	reply := out.FirstText()
	if reply == "" {
		reply = "Done."
	}
	a := b.registry.Get(p.channel, p.identityID)
	if a == nil {
		rs.log.Warn("adapter gone, dropping reply")
		return
	}
	rs.stopTyping()
	if err := b.relay(b.ctx, a, p.peerID, dir, reply); err != nil {
		rs.log.Warn("relay reply", "err", err)
	}
}

// workspaceCommand turns "/run name args" into a command request that
// carries the chat's agent and model.
func workspaceCommand(args string, prompt opencode.PromptRequest) opencode.CommandRequest {
	name, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	c := opencode.CommandRequest{
		Command:   strings.TrimPrefix(name, "/"),
		Arguments: strings.TrimSpace(rest),
		Agent:     prompt.Agent,
	}
	if prompt.Model != nil {
		c.Model = prompt.Model.String()
	}
	return c
}

// reply sends a short system message to the peer, chunked like any reply.
func (b *Bridge) reply(ctx context.Context, p peer, text string) {
	a := b.registry.Get(p.channel, p.identityID)
	if a == nil {
		b.log.Warn("no adapter for reply", "peer", p)
		return
	}
	for _, chunk := range chunkText(text, b.config().ChunkSize) {
		if err := a.SendText(ctx, p.peerID, chunk); err != nil {
			b.log.Warn("send reply", "peer", p, "err", err)
			return
		}
	}
}

// Stop cancels subscriptions and typing loops, waits for queued tasks, and
// stops every adapter.
func (b *Bridge) Stop(ctx context.Context) error {
	b.cfgMu.Lock()
	b.stopped = true
	b.cfgMu.Unlock()

	b.cancel()
	b.queue.Close()
	b.queue.Wait()
	err := b.registry.StopAll(ctx)
	b.subsWG.Wait()
	return err
}
