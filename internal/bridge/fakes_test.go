package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/opencode"
	"github.com/ehrlich-b/opencode-router/internal/store"
)

type promptCall struct {
	dir       string
	sessionID string
	text      string
	model     string
	agent     string
}

type fakeBackend struct {
	mu          sync.Mutex
	nextSession int
	created     []string
	prompts     []promptCall
	promptFn    func(c promptCall) (*opencode.MessageWithParts, error)
	subscribes  map[string]int
	emitters    map[string]func(opencode.Event)
	permissions []string
	commands    []opencode.CommandRequest
	healthy     bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		subscribes: make(map[string]int),
		emitters:   make(map[string]func(opencode.Event)),
		healthy:    true,
	}
}

func textReply(s string) *opencode.MessageWithParts {
	return &opencode.MessageWithParts{
		Info:  opencode.Message{ID: "m", Role: "assistant"},
		Parts: []opencode.Part{{Type: "text", Text: s}},
	}
}

func (f *fakeBackend) Health(ctx context.Context) (*opencode.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &opencode.Health{Healthy: f.healthy, Version: "test"}, nil
}

func (f *fakeBackend) CreateSession(ctx context.Context, directory, title, policy string) (*opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSession++
	f.created = append(f.created, directory)
	return &opencode.Session{ID: fmt.Sprintf("ses_%d", f.nextSession), Title: title}, nil
}

func (f *fakeBackend) Prompt(ctx context.Context, directory, sessionID string, p opencode.PromptRequest) (*opencode.MessageWithParts, error) {
	c := promptCall{dir: directory, sessionID: sessionID, agent: p.Agent}
	if len(p.Parts) > 0 {
		c.text = p.Parts[0].Text
	}
	if p.Model != nil {
		c.model = p.Model.String()
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, c)
	fn := f.promptFn
	f.mu.Unlock()
	if fn != nil {
		return fn(c)
	}
	return textReply("echo: " + c.text), nil
}

func (f *fakeBackend) Command(ctx context.Context, directory, sessionID string, c opencode.CommandRequest) (*opencode.MessageWithParts, error) {
	f.mu.Lock()
	f.commands = append(f.commands, c)
	f.mu.Unlock()
	return textReply("ran " + c.Command), nil
}

func (f *fakeBackend) RespondPermission(ctx context.Context, directory, sessionID, permissionID, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, sessionID+"/"+permissionID+"/"+response)
	return nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, directory string, fn func(opencode.Event)) error {
	f.mu.Lock()
	f.subscribes[directory]++
	f.emitters[directory] = fn
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeBackend) emit(t *testing.T, dir string, ev opencode.Event) {
	t.Helper()
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.emitters[dir] != nil
	})
	f.mu.Lock()
	fn := f.emitters[dir]
	f.mu.Unlock()
	fn(ev)
}

func (f *fakeBackend) promptCalls() []promptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]promptCall(nil), f.prompts...)
}

func (f *fakeBackend) sessionsCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeBackend) subscribeCount(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[dir]
}

type sentMsg struct {
	peer string
	text string
}

type fakeAdapter struct {
	channel, id string

	mu     sync.Mutex
	sent   []sentMsg
	files  []string
	typing atomic.Int32
}

func (f *fakeAdapter) Channel() string                 { return f.channel }
func (f *fakeAdapter) IdentityID() string              { return f.id }
func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, peerID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{peer: peerID, text: text})
	return nil
}

func (f *fakeAdapter) SendFile(ctx context.Context, peerID, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
	return nil
}

func (f *fakeAdapter) SendTyping(ctx context.Context, peerID string) error {
	f.typing.Add(1)
	return nil
}

func (f *fakeAdapter) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeAdapter) texts() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.text)
	}
	return out
}

// waitSent waits until at least n messages were sent and returns them.
func (f *fakeAdapter) waitSent(t *testing.T, n int) []sentMsg {
	t.Helper()
	waitFor(t, func() bool { return len(f.messages()) >= n })
	return f.messages()
}

func (f *fakeAdapter) lastText() string {
	msgs := f.messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].text
}

// textOnly is an adapter without file or typing support.
type textOnly struct {
	inner *fakeAdapter
}

func (a textOnly) Channel() string                 { return a.inner.channel }
func (a textOnly) IdentityID() string              { return a.inner.id }
func (a textOnly) Start(ctx context.Context) error { return nil }
func (a textOnly) Stop(ctx context.Context) error  { return nil }
func (a textOnly) SendText(ctx context.Context, peerID, text string) error {
	return a.inner.SendText(ctx, peerID, text)
}
func (a textOnly) texts() []string { return a.inner.texts() }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type testEnv struct {
	b       *Bridge
	backend *fakeBackend
	adapter *fakeAdapter
	store   *store.Store
	root    string
	cfgPath string
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config, root string)) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.OpenCode.Directory = root
	cfg.Identities = []config.Identity{{Channel: config.ChannelTelegram, ID: "default", Token: "tok"}}
	if mutate != nil {
		mutate(cfg, root)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fb := newFakeBackend()
	fa := &fakeAdapter{channel: config.ChannelTelegram, id: "default"}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	b, err := New(Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Store:      st,
		Backend:    fb,
		Factory: func(id config.Identity, h adapter.Handler) (adapter.Adapter, error) {
			if id.Channel == fa.channel && id.ID == fa.id {
				return fa, nil
			}
			return &fakeAdapter{channel: id.Channel, id: id.ID}, nil
		},
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	b.StartAdapters(context.Background())
	t.Cleanup(func() { b.Stop(context.Background()) })
	return &testEnv{b: b, backend: fb, adapter: fa, store: st, root: b.Root(), cfgPath: cfgPath}
}

func (e *testEnv) send(peerID, text string) {
	e.b.HandleInbound(context.Background(), adapter.InboundMessage{
		Channel:    config.ChannelTelegram,
		IdentityID: "default",
		PeerID:     peerID,
		Text:       text,
	})
}

func mkdir(t *testing.T, parts ...string) string {
	t.Helper()
	dir := filepath.Join(parts...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return dir
}

func containsText(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}
