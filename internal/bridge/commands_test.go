package bridge

import (
	"strings"
	"testing"

	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/opencode"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in         string
		name, args string
		ok         bool
	}{
		{"/model", "model", "", true},
		{"/Model@my_bot openai/gpt-5", "model", "openai/gpt-5", true},
		{"  /dir  src/app ", "dir", "src/app", true},
		{"/dir\nsrc", "dir", "src", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		if name != tt.name || args != tt.args || ok != tt.ok {
			t.Errorf("parseCommand(%q) = %q, %q, %v; want %q, %q, %v", tt.in, name, args, ok, tt.name, tt.args, tt.ok)
		}
	}
}

func TestModelCommands(t *testing.T) {
	e := newTestEnv(t, nil)

	e.send("1", "/model")
	msgs := e.adapter.waitSent(t, 1)
	if msgs[0].text != "Model: server default" {
		t.Errorf("show = %q", msgs[0].text)
	}

	e.send("1", "/opus")
	msgs = e.adapter.waitSent(t, 2)
	want := e.b.config().ModelPresets["opus"]
	if !strings.Contains(msgs[1].text, want) {
		t.Errorf("preset = %q, want %q", msgs[1].text, want)
	}
	if e.b.modelFor(peer{"telegram", "default", "1"}) != want {
		t.Errorf("override not stored")
	}

	e.send("1", "/model nonsense")
	msgs = e.adapter.waitSent(t, 3)
	if !strings.HasPrefix(msgs[2].text, "Usage:") {
		t.Errorf("bad model = %q", msgs[2].text)
	}

	e.send("1", "/model default")
	e.adapter.waitSent(t, 4)
	if e.b.modelFor(peer{"telegram", "default", "1"}) != "" {
		t.Error("override not cleared")
	}
	if len(e.backend.promptCalls()) != 0 {
		t.Error("commands reached the agent")
	}
}

func TestResetCommand(t *testing.T) {
	e := newTestEnv(t, nil)
	e.send("1", "hi")
	e.adapter.waitSent(t, 1)
	e.send("1", "/reset")
	msgs := e.adapter.waitSent(t, 2)
	if !strings.Contains(msgs[1].text, "reset") {
		t.Errorf("reply = %q", msgs[1].text)
	}
	if sess, _ := e.store.GetSession("telegram", "default", "1"); sess != nil {
		t.Error("session kept after reset")
	}
	if bnd, _ := e.store.GetBinding("telegram", "default", "1"); bnd == nil {
		t.Error("reset dropped the binding")
	}
}

func TestDirCommandShowsWorkspace(t *testing.T) {
	e := newTestEnv(t, nil)
	e.send("1", "/cd")
	msgs := e.adapter.waitSent(t, 1)
	if !strings.Contains(msgs[0].text, "Workspace: "+e.root) {
		t.Errorf("reply = %q", msgs[0].text)
	}
}

func TestDirCommandMissingDirectory(t *testing.T) {
	e := newTestEnv(t, nil)
	e.send("1", "/dir nothing-here")
	msgs := e.adapter.waitSent(t, 1)
	if !strings.Contains(msgs[0].text, "does not exist") {
		t.Errorf("reply = %q", msgs[0].text)
	}
}

func TestStatusAndHelpCommands(t *testing.T) {
	e := newTestEnv(t, nil)
	e.send("1", "/status")
	msgs := e.adapter.waitSent(t, 1)
	for _, want := range []string{"Workspace: ", "Session: none", "Model: ", "Idle"} {
		if !strings.Contains(msgs[0].text, want) {
			t.Errorf("status missing %q: %q", want, msgs[0].text)
		}
	}
	e.send("1", "/help")
	msgs = e.adapter.waitSent(t, 2)
	if !strings.Contains(msgs[1].text, "/reset") || !strings.Contains(msgs[1].text, "/opus") {
		t.Errorf("help = %q", msgs[1].text)
	}
	e.send("1", "/agent")
	msgs = e.adapter.waitSent(t, 3)
	if !strings.Contains(msgs[2].text, "healthy") {
		t.Errorf("agent = %q", msgs[2].text)
	}
}

func TestUnknownCommandGoesToAgent(t *testing.T) {
	e := newTestEnv(t, nil)
	e.send("1", "/review the diff")
	e.adapter.waitSent(t, 1)
	calls := e.backend.promptCalls()
	if len(calls) != 1 || calls[0].text != "/review the diff" {
		t.Errorf("prompts = %+v", calls)
	}
}

func TestPairWhenAlreadyPaired(t *testing.T) {
	e := newTestEnv(t, nil)
	e.send("1", "/pair 1234")
	msgs := e.adapter.waitSent(t, 1)
	if !strings.Contains(msgs[0].text, "already paired") {
		t.Errorf("reply = %q", msgs[0].text)
	}
}

func TestRunCommandForwardsToBackend(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config, root string) {
		cfg.Agent = "build"
	})
	e.send("1", "/model anthropic/claude-sonnet-4-5")
	e.adapter.waitSent(t, 1)
	e.send("1", "/run /review main..HEAD  ")
	msgs := e.adapter.waitSent(t, 2)
	if msgs[1].text != "ran review" {
		t.Errorf("reply = %q", msgs[1].text)
	}
	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	if len(e.backend.commands) != 1 {
		t.Fatalf("commands = %+v", e.backend.commands)
	}
	got := e.backend.commands[0]
	want := opencode.CommandRequest{Command: "review", Arguments: "main..HEAD", Agent: "build", Model: "anthropic/claude-sonnet-4-5"}
	if got != want {
		t.Errorf("command = %+v, want %+v", got, want)
	}
	if len(e.backend.prompts) != 0 {
		t.Errorf("prompt sent for /run: %+v", e.backend.prompts)
	}
}

func TestRunWithoutCommandShowsUsage(t *testing.T) {
	e := newTestEnv(t, nil)
	e.send("1", "/run")
	msgs := e.adapter.waitSent(t, 1)
	if !strings.HasPrefix(msgs[0].text, "Usage: /run") {
		t.Errorf("reply = %q", msgs[0].text)
	}
	if len(e.backend.promptCalls()) != 0 {
		t.Error("agent prompted for bare /run")
	}
}

func TestStatusShowsQueuedMessages(t *testing.T) {
	e := newTestEnv(t, nil)
	release := make(chan struct{})
	e.backend.promptFn = func(c promptCall) (*opencode.MessageWithParts, error) {
		<-release
		return textReply("ok"), nil
	}
	e.send("1", "first")
	waitFor(t, func() bool { return e.b.runFor("ses_1") != nil })
	e.send("1", "second")
	e.send("1", "/status")
	msgs := e.adapter.waitSent(t, 1)
	if !strings.Contains(msgs[0].text, "Queued messages: 1") {
		t.Errorf("status = %q", msgs[0].text)
	}
	close(release)
	e.adapter.waitSent(t, 3)
}
