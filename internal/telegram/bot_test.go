package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
)

type fakeAPI struct {
	t *testing.T

	mu       sync.Mutex
	updates  []map[string]any
	served   bool
	sent     []url.Values
	actions  []url.Values
	limited  int
	document string
	caption  string
	getMeErr bool
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/botTOKEN/getMe", func(w http.ResponseWriter, r *http.Request) {
		if f.getMeErr {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
			return
		}
		ok(w, map[string]any{"id": 999, "is_bot": true, "username": "router_bot"})
	})
	mux.HandleFunc("/botTOKEN/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		first := !f.served
		f.served = true
		ups := f.updates
		f.mu.Unlock()
		if first {
			ok(w, ups)
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(50 * time.Millisecond):
		}
		ok(w, []any{})
	})
	mux.HandleFunc("/botTOKEN/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		if f.limited > 0 {
			f.limited--
			f.mu.Unlock()
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":1}}`))
			return
		}
		f.sent = append(f.sent, r.PostForm)
		f.mu.Unlock()
		ok(w, map[string]any{"message_id": 1})
	})
	mux.HandleFunc("/botTOKEN/sendChatAction", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.actions = append(f.actions, r.PostForm)
		f.mu.Unlock()
		ok(w, true)
	})
	mux.HandleFunc("/botTOKEN/sendDocument", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("document")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.document = hdr.Filename + ":" + string(data)
		f.caption = r.FormValue("caption")
		f.mu.Unlock()
		ok(w, map[string]any{"message_id": 2})
	})
	return mux
}

func ok(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func newTestBot(t *testing.T, f *fakeAPI, h adapter.Handler) *Bot {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	if h == nil {
		h = func(context.Context, adapter.InboundMessage) {}
	}
	b := New(config.Identity{Channel: config.ChannelTelegram, ID: "default", Token: "TOKEN"}, h,
		Options{Endpoint: srv.URL + "/bot%s/%s", PollTimeout: time.Second, SendRate: 1000})
	return b
}

func TestStartRejectsBadToken(t *testing.T) {
	b := newTestBot(t, &fakeAPI{getMeErr: true}, nil)
	err := b.Start(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Unauthorized") {
		t.Errorf("err = %v", err)
	}
}

func TestPollDeliversMessages(t *testing.T) {
	f := &fakeAPI{updates: []map[string]any{
		{"update_id": 10, "message": map[string]any{
			"message_id": 1, "text": "hello",
			"chat": map[string]any{"id": 42, "type": "private"},
			"from": map[string]any{"id": 7},
		}},
		{"update_id": 11, "message": map[string]any{
			"message_id": 2, "caption": "in group",
			"chat": map[string]any{"id": -100, "type": "supergroup"},
			"from": map[string]any{"id": 999, "is_bot": true},
		}},
		{"update_id": 12, "message": map[string]any{
			"message_id": 3,
			"chat":       map[string]any{"id": 42, "type": "private"},
		}},
	}}
	var mu sync.Mutex
	var got []adapter.InboundMessage
	b := newTestBot(t, f, func(ctx context.Context, m adapter.InboundMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].PeerID != "42" || got[0].Text != "hello" || got[0].IsGroup || got[0].FromMe {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].PeerID != "-100" || got[1].Text != "in group" || !got[1].IsGroup || !got[1].FromMe {
		t.Errorf("second = %+v", got[1])
	}
	if got[0].Channel != "telegram" || got[0].IdentityID != "default" {
		t.Errorf("identity = %s/%s", got[0].Channel, got[0].IdentityID)
	}
}

func TestStopEndsPolling(t *testing.T) {
	b := newTestBot(t, &fakeAPI{}, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSendText(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f, nil)
	if err := b.SendText(context.Background(), "-1001", "hi there"); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) != 1 || f.sent[0].Get("text") != "hi there" || f.sent[0].Get("chat_id") != "-1001" {
		t.Errorf("sent = %+v", f.sent)
	}
}

func TestSendRejectsNonNumericPeer(t *testing.T) {
	b := newTestBot(t, &fakeAPI{}, nil)
	if err := b.SendText(context.Background(), "@someone", "hi"); err == nil {
		t.Fatal("username accepted as chat id")
	}
}

func TestSendTyping(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f, nil)
	if err := b.SendTyping(context.Background(), "5"); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.actions) != 1 || f.actions[0].Get("action") != "typing" {
		t.Errorf("actions = %+v", f.actions)
	}
}

func TestSendFile(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f, nil)
	path := filepath.Join(t.TempDir(), "report.txt")
	os.WriteFile(path, []byte("contents"), 0644)
	if err := b.SendFile(context.Background(), "5", path, "the report"); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.document != "report.txt:contents" || f.caption != "the report" {
		t.Errorf("document = %q caption = %q", f.document, f.caption)
	}
	if err := b.SendFile(context.Background(), "5", filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Error("missing file accepted")
	}
}

func TestSendTextRetriesAfterRateLimit(t *testing.T) {
	f := &fakeAPI{limited: 1}
	b := newTestBot(t, f, nil)
	start := time.Now()
	if err := b.SendText(context.Background(), "5", "eventually"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < time.Second {
		t.Errorf("retried after %v, want retry_after honored", time.Since(start))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) != 1 || f.sent[0].Get("text") != "eventually" {
		t.Errorf("sent = %+v", f.sent)
	}
}

func TestSendTextGivesUpAfterSecondRateLimit(t *testing.T) {
	f := &fakeAPI{limited: 2}
	b := newTestBot(t, f, nil)
	if err := b.SendText(context.Background(), "5", "x"); err == nil {
		t.Fatal("expected rate limit error")
	}
}

func TestRedactToken(t *testing.T) {
	b := New(config.Identity{Channel: config.ChannelTelegram, ID: "default", Token: "SECRET"}, nil,
		Options{Endpoint: "http://127.0.0.1:1/bot%s/%s"})
	err := b.Start(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Errorf("token leaked: %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	b := newTestBot(t, &fakeAPI{}, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop(context.Background())
	if err := b.Start(context.Background()); err == nil {
		t.Error("second Start accepted")
	}
}

func TestContextCancelEndsPolling(t *testing.T) {
	b := newTestBot(t, &fakeAPI{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop still running after ctx cancel")
	}
}
