// Package opencode is a client for the opencode server HTTP API.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/ehrlich-b/opencode-router/internal/logger"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("opencode %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Client talks to one opencode server. Every call is scoped to a workspace
// directory through the directory query parameter.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	// stream has no overall timeout; event subscriptions live until cancelled.
	stream *http.Client
}

func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		stream:   &http.Client{},
	}
}

// Prompts run as long as the agent needs, so they share the untimed client.
func (c *Client) promptClient() *http.Client { return c.stream }

func (c *Client) newRequest(ctx context.Context, method, path, directory string, body any) (*http.Request, error) {
	u := c.baseURL + path
	if directory != "" {
		u += "?directory=" + url.QueryEscape(directory)
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", path, err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" || c.password != "" {
		user := c.username
		if user == "" {
			user = "opencode"
		}
		req.SetBasicAuth(user, c.password)
	}
	return req, nil
}

func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("opencode %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/global/health", "", nil)
	if err != nil {
		return nil, err
	}
	var h Health
	if err := c.do(c.http, req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

type permissionRule struct {
	Permission string `json:"permission"`
	Pattern    string `json:"pattern"`
	Action     string `json:"action"`
}

// CreateSession creates a session in directory. policy is "allow" or "deny"
// and becomes a catch-all permission rule; empty leaves the server default.
func (c *Client) CreateSession(ctx context.Context, directory, title, policy string) (*Session, error) {
	body := map[string]any{"title": title}
	if policy != "" {
		body["permission"] = []permissionRule{{Permission: "*", Pattern: "*", Action: policy}}
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/session", directory, body)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := c.do(c.http, req, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("opencode create session: empty id")
	}
	return &s, nil
}

type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type PromptRequest struct {
	Parts  []TextPartInput `json:"parts"`
	Model  *ModelRef       `json:"model,omitempty"`
	Agent  string          `json:"agent,omitempty"`
	System string          `json:"system,omitempty"`
}

// TextPrompt builds a single-part prompt.
func TextPrompt(text string) PromptRequest {
	return PromptRequest{Parts: []TextPartInput{{Type: "text", Text: text}}}
}

// Prompt sends a message and blocks until the assistant turn completes.
// An assistant turn that ended in a backend error is returned as *MessageError.
func (c *Client) Prompt(ctx context.Context, directory, sessionID string, p PromptRequest) (*MessageWithParts, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", directory, p)
	if err != nil {
		return nil, err
	}
	var out MessageWithParts
	if err := c.do(c.promptClient(), req, &out); err != nil {
		return nil, err
	}
	if out.Info.Error != nil {
		return &out, out.Info.Error
	}
	return &out, nil
}

type CommandRequest struct {
	Command   string `json:"command"`
	Arguments string `json:"arguments"`
	Model     string `json:"model,omitempty"` // provider/model
	Agent     string `json:"agent,omitempty"`
}

// Command runs a slash command defined by the workspace.
func (c *Client) Command(ctx context.Context, directory, sessionID string, cmd CommandRequest) (*MessageWithParts, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/command", directory, cmd)
	if err != nil {
		return nil, err
	}
	var out MessageWithParts
	if err := c.do(c.promptClient(), req, &out); err != nil {
		return nil, err
	}
	if out.Info.Error != nil {
		return &out, out.Info.Error
	}
	return &out, nil
}

// RespondPermission answers a permission request with once, always or reject.
func (c *Client) RespondPermission(ctx context.Context, directory, sessionID, permissionID, response string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	req, err := c.newRequest(ctx, http.MethodPost, path, directory, map[string]string{"response": response})
	if err != nil {
		return err
	}
	return c.do(c.http, req, nil)
}

// maxEventSize bounds one event; message.part.updated can carry whole files.
const maxEventSize = 8 << 20

// Subscribe reads the event stream for directory and calls fn for every
// event until ctx is cancelled or the stream ends. A clean end of stream
// returns io.EOF.
func (c *Client) Subscribe(ctx context.Context, directory string, fn func(Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/event", directory, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("opencode subscribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	log := logger.With("opencode")
	for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		if ev.Data == "" {
			continue
		}
		decoded, err := Decode([]byte(ev.Data))
		if err != nil {
			log.Debug("skip undecodable event", "err", err)
			continue
		}
		fn(decoded)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return io.EOF
}
