package opencode

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

type Message struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       string        `json:"role"`
	ProviderID string        `json:"providerID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// Model returns the provider/model ref the message was produced with.
func (m Message) Model() string {
	if m.ProviderID == "" || m.ModelID == "" {
		return ""
	}
	return m.ProviderID + "/" + m.ModelID
}

// MessageError is an assistant turn that ended in a backend-side failure.
type MessageError struct {
	Name string `json:"name"`
	Data struct {
		Message    string `json:"message,omitempty"`
		StatusCode int    `json:"statusCode,omitempty"`
		ProviderID string `json:"providerID,omitempty"`
	} `json:"data"`
}

func (e *MessageError) Error() string {
	if e.Data.Message != "" {
		return e.Name + ": " + e.Data.Message
	}
	return e.Name
}

type Part struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

type ToolState struct {
	Status string          `json:"status"` // pending | running | completed | error
	Title  string          `json:"title,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type MessageWithParts struct {
	Info  Message `json:"info"`
	Parts []Part  `json:"parts"`
}

// FirstText returns the first non-empty text part.
func (m *MessageWithParts) FirstText() string {
	for _, p := range m.Parts {
		if p.Type == "text" && strings.TrimSpace(p.Text) != "" {
			return p.Text
		}
	}
	return ""
}

// HasTool reports whether the reply invoked any tool.
func (m *MessageWithParts) HasTool() bool {
	for _, p := range m.Parts {
		if p.Type == "tool" {
			return true
		}
	}
	return false
}

// ModelRef is a provider/model pair such as anthropic/claude-sonnet-4-5.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

func (m ModelRef) String() string {
	return m.ProviderID + "/" + m.ModelID
}

// ParseModel splits "provider/model". The model part may itself contain slashes.
func ParseModel(ref string) (ModelRef, error) {
	ref = strings.TrimSpace(ref)
	provider, model, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || strings.TrimSpace(model) == "" || strings.ContainsAny(provider, " \t") {
		return ModelRef{}, fmt.Errorf("model must look like provider/model, got %q", ref)
	}
	return ModelRef{ProviderID: provider, ModelID: model}, nil
}

type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}

// Permission replies accepted by the backend.
const (
	PermissionOnce   = "once"
	PermissionAlways = "always"
	PermissionReject = "reject"
)
