package opencode

import (
	"encoding/json"
	"fmt"
)

// Event is one normalized item from the event stream. The concrete type is
// one of MessageUpdated, SessionStatus, SessionIdle, PartUpdated,
// PermissionAsked or Unknown.
type Event interface {
	EventType() string
}

type MessageUpdated struct {
	Info Message
}

// SessionStatus reports busy or retry. Idle is delivered as SessionIdle.
type SessionStatus struct {
	SessionID string
	Status    string // busy | retry
	Attempt   int
	Message   string
}

type SessionIdle struct {
	SessionID string
}

type PartUpdated struct {
	Part  Part
	Delta string
}

type PermissionAsked struct {
	ID         string
	SessionID  string
	Permission string
	Title      string
	Patterns   []string
}

type Unknown struct {
	Type       string
	Properties json.RawMessage
}

func (MessageUpdated) EventType() string  { return "message.updated" }
func (SessionStatus) EventType() string   { return "session.status" }
func (SessionIdle) EventType() string     { return "session.idle" }
func (PartUpdated) EventType() string     { return "message.part.updated" }
func (PermissionAsked) EventType() string { return "permission.asked" }
func (u Unknown) EventType() string       { return u.Type }

type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Decode turns one SSE data payload into a normalized event.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	switch env.Type {
	case "message.updated":
		var p struct {
			Info Message `json:"info"`
		}
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return MessageUpdated{Info: p.Info}, nil

	case "session.status":
		var p struct {
			SessionID string `json:"sessionID"`
			Status    struct {
				Type    string `json:"type"`
				Attempt int    `json:"attempt"`
				Message string `json:"message"`
			} `json:"status"`
		}
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.Status.Type == "idle" {
			return SessionIdle{SessionID: p.SessionID}, nil
		}
		return SessionStatus{
			SessionID: p.SessionID,
			Status:    p.Status.Type,
			Attempt:   p.Status.Attempt,
			Message:   p.Status.Message,
		}, nil

	case "session.idle":
		var p struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return SessionIdle{SessionID: p.SessionID}, nil

	case "message.part.updated":
		var p struct {
			Part  Part   `json:"part"`
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return PartUpdated{Part: p.Part, Delta: p.Delta}, nil

	case "permission.asked", "permission.updated":
		// permission.updated is the older shape: type instead of
		// permission, and a single pattern that may be a string or a list.
		var p struct {
			ID         string          `json:"id"`
			SessionID  string          `json:"sessionID"`
			Permission string          `json:"permission"`
			Type       string          `json:"type"`
			Title      string          `json:"title"`
			Patterns   []string        `json:"patterns"`
			Pattern    json.RawMessage `json:"pattern"`
		}
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev := PermissionAsked{
			ID:         p.ID,
			SessionID:  p.SessionID,
			Permission: p.Permission,
			Title:      p.Title,
			Patterns:   p.Patterns,
		}
		if ev.Permission == "" {
			ev.Permission = p.Type
		}
		if len(ev.Patterns) == 0 && len(p.Pattern) > 0 {
			var one string
			if json.Unmarshal(p.Pattern, &one) == nil && one != "" {
				ev.Patterns = []string{one}
			} else {
				json.Unmarshal(p.Pattern, &ev.Patterns)
			}
		}
		return ev, nil
	}
	return Unknown{Type: env.Type, Properties: env.Properties}, nil
}
