package bridge

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/ehrlich-b/opencode-router/internal/opencode"
)

// errEmptyReply means the agent answered with neither text nor a tool call.
var errEmptyReply = errors.New("agent returned an empty reply")

// InvalidPeerError is returned when a peer id cannot address the channel,
// such as a non-numeric Telegram chat id.
type InvalidPeerError struct {
	Channel string
	PeerID  string
	Reason  string
}

func (e *InvalidPeerError) Error() string {
	return fmt.Sprintf("invalid %s peer %q: %s", e.Channel, e.PeerID, e.Reason)
}

type errorKind string

const (
	kindAuth       errorKind = "auth"
	kindRateLimit  errorKind = "rate_limit"
	kindNotFound   errorKind = "not_found"
	kindModel      errorKind = "model"
	kindConnection errorKind = "connection"
	kindGeneric    errorKind = "generic"
)

// classifyError maps an agent call failure to a category and a message
// suitable for the chat.
func classifyError(err error) (errorKind, string) {
	var apiErr *opencode.APIError
	var msgErr *opencode.MessageError
	status := 0
	name := ""
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	if errors.As(err, &msgErr) {
		name = strings.ToLower(msgErr.Name)
		if status == 0 {
			status = msgErr.Data.StatusCode
		}
	}
	text := strings.ToLower(err.Error())

	switch {
	case status == 401 || status == 403 || strings.Contains(name, "auth") ||
		containsAny(text, "unauthorized", "invalid api key", "authentication"):
		return kindAuth, "Authentication failed. Check the provider credentials configured in opencode."
	case status == 429 || containsAny(text, "rate limit", "rate_limit", "too many requests", "overloaded"):
		return kindRateLimit, "The model provider is rate limiting requests. Wait a moment and try again."
	case isConnectionError(err) || containsAny(text, "connection refused", "no such host", "connection reset"):
		return kindConnection, "Cannot reach the opencode server. Check that it is running."
	case containsAny(text, "providermodelnotfound", "model not found", "unknown model", "unknown provider", "provider not found") ||
		strings.Contains(name, "model"):
		return kindModel, "The selected model or provider is not available. Use /model provider/model to choose another."
	case status == 404 || containsAny(text, "not found"):
		return kindNotFound, "The agent session was not found. Send /reset and try again."
	}
	return kindGeneric, "The agent failed: " + truncate(err.Error(), 300)
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
