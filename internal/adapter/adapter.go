// Package adapter defines the capability set a chat channel connection
// offers the bridge, and the registry that owns live connections.
package adapter

import (
	"context"
	"fmt"
)

// InboundMessage is what an adapter hands the bridge for every message it receives.
type InboundMessage struct {
	Channel    string
	IdentityID string
	PeerID     string
	Text       string
	Raw        any
	FromMe     bool
	IsGroup    bool
}

// Handler receives inbound messages. Adapters call it from their own
// goroutines and must not assume it returns quickly.
type Handler func(ctx context.Context, msg InboundMessage)

// Adapter is one live connection for one identity on one channel.
type Adapter interface {
	Channel() string
	IdentityID() string
	// Start connects and returns once the adapter can send and receive.
	// Receive loops keep running on ctx until Stop.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, peerID, text string) error
}

// FileSender is implemented by adapters that can upload files.
type FileSender interface {
	SendFile(ctx context.Context, peerID, path, caption string) error
}

// Typer is implemented by adapters that can show a typing indicator.
type Typer interface {
	SendTyping(ctx context.Context, peerID string) error
}

// Key identifies an adapter in the registry.
func Key(channel, identityID string) string {
	return channel + "/" + identityID
}

// StartError reports an adapter whose Start returned an error.
type StartError struct {
	Key string
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start adapter %s: %v", e.Key, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
