package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/store"
)

var telegramPeer = regexp.MustCompile(`^-?\d+$`)

// validatePeer rejects peer ids the channel cannot address.
func validatePeer(channel, peerID string) error {
	if strings.TrimSpace(peerID) == "" {
		return &InvalidPeerError{Channel: channel, PeerID: peerID, Reason: "peer id is empty"}
	}
	if channel == config.ChannelTelegram && !telegramPeer.MatchString(peerID) {
		return &InvalidPeerError{Channel: channel, PeerID: peerID,
			Reason: "Telegram chat ids are numeric. Usernames cannot be messaged directly; ask the user to message the bot first"}
	}
	return nil
}

// IdentityView is an identity with secrets redacted and its adapter state.
type IdentityView struct {
	Channel    string        `json:"channel"`
	ID         string        `json:"id"`
	Access     string        `json:"access"`
	Directory  string        `json:"directory,omitempty"`
	Enabled    bool          `json:"enabled"`
	HasToken   bool          `json:"hasToken"`
	HasPairing bool          `json:"hasPairingCode"`
	State      adapter.State `json:"state,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Control exposes administrative operations for the health server.
type Control struct {
	b *Bridge
}

func (b *Bridge) Control() *Control {
	return &Control{b: b}
}

// updateConfig applies fn to a copy of the config, validates and saves it,
// then swaps it in.
func (b *Bridge) updateConfig(fn func(c *config.Config) error) (*config.Config, error) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	next := b.cfg.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if b.configPath != "" {
		if err := config.Save(b.configPath, next); err != nil {
			return nil, err
		}
	}
	b.cfg = next
	return next, nil
}

func (c *Control) GroupsEnabled() bool {
	return c.b.config().GroupsEnabled
}

func (c *Control) SetGroupsEnabled(enabled bool) error {
	_, err := c.b.updateConfig(func(cfg *config.Config) error {
		cfg.GroupsEnabled = enabled
		return nil
	})
	return err
}

// ListIdentities lists identities on channel, or all when channel is empty.
func (c *Control) ListIdentities(channel string) []IdentityView {
	states := make(map[string]adapter.Status)
	for _, st := range c.b.registry.Status(channel) {
		states[adapter.Key(st.Channel, st.IdentityID)] = st
	}
	var out []IdentityView
	for _, id := range c.b.config().IdentitiesFor(channel) {
		access := id.Access
		if access == "" {
			access = config.AccessPublic
		}
		v := IdentityView{
			Channel:    id.Channel,
			ID:         id.ID,
			Access:     access,
			Directory:  id.Directory,
			Enabled:    id.IsEnabled(),
			HasToken:   id.Token != "",
			HasPairing: id.PairingCodeHash != "",
		}
		if st, ok := states[id.Key()]; ok {
			v.State = st.State
			v.Error = st.Error
		}
		out = append(out, v)
	}
	return out
}

// UpsertIdentity saves the identity and restarts its adapter.
func (c *Control) UpsertIdentity(ctx context.Context, in config.Identity) (IdentityView, error) {
	if in.Directory != "" {
		dir, err := c.b.scopeDirectory(in.Directory)
		if err != nil {
			return IdentityView{}, err
		}
		in.Directory = dir
	}
	var stored config.Identity
	_, err := c.b.updateConfig(func(cfg *config.Config) error {
		var err error
		stored, err = cfg.UpsertIdentity(in)
		return err
	})
	if err != nil {
		return IdentityView{}, err
	}
	if err := c.b.syncIdentity(ctx, stored); err != nil {
		c.b.log.Warn("adapter restart after upsert", "identity", stored.Key(), "err", err)
	}
	for _, v := range c.ListIdentities(stored.Channel) {
		if v.ID == stored.ID {
			return v, nil
		}
	}
	return IdentityView{Channel: stored.Channel, ID: stored.ID}, nil
}

// UpsertLegacyToken is the single-token form of UpsertIdentity. It always
// writes the "default" identity and leaves its other settings alone.
func (c *Control) UpsertLegacyToken(ctx context.Context, channel, token, appToken string) (IdentityView, error) {
	in := config.Identity{Channel: channel, ID: config.DefaultIdentityID}
	if existing := c.b.config().FindIdentity(channel, config.DefaultIdentityID); existing != nil {
		in = *existing
	}
	in.Token, in.AppToken = token, appToken
	return c.UpsertIdentity(ctx, in)
}

// DeleteIdentity removes the identity and stops its adapter.
func (c *Control) DeleteIdentity(ctx context.Context, channel, id string) error {
	id = config.NormalizeID(id)
	if _, err := c.b.updateConfig(func(cfg *config.Config) error {
		return cfg.DeleteIdentity(channel, id)
	}); err != nil {
		return err
	}
	return c.b.registry.Stop(ctx, channel, id)
}

func (c *Control) ListBindings(channel, identityID string) ([]*store.Binding, error) {
	if identityID != "" {
		identityID = config.NormalizeID(identityID)
	}
	return c.b.store.ListBindings(channel, identityID)
}

// SetBinding binds a peer to a directory inside the workspace root.
func (c *Control) SetBinding(channel, identityID, peerID, directory string) (string, error) {
	p := peer{channel: channel, identityID: config.NormalizeID(identityID), peerID: peerID}
	if err := validatePeer(channel, peerID); err != nil {
		c.purge(p, err)
		return "", err
	}
	dir, _, err := c.b.bind(p, directory)
	return dir, err
}

// ClearBinding removes the peer's binding and session.
func (c *Control) ClearBinding(channel, identityID, peerID string) error {
	identityID = config.NormalizeID(identityID)
	if err := c.b.store.DeleteBinding(channel, identityID, peerID); err != nil {
		return err
	}
	return c.b.store.DeleteSession(channel, identityID, peerID)
}

// SendRequest targets either one peer or every peer bound to Directory.
type SendRequest struct {
	Channel    string `json:"channel,omitempty"`
	IdentityID string `json:"identityId,omitempty"`
	PeerID     string `json:"peerId,omitempty"`
	Directory  string `json:"directory,omitempty"`
	Text       string `json:"text"`
}

type SendResult struct {
	Sent   int      `json:"sent"`
	Failed []string `json:"failed,omitempty"`
}

// Send delivers text to an explicit peer or to the peers bound to a directory.
func (c *Control) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var res SendResult
	if strings.TrimSpace(req.Text) == "" {
		return res, errors.New("text is required")
	}
	if req.PeerID != "" {
		if !config.ValidChannel(req.Channel) {
			return res, fmt.Errorf("unknown channel %q", req.Channel)
		}
		p, err := c.resolvePeer(req.Channel, req.IdentityID, req.PeerID)
		if err != nil {
			return res, err
		}
		if err := c.sendTo(ctx, p, req.Text); err != nil {
			return res, err
		}
		res.Sent = 1
		return res, nil
	}

	if req.Directory == "" {
		return res, errors.New("peerId or directory is required")
	}
	dir, err := c.b.scopeDirectory(req.Directory)
	if err != nil {
		return res, err
	}
	bindings, err := c.b.store.ListBindingsByDirectory(dir)
	if err != nil {
		return res, err
	}
	for _, bnd := range bindings {
		if req.Channel != "" && bnd.Channel != req.Channel {
			continue
		}
		p := peer{channel: bnd.Channel, identityID: bnd.IdentityID, peerID: bnd.PeerID}
		if err := validatePeer(p.channel, p.peerID); err != nil {
			c.purge(p, err)
			res.Failed = append(res.Failed, p.String())
			continue
		}
		if err := c.sendTo(ctx, p, req.Text); err != nil {
			res.Failed = append(res.Failed, p.String())
			continue
		}
		res.Sent++
	}
	return res, nil
}

// resolvePeer validates the peer and fills in the identity when omitted.
func (c *Control) resolvePeer(channel, identityID, peerID string) (peer, error) {
	if identityID == "" {
		for _, st := range c.b.registry.Status(channel) {
			if st.State == adapter.StateRunning {
				identityID = st.IdentityID
				break
			}
		}
		if identityID == "" {
			return peer{}, fmt.Errorf("no running %s adapter", channel)
		}
	}
	p := peer{channel: channel, identityID: config.NormalizeID(identityID), peerID: peerID}
	if err := validatePeer(channel, peerID); err != nil {
		c.purge(p, err)
		return peer{}, err
	}
	return p, nil
}

// purge drops a binding whose peer id can never be addressed.
func (c *Control) purge(p peer, cause error) {
	if err := c.b.store.DeleteBinding(p.channel, p.identityID, p.peerID); err != nil {
		c.b.log.Warn("purge invalid peer", "peer", p, "err", err)
		return
	}
	if err := c.b.store.DeleteSession(p.channel, p.identityID, p.peerID); err != nil {
		c.b.log.Warn("purge session for invalid peer", "peer", p, "err", err)
	}
	c.b.log.Info("purged binding for invalid peer", "peer", p, "reason", cause)
}

func (c *Control) sendTo(ctx context.Context, p peer, text string) error {
	a := c.b.registry.Get(p.channel, p.identityID)
	if a == nil {
		return fmt.Errorf("no adapter for %s/%s", p.channel, p.identityID)
	}
	for _, chunk := range chunkText(text, c.b.config().ChunkSize) {
		if err := a.SendText(ctx, p.peerID, chunk); err != nil {
			return fmt.Errorf("send to %s: %w", p, err)
		}
	}
	return nil
}

func (b *Bridge) scopeDirectory(input string) (string, error) {
	return resolveDir(b.root, input)
}

type OpenCodeStatus struct {
	URL       string `json:"url"`
	Directory string `json:"directory"`
	Healthy   bool   `json:"healthy"`
	Version   string `json:"version,omitempty"`
}

type ChannelStatus struct {
	Items []IdentityView `json:"items"`
}

// Status is the document served at /health.
type Status struct {
	OK            bool           `json:"ok"`
	Version       string         `json:"version"`
	OpenCode      OpenCodeStatus `json:"opencode"`
	Telegram      ChannelStatus  `json:"telegram"`
	Slack         ChannelStatus  `json:"slack"`
	Discord       ChannelStatus  `json:"discord"`
	GroupsEnabled bool           `json:"groupsEnabled"`
	Subscriptions []string       `json:"subscriptions"`
	Adapters      int            `json:"adapters"`
	Sessions      int            `json:"sessions"`
	BusySessions  int            `json:"busySessions"`
	ActiveRuns    int            `json:"activeRuns"`
}

// Status checks the backend and snapshots every identity.
func (c *Control) Status(ctx context.Context) Status {
	cfg := c.b.config()
	st := Status{
		Version:       c.b.version,
		OpenCode:      OpenCodeStatus{URL: cfg.OpenCode.URL, Directory: c.b.root},
		Telegram:      ChannelStatus{Items: nonNil(c.ListIdentities(config.ChannelTelegram))},
		Slack:         ChannelStatus{Items: nonNil(c.ListIdentities(config.ChannelSlack))},
		Discord:       ChannelStatus{Items: nonNil(c.ListIdentities(config.ChannelDiscord))},
		GroupsEnabled: cfg.GroupsEnabled,
		Subscriptions: c.b.Subscriptions(),
	}
	if h, err := c.b.backend.Health(ctx); err == nil {
		st.OpenCode.Healthy = h.Healthy
		st.OpenCode.Version = h.Version
	}
	if n, err := c.b.store.CountSessions(); err == nil {
		st.Sessions = n
	} else {
		c.b.log.Warn("count sessions", "err", err)
	}
	st.Adapters = c.b.registry.Len()
	st.BusySessions = c.b.queue.Active()
	c.b.runsMu.Lock()
	st.ActiveRuns = len(c.b.runs)
	c.b.runsMu.Unlock()
	st.OK = st.OpenCode.Healthy
	return st
}

func nonNil(v []IdentityView) []IdentityView {
	if v == nil {
		return []IdentityView{}
	}
	return v
}
