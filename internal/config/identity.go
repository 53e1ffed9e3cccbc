package config

import (
	"fmt"
	"strings"
)

const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
	ChannelDiscord  = "discord"

	AccessPublic  = "public"
	AccessPrivate = "private"

	// EnvIdentityID marks an identity built from environment variables.
	EnvIdentityID = "env"
	// DefaultIdentityID is used for empty ids and the legacy single-token upsert.
	DefaultIdentityID = "default"

	maxIDLen = 48
)

// Channels lists the supported chat channels.
var Channels = []string{ChannelTelegram, ChannelSlack, ChannelDiscord}

// Identity is one bot or app credential on one channel.
type Identity struct {
	Channel         string `yaml:"channel"`
	ID              string `yaml:"id"`
	Token           string `yaml:"token,omitempty"`     // bot token
	AppToken        string `yaml:"app_token,omitempty"` // slack socket mode
	Directory       string `yaml:"directory,omitempty"`
	Access          string `yaml:"access,omitempty"`
	PairingCodeHash string `yaml:"pairing_code_hash,omitempty"`
	Enabled         *bool  `yaml:"enabled,omitempty"`
}

func (i Identity) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

func (i Identity) IsPrivate() bool {
	return strings.EqualFold(i.Access, AccessPrivate)
}

// Key is the registry key for the identity's adapter.
func (i Identity) Key() string {
	return i.Channel + "/" + i.ID
}

func (i Identity) Validate() error {
	if !ValidChannel(i.Channel) {
		return fmt.Errorf("identity %q: unknown channel %q", i.ID, i.Channel)
	}
	switch strings.ToLower(i.Access) {
	case "", AccessPublic, AccessPrivate:
	default:
		return fmt.Errorf("identity %s: access must be public or private", i.Key())
	}
	if i.Channel == ChannelSlack && i.Token != "" && i.AppToken == "" {
		return fmt.Errorf("identity %s: slack needs app_token for socket mode", i.Key())
	}
	return nil
}

func ValidChannel(ch string) bool {
	for _, c := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// NormalizeID lower-cases id, maps anything outside [a-z0-9-] to '-',
// collapses runs of '-', trims, and caps the length. Empty becomes "default".
func NormalizeID(id string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxIDLen {
		out = strings.TrimRight(out[:maxIDLen], "-")
	}
	if out == "" {
		return DefaultIdentityID
	}
	return out
}

// FindIdentity returns the identity for channel/id, or nil.
func (c *Config) FindIdentity(channel, id string) *Identity {
	id = NormalizeID(id)
	for i := range c.Identities {
		if c.Identities[i].Channel == channel && c.Identities[i].ID == id {
			return &c.Identities[i]
		}
	}
	return nil
}

// IdentitiesFor lists the identities on one channel, or all when channel is empty.
func (c *Config) IdentitiesFor(channel string) []Identity {
	var out []Identity
	for _, id := range c.Identities {
		if channel == "" || id.Channel == channel {
			out = append(out, id)
		}
	}
	return out
}

// UpsertIdentity adds or replaces an identity and returns the stored copy.
// Empty token fields and a nil Enabled keep their previous values.
func (c *Config) UpsertIdentity(in Identity) (Identity, error) {
	in.ID = NormalizeID(in.ID)
	if in.ID == EnvIdentityID {
		return Identity{}, fmt.Errorf("identity id %q is reserved for environment credentials", EnvIdentityID)
	}
	if in.Access != "" {
		in.Access = strings.ToLower(in.Access)
	}
	if existing := c.FindIdentity(in.Channel, in.ID); existing != nil {
		if in.Token == "" {
			in.Token = existing.Token
		}
		if in.AppToken == "" {
			in.AppToken = existing.AppToken
		}
		if in.PairingCodeHash == "" {
			in.PairingCodeHash = existing.PairingCodeHash
		}
		if in.Enabled == nil && existing.Enabled != nil {
			enabled := *existing.Enabled
			in.Enabled = &enabled
		}
		if err := in.Validate(); err != nil {
			return Identity{}, err
		}
		*existing = in
		return in, nil
	}
	if err := in.Validate(); err != nil {
		return Identity{}, err
	}
	c.Identities = append(c.Identities, in)
	return in, nil
}

// DeleteIdentity removes channel/id. The env identity cannot be deleted.
func (c *Config) DeleteIdentity(channel, id string) error {
	id = NormalizeID(id)
	if id == EnvIdentityID {
		return fmt.Errorf("identity %q comes from the environment and cannot be deleted", EnvIdentityID)
	}
	for i := range c.Identities {
		if c.Identities[i].Channel == channel && c.Identities[i].ID == id {
			c.Identities = append(c.Identities[:i], c.Identities[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("identity %s/%s not found", channel, id)
}
