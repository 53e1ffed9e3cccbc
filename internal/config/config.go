package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHealthPort     = 3005
	DefaultChunkSize      = 3500
	DefaultTypingInterval = 4 * time.Second
	DefaultStartTimeout   = 10 * time.Second

	PolicyAllow = "allow"
	PolicyDeny  = "deny"
)

// DefaultModelPresets maps preset commands like /opus to provider/model refs.
var DefaultModelPresets = map[string]string{
	"opus":   "anthropic/claude-opus-4-1",
	"sonnet": "anthropic/claude-sonnet-4-5",
	"haiku":  "anthropic/claude-haiku-4-5",
	"gpt":    "openai/gpt-5",
}

// Config is the router configuration persisted in ~/.opencode-router/config.yaml.
type Config struct {
	OpenCode            OpenCodeConfig    `yaml:"opencode"`
	DefaultDirectory    string            `yaml:"default_directory,omitempty"`
	Agent               string            `yaml:"agent,omitempty"`
	Model               string            `yaml:"model,omitempty"`
	ModelPresets        map[string]string `yaml:"model_presets,omitempty"`
	PermissionPolicy    string            `yaml:"permission_policy,omitempty"` // allow | deny
	ToolUpdates         bool              `yaml:"tool_updates"`
	GroupsEnabled       bool              `yaml:"groups_enabled"`
	HealthPort          int               `yaml:"health_port,omitempty"`
	DBPath              string            `yaml:"db_path,omitempty"`
	Log                 LogConfig         `yaml:"log"`
	AdapterStartTimeout time.Duration     `yaml:"adapter_start_timeout,omitempty"`
	TypingInterval      time.Duration     `yaml:"typing_interval,omitempty"`
	ChunkSize           int               `yaml:"chunk_size,omitempty"`
	Identities          []Identity        `yaml:"identities,omitempty"`
}

type OpenCodeConfig struct {
	URL       string `yaml:"url,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	Directory string `yaml:"directory,omitempty"` // workspace root
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.OpenCode.URL == "" {
		c.OpenCode.URL = "http://127.0.0.1:4096"
	}
	if c.PermissionPolicy == "" {
		c.PermissionPolicy = PolicyAllow
	}
	if c.HealthPort == 0 {
		c.HealthPort = DefaultHealthPort
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = DefaultTypingInterval
	}
	if c.AdapterStartTimeout <= 0 {
		c.AdapterStartTimeout = DefaultStartTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.ModelPresets) == 0 {
		c.ModelPresets = make(map[string]string, len(DefaultModelPresets))
		for k, v := range DefaultModelPresets {
			c.ModelPresets[k] = v
		}
	}
	for i := range c.Identities {
		c.Identities[i].ID = NormalizeID(c.Identities[i].ID)
	}
}

// Validate rejects values the router cannot run with.
func (c *Config) Validate() error {
	if c.PermissionPolicy != PolicyAllow && c.PermissionPolicy != PolicyDeny {
		return fmt.Errorf("permission_policy must be %q or %q", PolicyAllow, PolicyDeny)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port out of range: %d", c.HealthPort)
	}
	seen := make(map[string]bool)
	for _, id := range c.Identities {
		if err := id.Validate(); err != nil {
			return err
		}
		key := id.Channel + "/" + id.ID
		if seen[key] {
			return fmt.Errorf("duplicate identity %s", key)
		}
		seen[key] = true
	}
	return nil
}

// Clone returns a deep copy so callers can edit without racing readers.
func (c *Config) Clone() *Config {
	out := *c
	out.ModelPresets = make(map[string]string, len(c.ModelPresets))
	for k, v := range c.ModelPresets {
		out.ModelPresets[k] = v
	}
	out.Identities = append([]Identity(nil), c.Identities...)
	for i := range out.Identities {
		if c.Identities[i].Enabled != nil {
			v := *c.Identities[i].Enabled
			out.Identities[i].Enabled = &v
		}
	}
	return &out
}

// Load reads the config file at path and applies the environment overlay.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	// Identities named env only ever come from the process environment.
	cfg.Identities = withoutEnv(cfg.Identities)
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, leaving out identities sourced from the environment.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	out := cfg.Clone()
	out.Identities = withoutEnv(out.Identities)
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

func withoutEnv(ids []Identity) []Identity {
	out := ids[:0:0]
	for _, id := range ids {
		if NormalizeID(id.ID) != EnvIdentityID {
			out = append(out, id)
		}
	}
	return out
}

// Keys lists the scalar keys understood by Get and Set.
func Keys() []string {
	keys := make([]string, 0, len(accessors))
	for k := range accessors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type accessor struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

var accessors = map[string]accessor{
	"opencode.url":       strField(func(c *Config) *string { return &c.OpenCode.URL }),
	"opencode.username":  strField(func(c *Config) *string { return &c.OpenCode.Username }),
	"opencode.password":  strField(func(c *Config) *string { return &c.OpenCode.Password }),
	"opencode.directory": strField(func(c *Config) *string { return &c.OpenCode.Directory }),
	"default_directory":  strField(func(c *Config) *string { return &c.DefaultDirectory }),
	"agent":              strField(func(c *Config) *string { return &c.Agent }),
	"model":              strField(func(c *Config) *string { return &c.Model }),
	"db_path":            strField(func(c *Config) *string { return &c.DBPath }),
	"log.level":          strField(func(c *Config) *string { return &c.Log.Level }),
	"log.file":           strField(func(c *Config) *string { return &c.Log.File }),
	"permission_policy": {
		get: func(c *Config) string { return c.PermissionPolicy },
		set: func(c *Config, v string) error {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != PolicyAllow && v != PolicyDeny {
				return fmt.Errorf("permission_policy must be %q or %q", PolicyAllow, PolicyDeny)
			}
			c.PermissionPolicy = v
			return nil
		},
	},
	"tool_updates":          boolField(func(c *Config) *bool { return &c.ToolUpdates }),
	"groups_enabled":        boolField(func(c *Config) *bool { return &c.GroupsEnabled }),
	"health_port":           intField(func(c *Config) *int { return &c.HealthPort }),
	"chunk_size":            intField(func(c *Config) *int { return &c.ChunkSize }),
	"adapter_start_timeout": durField(func(c *Config) *time.Duration { return &c.AdapterStartTimeout }),
	"typing_interval":       durField(func(c *Config) *time.Duration { return &c.TypingInterval }),
}

func strField(f func(*Config) *string) accessor {
	return accessor{
		get: func(c *Config) string { return *f(c) },
		set: func(c *Config, v string) error { *f(c) = strings.TrimSpace(v); return nil },
	}
}

func boolField(f func(*Config) *bool) accessor {
	return accessor{
		get: func(c *Config) string { return strconv.FormatBool(*f(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", v)
			}
			*f(c) = b
			return nil
		},
	}
}

func intField(f func(*Config) *int) accessor {
	return accessor{
		get: func(c *Config) string { return strconv.Itoa(*f(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("expected a number, got %q", v)
			}
			*f(c) = n
			return nil
		},
	}
}

func durField(f func(*Config) *time.Duration) accessor {
	return accessor{
		get: func(c *Config) string { return f(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("expected a duration like 4s, got %q", v)
			}
			*f(c) = d
			return nil
		},
	}
}

// Get returns the value of a dotted key. model_presets.<name> reads a preset.
func (c *Config) Get(key string) (string, error) {
	if name, ok := strings.CutPrefix(key, "model_presets."); ok {
		v, found := c.ModelPresets[name]
		if !found {
			return "", fmt.Errorf("no model preset %q", name)
		}
		return v, nil
	}
	a, ok := accessors[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return a.get(c), nil
}

// Set assigns a dotted key. An empty value for model_presets.<name> removes the preset.
func (c *Config) Set(key, value string) error {
	if name, ok := strings.CutPrefix(key, "model_presets."); ok {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return fmt.Errorf("model preset name required")
		}
		if c.ModelPresets == nil {
			c.ModelPresets = make(map[string]string)
		}
		if strings.TrimSpace(value) == "" {
			delete(c.ModelPresets, name)
			return nil
		}
		c.ModelPresets[name] = strings.TrimSpace(value)
		return nil
	}
	a, ok := accessors[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := a.set(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
