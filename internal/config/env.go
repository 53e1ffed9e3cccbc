package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Env holds the environment variables the router understands.
type Env struct {
	OpenCodeURL      string `envconfig:"OPENCODE_URL"`
	OpenCodeUsername string `envconfig:"OPENCODE_SERVER_USERNAME"`
	OpenCodePassword string `envconfig:"OPENCODE_SERVER_PASSWORD"`
	OpenCodeDir      string `envconfig:"OPENCODE_DIRECTORY"`
	HealthPort       int    `envconfig:"OPENCODE_ROUTER_HEALTH_PORT"`
	TelegramToken    string `envconfig:"TELEGRAM_BOT_TOKEN"`
	SlackBotToken    string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken    string `envconfig:"SLACK_APP_TOKEN"`
	DiscordToken     string `envconfig:"DISCORD_BOT_TOKEN"`
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func ReadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("read environment: %w", err)
	}
	return e, nil
}

// ApplyEnv overlays environment values on cfg and adds an "env" identity for
// each channel whose token variable is set.
func ApplyEnv(cfg *Config) error {
	e, err := ReadEnv()
	if err != nil {
		return err
	}
	if e.OpenCodeURL != "" {
		cfg.OpenCode.URL = e.OpenCodeURL
	}
	if e.OpenCodeUsername != "" {
		cfg.OpenCode.Username = e.OpenCodeUsername
	}
	if e.OpenCodePassword != "" {
		cfg.OpenCode.Password = e.OpenCodePassword
	}
	if e.OpenCodeDir != "" {
		cfg.OpenCode.Directory = e.OpenCodeDir
	}
	if e.HealthPort != 0 {
		cfg.HealthPort = e.HealthPort
	}

	cfg.Identities = withoutEnv(cfg.Identities)
	if e.TelegramToken != "" {
		cfg.Identities = append(cfg.Identities, Identity{
			Channel: ChannelTelegram, ID: EnvIdentityID, Token: e.TelegramToken, Access: AccessPublic,
		})
	}
	if e.SlackBotToken != "" && e.SlackAppToken != "" {
		cfg.Identities = append(cfg.Identities, Identity{
			Channel: ChannelSlack, ID: EnvIdentityID, Token: e.SlackBotToken, AppToken: e.SlackAppToken, Access: AccessPublic,
		})
	}
	if e.DiscordToken != "" {
		cfg.Identities = append(cfg.Identities, Identity{
			Channel: ChannelDiscord, ID: EnvIdentityID, Token: e.DiscordToken, Access: AccessPublic,
		})
	}
	return nil
}

// Dir returns ~/.opencode-router.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".opencode-router"), nil
}

// DefaultPath returns $OPENCODE_ROUTER_CONFIG or ~/.opencode-router/config.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv("OPENCODE_ROUTER_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ResolveDBPath returns cfg.DBPath or a router.db next to the config file.
func ResolveDBPath(cfg *Config, configPath string) string {
	if cfg.DBPath != "" {
		return cfg.DBPath
	}
	return filepath.Join(filepath.Dir(configPath), "router.db")
}
