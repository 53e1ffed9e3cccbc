// Package discord is the Discord adapter, built on a discordgo gateway
// session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/logger"
)

// Bot represents one Discord bot identity. Peers are channel ids; DMs and
// guild channels are both addressed that way.
type Bot struct {
	identityID string
	session    *discordgo.Session
	handler    adapter.Handler
	log        *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewBot creates the gateway session and registers the message handler.
func NewBot(id config.Identity, h adapter.Handler) (*Bot, error) {
	session, err := discordgo.New("Bot " + id.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	bot := &Bot{
		identityID: id.ID,
		session:    session,
		handler:    h,
		log:        logger.With("discord").With("identity", id.ID),
	}
	session.AddHandler(bot.messageHandler)
	return bot, nil
}

func (b *Bot) Channel() string    { return config.ChannelDiscord }
func (b *Bot) IdentityID() string { return b.identityID }

// Start opens the gateway. The session closes when ctx ends or Stop is
// called.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("discord: already started")
	}
	b.mu.Unlock()

	opened := make(chan error, 1)
	go func() { opened <- b.session.Open() }()
	select {
	case err := <-opened:
		if err != nil {
			return fmt.Errorf("failed to open Discord session: %w", err)
		}
	case <-ctx.Done():
		go func() {
			if <-opened == nil {
				b.session.Close()
			}
		}()
		return ctx.Err()
	}

	stop := make(chan struct{})
	b.mu.Lock()
	b.running, b.stop = true, stop
	b.mu.Unlock()

	user := ""
	if b.session.State != nil && b.session.State.User != nil {
		user = b.session.State.User.Username
	}
	b.log.Info("connected", "bot", user)

	go func() {
		select {
		case <-ctx.Done():
			b.Stop(context.Background())
		case <-stop:
		}
	}()
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	b.mu.Unlock()
	return b.session.Close()
}

func (b *Bot) selfID() string {
	if b.session.State != nil && b.session.State.User != nil {
		return b.session.State.User.ID
	}
	return ""
}

// messageHandler handles incoming Discord messages.
func (b *Bot) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	if in, ok := b.inbound(b.selfID(), m); ok {
		b.handler(context.Background(), in)
	}
}

func (b *Bot) inbound(self string, m *discordgo.MessageCreate) (adapter.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return adapter.InboundMessage{}, false
	}
	text := m.Content
	if self != "" {
		text = strings.ReplaceAll(text, "<@"+self+">", "")
		text = strings.ReplaceAll(text, "<@!"+self+">", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return adapter.InboundMessage{}, false
	}
	return adapter.InboundMessage{
		Channel:    config.ChannelDiscord,
		IdentityID: b.identityID,
		PeerID:     m.ChannelID,
		Text:       text,
		Raw:        m.Message,
		FromMe:     m.Author.Bot || (self != "" && m.Author.ID == self),
		IsGroup:    m.GuildID != "",
	}, true
}

func (b *Bot) SendText(ctx context.Context, peerID, text string) error {
	if _, err := b.session.ChannelMessageSend(peerID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (b *Bot) SendTyping(ctx context.Context, peerID string) error {
	return b.session.ChannelTyping(peerID, discordgo.WithContext(ctx))
}

func (b *Bot) SendFile(ctx context.Context, peerID, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = b.session.ChannelMessageSendComplex(peerID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: filepath.Base(path), Reader: f}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to send file: %w", err)
	}
	return nil
}

var (
	_ adapter.Adapter    = (*Bot)(nil)
	_ adapter.Typer      = (*Bot)(nil)
	_ adapter.FileSender = (*Bot)(nil)
)
