package discord

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
)

func newTestBot(t *testing.T) *Bot {
	t.Helper()
	b, err := NewBot(config.Identity{Channel: config.ChannelDiscord, ID: "main", Token: "tok"},
		func(context.Context, adapter.InboundMessage) {})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	return b
}

func create(channel, guild, author string, bot bool, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: channel,
		GuildID:   guild,
		Content:   content,
		Author:    &discordgo.User{ID: author, Bot: bot},
	}}
}

func TestNewBotIntents(t *testing.T) {
	b := newTestBot(t)
	want := discordgo.IntentsDirectMessages | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	if b.session.Identify.Intents != want {
		t.Errorf("intents = %v, want %v", b.session.Identify.Intents, want)
	}
	if b.Channel() != "discord" || b.IdentityID() != "main" {
		t.Errorf("identity = %s/%s", b.Channel(), b.IdentityID())
	}
}

func TestInbound(t *testing.T) {
	b := newTestBot(t)

	in, ok := b.inbound("SELF", create("D1", "", "U1", false, "hello"))
	if !ok || in.PeerID != "D1" || in.IsGroup || in.FromMe || in.Text != "hello" {
		t.Errorf("dm = %+v, %v", in, ok)
	}

	in, ok = b.inbound("SELF", create("C1", "G1", "U1", false, "<@SELF> /status"))
	if !ok || !in.IsGroup || in.Text != "/status" {
		t.Errorf("guild = %+v, %v", in, ok)
	}

	in, _ = b.inbound("SELF", create("D1", "", "SELF", false, "my reply"))
	if !in.FromMe {
		t.Error("own message not flagged")
	}
	in, _ = b.inbound("SELF", create("D1", "", "B2", true, "other bot"))
	if !in.FromMe {
		t.Error("bot message not flagged")
	}

	if _, ok := b.inbound("SELF", create("D1", "", "U1", false, "<@!SELF>")); ok {
		t.Error("mention-only message accepted")
	}
	if _, ok := b.inbound("SELF", &discordgo.MessageCreate{Message: &discordgo.Message{Content: "x"}}); ok {
		t.Error("message without author accepted")
	}
}

func TestStopBeforeStart(t *testing.T) {
	b := newTestBot(t)
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
