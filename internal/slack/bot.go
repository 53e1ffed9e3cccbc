// Package slack is the Slack adapter. It receives events over socket mode
// and replies with the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/logger"
)

type Options struct {
	// APIURL overrides the Web API endpoint, for tests.
	APIURL string
}

// Bot is one Slack app. Peers are channel ids, with ":<thread_ts>"
// appended when the conversation lives in a thread.
type Bot struct {
	identityID string
	api        *goslack.Client
	handler    adapter.Handler
	log        *slog.Logger

	mu        sync.Mutex
	botUserID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(id config.Identity, h adapter.Handler, opts Options) *Bot {
	options := []goslack.Option{goslack.OptionAppLevelToken(id.AppToken)}
	if opts.APIURL != "" {
		options = append(options, goslack.OptionAPIURL(opts.APIURL))
	}
	return &Bot{
		identityID: id.ID,
		api:        goslack.New(id.Token, options...),
		handler:    h,
		log:        logger.With("slack").With("identity", id.ID),
	}
}

func (b *Bot) Channel() string    { return config.ChannelSlack }
func (b *Bot) IdentityID() string { return b.identityID }

// Start verifies the bot token and runs the socket mode loop on ctx.
func (b *Bot) Start(ctx context.Context) error {
	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	client := socketmode.New(b.api)
	h := socketmode.NewSocketmodeHandler(client)
	h.Handle(socketmode.EventTypeConnected, func(*socketmode.Event, *socketmode.Client) {
		b.log.Info("socket mode connected")
	})
	h.Handle(socketmode.EventTypeConnectionError, func(evt *socketmode.Event, _ *socketmode.Client) {
		b.log.Warn("socket mode connection error", "data", evt.Data)
	})
	h.HandleEvents(slackevents.Message, b.onEvent)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		cancel()
		return errors.New("slack: already started")
	}
	b.botUserID, b.cancel, b.done = auth.UserID, cancel, done
	b.mu.Unlock()

	b.log.Info("connected", "team", auth.Team, "bot_user", auth.UserID)
	go func() {
		defer close(done)
		if err := h.RunEventLoopContext(loopCtx); err != nil && loopCtx.Err() == nil {
			b.log.Error("event loop stopped", "err", err)
		}
	}()
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) onEvent(evt *socketmode.Event, client *socketmode.Client) {
	if evt.Request != nil && client != nil {
		client.Ack(*evt.Request)
	}
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if in, ok := b.inbound(apiEvent.InnerEvent.Data); ok {
		b.handler(context.Background(), in)
	}
}

// inbound converts a message event. Mentions arrive here too, so
// app_mention is not subscribed. Edits, joins and other subtyped messages
// are skipped.
func (b *Bot) inbound(data any) (adapter.InboundMessage, bool) {
	b.mu.Lock()
	self := b.botUserID
	b.mu.Unlock()

	in := adapter.InboundMessage{Channel: config.ChannelSlack, IdentityID: b.identityID, Raw: data}
	var user, thread string
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType != "" {
			return in, false
		}
		in.FromMe = ev.BotID != ""
		user, thread = ev.User, ev.ThreadTimeStamp
		in.PeerID, in.Text = ev.Channel, ev.Text
		in.IsGroup = ev.ChannelType != "" && ev.ChannelType != "im"
	default:
		return in, false
	}
	if self != "" && user == self {
		in.FromMe = true
	}
	if self != "" {
		in.Text = strings.TrimSpace(strings.ReplaceAll(in.Text, "<@"+self+">", ""))
	}
	if thread != "" {
		in.PeerID += ":" + thread
	}
	return in, in.PeerID != ""
}

// splitPeer returns the channel and optional thread timestamp.
func splitPeer(peerID string) (channel, thread string) {
	channel, thread, _ = strings.Cut(peerID, ":")
	return channel, thread
}

func (b *Bot) SendText(ctx context.Context, peerID, text string) error {
	channel, thread := splitPeer(peerID)
	opts := []goslack.MsgOption{goslack.MsgOptionText(text, false)}
	if thread != "" {
		opts = append(opts, goslack.MsgOptionTS(thread))
	}
	if _, _, err := b.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("slack post message: %w", err)
	}
	return nil
}

func (b *Bot) SendFile(ctx context.Context, peerID, path, caption string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	channel, thread := splitPeer(peerID)
	_, err = b.api.UploadFileContext(ctx, goslack.UploadFileParameters{
		Channel:         channel,
		ThreadTimestamp: thread,
		File:            path,
		Filename:        filepath.Base(path),
		FileSize:        int(info.Size()),
		InitialComment:  caption,
	})
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	return nil
}

var (
	_ adapter.Adapter    = (*Bot)(nil)
	_ adapter.FileSender = (*Bot)(nil)
)
