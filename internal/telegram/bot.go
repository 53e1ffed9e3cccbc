// Package telegram is the Telegram Bot API adapter, built on
// telegram-bot-api. It long-polls getUpdates on its own loop so the poll
// can be cancelled and paced.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/backoff"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/logger"
)

type Options struct {
	// Endpoint is a tgbotapi endpoint format; defaults to tgbotapi.APIEndpoint.
	Endpoint    string
	HTTPClient  *http.Client
	PollTimeout time.Duration
	// SendRate caps outgoing Bot API calls per second for this bot.
	SendRate rate.Limit
}

type Bot struct {
	identityID  string
	api         *tgbotapi.BotAPI
	handler     adapter.Handler
	limiter     *rate.Limiter
	pollTimeout time.Duration
	log         *slog.Logger

	// life bounds every API request; Stop cancels it.
	life context.Context
	kill context.CancelFunc

	mu      sync.Mutex
	me      tgbotapi.User
	started bool
	done    chan struct{}
}

// New builds the adapter without touching the network.
func New(id config.Identity, h adapter.Handler, opts Options) *Bot {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 25 * time.Second
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 25
	}
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.PollTimeout + 30*time.Second}
	}
	life, kill := context.WithCancel(context.Background())
	api := &tgbotapi.BotAPI{
		Token:  id.Token,
		Buffer: 100,
		Client: &lifeClient{http: opts.HTTPClient, life: life, token: id.Token},
	}
	api.SetAPIEndpoint(opts.Endpoint)
	return &Bot{
		identityID:  id.ID,
		api:         api,
		handler:     h,
		limiter:     rate.NewLimiter(opts.SendRate, 5),
		pollTimeout: opts.PollTimeout,
		log:         logger.With("telegram").With("identity", id.ID),
		life:        life,
		kill:        kill,
	}
}

func (b *Bot) Channel() string    { return config.ChannelTelegram }
func (b *Bot) IdentityID() string { return b.identityID }

// Start checks the token with getMe and starts long polling. Polling ends
// when ctx ends or Stop is called.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("telegram: already started")
	}
	b.started = true
	b.mu.Unlock()

	unbind := context.AfterFunc(ctx, b.kill)
	me, err := b.api.GetMe()
	if err != nil {
		unbind()
		return fmt.Errorf("telegram getMe: %w", err)
	}
	done := make(chan struct{})
	b.mu.Lock()
	b.me = me
	b.api.Self = me
	b.done = done
	b.mu.Unlock()

	b.log.Info("connected", "bot", me.UserName)
	go b.poll(done)
	return nil
}

// Stop ends the poll loop and waits for it, bounded by ctx.
func (b *Bot) Stop(ctx context.Context) error {
	b.kill()
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poll dispatches updates in order, so one chat's messages reach the
// handler in the order Telegram delivered them.
func (b *Bot) poll(done chan struct{}) {
	defer close(done)
	bo := backoff.New(time.Second, time.Minute)
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.pollTimeout.Seconds())
	u.AllowedUpdates = []string{"message"}
	for b.life.Err() == nil {
		updates, err := b.api.GetUpdates(u)
		if err != nil {
			if b.life.Err() != nil {
				return
			}
			wait := bo.Next()
			if d := retryAfter(err); d > 0 {
				wait = d
			}
			b.log.Warn("poll failed", "err", err, "retry_in", wait)
			if backoff.Wait(b.life, wait) != nil {
				return
			}
			continue
		}
		bo.Reset()
		for _, up := range updates {
			if up.UpdateID >= u.Offset {
				u.Offset = up.UpdateID + 1
			}
			b.dispatch(up)
		}
	}
}

func (b *Bot) dispatch(up tgbotapi.Update) {
	msg := up.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	b.mu.Lock()
	me := b.me
	b.mu.Unlock()
	in := adapter.InboundMessage{
		Channel:    config.ChannelTelegram,
		IdentityID: b.identityID,
		PeerID:     strconv.FormatInt(msg.Chat.ID, 10),
		Text:       text,
		Raw:        msg,
		IsGroup:    msg.Chat.Type != "" && msg.Chat.Type != "private",
	}
	if msg.From != nil && me.ID != 0 && msg.From.ID == me.ID {
		in.FromMe = true
	}
	b.handler(b.life, in)
}

func retryAfter(err error) time.Duration {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return time.Duration(tgErr.RetryAfter) * time.Second
	}
	return 0
}

func chatID(peerID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(peerID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: chat id must be numeric, got %q", peerID)
	}
	return id, nil
}

// request sends c once the limiter allows it, retrying once after a 429.
func (b *Bot) request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(c)
	if d := retryAfter(err); d > 0 {
		if backoff.Wait(ctx, d) != nil {
			return err
		}
		_, err = b.api.Request(c)
	}
	return err
}

func (b *Bot) SendText(ctx context.Context, peerID, text string) error {
	id, err := chatID(peerID)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(id, text)
	msg.DisableWebPagePreview = true
	if err := b.request(ctx, msg); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

func (b *Bot) SendTyping(ctx context.Context, peerID string) error {
	id, err := chatID(peerID)
	if err != nil {
		return err
	}
	return b.request(ctx, tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
}

func (b *Bot) SendFile(ctx context.Context, peerID, path, caption string) error {
	id, err := chatID(peerID)
	if err != nil {
		return err
	}
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("telegram: %s is not a readable file", path)
	}
	doc := tgbotapi.NewDocument(id, tgbotapi.FilePath(path))
	doc.Caption = strings.TrimSpace(caption)
	if err := b.request(ctx, doc); err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	return nil
}

// lifeClient ties every Bot API request to the bot's lifetime and keeps the
// token out of transport errors, which embed the request URL.
type lifeClient struct {
	http  *http.Client
	life  context.Context
	token string
}

func (c *lifeClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req.WithContext(c.life))
	if err != nil {
		return nil, redact(err, c.token)
	}
	return resp, nil
}

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}

var (
	_ adapter.Adapter    = (*Bot)(nil)
	_ adapter.Typer      = (*Bot)(nil)
	_ adapter.FileSender = (*Bot)(nil)
)
