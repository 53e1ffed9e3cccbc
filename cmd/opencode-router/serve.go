package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/bridge"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/discord"
	"github.com/ehrlich-b/opencode-router/internal/health"
	"github.com/ehrlich-b/opencode-router/internal/logger"
	"github.com/ehrlich-b/opencode-router/internal/opencode"
	"github.com/ehrlich-b/opencode-router/internal/slack"
	"github.com/ehrlich-b/opencode-router/internal/store"
	"github.com/ehrlich-b/opencode-router/internal/telegram"
)

// overrides are command-line values that win over the config file on every
// load, including hot reloads.
type overrides struct {
	workspace   string
	opencodeURL string
	healthPort  int
}

func (o overrides) apply(cfg *config.Config) {
	if o.workspace != "" {
		cfg.OpenCode.Directory = o.workspace
	}
	if o.opencodeURL != "" {
		cfg.OpenCode.URL = o.opencodeURL
	}
	if o.healthPort != 0 {
		cfg.HealthPort = o.healthPort
	}
}

func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// adapterFactory builds the chat adapter for an identity's channel.
func adapterFactory(id config.Identity, h adapter.Handler) (adapter.Adapter, error) {
	switch id.Channel {
	case config.ChannelTelegram:
		return telegram.New(id, h, telegram.Options{}), nil
	case config.ChannelSlack:
		return slack.New(id, h, slack.Options{}), nil
	case config.ChannelDiscord:
		return discord.NewBot(id, h)
	default:
		return nil, fmt.Errorf("unknown channel %q", id.Channel)
	}
}

func serveCmd(configFlag *string) *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "serve [workspace]",
		Short: "Run the router in the foreground",
		Long:  "Starts every enabled chat identity, the health server and the config watcher. The workspace argument overrides opencode.directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				o.workspace = args[0]
			}
			path, err := resolveConfigPath(*configFlag)
			if err != nil {
				return err
			}
			config.LoadDotEnv(".env")
			cfg, err := loadConfig(path, o)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, path, cfg, o)
		},
	}
	cmd.Flags().StringVar(&o.opencodeURL, "opencode-url", "", "opencode server URL (overrides config)")
	cmd.Flags().IntVar(&o.healthPort, "port", 0, "health server port (overrides config)")
	return cmd
}

func serve(ctx context.Context, path string, cfg *config.Config, o overrides) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	dbPath := config.ResolveDBPath(cfg, path)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	oc := opencode.New(cfg.OpenCode.URL, cfg.OpenCode.Username, cfg.OpenCode.Password)
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if h, err := oc.Health(hctx); err != nil {
		logger.Warn("opencode not reachable yet", "url", cfg.OpenCode.URL, "err", err)
	} else {
		logger.Info("opencode reachable", "url", cfg.OpenCode.URL, "version", h.Version)
	}
	cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b, err := bridge.New(bridge.Options{
		Config:     cfg,
		ConfigPath: path,
		Store:      st,
		Backend:    oc,
		Factory:    adapterFactory,
		Metrics:    bridge.NewMetrics(reg),
		Version:    version,
	})
	if err != nil {
		return err
	}
	logger.Info("starting", "version", version, "workspace", b.Root(), "identities", len(cfg.Identities))
	b.StartAdapters(ctx)

	go func() {
		err := config.Watch(ctx, path, func(next *config.Config) {
			o.apply(next)
			if err := next.Validate(); err != nil {
				logger.Warn("ignoring reloaded config", "err", err)
				return
			}
			b.ApplyConfig(ctx, next)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- health.NewServer(b.Control(), reg).ListenAndServe(ctx, cfg.HealthPort)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("health server: %w", serveErr)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := b.Stop(shutCtx); err != nil {
		logger.Warn("stop", "err", err)
	}
	return serveErr
}
