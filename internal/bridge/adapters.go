package bridge

import (
	"context"
	"errors"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/config"
)

// StartAdapters registers an adapter for every enabled identity. Each start
// is bounded by the configured timeout, so one slow channel does not hold
// up the others.
func (b *Bridge) StartAdapters(ctx context.Context) {
	cfg := b.config()
	done := make(chan struct{}, len(cfg.Identities))
	for _, id := range cfg.Identities {
		go func() {
			defer func() { done <- struct{}{} }()
			if err := b.syncIdentity(ctx, id); err != nil {
				b.log.Warn("adapter not started", "identity", id.Key(), "err", err)
			}
		}()
	}
	for range cfg.Identities {
		<-done
	}
}

// ApplyConfig swaps in a reloaded config and restarts adapters whose
// identity changed. Identities that disappeared are stopped.
func (b *Bridge) ApplyConfig(ctx context.Context, next *config.Config) {
	b.cfgMu.Lock()
	prev := b.cfg
	b.cfg = next
	b.cfgMu.Unlock()

	for _, old := range prev.Identities {
		if next.FindIdentity(old.Channel, old.ID) == nil {
			if err := b.registry.Stop(ctx, old.Channel, old.ID); err != nil {
				b.log.Warn("stop removed identity", "identity", old.Key(), "err", err)
			}
		}
	}
	for _, id := range next.Identities {
		old := prev.FindIdentity(id.Channel, id.ID)
		running := b.registry.Get(id.Channel, id.ID) != nil
		if old != nil && sameIdentity(*old, id) && running == id.IsEnabled() {
			continue
		}
		if err := b.syncIdentity(ctx, id); err != nil {
			b.log.Warn("adapter not restarted", "identity", id.Key(), "err", err)
		}
	}
}

func sameIdentity(a, b config.Identity) bool {
	return a.Token == b.Token && a.AppToken == b.AppToken && a.IsEnabled() == b.IsEnabled()
}

// syncIdentity starts, restarts or stops the adapter for id so it matches
// the identity's enabled flag.
func (b *Bridge) syncIdentity(ctx context.Context, id config.Identity) error {
	if !id.IsEnabled() || id.Token == "" {
		return b.registry.Stop(ctx, id.Channel, id.ID)
	}
	if b.factory == nil {
		return errors.New("no adapter factory configured")
	}
	a, err := b.factory(id, b.Handler())
	if err != nil {
		return err
	}
	out, err := b.registry.Replace(b.ctx, a, b.config().AdapterStartTimeout)
	if err != nil {
		return err
	}
	if out == adapter.TimedOut {
		b.log.Warn("adapter start timed out, still connecting", "identity", id.Key())
	}
	return nil
}
