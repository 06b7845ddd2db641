// Package brokerd is the regional tunnel broker: it provisions on-demand
// WireGuard tunnels between a client and this region's egress host, meters
// active tunnel time, and reports usage to the keeper.
package brokerd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"cdr.dev/slog"
)

// shutdownDrainTimeout bounds the final usage drain so a terminate signal
// cannot hang the process. Records that cannot be delivered in time are lost,
// which is at most one report interval of billing.
const shutdownDrainTimeout = 5 * time.Second

type API struct {
	*Options

	registry *registry
	meter    *meter
	metrics  *metrics

	serverPublicKey wgtypes.Key

	// draining blocks new creates once shutdown has begun.
	draining atomic.Bool

	loopCancel context.CancelFunc
	loopGroup  *errgroup.Group
	closeOnce  sync.Once
}

// New validates the options, optionally clears orphaned kernel peers from a
// previous process, and starts the accrual, delivery, and lifecycle loops.
func New(options *Options) (*API, error) {
	if options == nil {
		options = &Options{}
	}
	err := options.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid options: %w", err)
	}

	serverPublicKey, err := options.Peers.ServerPublicKey()
	if err != nil {
		return nil, xerrors.Errorf("read server public key: %w", err)
	}

	api := &API{
		Options:         options,
		registry:        newRegistry(options.WireguardSubnet),
		serverPublicKey: serverPublicKey,
	}
	api.metrics = newMetrics(func() float64 {
		return float64(api.registry.activeCount())
	})
	api.meter = newMeter(options.Log.Named("meter"), options.Keeper, options.Region, api.metrics)

	if options.CleanupOrphanPeers {
		err = api.cleanupOrphanPeers()
		if err != nil {
			return nil, xerrors.Errorf("cleanup orphan peers: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	api.loopCancel = cancel
	api.loopGroup = eg

	eg.Go(func() error {
		api.tickLoop(ctx, api.LifecycleInterval, api.expireDue)
		return nil
	})
	eg.Go(func() error {
		api.tickLoop(ctx, api.AccrualInterval, api.accrueDue)
		return nil
	})
	eg.Go(func() error {
		api.tickLoop(ctx, api.ReportInterval, func(time.Time) {
			api.meter.deliver(ctx)
		})
		return nil
	})

	return api, nil
}

// cleanupOrphanPeers removes every peer on the interface. Tunnel records do
// not survive restarts, so at startup any installed peer belongs to a dead
// tunnel.
func (api *API) cleanupOrphanPeers() error {
	ctx := context.Background()

	peers, err := api.Peers.Peers()
	if err != nil {
		return xerrors.Errorf("list peers: %w", err)
	}
	for _, pub := range peers {
		err = api.Peers.RemovePeer(pub)
		if err != nil {
			return xerrors.Errorf("remove peer %s: %w", pub, err)
		}
		api.Log.Info(ctx, "removed orphaned peer", slog.F("public_key", pub.String()))
	}
	return nil
}

// tickLoop runs fn on every tick until the context is canceled. time.Ticker
// is monotonic and coalesces missed ticks.
func (api *API) tickLoop(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(api.Clock())
		}
	}
}

// expireDue is the lifecycle supervisor step: transition every overdue active
// tunnel to expired, enqueue its final accrual, and release its kernel peer.
func (api *API) expireDue(now time.Time) {
	ctx := context.Background()

	for _, a := range api.registry.expireDue(now) {
		api.meter.enqueue(a)
		api.metrics.tunnelsExpired.Inc()
		err := api.Peers.RemovePeer(a.tunnel.ClientPublicKey)
		if err != nil {
			api.Log.Error(ctx, "remove peer for expired tunnel",
				slog.F("tunnel_id", a.tunnel.ID),
				slog.Error(err),
			)
		}
		api.Log.Info(ctx, "tunnel expired",
			slog.F("tunnel_id", a.tunnel.ID),
			slog.F("agent_id", a.tunnel.AgentID),
		)
	}
}

// accrueDue is the periodic accrual step: bill whole elapsed minutes for
// every active tunnel.
func (api *API) accrueDue(now time.Time) {
	for _, a := range api.registry.accrueDue(now) {
		api.meter.enqueue(a)
	}
}

// Close shuts the broker down: new creates are rejected, unbilled time on
// active tunnels is accrued (including partial minutes), and the pending
// queue is drained once with a bounded timeout. Safe to call more than once.
func (api *API) Close() error {
	api.closeOnce.Do(func() {
		api.draining.Store(true)

		now := api.Clock()
		for _, a := range api.registry.accrueAll(now) {
			api.meter.enqueue(a)
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		api.meter.deliver(ctx)
		cancel()
		if n := api.meter.pendingLen(); n > 0 {
			api.Log.Warn(context.Background(), "dropping undeliverable usage records at shutdown", slog.F("records", n))
		}

		api.loopCancel()
		_ = api.loopGroup.Wait()
	})
	return nil
}
