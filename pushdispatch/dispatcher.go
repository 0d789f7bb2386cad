// Package pushdispatch is the entry point of the push dispatch layer: a
// facade over the pooled channel clients, and the service that exposes it.
package pushdispatch

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-push-dispatch/internal/platform/apns"
	"github.com/tinywideclouds/go-push-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-dispatch/internal/pool"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// ChannelDefaults is the base configuration of one channel.
type ChannelDefaults struct {
	Config dispatch.ChannelConfig
	// RateLimit caps facade sends per second on the channel. Zero disables
	// the budget.
	RateLimit float64
	RateBurst int
}

// Defaults configures both channels.
type Defaults struct {
	Token ChannelDefaults
	Cert  ChannelDefaults
}

// Dispatcher routes sends to pooled channel clients.
type Dispatcher struct {
	configs  map[dispatch.ChannelType]dispatch.ChannelConfig
	limiters map[dispatch.ChannelType]*rate.Limiter
	pool     *pool.Pool
	logger   *slog.Logger
}

type options struct {
	drivers map[dispatch.ChannelType]dispatch.Driver
}

// Option customises a Dispatcher.
type Option func(*options)

// WithDriver replaces the driver of d's channel.
func WithDriver(d dispatch.Driver) Option {
	return func(o *options) {
		o.drivers[d.Channel()] = d
	}
}

// NewDispatcher builds a facade with the FCM and APNs drivers. Each channel's
// configuration is layered over the built-in channel defaults.
func NewDispatcher(cfg Defaults, logger *slog.Logger, opts ...Option) *Dispatcher {
	o := options{drivers: map[dispatch.ChannelType]dispatch.Driver{
		dispatch.ChannelToken: fcm.NewDriver(logger),
		dispatch.ChannelCert:  apns.NewDriver(logger),
	}}
	for _, opt := range opts {
		opt(&o)
	}
	drivers := make([]dispatch.Driver, 0, len(o.drivers))
	for _, d := range o.drivers {
		drivers = append(drivers, d)
	}

	d := &Dispatcher{
		configs:  make(map[dispatch.ChannelType]dispatch.ChannelConfig),
		limiters: make(map[dispatch.ChannelType]*rate.Limiter),
		pool:     pool.New(logger, drivers...),
		logger:   logger.With("component", "Dispatcher"),
	}
	for channel, cd := range map[dispatch.ChannelType]ChannelDefaults{
		dispatch.ChannelToken: cfg.Token,
		dispatch.ChannelCert:  cfg.Cert,
	} {
		d.configs[channel] = dispatch.DefaultConfig(channel).Merge(cd.Config)
		if cd.RateLimit > 0 {
			burst := cd.RateBurst
			if burst < 1 {
				burst = 1
			}
			d.limiters[channel] = rate.NewLimiter(rate.Limit(cd.RateLimit), burst)
		}
	}
	return d
}

// Send delivers through the channel's default pooled client.
func (d *Dispatcher) Send(
	ctx context.Context,
	channel dispatch.ChannelType,
	deviceIDs []string,
	n *dispatch.Notification,
	payload dispatch.Payload,
	opts *dispatch.SendOptions,
) (*dispatch.Result, error) {
	if l, ok := d.limiters[channel]; ok && !l.Allow() {
		d.logger.Warn("Send budget exhausted", "channel", channel)
		return nil, dispatch.NewError(dispatch.KindThrottled, channel, "send budget exhausted")
	}

	client, err := d.pool.Resolve(ctx, channel, d.configs[channel], dispatch.CacheOptions{})
	if err != nil {
		d.logger.Error("Failed to resolve client", "channel", channel, "err", err)
		return nil, err
	}

	res, err := client.Send(ctx, deviceIDs, n, payload, opts)
	if err != nil {
		d.logger.Debug("Send failed", "channel", channel, "devices", len(deviceIDs), "kind", dispatch.KindOf(err))
		return nil, err
	}
	if failed := res.Failed(); failed > 0 {
		d.logger.Info("Send completed with device failures", "channel", channel, "devices", len(res.Outcomes), "failed", failed)
	}
	return res, nil
}

// GetClient returns a client built from the channel defaults overridden by
// override. The client is pooled unless cache disables it.
func (d *Dispatcher) GetClient(
	ctx context.Context,
	channel dispatch.ChannelType,
	override dispatch.ChannelConfig,
	cache dispatch.CacheOptions,
) (dispatch.Client, error) {
	base, ok := d.configs[channel]
	if !ok {
		return nil, dispatch.NewError(dispatch.KindUnsupportedChannel, channel, "client type not supported")
	}
	return d.pool.Resolve(ctx, channel, base.Merge(override), cache)
}

// Close destroys every pooled client.
func (d *Dispatcher) Close() {
	d.pool.Close()
	d.logger.Info("Dispatcher closed")
}
