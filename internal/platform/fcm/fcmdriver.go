package fcm

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// MessagingFactory builds the messaging API client from channel credentials.
type MessagingFactory func(ctx context.Context, cfg dispatch.ChannelConfig) (MessagingClient, error)

// Driver creates token channel clients.
type Driver struct {
	factory MessagingFactory
	logger  *slog.Logger
}

// DriverOption customises a Driver.
type DriverOption func(*Driver)

// WithMessagingFactory replaces the Firebase backed client factory.
func WithMessagingFactory(f MessagingFactory) DriverOption {
	return func(d *Driver) {
		d.factory = f
	}
}

// NewDriver returns a driver that dials Firebase with the service-account
// JSON carried in ChannelConfig.Key.
func NewDriver(logger *slog.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		factory: firebaseMessaging,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Channel() dispatch.ChannelType {
	return dispatch.ChannelToken
}

// Create validates the credentials and builds a client. Firebase does not
// dial until the first send, so a bad key may only surface then.
func (d *Driver) Create(ctx context.Context, cfg dispatch.ChannelConfig) (dispatch.Client, error) {
	if cfg.Key == "" {
		return nil, newError(dispatch.KindInvalidCredentials).WithReason("missing API key")
	}
	mc, err := d.factory(ctx, cfg)
	if err != nil {
		return nil, newError(dispatch.KindInvalidCredentials).WithCause(err)
	}
	return NewClient(mc, cfg, d.logger), nil
}

func firebaseMessaging(ctx context.Context, cfg dispatch.ChannelConfig) (MessagingClient, error) {
	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbCfg, option.WithCredentialsJSON([]byte(cfg.Key)))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize messaging client: %w", err)
	}
	return client, nil
}
