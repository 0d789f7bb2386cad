package apns

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// Connection defaults applied to zero config values.
const (
	DefaultTransmissionTimeout  = 2000 * time.Millisecond
	DefaultTransmissionSuccess  = 1000 * time.Millisecond
	DefaultConnectionRetryLimit = 4
)

// Driver creates cert channel clients, each holding its own connection.
type Driver struct {
	dial   Dialer
	logger *slog.Logger
}

// DriverOption customises a Driver.
type DriverOption func(*Driver)

// WithDialer replaces the HTTP/2 connection dialer.
func WithDialer(d Dialer) DriverOption {
	return func(drv *Driver) {
		drv.dial = d
	}
}

// NewDriver returns the cert channel driver. Connections are dialled with
// DialHTTP2 unless WithDialer replaces it.
func NewDriver(logger *slog.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		dial:   DialHTTP2,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channel reports dispatch.ChannelCert.
func (d *Driver) Channel() dispatch.ChannelType {
	return dispatch.ChannelCert
}

// Create validates the credentials, dials and returns once the connection is
// confirmed. Failures before that point are returned and the connection is
// shut down.
func (d *Driver) Create(ctx context.Context, cfg dispatch.ChannelConfig) (dispatch.Client, error) {
	if err := validateCredentials(cfg); err != nil {
		return nil, err
	}
	cfg = withDefaults(cfg)

	conn, err := d.dial(cfg, d.logger)
	if err != nil {
		return nil, connectionError(err)
	}

	c := newClient(conn, cfg, d.logger)
	conn.Connect()
	if err := c.awaitConnected(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func validateCredentials(cfg dispatch.ChannelConfig) error {
	if cfg.AuthToken.Key != "" {
		if cfg.AuthToken.KeyID == "" || cfg.AuthToken.TeamID == "" {
			return newError(dispatch.KindInvalidCredentials, "auth token requires key id and team id")
		}
		return nil
	}
	switch {
	case cfg.PrivateKey == "" && cfg.Certificate == "":
		return newError(dispatch.KindInvalidCredentials, "missing private key and certificate")
	case cfg.Certificate == "":
		return newError(dispatch.KindInvalidCredentials, "missing certificate")
	case cfg.PrivateKey == "":
		return newError(dispatch.KindInvalidCredentials, "missing private key")
	}
	return nil
}

func withDefaults(cfg dispatch.ChannelConfig) dispatch.ChannelConfig {
	if cfg.Transmission.Timeout <= 0 {
		cfg.Transmission.Timeout = DefaultTransmissionTimeout
	}
	if cfg.Transmission.Success <= 0 {
		cfg.Transmission.Success = DefaultTransmissionSuccess
	}
	if cfg.ConnectionRetryLimit <= 0 {
		cfg.ConnectionRetryLimit = DefaultConnectionRetryLimit
	}
	return cfg
}
