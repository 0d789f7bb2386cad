// Package apns implements the cert channel: one persistent connection to the
// Apple Push Notification service per client, with every in-flight
// notification tracked until it resolves.
package apns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// EventType enumerates what a Connection reports back to its client.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventSocketError
	EventError
	EventTimeout
	EventTransmitted
	EventTransmissionError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSocketError:
		return "socket_error"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	case EventTransmitted:
		return "transmitted"
	case EventTransmissionError:
		return "transmission_error"
	}
	return "unknown"
}

// Event is one connection report. ID and Device identify the notification
// for the transmission events.
type Event struct {
	Type   EventType
	ID     string
	Device string
	// Reason is the APNs rejection reason, empty for network failures.
	Reason string
	Err    error
}

// Connection is a persistent link to the push gateway. Push is asynchronous:
// the outcome of every notification arrives later on Events.
type Connection interface {
	Connect()
	Push(n *apns2.Notification)
	Events() <-chan Event
	Shutdown()
}

// Dialer builds a Connection from channel credentials. It must fail fast on
// credentials that cannot be parsed.
type Dialer func(cfg dispatch.ChannelConfig, logger *slog.Logger) (Connection, error)

// DefaultConnectTimeout bounds the TLS handshake that confirms a connection.
const DefaultConnectTimeout = 10 * time.Second

// pusher is the subset of *apns2.Client we use.
type pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// http2Connection adapts the request/response apns2 client to the event
// driven Connection contract.
type http2Connection struct {
	client     pusher
	closeIdle  func()
	handshake  func(ctx context.Context) error
	retryLimit int32
	logger     *slog.Logger

	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	failures atomic.Int32
	shutdown sync.Once
}

// DialHTTP2 is the default Dialer. Provider-token credentials take precedence
// over a certificate.
func DialHTTP2(cfg dispatch.ChannelConfig, logger *slog.Logger) (Connection, error) {
	var client *apns2.Client
	if cfg.AuthToken.Key != "" {
		authKey, err := token.AuthKeyFromBytes([]byte(cfg.AuthToken.Key))
		if err != nil {
			return nil, newError(dispatch.KindInvalidCredentials, "failed to parse APNs auth key").WithCause(err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.AuthToken.KeyID,
			TeamID:  cfg.AuthToken.TeamID,
		})
	} else {
		cert, err := certificate.FromPemBytes([]byte(cfg.PrivateKey+"\n"+cfg.Certificate), cfg.Passphrase)
		if err != nil {
			return nil, newError(dispatch.KindInvalidCredentials, "failed to load APNs certificate").WithCause(err)
		}
		if len(cert.Certificate) == 0 {
			return nil, newError(dispatch.KindInvalidCredentials, "no certificate in PEM data")
		}
		if err := checkValidity(cert.Certificate[0], time.Now()); err != nil {
			return nil, err
		}
		client = apns2.NewClient(cert)
	}

	if cfg.IsProduction() {
		client = client.Production()
	} else {
		client = client.Development()
	}

	addr, serverName, err := gatewayAddr(client.Host)
	if err != nil {
		return nil, newError(dispatch.KindConnectionError, "invalid APNs gateway address").WithCause(err)
	}
	tlsCfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if len(client.Certificate.Certificate) > 0 {
		tlsCfg.Certificates = []tls.Certificate{client.Certificate}
	}
	handshake := tlsHandshake(addr, tlsCfg)
	return newHTTP2Connection(client, client.HTTPClient.CloseIdleConnections, handshake, cfg.ConnectionRetryLimit, logger), nil
}

// gatewayAddr turns an apns2 host URL into a dialable host:port.
func gatewayAddr(host string) (addr, serverName string, err error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", "", err
	}
	if u.Hostname() == "" {
		return "", "", errors.New("no host in " + host)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), u.Hostname(), nil
}

// tlsHandshake returns a check that completes a TLS handshake with the
// gateway, presenting the client certificate if cfg carries one.
func tlsHandshake(addr string, cfg *tls.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		d := tls.Dialer{Config: cfg}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			var verr *tls.CertificateVerificationError
			if errors.As(err, &verr) {
				// The gateway's certificate failed verification, ours is not at fault.
				return newError(dispatch.KindConnectionError, "APNs gateway certificate rejected").WithCause(err)
			}
			return err
		}
		return conn.Close()
	}
}

func newHTTP2Connection(client pusher, closeIdle func(), handshake func(ctx context.Context) error, retryLimit int, logger *slog.Logger) *http2Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &http2Connection{
		client:     client,
		closeIdle:  closeIdle,
		handshake:  handshake,
		retryLimit: int32(retryLimit),
		logger:     logger.With("component", "APNSConnection"),
		events:     make(chan Event, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// checkValidity rejects a leaf certificate outside its validity window.
func checkValidity(der []byte, now time.Time) error {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return newError(dispatch.KindInvalidCredentials, "failed to parse APNs certificate").WithCause(err)
	}
	if now.After(leaf.NotAfter) {
		return newError(dispatch.KindCertificateExpired, "APNs certificate has expired").
			WithReason("expired " + leaf.NotAfter.Format(time.RFC3339))
	}
	if now.Before(leaf.NotBefore) {
		return newError(dispatch.KindInvalidCredentials, "APNs certificate is not yet valid")
	}
	return nil
}

// Connect completes a TLS handshake with the gateway in the background and
// reports EventConnected on success or EventSocketError on failure. Without a
// handshake the connection is reported ready at once.
func (c *http2Connection) Connect() {
	go func() {
		if c.handshake != nil {
			ctx, cancel := context.WithTimeout(c.ctx, DefaultConnectTimeout)
			err := c.handshake(ctx)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Warn("APNs handshake failed", "err", err)
				c.emit(Event{Type: EventSocketError, Err: err})
				return
			}
		}
		c.emit(Event{Type: EventConnected})
	}()
}

func (c *http2Connection) Events() <-chan Event {
	return c.events
}

func (c *http2Connection) Push(n *apns2.Notification) {
	if c.ctx.Err() != nil {
		c.emit(Event{Type: EventTransmissionError, ID: n.ApnsID, Device: n.DeviceToken, Reason: apns2.ReasonShutdown})
		return
	}
	go c.push(n)
}

func (c *http2Connection) push(n *apns2.Notification) {
	res, err := c.client.PushWithContext(c.ctx, n)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		failures := c.failures.Add(1)
		c.logger.Warn("APNs transport failed", "apns_id", n.ApnsID, "failures", failures, "err", err)
		c.emit(Event{Type: EventTransmissionError, ID: n.ApnsID, Device: n.DeviceToken, Err: err})
		if failures > c.retryLimit {
			c.emit(Event{Type: EventDisconnected, Err: err})
		}
		return
	}
	c.failures.Store(0)

	if res.Sent() {
		c.emit(Event{Type: EventTransmitted, ID: n.ApnsID, Device: n.DeviceToken})
		return
	}
	c.emit(Event{Type: EventTransmissionError, ID: n.ApnsID, Device: n.DeviceToken, Reason: res.Reason})
}

func (c *http2Connection) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *http2Connection) Shutdown() {
	c.shutdown.Do(func() {
		c.cancel()
		if c.closeIdle != nil {
			c.closeIdle()
		}
	})
}
