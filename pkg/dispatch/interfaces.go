// Package dispatch contains the public contracts and domain models shared by
// the push channel drivers, the client pool and the dispatch facade.
package dispatch

import (
	"context"
)

// Client is a single logical connection to one push channel.
//
// Send delivers one notification to one or more devices. For a single device
// it returns a Result carrying the delivery identifier or a *Error. For
// several devices it only fails when the channel itself is unusable; device
// level failures are reported in Result.Outcomes, in input order.
type Client interface {
	Channel() ChannelType
	Send(ctx context.Context, deviceIDs []string, n *Notification, payload Payload, opts *SendOptions) (*Result, error)

	// Close destroys the client. It is idempotent and never fails.
	Close() error

	// Done is closed once the client has been destroyed, either explicitly
	// or because its underlying connection was lost.
	Done() <-chan struct{}
}

// Driver creates clients for one channel type. Create validates the
// credentials in cfg before any connection attempt.
type Driver interface {
	Channel() ChannelType
	Create(ctx context.Context, cfg ChannelConfig) (Client, error)
}
