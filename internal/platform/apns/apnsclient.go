package apns

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

type state int32

const (
	stateConnecting state = iota
	stateConnected
	stateDestroyed
)

// Client is a cert channel transport client bound to one Connection.
type Client struct {
	conn   Connection
	cfg    dispatch.ChannelConfig
	logger *slog.Logger

	state       atomic.Int32
	connected   chan error
	connectOnce sync.Once

	mu      sync.Mutex
	pending map[string]*pendingNotification
	seq     uint64

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn Connection, cfg dispatch.ChannelConfig, logger *slog.Logger) *Client {
	c := &Client{
		conn:      conn,
		cfg:       cfg,
		logger:    logger.With("component", "APNSClient", "topic", cfg.Topic),
		connected: make(chan error, 1),
		pending:   make(map[string]*pendingNotification),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Client) Channel() dispatch.ChannelType {
	return dispatch.ChannelCert
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// awaitConnected blocks until the connection confirms or fails.
func (c *Client) awaitConnected(ctx context.Context) error {
	select {
	case err := <-c.connected:
		return err
	case <-ctx.Done():
		return newError(dispatch.KindConnectionError, "gave up waiting for connection").WithCause(ctx.Err())
	}
}

func (c *Client) connectResult(err error) {
	c.connectOnce.Do(func() {
		c.connected <- err
	})
}

// run is the single consumer of connection events.
func (c *Client) run() {
	events := c.conn.Events()
	for {
		select {
		case <-c.done:
			return
		case ev := <-events:
			c.handle(ev)
		}
	}
}

func (c *Client) handle(ev Event) {
	switch ev.Type {
	case EventConnected:
		if c.state.CompareAndSwap(int32(stateConnecting), int32(stateConnected)) {
			c.logger.Debug("APNs connection established")
			c.connectResult(nil)
		}

	case EventTransmitted:
		if p := c.lookup(ev.ID); p != nil {
			p.transmitted(c.cfg.Transmission.Success)
		}

	case EventTransmissionError:
		err := transmissionError(ev.Reason, ev.Err)
		c.logger.Warn("APNs rejected notification", "apns_id", ev.ID, "kind", err.Kind, "reason", ev.Reason)
		if p := c.lookup(ev.ID); p != nil {
			p.resolve(err)
		}

	case EventDisconnected, EventSocketError, EventError, EventTimeout:
		err := connectionError(ev.Err)
		if state(c.state.Load()) == stateConnecting {
			c.connectResult(err)
		} else {
			c.logger.Error("APNs connection lost", "event", ev.Type.String(), "err", err)
		}
		_ = c.Close()
	}
}

func (c *Client) lookup(id string) *pendingNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolved drops the bookkeeping of a settled notification.
func (c *Client) resolved(p *pendingNotification, err error) {
	c.forget(p.id)
	if err != nil {
		c.logger.Debug("Notification failed", "seq", p.seq, "apns_id", p.id, "device", p.device, "kind", dispatch.KindOf(err))
	}
}

func (c *Client) enqueue(device string) (*pendingNotification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil, newError(dispatch.KindConnectionError, "client is closed")
	}
	c.seq++
	id := uuid.NewString()
	p := newPending(c.seq, id, device, c.cfg.Transmission.Timeout, c.resolved)
	c.pending[id] = p
	return p, nil
}

// Send pushes the notification to every device. Devices are sent one after
// another unless SendOptions.Parallel asks for more. A failed device never
// fails the call; only an unusable client does.
func (c *Client) Send(
	ctx context.Context,
	deviceIDs []string,
	n *dispatch.Notification,
	data dispatch.Payload,
	opts *dispatch.SendOptions,
) (*dispatch.Result, error) {
	ids, err := dispatch.NormalizeDevices(dispatch.ChannelCert, deviceIDs)
	if err != nil {
		return nil, err
	}
	if c.cfg.Topic == "" {
		return nil, newError(dispatch.KindInvalidRequest, "topic is required")
	}
	if state(c.state.Load()) == stateDestroyed {
		return nil, newError(dispatch.KindConnectionError, "client is closed")
	}

	sendOpts := c.cfg.Options.Merge(opts)
	body, alert := c.buildPayload(n, data)

	if len(ids) == 1 {
		id, err := c.sendOne(ctx, ids[0], body, alert, sendOpts)
		if err != nil {
			return nil, err
		}
		return &dispatch.Result{MessageID: id}, nil
	}

	outcomes := make([]dispatch.Outcome, len(ids))
	send := func(i int) {
		id, err := c.sendOne(ctx, ids[i], body, alert, sendOpts)
		outcomes[i] = dispatch.Outcome{DeviceID: ids[i], Err: err}
		if err == nil {
			outcomes[i].MessageID = id
		}
	}

	if sendOpts.Parallel > 1 {
		var g errgroup.Group
		g.SetLimit(sendOpts.Parallel)
		for i := range ids {
			g.Go(func() error {
				send(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range ids {
			send(i)
		}
	}
	return &dispatch.Result{Outcomes: outcomes}, nil
}

func (c *Client) sendOne(ctx context.Context, device string, body *payload.Payload, alert bool, opts dispatch.SendOptions) (string, error) {
	p, err := c.enqueue(device)
	if err != nil {
		return "", err
	}

	note := &apns2.Notification{
		ApnsID:      p.id,
		DeviceToken: device,
		Topic:       c.cfg.Topic,
		CollapseID:  opts.CollapseKey,
		Priority:    priority(opts.Priority),
		Payload:     body,
		PushType:    apns2.PushTypeAlert,
	}
	if !alert {
		note.PushType = apns2.PushTypeBackground
		note.Priority = apns2.PriorityLow
	}
	if opts.TTL > 0 {
		note.Expiration = time.Now().Add(time.Duration(opts.TTL) * time.Second)
	}
	c.conn.Push(note)

	select {
	case err := <-p.result:
		return p.id, err
	case <-ctx.Done():
		p.resolve(newError(dispatch.KindDeliveryUnavailable, "send cancelled").WithCause(ctx.Err()))
		return p.id, <-p.result
	}
}

// buildPayload returns the aps payload and whether it carries a visible alert.
func (c *Client) buildPayload(n *dispatch.Notification, data dispatch.Payload) (*payload.Payload, bool) {
	body := payload.NewPayload()
	alert := false
	if n != nil {
		if n.Badge != nil {
			body.Badge(*n.Badge)
		}
		if n.Title != "" {
			body.AlertTitle(n.Title)
			alert = true
		}
		if n.Message != "" {
			body.AlertBody(n.Message)
			alert = true
		}
		sound := n.Sound
		if sound == "" {
			sound = c.cfg.Notification.Sound
		}
		if alert && sound != "" {
			body.Sound(sound)
		}
	}
	if !alert {
		body.ContentAvailable()
	}
	for k, v := range data {
		body.Custom(k, v)
	}
	return body, alert
}

func priority(p string) int {
	switch strings.ToLower(p) {
	case "high":
		return apns2.PriorityHigh
	case "normal", "low":
		return apns2.PriorityLow
	}
	return 0
}

// Close destroys the client: every pending notification resolves as
// undeliverable and the connection is shut down. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateDestroyed))
		close(c.done)

		c.mu.Lock()
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, p := range pending {
			p.resolve(newError(dispatch.KindDeliveryUnavailable, "client destroyed before delivery was confirmed"))
		}
		c.conn.Shutdown()
		c.connectResult(newError(dispatch.KindConnectionError, "client destroyed before connecting"))
		c.logger.Debug("APNs client closed", "abandoned", len(pending))
	})
	return nil
}
