// Package fcm implements the token channel on top of Firebase Cloud Messaging.
package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/cenkalti/backoff/v4"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// maxBatchSize is the multicast token limit of the FCM API.
const maxBatchSize = 500

// DefaultRetryInterval is the initial backoff between batch retries.
const DefaultRetryInterval = 500 * time.Millisecond

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	SendEachForMulticastDryRun(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client is a token channel transport client.
type Client struct {
	client MessagingClient
	cfg    dispatch.ChannelConfig
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps a messaging client. cfg supplies the notification and send
// defaults.
// Note: *messaging.Client automatically satisfies MessagingClient.
func NewClient(client MessagingClient, cfg dispatch.ChannelConfig, logger *slog.Logger) *Client {
	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "FCMClient"),
		done:   make(chan struct{}),
	}
}

func (c *Client) Channel() dispatch.ChannelType {
	return dispatch.ChannelToken
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close releases the client. There is no connection to tear down; later sends
// fail with a connection error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.logger.Debug("FCM client closed")
	})
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send delivers n and payload to deviceIDs.
//
// A single device resolves with its message id or fails with the mapped
// device error. Several devices only fail when the push server could not be
// used; otherwise each device gets its own Outcome, in input order.
func (c *Client) Send(
	ctx context.Context,
	deviceIDs []string,
	n *dispatch.Notification,
	payload dispatch.Payload,
	opts *dispatch.SendOptions,
) (*dispatch.Result, error) {
	ids, err := dispatch.NormalizeDevices(dispatch.ChannelToken, deviceIDs)
	if err != nil {
		return nil, err
	}
	if c.closed() {
		return nil, dispatch.NewError(dispatch.KindConnectionError, dispatch.ChannelToken, "client is closed")
	}

	sendOpts := c.cfg.Options.Merge(opts)
	msg, err := c.buildMessage(n, payload, sendOpts)
	if err != nil {
		return nil, err
	}

	// A failed batch marks only its own devices. Earlier batches were
	// already delivered and their outcomes stand.
	outcomes := make([]dispatch.Outcome, 0, len(ids))
	var firstErr error
	delivered := false
	for start := 0; start < len(ids); start += maxBatchSize {
		batch := ids[start:min(start+maxBatchSize, len(ids))]
		m := *msg
		m.Tokens = batch

		br, err := c.sendBatch(ctx, &m, sendOpts)
		if err != nil {
			c.logger.Error("FCM batch failed", "offset", start, "devices", len(batch), "err", err)
			if firstErr == nil {
				firstErr = err
			}
			outcomes = append(outcomes, failedOutcomes(batch, err)...)
			continue
		}
		delivered = true
		outcomes = append(outcomes, collectOutcomes(batch, br)...)
	}
	if !delivered {
		return nil, firstErr
	}

	if len(ids) == 1 {
		if o := outcomes[0]; o.Err != nil {
			return nil, o.Err
		}
		return &dispatch.Result{MessageID: outcomes[0].MessageID}, nil
	}
	return &dispatch.Result{Outcomes: outcomes}, nil
}

func (c *Client) sendBatch(ctx context.Context, msg *messaging.MulticastMessage, opts dispatch.SendOptions) (*messaging.BatchResponse, error) {
	send := c.client.SendEachForMulticast
	if opts.IsDryRun() {
		send = c.client.SendEachForMulticastDryRun
	}

	var br *messaging.BatchResponse
	operation := func() error {
		resp, err := send(ctx, msg)
		if err != nil {
			return retryable(transportError(err))
		}
		if terr := batchTransportError(resp); terr != nil {
			return retryable(terr)
		}
		br = resp
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.RetryCount())), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.Warn("Retrying FCM batch", "wait", wait, "err", err)
	})
	if err == nil {
		return br, nil
	}
	var de *dispatch.Error
	if errors.As(err, &de) {
		return nil, de
	}
	return nil, dispatch.NewError(dispatch.KindDeliveryUnavailable, dispatch.ChannelToken, "push request aborted").WithCause(err)
}

func retryable(e *dispatch.Error) error {
	if e.Kind == dispatch.KindDeliveryUnavailable {
		return e
	}
	return backoff.Permanent(e)
}

func (c *Client) retryInterval() time.Duration {
	if c.cfg.RetryInterval > 0 {
		return c.cfg.RetryInterval
	}
	return DefaultRetryInterval
}

func failedOutcomes(ids []string, err error) []dispatch.Outcome {
	out := make([]dispatch.Outcome, len(ids))
	for i, id := range ids {
		out[i] = dispatch.Outcome{DeviceID: id, Err: err}
	}
	return out
}

func collectOutcomes(ids []string, br *messaging.BatchResponse) []dispatch.Outcome {
	out := make([]dispatch.Outcome, len(ids))
	for i, id := range ids {
		out[i].DeviceID = id
		if i >= len(br.Responses) || br.Responses[i] == nil {
			out[i].Err = dispatch.NewError(dispatch.KindDeliveryFailed, dispatch.ChannelToken, "no result reported for device")
			continue
		}
		r := br.Responses[i]
		if r.Success {
			out[i].MessageID = r.MessageID
			continue
		}
		out[i].Err = classifyDeviceError(r.Error)
	}
	return out
}

// buildMessage maps the logical notification onto the FCM message shape.
// Tokens are filled per batch.
func (c *Client) buildMessage(n *dispatch.Notification, payload dispatch.Payload, opts dispatch.SendOptions) (*messaging.MulticastMessage, error) {
	data, err := encodeData(payload)
	if err != nil {
		return nil, dispatch.NewError(dispatch.KindInvalidRequest, dispatch.ChannelToken, "payload could not be encoded").WithCause(err)
	}

	android := &messaging.AndroidConfig{
		CollapseKey: opts.CollapseKey,
		Priority:    androidPriority(opts.Priority),
	}
	if opts.TTL > 0 {
		ttl := time.Duration(opts.TTL) * time.Second
		android.TTL = &ttl
	}
	msg := &messaging.MulticastMessage{Android: android}

	note := c.withDefaults(n)
	switch {
	case note == nil:
		msg.Data = data
	case opts.IsDataOnly():
		// Display fields travel in the data map and the payload is nested
		// under "data" for clients that render notifications themselves.
		legacy := map[string]string{"title": note.Title}
		setIf(legacy, "message", note.Message)
		setIf(legacy, "icon", note.Icon)
		setIf(legacy, "sound", note.Sound)
		setIf(legacy, "color", note.Color)
		if len(payload) > 0 {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, dispatch.NewError(dispatch.KindInvalidRequest, dispatch.ChannelToken, "payload could not be encoded").WithCause(err)
			}
			legacy["data"] = string(raw)
		}
		msg.Data = legacy
	default:
		msg.Data = data
		msg.Notification = &messaging.Notification{
			Title: note.Title,
			Body:  note.Message,
		}
		android.Notification = &messaging.AndroidNotification{
			Icon:  note.Icon,
			Sound: note.Sound,
			Color: note.Color,
		}
	}
	return msg, nil
}

// withDefaults returns a copy of n with blank fields filled from the channel
// defaults. A notification without a title is not displayed.
func (c *Client) withDefaults(n *dispatch.Notification) *dispatch.Notification {
	if n == nil || n.Title == "" {
		return nil
	}
	out := *n
	if out.Icon == "" {
		out.Icon = c.cfg.Notification.Icon
	}
	if out.Sound == "" {
		out.Sound = c.cfg.Notification.Sound
	}
	if out.Color == "" {
		out.Color = c.cfg.Notification.Color
	}
	return &out
}

func androidPriority(p string) string {
	switch strings.ToLower(p) {
	case "high":
		return "high"
	case "normal", "low":
		return "normal"
	}
	return ""
}

// encodeData flattens the payload into FCM's string map. Non-string values
// are JSON encoded.
func encodeData(payload dispatch.Payload) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	data := make(map[string]string, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			data[k] = val
		case fmt.Stringer:
			data[k] = val.String()
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("payload key %q: %w", k, err)
			}
			data[k] = string(raw)
		}
	}
	return data, nil
}

func setIf(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}
