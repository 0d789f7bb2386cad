package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// Sender delivers one send through a channel's default client.
type Sender interface {
	Send(
		ctx context.Context,
		channel dispatch.ChannelType,
		deviceIDs []string,
		n *dispatch.Notification,
		payload dispatch.Payload,
		opts *dispatch.SendOptions,
	) (*dispatch.Result, error)
}

// NewProcessor creates the stage that hands each validated request to the
// sender. Only transient failures are returned, so the message is redelivered;
// permanent ones are logged and acknowledged.
func NewProcessor(sender Sender, logger *slog.Logger) messagepipeline.StreamProcessor[dispatch.SendRequest] {
	return func(ctx context.Context, original messagepipeline.Message, request *dispatch.SendRequest) error {
		procLogger := logger.With(
			"channel", request.Channel,
			"pubsub_msg_id", original.ID,
		)

		channel, err := request.Validate()
		if err != nil {
			procLogger.Warn("Dropping invalid send request", "err", err)
			return nil
		}

		res, err := sender.Send(ctx, channel, request.DeviceIDs, request.Notification, request.Payload, request.Options)
		if err != nil {
			if retryable(err) {
				procLogger.Error("Send failed, message will be redelivered", "kind", dispatch.KindOf(err), "err", err)
				return err
			}
			procLogger.Warn("Send failed permanently; dropping message", "kind", dispatch.KindOf(err), "err", err)
			return nil
		}

		var unregistered []string
		for _, o := range res.Outcomes {
			if dispatch.KindOf(o.Err) == dispatch.KindDeviceUnregistered {
				unregistered = append(unregistered, o.DeviceID)
			}
		}
		if len(unregistered) > 0 {
			procLogger.Info("Devices are no longer registered", "count", len(unregistered), "devices", unregistered)
		}

		procLogger.Info("Send dispatched",
			"devices", len(request.DeviceIDs),
			"failed", res.Failed(),
			"message_id", res.MessageID,
		)
		return nil
	}
}

// retryable reports transient failures. Errors outside the taxonomy are
// infrastructure errors and are retried too.
func retryable(err error) bool {
	switch dispatch.KindOf(err) {
	case "", dispatch.KindDeliveryUnavailable, dispatch.KindConnectionError, dispatch.KindThrottled:
		return true
	}
	return false
}
