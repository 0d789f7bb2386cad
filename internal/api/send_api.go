// Package api exposes the dispatch facade over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

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

type SendAPI struct {
	Sender Sender
	Logger *slog.Logger
}

func NewSendAPI(sender Sender, logger *slog.Logger) *SendAPI {
	return &SendAPI{
		Sender: sender,
		Logger: logger.With("component", "SendAPI"),
	}
}

// Send handles POST /api/v1/send. The body is a dispatch.SendRequest; the
// response is a dispatch.ResultView.
func (api *SendAPI) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req dispatch.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	channel, err := req.Validate()
	if err != nil {
		api.Logger.Warn("Send: Validation failed", "user", userID, "err", err)
		response.WriteJSONError(w, StatusFor(err), err.Error())
		return
	}

	res, err := api.Sender.Send(ctx, channel, req.DeviceIDs, req.Notification, req.Payload, req.Options)
	if err != nil {
		api.Logger.Error("Send: dispatch failed", "user", userID, "channel", channel, "kind", dispatch.KindOf(err), "err", err)
		response.WriteJSONError(w, StatusFor(err), err.Error())
		return
	}
	api.Logger.Info("Send: dispatched", "user", userID, "channel", channel, "devices", len(req.DeviceIDs), "failed", res.Failed())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dispatch.NewResultView(res)); err != nil {
		api.Logger.Warn("Send: failed to write response", "err", err)
	}
}

// StatusFor maps a dispatch failure onto an HTTP status.
func StatusFor(err error) int {
	switch dispatch.KindOf(err) {
	case dispatch.KindInvalidRequest, dispatch.KindUnsupportedChannel:
		return http.StatusBadRequest
	case dispatch.KindDeviceUnregistered:
		return http.StatusGone
	case dispatch.KindThrottled:
		return http.StatusTooManyRequests
	case dispatch.KindDeliveryUnavailable, dispatch.KindConnectionError:
		return http.StatusServiceUnavailable
	case dispatch.KindInvalidCredentials, dispatch.KindCertificateExpired, dispatch.KindDeliveryFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
