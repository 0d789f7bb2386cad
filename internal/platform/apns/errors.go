package apns

import (
	"errors"
	"strings"

	"github.com/sideshow/apns2"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// reasonKinds maps APNs rejection reasons.
// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
var reasonKinds = map[string]dispatch.Kind{
	apns2.ReasonBadDeviceToken:         dispatch.KindDeviceUnregistered,
	apns2.ReasonUnregistered:           dispatch.KindDeviceUnregistered,
	apns2.ReasonDeviceTokenNotForTopic: dispatch.KindDeviceUnregistered,

	apns2.ReasonBadCertificate: dispatch.KindCertificateExpired,

	apns2.ReasonBadCertificateEnvironment: dispatch.KindInvalidCredentials,
	apns2.ReasonInvalidProviderToken:      dispatch.KindInvalidCredentials,
	apns2.ReasonExpiredProviderToken:      dispatch.KindInvalidCredentials,
	apns2.ReasonMissingProviderToken:      dispatch.KindInvalidCredentials,
	apns2.ReasonForbidden:                 dispatch.KindInvalidCredentials,

	apns2.ReasonTooManyRequests:             dispatch.KindThrottled,
	apns2.ReasonTooManyProviderTokenUpdates: dispatch.KindThrottled,

	apns2.ReasonPayloadEmpty:       dispatch.KindInvalidRequest,
	apns2.ReasonPayloadTooLarge:    dispatch.KindInvalidRequest,
	apns2.ReasonBadTopic:           dispatch.KindInvalidRequest,
	apns2.ReasonTopicDisallowed:    dispatch.KindInvalidRequest,
	apns2.ReasonMissingTopic:       dispatch.KindInvalidRequest,
	apns2.ReasonBadCollapseID:      dispatch.KindInvalidRequest,
	apns2.ReasonBadExpirationDate:  dispatch.KindInvalidRequest,
	apns2.ReasonBadMessageID:       dispatch.KindInvalidRequest,
	apns2.ReasonBadPriority:        dispatch.KindInvalidRequest,
	apns2.ReasonDuplicateHeaders:   dispatch.KindInvalidRequest,
	apns2.ReasonMissingDeviceToken: dispatch.KindInvalidRequest,
	apns2.ReasonBadPath:            dispatch.KindInvalidRequest,
	apns2.ReasonMethodNotAllowed:   dispatch.KindInvalidRequest,

	apns2.ReasonInternalServerError: dispatch.KindDeliveryUnavailable,
	apns2.ReasonServiceUnavailable:  dispatch.KindDeliveryUnavailable,

	apns2.ReasonIdleTimeout: dispatch.KindConnectionError,
	apns2.ReasonShutdown:    dispatch.KindConnectionError,
}

var kindMessages = map[dispatch.Kind]string{
	dispatch.KindDeviceUnregistered:  "device does not have push notifications enabled",
	dispatch.KindCertificateExpired:  "certificate has expired",
	dispatch.KindInvalidCredentials:  "invalid credentials",
	dispatch.KindThrottled:           "too many notifications",
	dispatch.KindInvalidRequest:      "push request was rejected as invalid",
	dispatch.KindDeliveryUnavailable: "push server unavailable",
	dispatch.KindConnectionError:     "connection to push server failed",
	dispatch.KindDeliveryFailed:      "push notification could not be delivered",
}

func newError(kind dispatch.Kind, message string) *dispatch.Error {
	if message == "" {
		message = kindMessages[kind]
	}
	return dispatch.NewError(kind, dispatch.ChannelCert, message)
}

// transmissionError maps a transmission error event. A reason comes from the
// gateway; its absence means the request never got a response.
func transmissionError(reason string, err error) *dispatch.Error {
	if reason == "" {
		e := newError(dispatch.KindConnectionError, "")
		if err != nil {
			e = e.WithCause(err)
		}
		return e
	}
	kind, ok := reasonKinds[reason]
	if !ok {
		kind = dispatch.KindDeliveryFailed
	}
	return newError(kind, "").WithReason(reason)
}

// connectionError maps a connection level failure or an error raised while
// establishing the connection.
func connectionError(err error) *dispatch.Error {
	if err == nil {
		return newError(dispatch.KindConnectionError, "")
	}
	var de *dispatch.Error
	if errors.As(err, &de) {
		return de
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "expired"):
		return newError(dispatch.KindCertificateExpired, "").WithCause(err)
	case strings.Contains(msg, "private key"),
		strings.Contains(msg, "certificate"),
		strings.Contains(msg, "pem"),
		strings.Contains(msg, "x509"):
		return newError(dispatch.KindInvalidCredentials, "").WithCause(err)
	}
	return newError(dispatch.KindConnectionError, "").WithCause(err)
}
