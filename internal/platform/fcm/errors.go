package fcm

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/googleapi"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// legacyCodes maps the per-result error strings of the legacy HTTP API.
var legacyCodes = map[string]dispatch.Kind{
	"NotRegistered":             dispatch.KindDeviceUnregistered,
	"InvalidRegistration":       dispatch.KindDeviceUnregistered,
	"InvalidPackageName":        dispatch.KindInvalidRequest,
	"MissingRegistration":       dispatch.KindInvalidRequest,
	"MessageTooBig":             dispatch.KindInvalidRequest,
	"InvalidDataKey":            dispatch.KindInvalidRequest,
	"InvalidTtl":                dispatch.KindInvalidRequest,
	"DeviceMessageRateExceeded": dispatch.KindThrottled,
	"TopicsMessageRateExceeded": dispatch.KindThrottled,
	"MismatchSenderId":          dispatch.KindInvalidCredentials,
	"Unavailable":               dispatch.KindDeliveryUnavailable,
	"InternalServerError":       dispatch.KindDeliveryUnavailable,
}

var kindMessages = map[dispatch.Kind]string{
	dispatch.KindDeviceUnregistered:  "device does not have push notifications enabled",
	dispatch.KindInvalidRequest:      "push request was rejected as invalid",
	dispatch.KindInvalidCredentials:  "invalid API key",
	dispatch.KindThrottled:           "too many notifications",
	dispatch.KindDeliveryUnavailable: "push server unavailable",
	dispatch.KindDeliveryFailed:      "push notification could not be delivered",
}

func newError(kind dispatch.Kind) *dispatch.Error {
	return dispatch.NewError(kind, dispatch.ChannelToken, kindMessages[kind])
}

// classifyDeviceError maps the error of one per-device response.
func classifyDeviceError(err error) *dispatch.Error {
	if err == nil {
		return newError(dispatch.KindDeliveryFailed)
	}

	var kind dispatch.Kind
	switch {
	case messaging.IsRegistrationTokenNotRegistered(err), messaging.IsUnregistered(err):
		kind = dispatch.KindDeviceUnregistered
	case messaging.IsInvalidArgument(err):
		kind = invalidArgumentKind(err)
	case messaging.IsSenderIDMismatch(err), messaging.IsThirdPartyAuthError(err),
		errorutils.IsPermissionDenied(err), errorutils.IsUnauthenticated(err):
		kind = dispatch.KindInvalidCredentials
	case messaging.IsQuotaExceeded(err), errorutils.IsResourceExhausted(err):
		kind = dispatch.KindThrottled
	case errorutils.IsUnavailable(err), errorutils.IsInternal(err):
		kind = dispatch.KindDeliveryUnavailable
	}
	if kind != "" {
		return newError(kind).WithCause(err)
	}

	code := strings.TrimSpace(err.Error())
	if kind, ok := legacyCodes[code]; ok {
		return newError(kind).WithReason(code)
	}
	return newError(dispatch.KindDeliveryFailed).WithCause(err)
}

// invalidArgumentKind splits INVALID_ARGUMENT. FCM reports a malformed
// registration token with this code, but also a bad payload or TTL; only the
// former means the device should be dropped.
func invalidArgumentKind(err error) dispatch.Kind {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "registration token") || strings.Contains(msg, "registration-token") {
		return dispatch.KindDeviceUnregistered
	}
	return dispatch.KindInvalidRequest
}

// transportClass reports whether err means the push server could not be used
// at all. It returns nil for errors that concern a single device.
func transportClass(err error) *dispatch.Error {
	if err == nil {
		return nil
	}

	status := 0
	if resp := errorutils.HTTPResponse(err); resp != nil {
		status = resp.StatusCode
	}
	var apiErr *googleapi.Error
	if status == 0 && errors.As(err, &apiErr) {
		status = apiErr.Code
	}
	switch {
	case status == http.StatusUnauthorized:
		return newError(dispatch.KindInvalidCredentials).WithCause(err)
	case status >= 500 && status <= 599:
		return newError(dispatch.KindDeliveryUnavailable).WithCause(err)
	}

	switch {
	case errorutils.IsUnauthenticated(err):
		return newError(dispatch.KindInvalidCredentials).WithCause(err)
	case errorutils.IsUnavailable(err), errorutils.IsInternal(err):
		return newError(dispatch.KindDeliveryUnavailable).WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(dispatch.KindDeliveryUnavailable).WithCause(err)
	}

	code := strings.TrimSpace(err.Error())
	if legacyCodes[code] == dispatch.KindDeliveryUnavailable {
		return newError(dispatch.KindDeliveryUnavailable).WithReason(code)
	}
	return nil
}

// transportError maps an error that failed a whole batch call.
func transportError(err error) *dispatch.Error {
	if e := transportClass(err); e != nil {
		return e
	}
	if errorutils.IsInvalidArgument(err) {
		return newError(dispatch.KindInvalidRequest).WithCause(err)
	}
	return dispatch.NewError(dispatch.KindDeliveryUnavailable, dispatch.ChannelToken, "could not contact push server").WithCause(err)
}

// batchTransportError reports a transport failure hidden in a batch response
// whose every device failed for a server-wide reason.
func batchTransportError(br *messaging.BatchResponse) *dispatch.Error {
	if br == nil {
		return dispatch.NewError(dispatch.KindDeliveryFailed, dispatch.ChannelToken, "empty response from push server")
	}
	if br.SuccessCount > 0 || len(br.Responses) == 0 {
		return nil
	}
	var first *dispatch.Error
	for _, r := range br.Responses {
		if r == nil || r.Success {
			return nil
		}
		e := transportClass(r.Error)
		if e == nil {
			return nil
		}
		if first == nil {
			first = e
		}
	}
	return first
}
