package dispatch

import (
	"errors"
	"fmt"
)

// Kind is the machine readable class of a dispatch failure. Every raw
// channel error code maps onto exactly one Kind.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindCertificateExpired  Kind = "certificate_expired"
	KindDeviceUnregistered  Kind = "device_unregistered"
	KindDeliveryUnavailable Kind = "delivery_unavailable"
	KindDeliveryFailed      Kind = "delivery_failed"
	KindConnectionError     Kind = "connection_error"
	KindUnsupportedChannel  Kind = "unsupported_channel"
	KindThrottled           Kind = "throttled"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredentials}
	ErrCertificateExpired  = &Error{Kind: KindCertificateExpired}
	ErrDeviceUnregistered  = &Error{Kind: KindDeviceUnregistered}
	ErrDeliveryUnavailable = &Error{Kind: KindDeliveryUnavailable}
	ErrDeliveryFailed      = &Error{Kind: KindDeliveryFailed}
	ErrConnectionError     = &Error{Kind: KindConnectionError}
	ErrUnsupportedChannel  = &Error{Kind: KindUnsupportedChannel}
	ErrThrottled           = &Error{Kind: KindThrottled}
)

// Error is the uniform failure returned by every channel. Reason carries the
// raw vendor code (e.g. "BadDeviceToken") for diagnostics only; callers
// should branch on Kind.
type Error struct {
	Kind    Kind
	Channel ChannelType
	Message string
	Reason  string
	Cause   error
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, channel ChannelType, message string) *Error {
	return &Error{Kind: kind, Channel: channel, Message: message}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	prefix := string(e.Kind)
	if e.Channel != "" {
		prefix = string(e.Channel) + ": " + prefix
	}
	switch {
	case e.Reason != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s (%s): %v", prefix, msg, e.Reason, e.Cause)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s (%s)", prefix, msg, e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// WithReason returns a copy of e carrying the raw vendor reason.
func (e *Error) WithReason(reason string) *Error {
	cp := *e
	cp.Reason = reason
	return &cp
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
