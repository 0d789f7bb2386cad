package dispatch

import "errors"

// SendRequest is the wire form of one send, as accepted by the HTTP API and
// the ingestion subscription.
type SendRequest struct {
	Channel      string        `json:"channel"`
	DeviceIDs    []string      `json:"device_ids"`
	Notification *Notification `json:"notification,omitempty"`
	Payload      Payload       `json:"payload,omitempty"`
	Options      *SendOptions  `json:"options,omitempty"`
}

// Validate resolves the channel and checks the device list.
func (r *SendRequest) Validate() (ChannelType, error) {
	channel, err := ParseChannel(r.Channel)
	if err != nil {
		return "", err
	}
	ids, err := NormalizeDevices(channel, r.DeviceIDs)
	if err != nil {
		return "", err
	}
	r.DeviceIDs = ids
	return channel, nil
}

// OutcomeView is the wire form of an Outcome.
type OutcomeView struct {
	DeviceID  string     `json:"device_id"`
	MessageID string     `json:"message_id,omitempty"`
	Error     *ErrorView `json:"error,omitempty"`
}

// ErrorView is the wire form of an Error.
type ErrorView struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// ResultView is the wire form of a Result.
type ResultView struct {
	MessageID string        `json:"message_id,omitempty"`
	Outcomes  []OutcomeView `json:"outcomes,omitempty"`
}

// NewErrorView converts err. Errors outside the taxonomy report as
// delivery failures.
func NewErrorView(err error) *ErrorView {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &ErrorView{Kind: KindDeliveryFailed, Message: err.Error()}
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	return &ErrorView{Kind: e.Kind, Message: msg, Reason: e.Reason}
}

// NewResultView converts r.
func NewResultView(r *Result) ResultView {
	v := ResultView{MessageID: r.MessageID}
	for _, o := range r.Outcomes {
		v.Outcomes = append(v.Outcomes, OutcomeView{
			DeviceID:  o.DeviceID,
			MessageID: o.MessageID,
			Error:     NewErrorView(o.Err),
		})
	}
	return v
}
