package dispatch

import (
	"strings"
	"time"
)

// ChannelType selects the driver and default configuration of a send.
type ChannelType string

const (
	// ChannelToken is the key-authenticated channel (Firebase Cloud Messaging).
	ChannelToken ChannelType = "token"
	// ChannelCert is the certificate-authenticated, persistent connection
	// channel (Apple Push Notification service).
	ChannelCert ChannelType = "cert"
)

// ParseChannel resolves a channel name, accepting the platform aliases used by
// callers ("android", "fcm", "ios", "apns"). Matching is case-insensitive.
func ParseChannel(name string) (ChannelType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "token", "fcm", "android":
		return ChannelToken, nil
	case "cert", "apns", "ios":
		return ChannelCert, nil
	case "":
		return "", NewError(KindUnsupportedChannel, "", "channel type is required")
	}
	return "", NewError(KindUnsupportedChannel, "", "channel type not supported: "+name)
}

// AuthToken holds provider-token credentials for the cert channel.
type AuthToken struct {
	// Key is the PEM content of the .p8 signing key.
	Key    string
	KeyID  string
	TeamID string
}

// Transmission bounds how long the cert channel waits for the outcome of a
// single notification.
type Transmission struct {
	// Timeout is the deadline for any transmission report.
	Timeout time.Duration
	// Success is the debounce window after a transmitted report during which
	// a late transmission error still wins.
	Success time.Duration
}

// NotificationDefaults fill blank notification fields.
type NotificationDefaults struct {
	Sound string
	Icon  string
	Color string
}

// ChannelConfig carries the secrets and defaults of one channel. Token
// channel fields and cert channel fields live side by side; each driver reads
// only its own.
type ChannelConfig struct {
	// Token channel: service-account credentials JSON and optional project.
	Key       string
	ProjectID string

	// Cert channel.
	PrivateKey  string
	Certificate string
	Passphrase  string
	AuthToken   AuthToken
	Topic       string
	// Production selects the production gateway. Nil keeps the default, so
	// an explicit false overrides a true default.
	Production           *bool
	ConnectionRetryLimit int
	Transmission         Transmission

	Notification NotificationDefaults
	Options      SendOptions

	// RetryInterval is the initial backoff between token channel batch
	// retries.
	RetryInterval time.Duration
}

// Merge returns a copy of c where every non-zero field of o wins. A set
// Production wins even when false.
func (c ChannelConfig) Merge(o ChannelConfig) ChannelConfig {
	out := c
	setString(&out.Key, o.Key)
	setString(&out.ProjectID, o.ProjectID)
	setString(&out.PrivateKey, o.PrivateKey)
	setString(&out.Certificate, o.Certificate)
	setString(&out.Passphrase, o.Passphrase)
	setString(&out.AuthToken.Key, o.AuthToken.Key)
	setString(&out.AuthToken.KeyID, o.AuthToken.KeyID)
	setString(&out.AuthToken.TeamID, o.AuthToken.TeamID)
	setString(&out.Topic, o.Topic)
	setBool(&out.Production, o.Production)
	if o.ConnectionRetryLimit > 0 {
		out.ConnectionRetryLimit = o.ConnectionRetryLimit
	}
	if o.Transmission.Timeout > 0 {
		out.Transmission.Timeout = o.Transmission.Timeout
	}
	if o.Transmission.Success > 0 {
		out.Transmission.Success = o.Transmission.Success
	}
	setString(&out.Notification.Sound, o.Notification.Sound)
	setString(&out.Notification.Icon, o.Notification.Icon)
	setString(&out.Notification.Color, o.Notification.Color)
	out.Options = c.Options.Merge(&o.Options)
	if o.RetryInterval > 0 {
		out.RetryInterval = o.RetryInterval
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst **bool, v *bool) {
	if v != nil {
		b := *v
		*dst = &b
	}
}

// Bool returns a pointer to v, for the tri-state option fields.
func Bool(v bool) *bool {
	return &v
}

// IsProduction reports whether the production gateway is selected.
func (c ChannelConfig) IsProduction() bool {
	return c.Production != nil && *c.Production
}

// DefaultCacheKey is used when CacheOptions.Key is empty.
const DefaultCacheKey = "default"

// CacheOptions govern pooling of a client. The zero value caches the client
// under DefaultCacheKey with the channel's default TTL. A negative TTL keeps
// the client until it is closed.
type CacheOptions struct {
	Disabled bool
	Key      string
	TTL      time.Duration
}

// Notification is the user-visible part of a push.
type Notification struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Sound   string `json:"sound,omitempty"`
	Color   string `json:"color,omitempty"`
	Badge   *int   `json:"badge,omitempty"`
}

// Payload is the arbitrary data delivered alongside a notification.
type Payload map[string]any

// SendOptions tune one send. Zero fields fall back to the channel defaults.
type SendOptions struct {
	// TTL is the time to live in seconds.
	TTL         int    `json:"ttl,omitempty" yaml:"ttl"`
	Priority    string `json:"priority,omitempty" yaml:"priority"`
	CollapseKey string `json:"collapse_key,omitempty" yaml:"collapse_key"`
	DryRun      *bool  `json:"dry_run,omitempty" yaml:"dry_run"`
	// DataOnly moves title and message into the data payload instead of
	// sending a display notification.
	DataOnly *bool `json:"data_only,omitempty" yaml:"data_only"`
	// Retry bounds token channel batch retries; nil means the default of 2.
	Retry *int `json:"retry,omitempty" yaml:"retry"`
	// Parallel > 1 sends cert channel notifications concurrently.
	Parallel int `json:"parallel,omitempty" yaml:"parallel"`
}

// DefaultBatchRetry is the token channel batch retry count.
const DefaultBatchRetry = 2

// Merge returns the options in s overridden by the set fields of o. The
// boolean fields are tri-state: nil keeps the default, false clears it.
func (s SendOptions) Merge(o *SendOptions) SendOptions {
	out := s
	if o == nil {
		return out
	}
	if o.TTL > 0 {
		out.TTL = o.TTL
	}
	setString(&out.Priority, o.Priority)
	setString(&out.CollapseKey, o.CollapseKey)
	setBool(&out.DryRun, o.DryRun)
	setBool(&out.DataOnly, o.DataOnly)
	if o.Retry != nil {
		r := *o.Retry
		out.Retry = &r
	}
	if o.Parallel > 0 {
		out.Parallel = o.Parallel
	}
	return out
}

// IsDryRun reports whether the send only validates.
func (s SendOptions) IsDryRun() bool {
	return s.DryRun != nil && *s.DryRun
}

// IsDataOnly reports whether display fields move into the data payload.
func (s SendOptions) IsDataOnly() bool {
	return s.DataOnly != nil && *s.DataOnly
}

// RetryCount resolves the batch retry count.
func (s SendOptions) RetryCount() int {
	if s.Retry == nil || *s.Retry < 0 {
		return DefaultBatchRetry
	}
	return *s.Retry
}

// Outcome is the delivery result for one device of a multi-device send.
type Outcome struct {
	DeviceID  string
	MessageID string
	// Err is nil on success, otherwise a *Error.
	Err error
}

// OK reports whether the device accepted the notification.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Result is returned by Client.Send. Single-device sends fill MessageID;
// multi-device sends fill Outcomes.
type Result struct {
	MessageID string
	Outcomes  []Outcome
}

// Failed counts the failed outcomes.
func (r *Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}

// NormalizeDevices validates a device id list: it must be non-empty and
// contain no blank ids.
func NormalizeDevices(channel ChannelType, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, NewError(KindInvalidRequest, channel, "at least one device is required")
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, NewError(KindInvalidRequest, channel, "device id must not be empty")
		}
		out[i] = id
	}
	return out, nil
}
