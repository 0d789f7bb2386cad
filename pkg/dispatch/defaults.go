package dispatch

import "time"

// DefaultTokenConfig returns the token channel defaults. It carries no
// credentials.
func DefaultTokenConfig() ChannelConfig {
	return ChannelConfig{
		Notification: NotificationDefaults{Sound: "default"},
		Options: SendOptions{
			Priority:    "high",
			CollapseKey: "tpush",
		},
		RetryInterval: 500 * time.Millisecond,
	}
}

// DefaultCertConfig returns the cert channel defaults. It carries no
// credentials.
func DefaultCertConfig() ChannelConfig {
	return ChannelConfig{
		ConnectionRetryLimit: 4,
		Transmission: Transmission{
			Timeout: 2000 * time.Millisecond,
			Success: 1000 * time.Millisecond,
		},
		Notification: NotificationDefaults{Sound: "ping.aiff"},
	}
}

// DefaultConfig returns the defaults of the given channel.
func DefaultConfig(channel ChannelType) ChannelConfig {
	if channel == ChannelCert {
		return DefaultCertConfig()
	}
	return DefaultTokenConfig()
}
