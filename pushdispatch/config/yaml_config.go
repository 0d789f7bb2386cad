package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlNotificationConfig struct {
	Sound string `yaml:"sound"`
	Icon  string `yaml:"icon"`
	Color string `yaml:"color"`
}

type YamlFCMConfig struct {
	CredentialsJSON string                 `yaml:"credentials_json"`
	ProjectID       string                 `yaml:"project_id"`
	RetryIntervalMs int                    `yaml:"retry_interval_ms"`
	Notification    YamlNotificationConfig `yaml:"notification"`
	Options         dispatch.SendOptions   `yaml:"options"`
	RateLimit       float64                `yaml:"rate_limit"`
	RateBurst       int                    `yaml:"rate_burst"`
}

type YamlTransmissionConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
	SuccessMs int `yaml:"success_ms"`
}

type YamlAPNSConfig struct {
	Key                  string                 `yaml:"key"`
	Cert                 string                 `yaml:"cert"`
	Passphrase           string                 `yaml:"passphrase"`
	AuthKey              string                 `yaml:"auth_key"`
	KeyID                string                 `yaml:"key_id"`
	TeamID               string                 `yaml:"team_id"`
	Topic                string                 `yaml:"topic"`
	Production           *bool                  `yaml:"production"`
	ConnectionRetryLimit int                    `yaml:"connection_retry_limit"`
	Transmission         YamlTransmissionConfig `yaml:"transmission"`
	Notification         YamlNotificationConfig `yaml:"notification"`
	Options              dispatch.SendOptions   `yaml:"options"`
	RateLimit            float64                `yaml:"rate_limit"`
	RateBurst            int                    `yaml:"rate_burst"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string         `yaml:"project_id"`
	ListenAddr             string         `yaml:"listen_addr"`
	TopicID                string         `yaml:"topic_id"`
	SubscriptionID         string         `yaml:"subscription_id"`
	SubscriptionDLQTopicID string         `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig `yaml:"cors"`
	NumPipelineWorkers     int            `yaml:"num_pipeline_workers"`
	FCM                    YamlFCMConfig  `yaml:"fcm"`
	APNS                   YamlAPNSConfig `yaml:"apns"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
// Channel values are layered over the built-in channel defaults.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		Token:                  tokenSettings(baseCfg.FCM),
		Cert:                   certSettings(baseCfg.APNS),
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"apns_topic", cfg.Cert.Channel.Topic,
	)

	return cfg, nil
}

func tokenSettings(y YamlFCMConfig) ChannelSettings {
	override := dispatch.ChannelConfig{
		Key:           y.CredentialsJSON,
		ProjectID:     y.ProjectID,
		RetryInterval: millis(y.RetryIntervalMs),
		Notification:  notificationDefaults(y.Notification),
		Options:       y.Options,
	}
	return ChannelSettings{
		Channel:   dispatch.DefaultTokenConfig().Merge(override),
		RateLimit: y.RateLimit,
		RateBurst: y.RateBurst,
	}
}

func certSettings(y YamlAPNSConfig) ChannelSettings {
	override := dispatch.ChannelConfig{
		PrivateKey:  y.Key,
		Certificate: y.Cert,
		Passphrase:  y.Passphrase,
		AuthToken: dispatch.AuthToken{
			Key:    y.AuthKey,
			KeyID:  y.KeyID,
			TeamID: y.TeamID,
		},
		Topic:                y.Topic,
		Production:           y.Production,
		ConnectionRetryLimit: y.ConnectionRetryLimit,
		Transmission: dispatch.Transmission{
			Timeout: millis(y.Transmission.TimeoutMs),
			Success: millis(y.Transmission.SuccessMs),
		},
		Notification: notificationDefaults(y.Notification),
		Options:      y.Options,
	}
	return ChannelSettings{
		Channel:   dispatch.DefaultCertConfig().Merge(override),
		RateLimit: y.RateLimit,
		RateBurst: y.RateBurst,
	}
}

func notificationDefaults(y YamlNotificationConfig) dispatch.NotificationDefaults {
	return dispatch.NotificationDefaults{Sound: y.Sound, Icon: y.Icon, Color: y.Color}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
