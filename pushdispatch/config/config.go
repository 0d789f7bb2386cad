package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// ChannelSettings holds one channel's base configuration and send budget.
type ChannelSettings struct {
	Channel   dispatch.ChannelConfig
	RateLimit float64
	RateBurst int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig

	Token ChannelSettings
	Cert  ChannelSettings

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "TOPIC_ID", "source", "env")
		cfg.TopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Token channel (FCM)
	overrideString(&cfg.Token.Channel.Key, "FCM_CREDENTIALS_JSON", logger)
	overrideString(&cfg.Token.Channel.ProjectID, "FCM_PROJECT_ID", logger)

	// Cert channel (APNs). PEM content may arrive with escaped newlines.
	overridePEM(&cfg.Cert.Channel.PrivateKey, "APNS_KEY", logger)
	overridePEM(&cfg.Cert.Channel.Certificate, "APNS_CERT", logger)
	overridePEM(&cfg.Cert.Channel.AuthToken.Key, "APNS_AUTH_KEY", logger)
	overrideString(&cfg.Cert.Channel.AuthToken.KeyID, "APNS_KEY_ID", logger)
	overrideString(&cfg.Cert.Channel.AuthToken.TeamID, "APNS_TEAM_ID", logger)
	overrideString(&cfg.Cert.Channel.Topic, "APNS_TOPIC", logger)
	if val := os.Getenv("APNS_PRODUCTION"); val != "" {
		if production, err := strconv.ParseBool(val); err == nil {
			logger.Debug("Overriding config value", "key", "APNS_PRODUCTION", "source", "env")
			cfg.Cert.Channel.Production = dispatch.Bool(production)
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Cert.Channel.PrivateKey != "" && cfg.Cert.Channel.Certificate == "" {
		return nil, fmt.Errorf("apns key is set without a certificate (set APNS_CERT)")
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func overrideString(dst *string, key string, logger *slog.Logger) {
	if val := os.Getenv(key); val != "" {
		logger.Debug("Overriding config value", "key", key, "source", "env")
		*dst = val
	}
}

func overridePEM(dst *string, key string, logger *slog.Logger) {
	overrideString(dst, key, logger)
	*dst = strings.ReplaceAll(*dst, `\n`, "\n")
}
