package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch/pushdispatch/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		cfg := &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			SubscriptionID:     "base-sub",
			NumPipelineWorkers: 2,
		}
		cfg.Token.Channel.Key = "base-credentials"
		cfg.Cert.Channel.Topic = "com.base.app"
		return cfg
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("NUM_PIPELINE_WORKERS", "8")
		t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.com, http://b.com,")

		t.Setenv("FCM_CREDENTIALS_JSON", `{"type":"service_account"}`)
		t.Setenv("FCM_PROJECT_ID", "env-fcm-project")

		t.Setenv("APNS_KEY", `-----BEGIN KEY-----\nabc\n-----END KEY-----`)
		t.Setenv("APNS_CERT", "env-cert")
		t.Setenv("APNS_KEY_ID", "KEY123")
		t.Setenv("APNS_TEAM_ID", "TEAM123")
		t.Setenv("APNS_TOPIC", "com.env.app")
		t.Setenv("APNS_PRODUCTION", "true")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)
		assert.Equal(t, 8, finalCfg.NumPipelineWorkers)
		assert.Equal(t, []string{"http://a.com", "http://b.com"}, finalCfg.CorsConfig.AllowedOrigins)
		require.NotNil(t, finalCfg.PubsubConsumerConfig)

		assert.Equal(t, `{"type":"service_account"}`, finalCfg.Token.Channel.Key)
		assert.Equal(t, "env-fcm-project", finalCfg.Token.Channel.ProjectID)

		assert.Equal(t, "-----BEGIN KEY-----\nabc\n-----END KEY-----", finalCfg.Cert.Channel.PrivateKey)
		assert.Equal(t, "env-cert", finalCfg.Cert.Channel.Certificate)
		assert.Equal(t, "KEY123", finalCfg.Cert.Channel.AuthToken.KeyID)
		assert.Equal(t, "TEAM123", finalCfg.Cert.Channel.AuthToken.TeamID)
		assert.Equal(t, "com.env.app", finalCfg.Cert.Channel.Topic)
		assert.True(t, finalCfg.Cert.Channel.IsProduction())
	})

	t.Run("Success - Defaults preserved", func(t *testing.T) {
		cfg := baseConfig()
		cfg.ListenAddr = ""
		cfg.NumPipelineWorkers = 0

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, ":8080", finalCfg.ListenAddr)
		assert.Equal(t, 1, finalCfg.NumPipelineWorkers)
		assert.Equal(t, "base-credentials", finalCfg.Token.Channel.Key)
		assert.Equal(t, "com.base.app", finalCfg.Cert.Channel.Topic)
		assert.NotNil(t, finalCfg.PubsubConsumerConfig)
	})

	t.Run("Validation Failure - Missing ProjectID", func(t *testing.T) {
		cfg := &config.Config{SubscriptionID: "sub"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Missing SubscriptionID", func(t *testing.T) {
		cfg := &config.Config{ProjectID: "project"}
		os.Unsetenv("SUBSCRIPTION_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - APNs key without certificate", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Cert.Channel.PrivateKey = "key"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
