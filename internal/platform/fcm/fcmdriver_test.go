package fcm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func TestDriverCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("Failure - missing key", func(t *testing.T) {
		called := false
		driver := fcm.NewDriver(newTestLogger(), fcm.WithMessagingFactory(
			func(context.Context, dispatch.ChannelConfig) (fcm.MessagingClient, error) {
				called = true
				return new(MockClient), nil
			}))

		_, err := driver.Create(ctx, dispatch.ChannelConfig{})

		assert.ErrorIs(t, err, dispatch.ErrInvalidCredentials)
		assert.False(t, called)
	})

	t.Run("Failure - factory error maps to InvalidCredentials", func(t *testing.T) {
		driver := fcm.NewDriver(newTestLogger(), fcm.WithMessagingFactory(
			func(context.Context, dispatch.ChannelConfig) (fcm.MessagingClient, error) {
				return nil, errors.New("bad service account")
			}))

		_, err := driver.Create(ctx, dispatch.ChannelConfig{Key: "not-json"})

		assert.ErrorIs(t, err, dispatch.ErrInvalidCredentials)
	})

	t.Run("Success - builds a token client", func(t *testing.T) {
		var gotKey string
		driver := fcm.NewDriver(newTestLogger(), fcm.WithMessagingFactory(
			func(_ context.Context, cfg dispatch.ChannelConfig) (fcm.MessagingClient, error) {
				gotKey = cfg.Key
				return new(MockClient), nil
			}))

		client, err := driver.Create(ctx, dispatch.ChannelConfig{Key: "{}"})

		require.NoError(t, err)
		assert.Equal(t, dispatch.ChannelToken, client.Channel())
		assert.Equal(t, dispatch.ChannelToken, driver.Channel())
		assert.Equal(t, "{}", gotKey)
	})
}
