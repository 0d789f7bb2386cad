package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func TestSendRequestTransformer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	testCases := []struct {
		name                  string
		payload               string
		expectError           bool
		expectedErrorContains string
	}{
		{
			name:    "Happy Path - Valid Request",
			payload: `{"channel":"android","device_ids":[" tok1 ","tok2"],"notification":{"title":"Hi"},"payload":{"x":1}}`,
		},
		{
			name:                  "Failure - Malformed JSON",
			payload:               "not-json",
			expectError:           true,
			expectedErrorContains: "failed to unmarshal send request",
		},
		{
			name:                  "Failure - Unknown Channel",
			payload:               `{"channel":"sms","device_ids":["tok1"]}`,
			expectError:           true,
			expectedErrorContains: "invalid send request",
		},
		{
			name:                  "Failure - No Devices",
			payload:               `{"channel":"ios","device_ids":[]}`,
			expectError:           true,
			expectedErrorContains: "invalid send request",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-1", Payload: []byte(tc.payload)},
			}

			req, skip, err := pipeline.SendRequestTransformer(ctx, msg)

			if tc.expectError {
				require.Error(t, err)
				assert.True(t, skip)
				assert.Contains(t, err.Error(), tc.expectedErrorContains)
				return
			}
			require.NoError(t, err)
			assert.False(t, skip)
			assert.Equal(t, []string{"tok1", "tok2"}, req.DeviceIDs)
			assert.Equal(t, "Hi", req.Notification.Title)
			assert.Equal(t, float64(1), req.Payload["x"])
		})
	}

	t.Run("Unsupported channel error keeps its kind", func(t *testing.T) {
		msg := &messagepipeline.Message{
			MessageData: messagepipeline.MessageData{ID: "msg-x", Payload: []byte(`{"channel":"sms","device_ids":["a"]}`)},
		}
		_, _, err := pipeline.SendRequestTransformer(ctx, msg)
		assert.ErrorIs(t, err, dispatch.ErrUnsupportedChannel)
	})
}
