// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// SendRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw message payload into a dispatch.SendRequest.
func SendRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.SendRequest, bool, error) {
	var req dispatch.SendRequest

	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		// skip=true lets the StreamingService handle the Nack/DLQ logic.
		return nil, true, fmt.Errorf("failed to unmarshal send request from message %s: %w", msg.ID, err)
	}
	if _, err := req.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid send request in message %s: %w", msg.ID, err)
	}

	return &req, false, nil
}
