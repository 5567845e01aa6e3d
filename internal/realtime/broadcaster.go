package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/pkg/jobs"
)

// NewBroadcastHandler returns the queue handler that publishes persisted
// messages to their conversation topic. It runs strictly after the message
// insert committed; any failure here is logged by the queue and never
// reaches the sender.
func NewBroadcastHandler(hub *Hub, logger *zap.Logger) jobs.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(dto.BroadcastPayload)
		if !ok {
			return fmt.Errorf("unexpected broadcast payload %T", job.Payload)
		}
		hub.Publish(payload.Message.ConversationID, payload)
		logger.Debug("message broadcast",
			zap.String("conversation_id", payload.Message.ConversationID),
			zap.String("message_id", payload.Message.ID))
		return nil
	}
}
