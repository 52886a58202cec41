package commands

import (
	"context"
	"encoding/json"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func RegisterTopicMessageHandler(messenger messaging.MsgContext, svc CommandService) {
	req := types.CommandRequested{}
	messenger.RegisterTopicMessageHandler(req.TopicName(), NewCommandRequestedHandler(svc))
}

// NewCommandRequestedHandler enqueues commands that are requested over the message bus.
func NewCommandRequestedHandler(svc CommandService) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		req := types.CommandRequested{}

		err := json.Unmarshal(msg.Body, &req)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		logger = logger.With().Str("hardware_id", req.HardwareID).Logger()

		priority := req.Priority
		if priority == 0 {
			priority = types.DefaultPriority
		}

		cmd, err := svc.Enqueue(ctx, req.HardwareID, req.Command, req.Payload, priority, req.MaxRetries)
		if err != nil {
			logger.Error().Err(err).Str("kind", types.ErrorKind(err)).Msg("could not enqueue requested command")
			return
		}

		logger.Debug().Uint("command_id", cmd.ID).Msg("enqueued requested command")
	}
}
