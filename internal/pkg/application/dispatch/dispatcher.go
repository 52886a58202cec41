package dispatch

import (
	"context"
	"errors"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

type Dispatcher interface {
	// Dispatch pushes the next queued command to the device if it has a live push
	// connection. Devices without one will pick the command up when they poll.
	Dispatch(ctx context.Context, hardwareID string) (Delivery, bool, error)
	Poll(ctx context.Context, hardwareID string) (Delivery, error)
	Connections() *Connections
}

type dispatcher struct {
	push        DeliveryChannel
	poll        DeliveryChannel
	connections *Connections
}

func New(queue commands.CommandRepository, connections *Connections, signer *Signer) Dispatcher {
	return &dispatcher{
		push:        NewPushChannel(queue, connections, signer),
		poll:        NewPollChannel(queue, signer),
		connections: connections,
	}
}

func (d *dispatcher) Dispatch(ctx context.Context, hardwareID string) (Delivery, bool, error) {
	if _, connected := d.connections.Get(hardwareID); !connected {
		return Delivery{}, false, nil
	}

	delivery, err := d.push.Deliver(ctx, hardwareID)
	if err != nil {
		switch {
		case errors.Is(err, commands.ErrNoPendingCommand), errors.Is(err, ErrNotConnected):
			return Delivery{}, false, nil
		default:
			return delivery, false, err
		}
	}

	log := logging.GetFromContext(ctx)
	log.Debug().Str("hardware_id", hardwareID).Uint("command_id", delivery.Command.ID).Str("channel", d.push.Name()).Msg("command delivered")

	return delivery, true, nil
}

func (d *dispatcher) Poll(ctx context.Context, hardwareID string) (Delivery, error) {
	return d.poll.Deliver(ctx, hardwareID)
}

func (d *dispatcher) Connections() *Connections {
	return d.connections
}
