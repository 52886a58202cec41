package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
)

var ErrNotConnected = fmt.Errorf("device has no live push connection")
var ErrTransmitFailed = fmt.Errorf("failed to transmit command")

type Delivery struct {
	Command types.Command
	Message types.CommandMessage
}

// DeliveryChannel hands the next queued command for a device over to the device.
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, hardwareID string) (Delivery, error)
}

type PollChannel struct {
	queue  commands.CommandRepository
	signer *Signer
	now    func() time.Time
}

func NewPollChannel(queue commands.CommandRepository, signer *Signer) *PollChannel {
	return &PollChannel{
		queue:  queue,
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *PollChannel) Name() string {
	return "poll"
}

// Deliver claims the next command for the device. The caller is responsible for
// returning it in the response to the poll request. Nothing is claimed while an
// earlier command is still awaiting acknowledgment.
func (p *PollChannel) Deliver(ctx context.Context, hardwareID string) (Delivery, error) {
	now := p.now()

	cmd, err := p.queue.ClaimNext(ctx, hardwareID, now)
	if err != nil {
		return Delivery{}, err
	}

	return Delivery{Command: cmd, Message: p.signer.Message(cmd, now)}, nil
}

type PushChannel struct {
	queue       commands.CommandRepository
	connections *Connections
	signer      *Signer
	now         func() time.Time
}

func NewPushChannel(queue commands.CommandRepository, connections *Connections, signer *Signer) *PushChannel {
	return &PushChannel{
		queue:       queue,
		connections: connections,
		signer:      signer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *PushChannel) Name() string {
	return "push"
}

// Deliver claims the next command for a connected device and writes it to the
// connection. A command that fails to transmit stays sent and is picked up by the
// stale command sweep.
func (p *PushChannel) Deliver(ctx context.Context, hardwareID string) (Delivery, error) {
	conn, ok := p.connections.Get(hardwareID)
	if !ok {
		return Delivery{}, ErrNotConnected
	}

	conn.delivering.Lock()
	defer conn.delivering.Unlock()

	now := p.now()

	cmd, err := p.queue.ClaimNext(ctx, hardwareID, now)
	if err != nil {
		return Delivery{}, err
	}

	d := Delivery{Command: cmd, Message: p.signer.Message(cmd, now)}

	if err = conn.sender.SendCommand(ctx, d.Message); err != nil {
		return d, fmt.Errorf("%w %d to %s: %s", ErrTransmitFailed, cmd.ID, hardwareID, err.Error())
	}

	return d, nil
}
