package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/matryer/is"
)

func TestRegisterSupersedesPreviousConnection(t *testing.T) {
	is := is.New(t)
	c := NewConnections()

	first := newSender()
	second := newSender()

	is.True(!c.Register("dev", first, time.Now()))
	is.True(c.Register("dev", second, time.Now()))
	is.Equal(1, len(first.CloseCalls()))
	is.Equal(1, c.Count())

	// the superseded connection closing must not remove the new one
	is.True(!c.Deregister("dev", first))
	conn, ok := c.Get("dev")
	is.True(ok)
	is.Equal(Sender(second), conn.sender)

	is.True(c.Deregister("dev", second))
	is.Equal(0, c.Count())
}

func TestRegisterSameSenderTwiceIsNoop(t *testing.T) {
	is := is.New(t)
	c := NewConnections()
	s := newSender()

	c.Register("dev", s, time.Now())
	is.True(!c.Register("dev", s, time.Now()))
	is.Equal(0, len(s.CloseCalls()))
	is.Equal(1, c.Count())
}

func TestSignAndVerify(t *testing.T) {
	is := is.New(t)

	signer := NewSigner("secret")
	msg := signer.Message(types.Command{ID: 7, Command: types.CommandUnlock, Payload: map[string]any{"b": 1, "a": 2}}, time.Unix(1700000000, 0))

	is.True(msg.Signature != "")
	is.True(signer.Verify(msg))

	tampered := msg
	tampered.Command = types.CommandLock
	is.True(!signer.Verify(tampered))

	is.True(!NewSigner("other").Verify(msg))
}

func TestUnsignedWhenNoSecretIsConfigured(t *testing.T) {
	is := is.New(t)

	msg := NewSigner("").Message(types.Command{ID: 1, Command: types.CommandLock}, time.Now())
	is.Equal("", msg.Signature)
}

func TestDispatchPushesToConnectedDevice(t *testing.T) {
	is, ctx, queue := testSetup(t)

	connections := NewConnections()
	d := New(queue, connections, NewSigner("secret"))

	queue.Enqueue(ctx, "dev", types.CommandUnlock, nil, 1, 3)
	queue.Enqueue(ctx, "dev", types.CommandLock, nil, 1, 3)

	// not connected, the command waits for a poll
	_, delivered, err := d.Dispatch(ctx, "dev")
	is.NoErr(err)
	is.True(!delivered)

	s := newSender()
	connections.Register("dev", s, time.Now())

	delivery, delivered, err := d.Dispatch(ctx, "dev")
	is.NoErr(err)
	is.True(delivered)
	is.Equal(types.CommandUnlock, delivery.Command.Command)
	is.Equal(1, len(s.SendCommandCalls()))
	is.Equal(types.CommandUnlock, s.SendCommandCalls()[0].Msg.Command)

	// one command in flight at a time on the push channel
	_, delivered, err = d.Dispatch(ctx, "dev")
	is.NoErr(err)
	is.True(!delivered)
	is.Equal(1, len(s.SendCommandCalls()))
}

func TestPushTransmitFailureLeavesCommandSent(t *testing.T) {
	is, ctx, queue := testSetup(t)

	connections := NewConnections()
	s := &SenderMock{
		SendCommandFunc: func(ctx context.Context, msg types.CommandMessage) error { return errors.New("broken pipe") },
		CloseFunc:       func() error { return nil },
	}
	connections.Register("dev", s, time.Now())

	c, _ := queue.Enqueue(ctx, "dev", types.CommandUnlock, nil, 1, 3)

	_, delivered, err := New(queue, connections, NewSigner("")).Dispatch(ctx, "dev")
	is.True(errors.Is(err, ErrTransmitFailed))
	is.True(!delivered)

	fromDb, _ := queue.GetByID(ctx, c.ID)
	is.Equal(types.CommandStatusSent, fromDb.Status)
}

func TestPollReturnsNextCommandOrNone(t *testing.T) {
	is, ctx, queue := testSetup(t)

	d := New(queue, NewConnections(), NewSigner(""))

	_, err := d.Poll(ctx, "dev")
	is.True(errors.Is(err, commands.ErrNoPendingCommand))

	queue.Enqueue(ctx, "dev", types.CommandUnlock, nil, types.DefaultPriority, 3)
	queue.Enqueue(ctx, "dev", types.CommandSync, map[string]any{"is_locked": true}, types.ForceSyncPriority, 3)

	delivery, err := d.Poll(ctx, "dev")
	is.NoErr(err)
	is.Equal(types.CommandSync, delivery.Message.Command)
	is.Equal(delivery.Command.ID, delivery.Message.CommandID)
	is.Equal(types.CommandStatusSent, delivery.Command.Status)
}

func TestPollDoesNotClaimWhileCommandAwaitsAck(t *testing.T) {
	is, ctx, queue := testSetup(t)

	d := New(queue, NewConnections(), NewSigner(""))

	first, _ := queue.Enqueue(ctx, "dev", types.CommandUnlock, nil, types.DefaultPriority, 3)
	second, _ := queue.Enqueue(ctx, "dev", types.CommandLock, nil, types.DefaultPriority, 3)

	delivery, err := d.Poll(ctx, "dev")
	is.NoErr(err)
	is.Equal(first.ID, delivery.Command.ID)

	_, err = d.Poll(ctx, "dev")
	is.True(errors.Is(err, commands.ErrNoPendingCommand))

	sent, err := queue.Query(ctx, "dev", types.CommandStatusSent, 10)
	is.NoErr(err)
	is.Equal(1, len(sent))

	_, err = queue.Resolve(ctx, first.ID, types.CommandStatusCompleted, nil, time.Now())
	is.NoErr(err)

	delivery, err = d.Poll(ctx, "dev")
	is.NoErr(err)
	is.Equal(second.ID, delivery.Command.ID)
}

func TestPushAndPollShareTheInFlightLimit(t *testing.T) {
	is, ctx, queue := testSetup(t)

	connections := NewConnections()
	d := New(queue, connections, NewSigner(""))

	queue.Enqueue(ctx, "dev", types.CommandUnlock, nil, types.DefaultPriority, 3)
	queue.Enqueue(ctx, "dev", types.CommandLock, nil, types.DefaultPriority, 3)

	_, err := d.Poll(ctx, "dev")
	is.NoErr(err)

	s := newSender()
	connections.Register("dev", s, time.Now())

	_, delivered, err := d.Dispatch(ctx, "dev")
	is.NoErr(err)
	is.True(!delivered)
	is.Equal(0, len(s.SendCommandCalls()))
}

func newSender() *SenderMock {
	return &SenderMock{
		SendCommandFunc: func(ctx context.Context, msg types.CommandMessage) error { return nil },
		CloseFunc:       func() error { return nil },
	}
}

func testSetup(t *testing.T) (*is.I, context.Context, commands.CommandRepository) {
	is := is.New(t)
	ctx := context.Background()

	db, err := database.NewSQLiteConnector(ctx)()
	is.NoErr(err)

	queue, err := commands.NewCommandRepository(db)
	is.NoErr(err)

	return is, ctx, queue
}
