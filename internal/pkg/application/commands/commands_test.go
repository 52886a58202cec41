package commands

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/dispatch"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/notifications"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database"
	repository "github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/devices"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/matryer/is"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func TestEnqueueRejectsUnknownDevice(t *testing.T) {
	is, ctx, f := testSetup(t)

	_, err := f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, types.DefaultPriority, 0)
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestEnqueueValidatesCommandAndPriority(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	_, err := f.svc.Enqueue(ctx, "ESP32_FRONT_01", "open_sesame", nil, types.DefaultPriority, 0)
	is.True(errors.Is(err, types.ErrValidation))

	_, err = f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, types.MaxPriority+1, 0)
	is.True(errors.Is(err, types.ErrValidation))

	_, err = f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, -1, 0)
	is.True(errors.Is(err, types.ErrValidation))

	pending, err := f.svc.Query(ctx, "ESP32_FRONT_01", "", 0)
	is.NoErr(err)
	is.Equal(0, len(pending))
}

func TestEnqueueLogsAndWaitsForPoll(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	cmd, err := f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, map[string]any{"duration": 5}, types.DefaultPriority, 0)
	is.NoErr(err)
	is.Equal(types.CommandStatusPending, cmd.Status)
	is.Equal(types.DefaultMaxRetries, cmd.MaxRetries)

	entries, err := f.activity.Recent(ctx, "ESP32_FRONT_01", 10)
	is.NoErr(err)
	is.Equal(1, len(entries))
	is.Equal(types.EventCommand, entries[0].EventType)
	is.Equal("queued", entries[0].Data["status"])

	fromDb, err := f.svc.Get(ctx, cmd.ID)
	is.NoErr(err)
	is.Equal(types.CommandStatusPending, fromDb.Status)
}

func TestEnqueueWithMaxRetries(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	_, err := f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, types.DefaultPriority, types.MaxRetriesLimit+1)
	is.True(errors.Is(err, ErrInvalidMaxRetries))

	_, err = f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, types.DefaultPriority, -1)
	is.True(errors.Is(err, types.ErrValidation))

	cmd, err := f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, types.DefaultPriority, 1)
	is.NoErr(err)
	is.Equal(1, cmd.MaxRetries)

	_, err = f.dispatcher.Poll(ctx, "ESP32_FRONT_01")
	is.NoErr(err)

	f.advance(61 * time.Second)
	is.NoErr(f.svc.Reclaim(ctx))

	// a single missed acknowledgment is enough to give up
	fromDb, err := f.svc.Get(ctx, cmd.ID)
	is.NoErr(err)
	is.Equal(types.CommandStatusFailed, fromDb.Status)
	is.Equal(1, fromDb.RetryCount)
}

func TestEnqueuePushesToConnectedDevice(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	sender := &dispatch.SenderMock{
		SendCommandFunc: func(ctx context.Context, msg types.CommandMessage) error { return nil },
		CloseFunc:       func() error { return nil },
	}
	f.connections.Register("ESP32_FRONT_01", sender, time.Now())

	cmd, err := f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandLock, nil, types.DefaultPriority, 0)
	is.NoErr(err)

	is.Equal(1, len(sender.SendCommandCalls()))
	is.Equal(cmd.ID, sender.SendCommandCalls()[0].Msg.CommandID)

	fromDb, _ := f.svc.Get(ctx, cmd.ID)
	is.Equal(types.CommandStatusSent, fromDb.Status)
}

func TestForceSyncUsesStoredLockState(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	_, _, err := f.devices.ApplyStatus(ctx, "ESP32_FRONT_01", map[string]any{"is_locked": false})
	is.NoErr(err)

	cmd, err := f.svc.ForceSync(ctx, "ESP32_FRONT_01")
	is.NoErr(err)
	is.Equal(types.CommandSync, cmd.Command)
	is.Equal(types.ForceSyncPriority, cmd.Priority)
	is.Equal(false, cmd.Payload["is_locked"])
}

func TestCommandFailsAfterThreeDeliveryTimeouts(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	registered := len(f.notifier.NotifyCalls())

	cmd, err := f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, types.DefaultPriority, 0)
	is.NoErr(err)

	for i := 1; i <= 3; i++ {
		delivery, err := f.dispatcher.Poll(ctx, "ESP32_FRONT_01")
		is.NoErr(err)
		is.Equal(cmd.ID, delivery.Command.ID)

		f.advance(61 * time.Second)
		is.NoErr(f.svc.Reclaim(ctx))

		fromDb, err := f.svc.Get(ctx, cmd.ID)
		is.NoErr(err)
		is.Equal(i, fromDb.RetryCount)

		if i < 3 {
			is.Equal(types.CommandStatusPending, fromDb.Status)
			is.Equal(registered, len(f.notifier.NotifyCalls()))
		} else {
			is.Equal(types.CommandStatusFailed, fromDb.Status)
			is.Equal("delivery timeout", fromDb.Response["error"])
		}
	}

	_, err = f.dispatcher.Poll(ctx, "ESP32_FRONT_01")
	is.True(errors.Is(err, repository.ErrNoPendingCommand))

	is.Equal(registered+1, len(f.notifier.NotifyCalls()))
	failed, ok := f.notifier.NotifyCalls()[registered].Event.(*types.CommandFailed)
	is.True(ok)
	is.Equal(cmd.ID, failed.CommandID)
	is.Equal(3, failed.RetryCount)

	entries, err := f.activity.Recent(ctx, "ESP32_FRONT_01", 1)
	is.NoErr(err)
	is.Equal(types.CommandStatusFailed, entries[0].Data["status"])
	is.Equal("delivery timeout", entries[0].Data["error"])
}

func TestReclaimLeavesFreshCommandsAlone(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	cmd, _ := f.svc.Enqueue(ctx, "ESP32_FRONT_01", types.CommandUnlock, nil, types.DefaultPriority, 0)
	_, err := f.dispatcher.Poll(ctx, "ESP32_FRONT_01")
	is.NoErr(err)

	f.advance(10 * time.Second)
	is.NoErr(f.svc.Reclaim(ctx))

	fromDb, _ := f.svc.Get(ctx, cmd.ID)
	is.Equal(types.CommandStatusSent, fromDb.Status)
	is.Equal(0, fromDb.RetryCount)
}

func TestCommandRequestedHandler(t *testing.T) {
	is, ctx, f := testSetup(t)
	f.contact(ctx, "ESP32_FRONT_01")

	body, _ := json.Marshal(types.CommandRequested{HardwareID: "ESP32_FRONT_01", Command: types.CommandLock})

	handler := NewCommandRequestedHandler(f.svc)
	handler(ctx, amqp.Delivery{Body: body, RoutingKey: "lock.command.requested"}, zerolog.Nop())

	queued, err := f.svc.Query(ctx, "ESP32_FRONT_01", types.CommandStatusPending, 0)
	is.NoErr(err)
	is.Equal(1, len(queued))
	is.Equal(types.CommandLock, queued[0].Command)
	is.Equal(types.DefaultPriority, queued[0].Priority)
	is.Equal(types.DefaultMaxRetries, queued[0].MaxRetries)

	body, _ = json.Marshal(types.CommandRequested{HardwareID: "ESP32_FRONT_01", Command: types.CommandUnlock, MaxRetries: 5})
	handler(ctx, amqp.Delivery{Body: body, RoutingKey: "lock.command.requested"}, zerolog.Nop())

	queued, _ = f.svc.Query(ctx, "ESP32_FRONT_01", types.CommandStatusPending, 0)
	is.Equal(2, len(queued))
	is.Equal(types.CommandUnlock, queued[0].Command)
	is.Equal(5, queued[0].MaxRetries)

	// malformed and invalid requests are dropped
	handler(ctx, amqp.Delivery{Body: []byte("{"), RoutingKey: "lock.command.requested"}, zerolog.Nop())
	body, _ = json.Marshal(types.CommandRequested{HardwareID: "UNKNOWN", Command: types.CommandLock})
	handler(ctx, amqp.Delivery{Body: body, RoutingKey: "lock.command.requested"}, zerolog.Nop())

	queued, _ = f.svc.Query(ctx, "", "", 0)
	is.Equal(2, len(queued))
}

type reclaimCounter struct {
	CommandService
	calls atomic.Int32
}

func (r *reclaimCounter) Reclaim(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

func TestReclaimerRunsUntilStopped(t *testing.T) {
	is := is.New(t)

	svc := &reclaimCounter{}
	r := &reclaimer{svc: svc, interval: 10 * time.Millisecond, done: make(chan bool)}

	r.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for svc.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	is.True(svc.calls.Load() >= 2)

	r.Stop()
	r.Stop()

	time.Sleep(30 * time.Millisecond)
	stopped := svc.calls.Load()
	time.Sleep(50 * time.Millisecond)
	is.Equal(stopped, svc.calls.Load())
}

type fixture struct {
	svc         CommandService
	devices     devicemanagement.DeviceManagement
	dispatcher  dispatch.Dispatcher
	connections *dispatch.Connections
	activity    activitylog.Log
	notifier    *notifications.NotifierMock
	offset      time.Duration
}

func (f *fixture) contact(ctx context.Context, hardwareID string) {
	if _, _, err := f.devices.Contact(ctx, hardwareID); err != nil {
		panic(err)
	}
}

// advance moves the reclaim clock forward relative to the wall clock used when claiming.
func (f *fixture) advance(d time.Duration) {
	f.offset = d
}

func testSetup(t *testing.T) (*is.I, context.Context, *fixture) {
	is := is.New(t)
	ctx := context.Background()

	db, err := database.NewSQLiteConnector(ctx)()
	is.NoErr(err)

	deviceRepo, err := devices.NewDeviceRepository(db)
	is.NoErr(err)

	queue, err := repository.NewCommandRepository(db)
	is.NoErr(err)

	activity, err := activitylog.New(activitylog.Config{Path: filepath.Join(t.TempDir(), "activity.log")})
	is.NoErr(err)
	t.Cleanup(func() { activity.Close() })

	n := &notifications.NotifierMock{
		NotifyFunc: func(ctx context.Context, event notifications.Event) error { return nil },
	}

	dm, err := devicemanagement.New(deviceRepo, n, nil)
	is.NoErr(err)

	f := &fixture{
		devices:     dm,
		connections: dispatch.NewConnections(),
		activity:    activity,
		notifier:    n,
	}
	f.dispatcher = dispatch.New(queue, f.connections, dispatch.NewSigner("secret"))

	svc := New(queue, dm, f.dispatcher, activity, n, Config{})
	svc.(*service).now = func() time.Time { return time.Now().UTC().Add(f.offset) }
	f.svc = svc

	return is, ctx, f
}
