package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/notifications"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/devices"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/matryer/is"
)

func TestDeviceStaysOnlineUntilTimeoutElapses(t *testing.T) {
	is, ctx, w, f := testSetup(t)
	dm, activity, n := f.dm, f.activity, f.notifier

	_, _, err := dm.Contact(ctx, "ESP32_FRONT_07")
	is.NoErr(err)
	heardAt := time.Now().UTC()
	registered := len(n.NotifyCalls())

	count, err := w.checkDevices(ctx, heardAt.Add(299*time.Second))
	is.NoErr(err)
	is.Equal(0, count)

	device, _ := dm.GetDevice(ctx, "ESP32_FRONT_07")
	is.True(device.Online)

	count, err = w.checkDevices(ctx, heardAt.Add(301*time.Second))
	is.NoErr(err)
	is.Equal(1, count)

	device, _ = dm.GetDevice(ctx, "ESP32_FRONT_07")
	is.True(!device.Online)

	is.Equal(registered+1, len(n.NotifyCalls()))
	offline, ok := n.NotifyCalls()[registered].Event.(*types.DeviceWentOffline)
	is.True(ok)
	is.Equal("ESP32_FRONT_07", offline.HardwareID)
	is.Equal("Front Door Lock 07", offline.Name)

	entries, err := activity.Recent(ctx, "ESP32_FRONT_07", 1)
	is.NoErr(err)
	is.Equal(types.EventStatusUpdate, entries[0].EventType)
	is.Equal("heartbeat timeout", entries[0].Data["reason"])
	is.True(*entries[0].StateChanged)

	// only reported once
	count, err = w.checkDevices(ctx, heardAt.Add(400*time.Second))
	is.NoErr(err)
	is.Equal(0, count)
	is.Equal(registered+1, len(n.NotifyCalls()))
}

func TestOnlySilentDevicesAreMarkedOffline(t *testing.T) {
	is, ctx, w, f := testSetup(t)

	now := time.Now().UTC()

	_, _, err := f.repo.UpsertOnContact(ctx, "ESP32_FRONT_01", "Front Door Lock 01", now.Add(-10*time.Minute))
	is.NoErr(err)
	_, _, err = f.repo.UpsertOnContact(ctx, "ESP32_FRONT_02", "Front Door Lock 02", now.Add(-1*time.Minute))
	is.NoErr(err)

	count, err := w.checkDevices(ctx, now)
	is.NoErr(err)
	is.Equal(1, count)

	online := true
	stillOnline, err := f.dm.GetDevices(ctx, &online)
	is.NoErr(err)
	is.Equal(1, len(stillOnline))
	is.Equal("ESP32_FRONT_02", stillOnline[0].HardwareID)
}

func TestWatchdogMarksSilentDeviceOfflineWithinOneCycle(t *testing.T) {
	is, ctx, w, f := testSetup(t)
	dm := f.dm

	w.interval = 20 * time.Millisecond
	w.timeout = 100 * time.Millisecond

	dm.Contact(ctx, "ESP32_FRONT_01")

	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		device, err := dm.GetDevice(ctx, "ESP32_FRONT_01")
		is.NoErr(err)
		if !device.Online {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("device was never marked offline")
}

type fixture struct {
	repo     devices.DeviceRepository
	dm       devicemanagement.DeviceManagement
	activity activitylog.Log
	notifier *notifications.NotifierMock
}

func testSetup(t *testing.T) (*is.I, context.Context, *watchdog, *fixture) {
	is := is.New(t)
	ctx := context.Background()

	db, err := database.NewSQLiteConnector(ctx)()
	is.NoErr(err)

	repo, err := devices.NewDeviceRepository(db)
	is.NoErr(err)

	n := &notifications.NotifierMock{
		NotifyFunc: func(ctx context.Context, event notifications.Event) error { return nil },
	}

	dm, err := devicemanagement.New(repo, n, nil)
	is.NoErr(err)

	activity, err := activitylog.New(activitylog.Config{Path: filepath.Join(t.TempDir(), "activity.log")})
	is.NoErr(err)
	t.Cleanup(func() { activity.Close() })

	w := New(dm, activity, n, Config{}).(*watchdog)

	return is, ctx, w, &fixture{repo: repo, dm: dm, activity: activity, notifier: n}
}
