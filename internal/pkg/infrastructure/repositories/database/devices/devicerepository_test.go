package devices

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/matryer/is"
)

func TestUpsertOnContactRegistersUnknownDeviceOnlyOnce(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)
	now := time.Now().UTC()

	device, created, err := r.UpsertOnContact(ctx, "ESP32_FRONT_07", "Front Door Lock 07", now)
	is.NoErr(err)
	is.True(created)
	is.True(device.Online)
	is.Equal("Front Door Lock 07", device.Name)
	is.Equal(true, device.Config["auto_registered"])

	device, created, err = r.UpsertOnContact(ctx, "ESP32_FRONT_07", "should not be used", now.Add(time.Second))
	is.NoErr(err)
	is.True(!created)
	is.Equal("Front Door Lock 07", device.Name)

	all, err := r.Query(ctx, nil)
	is.NoErr(err)
	is.Equal(1, len(all))
}

func TestUpsertOnContactNeverMovesLivenessClockBackwards(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)
	now := time.Now().UTC()

	_, _, err := r.UpsertOnContact(ctx, "ESP32_TEST_001", "Test Lock 001", now)
	is.NoErr(err)

	device, _, err := r.UpsertOnContact(ctx, "ESP32_TEST_001", "", now.Add(-time.Minute))
	is.NoErr(err)
	is.True(device.Online)
	is.True(device.UpdatedAt.Equal(now))
}

func TestMarkOfflineIsGuardedByLastContact(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)
	now := time.Now().UTC()

	_, _, err := r.UpsertOnContact(ctx, "ESP32_MAIN_001", "Main Entrance 001", now)
	is.NoErr(err)

	changed, err := r.MarkOffline(ctx, "ESP32_MAIN_001", now.Add(-time.Second), now)
	is.NoErr(err)
	is.True(!changed)

	changed, err = r.MarkOffline(ctx, "ESP32_MAIN_001", now.Add(time.Second), now.Add(time.Second))
	is.NoErr(err)
	is.True(changed)

	changed, err = r.MarkOffline(ctx, "ESP32_MAIN_001", now.Add(time.Hour), now.Add(time.Hour))
	is.NoErr(err)
	is.True(!changed) // already offline

	device, err := r.GetByHardwareID(ctx, "ESP32_MAIN_001")
	is.NoErr(err)
	is.True(!device.Online)
}

func TestMarkOfflineUnknownDevice(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)

	_, err := r.MarkOffline(ctx, "nope", time.Now(), time.Now())
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestContactAfterOfflineBringsDeviceBackOnline(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)
	now := time.Now().UTC()

	r.UpsertOnContact(ctx, "ESP32_MAIN_001", "Main Entrance 001", now)
	r.MarkOffline(ctx, "ESP32_MAIN_001", now.Add(time.Second), now.Add(time.Second))

	device, created, err := r.UpsertOnContact(ctx, "ESP32_MAIN_001", "", now.Add(2*time.Second))
	is.NoErr(err)
	is.True(!created)
	is.True(device.Online)
}

func TestApplyStatusMergesDelta(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)
	now := time.Now().UTC()

	r.UpsertOnContact(ctx, "ESP32_STORAGE_001", "Storage Room 001", now)

	previous, device, err := r.ApplyStatus(ctx, "ESP32_STORAGE_001", map[string]any{"is_locked": false}, now.Add(time.Second))
	is.NoErr(err)
	is.Equal(true, previous["is_locked"])
	is.Equal(false, device.Status["is_locked"])
	is.Equal(float64(100), device.Status["battery_level"])
	is.True(device.UpdatedAt.Equal(now.Add(time.Second)))
}

func TestApplyStatusUnknownDevice(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)

	_, _, err := r.ApplyStatus(ctx, "nope", map[string]any{"is_locked": false}, time.Now())
	is.True(errors.Is(err, ErrDeviceNotFound))
}

func TestGetOnlineNotSeenSince(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)
	now := time.Now().UTC()

	r.UpsertOnContact(ctx, "old", "old", now.Add(-10*time.Minute))
	r.UpsertOnContact(ctx, "fresh", "fresh", now)

	stale, err := r.GetOnlineNotSeenSince(ctx, now.Add(-5*time.Minute))
	is.NoErr(err)
	is.Equal(1, len(stale))
	is.Equal("old", stale[0].HardwareID)
}

func TestCreateIsIdempotentWithAutoRegistration(t *testing.T) {
	is, ctx, r := testSetupDeviceRepository(t)

	_, _, err := r.UpsertOnContact(ctx, "ESP32_WH_GATE_001", "Warehouse Gate 001", time.Now().UTC())
	is.NoErr(err)

	device, created, err := r.Create(ctx, "ESP32_WH_GATE_001", "Gate", map[string]any{"auto_lock_delay": 60})
	is.NoErr(err)
	is.True(!created)
	is.Equal("Warehouse Gate 001", device.Name)

	device, created, err = r.Create(ctx, "ESP32_CONF_A01", "Conference Room A", map[string]any{"auto_lock_delay": 60})
	is.NoErr(err)
	is.True(created)
	is.True(!device.Online)
	is.Equal(60, device.Config["auto_lock_delay"])
}

func testSetupDeviceRepository(t *testing.T) (*is.I, context.Context, DeviceRepository) {
	is := is.New(t)
	ctx := context.Background()

	db, err := database.NewSQLiteConnector(ctx)()
	is.NoErr(err)

	r, err := NewDeviceRepository(db)
	is.NoErr(err)

	return is, ctx, r
}
