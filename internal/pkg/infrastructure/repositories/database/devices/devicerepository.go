package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func NewDeviceRepository(db *gorm.DB) (DeviceRepository, error) {
	err := db.AutoMigrate(&Device{})
	if err != nil {
		return nil, err
	}

	return &deviceRepository{
		db: db,
	}, nil
}

type DeviceRepository interface {
	// UpsertOnContact registers the device if it is unknown and marks it as online.
	// The returned bool is true if the device was created by this call.
	UpsertOnContact(ctx context.Context, hardwareID, name string, at time.Time) (types.Device, bool, error)
	// MarkOffline flips a device offline if it has not been seen since seenBefore.
	// The returned bool is false if the device was already offline or has been seen since.
	MarkOffline(ctx context.Context, hardwareID string, seenBefore, at time.Time) (bool, error)
	ApplyStatus(ctx context.Context, hardwareID string, delta map[string]any, at time.Time) (map[string]any, types.Device, error)

	Create(ctx context.Context, hardwareID, name string, config map[string]any) (types.Device, bool, error)

	GetByHardwareID(ctx context.Context, hardwareID string) (types.Device, error)
	GetOnlineNotSeenSince(ctx context.Context, cutoff time.Time) ([]types.Device, error)
	Query(ctx context.Context, online *bool) ([]types.Device, error)
}

var ErrDeviceNotFound = fmt.Errorf("device %w", types.ErrNotFound)
var ErrRepositoryError = fmt.Errorf("could not fetch data from repository")

type deviceRepository struct {
	db *gorm.DB
}

// latest keeps the liveness clock from moving backwards when contacts are committed out of order
func latest(at time.Time) clause.Expr {
	return gorm.Expr("CASE WHEN updated_at < ? THEN ? ELSE updated_at END", at, at)
}

func (d *deviceRepository) UpsertOnContact(ctx context.Context, hardwareID, name string, at time.Time) (types.Device, bool, error) {
	cfg := types.DefaultConfig()
	cfg["auto_registered"] = true

	device := Device{
		UUID:       uuid.NewString(),
		HardwareID: hardwareID,
		Name:       name,
		Config:     cfg,
		Status:     types.DefaultStatus(),
		Online:     true,
	}
	device.CreatedAt = at
	device.UpdatedAt = at

	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hardware_id"}},
		DoNothing: true,
	}).Create(&device)
	if result.Error != nil {
		return types.Device{}, false, result.Error
	}

	if result.RowsAffected == 1 {
		return device.toType(), true, nil
	}

	// a soft deleted device that makes contact again is brought back to life
	result = d.db.WithContext(ctx).Unscoped().Model(&Device{}).
		Where("hardware_id = ?", hardwareID).
		Updates(map[string]any{
			"online":     true,
			"updated_at": latest(at),
			"deleted_at": nil,
		})
	if result.Error != nil {
		return types.Device{}, false, result.Error
	}

	existing, err := d.GetByHardwareID(ctx, hardwareID)
	return existing, false, err
}

func (d *deviceRepository) MarkOffline(ctx context.Context, hardwareID string, seenBefore, at time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Device{}).
		Where("hardware_id = ? AND online = ? AND updated_at < ?", hardwareID, true, seenBefore).
		Updates(map[string]any{
			"online":     false,
			"updated_at": latest(at),
		})
	if result.Error != nil {
		return false, result.Error
	}

	if result.RowsAffected == 0 {
		_, err := d.GetByHardwareID(ctx, hardwareID)
		return false, err
	}

	return true, nil
}

func (d *deviceRepository) ApplyStatus(ctx context.Context, hardwareID string, delta map[string]any, at time.Time) (map[string]any, types.Device, error) {
	var previous map[string]any
	var device Device

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if database.IsPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		result := query.Where("hardware_id = ?", hardwareID).First(&device)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return result.Error
		}

		previous = copyMap(device.Status)
		merged := merge(device.Status, delta)

		result = tx.Model(&device).Updates(map[string]any{
			"status":     datatypes.JSONMap(merged),
			"online":     true,
			"updated_at": latest(at),
		})
		if result.Error != nil {
			return result.Error
		}

		return tx.First(&device, device.ID).Error
	})
	if err != nil {
		return nil, types.Device{}, err
	}

	return previous, device.toType(), nil
}

func (d *deviceRepository) Create(ctx context.Context, hardwareID, name string, config map[string]any) (types.Device, bool, error) {
	device := Device{
		UUID:       uuid.NewString(),
		HardwareID: hardwareID,
		Name:       name,
		Config:     merge(types.DefaultConfig(), config),
		Status:     types.DefaultStatus(),
		Online:     false,
	}

	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hardware_id"}},
		DoNothing: true,
	}).Create(&device)
	if result.Error != nil {
		return types.Device{}, false, result.Error
	}

	if result.RowsAffected == 0 {
		existing, err := d.GetByHardwareID(ctx, hardwareID)
		return existing, false, err
	}

	return device.toType(), true, nil
}

func (d *deviceRepository) GetByHardwareID(ctx context.Context, hardwareID string) (types.Device, error) {
	logger := logging.GetFromContext(ctx)

	var device = Device{}

	result := d.db.WithContext(ctx).Where(&Device{HardwareID: hardwareID}).First(&device)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Device{}, ErrDeviceNotFound
		}

		logger.Error().Err(result.Error).Msg("gorm error")

		return types.Device{}, ErrRepositoryError
	}

	return device.toType(), nil
}

func (d *deviceRepository) GetOnlineNotSeenSince(ctx context.Context, cutoff time.Time) ([]types.Device, error) {
	var devices []Device

	result := d.db.WithContext(ctx).
		Where("online = ? AND updated_at < ?", true, cutoff).
		Order("updated_at ASC").
		Find(&devices)
	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(devices, func(d Device, _ int) types.Device { return d.toType() }), nil
}

func (d *deviceRepository) Query(ctx context.Context, online *bool) ([]types.Device, error) {
	var devices []Device

	query := d.db.WithContext(ctx)
	if online != nil {
		query = query.Where("online = ?", *online)
	}

	result := query.Order("hardware_id ASC").Find(&devices)
	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(devices, func(d Device, _ int) types.Device { return d.toType() }), nil
}
