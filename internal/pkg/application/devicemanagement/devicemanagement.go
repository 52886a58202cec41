package devicemanagement

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/notifications"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/devices"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"gopkg.in/yaml.v2"
)

var ErrInvalidHardwareID = fmt.Errorf("hardware id must be 1-64 characters of [A-Za-z0-9_-:.]: %w", types.ErrValidation)

var hardwareIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,64}$`)

func ValidateHardwareID(hardwareID string) error {
	if !hardwareIDPattern.MatchString(hardwareID) {
		return ErrInvalidHardwareID
	}
	return nil
}

type DeviceManagement interface {
	// Contact records inbound traffic from a device, registering it if it is unknown.
	Contact(ctx context.Context, hardwareID string) (types.Device, bool, error)
	MarkOffline(ctx context.Context, hardwareID string, seenBefore time.Time) (bool, error)
	ApplyStatus(ctx context.Context, hardwareID string, delta map[string]any) (map[string]any, types.Device, error)

	Register(ctx context.Context, hardwareID, name string, config map[string]any) (types.Device, bool, error)

	GetDevice(ctx context.Context, hardwareID string) (types.Device, error)
	GetDevices(ctx context.Context, online *bool) ([]types.Device, error)
	GetOnlineNotSeenSince(ctx context.Context, cutoff time.Time) ([]types.Device, error)

	Seed(ctx context.Context, devices io.Reader) error
}

type DeviceManagementConfig struct {
	Naming []NameMapping `yaml:"naming"`
}

func NewConfig(config io.ReadCloser) (*DeviceManagementConfig, error) {
	defer config.Close()

	b, err := io.ReadAll(config)
	if err != nil {
		return nil, err
	}

	cfg := &DeviceManagementConfig{}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

type service struct {
	repo     devices.DeviceRepository
	notifier notifications.Notifier
	namer    *namer
	now      func() time.Time
}

func New(repo devices.DeviceRepository, notifier notifications.Notifier, config *DeviceManagementConfig) (DeviceManagement, error) {
	mappings := DefaultNaming
	if config != nil && len(config.Naming) > 0 {
		mappings = append(append([]NameMapping{}, config.Naming...), DefaultNaming...)
	}

	n, err := newNamer(mappings)
	if err != nil {
		return nil, err
	}

	return &service{
		repo:     repo,
		notifier: notifier,
		namer:    n,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Contact(ctx context.Context, hardwareID string) (types.Device, bool, error) {
	if err := ValidateHardwareID(hardwareID); err != nil {
		return types.Device{}, false, err
	}

	now := s.now()

	device, created, err := s.repo.UpsertOnContact(ctx, hardwareID, s.namer.NameFor(hardwareID), now)
	if err != nil {
		return types.Device{}, false, err
	}

	if created {
		log := logging.GetFromContext(ctx)
		log.Info().Str("hardware_id", hardwareID).Str("name", device.Name).Msg("auto registered new device")

		err = s.notifier.Notify(ctx, &types.DeviceRegistered{
			HardwareID: hardwareID,
			Name:       device.Name,
			Timestamp:  now,
		})
		if err != nil {
			log.Error().Err(err).Str("hardware_id", hardwareID).Msg("failed to notify device registration")
		}
	}

	return device, created, nil
}

func (s *service) MarkOffline(ctx context.Context, hardwareID string, seenBefore time.Time) (bool, error) {
	return s.repo.MarkOffline(ctx, hardwareID, seenBefore, s.now())
}

func (s *service) ApplyStatus(ctx context.Context, hardwareID string, delta map[string]any) (map[string]any, types.Device, error) {
	if err := ValidateHardwareID(hardwareID); err != nil {
		return nil, types.Device{}, err
	}
	return s.repo.ApplyStatus(ctx, hardwareID, delta, s.now())
}

func (s *service) Register(ctx context.Context, hardwareID, name string, config map[string]any) (types.Device, bool, error) {
	if err := ValidateHardwareID(hardwareID); err != nil {
		return types.Device{}, false, err
	}

	if name == "" {
		name = s.namer.NameFor(hardwareID)
	}

	return s.repo.Create(ctx, hardwareID, name, config)
}

func (s *service) GetDevice(ctx context.Context, hardwareID string) (types.Device, error) {
	if err := ValidateHardwareID(hardwareID); err != nil {
		return types.Device{}, err
	}
	return s.repo.GetByHardwareID(ctx, hardwareID)
}

func (s *service) GetDevices(ctx context.Context, online *bool) ([]types.Device, error) {
	return s.repo.Query(ctx, online)
}

func (s *service) GetOnlineNotSeenSince(ctx context.Context, cutoff time.Time) ([]types.Device, error) {
	return s.repo.GetOnlineNotSeenSince(ctx, cutoff)
}
