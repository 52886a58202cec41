package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/dispatch"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/notifications"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	repository "github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/samber/lo"
)

var ErrInvalidCommand = fmt.Errorf("unsupported command %w", types.ErrValidation)
var ErrInvalidPriority = fmt.Errorf("priority must be between 0 and %d: %w", types.MaxPriority, types.ErrValidation)
var ErrInvalidMaxRetries = fmt.Errorf("max retries must be between 1 and %d: %w", types.MaxRetriesLimit, types.ErrValidation)

type CommandService interface {
	// Enqueue queues a command for a device. A maxRetries of zero uses the configured default.
	Enqueue(ctx context.Context, hardwareID, command string, payload map[string]any, priority, maxRetries int) (types.Command, error)
	// ForceSync asks the device to adopt the stored lock state.
	ForceSync(ctx context.Context, hardwareID string) (types.Command, error)

	Get(ctx context.Context, commandID uint) (types.Command, error)
	Query(ctx context.Context, hardwareID, status string, limit int) ([]types.Command, error)

	// Reclaim sweeps commands that have been sent for longer than the delivery timeout.
	Reclaim(ctx context.Context) error
}

type service struct {
	queue      repository.CommandRepository
	devices    devicemanagement.DeviceManagement
	dispatcher dispatch.Dispatcher
	activity   activitylog.Log
	notifier   notifications.Notifier
	cfg        Config
	now        func() time.Time
}

func New(queue repository.CommandRepository, devices devicemanagement.DeviceManagement, dispatcher dispatch.Dispatcher, activity activitylog.Log, notifier notifications.Notifier, cfg Config) CommandService {
	return &service{
		queue:      queue,
		devices:    devices,
		dispatcher: dispatcher,
		activity:   activity,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) Enqueue(ctx context.Context, hardwareID, command string, payload map[string]any, priority, maxRetries int) (types.Command, error) {
	if !lo.Contains(s.cfg.Verbs, command) {
		return types.Command{}, ErrInvalidCommand
	}

	if priority < 0 || priority > types.MaxPriority {
		return types.Command{}, ErrInvalidPriority
	}

	if maxRetries == 0 {
		maxRetries = s.cfg.MaxRetries
	} else if maxRetries < 0 || maxRetries > types.MaxRetriesLimit {
		return types.Command{}, ErrInvalidMaxRetries
	}

	if _, err := s.devices.GetDevice(ctx, hardwareID); err != nil {
		return types.Command{}, err
	}

	return s.enqueue(ctx, hardwareID, command, payload, priority, maxRetries)
}

func (s *service) enqueue(ctx context.Context, hardwareID, command string, payload map[string]any, priority, maxRetries int) (types.Command, error) {
	log := logging.GetFromContext(ctx)

	cmd, err := s.queue.Enqueue(ctx, hardwareID, command, payload, priority, maxRetries)
	if err != nil {
		return types.Command{}, err
	}

	log.Info().Str("hardware_id", hardwareID).Uint("command_id", cmd.ID).Str("command", command).Int("priority", priority).Int("max_retries", maxRetries).Msg("command queued")

	s.appendActivity(ctx, activitylog.Command(hardwareID, cmd, "queued", map[string]any{"priority": priority}))

	s.dispatch(ctx, hardwareID)

	return cmd, nil
}

// dispatch pushes the next command if the device is connected. A command that could
// not be transmitted stays sent and is reclaimed later.
func (s *service) dispatch(ctx context.Context, hardwareID string) {
	delivery, delivered, err := s.dispatcher.Dispatch(ctx, hardwareID)
	if err != nil {
		log := logging.GetFromContext(ctx)
		log.Warn().Err(err).Str("hardware_id", hardwareID).Msg("failed to push command")
		return
	}

	if delivered {
		s.appendActivity(ctx, activitylog.Command(hardwareID, delivery.Command, types.CommandStatusSent, map[string]any{"channel": "push"}))
	}
}

func (s *service) ForceSync(ctx context.Context, hardwareID string) (types.Command, error) {
	device, err := s.devices.GetDevice(ctx, hardwareID)
	if err != nil {
		return types.Command{}, err
	}

	payload := map[string]any{
		"is_locked": device.IsLocked(),
	}

	return s.enqueue(ctx, hardwareID, types.CommandSync, payload, types.ForceSyncPriority, s.cfg.MaxRetries)
}

func (s *service) Get(ctx context.Context, commandID uint) (types.Command, error) {
	return s.queue.GetByID(ctx, commandID)
}

func (s *service) Query(ctx context.Context, hardwareID, status string, limit int) ([]types.Command, error) {
	return s.queue.Query(ctx, hardwareID, status, limit)
}

func (s *service) Reclaim(ctx context.Context) error {
	log := logging.GetFromContext(ctx)
	now := s.now()

	requeued, failed, err := s.queue.ReclaimStale(ctx, s.cfg.deliveryTimeout(), now)

	for _, c := range failed {
		log.Warn().Str("hardware_id", c.HardwareID).Uint("command_id", c.ID).Int("retry_count", c.RetryCount).Msg("command delivery failed")

		s.appendActivity(ctx, activitylog.Command(c.HardwareID, c, types.CommandStatusFailed, map[string]any{
			"error":       types.ErrDeliveryTimeout.Error(),
			"retry_count": c.RetryCount,
		}))

		nerr := s.notifier.Notify(ctx, &types.CommandFailed{
			CommandID:  c.ID,
			HardwareID: c.HardwareID,
			Command:    c.Command,
			RetryCount: c.RetryCount,
			Reason:     types.ErrDeliveryTimeout.Error(),
			Timestamp:  now,
		})
		if nerr != nil {
			log.Error().Err(nerr).Uint("command_id", c.ID).Msg("failed to notify command failure")
		}
	}

	hardwareIDs := lo.Uniq(lo.Map(requeued, func(c types.Command, _ int) string { return c.HardwareID }))
	for _, id := range hardwareIDs {
		s.dispatch(ctx, id)
	}

	if len(requeued) > 0 {
		log.Info().Int("count", len(requeued)).Msg("requeued stale commands")
	}

	return err
}

func (s *service) appendActivity(ctx context.Context, entry types.ActivityEntry) {
	if err := s.activity.Append(ctx, entry); err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Str("hardware_id", entry.HardwareID).Str("event_type", entry.EventType).Msg("activity log unavailable")
	}
}
