package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/dispatch"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/notifications"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const (
	ChannelHTTP string = "http"
	ChannelPush string = "push"
)

var ErrMissingCommandID = fmt.Errorf("command id is required: %w", types.ErrValidation)
var ErrCommandNotOwned = fmt.Errorf("command belongs to another device: %w", types.ErrValidation)
var ErrMissingLockState = fmt.Errorf("is_locked is required: %w", types.ErrValidation)
var ErrInvalidBatteryLevel = fmt.Errorf("battery level must be between 0 and 100: %w", types.ErrValidation)

type Heartbeat struct {
	HardwareID     string
	Channel        string
	SignalStrength string
}

type HeartbeatResult struct {
	Device     types.Device
	Registered bool
	// Sync is set when a forced sync was waiting for the device.
	Sync *types.CommandMessage
}

type StatusReport struct {
	IsLocked     *bool
	BatteryLevel *int
}

type StatusResult struct {
	Device        types.Device
	StateChanged  bool
	PreviousState bool
}

type DeviceLogEvent struct {
	HardwareID   string
	Type         string
	Level        string
	Message      string
	StateChanged *bool
	CurrentState map[string]any
}

// Gateway is the entry point for everything a device sends to the service,
// regardless of the channel it arrived on.
type Gateway interface {
	Heartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResult, error)
	ReportStatus(ctx context.Context, hardwareID string, report StatusReport) (StatusResult, error)
	ConfirmCommand(ctx context.Context, commandID uint, status string, response map[string]any) (types.Command, error)
	// ConfirmCommandFrom is ConfirmCommand for a caller whose identity is known, such as a
	// registered push connection. Commands queued for other devices are refused.
	ConfirmCommandFrom(ctx context.Context, hardwareID string, commandID uint, status string, response map[string]any) (types.Command, error)
	AppendDeviceLog(ctx context.Context, evt DeviceLogEvent) error
	PollCommand(ctx context.Context, hardwareID string) (dispatch.Delivery, error)

	Register(ctx context.Context, hardwareID string) (types.Device, error)
	Disconnect(ctx context.Context, hardwareID string, at time.Time) error
	// PushPending hands the next queued command to the device if it has a live push connection.
	PushPending(ctx context.Context, hardwareID string)
}

type gateway struct {
	devices    devicemanagement.DeviceManagement
	queue      commands.CommandRepository
	dispatcher dispatch.Dispatcher
	signer     *dispatch.Signer
	activity   activitylog.Log
	notifier   notifications.Notifier
	now        func() time.Time
}

func New(devices devicemanagement.DeviceManagement, queue commands.CommandRepository, dispatcher dispatch.Dispatcher, signer *dispatch.Signer, activity activitylog.Log, notifier notifications.Notifier) Gateway {
	return &gateway{
		devices:    devices,
		queue:      queue,
		dispatcher: dispatcher,
		signer:     signer,
		activity:   activity,
		notifier:   notifier,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *gateway) Heartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResult, error) {
	device, created, err := g.devices.Contact(ctx, hb.HardwareID)
	if err != nil {
		return HeartbeatResult{}, err
	}

	data := map[string]any{
		"status": "online",
	}
	if hb.Channel != "" {
		data["channel"] = hb.Channel
	}
	if hb.SignalStrength != "" {
		data["signal_strength"] = hb.SignalStrength
	}
	g.appendActivity(ctx, activitylog.Heartbeat(hb.HardwareID, data))

	result := HeartbeatResult{
		Device:     device,
		Registered: created,
	}

	now := g.now()

	sync, err := g.queue.ClaimNextOfKind(ctx, hb.HardwareID, types.CommandSync, types.ForceSyncPriority, now)
	if err == nil {
		msg := g.signer.Message(sync, now)
		result.Sync = &msg
		g.appendActivity(ctx, activitylog.Command(hb.HardwareID, sync, types.CommandStatusSent, map[string]any{"channel": "heartbeat"}))
	} else if !errors.Is(err, commands.ErrNoPendingCommand) {
		return HeartbeatResult{}, err
	}

	if hb.Channel == ChannelPush && result.Sync == nil {
		g.dispatch(ctx, hb.HardwareID)
	}

	return result, nil
}

func (g *gateway) ReportStatus(ctx context.Context, hardwareID string, report StatusReport) (StatusResult, error) {
	if report.IsLocked == nil {
		return StatusResult{}, ErrMissingLockState
	}

	if report.BatteryLevel != nil && (*report.BatteryLevel < 0 || *report.BatteryLevel > 100) {
		return StatusResult{}, ErrInvalidBatteryLevel
	}

	if _, _, err := g.devices.Contact(ctx, hardwareID); err != nil {
		return StatusResult{}, err
	}

	now := g.now()

	delta := map[string]any{
		"is_locked":     *report.IsLocked,
		"last_activity": now.Format(time.RFC3339),
	}
	if report.BatteryLevel != nil {
		delta["battery_level"] = *report.BatteryLevel
	}

	previous, device, err := g.devices.ApplyStatus(ctx, hardwareID, delta)
	if err != nil {
		return StatusResult{}, err
	}

	previousState := types.IsLocked(previous)

	entry := activitylog.StatusUpdate(hardwareID, *report.IsLocked, previousState, nil)
	if report.BatteryLevel != nil {
		entry.Data["battery_level"] = *report.BatteryLevel
	}
	g.appendActivity(ctx, entry)

	return StatusResult{
		Device:        device,
		StateChanged:  *entry.StateChanged,
		PreviousState: previousState,
	}, nil
}

func (g *gateway) ConfirmCommandFrom(ctx context.Context, hardwareID string, commandID uint, status string, response map[string]any) (types.Command, error) {
	if commandID == 0 {
		return types.Command{}, ErrMissingCommandID
	}

	cmd, err := g.queue.GetByID(ctx, commandID)
	if err != nil {
		return types.Command{}, err
	}

	if cmd.HardwareID != hardwareID {
		log := logging.GetFromContext(ctx)
		log.Warn().Str("hardware_id", hardwareID).Uint("command_id", commandID).Str("owner", cmd.HardwareID).Msg("refused acknowledgment of another device's command")
		return types.Command{}, ErrCommandNotOwned
	}

	if cmd.IsTerminal() {
		// devices resend acks they did not see acknowledged
		return types.Command{}, commands.ErrCommandConflict
	}

	return g.ConfirmCommand(ctx, commandID, status, response)
}

func (g *gateway) ConfirmCommand(ctx context.Context, commandID uint, status string, response map[string]any) (types.Command, error) {
	if commandID == 0 {
		return types.Command{}, ErrMissingCommandID
	}

	cmd, err := g.queue.Resolve(ctx, commandID, status, response, g.now())
	if err != nil {
		return types.Command{}, err
	}

	log := logging.GetFromContext(ctx).With().Str("hardware_id", cmd.HardwareID).Uint("command_id", cmd.ID).Logger()
	log.Info().Str("command", cmd.Command).Str("status", cmd.Status).Msg("command acknowledged")

	if _, _, err := g.devices.Contact(ctx, cmd.HardwareID); err != nil {
		log.Error().Err(err).Msg("failed to refresh device contact")
	}

	if cmd.Status == types.CommandStatusCompleted {
		if isLocked, ok := lockStateAfter(cmd.Command); ok {
			previous, _, err := g.devices.ApplyStatus(ctx, cmd.HardwareID, map[string]any{
				"is_locked":     isLocked,
				"last_activity": g.now().Format(time.RFC3339),
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to apply lock state from acknowledged command")
			} else {
				g.appendActivity(ctx, activitylog.StatusUpdate(cmd.HardwareID, isLocked, types.IsLocked(previous), map[string]any{"command_id": cmd.ID}))
			}
		}
	}

	extra := map[string]any{}
	if len(response) > 0 {
		extra["response"] = response
	}
	g.appendActivity(ctx, activitylog.Command(cmd.HardwareID, cmd, cmd.Status, extra))

	g.dispatch(ctx, cmd.HardwareID)

	return cmd, nil
}

func lockStateAfter(command string) (bool, bool) {
	switch command {
	case types.CommandLock:
		return true, true
	case types.CommandUnlock:
		return false, true
	default:
		return false, false
	}
}

func (g *gateway) AppendDeviceLog(ctx context.Context, evt DeviceLogEvent) error {
	if _, _, err := g.devices.Contact(ctx, evt.HardwareID); err != nil {
		return err
	}

	data := map[string]any{
		"type":    evt.Type,
		"level":   evt.Level,
		"message": evt.Message,
	}
	if evt.CurrentState != nil {
		data["current_state"] = evt.CurrentState
	}

	return g.activity.Append(ctx, activitylog.DeviceLog(evt.HardwareID, evt.Level, data, evt.StateChanged))
}

func (g *gateway) PollCommand(ctx context.Context, hardwareID string) (dispatch.Delivery, error) {
	if _, _, err := g.devices.Contact(ctx, hardwareID); err != nil {
		return dispatch.Delivery{}, err
	}

	delivery, err := g.dispatcher.Poll(ctx, hardwareID)
	if err != nil {
		return dispatch.Delivery{}, err
	}

	g.appendActivity(ctx, activitylog.Command(hardwareID, delivery.Command, types.CommandStatusSent, map[string]any{"channel": ChannelHTTP}))

	return delivery, nil
}

func (g *gateway) Register(ctx context.Context, hardwareID string) (types.Device, error) {
	device, _, err := g.devices.Contact(ctx, hardwareID)
	if err != nil {
		return types.Device{}, err
	}

	g.appendActivity(ctx, activitylog.Heartbeat(hardwareID, map[string]any{
		"status":  "online",
		"event":   "register",
		"channel": ChannelPush,
	}))

	return device, nil
}

// Disconnect marks the device offline after its push connection closed, unless it
// has been heard from since.
func (g *gateway) Disconnect(ctx context.Context, hardwareID string, at time.Time) error {
	changed, err := g.devices.MarkOffline(ctx, hardwareID, at)
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	device, err := g.devices.GetDevice(ctx, hardwareID)
	if err != nil {
		return err
	}

	stateChanged := true
	g.appendActivity(ctx, types.ActivityEntry{
		HardwareID:   hardwareID,
		EventType:    types.EventStatusUpdate,
		Data:         map[string]any{"online": false, "reason": "connection closed"},
		StateChanged: &stateChanged,
	})

	return g.notifier.Notify(ctx, &types.DeviceWentOffline{
		HardwareID: hardwareID,
		Name:       device.Name,
		LastSeen:   at,
		Timestamp:  g.now(),
	})
}

func (g *gateway) PushPending(ctx context.Context, hardwareID string) {
	g.dispatch(ctx, hardwareID)
}

func (g *gateway) dispatch(ctx context.Context, hardwareID string) {
	delivery, delivered, err := g.dispatcher.Dispatch(ctx, hardwareID)
	if err != nil {
		log := logging.GetFromContext(ctx)
		log.Warn().Err(err).Str("hardware_id", hardwareID).Msg("failed to push command")
		return
	}

	if delivered {
		g.appendActivity(ctx, activitylog.Command(hardwareID, delivery.Command, types.CommandStatusSent, map[string]any{"channel": ChannelPush}))
	}
}

func (g *gateway) appendActivity(ctx context.Context, entry types.ActivityEntry) {
	if err := g.activity.Append(ctx, entry); err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Str("hardware_id", entry.HardwareID).Str("event_type", entry.EventType).Msg("activity log unavailable")
	}
}
