package activitylog

import (
	"github.com/diwise/iot-lock-mgmt/pkg/types"
)

func Heartbeat(hardwareID string, data map[string]any) types.ActivityEntry {
	return types.ActivityEntry{
		HardwareID: hardwareID,
		EventType:  types.EventHeartbeat,
		Data:       data,
	}
}

func Command(hardwareID string, command types.Command, status string, extra map[string]any) types.ActivityEntry {
	data := map[string]any{
		"command":    command.Command,
		"command_id": command.ID,
		"status":     status,
	}
	for k, v := range extra {
		data[k] = v
	}

	return types.ActivityEntry{
		HardwareID: hardwareID,
		EventType:  types.EventCommand,
		Data:       data,
	}
}

func StatusUpdate(hardwareID string, isLocked bool, previousState bool, data map[string]any) types.ActivityEntry {
	changed := isLocked != previousState

	d := map[string]any{
		"is_locked":      isLocked,
		"previous_state": previousState,
	}
	for k, v := range data {
		d[k] = v
	}

	return types.ActivityEntry{
		HardwareID:   hardwareID,
		EventType:    types.EventStatusUpdate,
		Data:         d,
		StateChanged: &changed,
	}
}

func Error(hardwareID, message string, context map[string]any) types.ActivityEntry {
	data := map[string]any{
		"error": message,
	}
	if len(context) > 0 {
		data["context"] = context
	}

	return types.ActivityEntry{
		HardwareID: hardwareID,
		EventType:  types.EventError,
		Data:       data,
	}
}

// DeviceLog records a log line reported by the device itself. Lines with level error
// become ERROR entries, everything else is a STATUS_UPDATE carrying the device's own
// log type in its data.
func DeviceLog(hardwareID, level string, data map[string]any, stateChanged *bool) types.ActivityEntry {
	var entry types.ActivityEntry

	if level == "error" {
		message, _ := data["message"].(string)
		entry = Error(hardwareID, message, data)
	} else {
		entry = types.ActivityEntry{
			HardwareID: hardwareID,
			EventType:  types.EventStatusUpdate,
			Data:       data,
		}
	}

	entry.StateChanged = stateChanged

	return entry
}
