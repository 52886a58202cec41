package push

import (
	"github.com/diwise/iot-lock-mgmt/pkg/types"
)

// device to server
const (
	TypeRegister  string = "register"
	TypeHeartbeat string = "heartbeat"
	TypeStatus    string = "status"
	TypeAck       string = "ack"
	TypeLog       string = "log"
)

// server to device
const (
	TypeRegistered   string = "registered"
	TypeHeartbeatAck string = "heartbeat_ack"
	TypeStatusAck    string = "status_ack"
	TypeCommand      string = "command"
	TypeAckOk        string = "ack_ok"
	TypeError        string = "error"
)

type Inbound struct {
	Type       string `json:"type"`
	HardwareID string `json:"hardware_id,omitempty"`

	IsLocked     *bool `json:"is_locked,omitempty"`
	BatteryLevel *int  `json:"battery_level,omitempty"`

	CommandID uint           `json:"command_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Response  map[string]any `json:"response,omitempty"`

	LogType      string         `json:"log_type,omitempty"`
	Level        string         `json:"level,omitempty"`
	Message      string         `json:"message,omitempty"`
	StateChanged *bool          `json:"state_changed,omitempty"`
	CurrentState map[string]any `json:"current_state,omitempty"`
}

type Outbound struct {
	Type       string `json:"type"`
	HardwareID string `json:"hardware_id,omitempty"`
	Name       string `json:"name,omitempty"`

	ForceSync    *bool `json:"force_sync,omitempty"`
	StateChanged *bool `json:"state_changed,omitempty"`

	Action    string         `json:"action,omitempty"`
	CommandID uint           `json:"command_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Signature string         `json:"signature,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func commandMessage(msg types.CommandMessage) Outbound {
	return Outbound{
		Type:      TypeCommand,
		Action:    msg.Command,
		CommandID: msg.CommandID,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
		Signature: msg.Signature,
	}
}

func errorMessage(err error) Outbound {
	return Outbound{
		Type:    TypeError,
		Error:   types.ErrorKind(err),
		Message: err.Error(),
	}
}
