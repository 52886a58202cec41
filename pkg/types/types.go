package types

import (
	"time"
)

type Device struct {
	ID         string         `json:"id"`
	HardwareID string         `json:"hardware_id"`
	Name       string         `json:"name"`
	Config     map[string]any `json:"config"`
	Status     map[string]any `json:"status"`
	Online     bool           `json:"online"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (d Device) IsLocked() bool {
	return IsLocked(d.Status)
}

// IsLocked reads the is_locked field of a stored status, a device that never
// reported anything is considered locked.
func IsLocked(status map[string]any) bool {
	if v, ok := status["is_locked"].(bool); ok {
		return v
	}
	return true
}

func DefaultConfig() map[string]any {
	return map[string]any{
		"auto_lock_delay":       300,
		"notifications_enabled": true,
		"access_schedule":       []any{},
	}
}

func DefaultStatus() map[string]any {
	return map[string]any{
		"is_locked":     true,
		"battery_level": 100,
		"last_activity": nil,
	}
}

const (
	CommandLock   string = "lock"
	CommandUnlock string = "unlock"
	CommandStatus string = "status"
	CommandSync   string = "sync"
)

const (
	CommandStatusPending   string = "pending"
	CommandStatusSent      string = "sent"
	CommandStatusCompleted string = "completed"
	CommandStatusFailed    string = "failed"
)

const (
	DefaultPriority   int = 1
	ForceSyncPriority int = 5
	MaxPriority       int = 10
	DefaultMaxRetries int = 3
	MaxRetriesLimit   int = 10
)

type Command struct {
	ID         uint           `json:"id"`
	HardwareID string         `json:"hardware_id"`
	Command    string         `json:"command"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
	Status     string         `json:"status"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	CreatedAt  time.Time      `json:"created_at"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
}

func (c Command) IsTerminal() bool {
	return c.Status == CommandStatusCompleted || c.Status == CommandStatusFailed
}

const (
	EventHeartbeat    string = "HEARTBEAT"
	EventCommand      string = "COMMAND"
	EventStatusUpdate string = "STATUS_UPDATE"
	EventError        string = "ERROR"
)

type ActivityEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	HardwareID   string         `json:"hardware_id"`
	EventType    string         `json:"event_type"`
	Data         map[string]any `json:"data"`
	StateChanged *bool          `json:"state_changed,omitempty"`
}

// CommandMessage is what a device receives, over either delivery channel.
type CommandMessage struct {
	Command   string         `json:"command"`
	CommandID uint           `json:"command_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

const NoCommand string = "none"
