package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type DeviceRegistered struct {
	HardwareID string    `json:"hardware_id"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
}

func (d *DeviceRegistered) ContentType() string {
	return "application/json"
}
func (d *DeviceRegistered) Body() []byte {
	b, _ := json.Marshal(d)
	return b
}
func (d *DeviceRegistered) TopicName() string {
	return "lock.device.registered"
}
func (d *DeviceRegistered) EventType() string {
	return "lockmgmt.device.registered"
}
func (d *DeviceRegistered) EventID() string {
	return d.HardwareID + ":registered"
}
func (d *DeviceRegistered) EventTime() time.Time {
	return d.Timestamp
}

type DeviceWentOffline struct {
	HardwareID string    `json:"hardware_id"`
	Name       string    `json:"name"`
	LastSeen   time.Time `json:"last_seen"`
	Timestamp  time.Time `json:"timestamp"`
}

func (d *DeviceWentOffline) ContentType() string {
	return "application/json"
}
func (d *DeviceWentOffline) Body() []byte {
	b, _ := json.Marshal(d)
	return b
}
func (d *DeviceWentOffline) TopicName() string {
	return "lock.device.offline"
}
func (d *DeviceWentOffline) EventType() string {
	return "lockmgmt.device.offline"
}
func (d *DeviceWentOffline) EventID() string {
	return d.HardwareID + ":offline:" + d.Timestamp.Format(time.RFC3339)
}
func (d *DeviceWentOffline) EventTime() time.Time {
	return d.Timestamp
}

type CommandFailed struct {
	CommandID  uint      `json:"command_id"`
	HardwareID string    `json:"hardware_id"`
	Command    string    `json:"command"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

func (c *CommandFailed) ContentType() string {
	return "application/json"
}
func (c *CommandFailed) Body() []byte {
	b, _ := json.Marshal(c)
	return b
}
func (c *CommandFailed) TopicName() string {
	return "lock.command.failed"
}
func (c *CommandFailed) EventType() string {
	return "lockmgmt.command.failed"
}
func (c *CommandFailed) EventID() string {
	return fmt.Sprintf("%s:command:%d:failed", c.HardwareID, c.CommandID)
}
func (c *CommandFailed) EventTime() time.Time {
	return c.Timestamp
}

// CommandRequested is consumed from the message bus as an alternative to the
// control plane enqueue endpoint.
type CommandRequested struct {
	HardwareID string         `json:"hardware_id"`
	Command    string         `json:"command"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

func (c *CommandRequested) ContentType() string {
	return "application/json"
}
func (c *CommandRequested) Body() []byte {
	b, _ := json.Marshal(c)
	return b
}
func (c *CommandRequested) TopicName() string {
	return "lock.command.requested"
}
