package commands

import (
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Command struct {
	gorm.Model

	HardwareID string `gorm:"index:idx_command_queue,priority:1;not null"`
	Command    string `gorm:"not null"`
	Payload    datatypes.JSONMap
	Priority   int
	Status     string `gorm:"index:idx_command_queue,priority:2;not null"`
	RetryCount int
	MaxRetries int
	SentAt     *time.Time
	ExecutedAt *time.Time
	Response   datatypes.JSONMap
}

func (c Command) toType() types.Command {
	return types.Command{
		ID:         c.ID,
		HardwareID: c.HardwareID,
		Command:    c.Command,
		Payload:    c.Payload,
		Priority:   c.Priority,
		Status:     c.Status,
		RetryCount: c.RetryCount,
		MaxRetries: c.MaxRetries,
		CreatedAt:  c.CreatedAt,
		SentAt:     c.SentAt,
		ExecutedAt: c.ExecutedAt,
		Response:   c.Response,
	}
}
