package devices

import (
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Device struct {
	gorm.Model

	UUID       string `gorm:"uniqueIndex"`
	HardwareID string `gorm:"uniqueIndex;not null"`
	Name       string
	Config     datatypes.JSONMap
	Status     datatypes.JSONMap
	Online     bool `gorm:"index"`
}

func (d Device) toType() types.Device {
	return types.Device{
		ID:         d.UUID,
		HardwareID: d.HardwareID,
		Name:       d.Name,
		Config:     copyMap(d.Config),
		Status:     copyMap(d.Status),
		Online:     d.Online,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func copyMap(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func merge(dst map[string]any, delta map[string]any) map[string]any {
	result := copyMap(dst)
	for k, v := range delta {
		result[k] = v
	}
	return result
}
