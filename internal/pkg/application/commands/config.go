package commands

import (
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
)

const (
	DefaultReclaimInterval int = 30
	DefaultDeliveryTimeout int = 60
)

var DefaultVerbs = []string{types.CommandLock, types.CommandUnlock, types.CommandStatus, types.CommandSync}

// Config holds the command queue settings. Durations are given in seconds.
type Config struct {
	ReclaimInterval int      `yaml:"reclaimInterval"`
	DeliveryTimeout int      `yaml:"deliveryTimeout"`
	MaxRetries      int      `yaml:"maxRetries"`
	Verbs           []string `yaml:"verbs"`
}

func (c Config) withDefaults() Config {
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = types.DefaultMaxRetries
	}
	if len(c.Verbs) == 0 {
		c.Verbs = DefaultVerbs
	}
	return c
}

func (c Config) reclaimInterval() time.Duration {
	return time.Duration(c.ReclaimInterval) * time.Second
}

func (c Config) deliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeout) * time.Second
}
