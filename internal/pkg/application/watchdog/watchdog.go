package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/notifications"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const (
	DefaultInterval int = 60
	DefaultTimeout  int = 300
)

// Config for the presence monitor, in seconds.
type Config struct {
	Interval int `yaml:"interval"`
	Timeout  int `yaml:"timeout"`
}

type Watchdog interface {
	Start(ctx context.Context)
	Stop()
}

type watchdog struct {
	devices  devicemanagement.DeviceManagement
	activity activitylog.Log
	notifier notifications.Notifier

	interval time.Duration
	timeout  time.Duration

	done     chan bool
	stopOnce sync.Once
	now      func() time.Time
}

func New(devices devicemanagement.DeviceManagement, activity activitylog.Log, notifier notifications.Notifier, cfg Config) Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &watchdog{
		devices:  devices,
		activity: activity,
		notifier: notifier,
		interval: time.Duration(cfg.Interval) * time.Second,
		timeout:  time.Duration(cfg.Timeout) * time.Second,
		done:     make(chan bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *watchdog) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *watchdog) run(ctx context.Context) {
	log := logging.GetFromContext(ctx)
	log.Info().Str("interval", w.interval.String()).Str("timeout", w.timeout.String()).Msg("starting presence monitor")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := w.checkDevices(ctx, w.now())
			if err != nil {
				log.Error().Err(err).Msg("presence check failed")
				continue
			}
			if count > 0 {
				log.Info().Int("count", count).Msg("devices went offline")
			}
		}
	}
}

// checkDevices marks every online device that has not been heard from within the
// timeout as offline and returns how many changed.
func (w *watchdog) checkDevices(ctx context.Context, now time.Time) (int, error) {
	log := logging.GetFromContext(ctx)

	cutoff := now.Add(-w.timeout)

	silent, err := w.devices.GetOnlineNotSeenSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, d := range silent {
		changed, err := w.devices.MarkOffline(ctx, d.HardwareID, cutoff)
		if err != nil {
			log.Error().Err(err).Str("hardware_id", d.HardwareID).Msg("could not mark device offline")
			continue
		}

		// heard from since the scan, or already handled by someone else
		if !changed {
			continue
		}

		count++

		stateChanged := true
		err = w.activity.Append(ctx, types.ActivityEntry{
			HardwareID:   d.HardwareID,
			EventType:    types.EventStatusUpdate,
			Data:         map[string]any{"online": false, "reason": "heartbeat timeout", "last_seen": d.UpdatedAt},
			StateChanged: &stateChanged,
		})
		if err != nil {
			log.Error().Err(err).Str("hardware_id", d.HardwareID).Msg("activity log unavailable")
		}

		err = w.notifier.Notify(ctx, &types.DeviceWentOffline{
			HardwareID: d.HardwareID,
			Name:       d.Name,
			LastSeen:   d.UpdatedAt,
			Timestamp:  now,
		})
		if err != nil {
			log.Error().Err(err).Str("hardware_id", d.HardwareID).Msg("failed to notify device offline")
		}
	}

	return count, nil
}
