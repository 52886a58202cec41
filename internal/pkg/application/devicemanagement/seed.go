package devicemanagement

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// Seed registers the devices listed in a semicolon separated file with the columns
// hardware_id;name;auto_lock_delay. Devices that already exist are left untouched.
func (s *service) Seed(ctx context.Context, devices io.Reader) error {
	log := logging.GetFromContext(ctx)

	r := csv.NewReader(devices)
	r.Comma = ';'
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return err
	}

	created := 0

	for i, row := range rows {
		if i == 0 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "hardware_id") {
			continue
		}

		record, err := newDeviceRecord(row)
		if err != nil {
			return fmt.Errorf("invalid device record on line %d: %w", i+1, err)
		}

		_, isNew, err := s.Register(ctx, record.hardwareID, record.name, record.config())
		if err != nil {
			return fmt.Errorf("failed to seed device %s: %w", record.hardwareID, err)
		}

		if isNew {
			created++
		}
	}

	log.Info().Int("rows", len(rows)).Int("created", created).Msg("seeded devices from file")

	return nil
}

type deviceRecord struct {
	hardwareID    string
	name          string
	autoLockDelay *int
}

func newDeviceRecord(row []string) (deviceRecord, error) {
	if len(row) < 1 {
		return deviceRecord{}, fmt.Errorf("empty row")
	}

	record := deviceRecord{
		hardwareID: strings.TrimSpace(row[0]),
	}

	if len(row) > 1 {
		record.name = strings.TrimSpace(row[1])
	}

	if len(row) > 2 && strings.TrimSpace(row[2]) != "" {
		delay, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			return deviceRecord{}, fmt.Errorf("auto lock delay must be a number: %w", err)
		}
		record.autoLockDelay = &delay
	}

	return record, nil
}

func (r deviceRecord) config() map[string]any {
	cfg := map[string]any{}
	if r.autoLockDelay != nil {
		cfg["auto_lock_delay"] = *r.autoLockDelay
	}
	return cfg
}
