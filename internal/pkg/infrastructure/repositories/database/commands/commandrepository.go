package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func NewCommandRepository(db *gorm.DB) (CommandRepository, error) {
	err := db.AutoMigrate(&Command{})
	if err != nil {
		return nil, err
	}

	return &commandRepository{
		db: db,
	}, nil
}

type CommandRepository interface {
	Enqueue(ctx context.Context, hardwareID, command string, payload map[string]any, priority, maxRetries int) (types.Command, error)
	// ClaimNext atomically moves the highest priority, oldest pending command for a device to sent.
	// It returns ErrCommandInFlight while another command for the device awaits acknowledgment.
	ClaimNext(ctx context.Context, hardwareID string, at time.Time) (types.Command, error)
	// ClaimNextOfKind is ClaimNext restricted to one verb at or above a priority.
	ClaimNextOfKind(ctx context.Context, hardwareID, command string, minPriority int, at time.Time) (types.Command, error)
	Resolve(ctx context.Context, commandID uint, status string, response map[string]any, at time.Time) (types.Command, error)
	// ReclaimStale returns commands that have been sent for longer than timeout to the queue, or fails
	// them if they have run out of retries.
	ReclaimStale(ctx context.Context, timeout time.Duration, at time.Time) (requeued []types.Command, failed []types.Command, err error)

	GetByID(ctx context.Context, commandID uint) (types.Command, error)
	Query(ctx context.Context, hardwareID, status string, limit int) ([]types.Command, error)
}

var ErrNoPendingCommand = fmt.Errorf("no pending command")
var ErrCommandInFlight = fmt.Errorf("%w, a command is awaiting acknowledgment", ErrNoPendingCommand)
var ErrCommandNotFound = fmt.Errorf("command %w", types.ErrNotFound)
var ErrCommandConflict = fmt.Errorf("command is not awaiting acknowledgment: %w", types.ErrConflict)
var ErrClaimContention = fmt.Errorf("could not claim command, too much contention: %w", types.ErrConflict)
var ErrInvalidStatus = fmt.Errorf("status must be completed or failed: %w", types.ErrValidation)

const maxClaimAttempts int = 10

type commandRepository struct {
	db *gorm.DB
}

func (r *commandRepository) Enqueue(ctx context.Context, hardwareID, command string, payload map[string]any, priority, maxRetries int) (types.Command, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	c := Command{
		HardwareID: hardwareID,
		Command:    command,
		Payload:    payload,
		Priority:   priority,
		Status:     types.CommandStatusPending,
		MaxRetries: maxRetries,
	}

	result := r.db.WithContext(ctx).Create(&c)
	if result.Error != nil {
		return types.Command{}, result.Error
	}

	return c.toType(), nil
}

func (r *commandRepository) ClaimNext(ctx context.Context, hardwareID string, at time.Time) (types.Command, error) {
	return r.claim(ctx, hardwareID, at, func(query *gorm.DB) *gorm.DB {
		return query
	})
}

func (r *commandRepository) ClaimNextOfKind(ctx context.Context, hardwareID, command string, minPriority int, at time.Time) (types.Command, error) {
	return r.claim(ctx, hardwareID, at, func(query *gorm.DB) *gorm.DB {
		return query.Where("command = ? AND priority >= ?", command, minPriority)
	})
}

// claim picks a candidate and tries to move it from pending to sent with a compare-and-swap
// on the status column. The swap only succeeds while no other command for the device is sent,
// so a device never has more than one command awaiting acknowledgment. Losing the race to
// another claimer just means trying the next candidate.
func (r *commandRepository) claim(ctx context.Context, hardwareID string, at time.Time, filter func(*gorm.DB) *gorm.DB) (types.Command, error) {
	var claimed Command

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if database.IsPostgres(tx) {
			// row locks cannot see a sent command committed after our snapshot
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", hardwareID).Error; err != nil {
				return err
			}
		}

		for attempt := 0; attempt < maxClaimAttempts; attempt++ {
			var inFlight int64
			result := tx.Model(&Command{}).Where("hardware_id = ? AND status = ?", hardwareID, types.CommandStatusSent).Count(&inFlight)
			if result.Error != nil {
				return result.Error
			}
			if inFlight > 0 {
				return ErrCommandInFlight
			}

			var candidate Command

			query := filter(tx.Where("hardware_id = ? AND status = ?", hardwareID, types.CommandStatusPending))
			result = query.Order("priority DESC").Order("created_at ASC").Order("id ASC").First(&candidate)
			if result.Error != nil {
				if errors.Is(result.Error, gorm.ErrRecordNotFound) {
					return ErrNoPendingCommand
				}
				return result.Error
			}

			result = tx.Model(&Command{}).
				Where("id = ? AND status = ?", candidate.ID, types.CommandStatusPending).
				Where("NOT EXISTS (SELECT 1 FROM commands AS inflight WHERE inflight.hardware_id = ? AND inflight.status = ? AND inflight.deleted_at IS NULL)", hardwareID, types.CommandStatusSent).
				Updates(map[string]any{
					"status":  types.CommandStatusSent,
					"sent_at": at,
				})
			if result.Error != nil {
				return result.Error
			}

			if result.RowsAffected == 1 {
				candidate.Status = types.CommandStatusSent
				candidate.SentAt = &at
				claimed = candidate
				return nil
			}
		}

		return ErrClaimContention
	})
	if err != nil {
		return types.Command{}, err
	}

	return claimed.toType(), nil
}

func (r *commandRepository) Resolve(ctx context.Context, commandID uint, status string, response map[string]any, at time.Time) (types.Command, error) {
	if status != types.CommandStatusCompleted && status != types.CommandStatusFailed {
		return types.Command{}, ErrInvalidStatus
	}

	values := map[string]any{
		"status":      status,
		"executed_at": at,
	}
	if response != nil {
		values["response"] = datatypes.JSONMap(response)
	}

	result := r.db.WithContext(ctx).Model(&Command{}).
		Where("id = ? AND status = ?", commandID, types.CommandStatusSent).
		Updates(values)
	if result.Error != nil {
		return types.Command{}, result.Error
	}

	c, err := r.GetByID(ctx, commandID)
	if err != nil {
		return types.Command{}, err
	}

	if result.RowsAffected == 0 {
		return c, ErrCommandConflict
	}

	return c, nil
}

func (r *commandRepository) ReclaimStale(ctx context.Context, timeout time.Duration, at time.Time) ([]types.Command, []types.Command, error) {
	var stale []Command

	result := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", types.CommandStatusSent, at.Add(-timeout)).
		Order("sent_at ASC").
		Find(&stale)
	if result.Error != nil {
		return nil, nil, result.Error
	}

	requeued := []types.Command{}
	failed := []types.Command{}

	for _, c := range stale {
		retries := c.RetryCount + 1
		values := map[string]any{
			"retry_count": retries,
		}

		terminal := retries >= c.MaxRetries
		if terminal {
			values["status"] = types.CommandStatusFailed
			values["executed_at"] = at
			values["response"] = datatypes.JSONMap{"error": types.ErrDeliveryTimeout.Error()}
		} else {
			values["status"] = types.CommandStatusPending
			values["sent_at"] = nil
		}

		// an acknowledgment that arrives while we sweep wins
		result = r.db.WithContext(ctx).Model(&Command{}).
			Where("id = ? AND status = ? AND retry_count = ?", c.ID, types.CommandStatusSent, c.RetryCount).
			Updates(values)
		if result.Error != nil {
			return requeued, failed, result.Error
		}

		if result.RowsAffected == 0 {
			continue
		}

		c.RetryCount = retries
		if terminal {
			c.Status = types.CommandStatusFailed
			c.ExecutedAt = &at
			c.Response = datatypes.JSONMap{"error": types.ErrDeliveryTimeout.Error()}
			failed = append(failed, c.toType())
		} else {
			c.Status = types.CommandStatusPending
			c.SentAt = nil
			requeued = append(requeued, c.toType())
		}
	}

	return requeued, failed, nil
}

func (r *commandRepository) GetByID(ctx context.Context, commandID uint) (types.Command, error) {
	var c Command

	result := r.db.WithContext(ctx).First(&c, commandID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Command{}, ErrCommandNotFound
		}
		return types.Command{}, result.Error
	}

	return c.toType(), nil
}

func (r *commandRepository) Query(ctx context.Context, hardwareID, status string, limit int) ([]types.Command, error) {
	var commands []Command

	query := r.db.WithContext(ctx)
	if hardwareID != "" {
		query = query.Where("hardware_id = ?", hardwareID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	result := query.Order("id DESC").Find(&commands)
	if result.Error != nil {
		return nil, result.Error
	}

	return lo.Map(commands, func(c Command, _ int) types.Command { return c.toType() }), nil
}
