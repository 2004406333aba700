package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bridge-backend/internal/models"
	"bridge-backend/internal/types"
)

// StateRepository is the bridge_state KV table: observer watermarks and
// small announcements such as the group public key.
type StateRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	GetHeight(ctx context.Context, key string) (uint64, error)
	SetHeight(ctx context.Context, key string, height uint64) error
}

type stateRepository struct {
	db *gorm.DB
}

// NewStateRepository creates a new state repository instance
func NewStateRepository(db *gorm.DB) StateRepository {
	return &stateRepository{db: db}
}

func (r *stateRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var state models.BridgeState
	err := r.db.WithContext(ctx).
		Where("key = ?", key).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &types.LedgerError{Op: "get_state", Err: err}
	}
	return state.Value, true, nil
}

func (r *stateRepository) Set(ctx context.Context, key, value string) error {
	state := models.BridgeState{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&state).Error
	if err != nil {
		return &types.LedgerError{Op: "set_state", Err: err}
	}
	return nil
}

// GetHeight reads a watermark; missing or unparsable values read as 0,
// which makes a fresh database scan from the chain's beginning (or from
// wherever an operator seeded it with the set-watermark tool).
func (r *stateRepository) GetHeight(ctx context.Context, key string) (uint64, error) {
	value, ok, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	height, parseErr := strconv.ParseUint(value, 10, 64)
	if parseErr != nil {
		return 0, nil
	}
	return height, nil
}

func (r *stateRepository) SetHeight(ctx context.Context, key string, height uint64) error {
	return r.Set(ctx, key, strconv.FormatUint(height, 10))
}
