package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bridge-backend/internal/models"
	"bridge-backend/internal/types"
)

// KeyShareRepository stores this operator's DKG output. One row per
// participant id; a DKG re-run (membership change) overwrites it.
type KeyShareRepository interface {
	Load(ctx context.Context, participantID uint32) (*models.OperatorKeyShare, error)
	Save(ctx context.Context, share *models.OperatorKeyShare) error
}

type keyShareRepository struct {
	db *gorm.DB
}

// NewKeyShareRepository creates a new key share repository instance
func NewKeyShareRepository(db *gorm.DB) KeyShareRepository {
	return &keyShareRepository{db: db}
}

func (r *keyShareRepository) Load(ctx context.Context, participantID uint32) (*models.OperatorKeyShare, error) {
	var share models.OperatorKeyShare
	err := r.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		First(&share).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.LedgerError{Op: "load_key_share", Err: err}
	}
	return &share, nil
}

func (r *keyShareRepository) Save(ctx context.Context, share *models.OperatorKeyShare) error {
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "participant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"threshold", "group_size", "group_public_key", "public_shares", "secret_share", "created_at",
			}),
		}).
		Create(share).Error
	if err != nil {
		return &types.LedgerError{Op: "save_key_share", Err: err}
	}
	return nil
}
