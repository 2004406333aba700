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

// AddressRepository persists the identity map: user identity <->
// derived deposit subaddress. Allocation arbitration happens through
// the table's unique indexes; callers loop on Insert until one writer
// wins (see the address service).
type AddressRepository interface {
	FindByIdentity(ctx context.Context, userIdentity string) (*models.AddressMapping, error)
	FindByAddress(ctx context.Context, derivedAddress string) (*models.AddressMapping, error)
	NextIndex(ctx context.Context, account uint32) (uint32, error)
	Insert(ctx context.Context, mapping *models.AddressMapping) (bool, error)
	Count(ctx context.Context) (int64, error)
}

type addressRepository struct {
	db *gorm.DB
}

// NewAddressRepository creates a new address repository instance
func NewAddressRepository(db *gorm.DB) AddressRepository {
	return &addressRepository{db: db}
}

func (r *addressRepository) FindByIdentity(ctx context.Context, userIdentity string) (*models.AddressMapping, error) {
	var mapping models.AddressMapping
	err := r.db.WithContext(ctx).
		Where("user_identity = ?", userIdentity).
		First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.LedgerError{Op: "find_mapping_by_identity", Err: err}
	}
	return &mapping, nil
}

func (r *addressRepository) FindByAddress(ctx context.Context, derivedAddress string) (*models.AddressMapping, error) {
	var mapping models.AddressMapping
	err := r.db.WithContext(ctx).
		Where("derived_address = ?", derivedAddress).
		First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.LedgerError{Op: "find_mapping_by_address", Err: err}
	}
	return &mapping, nil
}

// NextIndex returns MAX(subaddress_index)+1 for the account, 0 when the
// account has no mappings yet. Rows are never deleted, so the result
// never repeats an issued index.
func (r *addressRepository) NextIndex(ctx context.Context, account uint32) (uint32, error) {
	var next uint32
	err := r.db.WithContext(ctx).
		Model(&models.AddressMapping{}).
		Where("account = ?", account).
		Select("COALESCE(MAX(subaddress_index) + 1, 0)").
		Scan(&next).Error
	if err != nil {
		return 0, &types.LedgerError{Op: "next_subaddress_index", Err: err}
	}
	return next, nil
}

// Insert writes the mapping unless any unique key already exists.
// Returns false when another writer won the race.
func (r *addressRepository) Insert(ctx context.Context, mapping *models.AddressMapping) (bool, error) {
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(mapping)
	if result.Error != nil {
		return false, &types.LedgerError{Op: "insert_mapping", Err: result.Error}
	}
	return result.RowsAffected > 0, nil
}

func (r *addressRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.AddressMapping{}).
		Count(&count).Error
	if err != nil {
		return 0, &types.LedgerError{Op: "count_mappings", Err: err}
	}
	return count, nil
}
