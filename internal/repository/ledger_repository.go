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

// LedgerRepository is the write-once record of completed bridge
// actions and the system's only at-most-once guarantee. Mark calls are
// single atomic inserts; a concurrent duplicate is a silent no-op and
// both callers observe success.
type LedgerRepository interface {
	IsDepositProcessed(ctx context.Context, sourceTxHash string) (bool, error)
	MarkDepositProcessed(ctx context.Context, record *models.ProcessedDeposit) error
	GetProcessedDeposit(ctx context.Context, sourceTxHash string) (*models.ProcessedDeposit, error)

	IsWithdrawalProcessed(ctx context.Context, burnTxHash string) (bool, error)
	MarkWithdrawalProcessed(ctx context.Context, record *models.ProcessedWithdrawal) error
	GetProcessedWithdrawal(ctx context.Context, burnTxHash string) (*models.ProcessedWithdrawal, error)
}

type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new ledger repository instance
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) IsDepositProcessed(ctx context.Context, sourceTxHash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ProcessedDeposit{}).
		Where("source_tx_hash = ?", sourceTxHash).
		Count(&count).Error
	if err != nil {
		return false, &types.LedgerError{Op: "is_deposit_processed", Err: err}
	}
	return count > 0, nil
}

func (r *ledgerRepository) MarkDepositProcessed(ctx context.Context, record *models.ProcessedDeposit) error {
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}
	// ON CONFLICT DO NOTHING: the first writer wins, later identical
	// calls succeed without a second row.
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
	if err != nil {
		return &types.LedgerError{Op: "mark_deposit_processed", Err: err}
	}
	return nil
}

func (r *ledgerRepository) GetProcessedDeposit(ctx context.Context, sourceTxHash string) (*models.ProcessedDeposit, error) {
	var record models.ProcessedDeposit
	err := r.db.WithContext(ctx).
		Where("source_tx_hash = ?", sourceTxHash).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.LedgerError{Op: "get_processed_deposit", Err: err}
	}
	return &record, nil
}

func (r *ledgerRepository) IsWithdrawalProcessed(ctx context.Context, burnTxHash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ProcessedWithdrawal{}).
		Where("burn_tx_hash = ?", burnTxHash).
		Count(&count).Error
	if err != nil {
		return false, &types.LedgerError{Op: "is_withdrawal_processed", Err: err}
	}
	return count > 0, nil
}

func (r *ledgerRepository) MarkWithdrawalProcessed(ctx context.Context, record *models.ProcessedWithdrawal) error {
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
	if err != nil {
		return &types.LedgerError{Op: "mark_withdrawal_processed", Err: err}
	}
	return nil
}

func (r *ledgerRepository) GetProcessedWithdrawal(ctx context.Context, burnTxHash string) (*models.ProcessedWithdrawal, error) {
	var record models.ProcessedWithdrawal
	err := r.db.WithContext(ctx).
		Where("burn_tx_hash = ?", burnTxHash).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.LedgerError{Op: "get_processed_withdrawal", Err: err}
	}
	return &record, nil
}
