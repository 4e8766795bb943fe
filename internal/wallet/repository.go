package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"growth_service/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound = apperr.NotFound("wallet_not_found", "wallet: not found")
	ErrOptimisticLock = errors.New("wallet: optimistic lock error")
	ErrInvalidCredit  = apperr.Validation("invalid_credit", "wallet: credit must be positive")
)

type WalletRepository interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID string, now time.Time) (*Wallet, error)
	GetEntryByReference(ctx context.Context, tx *gorm.DB, source string, referenceID string) (*LedgerEntry, error)
	Credit(ctx context.Context, tx *gorm.DB, w *Wallet, entry *LedgerEntry, now time.Time) error
	ListEntries(ctx context.Context, userID string, limit int, offset int) ([]LedgerEntry, error)
}

type WalletRepositoryImpl struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepositoryImpl {
	return &WalletRepositoryImpl{db: db}
}

func (r *WalletRepositoryImpl) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// GetOrCreateForUpdate returns the user's wallet locked for the rest of tx,
// creating it first when the user has never been credited.
func (r *WalletRepositoryImpl) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID string, now time.Time) (*Wallet, error) {
	fresh := Wallet{
		WalletID:  uuid.New().String(),
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&fresh).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	var w Wallet
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) GetEntryByReference(ctx context.Context, tx *gorm.DB, source string, referenceID string) (*LedgerEntry, error) {
	var e LedgerEntry
	err := tx.WithContext(ctx).Where("source = ? AND reference_id = ?", source, referenceID).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &e, nil
}

func (r *WalletRepositoryImpl) Credit(ctx context.Context, tx *gorm.DB, w *Wallet, entry *LedgerEntry, now time.Time) error {
	newPoints := w.PointsBalance + entry.Points
	newCash := w.CashBalance.Add(entry.Cash)

	result := tx.WithContext(ctx).Model(&Wallet{}).Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"points_balance": newPoints,
			"cash_balance":   newCash,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update wallet: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	entry.EntryID = uuid.New().String()
	entry.WalletID = w.WalletID
	entry.PointsAfter = newPoints
	entry.CashAfter = newCash
	entry.CreatedAt = now
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}

	w.PointsBalance = newPoints
	w.CashBalance = newCash
	w.Version++
	return nil
}

func (r *WalletRepositoryImpl) ListEntries(ctx context.Context, userID string, limit int, offset int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}
