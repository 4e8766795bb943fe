package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SourceReferralBonus   = "referral_bonus"
	SourcePromoRedemption = "promo_redemption"
	SourceAdjustment      = "adjustment"
)

// Wallet is a user's reward balance. Points and cash only grow through
// ledger entries.
type Wallet struct {
	WalletID      string          `gorm:"column:wallet_id;primaryKey;type:varchar(36)" json:"wallet_id"`
	UserID        string          `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	PointsBalance int64           `gorm:"column:points_balance;not null;default:0" json:"points_balance"`
	CashBalance   decimal.Decimal `gorm:"column:cash_balance;type:numeric(20,2);not null;default:0" json:"cash_balance"`
	Version       int             `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

type LedgerEntry struct {
	EntryID     string          `gorm:"column:entry_id;primaryKey;type:varchar(36)" json:"entry_id"`
	WalletID    string          `gorm:"column:wallet_id;type:varchar(36);not null;index" json:"wallet_id"`
	UserID      string          `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Source      string          `gorm:"column:source;type:varchar(32);not null;uniqueIndex:idx_ledger_source_ref" json:"source"`
	ReferenceID string          `gorm:"column:reference_id;type:varchar(255);not null;uniqueIndex:idx_ledger_source_ref" json:"reference_id"` // referral or redemption id
	Points      int64           `gorm:"column:points;not null;default:0" json:"points"`
	Cash        decimal.Decimal `gorm:"column:cash;type:numeric(20,2);not null;default:0" json:"cash"`
	PointsAfter int64           `gorm:"column:points_after;not null" json:"points_after"`
	CashAfter   decimal.Decimal `gorm:"column:cash_after;type:numeric(20,2);not null" json:"cash_after"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

type CreditRequest struct {
	UserID      string          `json:"user_id"`
	Source      string          `json:"source"`
	ReferenceID string          `json:"reference_id"`
	Points      int64           `json:"points"`
	Cash        decimal.Decimal `json:"cash"`
}

type BalanceUpdate struct {
	UserID        string          `json:"user_id"`
	Source        string          `json:"source"`
	ReferenceID   string          `json:"reference_id"`
	Points        int64           `json:"points"`
	Cash          decimal.Decimal `json:"cash"`
	PointsBalance int64           `json:"points_balance"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	Timestamp     time.Time       `json:"timestamp"`
}
