package promo

import (
	"time"

	"github.com/shopspring/decimal"
)

type CampaignType string

const (
	TypeSignupBonus     CampaignType = "signup_bonus"
	TypeDepositMatch    CampaignType = "deposit_match"
	TypeFixedPoints     CampaignType = "fixed_points"
	TypePercentageBonus CampaignType = "percentage_bonus"
)

func (t CampaignType) Valid() bool {
	switch t {
	case TypeSignupBonus, TypeDepositMatch, TypeFixedPoints, TypePercentageBonus:
		return true
	}
	return false
}

func (t CampaignType) depositBased() bool {
	return t == TypeDepositMatch || t == TypePercentageBonus
}

type Eligibility string

const (
	EligibleNewUsers      Eligibility = "new_users"
	EligibleExistingUsers Eligibility = "existing_users"
	EligibleTierBased     Eligibility = "tier_based"
	EligibleAllUsers      Eligibility = "all_users"
)

func (e Eligibility) Valid() bool {
	switch e {
	case EligibleNewUsers, EligibleExistingUsers, EligibleTierBased, EligibleAllUsers:
		return true
	}
	return false
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignExpired   CampaignStatus = "expired"
	CampaignCancelled CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:  {CampaignActive, CampaignCancelled},
	CampaignActive: {CampaignPaused, CampaignExpired, CampaignCancelled},
	CampaignPaused: {CampaignActive, CampaignExpired, CampaignCancelled},
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignExpired, CampaignCancelled:
		return true
	}
	return false
}

func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, t := range campaignTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Campaign is a promotion redeemable by code. Campaigns are never deleted;
// cancelling one keeps its redemptions attached. A zero
// MaxRedemptionsPerUser means no per-user cap.
type Campaign struct {
	ID                     string           `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	CampaignName           string           `gorm:"column:campaign_name;type:varchar(255);not null" json:"campaign_name"`
	CampaignCode           string           `gorm:"column:campaign_code;type:varchar(32);not null;uniqueIndex" json:"campaign_code"`
	CampaignType           CampaignType     `gorm:"column:campaign_type;type:varchar(32);not null" json:"campaign_type"`
	Description            string           `gorm:"column:description;type:text" json:"description,omitempty"`
	BonusPoints            int64            `gorm:"column:bonus_points;not null;default:0" json:"bonus_points"`
	BonusCash              decimal.Decimal  `gorm:"column:bonus_cash;type:numeric(20,2);not null;default:0" json:"bonus_cash"`
	DepositMatchPercentage *decimal.Decimal `gorm:"column:deposit_match_percentage;type:numeric(6,2)" json:"deposit_match_percentage,omitempty"`
	MaxBonusAmount         *decimal.Decimal `gorm:"column:max_bonus_amount;type:numeric(20,2)" json:"max_bonus_amount,omitempty"`
	MinDepositRequired     *decimal.Decimal `gorm:"column:min_deposit_required;type:numeric(20,2)" json:"min_deposit_required,omitempty"`
	UserEligibility        Eligibility      `gorm:"column:user_eligibility;type:varchar(20);not null" json:"user_eligibility"`
	EligibleTiers          []string         `gorm:"column:eligible_tiers;type:text;serializer:json" json:"eligible_tiers,omitempty"`
	MaxRedemptionsTotal    *int64           `gorm:"column:max_redemptions_total" json:"max_redemptions_total"`
	MaxRedemptionsPerUser  int64            `gorm:"column:max_redemptions_per_user;not null" json:"max_redemptions_per_user"`
	TotalRedemptions       int64            `gorm:"column:total_redemptions;not null;default:0" json:"total_redemptions"`
	Status                 CampaignStatus   `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	StartDate              time.Time        `gorm:"column:start_date;not null" json:"start_date"`
	EndDate                time.Time        `gorm:"column:end_date;not null;index" json:"end_date"`
	CreatedBy              string           `gorm:"column:created_by;type:varchar(64)" json:"created_by,omitempty"`
	CreatedAt              time.Time        `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt              time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Campaign) TableName() string { return "promotional_campaigns" }

// Redemption is one claim of a campaign by a user. RedemptionSeq numbers a
// user's claims of one campaign from 1.
type Redemption struct {
	ID               string           `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	UserID           string           `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_redemption_seq,priority:2;index" json:"user_id"`
	CampaignID       string           `gorm:"column:campaign_id;type:varchar(36);not null;uniqueIndex:idx_redemption_seq,priority:1" json:"campaign_id"`
	CampaignCode     string           `gorm:"column:campaign_code;type:varchar(32);not null" json:"campaign_code"`
	RedemptionSeq    int64            `gorm:"column:redemption_seq;not null;uniqueIndex:idx_redemption_seq,priority:3" json:"redemption_seq"`
	DepositAmount    *decimal.Decimal `gorm:"column:deposit_amount;type:numeric(20,2)" json:"deposit_amount,omitempty"`
	PointsAwarded    int64            `gorm:"column:points_awarded;not null;default:0" json:"points_awarded"`
	CashBonusAwarded decimal.Decimal  `gorm:"column:cash_bonus_awarded;type:numeric(20,2);not null;default:0" json:"cash_bonus_awarded"`
	RedemptionDate   time.Time        `gorm:"column:redemption_date;not null;index" json:"redemption_date"`
}

func (Redemption) TableName() string { return "promo_code_redemptions" }

// UserProfile is owned by the account service; promo rules only read it.
type UserProfile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;type:varchar(64)" json:"user_id"`
	Tier      string    `gorm:"column:tier;type:varchar(32)" json:"tier"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (UserProfile) TableName() string { return "user_profiles" }

type CreateCampaignRequest struct {
	CampaignName           string           `json:"campaign_name" binding:"required"`
	CampaignCode           string           `json:"campaign_code" binding:"required"`
	CampaignType           CampaignType     `json:"campaign_type" binding:"required"`
	Description            string           `json:"description"`
	BonusPoints            int64            `json:"bonus_points"`
	BonusCash              decimal.Decimal  `json:"bonus_cash"`
	DepositMatchPercentage *decimal.Decimal `json:"deposit_match_percentage"`
	MaxBonusAmount         *decimal.Decimal `json:"max_bonus_amount"`
	MinDepositRequired     *decimal.Decimal `json:"min_deposit_required"`
	UserEligibility        Eligibility      `json:"user_eligibility"`
	EligibleTiers          []string         `json:"eligible_tiers"`
	MaxRedemptionsTotal    *int64           `json:"max_redemptions_total"`
	MaxRedemptionsPerUser  *int64           `json:"max_redemptions_per_user"`
	StartDate              time.Time        `json:"start_date" binding:"required"`
	EndDate                time.Time        `json:"end_date" binding:"required"`
	CreatedBy              string           `json:"created_by" binding:"required"`
}

// ValidationResult reports whether a user may redeem a code now. Reason is
// the code of the first failing check.
type ValidationResult struct {
	IsValid    bool   `json:"is_valid"`
	CampaignID string `json:"campaign_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
}

type RedemptionResult struct {
	RedemptionID  string          `json:"redemption_id"`
	CampaignID    string          `json:"campaign_id"`
	PointsAwarded int64           `json:"points_awarded"`
	CashBonus     decimal.Decimal `json:"cash_bonus"`
	Message       string          `json:"message"`
}

type DateCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type CampaignStats struct {
	CampaignID           string          `json:"campaign_id"`
	CampaignName         string          `json:"campaign_name"`
	CampaignCode         string          `json:"campaign_code"`
	TotalRedemptions     int64           `json:"total_redemptions"`
	UniqueUsers          int64           `json:"unique_users"`
	TotalPointsAwarded   int64           `json:"total_points_awarded"`
	TotalCashAwarded     decimal.Decimal `json:"total_cash_awarded"`
	TotalDepositAmount   decimal.Decimal `json:"total_deposit_amount"`
	AverageDepositAmount decimal.Decimal `json:"average_deposit_amount"`
	ConversionRate       float64         `json:"conversion_rate"`
	RedemptionsByDate    []DateCount     `json:"redemptions_by_date"`
}

// redemptionTotals is the aggregate row behind CampaignStats.
type redemptionTotals struct {
	Redemptions int64
	UniqueUsers int64
	Points      int64
	Cash        decimal.Decimal
	Deposits    decimal.Decimal
	WithDeposit int64
}
