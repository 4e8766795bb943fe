package compensation

import (
	"time"

	"github.com/shopspring/decimal"
)

type PartnerStatus string

const (
	PartnerPending    PartnerStatus = "pending"
	PartnerActive     PartnerStatus = "active"
	PartnerPaused     PartnerStatus = "paused"
	PartnerSuspended  PartnerStatus = "suspended"
	PartnerTerminated PartnerStatus = "terminated"
)

var partnerTransitions = map[PartnerStatus][]PartnerStatus{
	PartnerPending:   {PartnerActive, PartnerTerminated},
	PartnerActive:    {PartnerPaused, PartnerSuspended, PartnerTerminated},
	PartnerPaused:    {PartnerActive, PartnerSuspended, PartnerTerminated},
	PartnerSuspended: {PartnerActive, PartnerTerminated},
}

func (s PartnerStatus) Valid() bool {
	switch s {
	case PartnerPending, PartnerActive, PartnerPaused, PartnerSuspended, PartnerTerminated:
		return true
	}
	return false
}

func (s PartnerStatus) CanTransitionTo(next PartnerStatus) bool {
	for _, t := range partnerTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

type CompensationType string

const (
	CompPerReferral CompensationType = "per_referral"
	CompPercentage  CompensationType = "percentage"
	CompTiered      CompensationType = "tiered"
	CompHybrid      CompensationType = "hybrid"
)

func (t CompensationType) Valid() bool {
	return t == CompPerReferral || t == CompPercentage || t == CompTiered || t == CompHybrid
}

// Partner is an aggregator or affiliate paid for referrals made with its
// custom code.
type Partner struct {
	ID                      string           `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	UserID                  string           `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Name                    string           `gorm:"column:name;type:varchar(255);not null" json:"name"`
	BusinessName            string           `gorm:"column:business_name;type:varchar(255)" json:"business_name,omitempty"`
	Email                   string           `gorm:"column:email;type:varchar(255);not null;uniqueIndex" json:"email"`
	Phone                   string           `gorm:"column:phone;type:varchar(32)" json:"phone,omitempty"`
	ContactPerson           string           `gorm:"column:contact_person;type:varchar(255)" json:"contact_person,omitempty"`
	CustomCode              string           `gorm:"column:custom_code;type:varchar(32);not null;uniqueIndex" json:"custom_code"`
	CompensationTierLevel   int              `gorm:"column:compensation_tier_level;not null;default:0" json:"compensation_tier_level"`
	CompensationType        CompensationType `gorm:"column:compensation_type;type:varchar(20);not null" json:"compensation_type"`
	BaseRate                decimal.Decimal  `gorm:"column:base_rate;type:numeric(20,2);not null;default:0" json:"base_rate"`
	TotalReferrals          int64            `gorm:"column:total_referrals;not null;default:0" json:"total_referrals"`
	ActiveReferrals         int64            `gorm:"column:active_referrals;not null;default:0" json:"active_referrals"`
	FundedReferrals         int64            `gorm:"column:funded_referrals;not null;default:0" json:"funded_referrals"`
	PendingReferrals        int64            `gorm:"column:pending_referrals;not null;default:0" json:"pending_referrals"`
	TotalCompensationEarned decimal.Decimal  `gorm:"column:total_compensation_earned;type:numeric(20,2);not null;default:0" json:"total_compensation_earned"`
	TotalCompensationPaid   decimal.Decimal  `gorm:"column:total_compensation_paid;type:numeric(20,2);not null;default:0" json:"total_compensation_paid"`
	PendingCompensation     decimal.Decimal  `gorm:"column:pending_compensation;type:numeric(20,2);not null;default:0" json:"pending_compensation"`
	Status                  PartnerStatus    `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	StatusReason            string           `gorm:"column:status_reason;type:text" json:"status_reason,omitempty"`
	BankName                string           `gorm:"column:bank_name;type:varchar(255)" json:"bank_name,omitempty"`
	AccountNumber           string           `gorm:"column:account_number;type:varchar(64)" json:"-"`
	AccountName             string           `gorm:"column:account_name;type:varchar(255)" json:"account_name,omitempty"`
	BankCode                string           `gorm:"column:bank_code;type:varchar(32)" json:"bank_code,omitempty"`
	MonthlyTarget           *int64           `gorm:"column:monthly_target" json:"monthly_target,omitempty"`
	ContractStartDate       *time.Time       `gorm:"column:contract_start_date" json:"contract_start_date,omitempty"`
	ContractEndDate         *time.Time       `gorm:"column:contract_end_date" json:"contract_end_date,omitempty"`
	CreatedAt               time.Time        `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt               time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Partner) TableName() string { return "aggregator_partners" }

// Tier is one band of the compensation ladder. MaxReferrals is inclusive;
// nil means unbounded.
type Tier struct {
	ID                       string          `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	TierLevel                int             `gorm:"column:tier_level;not null;uniqueIndex" json:"tier_level"`
	TierName                 string          `gorm:"column:tier_name;type:varchar(64);not null" json:"tier_name"`
	Description              string          `gorm:"column:tier_description;type:text" json:"tier_description,omitempty"`
	MinReferrals             int64           `gorm:"column:min_referrals;not null" json:"min_referrals"`
	MaxReferrals             *int64          `gorm:"column:max_referrals" json:"max_referrals"`
	PaymentPerReferral       decimal.Decimal `gorm:"column:payment_per_referral;type:numeric(20,2);not null;default:0" json:"payment_per_referral"`
	PaymentPerActiveReferral decimal.Decimal `gorm:"column:payment_per_active_referral;type:numeric(20,2);not null;default:0" json:"payment_per_active_referral"`
	PaymentPerFundedReferral decimal.Decimal `gorm:"column:payment_per_funded_referral;type:numeric(20,2);not null;default:0" json:"payment_per_funded_referral"`
	TierBonus                decimal.Decimal `gorm:"column:tier_bonus;type:numeric(20,2);not null;default:0" json:"tier_bonus"`
	Benefits                 string          `gorm:"column:benefits;type:text" json:"benefits,omitempty"`
}

func (Tier) TableName() string { return "compensation_tiers" }

func (t Tier) contains(count int64) bool {
	return count >= t.MinReferrals && (t.MaxReferrals == nil || count <= *t.MaxReferrals)
}

type PayoutStatus string

const (
	PayoutDraft     PayoutStatus = "draft"
	PayoutPending   PayoutStatus = "pending"
	PayoutSubmitted PayoutStatus = "submitted"
	PayoutApproved  PayoutStatus = "approved"
	PayoutRejected  PayoutStatus = "rejected"
	PayoutPaid      PayoutStatus = "paid"
	PayoutCancelled PayoutStatus = "cancelled"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutDraft:     {PayoutPending, PayoutCancelled},
	PayoutPending:   {PayoutSubmitted, PayoutCancelled},
	PayoutSubmitted: {PayoutApproved, PayoutRejected, PayoutCancelled},
	PayoutApproved:  {PayoutPaid, PayoutCancelled},
}

func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutDraft, PayoutPending, PayoutSubmitted, PayoutApproved, PayoutRejected, PayoutPaid, PayoutCancelled:
		return true
	}
	return false
}

func (s PayoutStatus) IsTerminal() bool {
	return s.Valid() && len(payoutTransitions[s]) == 0
}

func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, t := range payoutTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Payout settles a partner's compensation for one period. PeriodKey is
// set while the payout is live and cleared when it is rejected or
// cancelled, so a partner holds at most one live payout per period.
type Payout struct {
	ID                string          `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	PartnerID         string          `gorm:"column:partner_id;type:varchar(36);not null;index" json:"partner_id"`
	PeriodStart       time.Time       `gorm:"column:period_start;not null" json:"period_start"`
	PeriodEnd         time.Time       `gorm:"column:period_end;not null" json:"period_end"`
	PeriodKey         *string         `gorm:"column:period_key;type:varchar(128);uniqueIndex" json:"-"`
	TotalReferrals    int64           `gorm:"column:total_referrals;not null;default:0" json:"total_referrals"`
	ActiveReferrals   int64           `gorm:"column:active_referrals;not null;default:0" json:"active_referrals"`
	FundedReferrals   int64           `gorm:"column:funded_referrals;not null;default:0" json:"funded_referrals"`
	TierLevel         int             `gorm:"column:tier_level;not null;default:0" json:"tier_level"`
	BaseCompensation  decimal.Decimal `gorm:"column:base_compensation;type:numeric(20,2);not null;default:0" json:"base_compensation"`
	BonusCompensation decimal.Decimal `gorm:"column:bonus_compensation;type:numeric(20,2);not null;default:0" json:"bonus_compensation"`
	TotalCompensation decimal.Decimal `gorm:"column:total_compensation;type:numeric(20,2);not null;default:0" json:"total_compensation"`
	Status            PayoutStatus    `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	SubmittedBy       string          `gorm:"column:submitted_by;type:varchar(64)" json:"submitted_by,omitempty"`
	SubmittedAt       *time.Time      `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	ApprovedBy        string          `gorm:"column:approved_by;type:varchar(64)" json:"approved_by,omitempty"`
	ApprovedAt        *time.Time      `gorm:"column:approved_at" json:"approved_at,omitempty"`
	RejectedBy        string          `gorm:"column:rejected_by;type:varchar(64)" json:"rejected_by,omitempty"`
	RejectedAt        *time.Time      `gorm:"column:rejected_at" json:"rejected_at,omitempty"`
	RejectionReason   string          `gorm:"column:rejection_reason;type:text" json:"rejection_reason,omitempty"`
	CancelledBy       string          `gorm:"column:cancelled_by;type:varchar(64)" json:"cancelled_by,omitempty"`
	PaymentDate       *time.Time      `gorm:"column:payment_date" json:"payment_date,omitempty"`
	PaymentReference  string          `gorm:"column:payment_reference;type:varchar(128)" json:"payment_reference,omitempty"`
	CorrectsPayoutID  *string         `gorm:"column:corrects_payout_id;type:varchar(36);index" json:"corrects_payout_id,omitempty"`
	CreatedAt         time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Payout) TableName() string { return "partner_payouts" }

type CreatePartnerRequest struct {
	UserID            string           `json:"user_id"`
	Name              string           `json:"name" binding:"required"`
	BusinessName      string           `json:"business_name"`
	Email             string           `json:"email" binding:"required"`
	Phone             string           `json:"phone"`
	ContactPerson     string           `json:"contact_person"`
	CustomCode        string           `json:"custom_code" binding:"required"`
	CompensationType  CompensationType `json:"compensation_type"`
	BaseRate          *decimal.Decimal `json:"base_rate"`
	BankName          string           `json:"bank_name"`
	AccountNumber     string           `json:"account_number"`
	AccountName       string           `json:"account_name"`
	BankCode          string           `json:"bank_code"`
	MonthlyTarget     *int64           `json:"monthly_target"`
	ContractStartDate *time.Time       `json:"contract_start_date"`
	ContractEndDate   *time.Time       `json:"contract_end_date"`
}

// Compensation is the amount owed to a partner for one period.
type Compensation struct {
	PartnerID         string          `json:"partner_id"`
	PeriodStart       time.Time       `json:"period_start"`
	PeriodEnd         time.Time       `json:"period_end"`
	TierLevel         int             `json:"tier_level"`
	TierName          string          `json:"tier_name"`
	TotalReferrals    int64           `json:"total_referrals"`
	ActiveReferrals   int64           `json:"active_referrals"`
	FundedReferrals   int64           `json:"funded_referrals"`
	FundedAmount      decimal.Decimal `json:"funded_amount"`
	BaseCompensation  decimal.Decimal `json:"base_compensation"`
	BonusCompensation decimal.Decimal `json:"bonus_compensation"`
	TotalCompensation decimal.Decimal `json:"total_compensation"`
}

type MonthCount struct {
	Month string `json:"month"`
	Count int64  `json:"count"`
}

type PartnerStats struct {
	PartnerID          string          `json:"partner_id"`
	PartnerName        string          `json:"partner_name"`
	CurrentTier        string          `json:"current_tier"`
	TotalReferrals     int64           `json:"total_referrals"`
	ActiveReferrals    int64           `json:"active_referrals"`
	FundedReferrals    int64           `json:"funded_referrals"`
	PendingReferrals   int64           `json:"pending_referrals"`
	TotalEarned        decimal.Decimal `json:"total_earned"`
	TotalPaid          decimal.Decimal `json:"total_paid"`
	PendingAmount      decimal.Decimal `json:"pending_amount"`
	ConversionRate     float64         `json:"conversion_rate"`
	ThisMonthReferrals int64           `json:"this_month_referrals"`
	LastMonthReferrals int64           `json:"last_month_referrals"`
	ReferralsByMonth   []MonthCount    `json:"referrals_by_month"`
}

type GenerationResult struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Created     int64     `json:"created"`
	Skipped     int64     `json:"skipped"`
}

// periodCounts are referral counts attributed to a code in a window.
type periodCounts struct {
	Total        int64
	Active       int64
	Funded       int64
	FundedAmount decimal.Decimal
}
