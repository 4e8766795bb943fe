package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

type BonusStatus string

const (
	StatusPending      BonusStatus = "pending"
	StatusEligible     BonusStatus = "eligible"
	StatusAwarded      BonusStatus = "awarded"
	StatusExpired      BonusStatus = "expired"
	StatusFraudFlagged BonusStatus = "fraud_flagged"
	StatusCancelled    BonusStatus = "cancelled"
)

// transitions lists the statuses each status may move to.
var transitions = map[BonusStatus][]BonusStatus{
	StatusPending:  {StatusEligible, StatusExpired, StatusFraudFlagged, StatusCancelled},
	StatusEligible: {StatusAwarded, StatusExpired, StatusFraudFlagged, StatusCancelled},
}

func (s BonusStatus) Valid() bool {
	switch s {
	case StatusPending, StatusEligible, StatusAwarded, StatusExpired, StatusFraudFlagged, StatusCancelled:
		return true
	}
	return false
}

func (s BonusStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s BonusStatus) CanTransitionTo(next BonusStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// NonTerminalStatuses are the statuses a referral can still leave.
func NonTerminalStatuses() []BonusStatus {
	return []BonusStatus{StatusPending, StatusEligible}
}

type BonusType string

const (
	BonusPoints        BonusType = "points"
	BonusCash          BonusType = "cash"
	BonusPointsAndCash BonusType = "points_and_cash"
)

func (t BonusType) Valid() bool {
	return t == BonusPoints || t == BonusCash || t == BonusPointsAndCash
}

type Referral struct {
	ID                    string          `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	ReferrerID            string          `gorm:"column:referrer_id;type:varchar(64);not null;uniqueIndex:idx_referral_pair;index:idx_referrer_created,priority:1" json:"referrer_id"`
	RefereeID             string          `gorm:"column:referee_id;type:varchar(64);not null;uniqueIndex:idx_referral_pair;index" json:"referee_id"`
	ReferralCode          string          `gorm:"column:referral_code;type:varchar(32);not null;index" json:"referral_code"`
	UTMSource             string          `gorm:"column:utm_source;type:varchar(100)" json:"utm_source,omitempty"`
	UTMMedium             string          `gorm:"column:utm_medium;type:varchar(100)" json:"utm_medium,omitempty"`
	UTMCampaign           string          `gorm:"column:utm_campaign;type:varchar(100)" json:"utm_campaign,omitempty"`
	BonusType             BonusType       `gorm:"column:bonus_type;type:varchar(20);not null" json:"bonus_type"`
	BonusPoints           int64           `gorm:"column:bonus_points;not null;default:0" json:"bonus_points"`
	BonusCash             decimal.Decimal `gorm:"column:bonus_cash;type:numeric(20,2);not null;default:0" json:"bonus_cash"`
	BonusMultiplier       decimal.Decimal `gorm:"column:bonus_multiplier;type:numeric(6,2);not null;default:1" json:"bonus_multiplier"`
	BonusStatus           BonusStatus     `gorm:"column:bonus_status;type:varchar(20);not null;index" json:"bonus_status"`
	BonusAwardedAt        *time.Time      `gorm:"column:bonus_awarded_at" json:"bonus_awarded_at,omitempty"`
	RefereeKYCCompleted   bool            `gorm:"column:referee_kyc_completed;not null;default:false" json:"referee_kyc_completed"`
	RefereeKYCCompletedAt *time.Time      `gorm:"column:referee_kyc_completed_at" json:"referee_kyc_completed_at,omitempty"`
	RefereeFunded         bool            `gorm:"column:referee_funded;not null;default:false" json:"referee_funded"`
	RefereeFundedAt       *time.Time      `gorm:"column:referee_funded_at" json:"referee_funded_at,omitempty"`
	RefereeFundedAmount   decimal.Decimal `gorm:"column:referee_funded_amount;type:numeric(20,2);not null;default:0" json:"referee_funded_amount"`
	RefereeActive         bool            `gorm:"column:referee_active;not null;default:false" json:"referee_active"`
	RefereeActivatedAt    *time.Time      `gorm:"column:referee_activated_at" json:"referee_activated_at,omitempty"`
	EligibleForBonus      bool            `gorm:"column:eligible_for_bonus;not null;default:false" json:"eligible_for_bonus"`
	EligibilityNotes      string          `gorm:"column:eligibility_notes;type:text" json:"eligibility_notes,omitempty"`
	DeviceFingerprint     *string         `gorm:"column:device_fingerprint;type:varchar(255);index" json:"device_fingerprint,omitempty"`
	IPAddress             *string         `gorm:"column:ip_address;type:varchar(64);index" json:"ip_address,omitempty"`
	UserAgent             string          `gorm:"column:user_agent;type:text" json:"user_agent,omitempty"`
	ExpiresAt             time.Time       `gorm:"column:expires_at;not null;index" json:"expires_at"`
	Expired               bool            `gorm:"column:expired;not null;default:false" json:"expired"`
	CreatedAt             time.Time       `gorm:"column:created_at;not null;index:idx_referrer_created,priority:2" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

// ReferralCode maps a shareable code to the user who owns it. Partner
// custom codes are registered here too.
type ReferralCode struct {
	ID        string    `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	UserID    string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Code      string    `gorm:"column:code;type:varchar(32);not null;uniqueIndex" json:"code"`
	OwnerType string    `gorm:"column:owner_type;type:varchar(20);not null;default:'user'" json:"owner_type"` // "user", "partner"
	IsActive  bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// AuditEntry is an append-only record of a referral status change.
type AuditEntry struct {
	ID         string      `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	ReferralID string      `gorm:"column:referral_id;type:varchar(36);not null;index" json:"referral_id"`
	Action     string      `gorm:"column:action;type:varchar(32);not null" json:"action"`
	FromStatus BonusStatus `gorm:"column:from_status;type:varchar(20)" json:"from_status"`
	ToStatus   BonusStatus `gorm:"column:to_status;type:varchar(20)" json:"to_status"`
	Actor      string      `gorm:"column:actor;type:varchar(64);not null" json:"actor"`
	Note       string      `gorm:"column:note;type:text" json:"note,omitempty"`
	CreatedAt  time.Time   `gorm:"column:created_at;not null" json:"created_at"`
}

func (AuditEntry) TableName() string { return "referral_audit_entries" }

type ShareMethod string

const (
	ShareSMS       ShareMethod = "sms"
	ShareEmail     ShareMethod = "email"
	ShareWhatsApp  ShareMethod = "whatsapp"
	ShareTelegram  ShareMethod = "telegram"
	ShareCopyLink  ShareMethod = "copy_link"
	ShareFacebook  ShareMethod = "social_facebook"
	ShareTwitter   ShareMethod = "social_twitter"
	ShareInstagram ShareMethod = "social_instagram"
	ShareLinkedIn  ShareMethod = "social_linkedin"
	ShareQRCode    ShareMethod = "qr_code"
)

func (m ShareMethod) Valid() bool {
	switch m {
	case ShareSMS, ShareEmail, ShareWhatsApp, ShareTelegram, ShareCopyLink,
		ShareFacebook, ShareTwitter, ShareInstagram, ShareLinkedIn, ShareQRCode:
		return true
	}
	return false
}

type ShareEvent struct {
	ID              string      `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	UserID          string      `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	ReferralCode    string      `gorm:"column:referral_code;type:varchar(32);not null;index" json:"referral_code"`
	ShareMethod     ShareMethod `gorm:"column:share_method;type:varchar(32);not null" json:"share_method"`
	Destination     string      `gorm:"column:share_destination;type:varchar(255)" json:"share_destination,omitempty"`
	DeviceType      string      `gorm:"column:device_type;type:varchar(16)" json:"device_type,omitempty"`
	Platform        string      `gorm:"column:platform;type:varchar(16)" json:"platform,omitempty"`
	TrackingURL     string      `gorm:"column:tracking_url;type:varchar(512);not null;uniqueIndex" json:"tracking_url"`
	ClickCount      int64       `gorm:"column:click_count;not null;default:0" json:"click_count"`
	ConversionCount int64       `gorm:"column:conversion_count;not null;default:0" json:"conversion_count"`
	LastClickedAt   *time.Time  `gorm:"column:last_clicked_at" json:"last_clicked_at,omitempty"`
	LastClickIP     string      `gorm:"column:last_click_ip;type:varchar(64)" json:"-"`
	CreatedAt       time.Time   `gorm:"column:created_at;not null" json:"created_at"`
}

type CreateReferralRequest struct {
	ReferralCode      string           `json:"referral_code" binding:"required"`
	RefereeID         string           `json:"referee_id" binding:"required"`
	UTMSource         string           `json:"utm_source"`
	UTMMedium         string           `json:"utm_medium"`
	UTMCampaign       string           `json:"utm_campaign"`
	DeviceFingerprint string           `json:"device_fingerprint"`
	IPAddress         string           `json:"ip_address"`
	UserAgent         string           `json:"user_agent"`
	BonusType         BonusType        `json:"bonus_type"`
	BonusPoints       *int64           `json:"bonus_points"`
	BonusCash         *decimal.Decimal `json:"bonus_cash"`
	BonusMultiplier   *decimal.Decimal `json:"bonus_multiplier"`
}

// RefereeStatusUpdate carries milestone flags. Nil fields are left alone.
type RefereeStatusUpdate struct {
	KYCCompleted *bool            `json:"kyc_completed"`
	Funded       *bool            `json:"funded"`
	FundedAmount *decimal.Decimal `json:"funded_amount"`
	Active       *bool            `json:"active"`
}

// MilestoneChange reports which flags flipped to true for the first time.
type MilestoneChange struct {
	KYCCompleted bool
	Funded       bool
	Activated    bool
}

type AwardResult struct {
	ReferralID     string          `json:"referral_id"`
	PointsAwarded  int64           `json:"points_awarded"`
	CashAwarded    decimal.Decimal `json:"cash_awarded"`
	AlreadyAwarded bool            `json:"already_awarded"`
}

type EligibilityResult struct {
	ReferralID string      `json:"referral_id"`
	Eligible   bool        `json:"eligible"`
	Status     BonusStatus `json:"status"`
	Notes      string      `json:"notes"`
}

type CodeValidation struct {
	IsValid    bool   `json:"is_valid"`
	Code       string `json:"code,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`
	OwnerType  string `json:"owner_type,omitempty"`
}

type Stats struct {
	TotalReferrals     int64           `json:"total_referrals"`
	PendingReferrals   int64           `json:"pending_referrals"`
	EligibleReferrals  int64           `json:"eligible_referrals"`
	AwardedReferrals   int64           `json:"awarded_referrals"`
	ExpiredReferrals   int64           `json:"expired_referrals"`
	FlaggedReferrals   int64           `json:"fraud_flagged_referrals"`
	CancelledReferrals int64           `json:"cancelled_referrals"`
	TotalPointsEarned  int64           `json:"total_points_earned"`
	TotalCashEarned    decimal.Decimal `json:"total_cash_earned"`
}

type ShareRequest struct {
	UserID      string      `json:"user_id" binding:"required"`
	ShareMethod ShareMethod `json:"share_method" binding:"required"`
	Destination string      `json:"share_destination"`
	DeviceType  string      `json:"device_type"`
	Platform    string      `json:"platform"`
}

type ShareResult struct {
	ShareID      string `json:"share_id"`
	TrackingURL  string `json:"tracking_url"`
	ReferralCode string `json:"referral_code"`
}

type ShareAnalytics struct {
	TotalShares      int64   `json:"total_shares"`
	TotalClicks      int64   `json:"total_clicks"`
	TotalConversions int64   `json:"total_conversions"`
	ConversionRate   float64 `json:"conversion_rate"`
	TopShareMethod   string  `json:"top_share_method"`
	SharesLast7Days  int64   `json:"shares_last_7_days"`
	SharesLast30Days int64   `json:"shares_last_30_days"`
}

type ChannelStats struct {
	ShareMethod       ShareMethod `json:"share_method"`
	TotalShares       int64       `json:"total_shares"`
	TotalClicks       int64       `json:"total_clicks"`
	TotalConversions  int64       `json:"total_conversions"`
	ConversionRate    float64     `json:"conversion_rate"`
	AvgClicksPerShare float64     `json:"avg_clicks_per_share"`
}
