package compensation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"growth_service/internal/apperr"
	"growth_service/internal/referral"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPartnerNotFound  = apperr.NotFound("partner_not_found", "compensation: partner not found")
	ErrPartnerExists    = apperr.Conflict("partner_exists", "compensation: a partner with this email or user already exists")
	ErrPayoutNotFound   = apperr.NotFound("payout_not_found", "compensation: payout not found")
	ErrDuplicatePeriod  = apperr.Conflict("duplicate_period", "compensation: a live payout already covers this period")
	ErrInvalidState     = apperr.Policy("invalid_state", "compensation: invalid status transition")
	ErrTiersMissing     = apperr.Policy("tiers_not_configured", "compensation: no compensation tiers configured")
	ErrInvalidTierTable = apperr.Validation("invalid_tiers", "compensation: tiers must partition the referral count range")
)

// excludedStatuses never count toward partner compensation.
var excludedStatuses = []referral.BonusStatus{referral.StatusFraudFlagged, referral.StatusCancelled}

type CompensationRepository interface {
	CreatePartner(ctx context.Context, tx *gorm.DB, p *Partner) error
	GetPartner(ctx context.Context, tx *gorm.DB, id string) (*Partner, error)
	GetPartnerForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Partner, error)
	GetPartnerByCode(ctx context.Context, code string) (*Partner, error)
	ListPartners(ctx context.Context, status PartnerStatus, limit int, offset int) ([]Partner, error)
	ListActivePartnersAfter(ctx context.Context, afterID string, limit int) ([]Partner, error)
	UpdatePartner(ctx context.Context, tx *gorm.DB, id string, fields map[string]interface{}) error
	TransitionPartner(ctx context.Context, tx *gorm.DB, id string, from PartnerStatus, fields map[string]interface{}) (bool, error)
	IncrementCounters(ctx context.Context, tx *gorm.DB, code string, deltas map[string]int64, now time.Time) error
	RaiseTierLevel(ctx context.Context, tx *gorm.DB, id string, level int, now time.Time) error

	ListTiers(ctx context.Context) ([]Tier, error)
	ReplaceTiers(ctx context.Context, tx *gorm.DB, tiers []Tier) error

	CountPeriodReferrals(ctx context.Context, code string, start, end time.Time) (*periodCounts, error)
	CountLifetimeReferrals(ctx context.Context, code string, until time.Time) (int64, error)
	ListReferralTimes(ctx context.Context, code string, since time.Time) ([]time.Time, error)

	CreatePayout(ctx context.Context, tx *gorm.DB, p *Payout) error
	HasOverlappingPayout(ctx context.Context, tx *gorm.DB, partnerID string, start, end time.Time) (bool, error)
	HasLiveCorrection(ctx context.Context, tx *gorm.DB, payoutID string) (bool, error)
	GetPayout(ctx context.Context, tx *gorm.DB, id string) (*Payout, error)
	TransitionPayout(ctx context.Context, tx *gorm.DB, id string, from PayoutStatus, fields map[string]interface{}) (bool, error)
	ListPartnerPayouts(ctx context.Context, partnerID string, limit int, offset int) ([]Payout, error)
	ListPayoutsByStatus(ctx context.Context, status PayoutStatus, limit int, offset int) ([]Payout, error)
}

type CompensationRepositoryImpl struct {
	db *gorm.DB
}

func NewCompensationRepository(db *gorm.DB) *CompensationRepositoryImpl {
	return &CompensationRepositoryImpl{db: db}
}

func (r *CompensationRepositoryImpl) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *CompensationRepositoryImpl) CreatePartner(ctx context.Context, tx *gorm.DB, p *Partner) error {
	if err := r.conn(tx).WithContext(ctx).Create(p).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return ErrPartnerExists
		}
		return fmt.Errorf("failed to create partner: %w", err)
	}
	return nil
}

func (r *CompensationRepositoryImpl) GetPartner(ctx context.Context, tx *gorm.DB, id string) (*Partner, error) {
	var p Partner
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPartnerNotFound
		}
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}
	return &p, nil
}

func (r *CompensationRepositoryImpl) GetPartnerForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Partner, error) {
	var p Partner
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPartnerNotFound
		}
		return nil, fmt.Errorf("failed to lock partner: %w", err)
	}
	return &p, nil
}

func (r *CompensationRepositoryImpl) GetPartnerByCode(ctx context.Context, code string) (*Partner, error) {
	var p Partner
	err := r.db.WithContext(ctx).Where("custom_code = ?", code).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPartnerNotFound
		}
		return nil, fmt.Errorf("failed to get partner by code: %w", err)
	}
	return &p, nil
}

func (r *CompensationRepositoryImpl) ListPartners(ctx context.Context, status PartnerStatus, limit int, offset int) ([]Partner, error) {
	var partners []Partner
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&partners).Error; err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}
	return partners, nil
}

func (r *CompensationRepositoryImpl) ListActivePartnersAfter(ctx context.Context, afterID string, limit int) ([]Partner, error) {
	var partners []Partner
	err := r.db.WithContext(ctx).
		Where("status = ? AND id > ?", PartnerActive, afterID).
		Order("id").
		Limit(limit).
		Find(&partners).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active partners: %w", err)
	}
	return partners, nil
}

func (r *CompensationRepositoryImpl) UpdatePartner(ctx context.Context, tx *gorm.DB, id string, fields map[string]interface{}) error {
	result := r.conn(tx).WithContext(ctx).Model(&Partner{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update partner: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPartnerNotFound
	}
	return nil
}

func (r *CompensationRepositoryImpl) TransitionPartner(ctx context.Context, tx *gorm.DB, id string, from PartnerStatus, fields map[string]interface{}) (bool, error) {
	result := r.conn(tx).WithContext(ctx).Model(&Partner{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update partner status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// IncrementCounters applies deltas to the referral counters of the partner
// owning code. Counters never drop below zero. Codes without a partner are
// ignored.
func (r *CompensationRepositoryImpl) IncrementCounters(ctx context.Context, tx *gorm.DB, code string, deltas map[string]int64, now time.Time) error {
	fields := map[string]interface{}{"updated_at": now}
	for column, delta := range deltas {
		if delta >= 0 {
			fields[column] = gorm.Expr(column+" + ?", delta)
		} else {
			fields[column] = gorm.Expr("CASE WHEN "+column+" + ? < 0 THEN 0 ELSE "+column+" + ? END", delta, delta)
		}
	}
	err := r.conn(tx).WithContext(ctx).Model(&Partner{}).Where("custom_code = ?", code).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("failed to update partner counters: %w", err)
	}
	return nil
}

// RaiseTierLevel stores level as the partner's tier unless a higher one
// is already recorded.
func (r *CompensationRepositoryImpl) RaiseTierLevel(ctx context.Context, tx *gorm.DB, id string, level int, now time.Time) error {
	err := r.conn(tx).WithContext(ctx).Model(&Partner{}).
		Where("id = ? AND compensation_tier_level < ?", id, level).
		Updates(map[string]interface{}{"compensation_tier_level": level, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to raise tier level: %w", err)
	}
	return nil
}

func (r *CompensationRepositoryImpl) ListTiers(ctx context.Context) ([]Tier, error) {
	var tiers []Tier
	if err := r.db.WithContext(ctx).Order("tier_level").Find(&tiers).Error; err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	return tiers, nil
}

func (r *CompensationRepositoryImpl) ReplaceTiers(ctx context.Context, tx *gorm.DB, tiers []Tier) error {
	if err := tx.WithContext(ctx).Where("1 = 1").Delete(&Tier{}).Error; err != nil {
		return fmt.Errorf("failed to clear tiers: %w", err)
	}
	for i := range tiers {
		if tiers[i].ID == "" {
			tiers[i].ID = uuid.New().String()
		}
	}
	if err := tx.WithContext(ctx).Create(&tiers).Error; err != nil {
		return fmt.Errorf("failed to create tiers: %w", err)
	}
	return nil
}

// CountPeriodReferrals counts referrals made with code in [start, end).
func (r *CompensationRepositoryImpl) CountPeriodReferrals(ctx context.Context, code string, start, end time.Time) (*periodCounts, error) {
	var counts periodCounts
	err := r.db.WithContext(ctx).
		Model(&referral.Referral{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN referee_active THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN referee_funded THEN 1 ELSE 0 END), 0) AS funded,
			COALESCE(SUM(CASE WHEN referee_funded THEN referee_funded_amount ELSE 0 END), 0) AS funded_amount`).
		Where("referral_code = ? AND created_at >= ? AND created_at < ?", code, start, end).
		Where("bonus_status NOT IN ?", excludedStatuses).
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count period referrals: %w", err)
	}
	return &counts, nil
}

func (r *CompensationRepositoryImpl) CountLifetimeReferrals(ctx context.Context, code string, until time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&referral.Referral{}).
		Where("referral_code = ? AND created_at < ?", code, until).
		Where("bonus_status NOT IN ?", excludedStatuses).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count lifetime referrals: %w", err)
	}
	return n, nil
}

func (r *CompensationRepositoryImpl) ListReferralTimes(ctx context.Context, code string, since time.Time) ([]time.Time, error) {
	var times []time.Time
	err := r.db.WithContext(ctx).
		Model(&referral.Referral{}).
		Where("referral_code = ? AND created_at >= ?", code, since).
		Order("created_at").
		Pluck("created_at", &times).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list referral times: %w", err)
	}
	return times, nil
}

func (r *CompensationRepositoryImpl) CreatePayout(ctx context.Context, tx *gorm.DB, p *Payout) error {
	if err := r.conn(tx).WithContext(ctx).Create(p).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return ErrDuplicatePeriod
		}
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

// HasOverlappingPayout reports whether a live payout of the partner
// intersects [start, end).
func (r *CompensationRepositoryImpl) HasOverlappingPayout(ctx context.Context, tx *gorm.DB, partnerID string, start, end time.Time) (bool, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&Payout{}).
		Where("partner_id = ? AND period_start < ? AND period_end > ?", partnerID, end, start).
		Where("status NOT IN ?", []PayoutStatus{PayoutRejected, PayoutCancelled}).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check payout overlap: %w", err)
	}
	return n > 0, nil
}

func (r *CompensationRepositoryImpl) HasLiveCorrection(ctx context.Context, tx *gorm.DB, payoutID string) (bool, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&Payout{}).
		Where("corrects_payout_id = ?", payoutID).
		Where("status NOT IN ?", []PayoutStatus{PayoutRejected, PayoutCancelled}).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check corrections: %w", err)
	}
	return n > 0, nil
}

func (r *CompensationRepositoryImpl) GetPayout(ctx context.Context, tx *gorm.DB, id string) (*Payout, error) {
	var p Payout
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return &p, nil
}

// TransitionPayout applies fields only while the payout is still in from.
func (r *CompensationRepositoryImpl) TransitionPayout(ctx context.Context, tx *gorm.DB, id string, from PayoutStatus, fields map[string]interface{}) (bool, error) {
	result := r.conn(tx).WithContext(ctx).Model(&Payout{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update payout: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *CompensationRepositoryImpl) ListPartnerPayouts(ctx context.Context, partnerID string, limit int, offset int) ([]Payout, error) {
	var payouts []Payout
	err := r.db.WithContext(ctx).
		Where("partner_id = ?", partnerID).
		Order("period_start DESC, created_at DESC").
		Limit(limit).Offset(offset).
		Find(&payouts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list partner payouts: %w", err)
	}
	return payouts, nil
}

func (r *CompensationRepositoryImpl) ListPayoutsByStatus(ctx context.Context, status PayoutStatus, limit int, offset int) ([]Payout, error) {
	var payouts []Payout
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at").
		Limit(limit).Offset(offset).
		Find(&payouts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	return payouts, nil
}
