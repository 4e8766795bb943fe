package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"growth_service/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCampaignNotFound = apperr.NotFound("campaign_not_found", "promo: campaign not found")
	ErrCodeTaken        = apperr.Conflict("campaign_code_taken", "promo: campaign code already in use")
	ErrInvalidState     = apperr.Policy("invalid_state", "promo: invalid campaign status transition")
	// errSeqTaken means a concurrent redemption claimed the same sequence
	// number; the redemption is retried.
	errSeqTaken = errors.New("promo: redemption sequence taken")
)

type CampaignRepository interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, tx *gorm.DB, id string) (*Campaign, error)
	GetCampaignByCode(ctx context.Context, tx *gorm.DB, code string, lock bool) (*Campaign, error)
	ListCampaigns(ctx context.Context, status CampaignStatus, limit int, offset int) ([]Campaign, error)
	ListActiveCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
	TransitionCampaign(ctx context.Context, id string, from CampaignStatus, to CampaignStatus, now time.Time) (bool, error)
	ExpireCampaigns(ctx context.Context, now time.Time) (int64, error)
	IncrementRedemptions(ctx context.Context, tx *gorm.DB, id string, now time.Time) (bool, error)

	CountUserRedemptions(ctx context.Context, tx *gorm.DB, campaignID string, userID string) (int64, error)
	CreateRedemption(ctx context.Context, tx *gorm.DB, r *Redemption) error
	ListUserRedemptions(ctx context.Context, userID string, limit int, offset int) ([]Redemption, error)
	RedemptionTotals(ctx context.Context, campaignID string) (*redemptionTotals, error)
	ListRedemptionDates(ctx context.Context, campaignID string, since time.Time) ([]time.Time, error)

	GetProfile(ctx context.Context, tx *gorm.DB, userID string) (*UserProfile, error)
}

type CampaignRepositoryImpl struct {
	db *gorm.DB
}

func NewCampaignRepository(db *gorm.DB) *CampaignRepositoryImpl {
	return &CampaignRepositoryImpl{db: db}
}

func (r *CampaignRepositoryImpl) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *CampaignRepositoryImpl) CreateCampaign(ctx context.Context, c *Campaign) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return ErrCodeTaken
		}
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepositoryImpl) GetCampaign(ctx context.Context, tx *gorm.DB, id string) (*Campaign, error) {
	var c Campaign
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &c, nil
}

// GetCampaignByCode loads a campaign, optionally locking it for the rest
// of tx.
func (r *CampaignRepositoryImpl) GetCampaignByCode(ctx context.Context, tx *gorm.DB, code string, lock bool) (*Campaign, error) {
	q := r.conn(tx).WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var c Campaign
	if err := q.Where("campaign_code = ?", code).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &c, nil
}

func (r *CampaignRepositoryImpl) ListCampaigns(ctx context.Context, status CampaignStatus, limit int, offset int) ([]Campaign, error) {
	var campaigns []Campaign
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&campaigns).Error; err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

func (r *CampaignRepositoryImpl) ListActiveCampaigns(ctx context.Context, now time.Time) ([]Campaign, error) {
	var campaigns []Campaign
	err := r.db.WithContext(ctx).
		Where("status = ? AND start_date <= ? AND end_date >= ?", CampaignActive, now, now).
		Order("end_date").
		Find(&campaigns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active campaigns: %w", err)
	}
	return campaigns, nil
}

func (r *CampaignRepositoryImpl) TransitionCampaign(ctx context.Context, id string, from CampaignStatus, to CampaignStatus, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Campaign{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": now})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *CampaignRepositoryImpl) ExpireCampaigns(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&Campaign{}).
		Where("status IN ? AND end_date < ?", []CampaignStatus{CampaignActive, CampaignPaused}, now).
		Updates(map[string]interface{}{"status": CampaignExpired, "updated_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire campaigns: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// IncrementRedemptions bumps the campaign counter unless the global cap is
// already reached.
func (r *CampaignRepositoryImpl) IncrementRedemptions(ctx context.Context, tx *gorm.DB, id string, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Model(&Campaign{}).
		Where("id = ? AND (max_redemptions_total IS NULL OR total_redemptions < max_redemptions_total)", id).
		Updates(map[string]interface{}{
			"total_redemptions": gorm.Expr("total_redemptions + 1"),
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to increment redemptions: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *CampaignRepositoryImpl) CountUserRedemptions(ctx context.Context, tx *gorm.DB, campaignID string, userID string) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&Redemption{}).
		Where("campaign_id = ? AND user_id = ?", campaignID, userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count redemptions: %w", err)
	}
	return n, nil
}

func (r *CampaignRepositoryImpl) CreateRedemption(ctx context.Context, tx *gorm.DB, red *Redemption) error {
	if err := tx.WithContext(ctx).Create(red).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return errSeqTaken
		}
		return fmt.Errorf("failed to create redemption: %w", err)
	}
	return nil
}

func (r *CampaignRepositoryImpl) ListUserRedemptions(ctx context.Context, userID string, limit int, offset int) ([]Redemption, error) {
	var out []Redemption
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("redemption_date DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list redemptions: %w", err)
	}
	return out, nil
}

func (r *CampaignRepositoryImpl) RedemptionTotals(ctx context.Context, campaignID string) (*redemptionTotals, error) {
	var totals redemptionTotals
	err := r.db.WithContext(ctx).Model(&Redemption{}).
		Select(`COUNT(*) AS redemptions,
			COUNT(DISTINCT user_id) AS unique_users,
			COALESCE(SUM(points_awarded), 0) AS points,
			COALESCE(SUM(cash_bonus_awarded), 0) AS cash,
			COALESCE(SUM(deposit_amount), 0) AS deposits,
			COUNT(deposit_amount) AS with_deposit`).
		Where("campaign_id = ?", campaignID).
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate redemptions: %w", err)
	}
	return &totals, nil
}

func (r *CampaignRepositoryImpl) ListRedemptionDates(ctx context.Context, campaignID string, since time.Time) ([]time.Time, error) {
	var dates []time.Time
	err := r.db.WithContext(ctx).Model(&Redemption{}).
		Where("campaign_id = ? AND redemption_date >= ?", campaignID, since).
		Order("redemption_date DESC").
		Pluck("redemption_date", &dates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list redemption dates: %w", err)
	}
	return dates, nil
}

// GetProfile returns nil without error for users the account service has
// no profile for.
func (r *CampaignRepositoryImpl) GetProfile(ctx context.Context, tx *gorm.DB, userID string) (*UserProfile, error) {
	var p UserProfile
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}
	return &p, nil
}
