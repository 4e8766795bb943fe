package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"growth_service/internal/apperr"
	"gorm.io/gorm"
)

var (
	ErrReferralNotFound = apperr.NotFound("referral_not_found", "referral: not found")
	ErrCodeNotFound     = apperr.NotFound("referral_code_not_found", "referral: code not found")
	ErrInvalidCode      = apperr.Validation("invalid_referral_code", "referral: invalid referral code")
	ErrSelfReferral     = apperr.Validation("self_referral", "referral: users cannot refer themselves")
	ErrAlreadyReferred  = apperr.Conflict("already_referred", "referral: referee already referred by this referrer")
	ErrCodeTaken        = apperr.Conflict("code_taken", "referral: code already in use")
	ErrInvalidState     = apperr.Policy("invalid_state", "referral: invalid status transition")
	ErrNotEligible      = apperr.Policy("not_eligible", "referral: referral is not eligible for a bonus")
)

type ReferralRepository interface {
	CreateReferral(ctx context.Context, tx *gorm.DB, r *Referral) error
	GetReferral(ctx context.Context, tx *gorm.DB, id string) (*Referral, error)
	ListByReferrer(ctx context.Context, referrerID string, limit int, offset int) ([]Referral, error)
	ListByStatus(ctx context.Context, status BonusStatus, limit int, offset int) ([]Referral, error)
	TransitionStatus(ctx context.Context, tx *gorm.DB, id string, from []BonusStatus, to BonusStatus, extra map[string]interface{}) (bool, error)
	SetFlag(ctx context.Context, tx *gorm.DB, id string, flag string, stampColumn string, now time.Time) (bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id string, fields map[string]interface{}) error
	ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]Referral, error)
	AppendAudit(ctx context.Context, tx *gorm.DB, entry *AuditEntry) error
	ListAudit(ctx context.Context, referralID string) ([]AuditEntry, error)
	CountByStatus(ctx context.Context, referrerID string) (map[BonusStatus]int64, error)
	ListAwarded(ctx context.Context, referrerID string) ([]Referral, error)

	GetCodeByUser(ctx context.Context, userID string) (*ReferralCode, error)
	GetCode(ctx context.Context, tx *gorm.DB, code string) (*ReferralCode, error)
	CreateCode(ctx context.Context, tx *gorm.DB, code *ReferralCode) error
	SetCodeActive(ctx context.Context, tx *gorm.DB, code string, active bool) error

	CreateShare(ctx context.Context, share *ShareEvent) error
	IncrementClick(ctx context.Context, trackingURL string, ip string, now time.Time) (bool, error)
	AttributeConversion(ctx context.Context, tx *gorm.DB, code string) (bool, error)
	ListSharesByUser(ctx context.Context, userID string) ([]ShareEvent, error)
	ChannelTotals(ctx context.Context) ([]ChannelStats, error)
}

type ReferralRepositoryImpl struct {
	db *gorm.DB
}

func NewReferralRepository(db *gorm.DB) *ReferralRepositoryImpl {
	return &ReferralRepositoryImpl{db: db}
}

func (r *ReferralRepositoryImpl) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *ReferralRepositoryImpl) CreateReferral(ctx context.Context, tx *gorm.DB, ref *Referral) error {
	err := r.conn(tx).WithContext(ctx).Create(ref).Error
	if err != nil {
		if apperr.IsUniqueViolation(err) {
			return ErrAlreadyReferred
		}
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

func (r *ReferralRepositoryImpl) GetReferral(ctx context.Context, tx *gorm.DB, id string) (*Referral, error) {
	var ref Referral
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReferralNotFound
		}
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	return &ref, nil
}

func (r *ReferralRepositoryImpl) ListByReferrer(ctx context.Context, referrerID string, limit int, offset int) ([]Referral, error) {
	var refs []Referral
	err := r.db.WithContext(ctx).
		Where("referrer_id = ?", referrerID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	return refs, nil
}

func (r *ReferralRepositoryImpl) ListByStatus(ctx context.Context, status BonusStatus, limit int, offset int) ([]Referral, error) {
	var refs []Referral
	err := r.db.WithContext(ctx).
		Where("bonus_status = ?", status).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals by status: %w", err)
	}
	return refs, nil
}

// TransitionStatus moves a referral to `to` only while its status is one of
// `from`. It reports whether this call made the change.
func (r *ReferralRepositoryImpl) TransitionStatus(ctx context.Context, tx *gorm.DB, id string, from []BonusStatus, to BonusStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"bonus_status": to}
	for k, v := range extra {
		updates[k] = v
	}
	result := r.conn(tx).WithContext(ctx).
		Model(&Referral{}).
		Where("id = ? AND bonus_status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update referral status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetFlag sets a milestone flag and stamps its timestamp the first time.
func (r *ReferralRepositoryImpl) SetFlag(ctx context.Context, tx *gorm.DB, id string, flag string, stampColumn string, now time.Time) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&Referral{}).
		Where("id = ? AND "+flag+" = ?", id, false).
		Updates(map[string]interface{}{
			flag:         true,
			stampColumn:  now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to set %s: %w", flag, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *ReferralRepositoryImpl) UpdateFields(ctx context.Context, tx *gorm.DB, id string, fields map[string]interface{}) error {
	result := r.conn(tx).WithContext(ctx).Model(&Referral{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update referral: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrReferralNotFound
	}
	return nil
}

func (r *ReferralRepositoryImpl) ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]Referral, error) {
	var refs []Referral
	err := r.db.WithContext(ctx).
		Select("id", "bonus_status").
		Where("bonus_status IN ? AND expires_at < ?", NonTerminalStatuses(), now).
		Order("expires_at").
		Limit(limit).
		Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expiry candidates: %w", err)
	}
	return refs, nil
}

func (r *ReferralRepositoryImpl) AppendAudit(ctx context.Context, tx *gorm.DB, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if err := r.conn(tx).WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r *ReferralRepositoryImpl) ListAudit(ctx context.Context, referralID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := r.db.WithContext(ctx).Where("referral_id = ?", referralID).Order("created_at").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (r *ReferralRepositoryImpl) CountByStatus(ctx context.Context, referrerID string) (map[BonusStatus]int64, error) {
	var rows []struct {
		BonusStatus BonusStatus
		Count       int64
	}
	err := r.db.WithContext(ctx).
		Model(&Referral{}).
		Select("bonus_status, COUNT(*) AS count").
		Where("referrer_id = ?", referrerID).
		Group("bonus_status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count referrals: %w", err)
	}
	out := make(map[BonusStatus]int64, len(rows))
	for _, row := range rows {
		out[row.BonusStatus] = row.Count
	}
	return out, nil
}

func (r *ReferralRepositoryImpl) ListAwarded(ctx context.Context, referrerID string) ([]Referral, error) {
	var refs []Referral
	err := r.db.WithContext(ctx).
		Select("id", "bonus_type", "bonus_points", "bonus_cash", "bonus_multiplier").
		Where("referrer_id = ? AND bonus_status = ?", referrerID, StatusAwarded).
		Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list awarded referrals: %w", err)
	}
	return refs, nil
}

func (r *ReferralRepositoryImpl) GetCodeByUser(ctx context.Context, userID string) (*ReferralCode, error) {
	var code ReferralCode
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get referral code: %w", err)
	}
	return &code, nil
}

func (r *ReferralRepositoryImpl) GetCode(ctx context.Context, tx *gorm.DB, code string) (*ReferralCode, error) {
	var rc ReferralCode
	err := r.conn(tx).WithContext(ctx).Where("code = ?", code).First(&rc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get referral code: %w", err)
	}
	return &rc, nil
}

func (r *ReferralRepositoryImpl) CreateCode(ctx context.Context, tx *gorm.DB, code *ReferralCode) error {
	err := r.conn(tx).WithContext(ctx).Create(code).Error
	if err != nil {
		if apperr.IsUniqueViolation(err) {
			return ErrCodeTaken
		}
		return fmt.Errorf("failed to create referral code: %w", err)
	}
	return nil
}

func (r *ReferralRepositoryImpl) SetCodeActive(ctx context.Context, tx *gorm.DB, code string, active bool) error {
	result := r.conn(tx).WithContext(ctx).Model(&ReferralCode{}).Where("code = ?", code).Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update referral code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCodeNotFound
	}
	return nil
}

func (r *ReferralRepositoryImpl) CreateShare(ctx context.Context, share *ShareEvent) error {
	if err := r.db.WithContext(ctx).Create(share).Error; err != nil {
		return fmt.Errorf("failed to create share event: %w", err)
	}
	return nil
}

func (r *ReferralRepositoryImpl) IncrementClick(ctx context.Context, trackingURL string, ip string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&ShareEvent{}).
		Where("tracking_url = ?", trackingURL).
		Updates(map[string]interface{}{
			"click_count":     gorm.Expr("click_count + 1"),
			"last_clicked_at": now,
			"last_click_ip":   ip,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to track click: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// AttributeConversion credits a conversion to the most recent share of code.
func (r *ReferralRepositoryImpl) AttributeConversion(ctx context.Context, tx *gorm.DB, code string) (bool, error) {
	var share ShareEvent
	err := r.conn(tx).WithContext(ctx).
		Select("id").
		Where("referral_code = ?", code).
		Order("created_at DESC").
		First(&share).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to find share event: %w", err)
	}
	result := r.conn(tx).WithContext(ctx).
		Model(&ShareEvent{}).
		Where("id = ?", share.ID).
		Update("conversion_count", gorm.Expr("conversion_count + 1"))
	if result.Error != nil {
		return false, fmt.Errorf("failed to attribute conversion: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *ReferralRepositoryImpl) ListSharesByUser(ctx context.Context, userID string) ([]ShareEvent, error) {
	var shares []ShareEvent
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&shares).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list share events: %w", err)
	}
	return shares, nil
}

func (r *ReferralRepositoryImpl) ChannelTotals(ctx context.Context) ([]ChannelStats, error) {
	var rows []ChannelStats
	err := r.db.WithContext(ctx).
		Model(&ShareEvent{}).
		Select("share_method, COUNT(*) AS total_shares, COALESCE(SUM(click_count), 0) AS total_clicks, COALESCE(SUM(conversion_count), 0) AS total_conversions").
		Group("share_method").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate share channels: %w", err)
	}
	return rows, nil
}
