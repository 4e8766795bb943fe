package compensation

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"growth_service/internal/apperr"
	"growth_service/internal/config"
	"growth_service/internal/referral"
	"gorm.io/gorm"
)

var ErrUserHasCode = apperr.Conflict("user_has_code", "compensation: user already owns a referral code")

var partnerCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{3,31}$`)

// CodeRegistry claims partner codes in the referral code namespace.
type CodeRegistry interface {
	CodeExists(ctx context.Context, tx *gorm.DB, code string) (bool, error)
	RegisterCode(ctx context.Context, tx *gorm.DB, userID string, code string, ownerType string) (*referral.ReferralCode, error)
	SetCodeActive(ctx context.Context, tx *gorm.DB, code string, active bool) error
}

type Service struct {
	db    *gorm.DB
	repo  CompensationRepository
	codes CodeRegistry
	cfg   config.PayoutConfig
	log   *logrus.Logger
	now   func() time.Time
}

func NewService(db *gorm.DB, repo CompensationRepository, codes CodeRegistry, cfg config.PayoutConfig, log *logrus.Logger) *Service {
	if cfg.GenerationConcurrency <= 0 {
		cfg.GenerationConcurrency = 1
	}
	if cfg.PartnerPageSize <= 0 {
		cfg.PartnerPageSize = 100
	}
	return &Service{
		db:    db,
		repo:  repo,
		codes: codes,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// CreatePartner registers a partner in pending status. Its custom code is
// claimed in the referral code namespace and stays inactive until the
// partner is activated.
func (s *Service) CreatePartner(ctx context.Context, req CreatePartnerRequest) (*Partner, error) {
	code := referral.NormalizeCode(req.CustomCode)
	if !partnerCodePattern.MatchString(code) {
		return nil, apperr.Validation("invalid_custom_code", "compensation: custom code must be 4-32 letters, digits, '-' or '_'")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("name_required", "compensation: partner name is required")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, apperr.Validation("invalid_email", "compensation: invalid email address")
	}

	ctype := req.CompensationType
	if ctype == "" {
		ctype = CompTiered
	}
	if !ctype.Valid() {
		return nil, apperr.Validation("invalid_compensation_type", fmt.Sprintf("compensation: unknown compensation type %q", ctype))
	}
	baseRate := decimal.Zero
	if req.BaseRate != nil {
		baseRate = *req.BaseRate
	}
	if baseRate.IsNegative() || (ctype != CompTiered && !baseRate.IsPositive()) {
		return nil, apperr.Validation("invalid_base_rate", "compensation: base rate must be positive for "+string(ctype)+" partners")
	}
	if req.ContractStartDate != nil && req.ContractEndDate != nil && !req.ContractStartDate.Before(*req.ContractEndDate) {
		return nil, apperr.Validation("invalid_contract", "compensation: contract must start before it ends")
	}

	now := s.now()
	id := uuid.New().String()
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = "partner:" + id
	}
	p := &Partner{
		ID:                      id,
		UserID:                  userID,
		Name:                    name,
		BusinessName:            req.BusinessName,
		Email:                   strings.ToLower(addr.Address),
		Phone:                   req.Phone,
		ContactPerson:           req.ContactPerson,
		CustomCode:              code,
		CompensationType:        ctype,
		BaseRate:                baseRate.Round(2),
		TotalCompensationEarned: decimal.Zero,
		TotalCompensationPaid:   decimal.Zero,
		PendingCompensation:     decimal.Zero,
		Status:                  PartnerPending,
		BankName:                req.BankName,
		AccountNumber:           req.AccountNumber,
		AccountName:             req.AccountName,
		BankCode:                req.BankCode,
		MonthlyTarget:           req.MonthlyTarget,
		ContractStartDate:       req.ContractStartDate,
		ContractEndDate:         req.ContractEndDate,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := s.codes.CodeExists(ctx, tx, code)
		if err != nil {
			return err
		}
		if taken {
			return referral.ErrCodeTaken
		}
		if err := s.repo.CreatePartner(ctx, tx, p); err != nil {
			return err
		}
		if _, err := s.codes.RegisterCode(ctx, tx, userID, code, referral.OwnerPartner); err != nil {
			if errors.Is(err, referral.ErrCodeTaken) {
				return ErrUserHasCode
			}
			return err
		}
		return s.codes.SetCodeActive(ctx, tx, code, false)
	})
	if err != nil {
		return nil, apperr.FromStore("compensation: create partner", err)
	}

	s.log.WithFields(logrus.Fields{
		"partner_id":  p.ID,
		"custom_code": code,
		"type":        ctype,
	}).Info("partner created")
	return p, nil
}

var upper = cases.Upper(language.Und)

// SuggestPartnerCode derives a free custom code from a display name.
func (s *Service) SuggestPartnerCode(ctx context.Context, name string) (string, error) {
	base := upper.String(strings.ReplaceAll(slug.Make(name), "-", ""))
	if len(base) > 12 {
		base = base[:12]
	}
	if len(base) < 4 {
		base += "PARTNER"[:7-len(base)]
	}

	for i := 1; i <= 99; i++ {
		candidate := base
		if i > 1 {
			candidate = fmt.Sprintf("%s%d", base, i)
		}
		taken, err := s.codes.CodeExists(ctx, nil, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", apperr.Conflict("code_generation_failed", "compensation: no free code near "+base)
}

// UpdatePartnerStatus moves a partner through its lifecycle. The partner's
// code only attributes referrals while the partner is active.
func (s *Service) UpdatePartnerStatus(ctx context.Context, id string, to PartnerStatus, reason string) (*Partner, error) {
	if !to.Valid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("compensation: unknown partner status %q", to))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" && (to == PartnerSuspended || to == PartnerTerminated) {
		return nil, apperr.Validation("reason_required", "compensation: a reason is required to "+string(to)+" a partner")
	}

	var out *Partner
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.GetPartnerForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status == to {
			out = p
			return nil
		}
		if !p.Status.CanTransitionTo(to) {
			return apperr.Policy(ErrInvalidState.Code, fmt.Sprintf("compensation: cannot move %s partner to %s", p.Status, to))
		}
		ok, err := s.repo.TransitionPartner(ctx, tx, id, p.Status, map[string]interface{}{
			"status":        to,
			"status_reason": reason,
			"updated_at":    s.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("status_changed", "compensation: partner status changed concurrently, retry")
		}
		if err := s.codes.SetCodeActive(ctx, tx, p.CustomCode, to == PartnerActive); err != nil {
			return err
		}
		out, err = s.repo.GetPartner(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, apperr.FromStore("compensation: update partner status", err)
	}

	s.log.WithFields(logrus.Fields{
		"partner_id": id,
		"status":     to,
		"reason":     reason,
	}).Info("partner status updated")
	return out, nil
}

func (s *Service) GetPartner(ctx context.Context, id string) (*Partner, error) {
	p, err := s.repo.GetPartner(ctx, nil, id)
	if err != nil {
		return nil, apperr.FromStore("compensation: get partner", err)
	}
	return p, nil
}

func (s *Service) GetPartnerByCode(ctx context.Context, code string) (*Partner, error) {
	p, err := s.repo.GetPartnerByCode(ctx, referral.NormalizeCode(code))
	if err != nil {
		return nil, apperr.FromStore("compensation: get partner", err)
	}
	return p, nil
}

func (s *Service) ListPartners(ctx context.Context, status PartnerStatus, limit int, offset int) ([]Partner, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("compensation: unknown partner status %q", status))
	}
	limit, offset = pageBounds(limit, offset)
	partners, err := s.repo.ListPartners(ctx, status, limit, offset)
	return partners, apperr.FromStore("compensation: list partners", err)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (s *Service) GetPartnerStats(ctx context.Context, id string) (*PartnerStats, error) {
	p, err := s.repo.GetPartner(ctx, nil, id)
	if err != nil {
		return nil, apperr.FromStore("compensation: partner stats", err)
	}
	now := s.now()

	stats := &PartnerStats{
		PartnerID:        p.ID,
		PartnerName:      p.Name,
		TotalReferrals:   p.TotalReferrals,
		ActiveReferrals:  p.ActiveReferrals,
		FundedReferrals:  p.FundedReferrals,
		PendingReferrals: p.PendingReferrals,
		TotalEarned:      p.TotalCompensationEarned,
		TotalPaid:        p.TotalCompensationPaid,
		PendingAmount:    p.PendingCompensation,
		ReferralsByMonth: []MonthCount{},
	}
	if p.TotalReferrals > 0 {
		stats.ConversionRate = float64(p.ActiveReferrals) / float64(p.TotalReferrals) * 100
	}

	tiers, err := s.repo.ListTiers(ctx)
	if err != nil {
		return nil, apperr.FromStore("compensation: partner stats", err)
	}
	if len(tiers) > 0 {
		lifetime, err := s.repo.CountLifetimeReferrals(ctx, p.CustomCode, now)
		if err != nil {
			return nil, apperr.FromStore("compensation: partner stats", err)
		}
		if t, ok := effectiveTier(tiers, lifetime, p.CompensationTierLevel); ok {
			stats.CurrentTier = t.TierName
		}
	}

	thisMonth := monthStart(now)
	lastMonth := thisMonth.AddDate(0, -1, 0)
	times, err := s.repo.ListReferralTimes(ctx, p.CustomCode, thisMonth.AddDate(0, -11, 0))
	if err != nil {
		return nil, apperr.FromStore("compensation: partner stats", err)
	}
	byMonth := map[string]int64{}
	for _, t := range times {
		t = t.UTC()
		byMonth[t.Format("2006-01")]++
		switch {
		case !t.Before(thisMonth):
			stats.ThisMonthReferrals++
		case !t.Before(lastMonth):
			stats.LastMonthReferrals++
		}
	}
	for m := thisMonth; !m.Before(thisMonth.AddDate(0, -11, 0)); m = m.AddDate(0, -1, 0) {
		key := m.Format("2006-01")
		if n, ok := byMonth[key]; ok {
			stats.ReferralsByMonth = append(stats.ReferralsByMonth, MonthCount{Month: key, Count: n})
		}
	}
	return stats, nil
}

func (s *Service) ListTiers(ctx context.Context) ([]Tier, error) {
	tiers, err := s.repo.ListTiers(ctx)
	return tiers, apperr.FromStore("compensation: list tiers", err)
}

// ReplaceTiers swaps the whole ladder after validating it.
func (s *Service) ReplaceTiers(ctx context.Context, tiers []Tier) ([]Tier, error) {
	if err := ValidateLadder(tiers); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.ReplaceTiers(ctx, tx, tiers)
	})
	if err != nil {
		return nil, apperr.FromStore("compensation: replace tiers", err)
	}
	s.log.WithField("tiers", len(tiers)).Info("compensation tiers replaced")
	return tiers, nil
}

// EnsureDefaultTiers installs DefaultTiers when no ladder exists yet.
func (s *Service) EnsureDefaultTiers(ctx context.Context) error {
	tiers, err := s.repo.ListTiers(ctx)
	if err != nil {
		return apperr.FromStore("compensation: list tiers", err)
	}
	if len(tiers) > 0 {
		return nil
	}
	_, err = s.ReplaceTiers(ctx, DefaultTiers())
	return err
}

// PartnerTracker keeps partner referral counters in step with referral
// lifecycle events. It runs inside the referral's transaction.
type PartnerTracker struct {
	repo CompensationRepository
	now  func() time.Time
}

func (s *Service) Tracker() *PartnerTracker {
	return &PartnerTracker{repo: s.repo, now: func() time.Time { return s.now() }}
}

func (t *PartnerTracker) ReferralCreated(ctx context.Context, tx *gorm.DB, r *referral.Referral) error {
	return t.repo.IncrementCounters(ctx, tx, r.ReferralCode, map[string]int64{
		"total_referrals":   1,
		"pending_referrals": 1,
	}, t.now())
}

func (t *PartnerTracker) MilestonesReached(ctx context.Context, tx *gorm.DB, r *referral.Referral, change referral.MilestoneChange) error {
	deltas := map[string]int64{}
	if change.Funded {
		deltas["funded_referrals"] = 1
		deltas["pending_referrals"] = -1
	}
	if change.Activated {
		deltas["active_referrals"] = 1
	}
	if len(deltas) == 0 {
		return nil
	}
	return t.repo.IncrementCounters(ctx, tx, r.ReferralCode, deltas, t.now())
}
