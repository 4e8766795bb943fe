package promo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"growth_service/internal/apperr"
	"growth_service/internal/config"
	"growth_service/internal/wallet"
	"gorm.io/gorm"
)

// Rejection reasons reported by ValidatePromoCode and RedeemPromoCode.
const (
	ReasonNotFound         = "campaign_not_found"
	ReasonInactive         = "campaign_inactive"
	ReasonNotStarted       = "campaign_not_started"
	ReasonEnded            = "campaign_ended"
	ReasonNotEligible      = "not_eligible"
	ReasonUserLimit        = "user_limit_reached"
	ReasonCampaignLimit    = "campaign_limit_reached"
	ReasonDepositRequired  = "deposit_required"
	ReasonMinDepositNotMet = "min_deposit_not_met"
)

var ErrRedemptionConflict = apperr.Conflict("redemption_conflict", "promo: redemption raced with another, retry")

var campaignCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,31}$`)

var hundred = decimal.NewFromInt(100)

// RewardLedger credits redemption awards inside the redemption
// transaction.
type RewardLedger interface {
	CreditTx(ctx context.Context, tx *gorm.DB, req wallet.CreditRequest) (*wallet.LedgerEntry, error)
	Announce(entry *wallet.LedgerEntry)
}

type Service struct {
	db     *gorm.DB
	repo   CampaignRepository
	ledger RewardLedger
	cfg    config.PromoConfig
	log    *logrus.Logger
	now    func() time.Time
}

func NewService(db *gorm.DB, repo CampaignRepository, ledger RewardLedger, cfg config.PromoConfig, log *logrus.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Service{
		db:     db,
		repo:   repo,
		ledger: ledger,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateCampaign stores a new campaign in draft status.
func (s *Service) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*Campaign, error) {
	code := normalizeCode(req.CampaignCode)
	if !campaignCodePattern.MatchString(code) {
		return nil, apperr.Validation("invalid_campaign_code", "promo: campaign code must be 3-32 letters, digits, '-' or '_'")
	}
	name := strings.TrimSpace(req.CampaignName)
	if name == "" {
		return nil, apperr.Validation("name_required", "promo: campaign name is required")
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, apperr.Validation("actor_required", "promo: created_by is required")
	}
	if !req.CampaignType.Valid() {
		return nil, apperr.Validation("invalid_campaign_type", fmt.Sprintf("promo: unknown campaign type %q", req.CampaignType))
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, apperr.Validation("invalid_window", "promo: campaign must start before it ends")
	}

	eligibility := req.UserEligibility
	if eligibility == "" {
		eligibility = EligibleAllUsers
	}
	if !eligibility.Valid() {
		return nil, apperr.Validation("invalid_eligibility", fmt.Sprintf("promo: unknown eligibility rule %q", eligibility))
	}
	var tiers []string
	if eligibility == EligibleTierBased {
		for _, t := range req.EligibleTiers {
			if t = strings.TrimSpace(t); t != "" {
				tiers = append(tiers, t)
			}
		}
		if len(tiers) == 0 {
			return nil, apperr.Validation("tiers_required", "promo: tier_based campaigns need at least one eligible tier")
		}
	}

	perUser := int64(1)
	if req.MaxRedemptionsPerUser != nil {
		perUser = *req.MaxRedemptionsPerUser
	}
	if perUser < 0 {
		return nil, apperr.Validation("invalid_user_cap", "promo: max redemptions per user cannot be negative")
	}
	if req.MaxRedemptionsTotal != nil && *req.MaxRedemptionsTotal < 1 {
		return nil, apperr.Validation("invalid_total_cap", "promo: max redemptions total must be at least 1")
	}

	if req.BonusPoints < 0 || req.BonusCash.IsNegative() {
		return nil, apperr.Validation("invalid_bonus", "promo: bonus amounts cannot be negative")
	}
	for _, d := range []*decimal.Decimal{req.MaxBonusAmount, req.MinDepositRequired} {
		if d != nil && d.IsNegative() {
			return nil, apperr.Validation("invalid_bonus", "promo: bonus limits cannot be negative")
		}
	}
	if req.CampaignType.depositBased() {
		if req.DepositMatchPercentage == nil || !req.DepositMatchPercentage.IsPositive() {
			return nil, apperr.Validation("percentage_required", "promo: "+string(req.CampaignType)+" campaigns need a positive percentage")
		}
	} else if req.BonusPoints == 0 && req.BonusCash.IsZero() {
		return nil, apperr.Validation("bonus_required", "promo: "+string(req.CampaignType)+" campaigns need bonus points or cash")
	}

	now := s.now()
	c := &Campaign{
		ID:                     uuid.New().String(),
		CampaignName:           name,
		CampaignCode:           code,
		CampaignType:           req.CampaignType,
		Description:            req.Description,
		BonusPoints:            req.BonusPoints,
		BonusCash:              req.BonusCash.Round(2),
		DepositMatchPercentage: req.DepositMatchPercentage,
		MaxBonusAmount:         req.MaxBonusAmount,
		MinDepositRequired:     req.MinDepositRequired,
		UserEligibility:        eligibility,
		EligibleTiers:          tiers,
		MaxRedemptionsTotal:    req.MaxRedemptionsTotal,
		MaxRedemptionsPerUser:  perUser,
		Status:                 CampaignDraft,
		StartDate:              req.StartDate.UTC(),
		EndDate:                req.EndDate.UTC(),
		CreatedBy:              req.CreatedBy,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, apperr.FromStore("promo: create campaign", err)
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id":   c.ID,
		"campaign_code": c.CampaignCode,
		"campaign_type": c.CampaignType,
	}).Info("campaign created")
	return c, nil
}

// UpdateCampaignStatus moves a campaign along its lifecycle. Setting the
// current status again is a no-op.
func (s *Service) UpdateCampaignStatus(ctx context.Context, id string, to CampaignStatus) (*Campaign, error) {
	if !to.Valid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("promo: unknown campaign status %q", to))
	}
	c, err := s.repo.GetCampaign(ctx, nil, id)
	if err != nil {
		return nil, apperr.FromStore("promo: get campaign", err)
	}
	if c.Status == to {
		return c, nil
	}
	if !c.Status.CanTransitionTo(to) {
		return nil, apperr.Wrap(ErrInvalidState, fmt.Errorf("%s to %s", c.Status, to))
	}
	now := s.now()
	if to == CampaignActive && now.After(c.EndDate) {
		return nil, apperr.Policy(ReasonEnded, "promo: campaign end date has passed")
	}

	ok, err := s.repo.TransitionCampaign(ctx, id, c.Status, to, now)
	if err != nil {
		return nil, apperr.FromStore("promo: update campaign status", err)
	}
	if !ok {
		return nil, apperr.Wrap(ErrInvalidState, errors.New("campaign status changed concurrently"))
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id": id,
		"from":        c.Status,
		"to":          to,
	}).Info("campaign status updated")
	c.Status = to
	c.UpdatedAt = now
	return c, nil
}

func (s *Service) CancelCampaign(ctx context.Context, id string) (*Campaign, error) {
	return s.UpdateCampaignStatus(ctx, id, CampaignCancelled)
}

func (s *Service) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, nil, id)
	return c, apperr.FromStore("promo: get campaign", err)
}

func (s *Service) GetCampaignByCode(ctx context.Context, code string) (*Campaign, error) {
	c, err := s.repo.GetCampaignByCode(ctx, nil, normalizeCode(code), false)
	return c, apperr.FromStore("promo: get campaign", err)
}

func (s *Service) ListCampaigns(ctx context.Context, status CampaignStatus, limit, offset int) ([]Campaign, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("promo: unknown campaign status %q", status))
	}
	limit, offset = pageBounds(limit, offset)
	out, err := s.repo.ListCampaigns(ctx, status, limit, offset)
	return out, apperr.FromStore("promo: list campaigns", err)
}

// ListActiveCampaigns returns active campaigns whose window contains now.
func (s *Service) ListActiveCampaigns(ctx context.Context) ([]Campaign, error) {
	out, err := s.repo.ListActiveCampaigns(ctx, s.now())
	return out, apperr.FromStore("promo: list active campaigns", err)
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

type rejection struct {
	reason  string
	message string
}

func (r *rejection) err() error {
	return apperr.Policy(r.reason, r.message)
}

// check runs the redemption rules in order and returns the first failure.
// Storage errors are returned separately and never read as a rejection.
func (s *Service) check(ctx context.Context, tx *gorm.DB, c *Campaign, userID string, now time.Time) (*rejection, int64, error) {
	if c.Status != CampaignActive {
		return &rejection{ReasonInactive, fmt.Sprintf("campaign is %s", c.Status)}, 0, nil
	}
	if now.Before(c.StartDate) {
		return &rejection{ReasonNotStarted, "campaign has not started yet"}, 0, nil
	}
	if now.After(c.EndDate) {
		return &rejection{ReasonEnded, "campaign has ended"}, 0, nil
	}

	if c.UserEligibility != EligibleAllUsers {
		profile, err := s.repo.GetProfile(ctx, tx, userID)
		if err != nil {
			return nil, 0, err
		}
		if !s.eligible(c, profile, now) {
			return &rejection{ReasonNotEligible, fmt.Sprintf("user is not eligible for %s campaigns", c.UserEligibility)}, 0, nil
		}
	}

	used, err := s.repo.CountUserRedemptions(ctx, tx, c.ID, userID)
	if err != nil {
		return nil, 0, err
	}
	if c.MaxRedemptionsPerUser > 0 && used >= c.MaxRedemptionsPerUser {
		return &rejection{ReasonUserLimit, fmt.Sprintf("user already redeemed this code %d time(s)", used)}, used, nil
	}
	if c.MaxRedemptionsTotal != nil && c.TotalRedemptions >= *c.MaxRedemptionsTotal {
		return &rejection{ReasonCampaignLimit, "campaign redemption limit reached"}, used, nil
	}
	return nil, used, nil
}

func (s *Service) eligible(c *Campaign, p *UserProfile, now time.Time) bool {
	if p == nil {
		return false
	}
	switch c.UserEligibility {
	case EligibleNewUsers:
		return now.Sub(p.CreatedAt) <= s.cfg.NewUserWindow
	case EligibleExistingUsers:
		return now.Sub(p.CreatedAt) > s.cfg.NewUserWindow
	case EligibleTierBased:
		for _, t := range c.EligibleTiers {
			if strings.EqualFold(t, p.Tier) {
				return true
			}
		}
		return false
	}
	return true
}

// ValidatePromoCode reports whether userID could redeem code right now.
// Rule failures come back as an invalid result, not an error.
func (s *Service) ValidatePromoCode(ctx context.Context, code, userID string) (*ValidationResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user_required", "promo: user id is required")
	}
	c, err := s.repo.GetCampaignByCode(ctx, nil, normalizeCode(code), false)
	if errors.Is(err, ErrCampaignNotFound) {
		return &ValidationResult{Reason: ReasonNotFound, Message: "promo code does not exist"}, nil
	}
	if err != nil {
		return nil, apperr.FromStore("promo: validate", err)
	}

	rej, _, err := s.check(ctx, nil, c, userID, s.now())
	if err != nil {
		return nil, apperr.FromStore("promo: validate", err)
	}
	if rej != nil {
		return &ValidationResult{CampaignID: c.ID, Reason: rej.reason, Message: rej.message}, nil
	}
	return &ValidationResult{IsValid: true, CampaignID: c.ID, Message: "promo code is valid"}, nil
}

// award computes what a redemption grants. Deposit based campaigns scale
// with the deposit and are capped by MaxBonusAmount.
func award(c *Campaign, deposit *decimal.Decimal) (int64, decimal.Decimal) {
	switch c.CampaignType {
	case TypePercentageBonus:
		pts := deposit.Mul(*c.DepositMatchPercentage).Div(hundred).Round(0)
		if c.MaxBonusAmount != nil && pts.GreaterThan(*c.MaxBonusAmount) {
			pts = c.MaxBonusAmount.Floor()
		}
		return pts.IntPart(), decimal.Zero
	case TypeDepositMatch:
		cash := deposit.Mul(*c.DepositMatchPercentage).Div(hundred)
		if c.MaxBonusAmount != nil && cash.GreaterThan(*c.MaxBonusAmount) {
			cash = *c.MaxBonusAmount
		}
		return 0, cash.Round(2)
	}
	return c.BonusPoints, c.BonusCash.Round(2)
}

func depositRejection(c *Campaign, deposit *decimal.Decimal) *rejection {
	if deposit != nil && deposit.IsNegative() {
		return &rejection{ReasonDepositRequired, "deposit amount cannot be negative"}
	}
	needs := c.CampaignType.depositBased() || c.MinDepositRequired != nil
	if !needs {
		return nil
	}
	if deposit == nil || !deposit.IsPositive() {
		return &rejection{ReasonDepositRequired, "this promo code requires a deposit"}
	}
	if c.MinDepositRequired != nil && deposit.LessThan(*c.MinDepositRequired) {
		return &rejection{ReasonMinDepositNotMet, fmt.Sprintf("deposit must be at least %s", c.MinDepositRequired.StringFixed(2))}
	}
	return nil
}

// RedeemPromoCode validates and redeems in one transaction. The campaign
// row is locked and its counter only moves below the cap, so concurrent
// redemptions never exceed either limit.
func (s *Service) RedeemPromoCode(ctx context.Context, userID, code string, deposit *decimal.Decimal) (*RedemptionResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user_required", "promo: user id is required")
	}
	code = normalizeCode(code)

	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		var result *RedemptionResult
		var entry *wallet.LedgerEntry
		result, entry, err = s.redeemOnce(ctx, userID, code, deposit)
		if err == nil {
			s.ledger.Announce(entry)
			s.log.WithFields(logrus.Fields{
				"user_id":       userID,
				"campaign_code": code,
				"redemption_id": result.RedemptionID,
				"points":        result.PointsAwarded,
				"cash":          result.CashBonus.String(),
			}).Info("promo code redeemed")
			return result, nil
		}
		if !errors.Is(err, errSeqTaken) {
			return nil, err
		}
		s.log.WithField("campaign_code", code).WithField("attempt", attempt+1).Warn("redemption sequence taken, retrying")
	}
	return nil, apperr.Wrap(ErrRedemptionConflict, err)
}

func (s *Service) redeemOnce(ctx context.Context, userID, code string, deposit *decimal.Decimal) (*RedemptionResult, *wallet.LedgerEntry, error) {
	var result *RedemptionResult
	var entry *wallet.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.repo.GetCampaignByCode(ctx, tx, code, true)
		if err != nil {
			return apperr.FromStore("promo: redeem", err)
		}
		now := s.now()
		rej, used, err := s.check(ctx, tx, c, userID, now)
		if err != nil {
			return apperr.FromStore("promo: redeem", err)
		}
		if rej == nil {
			rej = depositRejection(c, deposit)
		}
		if rej != nil {
			return rej.err()
		}

		points, cash := award(c, deposit)

		ok, err := s.repo.IncrementRedemptions(ctx, tx, c.ID, now)
		if err != nil {
			return apperr.FromStore("promo: redeem", err)
		}
		if !ok {
			return apperr.Policy(ReasonCampaignLimit, "campaign redemption limit reached")
		}

		red := &Redemption{
			ID:               uuid.New().String(),
			UserID:           userID,
			CampaignID:       c.ID,
			CampaignCode:     c.CampaignCode,
			RedemptionSeq:    used + 1,
			PointsAwarded:    points,
			CashBonusAwarded: cash,
			RedemptionDate:   now,
		}
		if deposit != nil {
			d := deposit.Round(2)
			red.DepositAmount = &d
		}
		if err := s.repo.CreateRedemption(ctx, tx, red); err != nil {
			if errors.Is(err, errSeqTaken) {
				return err
			}
			return apperr.FromStore("promo: redeem", err)
		}

		if points > 0 || cash.IsPositive() {
			entry, err = s.ledger.CreditTx(ctx, tx, wallet.CreditRequest{
				UserID:      userID,
				Source:      wallet.SourcePromoRedemption,
				ReferenceID: "promo:" + red.ID,
				Points:      points,
				Cash:        cash,
			})
			if err != nil {
				return err
			}
		}

		result = &RedemptionResult{
			RedemptionID:  red.ID,
			CampaignID:    c.ID,
			PointsAwarded: points,
			CashBonus:     cash,
			Message:       fmt.Sprintf("Redeemed %s", c.CampaignName),
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, entry, nil
}

// ExpireOutdatedCampaigns marks every active or paused campaign past its
// end date as expired. Running it again expires nothing new.
func (s *Service) ExpireOutdatedCampaigns(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireCampaigns(ctx, s.now())
	if err != nil {
		return 0, apperr.FromStore("promo: expire campaigns", err)
	}
	if n > 0 {
		s.log.WithField("expired", n).Info("campaigns expired")
	}
	return n, nil
}

func (s *Service) GetUserRedemptions(ctx context.Context, userID string, limit, offset int) ([]Redemption, error) {
	limit, offset = pageBounds(limit, offset)
	out, err := s.repo.ListUserRedemptions(ctx, userID, limit, offset)
	return out, apperr.FromStore("promo: list redemptions", err)
}

// GetCampaignStats aggregates a campaign's redemptions. ConversionRate is
// the share of redemptions that came with a deposit, in percent.
func (s *Service) GetCampaignStats(ctx context.Context, campaignID string) (*CampaignStats, error) {
	c, err := s.repo.GetCampaign(ctx, nil, campaignID)
	if err != nil {
		return nil, apperr.FromStore("promo: campaign stats", err)
	}
	totals, err := s.repo.RedemptionTotals(ctx, c.ID)
	if err != nil {
		return nil, apperr.FromStore("promo: campaign stats", err)
	}
	since := s.now().AddDate(0, 0, -30)
	dates, err := s.repo.ListRedemptionDates(ctx, c.ID, since)
	if err != nil {
		return nil, apperr.FromStore("promo: campaign stats", err)
	}

	stats := &CampaignStats{
		CampaignID:         c.ID,
		CampaignName:       c.CampaignName,
		CampaignCode:       c.CampaignCode,
		TotalRedemptions:   totals.Redemptions,
		UniqueUsers:        totals.UniqueUsers,
		TotalPointsAwarded: totals.Points,
		TotalCashAwarded:   totals.Cash.Round(2),
		TotalDepositAmount: totals.Deposits.Round(2),
		RedemptionsByDate:  bucketByDate(dates),
	}
	if totals.WithDeposit > 0 {
		stats.AverageDepositAmount = totals.Deposits.Div(decimal.NewFromInt(totals.WithDeposit)).Round(2)
	}
	if totals.Redemptions > 0 {
		stats.ConversionRate, _ = decimal.NewFromInt(totals.WithDeposit).Mul(hundred).
			Div(decimal.NewFromInt(totals.Redemptions)).Round(2).Float64()
	}
	return stats, nil
}

// bucketByDate counts timestamps per UTC day, newest day first.
func bucketByDate(dates []time.Time) []DateCount {
	counts := make(map[string]int64)
	for _, d := range dates {
		counts[d.UTC().Format("2006-01-02")]++
	}
	out := make([]DateCount, 0, len(counts))
	for day, n := range counts {
		out = append(out, DateCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}
