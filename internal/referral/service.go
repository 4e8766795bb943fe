package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"growth_service/internal/apperr"
	"growth_service/internal/config"
	"growth_service/internal/fraud"
	"growth_service/internal/wallet"
	"gorm.io/gorm"
)

// RiskEvaluator scores a referral attempt before it is stored.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, a fraud.Attempt) (*fraud.Evaluation, error)
}

// RewardLedger credits referrers inside the award transaction.
type RewardLedger interface {
	CreditTx(ctx context.Context, tx *gorm.DB, req wallet.CreditRequest) (*wallet.LedgerEntry, error)
	Announce(entry *wallet.LedgerEntry)
}

// LifecycleObserver is called inside the transaction that changed the
// referral, so its writes commit or roll back with it.
type LifecycleObserver interface {
	ReferralCreated(ctx context.Context, tx *gorm.DB, r *Referral) error
	MilestonesReached(ctx context.Context, tx *gorm.DB, r *Referral, change MilestoneChange) error
}

type Service struct {
	db        *gorm.DB
	repo      ReferralRepository
	risk      RiskEvaluator
	ledger    RewardLedger
	observers []LifecycleObserver
	cfg       config.ReferralConfig
	log       *logrus.Logger
	now       func() time.Time
}

func NewService(db *gorm.DB, repo ReferralRepository, risk RiskEvaluator, ledger RewardLedger, cfg config.ReferralConfig, log *logrus.Logger) *Service {
	return &Service{
		db:     db,
		repo:   repo,
		risk:   risk,
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

func (s *Service) AddObserver(o LifecycleObserver) {
	s.observers = append(s.observers, o)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// CreateReferral resolves the code to its referrer, screens the attempt
// and stores a pending referral.
func (s *Service) CreateReferral(ctx context.Context, req CreateReferralRequest) (*Referral, error) {
	code := NormalizeCode(req.ReferralCode)
	refereeID := strings.TrimSpace(req.RefereeID)
	if code == "" {
		return nil, ErrInvalidCode
	}
	if refereeID == "" {
		return nil, apperr.Validation("referee_required", "referral: referee id is required")
	}

	rc, err := s.repo.GetCode(ctx, nil, code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, apperr.FromStore("referral: resolve code", err)
	}
	if !rc.IsActive {
		return nil, ErrInvalidCode
	}
	if rc.UserID == refereeID {
		return nil, ErrSelfReferral
	}

	ref, err := s.newReferral(rc.UserID, refereeID, code, req)
	if err != nil {
		return nil, err
	}

	ev, err := s.risk.Evaluate(ctx, fraud.Attempt{
		ReferrerID:        ref.ReferrerID,
		RefereeID:         ref.RefereeID,
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
	})
	if err != nil {
		return nil, err
	}
	if ev.IsFraudRisk {
		s.log.WithFields(logrus.Fields{
			"referrer_id": ref.ReferrerID,
			"referee_id":  ref.RefereeID,
			"risk_score":  ev.RiskScore,
			"code":        ev.PrimaryCode(),
		}).Warn("referral rejected by fraud screening")
		return nil, apperr.Policy(string(ev.PrimaryCode()), "referral rejected by fraud screening: "+ev.Reason)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateReferral(ctx, tx, ref); err != nil {
			return err
		}
		if _, err := s.repo.AttributeConversion(ctx, tx, code); err != nil {
			return err
		}
		for _, o := range s.observers {
			if err := o.ReferralCreated(ctx, tx, ref); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.FromStore("referral: create", err)
	}

	s.log.WithFields(logrus.Fields{
		"referral_id": ref.ID,
		"referrer_id": ref.ReferrerID,
		"referee_id":  ref.RefereeID,
		"risk_score":  ev.RiskScore,
	}).Info("referral created")
	return ref, nil
}

func (s *Service) newReferral(referrerID, refereeID, code string, req CreateReferralRequest) (*Referral, error) {
	bonusType := req.BonusType
	if bonusType == "" {
		bonusType = BonusType(s.cfg.DefaultBonusType)
	}
	if !bonusType.Valid() {
		return nil, apperr.Validation("invalid_bonus_type", fmt.Sprintf("referral: unknown bonus type %q", bonusType))
	}
	points := s.cfg.DefaultPoints
	if req.BonusPoints != nil {
		points = *req.BonusPoints
	}
	cash := s.cfg.DefaultCash
	if req.BonusCash != nil {
		cash = *req.BonusCash
	}
	multiplier := s.cfg.DefaultMultiplier
	if req.BonusMultiplier != nil {
		multiplier = *req.BonusMultiplier
	}
	if points < 0 || cash.IsNegative() || !multiplier.IsPositive() {
		return nil, apperr.Validation("invalid_bonus_amount", "referral: bonus amounts must be non-negative and multiplier positive")
	}

	now := s.now()
	return &Referral{
		ID:                  uuid.New().String(),
		ReferrerID:          referrerID,
		RefereeID:           refereeID,
		ReferralCode:        code,
		UTMSource:           req.UTMSource,
		UTMMedium:           req.UTMMedium,
		UTMCampaign:         req.UTMCampaign,
		BonusType:           bonusType,
		BonusPoints:         points,
		BonusCash:           cash,
		BonusMultiplier:     multiplier,
		BonusStatus:         StatusPending,
		RefereeFundedAmount: decimal.Zero,
		DeviceFingerprint:   optional(req.DeviceFingerprint),
		IPAddress:           optional(req.IPAddress),
		UserAgent:           req.UserAgent,
		ExpiresAt:           now.Add(s.cfg.GracePeriod),
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// UpdateRefereeStatus records referee milestones. Setting a flag that is
// already true keeps its first timestamp.
func (s *Service) UpdateRefereeStatus(ctx context.Context, id string, upd RefereeStatusUpdate) (*Referral, error) {
	for _, f := range []*bool{upd.KYCCompleted, upd.Funded, upd.Active} {
		if f != nil && !*f {
			return nil, apperr.Validation("milestone_irreversible", "referral: referee milestones cannot be cleared")
		}
	}
	if upd.FundedAmount != nil && upd.FundedAmount.IsNegative() {
		return nil, apperr.Validation("invalid_amount", "referral: funded amount cannot be negative")
	}

	var ref *Referral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		current, err := s.repo.GetReferral(ctx, tx, id)
		if err != nil {
			return err
		}

		var change MilestoneChange
		if upd.KYCCompleted != nil {
			if change.KYCCompleted, err = s.repo.SetFlag(ctx, tx, id, "referee_kyc_completed", "referee_kyc_completed_at", now); err != nil {
				return err
			}
		}
		if upd.Funded != nil {
			if change.Funded, err = s.repo.SetFlag(ctx, tx, id, "referee_funded", "referee_funded_at", now); err != nil {
				return err
			}
		}
		if upd.Active != nil {
			if change.Activated, err = s.repo.SetFlag(ctx, tx, id, "referee_active", "referee_activated_at", now); err != nil {
				return err
			}
		}
		if upd.FundedAmount != nil && !upd.FundedAmount.Equal(current.RefereeFundedAmount) {
			if err := s.repo.UpdateFields(ctx, tx, id, map[string]interface{}{
				"referee_funded_amount": upd.FundedAmount.Round(2),
				"updated_at":            now,
			}); err != nil {
				return err
			}
		}

		ref, err = s.repo.GetReferral(ctx, tx, id)
		if err != nil {
			return err
		}
		if change != (MilestoneChange{}) {
			for _, o := range s.observers {
				if err := o.MilestonesReached(ctx, tx, ref, change); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.FromStore("referral: update referee status", err)
	}
	return ref, nil
}

// eligibilityGaps lists the unmet bonus conditions for ref at now.
func (s *Service) eligibilityGaps(ref *Referral, now time.Time) []string {
	var gaps []string
	if !ref.RefereeKYCCompleted {
		gaps = append(gaps, "KYC not completed")
	}
	if !ref.RefereeFunded {
		gaps = append(gaps, "account not funded")
	} else if ref.RefereeFundedAmount.LessThan(s.cfg.MinFundingAmount) {
		gaps = append(gaps, fmt.Sprintf("funded amount %s below minimum %s",
			ref.RefereeFundedAmount.StringFixed(2), s.cfg.MinFundingAmount.StringFixed(2)))
	}
	if now.After(ref.ExpiresAt) {
		gaps = append(gaps, "grace period passed")
	}
	return gaps
}

// CheckEligibility flips a pending referral to eligible when the referee
// has met every condition. It never awards.
func (s *Service) CheckEligibility(ctx context.Context, id string) (*EligibilityResult, error) {
	ref, err := s.repo.GetReferral(ctx, nil, id)
	if err != nil {
		return nil, apperr.FromStore("referral: check eligibility", err)
	}

	res := &EligibilityResult{ReferralID: id, Status: ref.BonusStatus}
	switch ref.BonusStatus {
	case StatusEligible:
		res.Eligible = true
		res.Notes = ref.EligibilityNotes
		return res, nil
	case StatusPending:
	default:
		res.Notes = fmt.Sprintf("referral is %s", ref.BonusStatus)
		return res, nil
	}

	now := s.now()
	if gaps := s.eligibilityGaps(ref, now); len(gaps) > 0 {
		res.Notes = strings.Join(gaps, "; ")
		return res, nil
	}

	notes := "Eligible: KYC completed and funded " + ref.RefereeFundedAmount.StringFixed(2)
	ok, err := s.repo.TransitionStatus(ctx, nil, id, []BonusStatus{StatusPending}, StatusEligible, map[string]interface{}{
		"eligible_for_bonus": true,
		"eligibility_notes":  notes,
		"updated_at":         now,
	})
	if err != nil {
		return nil, apperr.FromStore("referral: check eligibility", err)
	}
	if !ok {
		// raced with another transition
		ref, err = s.repo.GetReferral(ctx, nil, id)
		if err != nil {
			return nil, apperr.FromStore("referral: check eligibility", err)
		}
		res.Status = ref.BonusStatus
		res.Eligible = ref.BonusStatus == StatusEligible
		res.Notes = ref.EligibilityNotes
		return res, nil
	}

	s.log.WithField("referral_id", id).Info("referral became eligible")
	res.Eligible = true
	res.Status = StatusEligible
	res.Notes = notes
	return res, nil
}

// AwardAmounts is what an award of ref credits: bonus times multiplier,
// rounded once.
func AwardAmounts(ref *Referral) (int64, decimal.Decimal) {
	var points int64
	cash := decimal.Zero
	if ref.BonusType == BonusPoints || ref.BonusType == BonusPointsAndCash {
		points = decimal.NewFromInt(ref.BonusPoints).Mul(ref.BonusMultiplier).Round(0).IntPart()
	}
	if ref.BonusType == BonusCash || ref.BonusType == BonusPointsAndCash {
		cash = ref.BonusCash.Mul(ref.BonusMultiplier).Round(2)
	}
	return points, cash
}

var errLostRace = errors.New("referral: status changed concurrently")

// AwardBonus credits the referrer exactly once. Repeated calls on an
// awarded referral succeed with zero amounts.
func (s *Service) AwardBonus(ctx context.Context, id string) (*AwardResult, error) {
	var result *AwardResult
	var entry *wallet.LedgerEntry

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ref, err := s.repo.GetReferral(ctx, tx, id)
		if err != nil {
			return err
		}
		if ref.BonusStatus == StatusAwarded {
			result = &AwardResult{ReferralID: id, CashAwarded: decimal.Zero, AlreadyAwarded: true}
			return nil
		}
		if ref.BonusStatus != StatusEligible {
			return apperr.Policy(ErrNotEligible.Code, fmt.Sprintf("referral: cannot award a %s referral", ref.BonusStatus))
		}
		now := s.now()
		if now.After(ref.ExpiresAt) {
			return apperr.Policy(ErrNotEligible.Code, "referral: grace period passed")
		}

		ok, err := s.repo.TransitionStatus(ctx, tx, id, []BonusStatus{StatusEligible}, StatusAwarded, map[string]interface{}{
			"bonus_awarded_at": now,
			"updated_at":       now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}

		points, cash := AwardAmounts(ref)
		if points > 0 || cash.IsPositive() {
			entry, err = s.ledger.CreditTx(ctx, tx, wallet.CreditRequest{
				UserID:      ref.ReferrerID,
				Source:      wallet.SourceReferralBonus,
				ReferenceID: "referral:" + id,
				Points:      points,
				Cash:        cash,
			})
			if err != nil {
				return err
			}
		}

		if err := s.repo.AppendAudit(ctx, tx, &AuditEntry{
			ReferralID: id,
			Action:     "award",
			FromStatus: StatusEligible,
			ToStatus:   StatusAwarded,
			Actor:      "system",
			Note:       fmt.Sprintf("awarded %d points and %s cash", points, cash.StringFixed(2)),
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		result = &AwardResult{ReferralID: id, PointsAwarded: points, CashAwarded: cash}
		return nil
	})
	if errors.Is(err, errLostRace) {
		ref, getErr := s.repo.GetReferral(ctx, nil, id)
		if getErr != nil {
			return nil, apperr.FromStore("referral: award", getErr)
		}
		if ref.BonusStatus == StatusAwarded {
			return &AwardResult{ReferralID: id, CashAwarded: decimal.Zero, AlreadyAwarded: true}, nil
		}
		return nil, apperr.Policy(ErrNotEligible.Code, fmt.Sprintf("referral: cannot award a %s referral", ref.BonusStatus))
	}
	if err != nil {
		return nil, apperr.FromStore("referral: award", err)
	}

	if !result.AlreadyAwarded {
		s.ledger.Announce(entry)
		s.log.WithFields(logrus.Fields{
			"referral_id": id,
			"points":      result.PointsAwarded,
			"cash":        result.CashAwarded.String(),
		}).Info("referral bonus awarded")
	}
	return result, nil
}

// ExpireStaleReferrals moves every pending or eligible referral past its
// expiry to expired, batch by batch. Safe to run concurrently.
func (s *Service) ExpireStaleReferrals(ctx context.Context) (int, error) {
	note := fmt.Sprintf("Expired: %d-day grace period passed", int(s.cfg.GracePeriod.Hours()/24))
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		now := s.now()
		batch, err := s.repo.ListExpiryCandidates(ctx, now, s.cfg.ExpiryBatchSize)
		if err != nil {
			return total, apperr.FromStore("referral: expire", err)
		}
		if len(batch) == 0 {
			break
		}

		expired := 0
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, ref := range batch {
				ok, err := s.repo.TransitionStatus(ctx, tx, ref.ID, NonTerminalStatuses(), StatusExpired, map[string]interface{}{
					"expired":            true,
					"eligible_for_bonus": false,
					"eligibility_notes":  note,
					"updated_at":         now,
				})
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := s.repo.AppendAudit(ctx, tx, &AuditEntry{
					ReferralID: ref.ID,
					Action:     "expire",
					FromStatus: ref.BonusStatus,
					ToStatus:   StatusExpired,
					Actor:      "system",
					Note:       note,
					CreatedAt:  now,
				}); err != nil {
					return err
				}
				expired++
			}
			return nil
		})
		if err != nil {
			return total, apperr.FromStore("referral: expire", err)
		}
		total += expired
		if len(batch) < s.cfg.ExpiryBatchSize {
			break
		}
	}

	if total > 0 {
		s.log.WithField("count", total).Info("expired stale referrals")
	}
	return total, nil
}

// FlagReferralAsFraud marks a live referral as fraudulent. Flagging an
// already flagged referral is a no-op.
func (s *Service) FlagReferralAsFraud(ctx context.Context, id string, reason string, flaggedBy string) (*Referral, error) {
	if flaggedBy == "" {
		flaggedBy = "system"
	}
	return s.closeReferral(ctx, id, StatusFraudFlagged, "flag", "Fraud flagged: ", reason, flaggedBy)
}

// CancelReferral withdraws a live referral. Cancelling twice is a no-op.
func (s *Service) CancelReferral(ctx context.Context, id string, reason string, actor string) (*Referral, error) {
	if actor == "" {
		return nil, apperr.Validation("actor_required", "referral: actor is required")
	}
	return s.closeReferral(ctx, id, StatusCancelled, "cancel", "Cancelled: ", reason, actor)
}

func (s *Service) closeReferral(ctx context.Context, id string, to BonusStatus, action, prefix, reason, actor string) (*Referral, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason_required", "referral: reason is required")
	}

	var ref *Referral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.GetReferral(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.BonusStatus == to {
			ref = current
			return nil
		}
		if !current.BonusStatus.CanTransitionTo(to) {
			return apperr.Policy(ErrInvalidState.Code, fmt.Sprintf("referral: cannot move %s referral to %s", current.BonusStatus, to))
		}

		now := s.now()
		note := prefix + reason
		if current.EligibilityNotes != "" {
			note = current.EligibilityNotes + "\n" + note
		}
		ok, err := s.repo.TransitionStatus(ctx, tx, id, []BonusStatus{current.BonusStatus}, to, map[string]interface{}{
			"eligible_for_bonus": false,
			"eligibility_notes":  note,
			"updated_at":         now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("status_changed", "referral: status changed concurrently, retry")
		}
		if err := s.repo.AppendAudit(ctx, tx, &AuditEntry{
			ReferralID: id,
			Action:     action,
			FromStatus: current.BonusStatus,
			ToStatus:   to,
			Actor:      actor,
			Note:       reason,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		ref, err = s.repo.GetReferral(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, apperr.FromStore("referral: "+action, err)
	}

	s.log.WithFields(logrus.Fields{
		"referral_id": id,
		"status":      to,
		"actor":       actor,
	}).Warn("referral closed")
	return ref, nil
}

func (s *Service) GetReferral(ctx context.Context, id string) (*Referral, error) {
	ref, err := s.repo.GetReferral(ctx, nil, id)
	if err != nil {
		return nil, apperr.FromStore("referral: get", err)
	}
	return ref, nil
}

func (s *Service) GetAuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	entries, err := s.repo.ListAudit(ctx, id)
	return entries, apperr.FromStore("referral: audit trail", err)
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

func (s *Service) GetUserReferrals(ctx context.Context, userID string, limit int, offset int) ([]Referral, error) {
	limit, offset = pageBounds(limit, offset)
	refs, err := s.repo.ListByReferrer(ctx, userID, limit, offset)
	return refs, apperr.FromStore("referral: list", err)
}

func (s *Service) GetReferralsByStatus(ctx context.Context, status BonusStatus, limit int, offset int) ([]Referral, error) {
	if !status.Valid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("referral: unknown status %q", status))
	}
	limit, offset = pageBounds(limit, offset)
	refs, err := s.repo.ListByStatus(ctx, status, limit, offset)
	return refs, apperr.FromStore("referral: list by status", err)
}

func (s *Service) GetReferralStats(ctx context.Context, userID string) (*Stats, error) {
	counts, err := s.repo.CountByStatus(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore("referral: stats", err)
	}
	awarded, err := s.repo.ListAwarded(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore("referral: stats", err)
	}

	stats := &Stats{
		PendingReferrals:   counts[StatusPending],
		EligibleReferrals:  counts[StatusEligible],
		AwardedReferrals:   counts[StatusAwarded],
		ExpiredReferrals:   counts[StatusExpired],
		FlaggedReferrals:   counts[StatusFraudFlagged],
		CancelledReferrals: counts[StatusCancelled],
		TotalCashEarned:    decimal.Zero,
	}
	for _, n := range counts {
		stats.TotalReferrals += n
	}
	for i := range awarded {
		points, cash := AwardAmounts(&awarded[i])
		stats.TotalPointsEarned += points
		stats.TotalCashEarned = stats.TotalCashEarned.Add(cash)
	}
	return stats, nil
}
