package compensation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"growth_service/internal/apperr"
	"gorm.io/gorm"
)

var ErrCorrectionExists = apperr.Conflict("correction_exists", "compensation: rejected payout already has a live correction")

// MonthBounds returns [first of month, first of next month) in UTC.
func MonthBounds(year, month int) (time.Time, time.Time, error) {
	if month < 1 || month > 12 || year < 2000 || year > 9999 {
		return time.Time{}, time.Time{}, apperr.Validation("invalid_period", fmt.Sprintf("compensation: invalid month %d-%02d", year, month))
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0), nil
}

func periodKey(partnerID string, start, end time.Time) *string {
	key := partnerID + "/" + start.UTC().Format(time.RFC3339) + "/" + end.UTC().Format(time.RFC3339)
	return &key
}

func newPayout(comp *Compensation, status PayoutStatus, corrects *string, now time.Time) *Payout {
	return &Payout{
		ID:                uuid.New().String(),
		PartnerID:         comp.PartnerID,
		PeriodStart:       comp.PeriodStart,
		PeriodEnd:         comp.PeriodEnd,
		PeriodKey:         periodKey(comp.PartnerID, comp.PeriodStart, comp.PeriodEnd),
		TotalReferrals:    comp.TotalReferrals,
		ActiveReferrals:   comp.ActiveReferrals,
		FundedReferrals:   comp.FundedReferrals,
		TierLevel:         comp.TierLevel,
		BaseCompensation:  comp.BaseCompensation,
		BonusCompensation: comp.BonusCompensation,
		TotalCompensation: comp.TotalCompensation,
		Status:            status,
		CorrectsPayoutID:  corrects,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// moneyDelta is how a payout event moves the partner's compensation totals.
type moneyDelta struct {
	earned, paid, pending decimal.Decimal
}

func (s *Service) adjustPartner(ctx context.Context, tx *gorm.DB, partnerID string, d moneyDelta, now time.Time) error {
	p, err := s.repo.GetPartnerForUpdate(ctx, tx, partnerID)
	if err != nil {
		return err
	}
	return s.repo.UpdatePartner(ctx, tx, partnerID, map[string]interface{}{
		"total_compensation_earned": p.TotalCompensationEarned.Add(d.earned).Round(2),
		"total_compensation_paid":   p.TotalCompensationPaid.Add(d.paid).Round(2),
		"pending_compensation":      p.PendingCompensation.Add(d.pending).Round(2),
		"updated_at":                now,
	})
}

// createPayout stores payout and books its total as earned and pending.
func (s *Service) createPayout(ctx context.Context, payout *Payout) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if payout.CorrectsPayoutID != nil {
			live, err := s.repo.HasLiveCorrection(ctx, tx, *payout.CorrectsPayoutID)
			if err != nil {
				return err
			}
			if live {
				return ErrCorrectionExists
			}
		}
		overlap, err := s.repo.HasOverlappingPayout(ctx, tx, payout.PartnerID, payout.PeriodStart, payout.PeriodEnd)
		if err != nil {
			return err
		}
		if overlap {
			return ErrDuplicatePeriod
		}
		if err := s.repo.CreatePayout(ctx, tx, payout); err != nil {
			return err
		}
		return s.adjustPartner(ctx, tx, payout.PartnerID, moneyDelta{
			earned:  payout.TotalCompensation,
			pending: payout.TotalCompensation,
		}, payout.CreatedAt)
	})
}

// GenerateMonthlyPayouts creates one pending payout per active partner with
// referral activity in the month. Partners that already hold a live payout
// for the month are skipped, so re-running is safe, including after a
// cancelled run.
func (s *Service) GenerateMonthlyPayouts(ctx context.Context, year, month int) (*GenerationResult, error) {
	start, end, err := MonthBounds(year, month)
	if err != nil {
		return nil, err
	}
	if end.After(s.now()) {
		return nil, apperr.Policy("period_open", fmt.Sprintf("compensation: %d-%02d has not ended yet", year, month))
	}

	var created, skipped atomic.Int64
	result := func() *GenerationResult {
		return &GenerationResult{PeriodStart: start, PeriodEnd: end, Created: created.Load(), Skipped: skipped.Load()}
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return result(), err
		}
		page, err := s.repo.ListActivePartnersAfter(ctx, after, s.cfg.PartnerPageSize)
		if err != nil {
			return result(), apperr.FromStore("compensation: generate payouts", err)
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.GenerationConcurrency)
		for i := range page {
			p := &page[i]
			g.Go(func() error {
				comp, err := s.calculate(gctx, p, start, end)
				if err != nil {
					return err
				}
				if comp.TotalReferrals == 0 {
					skipped.Add(1)
					return nil
				}
				err = s.createPayout(gctx, newPayout(comp, PayoutPending, nil, s.now()))
				if errors.Is(err, ErrDuplicatePeriod) {
					skipped.Add(1)
					return nil
				}
				if err != nil {
					return fmt.Errorf("partner %s: %w", p.ID, err)
				}
				created.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result(), apperr.FromStore("compensation: generate payouts", err)
		}

		after = page[len(page)-1].ID
		if len(page) < s.cfg.PartnerPageSize {
			break
		}
	}

	res := result()
	s.log.WithFields(logrus.Fields{
		"period":  start.Format("2006-01"),
		"created": res.Created,
		"skipped": res.Skipped,
	}).Info("monthly payouts generated")
	return res, nil
}

// payoutMove describes one guarded payout transition.
type payoutMove struct {
	to     PayoutStatus
	action string
	actor  string
	fields func(now time.Time) map[string]interface{}
	// repeat runs when the payout is already in to; nil means a no-op.
	repeat func(p *Payout) error
	money  func(total decimal.Decimal) *moneyDelta
}

func (s *Service) movePayout(ctx context.Context, id string, m payoutMove) (*Payout, error) {
	var out *Payout
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.GetPayout(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status == m.to {
			if m.repeat != nil {
				if err := m.repeat(p); err != nil {
					return err
				}
			}
			out = p
			return nil
		}
		if !p.Status.CanTransitionTo(m.to) {
			return apperr.Policy(ErrInvalidState.Code, fmt.Sprintf("compensation: cannot %s a %s payout", m.action, p.Status))
		}

		now := s.now()
		fields := map[string]interface{}{"status": m.to, "updated_at": now}
		if m.fields != nil {
			for k, v := range m.fields(now) {
				fields[k] = v
			}
		}
		ok, err := s.repo.TransitionPayout(ctx, tx, id, p.Status, fields)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("status_changed", "compensation: payout status changed concurrently, retry")
		}
		if m.money != nil {
			if err := s.adjustPartner(ctx, tx, p.PartnerID, *m.money(p.TotalCompensation), now); err != nil {
				return err
			}
		}
		changed = true
		out, err = s.repo.GetPayout(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, apperr.FromStore("compensation: "+m.action+" payout", err)
	}
	if changed {
		s.log.WithFields(logrus.Fields{
			"payout_id": id,
			"status":    m.to,
			"actor":     m.actor,
		}).Info("payout " + m.action)
	}
	return out, nil
}

func required(value, code, message string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.Validation(code, message)
	}
	return nil
}

// ReleaseDraftPayout moves a correction draft into the normal workflow.
func (s *Service) ReleaseDraftPayout(ctx context.Context, id string) (*Payout, error) {
	return s.movePayout(ctx, id, payoutMove{to: PayoutPending, action: "release"})
}

func (s *Service) SubmitPayout(ctx context.Context, id string, submittedBy string) (*Payout, error) {
	if err := required(submittedBy, "actor_required", "compensation: submitter is required"); err != nil {
		return nil, err
	}
	return s.movePayout(ctx, id, payoutMove{
		to:     PayoutSubmitted,
		action: "submit",
		actor:  submittedBy,
		fields: func(now time.Time) map[string]interface{} {
			return map[string]interface{}{"submitted_by": submittedBy, "submitted_at": now}
		},
	})
}

func (s *Service) ApprovePayout(ctx context.Context, id string, approvedBy string) (*Payout, error) {
	if err := required(approvedBy, "approver_required", "compensation: approver is required"); err != nil {
		return nil, err
	}
	return s.movePayout(ctx, id, payoutMove{
		to:     PayoutApproved,
		action: "approve",
		actor:  approvedBy,
		fields: func(now time.Time) map[string]interface{} {
			return map[string]interface{}{"approved_by": approvedBy, "approved_at": now}
		},
	})
}

// RejectPayout is terminal for the payout. Its period is released so a
// correction can be raised.
func (s *Service) RejectPayout(ctx context.Context, id string, rejectedBy string, reason string) (*Payout, error) {
	if err := required(rejectedBy, "approver_required", "compensation: approver is required"); err != nil {
		return nil, err
	}
	if err := required(reason, "reason_required", "compensation: rejection reason is required"); err != nil {
		return nil, err
	}
	return s.movePayout(ctx, id, payoutMove{
		to:     PayoutRejected,
		action: "reject",
		actor:  rejectedBy,
		fields: func(now time.Time) map[string]interface{} {
			return map[string]interface{}{
				"rejected_by":      rejectedBy,
				"rejected_at":      now,
				"rejection_reason": strings.TrimSpace(reason),
				"period_key":       nil,
			}
		},
		money: func(total decimal.Decimal) *moneyDelta {
			return &moneyDelta{earned: total.Neg(), pending: total.Neg()}
		},
	})
}

// MarkPayoutPaid settles an approved payout. Repeating it with the same
// reference is a no-op; a different reference is a conflict.
func (s *Service) MarkPayoutPaid(ctx context.Context, id string, reference string) (*Payout, error) {
	reference = strings.TrimSpace(reference)
	if err := required(reference, "reference_required", "compensation: payment reference is required"); err != nil {
		return nil, err
	}
	return s.movePayout(ctx, id, payoutMove{
		to:     PayoutPaid,
		action: "pay",
		fields: func(now time.Time) map[string]interface{} {
			return map[string]interface{}{"payment_date": now, "payment_reference": reference}
		},
		repeat: func(p *Payout) error {
			if p.PaymentReference != reference {
				return apperr.Conflict("payment_reference_mismatch",
					fmt.Sprintf("compensation: payout already paid with reference %s", p.PaymentReference))
			}
			return nil
		},
		money: func(total decimal.Decimal) *moneyDelta {
			return &moneyDelta{paid: total, pending: total.Neg()}
		},
	})
}

func (s *Service) CancelPayout(ctx context.Context, id string, cancelledBy string) (*Payout, error) {
	if err := required(cancelledBy, "actor_required", "compensation: actor is required"); err != nil {
		return nil, err
	}
	return s.movePayout(ctx, id, payoutMove{
		to:     PayoutCancelled,
		action: "cancel",
		actor:  cancelledBy,
		fields: func(now time.Time) map[string]interface{} {
			return map[string]interface{}{"cancelled_by": cancelledBy, "period_key": nil}
		},
		money: func(total decimal.Decimal) *moneyDelta {
			return &moneyDelta{earned: total.Neg(), pending: total.Neg()}
		},
	})
}

// CreateCorrectionPayout recalculates a rejected payout's period into a
// new draft that references it.
func (s *Service) CreateCorrectionPayout(ctx context.Context, rejectedID string, actor string) (*Payout, error) {
	if err := required(actor, "actor_required", "compensation: actor is required"); err != nil {
		return nil, err
	}
	orig, err := s.repo.GetPayout(ctx, nil, rejectedID)
	if err != nil {
		return nil, apperr.FromStore("compensation: correct payout", err)
	}
	if orig.Status != PayoutRejected {
		return nil, apperr.Policy(ErrInvalidState.Code, fmt.Sprintf("compensation: only rejected payouts can be corrected, this one is %s", orig.Status))
	}
	p, err := s.repo.GetPartner(ctx, nil, orig.PartnerID)
	if err != nil {
		return nil, apperr.FromStore("compensation: correct payout", err)
	}
	comp, err := s.calculate(ctx, p, orig.PeriodStart.UTC(), orig.PeriodEnd.UTC())
	if err != nil {
		return nil, err
	}

	correction := newPayout(comp, PayoutDraft, &orig.ID, s.now())
	if err := s.createPayout(ctx, correction); err != nil {
		return nil, apperr.FromStore("compensation: correct payout", err)
	}
	s.log.WithFields(logrus.Fields{
		"payout_id": correction.ID,
		"corrects":  orig.ID,
		"actor":     actor,
	}).Info("correction payout created")
	return correction, nil
}

func (s *Service) GetPayout(ctx context.Context, id string) (*Payout, error) {
	p, err := s.repo.GetPayout(ctx, nil, id)
	if err != nil {
		return nil, apperr.FromStore("compensation: get payout", err)
	}
	return p, nil
}

func (s *Service) ListPartnerPayouts(ctx context.Context, partnerID string, limit int, offset int) ([]Payout, error) {
	limit, offset = pageBounds(limit, offset)
	payouts, err := s.repo.ListPartnerPayouts(ctx, partnerID, limit, offset)
	return payouts, apperr.FromStore("compensation: list payouts", err)
}

func (s *Service) ListPayoutsByStatus(ctx context.Context, status PayoutStatus, limit int, offset int) ([]Payout, error) {
	if !status.Valid() {
		return nil, apperr.Validation("invalid_status", fmt.Sprintf("compensation: unknown payout status %q", status))
	}
	limit, offset = pageBounds(limit, offset)
	payouts, err := s.repo.ListPayoutsByStatus(ctx, status, limit, offset)
	return payouts, apperr.FromStore("compensation: list payouts", err)
}
