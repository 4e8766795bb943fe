package compensation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"growth_service/internal/apperr"
)

var hundred = decimal.NewFromInt(100)

// CalculateCompensation computes what partnerID earned for referrals made
// with its code in [start, end). Nothing is persisted except a tier
// promotion.
func (s *Service) CalculateCompensation(ctx context.Context, partnerID string, start, end time.Time) (*Compensation, error) {
	if !start.Before(end) {
		return nil, apperr.Validation("invalid_period", "compensation: period start must be before its end")
	}
	p, err := s.repo.GetPartner(ctx, nil, partnerID)
	if err != nil {
		return nil, apperr.FromStore("compensation: calculate", err)
	}
	return s.calculate(ctx, p, start.UTC(), end.UTC())
}

func (s *Service) calculate(ctx context.Context, p *Partner, start, end time.Time) (*Compensation, error) {
	counts, err := s.repo.CountPeriodReferrals(ctx, p.CustomCode, start, end)
	if err != nil {
		return nil, apperr.FromStore("compensation: calculate", err)
	}

	out := &Compensation{
		PartnerID:       p.ID,
		PeriodStart:     start,
		PeriodEnd:       end,
		TierLevel:       p.CompensationTierLevel,
		TotalReferrals:  counts.Total,
		ActiveReferrals: counts.Active,
		FundedReferrals: counts.Funded,
		FundedAmount:    counts.FundedAmount.Round(2),
	}

	base := decimal.Zero
	bonus := decimal.Zero
	if p.CompensationType == CompTiered || p.CompensationType == CompHybrid {
		tier, err := s.partnerTier(ctx, p, end)
		if err != nil {
			return nil, err
		}
		out.TierLevel = tier.TierLevel
		out.TierName = tier.TierName

		base = tier.PaymentPerReferral.Mul(decimal.NewFromInt(counts.Total)).
			Add(tier.PaymentPerActiveReferral.Mul(decimal.NewFromInt(counts.Active))).
			Add(tier.PaymentPerFundedReferral.Mul(decimal.NewFromInt(counts.Funded)))

		threshold := tier.MinReferrals
		if threshold < 1 {
			threshold = 1
		}
		if counts.Total >= threshold {
			bonus = tier.TierBonus
		}
	}

	switch p.CompensationType {
	case CompPerReferral:
		base = p.BaseRate.Mul(decimal.NewFromInt(counts.Total))
	case CompPercentage:
		base = p.BaseRate.Mul(counts.FundedAmount).Div(hundred)
	case CompHybrid:
		base = base.Add(p.BaseRate.Mul(counts.FundedAmount).Div(hundred))
	}

	out.BaseCompensation = base.Round(2)
	out.BonusCompensation = bonus.Round(2)
	out.TotalCompensation = base.Add(bonus).Round(2)
	return out, nil
}

// partnerTier resolves the tier for referrals made before until, never
// below the highest tier the partner already reached, and records a
// promotion.
func (s *Service) partnerTier(ctx context.Context, p *Partner, until time.Time) (Tier, error) {
	tiers, err := s.repo.ListTiers(ctx)
	if err != nil {
		return Tier{}, apperr.FromStore("compensation: list tiers", err)
	}
	if len(tiers) == 0 {
		return Tier{}, ErrTiersMissing
	}
	lifetime, err := s.repo.CountLifetimeReferrals(ctx, p.CustomCode, until)
	if err != nil {
		return Tier{}, apperr.FromStore("compensation: count referrals", err)
	}
	tier, ok := effectiveTier(tiers, lifetime, p.CompensationTierLevel)
	if !ok {
		return Tier{}, ErrInvalidTierTable
	}
	if tier.TierLevel > p.CompensationTierLevel {
		if err := s.repo.RaiseTierLevel(ctx, nil, p.ID, tier.TierLevel, s.now()); err != nil {
			return Tier{}, apperr.FromStore("compensation: raise tier", err)
		}
		s.log.WithField("partner_id", p.ID).WithField("tier_level", tier.TierLevel).Info("partner promoted")
		p.CompensationTierLevel = tier.TierLevel
	}
	return tier, nil
}
