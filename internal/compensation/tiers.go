package compensation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"growth_service/internal/apperr"
)

func bound(n int64) *int64 { return &n }

// DefaultTiers is the ladder installed when none is configured.
func DefaultTiers() []Tier {
	return []Tier{
		{TierLevel: 1, TierName: "Starter", MinReferrals: 0, MaxReferrals: bound(9),
			PaymentPerReferral: decimal.NewFromInt(5), PaymentPerActiveReferral: decimal.NewFromInt(10),
			PaymentPerFundedReferral: decimal.NewFromInt(20), TierBonus: decimal.Zero},
		{TierLevel: 2, TierName: "Silver", MinReferrals: 10, MaxReferrals: bound(49),
			PaymentPerReferral: decimal.RequireFromString("7.50"), PaymentPerActiveReferral: decimal.RequireFromString("12.50"),
			PaymentPerFundedReferral: decimal.NewFromInt(25), TierBonus: decimal.NewFromInt(100)},
		{TierLevel: 3, TierName: "Gold", MinReferrals: 50, MaxReferrals: bound(199),
			PaymentPerReferral: decimal.NewFromInt(10), PaymentPerActiveReferral: decimal.NewFromInt(15),
			PaymentPerFundedReferral: decimal.NewFromInt(30), TierBonus: decimal.NewFromInt(500)},
		{TierLevel: 4, TierName: "Platinum", MinReferrals: 200,
			PaymentPerReferral: decimal.NewFromInt(15), PaymentPerActiveReferral: decimal.NewFromInt(20),
			PaymentPerFundedReferral: decimal.NewFromInt(40), TierBonus: decimal.NewFromInt(2000)},
	}
}

// ValidateLadder sorts tiers by level and checks that their ranges cover
// every referral count exactly once, in level order.
func ValidateLadder(tiers []Tier) error {
	if len(tiers) == 0 {
		return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("ladder is empty"))
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].TierLevel < tiers[j].TierLevel })

	var next int64
	for i, t := range tiers {
		if i > 0 && t.TierLevel == tiers[i-1].TierLevel {
			return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("duplicate tier level %d", t.TierLevel))
		}
		if t.TierName == "" {
			return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("tier level %d has no name", t.TierLevel))
		}
		if t.MinReferrals != next {
			return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("tier %s starts at %d, want %d", t.TierName, t.MinReferrals, next))
		}
		last := i == len(tiers)-1
		if t.MaxReferrals == nil {
			if !last {
				return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("only the top tier may be unbounded, %s is not last", t.TierName))
			}
		} else {
			if last {
				return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("top tier %s must be unbounded", t.TierName))
			}
			if *t.MaxReferrals < t.MinReferrals {
				return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("tier %s has max below min", t.TierName))
			}
			next = *t.MaxReferrals + 1
		}
		for _, rate := range []decimal.Decimal{t.PaymentPerReferral, t.PaymentPerActiveReferral, t.PaymentPerFundedReferral, t.TierBonus} {
			if rate.IsNegative() {
				return apperr.Wrap(ErrInvalidTierTable, fmt.Errorf("tier %s has a negative rate", t.TierName))
			}
		}
	}
	return nil
}

// tierFor returns the tier whose range holds count. tiers must be a valid
// ladder sorted by level.
func tierFor(tiers []Tier, count int64) (Tier, bool) {
	for _, t := range tiers {
		if t.contains(count) {
			return t, true
		}
	}
	return Tier{}, false
}

// effectiveTier is the higher of the tier count qualifies for and the
// highest tier the partner has already reached.
func effectiveTier(tiers []Tier, count int64, reached int) (Tier, bool) {
	t, ok := tierFor(tiers, count)
	if !ok {
		return Tier{}, false
	}
	if t.TierLevel >= reached {
		return t, true
	}
	for _, candidate := range tiers {
		if candidate.TierLevel == reached {
			return candidate, true
		}
	}
	return t, true
}
