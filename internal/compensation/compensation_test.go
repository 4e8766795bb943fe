package compensation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"growth_service/internal/apperr"
	"growth_service/internal/config"
	"growth_service/internal/fraud"
	"growth_service/internal/referral"
	"growth_service/internal/testutil"
	"growth_service/internal/wallet"
	"gorm.io/gorm"
)

var march = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	clock     *testutil.Clock
	referrals *referral.Service
	svc       *Service
}

func setUp(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t,
		&referral.Referral{}, &referral.ReferralCode{}, &referral.AuditEntry{}, &referral.ShareEvent{},
		&wallet.Wallet{}, &wallet.LedgerEntry{},
		&Partner{}, &Tier{}, &Payout{},
	)
	clock := testutil.NewClock(march)
	log := testutil.Logger()
	cfg := config.Defaults()

	engine := fraud.NewEngine(fraud.NewSQLSignalStore(testutil.SignalDB(t, db)), cfg.Fraud, log).WithClock(clock.Now)
	wallets := wallet.NewService(db, wallet.NewWalletRepository(db), log).WithClock(clock.Now)
	refs := referral.NewService(db, referral.NewReferralRepository(db), engine, wallets, cfg.Referral, log).WithClock(clock.Now)

	svc := NewService(db, NewCompensationRepository(db), refs, cfg.Payout, log).WithClock(clock.Now)
	refs.AddObserver(svc.Tracker())
	assert.NoError(t, svc.EnsureDefaultTiers(context.Background()))

	return &fixture{db: db, clock: clock, referrals: refs, svc: svc}
}

func (f *fixture) partner(t *testing.T, code string, ctype CompensationType, rate string) *Partner {
	t.Helper()
	ctx := context.Background()
	req := CreatePartnerRequest{
		Name:             "Partner " + code,
		Email:            code + "@partners.example.com",
		CustomCode:       code,
		CompensationType: ctype,
	}
	if rate != "" {
		r := decimal.RequireFromString(rate)
		req.BaseRate = &r
	}
	p, err := f.svc.CreatePartner(ctx, req)
	require.NoError(t, err)
	p, err = f.svc.UpdatePartnerStatus(ctx, p.ID, PartnerActive, "")
	require.NoError(t, err)
	return p
}

// refer creates a referral through p's code, spacing referrals out so the
// velocity cap never trips.
func (f *fixture) refer(t *testing.T, p *Partner, refereeID string) *referral.Referral {
	t.Helper()
	ref, err := f.referrals.CreateReferral(context.Background(), referral.CreateReferralRequest{
		ReferralCode: p.CustomCode,
		RefereeID:    refereeID,
	})
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	return ref
}

func (f *fixture) fund(t *testing.T, id string, amount string, active bool) {
	t.Helper()
	yes := true
	a := decimal.RequireFromString(amount)
	upd := referral.RefereeStatusUpdate{Funded: &yes, FundedAmount: &a}
	if active {
		upd.Active = &yes
	}
	_, err := f.referrals.UpdateRefereeStatus(context.Background(), id, upd)
	require.NoError(t, err)
}

func TestCreatePartnerClaimsCode(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	p, err := f.svc.CreatePartner(ctx, CreatePartnerRequest{
		Name:       "Lagos Crypto Club",
		Email:      "Ops@LagosClub.example.com",
		CustomCode: "lagos-club",
	})
	require.NoError(t, err)
	require.Equal(t, "LAGOS-CLUB", p.CustomCode)
	require.Equal(t, "ops@lagosclub.example.com", p.Email)
	require.Equal(t, PartnerPending, p.Status)
	require.Equal(t, CompTiered, p.CompensationType)

	// pending partners cannot attribute referrals yet
	_, err = f.referrals.CreateReferral(ctx, referral.CreateReferralRequest{ReferralCode: "LAGOS-CLUB", RefereeID: "u1"})
	require.ErrorIs(t, err, referral.ErrInvalidCode)

	_, err = f.svc.UpdatePartnerStatus(ctx, p.ID, PartnerActive, "")
	require.NoError(t, err)
	ref := f.refer(t, p, "u1")
	require.Equal(t, p.UserID, ref.ReferrerID)

	found, err := f.svc.GetPartnerByCode(ctx, "lagos-club")
	require.NoError(t, err)
	require.Equal(t, p.ID, found.ID)
	require.Equal(t, int64(1), found.TotalReferrals)
	require.Equal(t, int64(1), found.PendingReferrals)
}

func TestCreatePartnerRejections(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	f.partner(t, "ALPHA", CompTiered, "")

	cases := []struct {
		name string
		req  CreatePartnerRequest
		kind apperr.Kind
		code string
	}{
		{"short code", CreatePartnerRequest{Name: "x", Email: "x@example.com", CustomCode: "AB"}, apperr.KindValidation, "invalid_custom_code"},
		{"bad email", CreatePartnerRequest{Name: "x", Email: "nope", CustomCode: "BRAVO"}, apperr.KindValidation, "invalid_email"},
		{"missing rate", CreatePartnerRequest{Name: "x", Email: "x@example.com", CustomCode: "BRAVO", CompensationType: CompPerReferral}, apperr.KindValidation, "invalid_base_rate"},
		{"code taken", CreatePartnerRequest{Name: "x", Email: "x@example.com", CustomCode: "alpha"}, apperr.KindConflict, "code_taken"},
		{"email taken", CreatePartnerRequest{Name: "x", Email: "ALPHA@partners.example.com", CustomCode: "BRAVO"}, apperr.KindConflict, "partner_exists"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreatePartner(ctx, tc.req)
			require.Error(t, err)
			require.Equal(t, tc.kind, apperr.KindOf(err))
			require.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}

	// a failed create leaves no claimed code behind
	ok, err := f.referrals.CodeExists(ctx, nil, "BRAVO")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdatePartnerStatus(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	p := f.partner(t, "ALPHA", CompTiered, "")

	_, err := f.svc.UpdatePartnerStatus(ctx, p.ID, PartnerSuspended, "")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	p, err = f.svc.UpdatePartnerStatus(ctx, p.ID, PartnerSuspended, "chargebacks")
	require.NoError(t, err)
	require.Equal(t, "chargebacks", p.StatusReason)

	v, err := f.referrals.ValidateReferralCode(ctx, "ALPHA")
	require.NoError(t, err)
	require.False(t, v.IsValid)

	_, err = f.svc.UpdatePartnerStatus(ctx, p.ID, PartnerPaused, "")
	require.Equal(t, "invalid_state", apperr.CodeOf(err))

	_, err = f.svc.UpdatePartnerStatus(ctx, p.ID, PartnerTerminated, "contract ended")
	require.NoError(t, err)
	_, err = f.svc.UpdatePartnerStatus(ctx, p.ID, PartnerActive, "")
	require.Equal(t, "invalid_state", apperr.CodeOf(err))
}

func TestSuggestPartnerCode(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	code, err := f.svc.SuggestPartnerCode(ctx, "Café Ünited")
	require.NoError(t, err)
	require.Equal(t, "CAFEUNITED", code)

	f.partner(t, code, CompTiered, "")
	code, err = f.svc.SuggestPartnerCode(ctx, "Café Ünited")
	require.NoError(t, err)
	require.Equal(t, "CAFEUNITED2", code)

	code, err = f.svc.SuggestPartnerCode(ctx, "Al")
	require.NoError(t, err)
	require.Equal(t, "ALPARTN", code)
}

func TestTrackerFollowsMilestones(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	p := f.partner(t, "ALPHA", CompTiered, "")

	a := f.refer(t, p, "u1")
	f.refer(t, p, "u2")
	f.fund(t, a.ID, "250", true)
	// repeated milestones do not double count
	f.fund(t, a.ID, "250", true)

	p, err := f.svc.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), p.TotalReferrals)
	require.Equal(t, int64(1), p.FundedReferrals)
	require.Equal(t, int64(1), p.ActiveReferrals)
	require.Equal(t, int64(1), p.PendingReferrals)
}

func TestCalculateCompensationByType(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	tiered := f.partner(t, "TIERED", CompTiered, "")
	perRef := f.partner(t, "PERREF", CompPerReferral, "2.50")
	pct := f.partner(t, "PCT", CompPercentage, "10")
	hybrid := f.partner(t, "HYBRID", CompHybrid, "5")

	for _, p := range []*Partner{tiered, perRef, pct, hybrid} {
		a := f.refer(t, p, p.CustomCode+"-a")
		f.refer(t, p, p.CustomCode+"-b")
		flagged := f.refer(t, p, p.CustomCode+"-c")
		f.fund(t, a.ID, "200", true)
		_, err := f.referrals.FlagReferralAsFraud(ctx, flagged.ID, "bot", "analyst")
		require.NoError(t, err)
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	want := map[string]string{
		// Starter: 2×5 + 1×10 + 1×20
		"TIERED": "40.00",
		"PERREF": "5.00",
		"PCT":    "20.00",
		// tiered part plus 5% of 200
		"HYBRID": "50.00",
	}
	for _, p := range []*Partner{tiered, perRef, pct, hybrid} {
		comp, err := f.svc.CalculateCompensation(ctx, p.ID, start, end)
		require.NoError(t, err)
		require.Equal(t, int64(2), comp.TotalReferrals, p.CustomCode)
		require.Equal(t, int64(1), comp.FundedReferrals)
		require.Equal(t, int64(1), comp.ActiveReferrals)
		require.Equal(t, want[p.CustomCode], comp.TotalCompensation.StringFixed(2), p.CustomCode)
	}

	_, err := f.svc.CalculateCompensation(ctx, tiered.ID, end, start)
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTierBonusAndMonotonicTier(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	_, err := f.svc.ReplaceTiers(ctx, []Tier{
		{TierLevel: 2, TierName: "Pro", MinReferrals: 2,
			PaymentPerReferral: decimal.NewFromInt(3), TierBonus: decimal.NewFromInt(50)},
		{TierLevel: 1, TierName: "Rookie", MinReferrals: 0, MaxReferrals: bound(1),
			PaymentPerReferral: decimal.NewFromInt(1), TierBonus: decimal.NewFromInt(7)},
	})
	require.NoError(t, err)

	p := f.partner(t, "ALPHA", CompTiered, "")
	first := f.refer(t, p, "u1")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	comp, err := f.svc.CalculateCompensation(ctx, p.ID, start, end)
	require.NoError(t, err)
	require.Equal(t, 1, comp.TierLevel)
	// Rookie bonus needs at least one referral in the period
	require.Equal(t, "8.00", comp.TotalCompensation.StringFixed(2))

	f.refer(t, p, "u2")
	comp, err = f.svc.CalculateCompensation(ctx, p.ID, start, end)
	require.NoError(t, err)
	require.Equal(t, 2, comp.TierLevel)
	require.Equal(t, "Pro", comp.TierName)
	require.Equal(t, "6.00", comp.BaseCompensation.StringFixed(2))
	require.Equal(t, "50.00", comp.BonusCompensation.StringFixed(2))

	_, err = f.referrals.FlagReferralAsFraud(ctx, first.ID, "duplicate identity", "analyst")
	require.NoError(t, err)
	comp, err = f.svc.CalculateCompensation(ctx, p.ID, start, end)
	require.NoError(t, err)
	require.Equal(t, 2, comp.TierLevel)
	require.Equal(t, int64(1), comp.TotalReferrals)
	// one period referral is below Pro's minimum of two
	require.Equal(t, "3.00", comp.TotalCompensation.StringFixed(2))

	stored, err := f.svc.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.CompensationTierLevel)
}

func TestValidateLadder(t *testing.T) {
	require.NoError(t, ValidateLadder(DefaultTiers()))

	gap := DefaultTiers()
	gap[1].MinReferrals = 11
	require.ErrorIs(t, ValidateLadder(gap), ErrInvalidTierTable)

	bounded := DefaultTiers()
	bounded[3].MaxReferrals = bound(1000)
	require.ErrorIs(t, ValidateLadder(bounded), ErrInvalidTierTable)

	open := DefaultTiers()
	open[1].MaxReferrals = nil
	require.ErrorIs(t, ValidateLadder(open), ErrInvalidTierTable)

	negative := DefaultTiers()
	negative[0].TierBonus = decimal.NewFromInt(-1)
	require.ErrorIs(t, ValidateLadder(negative), ErrInvalidTierTable)

	require.ErrorIs(t, ValidateLadder(nil), ErrInvalidTierTable)
}

func TestGenerateMonthlyPayoutsIsIdempotent(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	a := f.partner(t, "ALPHA", CompTiered, "")
	b := f.partner(t, "BRAVO", CompPerReferral, "4")
	f.partner(t, "IDLE", CompTiered, "")
	f.refer(t, a, "u1")
	f.refer(t, b, "u2")
	f.refer(t, b, "u3")

	_, err := f.svc.GenerateMonthlyPayouts(ctx, 2026, 3)
	require.Equal(t, "period_open", apperr.CodeOf(err))

	f.clock.Set(time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC))
	res, err := f.svc.GenerateMonthlyPayouts(ctx, 2026, 3)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Created)
	require.Equal(t, int64(1), res.Skipped)

	res, err = f.svc.GenerateMonthlyPayouts(ctx, 2026, 3)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Created)
	require.Equal(t, int64(3), res.Skipped)

	payouts, err := f.svc.ListPartnerPayouts(ctx, b.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.Equal(t, PayoutPending, payouts[0].Status)
	require.Equal(t, "8.00", payouts[0].TotalCompensation.StringFixed(2))

	stored, err := f.svc.GetPartner(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "8.00", stored.TotalCompensationEarned.StringFixed(2))
	require.Equal(t, "8.00", stored.PendingCompensation.StringFixed(2))

	_, err = f.svc.GenerateMonthlyPayouts(ctx, 2026, 13)
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestGenerateMonthlyPayoutsPagesThroughPartners(t *testing.T) {
	f := setUp(t)
	f.svc.cfg.PartnerPageSize = 2
	f.svc.cfg.GenerationConcurrency = 3
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p := f.partner(t, fmt.Sprintf("PART%d", i), CompPerReferral, "1")
		f.refer(t, p, fmt.Sprintf("user-%d", i))
	}

	f.clock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	res, err := f.svc.GenerateMonthlyPayouts(ctx, 2026, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Created)

	pending, err := f.svc.ListPayoutsByStatus(ctx, PayoutPending, 50, 0)
	require.NoError(t, err)
	require.Len(t, pending, 5)
}

func generateOne(t *testing.T, f *fixture, p *Partner) *Payout {
	t.Helper()
	ctx := context.Background()
	f.refer(t, p, p.CustomCode+"-referee")
	f.clock.Set(time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC))
	_, err := f.svc.GenerateMonthlyPayouts(ctx, 2026, 3)
	require.NoError(t, err)
	payouts, err := f.svc.ListPartnerPayouts(ctx, p.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	return &payouts[0]
}

func TestPayoutSettlement(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	p := f.partner(t, "ALPHA", CompPerReferral, "12.50")
	payout := generateOne(t, f, p)

	_, err := f.svc.ApprovePayout(ctx, payout.ID, "finance-1")
	require.Equal(t, "invalid_state", apperr.CodeOf(err))

	_, err = f.svc.SubmitPayout(ctx, payout.ID, "ops-1")
	require.NoError(t, err)
	_, err = f.svc.ApprovePayout(ctx, payout.ID, "")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	approved, err := f.svc.ApprovePayout(ctx, payout.ID, "finance-1")
	require.NoError(t, err)
	require.Equal(t, "finance-1", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	paid, err := f.svc.MarkPayoutPaid(ctx, payout.ID, "TX-1001")
	require.NoError(t, err)
	require.Equal(t, PayoutPaid, paid.Status)
	require.Equal(t, "TX-1001", paid.PaymentReference)

	again, err := f.svc.MarkPayoutPaid(ctx, payout.ID, "TX-1001")
	require.NoError(t, err)
	require.Equal(t, PayoutPaid, again.Status)

	_, err = f.svc.MarkPayoutPaid(ctx, payout.ID, "TX-2002")
	require.True(t, apperr.IsKind(err, apperr.KindConflict))

	stored, err := f.svc.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "12.50", stored.TotalCompensationEarned.StringFixed(2))
	require.Equal(t, "12.50", stored.TotalCompensationPaid.StringFixed(2))
	require.True(t, stored.PendingCompensation.IsZero())

	_, err = f.svc.CancelPayout(ctx, payout.ID, "ops-1")
	require.Equal(t, "invalid_state", apperr.CodeOf(err))
}

func TestRejectAndCorrect(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	p := f.partner(t, "ALPHA", CompPerReferral, "10")
	payout := generateOne(t, f, p)

	_, err := f.svc.SubmitPayout(ctx, payout.ID, "ops-1")
	require.NoError(t, err)
	_, err = f.svc.RejectPayout(ctx, payout.ID, "finance-1", " ")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	rejected, err := f.svc.RejectPayout(ctx, payout.ID, "finance-1", "bank details wrong")
	require.NoError(t, err)
	require.Equal(t, PayoutRejected, rejected.Status)
	require.Equal(t, "bank details wrong", rejected.RejectionReason)

	stored, err := f.svc.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, stored.TotalCompensationEarned.IsZero())

	correction, err := f.svc.CreateCorrectionPayout(ctx, payout.ID, "ops-1")
	require.NoError(t, err)
	require.Equal(t, PayoutDraft, correction.Status)
	require.Equal(t, payout.ID, *correction.CorrectsPayoutID)
	require.Equal(t, "10.00", correction.TotalCompensation.StringFixed(2))

	_, err = f.svc.CreateCorrectionPayout(ctx, payout.ID, "ops-1")
	require.True(t, apperr.IsKind(err, apperr.KindConflict))

	// the correction holds the period, so generation does not duplicate it
	res, err := f.svc.GenerateMonthlyPayouts(ctx, 2026, 3)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Created)

	released, err := f.svc.ReleaseDraftPayout(ctx, correction.ID)
	require.NoError(t, err)
	require.Equal(t, PayoutPending, released.Status)

	_, err = f.svc.CreateCorrectionPayout(ctx, correction.ID, "ops-1")
	require.Equal(t, "invalid_state", apperr.CodeOf(err))

	stored, err = f.svc.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "10.00", stored.TotalCompensationEarned.StringFixed(2))
	require.Equal(t, "10.00", stored.PendingCompensation.StringFixed(2))
}

func TestCancelReleasesPeriod(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	p := f.partner(t, "ALPHA", CompPerReferral, "10")
	payout := generateOne(t, f, p)

	cancelled, err := f.svc.CancelPayout(ctx, payout.ID, "ops-1")
	require.NoError(t, err)
	require.Equal(t, PayoutCancelled, cancelled.Status)

	again, err := f.svc.CancelPayout(ctx, payout.ID, "ops-1")
	require.NoError(t, err)
	require.Equal(t, PayoutCancelled, again.Status)

	res, err := f.svc.GenerateMonthlyPayouts(ctx, 2026, 3)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Created)

	stored, err := f.svc.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "10.00", stored.TotalCompensationEarned.StringFixed(2))
}

func TestPartnerStats(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	p := f.partner(t, "ALPHA", CompTiered, "")
	a := f.refer(t, p, "u1")
	f.refer(t, p, "u2")
	f.fund(t, a.ID, "150", true)

	f.clock.Set(time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC))
	f.refer(t, p, "u3")

	stats, err := f.svc.GetPartnerStats(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Starter", stats.CurrentTier)
	require.Equal(t, int64(3), stats.TotalReferrals)
	require.Equal(t, int64(1), stats.ThisMonthReferrals)
	require.Equal(t, int64(2), stats.LastMonthReferrals)
	require.InDelta(t, 33.33, stats.ConversionRate, 0.01)
	require.Equal(t, []MonthCount{{Month: "2026-04", Count: 1}, {Month: "2026-03", Count: 2}}, stats.ReferralsByMonth)

	_, err = f.svc.GetPartnerStats(ctx, "missing")
	require.ErrorIs(t, err, ErrPartnerNotFound)
}
