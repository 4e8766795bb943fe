package promo

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"growth_service/internal/apperr"
	"growth_service/internal/config"
	"growth_service/internal/testutil"
	"growth_service/internal/wallet"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	clock   *testutil.Clock
	svc     *Service
	wallets *wallet.Service
}

func setUp(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t, &Campaign{}, &Redemption{}, &UserProfile{}, &wallet.Wallet{}, &wallet.LedgerEntry{})
	clock := testutil.NewClock(baseTime)
	log := testutil.Logger()
	cfg := config.Defaults()

	wallets := wallet.NewService(db, wallet.NewWalletRepository(db), log).WithClock(clock.Now)
	svc := NewService(db, NewCampaignRepository(db), wallets, cfg.Promo, log).WithClock(clock.Now)
	return &fixture{db: db, clock: clock, svc: svc, wallets: wallets}
}

func amount(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func cap64(v int64) *int64 { return &v }

func baseRequest(code string, ctype CampaignType) CreateCampaignRequest {
	return CreateCampaignRequest{
		CampaignName: code + " campaign",
		CampaignCode: code,
		CampaignType: ctype,
		StartDate:    baseTime.Add(-time.Hour),
		EndDate:      baseTime.Add(7 * 24 * time.Hour),
		CreatedBy:    "marketing",
	}
}

// launch creates and activates a campaign.
func (f *fixture) launch(t *testing.T, req CreateCampaignRequest) *Campaign {
	t.Helper()
	c, err := f.svc.CreateCampaign(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, CampaignDraft, c.Status)
	c, err = f.svc.UpdateCampaignStatus(context.Background(), c.ID, CampaignActive)
	require.NoError(t, err)
	return c
}

func (f *fixture) profile(t *testing.T, userID, tier string, created time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&UserProfile{UserID: userID, Tier: tier, CreatedAt: created}).Error)
}

func TestSignupScenario(t *testing.T) {
	f := setUp(t)
	req := baseRequest("signup50", TypeFixedPoints)
	req.BonusPoints = 500
	req.MaxRedemptionsPerUser = cap64(1)
	c := f.launch(t, req)
	require.Equal(t, "SIGNUP50", c.CampaignCode)

	res, err := f.svc.RedeemPromoCode(context.Background(), "u1", "SIGNUP50", nil)
	require.NoError(t, err)
	require.Equal(t, int64(500), res.PointsAwarded)
	require.Equal(t, c.ID, res.CampaignID)

	w, err := f.wallets.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.PointsBalance)

	_, err = f.svc.RedeemPromoCode(context.Background(), "u1", "signup50", nil)
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindPolicy))
	require.Equal(t, ReasonUserLimit, apperr.CodeOf(err))

	v, err := f.svc.ValidatePromoCode(context.Background(), "SIGNUP50", "u1")
	require.NoError(t, err)
	require.False(t, v.IsValid)
	require.Equal(t, ReasonUserLimit, v.Reason)

	w, err = f.wallets.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.PointsBalance)
}

func TestConcurrentRedemptionsRespectTotalCap(t *testing.T) {
	f := setUp(t)
	req := baseRequest("RUSH10", TypeFixedPoints)
	req.BonusPoints = 100
	req.MaxRedemptionsTotal = cap64(10)
	req.MaxRedemptionsPerUser = cap64(0)
	c := f.launch(t, req)

	var ok, capped atomic.Int64
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("user-%02d", i)
		g.Go(func() error {
			_, err := f.svc.RedeemPromoCode(context.Background(), user, "RUSH10", nil)
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.CodeOf(err) == ReasonCampaignLimit:
				capped.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(10), ok.Load())
	require.Equal(t, int64(40), capped.Load())

	var rows int64
	require.NoError(t, f.db.Model(&Redemption{}).Where("campaign_id = ?", c.ID).Count(&rows).Error)
	require.Equal(t, int64(10), rows)

	stored, err := f.svc.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), stored.TotalRedemptions)
}

func TestUnlimitedPerUserNumbersRedemptions(t *testing.T) {
	f := setUp(t)
	req := baseRequest("DAILY", TypeFixedPoints)
	req.BonusPoints = 10
	req.MaxRedemptionsPerUser = cap64(0)
	f.launch(t, req)

	for i := 0; i < 3; i++ {
		_, err := f.svc.RedeemPromoCode(context.Background(), "u1", "DAILY", nil)
		require.NoError(t, err)
	}
	reds, err := f.svc.GetUserRedemptions(context.Background(), "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, reds, 3)
	seqs := map[int64]bool{}
	for _, r := range reds {
		seqs[r.RedemptionSeq] = true
	}
	require.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, seqs)
}

func TestValidateCheckOrder(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	v, err := f.svc.ValidatePromoCode(ctx, "NOPE", "u1")
	require.NoError(t, err)
	require.False(t, v.IsValid)
	require.Equal(t, ReasonNotFound, v.Reason)

	draft, err := f.svc.CreateCampaign(ctx, func() CreateCampaignRequest {
		r := baseRequest("DRAFTY", TypeFixedPoints)
		r.BonusPoints = 1
		return r
	}())
	require.NoError(t, err)
	v, err = f.svc.ValidatePromoCode(ctx, draft.CampaignCode, "u1")
	require.NoError(t, err)
	require.Equal(t, ReasonInactive, v.Reason)

	// window is checked before eligibility
	later := baseRequest("LATER", TypeFixedPoints)
	later.BonusPoints = 1
	later.StartDate = baseTime.Add(24 * time.Hour)
	later.UserEligibility = EligibleNewUsers
	f.launch(t, later)
	v, err = f.svc.ValidatePromoCode(ctx, "LATER", "stranger")
	require.NoError(t, err)
	require.Equal(t, ReasonNotStarted, v.Reason)

	// eligibility is checked before the global cap
	vip := baseRequest("VIPONLY", TypeFixedPoints)
	vip.BonusPoints = 1
	vip.UserEligibility = EligibleTierBased
	vip.EligibleTiers = []string{"gold", "platinum"}
	vip.MaxRedemptionsTotal = cap64(1)
	f.launch(t, vip)
	f.profile(t, "g1", "Gold", baseTime.AddDate(-1, 0, 0))
	f.profile(t, "b1", "bronze", baseTime.AddDate(-1, 0, 0))
	f.profile(t, "p1", "platinum", baseTime.AddDate(-1, 0, 0))

	_, err = f.svc.RedeemPromoCode(ctx, "g1", "VIPONLY", nil)
	require.NoError(t, err)
	v, err = f.svc.ValidatePromoCode(ctx, "VIPONLY", "b1")
	require.NoError(t, err)
	require.Equal(t, ReasonNotEligible, v.Reason)
	v, err = f.svc.ValidatePromoCode(ctx, "VIPONLY", "p1")
	require.NoError(t, err)
	require.Equal(t, ReasonCampaignLimit, v.Reason)

	f.clock.Advance(8 * 24 * time.Hour)
	v, err = f.svc.ValidatePromoCode(ctx, "VIPONLY", "p1")
	require.NoError(t, err)
	require.Equal(t, ReasonEnded, v.Reason)
}

func TestNewAndExistingUserEligibility(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	welcome := baseRequest("WELCOME", TypeSignupBonus)
	welcome.BonusCash = decimal.NewFromInt(5)
	welcome.UserEligibility = EligibleNewUsers
	f.launch(t, welcome)
	loyal := baseRequest("LOYAL", TypeFixedPoints)
	loyal.BonusPoints = 50
	loyal.UserEligibility = EligibleExistingUsers
	f.launch(t, loyal)

	f.profile(t, "fresh", "", baseTime.AddDate(0, 0, -3))
	f.profile(t, "veteran", "", baseTime.AddDate(0, -6, 0))

	cases := []struct {
		code, user string
		valid      bool
	}{
		{"WELCOME", "fresh", true},
		{"WELCOME", "veteran", false},
		{"WELCOME", "ghost", false},
		{"LOYAL", "fresh", false},
		{"LOYAL", "veteran", true},
	}
	for _, tc := range cases {
		t.Run(tc.code+"/"+tc.user, func(t *testing.T) {
			v, err := f.svc.ValidatePromoCode(ctx, tc.code, tc.user)
			require.NoError(t, err)
			require.Equal(t, tc.valid, v.IsValid, v.Reason)
		})
	}

	res, err := f.svc.RedeemPromoCode(ctx, "fresh", "WELCOME", nil)
	require.NoError(t, err)
	require.Equal(t, "5.00", res.CashBonus.StringFixed(2))
}

func TestDepositBasedAwards(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	match := baseRequest("MATCH50", TypeDepositMatch)
	match.DepositMatchPercentage = amount(50)
	match.MaxBonusAmount = amount(75)
	match.MinDepositRequired = amount(20)
	match.MaxRedemptionsPerUser = cap64(0)
	f.launch(t, match)

	_, err := f.svc.RedeemPromoCode(ctx, "u1", "MATCH50", nil)
	require.Equal(t, ReasonDepositRequired, apperr.CodeOf(err))
	_, err = f.svc.RedeemPromoCode(ctx, "u1", "MATCH50", amount(10))
	require.Equal(t, ReasonMinDepositNotMet, apperr.CodeOf(err))

	res, err := f.svc.RedeemPromoCode(ctx, "u1", "MATCH50", amount(100))
	require.NoError(t, err)
	require.Equal(t, "50.00", res.CashBonus.StringFixed(2))
	require.Zero(t, res.PointsAwarded)

	res, err = f.svc.RedeemPromoCode(ctx, "u1", "MATCH50", amount(400))
	require.NoError(t, err)
	require.Equal(t, "75.00", res.CashBonus.StringFixed(2))

	boost := baseRequest("BOOST10", TypePercentageBonus)
	boost.DepositMatchPercentage = amount(10)
	boost.MaxBonusAmount = amount(30)
	boost.MaxRedemptionsPerUser = cap64(0)
	f.launch(t, boost)

	res, err = f.svc.RedeemPromoCode(ctx, "u2", "BOOST10", amount(250))
	require.NoError(t, err)
	require.Equal(t, int64(25), res.PointsAwarded)
	res, err = f.svc.RedeemPromoCode(ctx, "u2", "BOOST10", amount(1000))
	require.NoError(t, err)
	require.Equal(t, int64(30), res.PointsAwarded)

	w, err := f.wallets.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "125.00", w.CashBalance.StringFixed(2))
	w, err = f.wallets.GetBalance(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, int64(55), w.PointsBalance)

	// rejected attempts leave no trace
	var rows int64
	require.NoError(t, f.db.Model(&Redemption{}).Count(&rows).Error)
	require.Equal(t, int64(4), rows)
}

func TestCreateCampaignRejections(t *testing.T) {
	f := setUp(t)
	ok := baseRequest("GOOD", TypeFixedPoints)
	ok.BonusPoints = 10
	_, err := f.svc.CreateCampaign(context.Background(), ok)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(r *CreateCampaignRequest)
		code   string
	}{
		{"bad code", func(r *CreateCampaignRequest) { r.CampaignCode = "a!" }, "invalid_campaign_code"},
		{"backwards window", func(r *CreateCampaignRequest) { r.EndDate = r.StartDate }, "invalid_window"},
		{"unknown type", func(r *CreateCampaignRequest) { r.CampaignType = "lottery" }, "invalid_campaign_type"},
		{"no bonus", func(r *CreateCampaignRequest) { r.BonusPoints = 0 }, "bonus_required"},
		{"tiers missing", func(r *CreateCampaignRequest) { r.UserEligibility = EligibleTierBased }, "tiers_required"},
		{"zero total cap", func(r *CreateCampaignRequest) { r.MaxRedemptionsTotal = cap64(0) }, "invalid_total_cap"},
		{"no actor", func(r *CreateCampaignRequest) { r.CreatedBy = " " }, "actor_required"},
		{"match without pct", func(r *CreateCampaignRequest) { r.CampaignType = TypeDepositMatch }, "percentage_required"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest(fmt.Sprintf("CASE%d", i), TypeFixedPoints)
			req.BonusPoints = 10
			tc.mutate(&req)
			_, err := f.svc.CreateCampaign(context.Background(), req)
			require.Error(t, err)
			require.True(t, apperr.IsKind(err, apperr.KindValidation))
			require.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}

	dup := baseRequest("good", TypeFixedPoints)
	dup.BonusPoints = 5
	_, err = f.svc.CreateCampaign(context.Background(), dup)
	require.ErrorIs(t, err, ErrCodeTaken)
}

func TestCampaignStatusTransitions(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	req := baseRequest("FLOW", TypeFixedPoints)
	req.BonusPoints = 10
	c := f.launch(t, req)

	c, err := f.svc.UpdateCampaignStatus(ctx, c.ID, CampaignPaused)
	require.NoError(t, err)
	require.Equal(t, CampaignPaused, c.Status)

	_, err = f.svc.RedeemPromoCode(ctx, "u1", "FLOW", nil)
	require.Equal(t, ReasonInactive, apperr.CodeOf(err))

	c, err = f.svc.UpdateCampaignStatus(ctx, c.ID, CampaignPaused)
	require.NoError(t, err)

	c, err = f.svc.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, CampaignCancelled, c.Status)

	_, err = f.svc.UpdateCampaignStatus(ctx, c.ID, CampaignActive)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.UpdateCampaignStatus(ctx, "missing", CampaignActive)
	require.ErrorIs(t, err, ErrCampaignNotFound)

	late := baseRequest("LATE", TypeFixedPoints)
	late.BonusPoints = 10
	draft, err := f.svc.CreateCampaign(ctx, late)
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.svc.UpdateCampaignStatus(ctx, draft.ID, CampaignActive)
	require.Equal(t, ReasonEnded, apperr.CodeOf(err))
}

func TestExpireOutdatedCampaigns(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	short := baseRequest("SHORT", TypeFixedPoints)
	short.BonusPoints = 1
	short.EndDate = baseTime.Add(24 * time.Hour)
	f.launch(t, short)

	paused := baseRequest("PAUSED", TypeFixedPoints)
	paused.BonusPoints = 1
	paused.EndDate = baseTime.Add(24 * time.Hour)
	p := f.launch(t, paused)
	_, err := f.svc.UpdateCampaignStatus(ctx, p.ID, CampaignPaused)
	require.NoError(t, err)

	long := baseRequest("LONG", TypeFixedPoints)
	long.BonusPoints = 1
	f.launch(t, long)

	n, err := f.svc.ExpireOutdatedCampaigns(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	active, err := f.svc.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	f.clock.Advance(2 * 24 * time.Hour)
	n, err = f.svc.ExpireOutdatedCampaigns(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = f.svc.ExpireOutdatedCampaigns(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := f.svc.GetCampaignByCode(ctx, "short")
	require.NoError(t, err)
	require.Equal(t, CampaignExpired, got.Status)

	active, err = f.svc.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "LONG", active[0].CampaignCode)
}

func TestCampaignStats(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()
	req := baseRequest("STATS", TypeDepositMatch)
	req.DepositMatchPercentage = amount(10)
	req.MaxRedemptionsPerUser = cap64(0)
	c := f.launch(t, req)

	_, err := f.svc.RedeemPromoCode(ctx, "a", "STATS", amount(100))
	require.NoError(t, err)
	_, err = f.svc.RedeemPromoCode(ctx, "a", "STATS", amount(300))
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.RedeemPromoCode(ctx, "b", "STATS", amount(200))
	require.NoError(t, err)

	stats, err := f.svc.GetCampaignStats(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalRedemptions)
	require.Equal(t, int64(2), stats.UniqueUsers)
	require.Equal(t, "60.00", stats.TotalCashAwarded.StringFixed(2))
	require.Equal(t, "600.00", stats.TotalDepositAmount.StringFixed(2))
	require.Equal(t, "200.00", stats.AverageDepositAmount.StringFixed(2))
	require.Equal(t, 100.0, stats.ConversionRate)
	require.Equal(t, []DateCount{
		{Date: "2026-04-11", Count: 1},
		{Date: "2026-04-10", Count: 2},
	}, stats.RedemptionsByDate)

	_, err = f.svc.GetCampaignStats(ctx, "missing")
	require.ErrorIs(t, err, ErrCampaignNotFound)
}
