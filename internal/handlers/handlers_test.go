package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"growth_service/internal/compensation"
	"growth_service/internal/config"
	"growth_service/internal/database"
	"growth_service/internal/fraud"
	"growth_service/internal/promo"
	"growth_service/internal/referral"
	"growth_service/internal/remittance"
	"growth_service/internal/testutil"
	"growth_service/internal/wallet"
)

type fixture struct {
	router    *gin.Engine
	handler   *Handler
	referrals *referral.Service
	wallets   *wallet.Service
}

func setUp(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t, database.Models()...)
	log := testutil.Logger()
	cfg := config.Defaults()

	engine := fraud.NewEngine(fraud.NewSQLSignalStore(testutil.SignalDB(t, db)), cfg.Fraud, log)
	wallets := wallet.NewService(db, wallet.NewWalletRepository(db), log)
	refs := referral.NewService(db, referral.NewReferralRepository(db), engine, wallets, cfg.Referral, log)
	comp := compensation.NewService(db, compensation.NewCompensationRepository(db), refs, cfg.Payout, log)
	refs.AddObserver(comp.Tracker())
	require.NoError(t, comp.EnsureDefaultTiers(context.Background()))
	promos := promo.NewService(db, promo.NewCampaignRepository(db), wallets, cfg.Promo, log)

	h := New(refs, engine, comp, promos, wallets, log)
	r := gin.New()
	h.Register(r)
	return &fixture{router: r, handler: h, referrals: refs, wallets: wallets}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  string `json:"code"`
}

func TestReferralLifecycleOverHTTP(t *testing.T) {
	f := setUp(t)

	w := f.do(t, http.MethodGet, "/api/v1/users/alice/referral-code", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var code referral.ReferralCode
	decode(t, w, &code)
	require.NotEmpty(t, code.Code)

	w = f.do(t, http.MethodGet, "/api/v1/referral-codes/"+code.Code, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var valid referral.CodeValidation
	decode(t, w, &valid)
	require.True(t, valid.IsValid)
	require.Equal(t, "alice", valid.ReferrerID)

	w = f.do(t, http.MethodPost, "/api/v1/referrals", gin.H{"referral_code": code.Code, "referee_id": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	var ref referral.Referral
	decode(t, w, &ref)
	require.Equal(t, referral.StatusPending, ref.BonusStatus)

	w = f.do(t, http.MethodPost, "/api/v1/referrals", gin.H{"referral_code": code.Code, "referee_id": "alice"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var e errorBody
	decode(t, w, &e)
	require.Equal(t, "self_referral", e.Code)

	w = f.do(t, http.MethodPost, "/api/v1/referrals/"+ref.ID+"/award", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	decode(t, w, &e)
	require.Equal(t, "not_eligible", e.Code)

	w = f.do(t, http.MethodPatch, "/api/v1/referrals/"+ref.ID+"/referee-status", gin.H{
		"kyc_completed": true,
		"funded":        true,
		"funded_amount": "150",
		"active":        true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/referrals/"+ref.ID+"/eligibility", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var elig referral.EligibilityResult
	decode(t, w, &elig)
	require.True(t, elig.Eligible)

	w = f.do(t, http.MethodPost, "/api/v1/referrals/"+ref.ID+"/award", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var award referral.AwardResult
	decode(t, w, &award)
	require.Equal(t, int64(500), award.PointsAwarded)

	w = f.do(t, http.MethodGet, "/api/v1/users/alice/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance wallet.Wallet `json:"balance"`
	}
	decode(t, w, &bal)
	require.Equal(t, int64(500), bal.Balance.PointsBalance)

	w = f.do(t, http.MethodGet, "/api/v1/referrals/"+ref.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Count int `json:"count"`
	}
	decode(t, w, &audit)
	require.Greater(t, audit.Count, 0)

	w = f.do(t, http.MethodGet, "/api/v1/users/alice/referral-stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats referral.Stats
	decode(t, w, &stats)
	require.Equal(t, int64(1), stats.AwardedReferrals)
}

func TestErrorMapping(t *testing.T) {
	f := setUp(t)

	w := f.do(t, http.MethodGet, "/api/v1/referrals/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var e errorBody
	decode(t, w, &e)
	require.Equal(t, "not_found", e.Kind)

	w = f.do(t, http.MethodPost, "/api/v1/referrals", gin.H{"referee_id": "bob"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &e)
	require.Equal(t, "invalid_request", e.Code)

	w = f.do(t, http.MethodPost, "/api/v1/payouts/remittance-export", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/partners/x/compensation?start=yesterday&end=2026-05-01", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &e)
	require.Equal(t, "invalid_period", e.Code)
}

func TestStatusForKinds(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, statusFor(""))
	require.Equal(t, http.StatusConflict, statusFor("conflict"))
	require.Equal(t, http.StatusServiceUnavailable, statusFor("dependency_unavailable"))
}

func TestPage(t *testing.T) {
	cases := map[string][2]int{
		"":                      {defaultLimit, 0},
		"?limit=10&offset=20":   {10, 20},
		"?limit=-1&offset=-5":   {defaultLimit, 0},
		"?limit=5000":           {maxLimit, 0},
		"?limit=abc&offset=xyz": {defaultLimit, 0},
	}
	for query, want := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/"+query, nil)
		limit, offset := page(c)
		require.Equal(t, want[0], limit, query)
		require.Equal(t, want[1], offset, query)
	}
}

func TestShareAndClick(t *testing.T) {
	f := setUp(t)

	w := f.do(t, http.MethodPost, "/api/v1/shares", gin.H{"user_id": "alice", "share_method": "whatsapp"})
	require.Equal(t, http.StatusCreated, w.Code)
	var share referral.ShareResult
	decode(t, w, &share)
	require.Contains(t, share.TrackingURL, share.ReferralCode)

	w = f.do(t, http.MethodPost, "/api/v1/shares/clicks", gin.H{"tracking_url": share.TrackingURL})
	require.Equal(t, http.StatusOK, w.Code)
	var click struct {
		Counted bool `json:"counted"`
	}
	decode(t, w, &click)
	require.True(t, click.Counted)

	w = f.do(t, http.MethodPost, "/api/v1/shares", gin.H{"user_id": "alice", "share_method": "carrier_pigeon"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/users/alice/share-analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var analytics referral.ShareAnalytics
	decode(t, w, &analytics)
	require.Equal(t, int64(1), analytics.TotalShares)
	require.Equal(t, int64(1), analytics.TotalClicks)
}

func TestPromoRedemptionOverHTTP(t *testing.T) {
	f := setUp(t)
	now := time.Now().UTC()

	w := f.do(t, http.MethodPost, "/api/v1/campaigns", gin.H{
		"campaign_name": "Spring points",
		"campaign_code": "SPRING100",
		"campaign_type": "fixed_points",
		"bonus_points":  100,
		"start_date":    now.Add(-time.Hour),
		"end_date":      now.Add(24 * time.Hour),
		"created_by":    "marketing",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var campaign promo.Campaign
	decode(t, w, &campaign)
	require.Equal(t, promo.CampaignDraft, campaign.Status)

	w = f.do(t, http.MethodPost, "/api/v1/promo-codes/validate", gin.H{"code": "SPRING100", "user_id": "carol"})
	require.Equal(t, http.StatusOK, w.Code)
	var res promo.ValidationResult
	decode(t, w, &res)
	require.False(t, res.IsValid)
	require.Equal(t, promo.ReasonInactive, res.Reason)

	w = f.do(t, http.MethodPut, "/api/v1/campaigns/"+campaign.ID+"/status", gin.H{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/active-campaigns", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active struct {
		Count int `json:"count"`
	}
	decode(t, w, &active)
	require.Equal(t, 1, active.Count)

	w = f.do(t, http.MethodPost, "/api/v1/promo-codes/redeem", gin.H{"code": "spring100", "user_id": "carol"})
	require.Equal(t, http.StatusCreated, w.Code)
	var redeemed promo.RedemptionResult
	decode(t, w, &redeemed)
	require.Equal(t, int64(100), redeemed.PointsAwarded)

	w = f.do(t, http.MethodPost, "/api/v1/promo-codes/redeem", gin.H{"code": "SPRING100", "user_id": "carol"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var e errorBody
	decode(t, w, &e)
	require.Equal(t, promo.ReasonUserLimit, e.Code)

	w = f.do(t, http.MethodGet, "/api/v1/campaigns/"+campaign.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats promo.CampaignStats
	decode(t, w, &stats)
	require.Equal(t, int64(1), stats.TotalRedemptions)
}

func TestPartnerAndPayoutRoutes(t *testing.T) {
	f := setUp(t)

	w := f.do(t, http.MethodGet, "/api/v1/partner-code-suggestions?name=Acme+Media", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var suggestion struct {
		Code string `json:"code"`
	}
	decode(t, w, &suggestion)
	require.Equal(t, "ACMEMEDIA", suggestion.Code)

	w = f.do(t, http.MethodPost, "/api/v1/partners", gin.H{
		"name":        "Acme Media",
		"email":       "ops@acme.example.com",
		"custom_code": suggestion.Code,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var partner compensation.Partner
	decode(t, w, &partner)

	w = f.do(t, http.MethodPut, "/api/v1/partners/"+partner.ID+"/status", gin.H{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/partner-codes/"+suggestion.Code, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/compensation-tiers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tiers struct {
		Count int `json:"count"`
	}
	decode(t, w, &tiers)
	require.Equal(t, 4, tiers.Count)

	w = f.do(t, http.MethodGet, "/api/v1/partners/"+partner.ID+"/compensation?start=2026-04-01&end=2026-05-01", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/payouts/generate", gin.H{"year": 2026, "month": 13})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/payouts/missing/approve", gin.H{"actor": "finance"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

type stubExporter struct{ calls int }

func (s *stubExporter) ExportApproved(context.Context) (*remittance.Result, error) {
	s.calls++
	return &remittance.Result{Key: "remittance/x.csv", Rows: 2, Total: decimal.NewFromInt(40)}, nil
}

func TestRemittanceExportRoute(t *testing.T) {
	f := setUp(t)
	exp := &stubExporter{}
	f.handler.WithExporter(exp)

	w := f.do(t, http.MethodPost, "/api/v1/payouts/remittance-export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, exp.calls)
	require.Contains(t, w.Body.String(), "remittance/x.csv")
}

func TestWalletStream(t *testing.T) {
	f := setUp(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/users/dave/wallet/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// headers are flushed after the subscription exists
	_, err = f.wallets.Credit(context.Background(), wallet.CreditRequest{
		UserID:      "dave",
		Source:      wallet.SourcePromoRedemption,
		ReferenceID: "stream-test",
		Points:      42,
	})
	require.NoError(t, err)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	deadline := time.After(5 * time.Second)
	var sawEvent bool
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if line == "event:balance" {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data:") {
				var update wallet.BalanceUpdate
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &update))
				require.Equal(t, int64(42), update.Points)
				require.Equal(t, int64(42), update.PointsBalance)
				return
			}
		case <-deadline:
			t.Fatal("no balance event received")
		}
	}
}
