// Package handlers exposes the engine over HTTP with gin.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"growth_service/internal/apperr"
	"growth_service/internal/compensation"
	"growth_service/internal/fraud"
	"growth_service/internal/promo"
	"growth_service/internal/referral"
	"growth_service/internal/remittance"
	"growth_service/internal/wallet"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

type ReferralService interface {
	GetOrCreateReferralCode(ctx context.Context, userID string) (*referral.ReferralCode, error)
	ValidateReferralCode(ctx context.Context, code string) (*referral.CodeValidation, error)
	CreateReferral(ctx context.Context, req referral.CreateReferralRequest) (*referral.Referral, error)
	UpdateRefereeStatus(ctx context.Context, id string, upd referral.RefereeStatusUpdate) (*referral.Referral, error)
	CheckEligibility(ctx context.Context, id string) (*referral.EligibilityResult, error)
	AwardBonus(ctx context.Context, id string) (*referral.AwardResult, error)
	ExpireStaleReferrals(ctx context.Context) (int, error)
	FlagReferralAsFraud(ctx context.Context, id string, reason string, flaggedBy string) (*referral.Referral, error)
	CancelReferral(ctx context.Context, id string, reason string, actor string) (*referral.Referral, error)
	GetReferral(ctx context.Context, id string) (*referral.Referral, error)
	GetAuditTrail(ctx context.Context, id string) ([]referral.AuditEntry, error)
	GetUserReferrals(ctx context.Context, userID string, limit int, offset int) ([]referral.Referral, error)
	GetReferralsByStatus(ctx context.Context, status referral.BonusStatus, limit int, offset int) ([]referral.Referral, error)
	GetReferralStats(ctx context.Context, userID string) (*referral.Stats, error)
	ShareReferral(ctx context.Context, req referral.ShareRequest) (*referral.ShareResult, error)
	TrackClick(ctx context.Context, trackingURL string, ip string) (bool, error)
	GetShareAnalytics(ctx context.Context, userID string) (*referral.ShareAnalytics, error)
	GetTopSharingChannels(ctx context.Context) ([]referral.ChannelStats, error)
}

type FraudService interface {
	Evaluate(ctx context.Context, a fraud.Attempt) (*fraud.Evaluation, error)
	CheckCircularReferral(ctx context.Context, referrerID string, refereeID string) (bool, error)
	CheckDeviceFingerprint(ctx context.Context, fingerprint string, referrerID string) (*fraud.DeviceFingerprintCheck, error)
	CheckIPAddress(ctx context.Context, ip string, referrerID string) (*fraud.IPAddressCheck, error)
	CheckVelocity(ctx context.Context, referrerID string) (*fraud.VelocityCheck, error)
	GetSuspiciousReferrals(ctx context.Context, limit int, offset int) ([]fraud.SuspiciousReferral, error)
	GetFraudStats(ctx context.Context) (*fraud.Stats, error)
}

type CompensationService interface {
	CreatePartner(ctx context.Context, req compensation.CreatePartnerRequest) (*compensation.Partner, error)
	SuggestPartnerCode(ctx context.Context, name string) (string, error)
	UpdatePartnerStatus(ctx context.Context, id string, to compensation.PartnerStatus, reason string) (*compensation.Partner, error)
	GetPartner(ctx context.Context, id string) (*compensation.Partner, error)
	GetPartnerByCode(ctx context.Context, code string) (*compensation.Partner, error)
	ListPartners(ctx context.Context, status compensation.PartnerStatus, limit int, offset int) ([]compensation.Partner, error)
	GetPartnerStats(ctx context.Context, id string) (*compensation.PartnerStats, error)
	ListTiers(ctx context.Context) ([]compensation.Tier, error)
	ReplaceTiers(ctx context.Context, tiers []compensation.Tier) ([]compensation.Tier, error)
	CalculateCompensation(ctx context.Context, partnerID string, start, end time.Time) (*compensation.Compensation, error)
	GenerateMonthlyPayouts(ctx context.Context, year, month int) (*compensation.GenerationResult, error)
	ReleaseDraftPayout(ctx context.Context, id string) (*compensation.Payout, error)
	SubmitPayout(ctx context.Context, id string, submittedBy string) (*compensation.Payout, error)
	ApprovePayout(ctx context.Context, id string, approvedBy string) (*compensation.Payout, error)
	RejectPayout(ctx context.Context, id string, rejectedBy string, reason string) (*compensation.Payout, error)
	MarkPayoutPaid(ctx context.Context, id string, reference string) (*compensation.Payout, error)
	CancelPayout(ctx context.Context, id string, cancelledBy string) (*compensation.Payout, error)
	CreateCorrectionPayout(ctx context.Context, rejectedID string, actor string) (*compensation.Payout, error)
	GetPayout(ctx context.Context, id string) (*compensation.Payout, error)
	ListPartnerPayouts(ctx context.Context, partnerID string, limit int, offset int) ([]compensation.Payout, error)
	ListPayoutsByStatus(ctx context.Context, status compensation.PayoutStatus, limit int, offset int) ([]compensation.Payout, error)
}

type PromoService interface {
	CreateCampaign(ctx context.Context, req promo.CreateCampaignRequest) (*promo.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, to promo.CampaignStatus) (*promo.Campaign, error)
	CancelCampaign(ctx context.Context, id string) (*promo.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*promo.Campaign, error)
	GetCampaignByCode(ctx context.Context, code string) (*promo.Campaign, error)
	ListCampaigns(ctx context.Context, status promo.CampaignStatus, limit, offset int) ([]promo.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]promo.Campaign, error)
	ValidatePromoCode(ctx context.Context, code, userID string) (*promo.ValidationResult, error)
	RedeemPromoCode(ctx context.Context, userID, code string, deposit *decimal.Decimal) (*promo.RedemptionResult, error)
	ExpireOutdatedCampaigns(ctx context.Context) (int64, error)
	GetUserRedemptions(ctx context.Context, userID string, limit, offset int) ([]promo.Redemption, error)
	GetCampaignStats(ctx context.Context, campaignID string) (*promo.CampaignStats, error)
}

type WalletService interface {
	GetBalance(ctx context.Context, userID string) (*wallet.Wallet, error)
	ListEntries(ctx context.Context, userID string, limit int, offset int) ([]wallet.LedgerEntry, error)
	SubscribeToBalanceUpdates(userID string) <-chan wallet.BalanceUpdate
	UnsubscribeFromBalanceUpdates(userID string, ch <-chan wallet.BalanceUpdate)
}

type RemittanceExporter interface {
	ExportApproved(ctx context.Context) (*remittance.Result, error)
}

type Handler struct {
	referrals    ReferralService
	fraud        FraudService
	compensation CompensationService
	promos       PromoService
	wallets      WalletService
	exporter     RemittanceExporter
	log          *logrus.Logger
	heartbeat    time.Duration
}

func New(referrals ReferralService, fraud FraudService, comp CompensationService, promos PromoService, wallets WalletService, log *logrus.Logger) *Handler {
	return &Handler{
		referrals:    referrals,
		fraud:        fraud,
		compensation: comp,
		promos:       promos,
		wallets:      wallets,
		log:          log,
		heartbeat:    15 * time.Second,
	}
}

// WithExporter enables the on-demand remittance export endpoint.
func (h *Handler) WithExporter(e RemittanceExporter) *Handler {
	h.exporter = e
	return h
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")

	users := api.Group("/users/:user_id")
	{
		users.GET("/referral-code", h.getReferralCode)
		users.GET("/referrals", h.listUserReferrals)
		users.GET("/referral-stats", h.getReferralStats)
		users.GET("/share-analytics", h.getShareAnalytics)
		users.GET("/redemptions", h.listUserRedemptions)
		users.GET("/wallet", h.getWallet)
		users.GET("/wallet/entries", h.listWalletEntries)
		users.GET("/wallet/stream", h.streamWallet)
	}

	api.GET("/referral-codes/:code", h.validateReferralCode)

	referrals := api.Group("/referrals")
	{
		referrals.POST("", h.createReferral)
		referrals.GET("", h.listReferralsByStatus)
		referrals.GET("/:id", h.getReferral)
		referrals.GET("/:id/audit", h.getAuditTrail)
		referrals.PATCH("/:id/referee-status", h.updateRefereeStatus)
		referrals.POST("/:id/eligibility", h.checkEligibility)
		referrals.POST("/:id/award", h.awardBonus)
		referrals.POST("/:id/flag", h.flagReferral)
		referrals.POST("/:id/cancel", h.cancelReferral)
	}

	shares := api.Group("/shares")
	{
		shares.POST("", h.shareReferral)
		shares.POST("/clicks", h.trackClick)
		shares.GET("/channels", h.topChannels)
	}

	fraudGroup := api.Group("/fraud")
	{
		fraudGroup.POST("/evaluate", h.evaluateAttempt)
		fraudGroup.GET("/checks/circular", h.checkCircular)
		fraudGroup.GET("/checks/device", h.checkDevice)
		fraudGroup.GET("/checks/ip", h.checkIP)
		fraudGroup.GET("/checks/velocity", h.checkVelocity)
		fraudGroup.GET("/suspicious", h.listSuspicious)
		fraudGroup.GET("/stats", h.fraudStats)
	}

	partners := api.Group("/partners")
	{
		partners.POST("", h.createPartner)
		partners.GET("", h.listPartners)
		partners.GET("/:id", h.getPartner)
		partners.PUT("/:id/status", h.updatePartnerStatus)
		partners.GET("/:id/stats", h.getPartnerStats)
		partners.GET("/:id/compensation", h.calculateCompensation)
		partners.GET("/:id/payouts", h.listPartnerPayouts)
	}
	api.GET("/partner-codes/:code", h.getPartnerByCode)
	api.GET("/partner-code-suggestions", h.suggestPartnerCode)
	api.GET("/compensation-tiers", h.listTiers)
	api.PUT("/compensation-tiers", h.replaceTiers)

	payouts := api.Group("/payouts")
	{
		payouts.POST("/generate", h.generatePayouts)
		payouts.POST("/remittance-export", h.exportRemittance)
		payouts.GET("", h.listPayoutsByStatus)
		payouts.GET("/:id", h.getPayout)
		payouts.POST("/:id/release", h.releasePayout)
		payouts.POST("/:id/submit", h.submitPayout)
		payouts.POST("/:id/approve", h.approvePayout)
		payouts.POST("/:id/reject", h.rejectPayout)
		payouts.POST("/:id/paid", h.markPayoutPaid)
		payouts.POST("/:id/cancel", h.cancelPayout)
		payouts.POST("/:id/corrections", h.createCorrection)
	}

	campaigns := api.Group("/campaigns")
	{
		campaigns.POST("", h.createCampaign)
		campaigns.GET("", h.listCampaigns)
		campaigns.GET("/:id", h.getCampaign)
		campaigns.PUT("/:id/status", h.updateCampaignStatus)
		campaigns.POST("/:id/cancel", h.cancelCampaign)
		campaigns.GET("/:id/stats", h.getCampaignStats)
	}
	api.GET("/active-campaigns", h.listActiveCampaigns)
	api.GET("/campaign-codes/:code", h.getCampaignByCode)
	api.POST("/promo-codes/validate", h.validatePromoCode)
	api.POST("/promo-codes/redeem", h.redeemPromoCode)

	admin := api.Group("/admin")
	{
		admin.POST("/referrals/expire", h.expireReferrals)
		admin.POST("/campaigns/expire", h.expireCampaigns)
	}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPolicy:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).WithError(err).Error("request failed")
	}
	if kind == "" {
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind, "code": apperr.CodeOf(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperr.KindValidation, "code": "invalid_request"})
}

// page reads limit and offset query parameters. Bad values fall back to
// the defaults and limit is clamped to maxLimit.
func page(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := strconv.Atoi(c.Query("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func list[T any](c *gin.Context, items []T) {
	if items == nil {
		items = []T{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "count": len(items)})
}
