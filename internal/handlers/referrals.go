package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"growth_service/internal/referral"
)

type actionRequest struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
}

func (h *Handler) getReferralCode(c *gin.Context) {
	code, err := h.referrals.GetOrCreateReferralCode(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, code)
}

func (h *Handler) validateReferralCode(c *gin.Context) {
	res, err := h.referrals.ValidateReferralCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) createReferral(c *gin.Context) {
	var req referral.CreateReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	ref, err := h.referrals.CreateReferral(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

func (h *Handler) getReferral(c *gin.Context) {
	ref, err := h.referrals.GetReferral(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *Handler) getAuditTrail(c *gin.Context) {
	entries, err := h.referrals.GetAuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, entries)
}

func (h *Handler) listUserReferrals(c *gin.Context) {
	limit, offset := page(c)
	refs, err := h.referrals.GetUserReferrals(c.Request.Context(), c.Param("user_id"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, refs)
}

func (h *Handler) listReferralsByStatus(c *gin.Context) {
	limit, offset := page(c)
	refs, err := h.referrals.GetReferralsByStatus(c.Request.Context(), referral.BonusStatus(c.Query("status")), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, refs)
}

func (h *Handler) getReferralStats(c *gin.Context) {
	stats, err := h.referrals.GetReferralStats(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) updateRefereeStatus(c *gin.Context) {
	var upd referral.RefereeStatusUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err)
		return
	}
	ref, err := h.referrals.UpdateRefereeStatus(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *Handler) checkEligibility(c *gin.Context) {
	res, err := h.referrals.CheckEligibility(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) awardBonus(c *gin.Context) {
	res, err := h.referrals.AwardBonus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) flagReferral(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ref, err := h.referrals.FlagReferralAsFraud(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *Handler) cancelReferral(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ref, err := h.referrals.CancelReferral(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *Handler) expireReferrals(c *gin.Context) {
	n, err := h.referrals.ExpireStaleReferrals(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

func (h *Handler) shareReferral(c *gin.Context) {
	var req referral.ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.referrals.ShareReferral(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) trackClick(c *gin.Context) {
	var req struct {
		TrackingURL string `json:"tracking_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	counted, err := h.referrals.TrackClick(c.Request.Context(), req.TrackingURL, c.ClientIP())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counted": counted})
}

func (h *Handler) getShareAnalytics(c *gin.Context) {
	res, err := h.referrals.GetShareAnalytics(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) topChannels(c *gin.Context) {
	channels, err := h.referrals.GetTopSharingChannels(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, channels)
}
