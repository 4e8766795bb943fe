package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"growth_service/internal/fraud"
)

func (h *Handler) evaluateAttempt(c *gin.Context) {
	var req fraud.Attempt
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	eval, err := h.fraud.Evaluate(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": eval, "primary_code": eval.PrimaryCode()})
}

type checkQuery struct {
	ReferrerID  string `form:"referrer_id" binding:"required"`
	RefereeID   string `form:"referee_id"`
	Fingerprint string `form:"fingerprint"`
	IP          string `form:"ip"`
}

func (h *Handler) checkCircular(c *gin.Context) {
	var q checkQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	circular, err := h.fraud.CheckCircularReferral(c.Request.Context(), q.ReferrerID, q.RefereeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_circular": circular})
}

func (h *Handler) checkDevice(c *gin.Context) {
	var q checkQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.fraud.CheckDeviceFingerprint(c.Request.Context(), q.Fingerprint, q.ReferrerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) checkIP(c *gin.Context) {
	var q checkQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.fraud.CheckIPAddress(c.Request.Context(), q.IP, q.ReferrerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) checkVelocity(c *gin.Context) {
	var q checkQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.fraud.CheckVelocity(c.Request.Context(), q.ReferrerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) listSuspicious(c *gin.Context) {
	limit, offset := page(c)
	rows, err := h.fraud.GetSuspiciousReferrals(c.Request.Context(), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, rows)
}

func (h *Handler) fraudStats(c *gin.Context) {
	stats, err := h.fraud.GetFraudStats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
