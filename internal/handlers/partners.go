package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"growth_service/internal/apperr"
	"growth_service/internal/compensation"
)

func (h *Handler) createPartner(c *gin.Context) {
	var req compensation.CreatePartnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.compensation.CreatePartner(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) suggestPartnerCode(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		h.respondError(c, apperr.Validation("name_required", "name query parameter is required"))
		return
	}
	code, err := h.compensation.SuggestPartnerCode(c.Request.Context(), name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (h *Handler) updatePartnerStatus(c *gin.Context) {
	var req struct {
		Status compensation.PartnerStatus `json:"status" binding:"required"`
		Reason string                     `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.compensation.UpdatePartnerStatus(c.Request.Context(), c.Param("id"), req.Status, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) getPartner(c *gin.Context) {
	p, err := h.compensation.GetPartner(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) getPartnerByCode(c *gin.Context) {
	p, err := h.compensation.GetPartnerByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listPartners(c *gin.Context) {
	limit, offset := page(c)
	partners, err := h.compensation.ListPartners(c.Request.Context(), compensation.PartnerStatus(c.Query("status")), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, partners)
}

func (h *Handler) getPartnerStats(c *gin.Context) {
	stats, err := h.compensation.GetPartnerStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// calculateCompensation previews what the partner earns in [start, end).
// Both bounds are RFC 3339 timestamps or plain dates.
func (h *Handler) calculateCompensation(c *gin.Context) {
	start, err := parseTime(c.Query("start"))
	if err != nil {
		h.respondError(c, apperr.Validation("invalid_period", "start must be a date or RFC 3339 timestamp"))
		return
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		h.respondError(c, apperr.Validation("invalid_period", "end must be a date or RFC 3339 timestamp"))
		return
	}
	comp, err := h.compensation.CalculateCompensation(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comp)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func (h *Handler) listTiers(c *gin.Context) {
	tiers, err := h.compensation.ListTiers(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, tiers)
}

func (h *Handler) replaceTiers(c *gin.Context) {
	var tiers []compensation.Tier
	if err := c.ShouldBindJSON(&tiers); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.compensation.ReplaceTiers(c.Request.Context(), tiers)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, out)
}

func (h *Handler) generatePayouts(c *gin.Context) {
	var req struct {
		Year  int `json:"year" binding:"required"`
		Month int `json:"month" binding:"required,min=1,max=12"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.compensation.GenerateMonthlyPayouts(c.Request.Context(), req.Year, req.Month)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) exportRemittance(c *gin.Context) {
	if h.exporter == nil {
		h.respondError(c, apperr.Unavailable("remittance export is not configured", nil))
		return
	}
	res, err := h.exporter.ExportApproved(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getPayout(c *gin.Context) {
	p, err := h.compensation.GetPayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listPartnerPayouts(c *gin.Context) {
	limit, offset := page(c)
	payouts, err := h.compensation.ListPartnerPayouts(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, payouts)
}

func (h *Handler) listPayoutsByStatus(c *gin.Context) {
	limit, offset := page(c)
	payouts, err := h.compensation.ListPayoutsByStatus(c.Request.Context(), compensation.PayoutStatus(c.Query("status")), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, payouts)
}

type payoutAction struct {
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
	Reference string `json:"payment_reference"`
}

// payoutStep binds the optional action body and runs one workflow move.
func (h *Handler) payoutStep(c *gin.Context, move func(id string, a payoutAction) (*compensation.Payout, error)) {
	var a payoutAction
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&a); err != nil {
			badRequest(c, err)
			return
		}
	}
	p, err := move(c.Param("id"), a)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) releasePayout(c *gin.Context) {
	h.payoutStep(c, func(id string, _ payoutAction) (*compensation.Payout, error) {
		return h.compensation.ReleaseDraftPayout(c.Request.Context(), id)
	})
}

func (h *Handler) submitPayout(c *gin.Context) {
	h.payoutStep(c, func(id string, a payoutAction) (*compensation.Payout, error) {
		return h.compensation.SubmitPayout(c.Request.Context(), id, a.Actor)
	})
}

func (h *Handler) approvePayout(c *gin.Context) {
	h.payoutStep(c, func(id string, a payoutAction) (*compensation.Payout, error) {
		return h.compensation.ApprovePayout(c.Request.Context(), id, a.Actor)
	})
}

func (h *Handler) rejectPayout(c *gin.Context) {
	h.payoutStep(c, func(id string, a payoutAction) (*compensation.Payout, error) {
		return h.compensation.RejectPayout(c.Request.Context(), id, a.Actor, a.Reason)
	})
}

func (h *Handler) markPayoutPaid(c *gin.Context) {
	h.payoutStep(c, func(id string, a payoutAction) (*compensation.Payout, error) {
		return h.compensation.MarkPayoutPaid(c.Request.Context(), id, a.Reference)
	})
}

func (h *Handler) cancelPayout(c *gin.Context) {
	h.payoutStep(c, func(id string, a payoutAction) (*compensation.Payout, error) {
		return h.compensation.CancelPayout(c.Request.Context(), id, a.Actor)
	})
}

func (h *Handler) createCorrection(c *gin.Context) {
	var a payoutAction
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&a); err != nil {
			badRequest(c, err)
			return
		}
	}
	p, err := h.compensation.CreateCorrectionPayout(c.Request.Context(), c.Param("id"), a.Actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}
