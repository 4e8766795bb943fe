package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"growth_service/internal/promo"
)

func (h *Handler) createCampaign(c *gin.Context) {
	var req promo.CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	campaign, err := h.promos.CreateCampaign(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

func (h *Handler) getCampaign(c *gin.Context) {
	campaign, err := h.promos.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) getCampaignByCode(c *gin.Context) {
	campaign, err := h.promos.GetCampaignByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) listCampaigns(c *gin.Context) {
	limit, offset := page(c)
	campaigns, err := h.promos.ListCampaigns(c.Request.Context(), promo.CampaignStatus(c.Query("status")), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, campaigns)
}

func (h *Handler) listActiveCampaigns(c *gin.Context) {
	campaigns, err := h.promos.ListActiveCampaigns(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, campaigns)
}

func (h *Handler) updateCampaignStatus(c *gin.Context) {
	var req struct {
		Status promo.CampaignStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	campaign, err := h.promos.UpdateCampaignStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) cancelCampaign(c *gin.Context) {
	campaign, err := h.promos.CancelCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) getCampaignStats(c *gin.Context) {
	stats, err := h.promos.GetCampaignStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) expireCampaigns(c *gin.Context) {
	n, err := h.promos.ExpireOutdatedCampaigns(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

type promoCodeRequest struct {
	Code          string           `json:"code" binding:"required"`
	UserID        string           `json:"user_id" binding:"required"`
	DepositAmount *decimal.Decimal `json:"deposit_amount"`
}

func (h *Handler) validatePromoCode(c *gin.Context) {
	var req promoCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.promos.ValidatePromoCode(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) redeemPromoCode(c *gin.Context) {
	var req promoCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.promos.RedeemPromoCode(c.Request.Context(), req.UserID, req.Code, req.DepositAmount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listUserRedemptions(c *gin.Context) {
	limit, offset := page(c)
	rows, err := h.promos.GetUserRedemptions(c.Request.Context(), c.Param("user_id"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, rows)
}
