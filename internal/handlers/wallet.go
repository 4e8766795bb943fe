package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *Handler) getWallet(c *gin.Context) {
	w, err := h.wallets.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}

func (h *Handler) listWalletEntries(c *gin.Context) {
	limit, offset := page(c)
	entries, err := h.wallets.ListEntries(c.Request.Context(), c.Param("user_id"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list(c, entries)
}

// streamWallet pushes balance updates to the client as server-sent events
// until the client goes away. A comment line is sent on every heartbeat so
// proxies keep the connection open.
func (h *Handler) streamWallet(c *gin.Context) {
	userID := c.Param("user_id")
	updates := h.wallets.SubscribeToBalanceUpdates(userID)
	defer h.wallets.UnsubscribeFromBalanceUpdates(userID, updates)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // nginx
	c.Status(http.StatusOK)
	_, _ = c.Writer.WriteString(":\n\n")
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("balance", update)
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(":\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
