package matcher

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/recon"
)

// RunLinkingPassHandler triggers a linking pass over unlinked settlement
// lines and returns its stats.
func RunLinkingPassHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			BatchSize int `json:"batch_size"`
		}
		_ = c.ShouldBindJSON(&req)

		stats, err := RunLinkingPass(c.Request.Context(), config.GetDB(), config.GetLogger(), req.BatchSize)
		if err != nil {
			if errors.Is(err, ErrPassAlreadyRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

type manualLinkRequest struct {
	ErpOrderId        int    `json:"erp_order_id" binding:"required"`
	PaymentExternalId string `json:"payment_external_id" binding:"required"`
	Channel           string `json:"channel" binding:"required"`
}

// CreateManualLinkHandler records an operator-confirmed link at manual
// confidence. Manual links outrank every automatic match and stay until
// explicitly cleared.
func CreateManualLinkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req manualLinkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		db := config.GetDB()
		ctx := c.Request.Context()
		applied, err := models.WriteOrderLink(ctx, db, req.ErpOrderId, strings.TrimSpace(req.PaymentExternalId), strings.TrimSpace(req.Channel), models.LinkConfidenceManual)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !applied {
			// A manual link for this payment already exists and points
			// somewhere else. Clearing it first is an explicit operator step.
			c.JSON(http.StatusConflict, gin.H{"error": "a manual link already exists for this payment"})
			return
		}

		if err := recon.RecomputeOrder(ctx, db, config.GetLogger(), req.ErpOrderId); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "CreateManualLinkHandler", "recomputing after manual link", req.ErpOrderId, err)
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// DeleteLinkHandler clears the link for one payment.
func DeleteLinkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		externalID := strings.TrimSpace(c.Query("payment_external_id"))
		channel := strings.TrimSpace(c.Query("channel"))
		if externalID == "" || channel == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payment_external_id and channel are required"})
			return
		}

		db := config.GetDB()
		ctx := c.Request.Context()
		link, err := models.GetOrderLink(ctx, db, externalID, channel)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if link == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := models.ClearOrderLink(ctx, db, externalID, channel); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := recon.RecomputeOrder(ctx, db, config.GetLogger(), link.ErpOrderId); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "DeleteLinkHandler", "recomputing after unlink", link.ErpOrderId, err)
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
