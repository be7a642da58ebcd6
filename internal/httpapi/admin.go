package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"call-billing/internal/auth"
	"call-billing/internal/ingest"
	"call-billing/internal/wallet"
	"call-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

func (h Handlers) StartIngestion(c *gin.Context) {
	h.Ingestion.Start()
	logger.FromGin(c).Info("ingestion start requested", "actor", actor(c))
	c.JSON(http.StatusOK, h.Ingestion.Health())
}

// StopIngestion halts the trigger without waiting: the in-flight cycle, if
// any, finishes in the background and is visible through health.
func (h Handlers) StopIngestion(c *gin.Context) {
	_ = h.Ingestion.Stop()
	logger.FromGin(c).Info("ingestion stop requested", "actor", actor(c))
	c.JSON(http.StatusOK, h.Ingestion.Health())
}

// RunIngestion runs one cycle synchronously. A client disconnect does not
// cancel the cycle.
func (h Handlers) RunIngestion(c *gin.Context) {
	ran, err := h.Ingestion.RunCycle(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, ingest.ErrClosed) {
		c.JSON(http.StatusConflict, gin.H{"ran": false, "error": "ingestion is shutting down"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if !ran {
		c.JSON(http.StatusConflict, gin.H{"ran": false, "error": "cycle already in flight"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ran": true, "health": h.Ingestion.Health()})
}

func (h Handlers) IngestionHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.Ingestion.Health())
}

func (h Handlers) BackfillCall(c *gin.Context) {
	r, err := h.Ingestion.Backfill(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// AdjustWallet credits or debits a user's wallet (admin only).
func (h Handlers) AdjustWallet(c *gin.Context) {
	var req wallet.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	req.UserID = strings.TrimSpace(c.Param("user_id"))
	req.ActorUserID, _ = auth.UserID(c.Request.Context())
	req.ActorRole, _ = auth.Role(c.Request.Context())
	req.IPAddress = c.ClientIP()

	res, err := h.Wallet.Adjust(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if !res.Applied {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func actor(c *gin.Context) string {
	uid, _ := auth.UserID(c.Request.Context())
	return uid
}
