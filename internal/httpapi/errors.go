package httpapi

import (
	"errors"
	"net/http"

	"call-billing/internal/apperr"
	"call-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps the apperr taxonomy onto HTTP statuses. Only invalid input
// echoes the error text; everything else gets a fixed message.
func writeError(c *gin.Context, err error) {
	log := logger.FromGin(c)
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, apperr.ErrStorage):
		log.Warn("storage unavailable", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable", "retryable": true})
	case errors.Is(err, apperr.ErrUpstream):
		log.Warn("provider unavailable", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider unavailable", "retryable": true})
	default:
		log.Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
