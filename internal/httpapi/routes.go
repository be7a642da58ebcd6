package httpapi

import (
	"call-billing/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register wires the public and /v1 routes. authMW must put the caller's
// identity on the request context.
func (h Handlers) Register(r gin.IRouter, authMW gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/calls", h.ListCalls)
		v1.GET("/calls/:call_id", h.GetCall)

		billing := v1.Group("/billing")
		billing.GET("/costs", h.ListCosts)
		billing.GET("/balance", h.GetBalance)

		// Ingestion control is open to operators; wallet writes are admin only.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			admin.POST("/ingestion/start", h.StartIngestion)
			admin.POST("/ingestion/stop", h.StopIngestion)
			admin.POST("/ingestion/run", h.RunIngestion)
			admin.GET("/ingestion/health", h.IngestionHealth)
			admin.POST("/calls/:call_id/backfill", h.BackfillCall)
			admin.POST("/wallets/:user_id/adjust", rbac.RequireAnyRole(rbac.RoleAdmin), h.AdjustWallet)
		}
	}
}
