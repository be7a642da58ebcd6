package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"call-billing/internal/apperr"
	"call-billing/internal/auth"
	"call-billing/internal/calls"
	"call-billing/internal/ingest"
	"call-billing/internal/pricing"
	"call-billing/internal/wallet"

	"github.com/gin-gonic/gin"
)

// Ingestion is the scheduler surface the admin endpoints drive.
type Ingestion interface {
	Start()
	Stop() context.Context
	RunCycle(ctx context.Context) (bool, error)
	Backfill(ctx context.Context, callID string) (calls.CallRecord, error)
	Health() ingest.Health
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls     calls.Store
	Wallet    *wallet.Service
	Ingestion Ingestion

	// Ping reports storage liveness for /healthz. Optional.
	Ping func(ctx context.Context) error
}

const dateOnly = "2006-01-02"

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(name, v string, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateOnly, v)
	if err != nil {
		return time.Time{}, apperr.Invalid("%s must be RFC 3339 or YYYY-MM-DD, got %q", name, v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Invalid("%s must be an integer, got %q", name, v)
	}
	return n, nil
}

func callerID(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

type listCallsResponse struct {
	Calls  []calls.CallRecord `json:"calls"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// ListCalls returns the caller's calls, newest first.
func (h Handlers) ListCalls(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}

	from, err := parseDate("start_date", c.Query("start_date"), false)
	if err != nil {
		writeError(c, err)
		return
	}
	to, err := parseDate("end_date", c.Query("end_date"), true)
	if err != nil {
		writeError(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		writeError(c, err)
		return
	}
	f := calls.Filter{
		Status:      calls.CallStatus(strings.TrimSpace(c.Query("status"))),
		PhoneNumber: strings.TrimSpace(c.Query("phone_number")),
		From:        from,
		To:          to,
	}
	// Validated here too so the echoed page is the effective one.
	limit, offset, err = calls.NormalizePage(limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}

	records, total, err := h.Calls.ListForUser(c.Request.Context(), uid, f, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listCallsResponse{Calls: records, Total: total, Limit: limit, Offset: offset})
}

// GetCall returns one call owned by the caller. Calls of other users are
// reported as missing.
func (h Handlers) GetCall(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	r, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if r.UserID != uid {
		writeError(c, apperr.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListCosts returns the caller's recent call-cost ledger entries.
func (h Handlers) ListCosts(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, err)
		return
	}
	entries, err := h.Wallet.ListEntries(c.Request.Context(), uid, wallet.EntryFilter{Reason: wallet.ReasonCallCost}, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type balanceResponse struct {
	UserID         string `json:"user_id"`
	BalanceCents   int64  `json:"balance_cents"`
	BalanceDollars string `json:"balance_dollars"`
}

func (h Handlers) GetBalance(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}
	w, err := h.Wallet.GetBalance(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{
		UserID:         w.UserID,
		BalanceCents:   w.BalanceCents,
		BalanceDollars: pricing.FormatDollars(w.BalanceCents),
	})
}

// Healthz is liveness plus the ingestion snapshot. A failing storage ping
// turns it into 503.
func (h Handlers) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Ingestion != nil {
		body["ingestion"] = h.Ingestion.Health()
	}
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			body["status"] = "degraded"
			body["storage"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}
