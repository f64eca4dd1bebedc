package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mentorcall/internal/audit"
	"mentorcall/internal/auth"
	"mentorcall/internal/history"
	"mentorcall/internal/rbac"
	"mentorcall/internal/reporting"
	"mentorcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

// HistorySource serves finished call records for the history endpoints.
// history.PostgresStore satisfies it in production, history.MemoryStore in tests.
type HistorySource interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]history.Record, error)
}

// Handler groups the relay's HTTP endpoints for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handler struct {
	Hub     *Hub
	Auth    *auth.Manager
	History HistorySource
	Reports *reporting.Service

	// Caps enforces per-user connection limits via Redis. Nil disables the
	// limit (local development and tests).
	Caps            *redis.Client
	MaxConnsPerUser int

	// Audit records cross-user reads by support staff. Nil disables auditing.
	Audit *audit.Service
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bearer token is the auth boundary for this endpoint, not Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS authenticates and upgrades a signaling connection. The token is
// accepted from the Authorization header or a token query parameter, since
// browser websocket clients cannot set request headers.
func (h *Handler) ServeWS(c *gin.Context) {
	log := logger.FromGin(c)

	token := auth.BearerToken(c)
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := h.Auth.Verify(token, auth.TokenTypeAccess, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	release := func() {}
	if h.Caps != nil {
		ok, err := acquireConnSlot(c.Request.Context(), h.Caps, claims.UserID, h.MaxConnsPerUser)
		if err != nil {
			log.Error("connection slot check failed", "err", err, "user_id", claims.UserID)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try again"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}
		release = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseConnSlot(ctx, h.Caps, claims.UserID); err != nil {
				log.Warn("connection slot release failed", "err", err, "user_id", claims.UserID)
			}
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	cl := newClient(h.Hub, conn, claims.UserID, claims.DeviceID, claims.Role, log)
	cl.onClose = release
	cl.run()
}

// HistoryList returns the user's finished calls, most recent first.
func (h *Handler) HistoryList(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	userID, ok := h.effectiveUserID(c)
	if !ok {
		return
	}

	limit := 0
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	recs, err := h.History.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		logger.FromGin(c).Error("history lookup failed", "err", err, "user_id", userID)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "calls": recs})
}

// HistorySummary returns aggregated call metrics over [from, to). Both bounds
// are optional RFC3339 timestamps; the window defaults to the last 30 days.
func (h *Handler) HistorySummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	userID, ok := h.effectiveUserID(c)
	if !ok {
		return
	}

	now := time.Now()
	from, to := now.Add(-defaultSummaryWindow), now
	if v := strings.TrimSpace(c.Query("from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := strings.TrimSpace(c.Query("to")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		UserID: userID,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("summary failed", "err", err, "user_id", userID)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// RelayStats exposes hub counters for support tooling.
func (h *Handler) RelayStats(c *gin.Context) {
	if h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "hub not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Hub.Stats())
}

// effectiveUserID resolves which user's data the request targets. Callers see
// their own records; support and admin may pass user_id to see anyone's.
func (h *Handler) effectiveUserID(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return "", false
	}
	requested := strings.TrimSpace(c.Query("user_id"))
	if requested == "" || requested == uid {
		return uid, true
	}
	role, _ := auth.Role(c.Request.Context())
	if !rbac.CanReadAnyHistory(role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}

	// Best-effort trail of staff reading someone else's data.
	if h.Audit != nil {
		if err := h.Audit.LogSupportAccess(c.Request.Context(), uid, role, c.ClientIP(), requested, c.FullPath(), ""); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	return requested, true
}
