package main

import (
	"mentorcall/internal/rbac"
	"mentorcall/internal/relay"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h *relay.Handler, authMW, devLogin gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Dev-only token mint; nil in production.
	if devLogin != nil {
		r.POST("/v1/auth/login", devLogin)
	}

	// Signaling websocket. Token verification happens inside the handler so
	// browser clients can pass it as a query parameter.
	r.GET("/ws", h.ServeWS)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	v1.Use(rbac.RequireDevice())
	{
		// HISTORY routes
		hist := v1.Group("/history")
		hist.Use(rbac.RequireAnyRole(rbac.RoleStudent, rbac.RoleMentor, rbac.RoleSupport))
		{
			hist.GET("", h.HistoryList)
			hist.GET("/summary", h.HistorySummary)
		}

		// ADMIN routes
		// Support staff and admins only; admin bypasses role checks anyway.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleSupport))
		{
			admin.GET("/ping", func(c *gin.Context) {
				c.JSON(200, gin.H{"status": "ok"})
			})
			admin.GET("/relay/stats", h.RelayStats)
		}
	}
}
