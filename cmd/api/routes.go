package main

import (
	"family-calls/internal/httpapi"
	"family-calls/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// CALLS routes
		// Negotiation itself runs client-side against the record store; these
		// are the server-authoritative pieces around it.
		calls := v1.Group("/calls")
		calls.Use(httpapi.RequireFamilyMember()...)
		{
			calls.GET("/busy", h.BusyStatus)
			calls.GET("/missed", h.MissedCalls)
			calls.GET("/:id", h.GetCall)
			calls.POST("/:id/end", h.EndCall)
			calls.POST("/:id/missed/ack", h.AcknowledgeMissedCall)

			// Family-wide view: parents only.
			calls.GET("/summary", rbac.RequireGuardian(), h.CallsSummary)
		}
	}
}
