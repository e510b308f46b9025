package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

const tenantHeader = "X-Tenant-ID"

// requireTenant binds the gateway-established tenant to the request context.
// Requests without a valid tenant are rejected before any handler runs.
func (s *Server) requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := tenant.Parse(c.GetHeader(tenantHeader))
		if err != nil {
			s.logger.Warnw("Rejected request without tenant", "path", c.FullPath(), "error", err)
			s.writeError(c, apperr.IsolationViolation("api.requireTenant", err.Error()))
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(tenant.WithTenant(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugw("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
