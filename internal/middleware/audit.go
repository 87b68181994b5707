package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/code-moran/grading-app-sub002/internal/service"
)

// AuditContext copies the caller's address and user agent onto the request
// context so audit entries recorded further down carry them.
func AuditContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := service.WithAuditMeta(c.Request.Context(), service.AuditMeta{
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
