package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/gin-gonic/gin"
)

// TenantMiddleware resolves the tenant from the X-Tenant-Id header and binds
// it into the request context so the tenant guard scopes every query. Sync
// endpoints are meaningless without a tenant, so a missing header is a 400.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := strings.TrimSpace(c.GetHeader("X-Tenant-Id"))
		if tenantId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-Id header is required"})
			return
		}
		ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
		if branchId := strings.TrimSpace(c.GetHeader("X-Branch-Id")); branchId != "" {
			ctx = utils.SetBranchIdInContext(ctx, branchId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Set("tenant_id", tenantId)
		c.Next()
	}
}
