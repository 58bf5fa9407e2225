package middlewares

import (
	"net/http"

	"github.com/data-steve/rowcol-sync/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the caller's token into tenant context. Requests
// without a token pass through; tenant-scoped handlers fail on the missing
// tenant id instead.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok || claim.TenantId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetTenantIdInContext(ctx, claim.TenantId)
		ctx = utils.SetActorIdInContext(ctx, claim.ID)
		ctx = utils.SetActorNameInContext(ctx, claim.Name)
		if claim.Operator {
			ctx = utils.SetIsOperatorInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
