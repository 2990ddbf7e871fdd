package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware validates an optional terminal session token against
// Redis. A request without a token passes through; a request carrying one
// must match a live session. When Redis is down the lookup reports absence
// and the token is rejected rather than trusted blindly.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		var terminalId string
		exists, err := config.GetRedisObject("Session:"+token, &terminalId)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUserIdInContext(ctx, terminalId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
