package middlewares

import (
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the session token to a user and loads the
// tenant identity (business id, user, role) into the request context. The
// engine code never sees the token, only the context values.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)

		user, err := models.GetUserByUsername(ctx, username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		ctx = utils.SetBusinessIdInContext(ctx, user.BusinessId)
		ctx = utils.SetUserIdInContext(ctx, user.ID)
		ctx = utils.SetUserNameInContext(ctx, user.Name)
		if user.Role == models.UserRoleAdmin {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}

		// optional branch scoping for allocation endpoints
		if branch := c.Request.Header.Get("branch-id"); branch != "" {
			if branchId, err := strconv.Atoi(branch); err == nil {
				ctx = utils.SetBranchIdInContext(ctx, branchId)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
