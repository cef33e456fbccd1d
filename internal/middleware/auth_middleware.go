package middleware

import (
	"net/http"
	"strings"

	"go-dm-relay/pkg/utils"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserID    = "userID"
	ContextPrincipal = "principal"
)

// 验证JWT中间件
// 令牌由身份服务签发，这里只做校验，不查库
func AuthMiddleware(parser *utils.TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}

		principal, err := parser.Principal(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(ContextUserID, principal.ID)
		c.Set(ContextPrincipal, principal)
		c.Next()
	}
}

// bearerToken reads "Authorization: Bearer <token>". Browsers cannot set headers on a
// websocket handshake, so the upgrade route also accepts ?token=.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" && c.IsWebsocket() {
			return t, true
		}
		return "", false
	}
	// 通常Authorization格式为: "Bearer token"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// UserID returns the authenticated caller, or 0 outside AuthMiddleware.
func UserID(c *gin.Context) uint {
	id, _ := c.Get(ContextUserID)
	uid, _ := id.(uint)
	return uid
}
