package middleware

import (
	"docqa-go/pkg/token"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DocumentAuth 创建一个 Gin 中间件，校验文档访问令牌。
// token 可以放在 "Authorization: Bearer <token>" 请求头中，或放在 token 查询参数中（WebSocket）。
// 令牌中的文档 ID 必须与路径参数 :id 一致。
func DocumentAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
				return
			}
			tokenString = strings.TrimPrefix(authHeader, bearerPrefix)
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含访问令牌", "data": nil})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}
		if claims.DocumentID != c.Param("id") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "令牌与文档不匹配", "data": nil})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
