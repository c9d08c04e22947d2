package auth

import (
	"errors"
	"net/http"
	"strings"

	"chatsync/internal/docstore"
	"chatsync/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// BearerToken 从 Authorization 头或 token 查询参数中取出令牌。
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return c.Query("token")
}

// Middleware 校验 Bearer 令牌并加载用户资料。
func Middleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		uid, err := s.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		snap, err := s.store.Get(c.Request.Context(), docstore.Doc(models.CollectionUsers, uid))
		if err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				log.Error().Err(err).Str("user_id", uid).Msg("load user")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		var user models.User
		if err := snap.DataTo(&user); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}

func GetUser(c *gin.Context) (models.User, bool) {
	if v, ok := c.Get("user"); ok {
		u, ok2 := v.(models.User)
		return u, ok2
	}
	return models.User{}, false
}
