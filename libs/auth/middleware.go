package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextActorIDKey = "actor_id"

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}
		actorID, err := claims.ActorID()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid subject"})
			return
		}

		c.Set(ContextActorIDKey, actorID)
		c.Next()
	}
}

// ActorID returns the authenticated actor set by Middleware.
func ActorID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextActorIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}
