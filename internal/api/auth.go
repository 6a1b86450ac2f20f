package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"execution-core/pkg/identity"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const operatorContextKey = "Operator"

// HashPassword produces the bcrypt hash expected in ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AuthMiddleware enforces JWT auth for protected routes. The token comes
// from the Authorization header, or the token query parameter for websocket
// clients that cannot set headers.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":  "INVALID_AUTH_HEADER",
					"error": "invalid Authorization header",
				})
				return
			}
			tokenStr = parts[1]
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}

		claims, err := identity.ParseToken(secret, tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(operatorContextKey, claims.Operator)
		c.Next()
	}
}

// CurrentOperator returns the authenticated operator from context.
func CurrentOperator(c *gin.Context) string {
	return c.GetString(operatorContextKey)
}

// login exchanges the operator credentials for a token.
func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "username and password are required")
		return
	}
	if s.Auth.AdminPasswordHash == "" {
		respondError(c, http.StatusServiceUnavailable, "LOGIN_DISABLED", "no operator password configured")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.Auth.AdminUser)) == 1
	pwErr := bcrypt.CompareHashAndPassword([]byte(s.Auth.AdminPasswordHash), []byte(req.Password))
	if !userOK || pwErr != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	expiresAt := time.Now().Add(s.Auth.TokenTTL)
	token, err := identity.CreateToken(s.Auth.JWTSecret, req.Username, s.Auth.Instance, s.Auth.TokenTTL)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"operator":   req.Username,
	})
}
