package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api/dto"
)

// SubjectKey is the gin context key holding the token subject
const SubjectKey = "subject"

// JWTAuth returns middleware that requires an HS256 bearer token signed
// with secret. An empty secret disables the check.
func JWTAuth(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.UnauthorizedError("missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(auth, "Bearer ")

		tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !tok.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.UnauthorizedError("invalid token"))
			return
		}

		if sub, err := tok.Claims.GetSubject(); err == nil {
			c.Set(SubjectKey, sub)
		}
		c.Next()
	}
}

// When applies mw only to requests for which pred returns true.
func When(pred func(*gin.Context) bool, mw gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pred(c) {
			mw(c)
			return
		}
		c.Next()
	}
}

// IssueToken signs an HS256 token for subject that expires after ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
