package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	apperr "github.com/edgard/replyhub/internal/errors"
)

const ownerKey = "owner"

// Claims are the tenant token claims. Tokens are issued by the account
// service; this side only verifies them.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses token and returns the tenant it belongs to. The subject
// claim is used when tenant_id is absent.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", apperr.NewUnauthorizedError("invalid token: " + err.Error())
	}
	if !parsed.Valid {
		return "", apperr.NewUnauthorizedError("invalid token")
	}

	owner := claims.TenantID
	if owner == "" {
		owner = claims.Subject
	}
	if owner == "" {
		return "", apperr.NewUnauthorizedError("token names no tenant")
	}
	return owner, nil
}

// Sign issues a token for ownerID. It exists for tests and local tooling.
func (a *Authenticator) Sign(ownerID string, claims jwt.RegisteredClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{TenantID: ownerID, RegisteredClaims: claims}).
		SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// tenant under the "owner" key. Websocket clients may pass the token in the
// access_token query parameter.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			abortWithError(c, apperr.NewUnauthorizedError("authorization token is not provided"))
			return
		}

		owner, err := a.Verify(token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func ownerOf(c *gin.Context) string {
	return c.GetString(ownerKey)
}
