// Package auth extracts the session identity from bearer tokens.
//
// Token validation happens upstream at the API gateway; this service only
// needs the subject and role claims to scope chat state per session.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// ContextKeyIdentity is the gin context key the middleware stores the
// identity under.
const ContextKeyIdentity = "identity"

// ContextKeyToken carries the raw bearer token for upstream calls.
const ContextKeyToken = "token"

var (
	ErrNoToken      = errors.New("token not provided")
	ErrInvalidToken = errors.New("token could not be parsed")
	ErrNoSubject    = errors.New("token has no subject claim")
)

// Claims mirrors the identity fields the gateway places in the token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityFromToken parses the token without re-verifying the signature and
// builds the session identity. An unknown or missing role claim maps to
// RoleUnknown rather than an error; authorization happens upstream.
func IdentityFromToken(token string) (types.SessionIdentity, error) {
	if token == "" {
		return types.SessionIdentity{}, ErrNoToken
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return types.SessionIdentity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return types.SessionIdentity{}, ErrNoSubject
	}

	return types.SessionIdentity{
		UserID: types.UserIDType(claims.Subject),
		Role:   types.ParseRole(claims.Role),
	}, nil
}

// ExtractBearer pulls the token from the Authorization header, falling back
// to the "token" query parameter for socket upgrade requests.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return parts[1], nil
		}
		return "", ErrInvalidToken
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

// Middleware authenticates every request on the protected route group and
// stores the identity and raw token in the gin context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := ExtractBearer(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}

		identity, err := IdentityFromToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextKeyIdentity, identity)
		c.Set(ContextKeyToken, token)
		c.Next()
	}
}

// IdentityFromContext returns the identity set by Middleware.
func IdentityFromContext(c *gin.Context) (types.SessionIdentity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return types.SessionIdentity{}, false
	}
	identity, ok := v.(types.SessionIdentity)
	return identity, ok
}

// TokenFromContext returns the raw bearer token set by Middleware.
func TokenFromContext(c *gin.Context) string {
	v, ok := c.Get(ContextKeyToken)
	if !ok {
		return ""
	}
	token, _ := v.(string)
	return token
}
