package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	apperrors "github.com/tumkoussekya/studio-sub000/pkg/errors"
)

// IdentityKey is the gin context key holding the verified *domain.ClientIdentity
const IdentityKey = "identity"

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// OptionalIdentityMiddleware verifies a Bearer identity credential when one
// is present. Requests without one continue anonymously; a credential that
// fails verification is rejected.
func OptionalIdentityMiddleware(tokens ports.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.Next()
			return
		}

		credential, ok := bearerToken(c)
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		identity, err := tokens.VerifyIdentity(credential)
		if err != nil {
			abortWith(c, apperrors.NewTokenInvalidError(err))
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the identity set by OptionalIdentityMiddleware
func IdentityFrom(c *gin.Context) (*domain.ClientIdentity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*domain.ClientIdentity)
	return identity, ok
}
