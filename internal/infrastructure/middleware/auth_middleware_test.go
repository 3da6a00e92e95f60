package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/services"
)

func newIdentityRouter(t *testing.T) (*gin.Engine, func(domain.ClientIdentity) string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens := services.NewTokenService("identity-secret", "token-secret", time.Hour, domain.FullCapability(), domain.Capability{})
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.Use(OptionalIdentityMiddleware(tokens))
	router.GET("/whoami", func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, identity.ID)
	})

	credential := func(id domain.ClientIdentity) string {
		raw, err := tokens.GenerateIdentityCredential(id, time.Minute)
		require.NoError(t, err)
		return raw
	}
	return router, credential
}

func get(router *gin.Engine, path, authorization string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestOptionalIdentityMiddleware(t *testing.T) {
	router, credential := newIdentityRouter(t)

	w := get(router, "/whoami", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())

	w = get(router, "/whoami", "Bearer "+credential(domain.ClientIdentity{ID: "user-7", Label: "grace"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", w.Body.String())

	w = get(router, "/whoami", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_INVALID")

	w = get(router, "/whoami", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/denied", func(c *gin.Context) {
		c.Error(&domain.CapabilityError{Channel: "dm:a:b", Operation: domain.OpPublish})
	})
	router.GET("/broken", func(c *gin.Context) {
		c.Error(errors.New("boom"))
	})

	w := get(router, "/denied", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "CAPABILITY_DENIED")

	w = get(router, "/broken", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := get(router, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
