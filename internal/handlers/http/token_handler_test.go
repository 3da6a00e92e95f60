package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/core/services"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/middleware"
)

func newTokenRouter() (*gin.Engine, ports.TokenService) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService(
		"identity-secret",
		"token-secret",
		time.Hour,
		domain.FullCapability(),
		domain.Capability{"world-presence": {domain.OpSubscribe, domain.OpPresence}},
	)

	logger := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewTokenHandler(tokens, logger).SetupRoutes(router)
	return router, tokens
}

func postToken(router *gin.Engine, body, authorization string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	router.ServeHTTP(w, req)
	return w
}

func decodeGrant(t *testing.T, w *httptest.ResponseRecorder) domain.TokenGrant {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var grant domain.TokenGrant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	return grant
}

func TestIssueAnonymousToken(t *testing.T) {
	router, tokens := newTokenRouter()

	grant := decodeGrant(t, postToken(router, "", ""))
	assert.True(t, strings.HasPrefix(grant.ClientID, "anonymous-"))
	assert.True(t, grant.Capability.Allows("world-presence", domain.OpPresence))
	assert.False(t, grant.Capability.Allows("dm:a:b", domain.OpPublish))

	session, err := tokens.ValidateTransportToken(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, grant.ClientID, session.Identity.ID)
}

func TestIssueTokenWithBodyCredential(t *testing.T) {
	router, tokens := newTokenRouter()
	credential, err := tokens.GenerateIdentityCredential(domain.ClientIdentity{ID: "user-1", Label: "ada"}, time.Minute)
	require.NoError(t, err)

	grant := decodeGrant(t, postToken(router, `{"credential":"`+credential+`"}`, ""))
	assert.Equal(t, "user-1", grant.ClientID)
	assert.Equal(t, "ada", grant.Label)
	assert.True(t, grant.Capability.Allows("dm:a:b", domain.OpPublish))
	assert.False(t, grant.ExpiresAt.IsZero())
}

func TestIssueTokenWithBearerCredential(t *testing.T) {
	router, tokens := newTokenRouter()
	credential, err := tokens.GenerateIdentityCredential(domain.ClientIdentity{ID: "user-2", Label: "grace"}, time.Minute)
	require.NoError(t, err)

	grant := decodeGrant(t, postToken(router, "", "Bearer "+credential))
	assert.Equal(t, "user-2", grant.ClientID)
}

func TestIssueTokenRejectsBadInput(t *testing.T) {
	router, _ := newTokenRouter()

	tests := []struct {
		name   string
		body   string
		auth   string
		status int
		code   string
	}{
		{"bad body credential", `{"credential":"garbage"}`, "", http.StatusUnauthorized, "TOKEN_INVALID"},
		{"bad bearer credential", "", "Bearer garbage", http.StatusUnauthorized, "TOKEN_INVALID"},
		{"malformed json", `{"credential":`, "", http.StatusBadRequest, "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postToken(router, tt.body, tt.auth)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}
