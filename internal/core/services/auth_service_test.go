package services

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
)

func newTestTokenService() ports.TokenService {
	return NewTokenService(
		"identity-secret",
		"token-secret",
		time.Hour,
		domain.FullCapability(),
		domain.Capability{"world-presence": {domain.OpSubscribe}},
	)
}

func TestIssueTokenForIdentity(t *testing.T) {
	svc := newTestTokenService()

	credential, err := svc.GenerateIdentityCredential(domain.ClientIdentity{ID: "user-1", Label: "ada@example.com"}, time.Minute)
	require.NoError(t, err)

	identity, err := svc.VerifyIdentity(credential)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.ID)
	assert.Equal(t, "ada@example.com", identity.Label)

	grant, err := svc.IssueTransportToken(identity)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.ClientID)
	assert.True(t, grant.Capability.Allows("anything", domain.OpPresence))

	session, err := svc.ValidateTransportToken(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.ClientIdentity{ID: "user-1", Label: "ada@example.com"}, session.Identity)
	assert.WithinDuration(t, grant.ExpiresAt, session.ExpiresAt, time.Second)
	assert.True(t, session.Capability.Allows("dm:a:b", domain.OpPublish))
}

func TestIssueAnonymousToken(t *testing.T) {
	svc := newTestTokenService()

	grant, err := svc.IssueTransportToken(nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(grant.ClientID, "anonymous-"))

	other, err := svc.IssueTransportToken(nil)
	require.NoError(t, err)
	assert.NotEqual(t, grant.ClientID, other.ClientID)

	session, err := svc.ValidateTransportToken(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, grant.ClientID, session.Identity.ID)
	assert.True(t, session.Capability.Allows("world-presence", domain.OpSubscribe))
	assert.False(t, session.Capability.Allows("world-presence", domain.OpPublish))
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	svc := NewTokenService("same", "same", time.Hour, domain.FullCapability(), nil)

	credential, err := svc.GenerateIdentityCredential(domain.ClientIdentity{ID: "u"}, time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateTransportToken(credential)
	assert.ErrorIs(t, err, ErrInvalidToken)

	grant, err := svc.IssueTransportToken(&domain.ClientIdentity{ID: "u"})
	require.NoError(t, err)
	_, err = svc.VerifyIdentity(grant.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsBadTokens(t *testing.T) {
	svc := newTestTokenService()

	expired, err := svc.GenerateIdentityCredential(domain.ClientIdentity{ID: "u"}, -time.Minute)
	require.NoError(t, err)
	_, err = svc.VerifyIdentity(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = svc.VerifyIdentity("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	spaced, err := svc.GenerateIdentityCredential(domain.ClientIdentity{ID: "user 1"}, time.Minute)
	require.NoError(t, err)
	_, err = svc.VerifyIdentity(spaced)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := NewTokenService("other", "other", time.Hour, nil, nil)
	grant, err := foreign.IssueTransportToken(&domain.ClientIdentity{ID: "u"})
	require.NoError(t, err)
	_, err = svc.ValidateTransportToken(grant.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"client_id": "u", "iss": transportIssuer})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateTransportToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCapabilityFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	capability := CapabilityFromConfig(map[string][]string{"dm:*": {"Publish", "subscribe"}})
	assert.True(t, capability.Allows("dm:a:b", domain.OpPublish))
	assert.False(t, capability.Allows("dm:a:b", domain.OpHistory))

	svc := NewTokenServiceFromConfig(cfg)
	grant, err := svc.IssueTransportToken(nil)
	require.NoError(t, err)
	assert.True(t, grant.Capability.Allows("world-presence", domain.OpPresence))
	assert.False(t, grant.Capability.Allows("signaling", domain.OpPublish))
}
