package ports

import (
	"time"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

// TokenService issues the transport tokens the gateway accepts and verifies
// the identity credentials callers present to get one.
type TokenService interface {
	// VerifyIdentity checks a credential minted by the identity provider
	VerifyIdentity(credential string) (*domain.ClientIdentity, error)
	// IssueTransportToken signs a token for identity, or for a fresh
	// anonymous identity when identity is nil.
	IssueTransportToken(identity *domain.ClientIdentity) (*domain.TokenGrant, error)
	ValidateTransportToken(token string) (*domain.Session, error)
	GenerateIdentityCredential(identity domain.ClientIdentity, ttl time.Duration) (string, error)
}
