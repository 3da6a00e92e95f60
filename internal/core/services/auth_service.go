package services

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	"github.com/tumkoussekya/studio-sub000/pkg/utils"
	"github.com/tumkoussekya/studio-sub000/pkg/validation"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	identityIssuer  = "studio-identity"
	transportIssuer = "studio-token"
)

type IdentityClaims struct {
	Label string `json:"label"`
	jwt.RegisteredClaims
}

type TransportClaims struct {
	ClientID   string            `json:"client_id"`
	Label      string            `json:"label"`
	Capability domain.Capability `json:"capability"`
	jwt.RegisteredClaims
}

type tokenService struct {
	identitySecret []byte
	tokenSecret    []byte
	tokenTTL       time.Duration
	capability     domain.Capability
	anonymous      domain.Capability
}

func NewTokenService(
	identitySecret string,
	tokenSecret string,
	tokenTTL time.Duration,
	capability domain.Capability,
	anonymous domain.Capability,
) ports.TokenService {
	return &tokenService{
		identitySecret: []byte(identitySecret),
		tokenSecret:    []byte(tokenSecret),
		tokenTTL:       tokenTTL,
		capability:     capability,
		anonymous:      anonymous,
	}
}

// NewTokenServiceFromConfig builds the service from the auth section
func NewTokenServiceFromConfig(cfg *config.Config) ports.TokenService {
	return NewTokenService(
		cfg.Auth.IdentitySecret,
		cfg.Auth.TokenSecret,
		cfg.Auth.TokenTTL,
		CapabilityFromConfig(cfg.Auth.Capability),
		CapabilityFromConfig(cfg.Auth.AnonymousCapability),
	)
}

// CapabilityFromConfig converts the pattern to operation list of the config
func CapabilityFromConfig(in map[string][]string) domain.Capability {
	out := make(domain.Capability, len(in))
	for pattern, ops := range in {
		for _, op := range ops {
			out[pattern] = append(out[pattern], domain.Operation(strings.ToLower(op)))
		}
	}
	return out
}

func (s *tokenService) GenerateIdentityCredential(identity domain.ClientIdentity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &IdentityClaims{
		Label: identity.Label,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    identityIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.identitySecret)
}

func (s *tokenService) VerifyIdentity(credential string) (*domain.ClientIdentity, error) {
	claims := &IdentityClaims{}
	if err := s.parse(credential, claims, s.identitySecret, identityIssuer); err != nil {
		return nil, err
	}
	if err := validation.ValidateClientID(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}

	label := claims.Label
	if validation.ValidateLabel(label) != nil {
		label = claims.Subject
	}
	return &domain.ClientIdentity{ID: claims.Subject, Label: label}, nil
}

func (s *tokenService) IssueTransportToken(identity *domain.ClientIdentity) (*domain.TokenGrant, error) {
	capability := s.capability
	if identity == nil {
		id := utils.GenerateAnonymousID()
		identity = &domain.ClientIdentity{ID: id, Label: id}
		capability = s.anonymous
	}

	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &TransportClaims{
		ClientID:   identity.ID,
		Label:      identity.Label,
		Capability: capability,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    transportIssuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.tokenSecret)
	if err != nil {
		return nil, err
	}

	return &domain.TokenGrant{
		Token:      signed,
		ClientID:   identity.ID,
		Label:      identity.Label,
		Capability: capability,
		ExpiresAt:  expiresAt,
		Identity:   *identity,
	}, nil
}

func (s *tokenService) ValidateTransportToken(token string) (*domain.Session, error) {
	claims := &TransportClaims{}
	if err := s.parse(token, claims, s.tokenSecret, transportIssuer); err != nil {
		return nil, err
	}
	if claims.ClientID == "" {
		return nil, ErrInvalidToken
	}

	session := &domain.Session{
		Identity:   domain.ClientIdentity{ID: claims.ClientID, Label: claims.Label},
		Capability: claims.Capability,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *tokenService) parse(raw string, claims jwt.Claims, secret []byte, issuer string) error {
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
