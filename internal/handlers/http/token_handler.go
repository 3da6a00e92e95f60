package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/middleware"
	apperrors "github.com/tumkoussekya/studio-sub000/pkg/errors"
)

// TokenPath is where realtime clients exchange an identity credential for a
// transport token
const TokenPath = "/api/v1/realtime/token"

type TokenHandler struct {
	tokens ports.TokenService
	logger *zap.SugaredLogger
}

func NewTokenHandler(tokens ports.TokenService, logger *zap.SugaredLogger) *TokenHandler {
	return &TokenHandler{
		tokens: tokens,
		logger: logger,
	}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	router.POST(TokenPath, middleware.OptionalIdentityMiddleware(h.tokens), h.IssueToken)
}

type TokenRequest struct {
	Credential string `json:"credential" binding:"max=4096"`
}

// IssueToken grants a transport token. The credential may arrive as a Bearer
// header, checked by the identity middleware, or in the JSON body. Without
// either the caller is given an anonymous identity.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	identity, _ := middleware.IdentityFrom(c)

	if identity == nil {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.Error(apperrors.NewInvalidInputError("invalid request format"))
			return
		}

		if credential := strings.TrimSpace(req.Credential); credential != "" {
			verified, err := h.tokens.VerifyIdentity(credential)
			if err != nil {
				c.Error(apperrors.NewTokenInvalidError(err))
				return
			}
			identity = verified
		}
	}

	grant, err := h.tokens.IssueTransportToken(identity)
	if err != nil {
		c.Error(apperrors.NewInternalError("failed to issue token"))
		return
	}

	h.logger.Debugw("transport token issued",
		"client_id", grant.ClientID,
		"anonymous", identity == nil,
		"expires_at", grant.ExpiresAt,
	)
	c.JSON(http.StatusOK, grant)
}

var _ ports.TokenHandler = (*TokenHandler)(nil)

