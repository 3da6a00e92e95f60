package ports

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type TokenHandler interface {
	IssueToken(c *gin.Context)
}

type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}
