// README: Websocket upgrade handler for authenticated parties.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"eats/internal/http/middleware"
	"eats/internal/modules/presence"
	"eats/internal/types"
)

type RealtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, p presence.Party)
}

type WSHandler struct {
	server RealtimeServer
}

func NewWSHandler(server RealtimeServer) *WSHandler {
	return &WSHandler{server: server}
}

func (h *WSHandler) Connect(c *gin.Context) {
	role := presence.Role(middleware.CallerRole(c))
	if !role.Valid() {
		writeError(c, http.StatusForbidden, "party role required")
		return
	}
	h.server.Serve(c.Writer, c.Request, presence.Party{
		ID:   types.ID(middleware.CallerUID(c)),
		Role: role,
	})
}
