// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"eats/internal/http/middleware"
	"eats/internal/modules/order"
	"eats/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts short alphanumeric ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, order.ErrInvalidAmount):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrAlreadyAssigned),
		errors.Is(err, order.ErrDriverRequired):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// callerActor maps the authenticated caller to an order actor. ok is false
// when the token carries no usable role.
func callerActor(c *gin.Context) (order.Actor, bool) {
	role := middleware.CallerRole(c)
	switch role {
	case order.ActorCustomer, order.ActorRestaurant, order.ActorDriver:
		return order.Actor{Type: role, ID: types.ID(middleware.CallerUID(c))}, true
	}
	return order.Actor{}, false
}
