// README: Driver handlers for going online and offline.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"eats/internal/modules/order"
	"eats/internal/types"
)

type DriverDirectory interface {
	SetAvailable(ctx context.Context, driverID types.ID, available bool) error
}

type DriverHandler struct {
	drivers DriverDirectory
}

func NewDriverHandler(drivers DriverDirectory) *DriverHandler {
	return &DriverHandler{drivers: drivers}
}

type availabilityReq struct {
	Available *bool `json:"available"`
}

// SetAvailability puts the calling driver on or takes them off the dispatch roster.
func (h *DriverHandler) SetAvailability(c *gin.Context) {
	actor, ok := callerActor(c)
	if !ok || actor.Type != order.ActorDriver {
		writeError(c, http.StatusForbidden, "driver role required")
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		writeError(c, http.StatusBadRequest, "missing available")
		return
	}
	if err := h.drivers.SetAvailable(c.Request.Context(), actor.ID, *req.Available); err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driverId": actor.ID, "available": *req.Available})
}
