// README: Order handlers for place/get/status/cancel/events.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"eats/internal/modules/order"
	"eats/internal/types"
)

type OrderService interface {
	Place(ctx context.Context, cmd order.CreateCommand) (*order.Order, error)
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	UpdateStatus(ctx context.Context, cmd order.UpdateStatusCommand) (*order.Order, error)
	Cancel(ctx context.Context, cmd order.CancelCommand) (*order.Order, error)
	Events(ctx context.Context, id types.ID) ([]order.Event, error)
}

// Dispatcher starts driver search for a confirmed order.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID types.ID) error
}

type OrderHandler struct {
	order    OrderService
	dispatch Dispatcher
	log      *zap.Logger
}

func NewOrderHandler(svc OrderService, dispatch Dispatcher, log *zap.Logger) *OrderHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderHandler{order: svc, dispatch: dispatch, log: log}
}

type createOrderReq struct {
	CustomerID   string `json:"customerId"`
	RestaurantID string `json:"restaurantId"`
	Subtotal     int64  `json:"subtotal"`
	DeliveryFee  int64  `json:"deliveryFee"`
	Discount     int64  `json:"discount"`
	Currency     string `json:"currency"`
}

// Create places an order for the calling customer and starts dispatch.
func (h *OrderHandler) Create(c *gin.Context) {
	actor, ok := callerActor(c)
	if !ok || actor.Type != order.ActorCustomer {
		writeError(c, http.StatusForbidden, "only customers can place orders")
		return
	}
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CustomerID != "" && types.ID(req.CustomerID) != actor.ID {
		writeError(c, http.StatusForbidden, "customerId does not match caller")
		return
	}
	if !isValidID(req.RestaurantID) {
		writeError(c, http.StatusBadRequest, "missing or invalid restaurantId")
		return
	}
	o, err := h.order.Place(c.Request.Context(), order.CreateCommand{
		CustomerID:   actor.ID,
		RestaurantID: types.ID(req.RestaurantID),
		Subtotal:     req.Subtotal,
		DeliveryFee:  req.DeliveryFee,
		Discount:     req.Discount,
		Currency:     req.Currency,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if err := h.dispatch.Dispatch(c.Request.Context(), o.ID); err != nil {
		h.log.Error("start dispatch", zap.String("order_id", o.ID.String()), zap.Error(err))
	}
	writeJSON(c, http.StatusCreated, o.View())
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	actor, ok := callerActor(c)
	if !ok {
		writeError(c, http.StatusForbidden, "missing role")
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if !isParty(o, actor) {
		writeError(c, http.StatusForbidden, order.ErrForbidden.Error())
		return
	}
	writeJSON(c, http.StatusOK, o.View())
}

// Events returns the order's status history to its parties.
func (h *OrderHandler) Events(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	actor, ok := callerActor(c)
	if !ok {
		writeError(c, http.StatusForbidden, "missing role")
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if !isParty(o, actor) {
		writeError(c, http.StatusForbidden, order.ErrForbidden.Error())
		return
	}
	events, err := h.order.Events(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	out := make([]order.EventView, 0, len(events))
	for _, e := range events {
		out = append(out, e.View())
	}
	writeJSON(c, http.StatusOK, out)
}

type updateStatusReq struct {
	Status string `json:"status"`
}

func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	actor, ok := callerActor(c)
	if !ok {
		writeError(c, http.StatusForbidden, "missing role")
		return
	}
	var req updateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		writeError(c, http.StatusBadRequest, "missing status")
		return
	}
	o, err := h.order.UpdateStatus(c.Request.Context(), order.UpdateStatusCommand{
		OrderID: id,
		Status:  order.Status(req.Status),
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o.View())
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	actor, ok := callerActor(c)
	if !ok {
		writeError(c, http.StatusForbidden, "missing role")
		return
	}
	var req cancelReq
	// The body is optional.
	_ = c.ShouldBindJSON(&req)
	o, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID: id,
		Actor:   actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o.View())
}

func (h *OrderHandler) orderID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return types.ID(id), true
}

func isParty(o *order.Order, actor order.Actor) bool {
	switch actor.Type {
	case order.ActorCustomer:
		return o.CustomerID == actor.ID
	case order.ActorRestaurant:
		return o.RestaurantID == actor.ID
	case order.ActorDriver:
		return o.HasDriver() && *o.DriverID == actor.ID
	}
	return false
}
