// README: Gateway handles inbound realtime events and connection lifecycle.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"eats/internal/modules/order"
	"eats/internal/modules/presence"
	"eats/internal/types"
)

// Dispatcher is the part of the dispatch coordinator drivers talk to.
type Dispatcher interface {
	Accept(ctx context.Context, orderID, driverID types.ID) (*order.Order, error)
	Decline(ctx context.Context, orderID, driverID types.ID) error
	PendingDriver(orderID types.ID) (types.ID, bool)
}

// Orders is the part of the order service parties act through.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	UpdateStatus(ctx context.Context, cmd order.UpdateStatusCommand) (*order.Order, error)
}

type handlerFunc func(ctx context.Context, caller presence.Party, session presence.SessionID, data json.RawMessage) error

type Gateway struct {
	hub      *Hub
	registry *presence.Registry
	dispatch Dispatcher
	orders   Orders
	log      *zap.Logger
	handlers map[string]handlerFunc
}

func NewGateway(hub *Hub, registry *presence.Registry, dispatch Dispatcher, orders Orders, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{hub: hub, registry: registry, dispatch: dispatch, orders: orders, log: log}
	g.handlers = map[string]handlerFunc{
		EventDriverAcceptOrder:    g.handleAccept,
		EventDriverDeclineOrder:   g.handleDecline,
		EventStatusUpdate:         g.handleStatusUpdate,
		EventJoinOrderRoom:        g.handleJoin,
		EventLeaveOrderRoom:       g.handleLeave,
		EventDriverLocationUpdate: g.handleLocation,
	}
	return g
}

// Connect registers the session for the party and returns the session it superseded, if any.
func (g *Gateway) Connect(p presence.Party, session presence.SessionID) (presence.SessionID, bool) {
	prev, superseded := g.registry.Connect(p, session)
	if superseded {
		g.hub.LeaveAll(prev)
	}
	g.log.Debug("session connected",
		zap.String("party_id", p.ID.String()),
		zap.String("role", string(p.Role)),
		zap.String("session_id", string(session)))
	return prev, superseded
}

func (g *Gateway) Disconnect(session presence.SessionID) {
	g.hub.LeaveAll(session)
	if p, ok := g.registry.Disconnect(session); ok {
		g.log.Debug("session disconnected",
			zap.String("party_id", p.ID.String()),
			zap.String("role", string(p.Role)),
			zap.String("session_id", string(session)))
	}
}

// Handle processes one inbound frame. Failures are answered with an error
// event on the same session and never escape.
func (g *Gateway) Handle(ctx context.Context, session presence.SessionID, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		g.reject(session, "", fmt.Errorf("%w: malformed frame", ErrBadRequest))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("realtime handler panicked",
				zap.String("event", env.Event),
				zap.String("session_id", string(session)),
				zap.Any("panic", r))
			g.reject(session, env.Event, fmt.Errorf("panic: %v", r))
		}
	}()

	caller, ok := g.registry.PartyFor(session)
	if !ok {
		g.reject(session, env.Event, ErrForbidden)
		return
	}
	handler, ok := g.handlers[env.Event]
	if !ok {
		g.reject(session, env.Event, fmt.Errorf("%w: unknown event %q", ErrBadRequest, env.Event))
		return
	}
	if err := handler(ctx, caller, session, env.Data); err != nil {
		g.reject(session, env.Event, err)
	}
}

func (g *Gateway) reject(session presence.SessionID, event string, err error) {
	p := errorPayload(event, err)
	if p.Code == CodeInternal {
		g.log.Error("realtime handler failed",
			zap.String("event", event),
			zap.String("session_id", string(session)),
			zap.Error(err))
	} else {
		g.log.Debug("realtime request rejected",
			zap.String("event", event),
			zap.String("code", p.Code),
			zap.Error(err))
	}
	if sendErr := g.hub.SendSession(session, EventError, p); sendErr != nil {
		g.log.Debug("error event not delivered", zap.String("session_id", string(session)), zap.Error(sendErr))
	}
}

func (g *Gateway) handleAccept(ctx context.Context, caller presence.Party, session presence.SessionID, data json.RawMessage) error {
	ref, err := decodeRef(data)
	if err != nil {
		return err
	}
	if caller.Role != presence.RoleDriver {
		return ErrForbidden
	}
	if _, err := g.dispatch.Accept(ctx, ref.OrderID, caller.ID); err != nil {
		return err
	}
	g.hub.Join(ref.OrderID, session)
	return nil
}

func (g *Gateway) handleDecline(ctx context.Context, caller presence.Party, _ presence.SessionID, data json.RawMessage) error {
	ref, err := decodeRef(data)
	if err != nil {
		return err
	}
	if caller.Role != presence.RoleDriver {
		return ErrForbidden
	}
	return g.dispatch.Decline(ctx, ref.OrderID, caller.ID)
}

func (g *Gateway) handleStatusUpdate(ctx context.Context, caller presence.Party, _ presence.SessionID, data json.RawMessage) error {
	var req StatusUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil || req.OrderID == "" || req.Status == "" {
		return fmt.Errorf("%w: orderId and status are required", ErrBadRequest)
	}
	_, err := g.orders.UpdateStatus(ctx, order.UpdateStatusCommand{
		OrderID: req.OrderID,
		Status:  req.Status,
		Actor:   order.Actor{Type: string(caller.Role), ID: caller.ID},
	})
	return err
}

// handleJoin admits the order's customer, restaurant, assigned driver, or the
// driver holding its open offer.
func (g *Gateway) handleJoin(ctx context.Context, caller presence.Party, session presence.SessionID, data json.RawMessage) error {
	ref, err := decodeRef(data)
	if err != nil {
		return err
	}
	o, err := g.orders.Get(ctx, ref.OrderID)
	if err != nil {
		return err
	}
	if !g.mayJoin(o, caller) {
		return ErrForbidden
	}
	g.hub.Join(o.ID, session)
	return g.hub.SendSession(session, EventRoomJoined, OrderRef{OrderID: o.ID})
}

func (g *Gateway) mayJoin(o *order.Order, caller presence.Party) bool {
	switch caller.Role {
	case presence.RoleCustomer:
		return caller.ID == o.CustomerID
	case presence.RoleRestaurant:
		return caller.ID == o.RestaurantID
	case presence.RoleDriver:
		if o.HasDriver() {
			return *o.DriverID == caller.ID
		}
		pending, ok := g.dispatch.PendingDriver(o.ID)
		return ok && pending == caller.ID
	}
	return false
}

func (g *Gateway) handleLeave(_ context.Context, _ presence.Party, session presence.SessionID, data json.RawMessage) error {
	ref, err := decodeRef(data)
	if err != nil {
		return err
	}
	g.hub.Leave(ref.OrderID, session)
	return nil
}

// handleLocation rebroadcasts the assigned driver's position to the order room.
func (g *Gateway) handleLocation(ctx context.Context, caller presence.Party, _ presence.SessionID, data json.RawMessage) error {
	var upd LocationUpdate
	if err := json.Unmarshal(data, &upd); err != nil || upd.OrderID == "" {
		return fmt.Errorf("%w: orderId and location are required", ErrBadRequest)
	}
	if caller.Role != presence.RoleDriver {
		return ErrForbidden
	}
	o, err := g.orders.Get(ctx, upd.OrderID)
	if err != nil {
		return err
	}
	if !o.HasDriver() || *o.DriverID != caller.ID {
		return ErrForbidden
	}
	upd.DriverID = caller.ID
	g.hub.BroadcastToOrderRoom(ctx, o.ID, EventDriverLocationUpdate, upd)
	return nil
}

func decodeRef(data json.RawMessage) (OrderRef, error) {
	var ref OrderRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.OrderID == "" {
		return OrderRef{}, fmt.Errorf("%w: orderId is required", ErrBadRequest)
	}
	return ref, nil
}
