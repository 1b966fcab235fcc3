// README: Hub delivers outbound events to parties and order rooms; it is the dispatch channel and an order notifier.
package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"eats/internal/modules/order"
	"eats/internal/modules/presence"
	"eats/internal/types"
)

// Transport queues an encoded frame for a session.
type Transport interface {
	Deliver(session presence.SessionID, msg []byte) error
}

type Hub struct {
	registry  *presence.Registry
	transport Transport
	log       *zap.Logger

	mu    sync.RWMutex
	rooms map[types.ID]map[presence.SessionID]struct{}
	// offers maps an order to the driver holding its order-request.
	offers map[types.ID]types.ID
}

func NewHub(registry *presence.Registry, transport Transport, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		registry:  registry,
		transport: transport,
		log:       log,
		rooms:     make(map[types.ID]map[presence.SessionID]struct{}),
		offers:    make(map[types.ID]types.ID),
	}
}

// Send delivers one event to the party's current session.
func (h *Hub) Send(_ context.Context, p presence.Party, event string, payload any) error {
	session, ok := h.registry.SessionFor(p)
	if !ok {
		return ErrNotConnected
	}
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	return h.transport.Deliver(session, msg)
}

// SendSession delivers one event to a session regardless of who it belongs to.
func (h *Hub) SendSession(session presence.SessionID, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	return h.transport.Deliver(session, msg)
}

// BroadcastToOrderRoom delivers the event to every session in the order's room
// and returns how many sessions accepted it.
func (h *Hub) BroadcastToOrderRoom(_ context.Context, orderID types.ID, event string, payload any) int {
	return h.deliverAll(event, payload, h.roomMembers(orderID))
}

func (h *Hub) Join(orderID types.ID, session presence.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[orderID]
	if !ok {
		room = make(map[presence.SessionID]struct{})
		h.rooms[orderID] = room
	}
	room[session] = struct{}{}
}

func (h *Hub) Leave(orderID types.ID, session presence.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(orderID, session)
}

// LeaveAll removes the session from every room.
func (h *Hub) LeaveAll(session presence.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for orderID := range h.rooms {
		h.leaveLocked(orderID, session)
	}
}

func (h *Hub) leaveLocked(orderID types.ID, session presence.SessionID) {
	room, ok := h.rooms[orderID]
	if !ok {
		return
	}
	delete(room, session)
	if len(room) == 0 {
		delete(h.rooms, orderID)
	}
}

func (h *Hub) InRoom(orderID types.ID, session presence.SessionID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[orderID][session]
	return ok
}

// closeRoom drops a finished order's room.
func (h *Hub) closeRoom(orderID types.ID) {
	h.mu.Lock()
	delete(h.rooms, orderID)
	h.mu.Unlock()
}

func (h *Hub) roomMembers(orderID types.ID) []presence.SessionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]presence.SessionID, 0, len(h.rooms[orderID]))
	for s := range h.rooms[orderID] {
		members = append(members, s)
	}
	return members
}

// Offer sends the order-request to a driver.
func (h *Hub) Offer(ctx context.Context, driverID types.ID, o *order.Order) error {
	if err := h.Send(ctx, presence.Party{ID: driverID, Role: presence.RoleDriver}, EventOrderRequest, o.View()); err != nil {
		return err
	}
	h.mu.Lock()
	h.offers[o.ID] = driverID
	h.mu.Unlock()
	return nil
}

func (h *Hub) OfferEnded(orderID, driverID types.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offers[orderID] == driverID {
		delete(h.offers, orderID)
	}
}

// takeOffer removes and returns the driver holding the order's offer.
func (h *Hub) takeOffer(orderID types.ID) (types.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	driverID, ok := h.offers[orderID]
	delete(h.offers, orderID)
	return driverID, ok
}

// Assigned tells the order's parties and room which driver took it. The
// driver's session joins the room.
func (h *Hub) Assigned(_ context.Context, o *order.Order) {
	if !o.HasDriver() {
		return
	}
	h.takeOffer(o.ID)
	if session, ok := h.registry.SessionFor(presence.Party{ID: *o.DriverID, Role: presence.RoleDriver}); ok {
		h.Join(o.ID, session)
	}
	h.notifyOrder(o, EventDriverAssigned, DriverAssignedPayload{
		OrderID:  o.ID,
		DriverID: *o.DriverID,
		Order:    o.View(),
	})
}

func (h *Hub) StatusChanged(ctx context.Context, o *order.Order, from order.Status, actor order.Actor) {
	if from == order.StatusPending && o.Status == order.StatusConfirmed {
		restaurant := presence.Party{ID: o.RestaurantID, Role: presence.RoleRestaurant}
		if err := h.Send(ctx, restaurant, EventNewOrder, o.View()); err != nil {
			h.log.Info("new order not delivered to restaurant",
				zap.String("order_id", o.ID.String()),
				zap.String("restaurant_id", o.RestaurantID.String()),
				zap.Error(err))
		}
	}
	h.notifyOrder(o, EventOrderStatusUpdated, StatusUpdatedPayload{
		OrderID:        o.ID,
		Status:         o.Status,
		PreviousStatus: from,
		UpdatedBy:      ActorRef{Type: actor.Type, ID: actor.ID},
		UpdatedAt:      o.UpdatedAt,
	})
	if o.Status == order.StatusDelivered {
		h.closeRoom(o.ID)
	}
}

func (h *Hub) Cancelled(_ context.Context, o *order.Order, reason string) {
	p := CancelledPayload{OrderID: o.ID, Reason: reason, CancelledAt: o.UpdatedAt}
	if o.CancelledAt != nil {
		p.CancelledAt = *o.CancelledAt
	}
	// A driver still holding the order-request is told too.
	var extra []presence.Party
	if driverID, ok := h.takeOffer(o.ID); ok {
		extra = append(extra, presence.Party{ID: driverID, Role: presence.RoleDriver})
	}
	h.notifyOrder(o, EventOrderCancelled, p, extra...)
	h.closeRoom(o.ID)
}

// notifyOrder reaches the customer, the restaurant, the driver if any, any
// extra parties, and the order room, each session once.
func (h *Hub) notifyOrder(o *order.Order, event string, payload any, extra ...presence.Party) {
	parties := append([]presence.Party{
		{ID: o.CustomerID, Role: presence.RoleCustomer},
		{ID: o.RestaurantID, Role: presence.RoleRestaurant},
	}, extra...)
	if o.HasDriver() {
		parties = append(parties, presence.Party{ID: *o.DriverID, Role: presence.RoleDriver})
	}
	sessions := h.roomMembers(o.ID)
	for _, p := range parties {
		if s, ok := h.registry.SessionFor(p); ok {
			sessions = append(sessions, s)
		}
	}
	h.deliverAll(event, payload, sessions)
}

func (h *Hub) deliverAll(event string, payload any, sessions []presence.SessionID) int {
	if len(sessions) == 0 {
		return 0
	}
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return 0
	}
	seen := make(map[presence.SessionID]struct{}, len(sessions))
	delivered := 0
	for _, s := range sessions {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if err := h.transport.Deliver(s, msg); err != nil {
			if !errors.Is(err, ErrNotConnected) {
				h.log.Warn("deliver event",
					zap.String("event", event),
					zap.String("session_id", string(s)),
					zap.Error(err))
			}
			continue
		}
		delivered++
	}
	return delivered
}
