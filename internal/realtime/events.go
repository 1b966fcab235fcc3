// README: Realtime wire envelope, event names, payloads and error codes.
package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"eats/internal/modules/dispatch"
	"eats/internal/modules/order"
	"eats/internal/modules/presence"
	"eats/internal/types"
)

// Outbound events.
const (
	EventNewOrder           = "new-order"
	EventOrderRequest       = "order-request"
	EventDriverAssigned     = "driver-assigned"
	EventOrderStatusUpdated = "order-status-updated"
	EventOrderCancelled     = "order-cancelled"
	EventRoomJoined         = "order-room-joined"
	EventError              = "error"
)

// Inbound events. EventDriverLocationUpdate is also rebroadcast.
const (
	EventDriverAcceptOrder    = "driver-accept-order"
	EventDriverDeclineOrder   = "driver-decline-order"
	EventStatusUpdate         = "status-update"
	EventJoinOrderRoom        = "join-order-room"
	EventLeaveOrderRoom       = "leave-order-room"
	EventDriverLocationUpdate = "driver-location-update"
)

// Error codes carried by the error event.
const (
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeOrderNoLongerAvailable = "ORDER_NO_LONGER_AVAILABLE"
	CodeForbidden              = "FORBIDDEN"
	CodeNotFound               = "NOT_FOUND"
	CodeBadRequest             = "BAD_REQUEST"
	CodeConflict               = "CONFLICT"
	CodeNoOpenOffer            = "NO_OPEN_OFFER"
	CodeInternal               = "INTERNAL"
)

var (
	// ErrNotConnected is returned by Send when the party has no live session.
	ErrNotConnected = presence.ErrNotConnected
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	// ErrSlowConsumer means the session's outbound buffer is full and the message was dropped.
	ErrSlowConsumer = errors.New("session send buffer full")
)

// Envelope is the single frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type OrderRef struct {
	OrderID types.ID `json:"orderId"`
}

type StatusUpdateRequest struct {
	OrderID types.ID     `json:"orderId"`
	Status  order.Status `json:"status"`
}

type LocationUpdate struct {
	OrderID  types.ID    `json:"orderId"`
	DriverID types.ID    `json:"driverId,omitempty"`
	Location types.Point `json:"location"`
}

type DriverAssignedPayload struct {
	OrderID  types.ID   `json:"orderId"`
	DriverID types.ID   `json:"driverId"`
	Order    order.View `json:"order"`
}

// ActorRef names who made a change; ID is empty for the system.
type ActorRef struct {
	Type string   `json:"type"`
	ID   types.ID `json:"id,omitempty"`
}

type StatusUpdatedPayload struct {
	OrderID        types.ID     `json:"orderId"`
	Status         order.Status `json:"status"`
	PreviousStatus order.Status `json:"previousStatus"`
	UpdatedBy      ActorRef     `json:"updatedBy"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

type CancelledPayload struct {
	OrderID     types.ID  `json:"orderId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// errorPayload maps an inbound handler failure to its wire form. Unknown
// failures are reported as INTERNAL without leaking details.
func errorPayload(event string, err error) ErrorPayload {
	p := ErrorPayload{Event: event, Message: err.Error()}
	switch {
	case errors.Is(err, order.ErrInvalidTransition):
		p.Code = CodeInvalidTransition
	case errors.Is(err, dispatch.ErrOrderNoLongerAvailable):
		p.Code = CodeOrderNoLongerAvailable
	case errors.Is(err, dispatch.ErrOfferNotFound):
		p.Code = CodeNoOpenOffer
	case errors.Is(err, order.ErrForbidden), errors.Is(err, ErrForbidden):
		p.Code = CodeForbidden
	case errors.Is(err, order.ErrNotFound):
		p.Code = CodeNotFound
	case errors.Is(err, order.ErrConflict):
		p.Code = CodeConflict
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, order.ErrBadRequest),
		errors.Is(err, order.ErrInvalidAmount),
		errors.Is(err, order.ErrDriverRequired),
		errors.Is(err, order.ErrAlreadyAssigned):
		p.Code = CodeBadRequest
	default:
		p.Code = CodeInternal
		p.Message = "internal error"
	}
	return p
}
