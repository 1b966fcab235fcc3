// README: Pure state machine; every status change of an order goes through Transition.
package order

import (
	"time"

	"eats/internal/types"
)

// Actor identifies who triggered a transition.
type Actor struct {
	Type string
	ID   types.ID
}

// SystemActor is used for transitions made by the platform itself.
var SystemActor = Actor{Type: ActorSystem}

func (a Actor) idPtr() *types.ID {
	if a.ID == "" {
		return nil
	}
	id := a.ID
	return &id
}

// Transition returns a copy of o moved to status `to`, plus the audit event.
// o itself is never modified. Entering PREPARING requires a driver already
// recorded on the order; use Assign for the dispatch path.
func Transition(o *Order, to Status, actor Actor, now time.Time) (*Order, *Event, error) {
	if !CanTransition(o.Status, to) {
		return nil, nil, &TransitionError{From: o.Status, To: to}
	}
	if to == StatusPreparing && !o.HasDriver() {
		return nil, nil, ErrDriverRequired
	}

	next := o.Clone()
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case StatusDelivered:
		t := now
		next.DeliveredAt = &t
	case StatusCancelled:
		t := now
		next.CancelledAt = &t
	}

	ev := &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   to,
		ActorType:  actor.Type,
		ActorID:    actor.idPtr(),
		CreatedAt:  now,
	}
	return next, ev, nil
}

// Assign records driverID on a CONFIRMED, unassigned order and moves it to
// PREPARING in one step, so a half-assigned order is never produced.
func Assign(o *Order, driverID types.ID, actor Actor, now time.Time) (*Order, *Event, error) {
	if driverID == "" {
		return nil, nil, ErrBadRequest
	}
	if o.Status != StatusConfirmed {
		return nil, nil, &TransitionError{From: o.Status, To: StatusPreparing}
	}
	if o.HasDriver() {
		return nil, nil, ErrAlreadyAssigned
	}
	staged := o.Clone()
	d := driverID
	staged.DriverID = &d
	return Transition(staged, StatusPreparing, actor, now)
}

// Cancel moves o to CANCELLED and records the reason.
func Cancel(o *Order, reason string, actor Actor, now time.Time) (*Order, *Event, error) {
	next, ev, err := Transition(o, StatusCancelled, actor, now)
	if err != nil {
		return nil, nil, err
	}
	if reason != "" {
		r := reason
		next.CancelReason = &r
	}
	return next, ev, nil
}
