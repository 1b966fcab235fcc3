// README: Order aggregate, status definitions and the transition table.
package order

import (
	"time"

	"eats/internal/types"
)

type Status string

const (
	StatusNone           Status = "NONE"
	StatusPending        Status = "PENDING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusPreparing      Status = "PREPARING"
	StatusReadyForPickup Status = "READY_FOR_PICKUP"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusCancelled      Status = "CANCELLED"
)

// Actor types recorded on state events.
const (
	ActorSystem     = "system"
	ActorCustomer   = "customer"
	ActorRestaurant = "restaurant"
	ActorDriver     = "driver"
)

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	RestaurantID  types.ID
	DriverID      *types.ID
	Status        Status
	StatusVersion int
	Subtotal      types.Money
	DeliveryFee   types.Money
	Discount      types.Money
	Total         types.Money
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
	CancelledAt   *time.Time
	CancelReason  *string
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusReadyForPickup, StatusCancelled},
	StatusReadyForPickup: {StatusOutForDelivery, StatusCancelled},
	StatusOutForDelivery: {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// IsAssigned reports whether an order in this status must carry a driver.
func (s Status) IsAssigned() bool {
	switch s {
	case StatusPreparing, StatusReadyForPickup, StatusOutForDelivery, StatusDelivered:
		return true
	}
	return false
}

// IsActive reports whether a driver holding an order in this status is committed to it.
func (s Status) IsActive() bool {
	switch s {
	case StatusPreparing, StatusReadyForPickup, StatusOutForDelivery:
		return true
	}
	return false
}

// ActiveStatuses lists the statuses that commit a driver.
var ActiveStatuses = []Status{StatusPreparing, StatusReadyForPickup, StatusOutForDelivery}

// HasDriver reports whether a driver is recorded on the order.
func (o *Order) HasDriver() bool {
	return o.DriverID != nil && *o.DriverID != ""
}

// IsParty reports whether id is the customer, restaurant or recorded driver of the order.
func (o *Order) IsParty(id types.ID) bool {
	if id == "" {
		return false
	}
	if id == o.CustomerID || id == o.RestaurantID {
		return true
	}
	return o.HasDriver() && *o.DriverID == id
}

// CheckInvariants verifies driver assignment against status and the monetary breakdown.
// Cancelled orders may keep the driver recorded before cancellation.
func (o *Order) CheckInvariants() error {
	switch {
	case o.Status.IsAssigned() && !o.HasDriver():
		return ErrDriverRequired
	case (o.Status == StatusPending || o.Status == StatusConfirmed) && o.HasDriver():
		return ErrUnexpectedDriver
	}
	if (o.Status == StatusDelivered) != (o.DeliveredAt != nil) {
		return ErrCorrupt
	}
	return checkBreakdown(o.Subtotal, o.DeliveryFee, o.Discount, o.Total)
}

// Clone returns a copy that shares no pointers with o.
func (o *Order) Clone() *Order {
	cp := *o
	if o.DriverID != nil {
		d := *o.DriverID
		cp.DriverID = &d
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		cp.DeliveredAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		cp.CancelledAt = &t
	}
	if o.CancelReason != nil {
		r := *o.CancelReason
		cp.CancelReason = &r
	}
	return &cp
}

// ComputeTotal returns subtotal + deliveryFee - discount after validating the breakdown.
func ComputeTotal(subtotal, deliveryFee, discount types.Money) (types.Money, error) {
	gross, err := subtotal.Add(deliveryFee)
	if err != nil {
		return types.Money{}, ErrInvalidAmount
	}
	total, err := gross.Sub(discount)
	if err != nil {
		return types.Money{}, ErrInvalidAmount
	}
	if err := checkBreakdown(subtotal, deliveryFee, discount, total); err != nil {
		return types.Money{}, err
	}
	return total, nil
}

func checkBreakdown(subtotal, deliveryFee, discount, total types.Money) error {
	if subtotal.IsNegative() || deliveryFee.IsNegative() || discount.IsNegative() || total.IsNegative() {
		return ErrInvalidAmount
	}
	if subtotal.Currency != deliveryFee.Currency || subtotal.Currency != discount.Currency || subtotal.Currency != total.Currency {
		return ErrInvalidAmount
	}
	if discount.Amount > subtotal.Amount+deliveryFee.Amount {
		return ErrInvalidAmount
	}
	if total.Amount != subtotal.Amount+deliveryFee.Amount-discount.Amount {
		return ErrInvalidAmount
	}
	return nil
}
