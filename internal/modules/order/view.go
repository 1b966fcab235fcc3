// README: JSON view of an order shared by the HTTP, realtime and notification surfaces.
package order

import (
	"time"

	"eats/internal/types"
)

// View is the order as sent to clients. Amounts are minor units.
type View struct {
	ID           types.ID   `json:"id"`
	CustomerID   types.ID   `json:"customerId"`
	RestaurantID types.ID   `json:"restaurantId"`
	DriverID     *types.ID  `json:"driverId"`
	Status       Status     `json:"status"`
	Subtotal     int64      `json:"subtotal"`
	DeliveryFee  int64      `json:"deliveryFee"`
	Discount     int64      `json:"discount"`
	Total        int64      `json:"total"`
	Currency     string     `json:"currency"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason *string    `json:"cancelReason,omitempty"`
}

type EventView struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorType string    `json:"actorType"`
	ActorID   *types.ID `json:"actorId,omitempty"`
	At        time.Time `json:"at"`
}

func (e Event) View() EventView {
	return EventView{
		From:      e.FromStatus,
		To:        e.ToStatus,
		ActorType: e.ActorType,
		ActorID:   e.ActorID,
		At:        e.CreatedAt,
	}
}

func (o *Order) View() View {
	return View{
		ID:           o.ID,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		DriverID:     o.DriverID,
		Status:       o.Status,
		Subtotal:     o.Subtotal.Amount,
		DeliveryFee:  o.DeliveryFee.Amount,
		Discount:     o.Discount.Amount,
		Total:        o.Total.Amount,
		Currency:     o.Total.Currency,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		DeliveredAt:  o.DeliveredAt,
		CancelledAt:  o.CancelledAt,
		CancelReason: o.CancelReason,
	}
}
