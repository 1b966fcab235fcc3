// README: Driver directory combining the availability roster with active-order lookups.
package driver

import (
	"context"
	"errors"
	"fmt"

	"eats/internal/types"
)

var ErrBadRequest = errors.New("bad request")

// ActiveOrders reports whether a driver is committed to an order in progress.
type ActiveOrders interface {
	HasActiveByDriver(ctx context.Context, driverID types.ID) (bool, error)
}

type Directory struct {
	roster Roster
	orders ActiveOrders
}

func NewDirectory(roster Roster, orders ActiveOrders) *Directory {
	return &Directory{roster: roster, orders: orders}
}

// ListDrivers returns every available driver in ascending id order.
func (d *Directory) ListDrivers(ctx context.Context) ([]types.ID, error) {
	ids, err := d.roster.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	types.SortIDs(ids)
	return ids, nil
}

func (d *Directory) HasActiveOrder(ctx context.Context, driverID types.ID) (bool, error) {
	return d.orders.HasActiveByDriver(ctx, driverID)
}

// SetAvailable puts a driver on or takes a driver off the roster.
func (d *Directory) SetAvailable(ctx context.Context, driverID types.ID, available bool) error {
	if driverID == "" {
		return ErrBadRequest
	}
	if available {
		return d.roster.Add(ctx, driverID)
	}
	return d.roster.Remove(ctx, driverID)
}
