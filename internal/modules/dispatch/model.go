// README: Dispatch attempt bookkeeping, collaborator contracts and errors.
package dispatch

import (
	"context"
	"errors"
	"time"

	"eats/internal/clock"
	"eats/internal/modules/order"
	"eats/internal/types"
)

// Cancellation reasons recorded when dispatch gives up on an order.
const (
	ReasonNoDriverAvailable = "NO_DRIVER_AVAILABLE"
	ReasonDispatchTimeout   = "DISPATCH_TIMEOUT"
)

var (
	// ErrOrderNoLongerAvailable rejects an accept that lost to an assignment or a cancellation.
	ErrOrderNoLongerAvailable = errors.New("order no longer available")
	// ErrOfferNotFound rejects a decline from a driver that holds no open offer for the order.
	ErrOfferNotFound = errors.New("no open offer for driver")
	ErrClosed        = errors.New("dispatch coordinator closed")
)

// Orders is the part of the order service dispatch drives.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Assign(ctx context.Context, cmd order.AssignCommand) (*order.Order, error)
	Cancel(ctx context.Context, cmd order.CancelCommand) (*order.Order, error)
}

// Drivers is the driver directory.
type Drivers interface {
	ListDrivers(ctx context.Context) ([]types.ID, error)
	HasActiveOrder(ctx context.Context, driverID types.ID) (bool, error)
}

// Channel delivers dispatch messages to parties. Offer returns
// presence.ErrNotConnected when the driver cannot be reached. OfferEnded
// reports that the driver no longer holds the order's offer.
type Channel interface {
	Offer(ctx context.Context, driverID types.ID, o *order.Order) error
	OfferEnded(orderID, driverID types.ID)
	Assigned(ctx context.Context, o *order.Order)
}

// Journal mirrors dispatch progress for observability. Writes are best effort.
type Journal interface {
	Offered(ctx context.Context, orderID, driverID types.ID, at time.Time) error
	Declined(ctx context.Context, orderID, driverID types.ID, timedOut bool) error
	Finished(ctx context.Context, orderID types.ID, outcome string) error
}

// Ranker orders the eligible drivers; the first reachable one gets the offer.
type Ranker func(ids []types.ID) []types.ID

// ByID ranks drivers by ascending id.
func ByID(ids []types.ID) []types.ID {
	types.SortIDs(ids)
	return ids
}

// attempt is the per-order dispatch state. Every field is guarded by the order's lock.
type attempt struct {
	declined  map[types.ID]struct{}
	pending   types.ID
	offeredAt time.Time
	// offerSeq and graceSeq identify the timer that is allowed to act.
	offerSeq uint64
	graceSeq uint64

	offerTimer   clock.Timer
	graceTimer   clock.Timer
	ceilingTimer clock.Timer
}

func newAttempt() *attempt {
	return &attempt{declined: make(map[types.ID]struct{})}
}

func (a *attempt) hasDeclined(id types.ID) bool {
	_, ok := a.declined[id]
	return ok
}

func (a *attempt) decline(id types.ID) {
	a.declined[id] = struct{}{}
	if a.pending == id {
		a.withdraw()
	}
}

// withdraw drops the open offer without recording a decline.
func (a *attempt) withdraw() {
	a.pending = ""
	a.offeredAt = time.Time{}
	stopTimer(a.offerTimer)
	a.offerTimer = nil
}

func (a *attempt) stop() {
	stopTimer(a.offerTimer)
	stopTimer(a.graceTimer)
	stopTimer(a.ceilingTimer)
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Snapshot is a read-only view of an order's dispatch state.
type Snapshot struct {
	OrderID   types.ID
	Pending   types.ID
	OfferedAt time.Time
	Declined  []types.ID
}
