// README: Order service implements intake, state transitions and persistence.
package order

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"eats/internal/clock"
	"eats/internal/types"
)

// Cancellation reasons raised by parties. Dispatch defines its own.
const (
	ReasonCustomerCancelled   = "CUSTOMER_CANCELLED"
	ReasonRestaurantCancelled = "RESTAURANT_CANCELLED"
)

// Notifier is told about every committed transition. Implementations must not block.
type Notifier interface {
	StatusChanged(ctx context.Context, o *Order, from Status, actor Actor)
	Cancelled(ctx context.Context, o *Order, reason string)
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) StatusChanged(ctx context.Context, o *Order, from Status, actor Actor) {
	for _, n := range ns {
		n.StatusChanged(ctx, o, from, actor)
	}
}

func (ns Notifiers) Cancelled(ctx context.Context, o *Order, reason string) {
	for _, n := range ns {
		n.Cancelled(ctx, o, reason)
	}
}

type Service struct {
	store    Repository
	notifier Notifier
	clock    clock.Clock
	log      *zap.Logger
}

func NewService(store Repository, notifier Notifier, clk clock.Clock, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = Notifiers(nil)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, clock: clk, log: log}
}

type CreateCommand struct {
	CustomerID   types.ID
	RestaurantID types.ID
	Subtotal     int64
	DeliveryFee  int64
	Discount     int64
	Currency     string
}

type AssignCommand struct {
	OrderID  types.ID
	DriverID types.ID
}

type UpdateStatusCommand struct {
	OrderID types.ID
	Status  Status
	Actor   Actor
}

type CancelCommand struct {
	OrderID types.ID
	Actor   Actor
	Reason  string
}

// Place creates the order in PENDING and confirms it straight away.
// The returned order is CONFIRMED and ready for dispatch.
func (s *Service) Place(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.CustomerID == "" || cmd.RestaurantID == "" {
		return nil, ErrBadRequest
	}
	total, err := ComputeTotal(
		types.NewMoney(cmd.Subtotal, cmd.Currency),
		types.NewMoney(cmd.DeliveryFee, cmd.Currency),
		types.NewMoney(cmd.Discount, cmd.Currency),
	)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	o := &Order{
		CustomerID:   cmd.CustomerID,
		RestaurantID: cmd.RestaurantID,
		Status:       StatusPending,
		Subtotal:     types.NewMoney(cmd.Subtotal, cmd.Currency),
		DeliveryFee:  types.NewMoney(cmd.DeliveryFee, cmd.Currency),
		Discount:     types.NewMoney(cmd.Discount, cmd.Currency),
		Total:        total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	customer := Actor{Type: ActorCustomer, ID: cmd.CustomerID}
	s.appendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorType:  customer.Type,
		ActorID:    customer.idPtr(),
		CreatedAt:  now,
	})
	s.notifier.StatusChanged(ctx, o, StatusNone, customer)

	next, ev, err := Transition(o, StatusConfirmed, SystemActor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, o, next, ev); err != nil {
		return nil, err
	}
	return next, nil
}

// Assign atomically records the driver and moves the order to PREPARING.
func (s *Service) Assign(ctx context.Context, cmd AssignCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	next, ev, err := Assign(o, cmd.DriverID, SystemActor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, o, next, ev); err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateStatus applies a party-requested transition. CANCELLED is routed
// through Cancel with a reason derived from the actor.
func (s *Service) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (*Order, error) {
	if cmd.Status == StatusCancelled {
		return s.Cancel(ctx, CancelCommand{OrderID: cmd.OrderID, Actor: cmd.Actor})
	}
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(o, cmd.Status, cmd.Actor); err != nil {
		return nil, err
	}
	next, ev, err := Transition(o, cmd.Status, cmd.Actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, o, next, ev); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(o, StatusCancelled, cmd.Actor); err != nil {
		return nil, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = defaultReason(cmd.Actor)
	}
	next, ev, err := Cancel(o, reason, cmd.Actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, o, next, ev); err != nil {
		return nil, err
	}
	s.notifier.Cancelled(ctx, next, reason)
	return next, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Events returns the order's transition history, oldest first.
func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.Events(ctx, id)
}

// HasActiveByDriver reports whether the driver is committed to an order in progress.
func (s *Service) HasActiveByDriver(ctx context.Context, driverID types.ID) (bool, error) {
	return s.store.HasActiveByDriver(ctx, driverID)
}

func (s *Service) commit(ctx context.Context, prev, next *Order, ev *Event) error {
	if err := s.store.Save(ctx, next); err != nil {
		return err
	}
	s.appendEvent(ctx, ev)
	actor := Actor{Type: ev.ActorType}
	if ev.ActorID != nil {
		actor.ID = *ev.ActorID
	}
	s.notifier.StatusChanged(ctx, next, prev.Status, actor)
	return nil
}

func (s *Service) appendEvent(ctx context.Context, ev *Event) {
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.log.Warn("append order event",
			zap.String("order_id", ev.OrderID.String()),
			zap.String("to", string(ev.ToStatus)),
			zap.Error(err))
	}
}

// authorize checks that the actor is party to the order and that its role
// may request the transition. The system actor is always allowed.
func authorize(o *Order, to Status, actor Actor) error {
	if actor.Type == ActorSystem {
		return nil
	}
	if !isActorParty(o, actor) {
		return ErrForbidden
	}
	if !CanTransition(o.Status, to) {
		return &TransitionError{From: o.Status, To: to}
	}
	switch to {
	case StatusReadyForPickup:
		if actor.Type == ActorRestaurant {
			return nil
		}
	case StatusOutForDelivery, StatusDelivered:
		if actor.Type == ActorDriver {
			return nil
		}
	case StatusCancelled:
		switch actor.Type {
		case ActorRestaurant:
			return nil
		case ActorCustomer:
			if !o.HasDriver() {
				return nil
			}
		}
	}
	return ErrForbidden
}

func isActorParty(o *Order, actor Actor) bool {
	switch actor.Type {
	case ActorCustomer:
		return actor.ID == o.CustomerID
	case ActorRestaurant:
		return actor.ID == o.RestaurantID
	case ActorDriver:
		return o.HasDriver() && *o.DriverID == actor.ID
	}
	return false
}

func defaultReason(actor Actor) string {
	switch actor.Type {
	case ActorCustomer:
		return ReasonCustomerCancelled
	case ActorRestaurant:
		return ReasonRestaurantCancelled
	}
	return ""
}

// IsRejection reports whether err is an expected domain rejection rather than an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrDriverRequired) ||
		errors.Is(err, ErrAlreadyAssigned)
}
