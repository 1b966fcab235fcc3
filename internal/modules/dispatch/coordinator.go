// README: Dispatch coordinator offers a confirmed order to drivers one at a time until one accepts or dispatch gives up.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"eats/internal/clock"
	"eats/internal/config"
	"eats/internal/modules/order"
	"eats/internal/modules/presence"
	"eats/internal/types"
)

const (
	// callTimeout bounds store and directory calls made from timer callbacks.
	callTimeout = 10 * time.Second
	// journalTimeout bounds a single asynchronous journal write.
	journalTimeout = 2 * time.Second
)

type Deps struct {
	Orders  Orders
	Drivers Drivers
	Channel Channel
	// Journal is optional.
	Journal Journal
	Clock   clock.Clock
	Log     *zap.Logger
	// Rank defaults to ByID.
	Rank Ranker
}

// Coordinator owns the dispatch attempt of every order being dispatched.
// Work on one order is serialized by a per-order lock; different orders proceed in parallel.
type Coordinator struct {
	orders  Orders
	drivers Drivers
	channel Channel
	journal Journal
	clock   clock.Clock
	log     *zap.Logger
	rank    Ranker
	cfg     config.DispatchConfig

	locks *keyedMutex
	// driverLocks serializes accepts by one driver across orders. Always taken after the order lock.
	driverLocks *keyedMutex

	mu       sync.Mutex
	attempts map[types.ID]*attempt
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(deps Deps, cfg config.DispatchConfig) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Rank == nil {
		deps.Rank = ByID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		orders:      deps.Orders,
		drivers:     deps.Drivers,
		channel:     deps.Channel,
		journal:     deps.Journal,
		clock:       deps.Clock,
		log:         deps.Log,
		rank:        deps.Rank,
		cfg:         cfg,
		locks:       newKeyedMutex(),
		driverLocks: newKeyedMutex(),
		attempts:    make(map[types.ID]*attempt),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Dispatch starts looking for a driver for a confirmed order. It is a no-op
// when the order is not CONFIRMED, already has a driver, or is already being dispatched.
func (c *Coordinator) Dispatch(ctx context.Context, orderID types.ID) error {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.attempt(orderID) != nil {
		return nil
	}
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !dispatchable(o) {
		return nil
	}

	a := newAttempt()
	c.setAttempt(orderID, a)
	a.ceilingTimer = c.clock.AfterFunc(c.cfg.Ceiling, func() { c.onCeiling(orderID) })
	c.log.Info("dispatch started", zap.String("order_id", orderID.String()))

	c.offerNext(ctx, o, a, false)
	return nil
}

// Accept assigns the order to the driver holding its open offer. Any other
// accept, or one that races a cancellation, fails with ErrOrderNoLongerAvailable.
// A driver who took another order since the offer was made loses the offer
// without counting as a decline, and the next driver is tried.
func (c *Coordinator) Accept(ctx context.Context, orderID, driverID types.ID) (*order.Order, error) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	a := c.attempt(orderID)
	if a == nil || a.pending == "" || a.pending != driverID {
		return nil, ErrOrderNoLongerAvailable
	}

	unlockDriver := c.driverLocks.Lock(driverID)
	defer unlockDriver()

	busy, err := c.drivers.HasActiveOrder(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if busy {
		a.withdraw()
		c.channel.OfferEnded(orderID, driverID)
		c.log.Info("accept rejected, driver busy",
			zap.String("order_id", orderID.String()),
			zap.String("driver_id", driverID.String()))
		_ = c.moveOn(ctx, orderID, a)
		return nil, ErrOrderNoLongerAvailable
	}

	o, err := c.orders.Assign(ctx, order.AssignCommand{OrderID: orderID, DriverID: driverID})
	if err != nil {
		if !order.IsRejection(err) {
			return nil, err
		}
		if current, getErr := c.orders.Get(ctx, orderID); getErr != nil || !dispatchable(current) {
			c.finish(orderID, a, "closed")
		}
		c.log.Info("accept rejected",
			zap.String("order_id", orderID.String()),
			zap.String("driver_id", driverID.String()),
			zap.Error(err))
		return nil, ErrOrderNoLongerAvailable
	}

	c.finish(orderID, a, "assigned:"+driverID.String())
	c.log.Info("driver assigned",
		zap.String("order_id", orderID.String()),
		zap.String("driver_id", driverID.String()))
	c.channel.Assigned(ctx, o)
	return o, nil
}

// Decline records that the pending driver refused the offer and moves on to the next driver.
func (c *Coordinator) Decline(ctx context.Context, orderID, driverID types.ID) error {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	a := c.attempt(orderID)
	if a == nil || a.pending == "" || a.pending != driverID {
		return ErrOfferNotFound
	}
	a.decline(driverID)
	c.channel.OfferEnded(orderID, driverID)
	c.record(func(ctx context.Context) error { return c.journal.Declined(ctx, orderID, driverID, false) })
	c.log.Info("offer declined",
		zap.String("order_id", orderID.String()),
		zap.String("driver_id", driverID.String()))

	return c.moveOn(ctx, orderID, a)
}

// moveOn reloads the order after its offer ended and offers it to the next
// driver. If the order cannot be loaded the attempt waits out a grace period
// and retries from the timer. Caller holds the order lock.
func (c *Coordinator) moveOn(ctx context.Context, orderID types.ID, a *attempt) error {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		c.log.Error("load order", zap.String("order_id", orderID.String()), zap.Error(err))
		c.waitGrace(orderID, a)
		return err
	}
	if !dispatchable(o) {
		c.finish(orderID, a, "closed")
		return nil
	}
	c.offerNext(ctx, o, a, false)
	return nil
}

// PendingDriver returns the driver currently holding the order's open offer.
func (c *Coordinator) PendingDriver(orderID types.ID) (types.ID, bool) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	a := c.attempt(orderID)
	if a == nil || a.pending == "" {
		return "", false
	}
	return a.pending, true
}

// Snapshot returns the order's dispatch state, if the order is being dispatched.
func (c *Coordinator) Snapshot(orderID types.ID) (Snapshot, bool) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	a := c.attempt(orderID)
	if a == nil {
		return Snapshot{}, false
	}
	s := Snapshot{OrderID: orderID, Pending: a.pending, OfferedAt: a.offeredAt}
	for id := range a.declined {
		s.Declined = append(s.Declined, id)
	}
	types.SortIDs(s.Declined)
	return s, true
}

// Active returns the number of orders being dispatched.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

// Close stops every timer and drops all attempts. Orders stay CONFIRMED.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	attempts := c.attempts
	c.attempts = make(map[types.ID]*attempt)
	c.mu.Unlock()

	for id := range attempts {
		unlock := c.locks.Lock(id)
		attempts[id].stop()
		unlock()
	}
	c.cancel()
}

// offerNext offers the order to the first reachable eligible driver. When
// there is none it waits out the grace period, or cancels if that wait is already over.
// Caller holds the order lock.
func (c *Coordinator) offerNext(ctx context.Context, o *order.Order, a *attempt, afterGrace bool) {
	eligible, err := c.eligible(ctx, a)
	if err != nil {
		c.log.Error("list eligible drivers", zap.String("order_id", o.ID.String()), zap.Error(err))
	}

	for _, driverID := range eligible {
		err := c.channel.Offer(ctx, driverID, o)
		if errors.Is(err, presence.ErrNotConnected) {
			c.log.Debug("driver unreachable, skipping",
				zap.String("order_id", o.ID.String()),
				zap.String("driver_id", driverID.String()))
			continue
		}
		if err != nil {
			c.log.Warn("send offer",
				zap.String("order_id", o.ID.String()),
				zap.String("driver_id", driverID.String()),
				zap.Error(err))
			continue
		}
		c.openOffer(o.ID, a, driverID)
		return
	}

	if afterGrace {
		c.giveUp(ctx, o.ID, a, ReasonNoDriverAvailable)
		return
	}
	c.waitGrace(o.ID, a)
	c.log.Info("no driver available, waiting",
		zap.String("order_id", o.ID.String()),
		zap.Duration("grace", c.cfg.GraceWait))
}

// waitGrace (re)arms the grace timer. Caller holds the order lock.
func (c *Coordinator) waitGrace(orderID types.ID, a *attempt) {
	a.graceSeq++
	seq := a.graceSeq
	stopTimer(a.graceTimer)
	a.graceTimer = c.clock.AfterFunc(c.cfg.GraceWait, func() { c.onGrace(orderID, seq) })
}

func (c *Coordinator) openOffer(orderID types.ID, a *attempt, driverID types.ID) {
	now := c.clock.Now()
	a.pending = driverID
	a.offeredAt = now
	a.offerSeq++
	seq := a.offerSeq
	a.offerTimer = c.clock.AfterFunc(c.cfg.OfferTimeout, func() { c.onOfferTimeout(orderID, driverID, seq) })

	c.record(func(ctx context.Context) error { return c.journal.Offered(ctx, orderID, driverID, now) })
	c.log.Info("order offered",
		zap.String("order_id", orderID.String()),
		zap.String("driver_id", driverID.String()))
}

// eligible lists directory drivers that are neither busy with another order
// nor in this order's decline set, ranked.
func (c *Coordinator) eligible(ctx context.Context, a *attempt) ([]types.ID, error) {
	all, err := c.drivers.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, 0, len(all))
	for _, id := range all {
		if a.hasDeclined(id) {
			continue
		}
		busy, err := c.drivers.HasActiveOrder(ctx, id)
		if err != nil {
			c.log.Warn("check driver activity", zap.String("driver_id", id.String()), zap.Error(err))
			continue
		}
		if busy {
			continue
		}
		ids = append(ids, id)
	}
	return c.rank(ids), nil
}

func (c *Coordinator) onOfferTimeout(orderID, driverID types.ID, seq uint64) {
	defer c.recoverCallback("offer timeout", orderID)
	c.runLocked(orderID, func(ctx context.Context, a *attempt, o *order.Order) {
		if a.pending != driverID || a.offerSeq != seq {
			return
		}
		a.decline(driverID)
		c.channel.OfferEnded(orderID, driverID)
		c.record(func(ctx context.Context) error { return c.journal.Declined(ctx, orderID, driverID, true) })
		c.log.Info("offer timed out",
			zap.String("order_id", orderID.String()),
			zap.String("driver_id", driverID.String()))
		c.offerNext(ctx, o, a, false)
	})
}

func (c *Coordinator) onGrace(orderID types.ID, seq uint64) {
	defer c.recoverCallback("grace wait", orderID)
	c.runLocked(orderID, func(ctx context.Context, a *attempt, o *order.Order) {
		if a.graceSeq != seq || a.pending != "" {
			return
		}
		c.offerNext(ctx, o, a, true)
	})
}

func (c *Coordinator) onCeiling(orderID types.ID) {
	defer c.recoverCallback("dispatch ceiling", orderID)
	c.runLocked(orderID, func(ctx context.Context, a *attempt, _ *order.Order) {
		c.giveUp(ctx, orderID, a, ReasonDispatchTimeout)
	})
}

// runLocked re-checks a timer's order under its lock before running fn. An
// order that was assigned or closed in the meantime just ends its attempt.
func (c *Coordinator) runLocked(orderID types.ID, fn func(ctx context.Context, a *attempt, o *order.Order)) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	if c.isClosed() {
		return
	}
	a := c.attempt(orderID)
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, callTimeout)
	defer cancel()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		c.log.Error("load order", zap.String("order_id", orderID.String()), zap.Error(err))
		return
	}
	if !dispatchable(o) {
		c.finish(orderID, a, "closed")
		return
	}
	fn(ctx, a, o)
}

// giveUp cancels the order with reason and ends the attempt. Caller holds the order lock.
func (c *Coordinator) giveUp(ctx context.Context, orderID types.ID, a *attempt, reason string) {
	_, err := c.orders.Cancel(ctx, order.CancelCommand{
		OrderID: orderID,
		Actor:   order.SystemActor,
		Reason:  reason,
	})
	switch {
	case err == nil:
		c.log.Info("dispatch gave up", zap.String("order_id", orderID.String()), zap.String("reason", reason))
	case order.IsRejection(err):
		c.log.Debug("order closed before cancel", zap.String("order_id", orderID.String()), zap.Error(err))
	default:
		c.log.Error("cancel order", zap.String("order_id", orderID.String()), zap.Error(err))
		stopTimer(a.ceilingTimer)
		a.ceilingTimer = c.clock.AfterFunc(c.cfg.GraceWait, func() { c.onCeiling(orderID) })
		return
	}
	c.finish(orderID, a, reason)
}

// finish drops the attempt and stops its timers. Caller holds the order lock.
func (c *Coordinator) finish(orderID types.ID, a *attempt, outcome string) {
	a.stop()
	c.mu.Lock()
	if c.attempts[orderID] == a {
		delete(c.attempts, orderID)
	}
	c.mu.Unlock()
	c.record(func(ctx context.Context) error { return c.journal.Finished(ctx, orderID, outcome) })
}

func (c *Coordinator) attempt(orderID types.ID) *attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[orderID]
}

func (c *Coordinator) setAttempt(orderID types.ID, a *attempt) {
	c.mu.Lock()
	c.attempts[orderID] = a
	c.mu.Unlock()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// record writes to the journal in the background.
func (c *Coordinator) record(fn func(ctx context.Context) error) {
	if c.journal == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, journalTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Warn("dispatch journal write", zap.Error(err))
		}
	}()
}

func (c *Coordinator) recoverCallback(what string, orderID types.ID) {
	if r := recover(); r != nil {
		c.log.Error("dispatch callback panicked",
			zap.String("callback", what),
			zap.String("order_id", orderID.String()),
			zap.Any("panic", r))
	}
}

func dispatchable(o *order.Order) bool {
	return o.Status == order.StatusConfirmed && !o.HasDriver()
}
