// README: Dispatch coordinator tests driven by a fake clock and in-memory collaborators.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"eats/internal/clock"
	"eats/internal/config"
	"eats/internal/modules/driver"
	"eats/internal/modules/order"
	"eats/internal/modules/presence"
	"eats/internal/types"
)

var testCfg = config.DispatchConfig{
	OfferTimeout: 5 * time.Minute,
	GraceWait:    5 * time.Minute,
	Ceiling:      30 * time.Minute,
}

type sentOffer struct {
	OrderID  types.ID
	DriverID types.ID
}

// fakeChannel records offers and refuses drivers marked offline.
type fakeChannel struct {
	mu       sync.Mutex
	offline  map[types.ID]bool
	offers   []sentOffer
	ended    []sentOffer
	assigned []types.ID
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{offline: make(map[types.ID]bool)}
}

func (f *fakeChannel) Offer(_ context.Context, driverID types.ID, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[driverID] {
		return presence.ErrNotConnected
	}
	f.offers = append(f.offers, sentOffer{OrderID: o.ID, DriverID: driverID})
	return nil
}

func (f *fakeChannel) OfferEnded(orderID, driverID types.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sentOffer{OrderID: orderID, DriverID: driverID})
}

func (f *fakeChannel) Assigned(_ context.Context, o *order.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, o.ID)
}

func (f *fakeChannel) setOffline(id types.ID, offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[id] = offline
}

func (f *fakeChannel) offeredTo(orderID types.ID) []types.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []types.ID
	for _, o := range f.offers {
		if o.OrderID == orderID {
			ids = append(ids, o.DriverID)
		}
	}
	return ids
}

// flakyOrders fails Get while failGet is set.
type flakyOrders struct {
	*order.Service
	failGet atomic.Bool
}

var errStoreDown = errors.New("store down")

func (f *flakyOrders) Get(ctx context.Context, id types.ID) (*order.Order, error) {
	if f.failGet.Load() {
		return nil, errStoreDown
	}
	return f.Service.Get(ctx, id)
}

type fixture struct {
	clock   *clock.Fake
	store   *order.MemoryStore
	orders  *order.Service
	flaky   *flakyOrders
	roster  *driver.MemoryRoster
	channel *fakeChannel
	coord   *Coordinator
}

func newFixture(t *testing.T, cfg config.DispatchConfig, drivers ...types.ID) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		clock:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		store:   order.NewMemoryStore(),
		roster:  driver.NewMemoryRoster(drivers...),
		channel: newFakeChannel(),
	}
	f.orders = order.NewService(f.store, nil, f.clock, log)
	f.flaky = &flakyOrders{Service: f.orders}
	f.coord = NewCoordinator(Deps{
		Orders:  f.flaky,
		Drivers: driver.NewDirectory(f.roster, f.orders),
		Channel: f.channel,
		Clock:   f.clock,
		Log:     log,
	}, cfg)
	t.Cleanup(f.coord.Close)
	return f
}

// confirmedOrder stores a CONFIRMED order with the given id.
func (f *fixture) confirmedOrder(t *testing.T, id types.ID) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.store.Create(context.Background(), &order.Order{
		ID:           id,
		CustomerID:   "c1",
		RestaurantID: "r1",
		Status:       order.StatusConfirmed,
		Subtotal:     types.NewMoney(2500, ""),
		DeliveryFee:  types.NewMoney(399, ""),
		Discount:     types.NewMoney(500, ""),
		Total:        types.NewMoney(2399, ""),
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
}

func (f *fixture) load(t *testing.T, id types.ID) *order.Order {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.CheckInvariants())
	return o
}

func TestDispatch_DeclineThenAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "9", "7")
	f.confirmedOrder(t, "42")

	require.NoError(t, f.coord.Dispatch(ctx, "42"))
	assert.Equal(t, []types.ID{"7"}, f.channel.offeredTo("42"))

	require.NoError(t, f.coord.Decline(ctx, "42", "7"))
	assert.Equal(t, []types.ID{"7", "9"}, f.channel.offeredTo("42"))
	snap, ok := f.coord.Snapshot("42")
	require.True(t, ok)
	assert.Equal(t, types.ID("9"), snap.Pending)
	assert.Equal(t, []types.ID{"7"}, snap.Declined)

	o, err := f.coord.Accept(ctx, "42", "9")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPreparing, o.Status)
	require.NotNil(t, o.DriverID)
	assert.Equal(t, types.ID("9"), *o.DriverID)

	_, ok = f.coord.Snapshot("42")
	assert.False(t, ok, "attempt set must be cleared on assignment")
	assert.Equal(t, []types.ID{"42"}, f.channel.assigned)
	assert.Equal(t, 0, f.clock.Pending())

	stored := f.load(t, "42")
	assert.Equal(t, order.StatusPreparing, stored.Status)
	assert.Equal(t, types.ID("9"), *stored.DriverID)

	// Nothing left to fire.
	f.clock.Advance(time.Hour)
	assert.Equal(t, order.StatusPreparing, f.load(t, "42").Status)
}

func TestDispatch_TimeoutThenNoDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "3")
	f.confirmedOrder(t, "43")

	require.NoError(t, f.coord.Dispatch(ctx, "43"))
	assert.Equal(t, []types.ID{"3"}, f.channel.offeredTo("43"))

	f.clock.Advance(testCfg.OfferTimeout)
	snap, ok := f.coord.Snapshot("43")
	require.True(t, ok)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, []types.ID{"3"}, snap.Declined)
	assert.Equal(t, order.StatusConfirmed, f.load(t, "43").Status)

	f.clock.Advance(testCfg.GraceWait)
	o := f.load(t, "43")
	assert.Equal(t, order.StatusCancelled, o.Status)
	require.NotNil(t, o.CancelReason)
	assert.Equal(t, ReasonNoDriverAvailable, *o.CancelReason)
	assert.Nil(t, o.DriverID)
	assert.Equal(t, []types.ID{"3"}, f.channel.offeredTo("43"))
	assert.Equal(t, 0, f.coord.Active())
	assert.Equal(t, 0, f.clock.Pending())
}

func TestDispatch_DeclinedDriverNeverOfferedAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "1", "2", "3")
	f.confirmedOrder(t, "50")

	require.NoError(t, f.coord.Dispatch(ctx, "50"))
	require.NoError(t, f.coord.Decline(ctx, "50", "1"))
	require.NoError(t, f.coord.Decline(ctx, "50", "2"))
	f.clock.Advance(testCfg.OfferTimeout)
	f.clock.Advance(testCfg.GraceWait)

	assert.Equal(t, []types.ID{"1", "2", "3"}, f.channel.offeredTo("50"))
	o := f.load(t, "50")
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, ReasonNoDriverAvailable, *o.CancelReason)
}

func TestDispatch_TimeoutActsLikeDecline(t *testing.T) {
	ctx := context.Background()

	declined := newFixture(t, testCfg, "7", "9")
	declined.confirmedOrder(t, "60")
	require.NoError(t, declined.coord.Dispatch(ctx, "60"))
	require.NoError(t, declined.coord.Decline(ctx, "60", "7"))

	timedOut := newFixture(t, testCfg, "7", "9")
	timedOut.confirmedOrder(t, "60")
	require.NoError(t, timedOut.coord.Dispatch(ctx, "60"))
	timedOut.clock.Advance(testCfg.OfferTimeout)

	assert.Equal(t, declined.channel.offeredTo("60"), timedOut.channel.offeredTo("60"))
	a, _ := declined.coord.Snapshot("60")
	b, _ := timedOut.coord.Snapshot("60")
	assert.Equal(t, a.Pending, b.Pending)
	assert.Equal(t, a.Declined, b.Declined)
}

func TestDispatch_StaleTimeoutIgnoredAfterDecline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "61")

	require.NoError(t, f.coord.Dispatch(ctx, "61"))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.coord.Decline(ctx, "61", "7"))

	// The first offer's deadline passes; driver 9 keeps its offer.
	f.clock.Advance(2 * time.Minute)
	pending, ok := f.coord.PendingDriver("61")
	require.True(t, ok)
	assert.Equal(t, types.ID("9"), pending)
}

func TestDispatch_ConcurrentAccepts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "70")
	require.NoError(t, f.coord.Dispatch(ctx, "70"))

	const n = 20
	start := make(chan struct{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []types.ID
		losers  int
	)
	for i := 0; i < n; i++ {
		driverID := types.ID("7")
		if i%2 == 1 {
			driverID = "9"
		}
		wg.Add(1)
		go func(driverID types.ID) {
			defer wg.Done()
			<-start
			_, err := f.coord.Accept(ctx, "70", driverID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, driverID)
			case errors.Is(err, ErrOrderNoLongerAvailable):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(driverID)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)
	o := f.load(t, "70")
	assert.Equal(t, order.StatusPreparing, o.Status)
	assert.Equal(t, winners[0], *o.DriverID)
	assert.Equal(t, 0, f.coord.locks.size())
}

func TestDispatch_AcceptFromNonPendingDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "71")
	require.NoError(t, f.coord.Dispatch(ctx, "71"))

	_, err := f.coord.Accept(ctx, "71", "9")
	assert.ErrorIs(t, err, ErrOrderNoLongerAvailable)
	assert.Equal(t, order.StatusConfirmed, f.load(t, "71").Status)

	assert.ErrorIs(t, f.coord.Decline(ctx, "71", "9"), ErrOfferNotFound)
	assert.ErrorIs(t, f.coord.Decline(ctx, "404", "9"), ErrOfferNotFound)
}

func TestDispatch_EmptyAtStartThenGraceCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg)
	f.confirmedOrder(t, "80")

	require.NoError(t, f.coord.Dispatch(ctx, "80"))
	assert.Empty(t, f.channel.offeredTo("80"))
	assert.Equal(t, order.StatusConfirmed, f.load(t, "80").Status)

	f.clock.Advance(testCfg.GraceWait)
	o := f.load(t, "80")
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, ReasonNoDriverAvailable, *o.CancelReason)
	assert.Nil(t, o.DriverID)
}

func TestDispatch_DriverFreesUpDuringGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg)
	f.confirmedOrder(t, "81")

	require.NoError(t, f.coord.Dispatch(ctx, "81"))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.roster.Add(ctx, "5"))
	f.clock.Advance(time.Minute)

	assert.Equal(t, []types.ID{"5"}, f.channel.offeredTo("81"))
	assert.Equal(t, order.StatusConfirmed, f.load(t, "81").Status)
}

func TestDispatch_CeilingCancels(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg
	cfg.Ceiling = 12 * time.Minute
	f := newFixture(t, cfg, "1", "2", "3", "4", "5")
	f.confirmedOrder(t, "90")

	require.NoError(t, f.coord.Dispatch(ctx, "90"))
	f.clock.Advance(cfg.Ceiling)

	assert.Equal(t, []types.ID{"1", "2", "3"}, f.channel.offeredTo("90"))
	o := f.load(t, "90")
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, ReasonDispatchTimeout, *o.CancelReason)

	_, err := f.coord.Accept(ctx, "90", "3")
	assert.ErrorIs(t, err, ErrOrderNoLongerAvailable)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestDispatch_UnreachableDriverSkippedNotDeclined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.channel.setOffline("7", true)
	f.confirmedOrder(t, "100")

	require.NoError(t, f.coord.Dispatch(ctx, "100"))
	assert.Equal(t, []types.ID{"9"}, f.channel.offeredTo("100"))
	snap, _ := f.coord.Snapshot("100")
	assert.Empty(t, snap.Declined)

	f.channel.setOffline("7", false)
	require.NoError(t, f.coord.Decline(ctx, "100", "9"))
	assert.Equal(t, []types.ID{"9", "7"}, f.channel.offeredTo("100"))
}

func TestDispatch_AllUnreachableWaitsGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7")
	f.channel.setOffline("7", true)
	f.confirmedOrder(t, "101")

	require.NoError(t, f.coord.Dispatch(ctx, "101"))
	f.channel.setOffline("7", false)
	f.clock.Advance(testCfg.GraceWait)

	assert.Equal(t, []types.ID{"7"}, f.channel.offeredTo("101"))
}

func TestDispatch_BusyDriverExcluded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "110")
	f.confirmedOrder(t, "111")

	require.NoError(t, f.coord.Dispatch(ctx, "110"))
	_, err := f.coord.Accept(ctx, "110", "7")
	require.NoError(t, err)

	require.NoError(t, f.coord.Dispatch(ctx, "111"))
	assert.Equal(t, []types.ID{"9"}, f.channel.offeredTo("111"))
}

func TestDispatch_DriverCannotTakeTwoOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "200")
	f.confirmedOrder(t, "201")

	require.NoError(t, f.coord.Dispatch(ctx, "200"))
	require.NoError(t, f.coord.Dispatch(ctx, "201"))
	assert.Equal(t, []types.ID{"7"}, f.channel.offeredTo("200"))
	assert.Equal(t, []types.ID{"7"}, f.channel.offeredTo("201"))

	_, err := f.coord.Accept(ctx, "200", "7")
	require.NoError(t, err)
	_, err = f.coord.Accept(ctx, "201", "7")
	assert.ErrorIs(t, err, ErrOrderNoLongerAvailable)

	o := f.load(t, "201")
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Nil(t, o.DriverID)
	assert.Equal(t, []types.ID{"7", "9"}, f.channel.offeredTo("201"))
	snap, ok := f.coord.Snapshot("201")
	require.True(t, ok)
	assert.Equal(t, types.ID("9"), snap.Pending)
	assert.Empty(t, snap.Declined, "a busy driver is not a decline")

	o, err = f.coord.Accept(ctx, "201", "9")
	require.NoError(t, err)
	assert.Equal(t, types.ID("9"), *o.DriverID)
}

func TestDispatch_ConcurrentAcceptsBySameDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7")
	ids := []types.ID{"210", "211", "212", "213"}
	for _, id := range ids {
		f.confirmedOrder(t, id)
		require.NoError(t, f.coord.Dispatch(ctx, id))
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	var won atomic.Int32
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			if _, err := f.coord.Accept(ctx, id, "7"); err == nil {
				won.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrOrderNoLongerAvailable)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	preparing := 0
	for _, id := range ids {
		if f.load(t, id).Status == order.StatusPreparing {
			preparing++
		}
	}
	assert.Equal(t, 1, preparing)
}

func TestDispatch_DeclineWithStoreDownRetriesAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "220")
	require.NoError(t, f.coord.Dispatch(ctx, "220"))

	f.flaky.failGet.Store(true)
	assert.ErrorIs(t, f.coord.Decline(ctx, "220", "7"), errStoreDown)
	snap, ok := f.coord.Snapshot("220")
	require.True(t, ok)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, []types.ID{"7"}, f.channel.offeredTo("220"))

	f.flaky.failGet.Store(false)
	f.clock.Advance(testCfg.GraceWait)
	assert.Equal(t, []types.ID{"7", "9"}, f.channel.offeredTo("220"))
	assert.Equal(t, order.StatusConfirmed, f.load(t, "220").Status)
}

func TestDispatch_EndedOffersReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "230")
	require.NoError(t, f.coord.Dispatch(ctx, "230"))

	require.NoError(t, f.coord.Decline(ctx, "230", "7"))
	f.clock.Advance(testCfg.OfferTimeout)

	f.channel.mu.Lock()
	defer f.channel.mu.Unlock()
	assert.Equal(t, []sentOffer{{"230", "7"}, {"230", "9"}}, f.channel.ended)
}

func TestDispatch_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7")
	f.confirmedOrder(t, "120")

	require.NoError(t, f.coord.Dispatch(ctx, "120"))
	require.NoError(t, f.coord.Dispatch(ctx, "120"))
	assert.Equal(t, []types.ID{"7"}, f.channel.offeredTo("120"))

	_, err := f.coord.Accept(ctx, "120", "7")
	require.NoError(t, err)
	require.NoError(t, f.coord.Dispatch(ctx, "120"))
	assert.Equal(t, 0, f.coord.Active())

	assert.ErrorIs(t, f.coord.Dispatch(ctx, "404"), order.ErrNotFound)
}

func TestDispatch_PendingOrderIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7")
	require.NoError(t, f.store.Create(ctx, &order.Order{
		ID: "130", CustomerID: "c1", RestaurantID: "r1", Status: order.StatusPending,
	}))

	require.NoError(t, f.coord.Dispatch(ctx, "130"))
	assert.Empty(t, f.channel.offeredTo("130"))
	assert.Equal(t, 0, f.coord.Active())
}

func TestDispatch_AcceptAfterCustomerCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7")
	f.confirmedOrder(t, "140")
	require.NoError(t, f.coord.Dispatch(ctx, "140"))

	_, err := f.orders.Cancel(ctx, order.CancelCommand{
		OrderID: "140",
		Actor:   order.Actor{Type: order.ActorCustomer, ID: "c1"},
	})
	require.NoError(t, err)

	_, err = f.coord.Accept(ctx, "140", "7")
	assert.ErrorIs(t, err, ErrOrderNoLongerAvailable)
	o := f.load(t, "140")
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Nil(t, o.DriverID)
	assert.Equal(t, 0, f.coord.Active())
}

func TestDispatch_TimersAfterExternalCancelAreNoops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7", "9")
	f.confirmedOrder(t, "150")
	require.NoError(t, f.coord.Dispatch(ctx, "150"))

	_, err := f.orders.Cancel(ctx, order.CancelCommand{
		OrderID: "150",
		Actor:   order.Actor{Type: order.ActorRestaurant, ID: "r1"},
	})
	require.NoError(t, err)

	f.clock.Advance(testCfg.Ceiling)
	assert.Equal(t, []types.ID{"7"}, f.channel.offeredTo("150"))
	o := f.load(t, "150")
	assert.Equal(t, order.ReasonRestaurantCancelled, *o.CancelReason)
	assert.Equal(t, 0, f.coord.Active())
}

func TestCoordinator_Close(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCfg, "7")
	f.confirmedOrder(t, "160")
	f.confirmedOrder(t, "161")
	require.NoError(t, f.coord.Dispatch(ctx, "160"))

	f.coord.Close()
	assert.Equal(t, 0, f.clock.Pending())
	assert.ErrorIs(t, f.coord.Dispatch(ctx, "161"), ErrClosed)
	assert.Equal(t, order.StatusConfirmed, f.load(t, "160").Status)
}

func TestByID(t *testing.T) {
	assert.Equal(t, []types.ID{"2", "9", "10"}, ByID([]types.ID{"10", "2", "9"}))
}
