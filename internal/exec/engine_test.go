package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"delta-hedge-bot/internal/clock"
	"delta-hedge-bot/internal/venue"
	"delta-hedge-bot/internal/venue/paper"

	"github.com/stretchr/testify/require"
)

type placedOrder struct {
	at  time.Duration
	req venue.OrderRequest
}

// timedVenue records the clock offset at which each order was submitted.
type timedVenue struct {
	venue.Adapter
	clk   *clock.Fake
	start time.Time

	mu     sync.Mutex
	orders []placedOrder
}

func (v *timedVenue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	v.mu.Lock()
	v.orders = append(v.orders, placedOrder{at: v.clk.Now().Sub(v.start), req: req})
	v.mu.Unlock()
	return v.Adapter.PlaceOrder(ctx, req)
}

func (v *timedVenue) placed() []placedOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]placedOrder(nil), v.orders...)
}

func newHarness(t *testing.T, cfg paper.Config) (*Engine, *paper.Venue, *timedVenue) {
	t.Helper()
	if cfg.DefaultRules == (venue.Rules{}) {
		cfg.DefaultRules = venue.Rules{Tick: 0.01, LotSize: 0.01, MinSize: 0.01}
	}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	p := paper.New(cfg, nil)
	p.SetQuote("BTC", 100, 101)
	tv := &timedVenue{Adapter: p, clk: clk, start: clk.Now()}
	return New(DefaultConfig(), clk, nil, nil), p, tv
}

func TestPatientOpenFillsWithMakerOrders(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1, Timeout: 2 * time.Minute,
	})

	require.True(t, res.OK)
	require.NoError(t, res.Err)
	require.InDelta(t, 1.0, p.Position("BTC"), 1e-9)
	orders := tv.placed()
	require.Len(t, orders, 1)
	require.Equal(t, venue.TifALO, orders[0].req.TIF)
	require.InDelta(t, 100.01, orders[0].req.Price, 1e-9)
	require.False(t, orders[0].req.ReduceOnly)
}

func TestPassiveSellPriceOneTickInsideAsk(t *testing.T) {
	engine, _, tv := newHarness(t, paper.Config{})

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideSell, Target: 0.5, Timeout: time.Minute,
	})

	require.True(t, res.OK)
	orders := tv.placed()
	require.NotEmpty(t, orders)
	require.Equal(t, venue.SideSell, orders[0].req.Side)
	require.InDelta(t, 100.99, orders[0].req.Price, 1e-9)
}

func TestPatientOpenEscalatesAtThirtySeconds(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{NoMakerFills: true})

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1, Timeout: 2 * time.Minute,
	})

	require.True(t, res.OK)
	require.InDelta(t, 1.0, p.Position("BTC"), 1e-9)
	assertEscalation(t, tv.placed(), 30*time.Second)

	last := tv.placed()[len(tv.placed())-1]
	require.Equal(t, venue.TifIOC, last.req.TIF)
	require.InDelta(t, 106.05, last.req.Price, 1e-9)
}

func TestAggressiveOpenEscalatesAtTenSeconds(t *testing.T) {
	engine, _, tv := newHarness(t, paper.Config{NoMakerFills: true})

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideSell, Target: 1, Aggressive: true, Timeout: 45 * time.Second,
	})

	require.True(t, res.OK)
	assertEscalation(t, tv.placed(), 10*time.Second)
	last := tv.placed()[len(tv.placed())-1]
	require.InDelta(t, 95.0, last.req.Price, 1e-9)
}

func assertEscalation(t *testing.T, orders []placedOrder, threshold time.Duration) {
	t.Helper()
	var sawMaker, sawTaker bool
	for _, o := range orders {
		if o.at < threshold {
			require.Equal(t, venue.TifALO, o.req.TIF, "order at %s should be passive", o.at)
			sawMaker = true
		} else {
			require.Equal(t, venue.TifIOC, o.req.TIF, "order at %s should be taker", o.at)
			sawTaker = true
		}
	}
	require.True(t, sawMaker)
	require.True(t, sawTaker)
}

func TestCloseDerivesSideFromPositionAndUsesMarket(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{NoMakerFills: true, Market: true})
	p.SetPosition("BTC", 0.5)

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Close: true,
	})

	require.True(t, res.OK)
	require.Zero(t, p.Position("BTC"))
	orders := tv.placed()
	for _, o := range orders {
		require.Equal(t, venue.SideSell, o.req.Side)
		require.True(t, o.req.ReduceOnly)
	}
	last := orders[len(orders)-1]
	require.True(t, last.req.Market)
	require.GreaterOrEqual(t, last.at, 10*time.Second)
}

func TestCloseAlreadyFlatPlacesNothing(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})
	p.SetPosition("BTC", 0.004)

	res := engine.Converge(context.Background(), Request{Venue: tv, Instrument: "BTC", Close: true})

	require.True(t, res.OK)
	require.Empty(t, tv.placed())
}

func TestCloseDustBelowMinSizeIsSuccess(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{DefaultRules: venue.Rules{Tick: 0.01, LotSize: 0.001, MinSize: 0.001}})
	p.SetPosition("BTC", 0.0009)

	res := engine.Converge(context.Background(), Request{Venue: tv, Instrument: "BTC", Close: true})

	require.True(t, res.OK)
	require.Empty(t, tv.placed())
}

func TestOpenFailsWhenRemainderBelowLot(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 0.006, Aggressive: true, Timeout: 45 * time.Second,
	})

	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, ErrBelowLot)
	require.Zero(t, res.Filled)
	require.Empty(t, tv.placed())
	require.Zero(t, p.Position("BTC"))
}

func TestCloseLeavesOnlySubLotRemainder(t *testing.T) {
	rules := venue.Rules{Tick: 0.01, LotSize: 0.01, MinSize: 0.001}
	engine, p, tv := newHarness(t, paper.Config{DefaultRules: rules})
	p.SetPosition("BTC", 0.015)

	res := engine.Converge(context.Background(), Request{Venue: tv, Instrument: "BTC", Close: true})

	require.True(t, res.OK)
	require.NotEmpty(t, tv.placed())
	require.InDelta(t, 0.005, p.Position("BTC"), 1e-9)
	require.True(t, rules.IsFlat(p.Position("BTC")))
}

func TestOpenTimesOutWithoutTaker(t *testing.T) {
	engine, _, tv := newHarness(t, paper.Config{NoMakerFills: true})

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1, Timeout: 20 * time.Second,
	})

	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, ErrTimeout)
	for _, o := range tv.placed() {
		require.Equal(t, venue.TifALO, o.req.TIF)
	}
}

func TestInsufficientFundsStopsImmediately(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})
	p.SetBalance(1)

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1, Timeout: time.Minute,
	})

	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, venue.ErrInsufficientFunds)
	require.Len(t, tv.placed(), 1)
}

func TestPostOnlyRejectRetries(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})
	p.Fail(paper.OpPlace, venue.ErrPostOnlyRejected, 2)

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1, Timeout: time.Minute,
	})

	require.True(t, res.OK)
	require.Len(t, tv.placed(), 3)
}

func TestMissingQuoteRetries(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})
	p.Fail(paper.OpQuote, venue.ErrNoQuote, 6)

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1, Timeout: time.Minute,
	})

	require.True(t, res.OK)
	require.Len(t, tv.placed(), 1)
}

func TestTransportErrorsRetry(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})
	p.Fail(paper.OpPosition, errors.New("connection reset"), 2)

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1, Timeout: time.Minute,
	})

	require.True(t, res.OK)
}

func TestQuantityRoundedDownToLot(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})

	res := engine.Converge(context.Background(), Request{
		Venue: tv, Instrument: "BTC", Side: venue.SideBuy, Target: 1.2389, Timeout: time.Minute,
	})

	require.True(t, res.OK)
	require.InDelta(t, 1.23, tv.placed()[0].req.Quantity, 1e-9)
	require.InDelta(t, 1.23, p.Position("BTC"), 1e-9)
}

func TestCloseRunsUntilContextDone(t *testing.T) {
	engine, p, tv := newHarness(t, paper.Config{})
	p.SetPosition("BTC", -1)
	p.Fail(paper.OpQuote, venue.ErrNoQuote, -1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := engine.Converge(ctx, Request{Venue: tv, Instrument: "BTC", Close: true, Timeout: time.Second})

	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.InDelta(t, 1.0, res.Filled, 1e-9)
}
