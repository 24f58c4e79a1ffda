package venue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const DefaultResetAfter = 3

// Guard wraps an Adapter and counts consecutive transport errors. Once the
// count reaches the threshold the inner adapter is reset and the count starts
// over. Any successful call clears the count.
type Guard struct {
	Adapter

	threshold int
	log       *zap.Logger
	onReset   func()

	mu          sync.Mutex
	consecutive int
}

func NewGuard(inner Adapter, threshold int, log *zap.Logger) *Guard {
	if threshold <= 0 {
		threshold = DefaultResetAfter
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{Adapter: inner, threshold: threshold, log: log}
}

// OnReset registers a hook invoked after every reset attempt.
func (g *Guard) OnReset(fn func()) {
	g.onReset = fn
}

func (g *Guard) ConsecutiveErrors() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutive
}

func (g *Guard) GetPosition(ctx context.Context, instrument string) (Position, error) {
	pos, err := g.Adapter.GetPosition(ctx, instrument)
	g.observe(ctx, "get_position", err)
	return pos, err
}

func (g *Guard) GetBestBidAsk(ctx context.Context, instrument string) (Quote, error) {
	q, err := g.Adapter.GetBestBidAsk(ctx, instrument)
	g.observe(ctx, "get_best_bid_ask", err)
	return q, err
}

func (g *Guard) GetFundingRate(ctx context.Context, instrument string) (float64, error) {
	rate, err := g.Adapter.GetFundingRate(ctx, instrument)
	g.observe(ctx, "get_funding_rate", err)
	return rate, err
}

func (g *Guard) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	id, err := g.Adapter.PlaceOrder(ctx, req)
	g.observe(ctx, "place_order", err)
	return id, err
}

func (g *Guard) CancelOrder(ctx context.Context, instrument, orderID string) (bool, error) {
	ok, err := g.Adapter.CancelOrder(ctx, instrument, orderID)
	g.observe(ctx, "cancel_order", err)
	return ok, err
}

func (g *Guard) CancelAllOrders(ctx context.Context, instrument string) error {
	err := g.Adapter.CancelAllOrders(ctx, instrument)
	g.observe(ctx, "cancel_all_orders", err)
	return err
}

func (g *Guard) CheckAuthHealth(ctx context.Context) bool {
	ok := g.Adapter.CheckAuthHealth(ctx)
	if ok {
		g.observe(ctx, "check_auth_health", nil)
	}
	return ok
}

func (g *Guard) observe(ctx context.Context, op string, err error) {
	if !IsTransport(err) {
		if err == nil {
			g.mu.Lock()
			g.consecutive = 0
			g.mu.Unlock()
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	g.mu.Lock()
	g.consecutive++
	count := g.consecutive
	reset := count >= g.threshold
	if reset {
		g.consecutive = 0
	}
	g.mu.Unlock()
	g.log.Warn("venue transport error",
		zap.String("venue", g.Name()),
		zap.String("op", op),
		zap.Int("consecutive", count),
		zap.Error(err),
	)
	if !reset {
		return
	}
	g.log.Warn("too many transport errors, resetting venue connection", zap.String("venue", g.Name()))
	if resetErr := g.Adapter.Reset(ctx); resetErr != nil {
		g.log.Warn("venue reset failed", zap.String("venue", g.Name()), zap.Error(resetErr))
	}
	if g.onReset != nil {
		g.onReset()
	}
}
