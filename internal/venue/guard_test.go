package venue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type flakyAdapter struct {
	err    error
	resets int
}

func (f *flakyAdapter) Name() string                              { return "flaky" }
func (f *flakyAdapter) Rules(string) Rules                        { return DefaultRules }
func (f *flakyAdapter) SupportsMarket() bool                      { return false }
func (f *flakyAdapter) CheckHealth(context.Context, float64) bool { return true }
func (f *flakyAdapter) CheckAuthHealth(context.Context) bool      { return f.err == nil }
func (f *flakyAdapter) Reset(context.Context) error {
	f.resets++
	return nil
}

func (f *flakyAdapter) GetPosition(_ context.Context, instrument string) (Position, error) {
	return Position{Instrument: instrument}, f.err
}

func (f *flakyAdapter) GetBestBidAsk(context.Context, string) (Quote, error) {
	return Quote{Bid: 1, Ask: 2}, f.err
}

func (f *flakyAdapter) GetFundingRate(context.Context, string) (float64, error) {
	return 0, f.err
}

func (f *flakyAdapter) PlaceOrder(context.Context, OrderRequest) (string, error) {
	return "1", f.err
}

func (f *flakyAdapter) CancelOrder(context.Context, string, string) (bool, error) {
	return f.err == nil, f.err
}

func (f *flakyAdapter) CancelAllOrders(context.Context, string) error {
	return f.err
}

func TestGuardResetsAfterThreshold(t *testing.T) {
	inner := &flakyAdapter{err: errors.New("timeout")}
	g := NewGuard(inner, 3, nil)
	hooks := 0
	g.OnReset(func() { hooks++ })
	ctx := context.Background()

	_, _ = g.GetPosition(ctx, "BTC")
	_, _ = g.GetBestBidAsk(ctx, "BTC")
	require.Equal(t, 2, g.ConsecutiveErrors())
	require.Equal(t, 0, inner.resets)

	_ = g.CancelAllOrders(ctx, "BTC")
	require.Equal(t, 1, inner.resets)
	require.Equal(t, 1, hooks)
	require.Equal(t, 0, g.ConsecutiveErrors())
}

func TestGuardSuccessClearsCount(t *testing.T) {
	inner := &flakyAdapter{err: errors.New("timeout")}
	g := NewGuard(inner, 3, nil)
	ctx := context.Background()

	_, _ = g.GetPosition(ctx, "BTC")
	_, _ = g.GetPosition(ctx, "BTC")
	inner.err = nil
	_, err := g.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	require.Equal(t, 0, g.ConsecutiveErrors())

	inner.err = errors.New("timeout")
	_, _ = g.GetPosition(ctx, "BTC")
	_, _ = g.GetPosition(ctx, "BTC")
	require.Equal(t, 0, inner.resets)
}

func TestGuardIgnoresDomainErrors(t *testing.T) {
	inner := &flakyAdapter{err: ErrPostOnlyRejected}
	g := NewGuard(inner, 2, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = g.PlaceOrder(ctx, OrderRequest{Instrument: "BTC"})
	}
	require.Equal(t, 0, inner.resets)
	require.Equal(t, 0, g.ConsecutiveErrors())
}
