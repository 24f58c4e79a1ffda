package venue

import (
	"context"
	"errors"
	"math"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) IsBuy() bool {
	return s == SideBuy
}

// CloseSide returns the side that reduces a position of the given signed size.
func CloseSide(size float64) Side {
	if size > 0 {
		return SideSell
	}
	return SideBuy
}

type TimeInForce string

const (
	TifALO TimeInForce = "ALO"
	TifIOC TimeInForce = "IOC"
	TifGTC TimeInForce = "GTC"
)

var (
	ErrNoQuote           = errors.New("no quote available")
	ErrNoFunding         = errors.New("funding rate unavailable")
	ErrPostOnlyRejected  = errors.New("post-only order would cross")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownInstrument = errors.New("unknown instrument")
)

type Position struct {
	Instrument string
	Size       float64
	Venue      string
}

func (p Position) Abs() float64 {
	return math.Abs(p.Size)
}

type Quote struct {
	Bid float64
	Ask float64
}

func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

type OrderRequest struct {
	Instrument string
	Side       Side
	Quantity   float64
	Price      float64
	ReduceOnly bool
	TIF        TimeInForce
	Market     bool
	ClientID   string
}

// Adapter is the venue surface consumed by the strategy core. Implementations
// return ErrNoQuote, ErrNoFunding, ErrPostOnlyRejected and ErrInsufficientFunds
// (possibly wrapped) for the matching conditions; every other error is treated
// as a transport failure.
type Adapter interface {
	Name() string
	Rules(instrument string) Rules
	SupportsMarket() bool
	GetPosition(ctx context.Context, instrument string) (Position, error)
	GetBestBidAsk(ctx context.Context, instrument string) (Quote, error)
	GetFundingRate(ctx context.Context, instrument string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, instrument, orderID string) (bool, error)
	CancelAllOrders(ctx context.Context, instrument string) error
	CheckHealth(ctx context.Context, requiredBalance float64) bool
	CheckAuthHealth(ctx context.Context) bool
	Reset(ctx context.Context) error
}

// IsTransport reports whether err should count toward the consecutive
// transport error threshold.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNoQuote),
		errors.Is(err, ErrNoFunding),
		errors.Is(err, ErrPostOnlyRejected),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrUnknownInstrument):
		return false
	}
	return true
}
