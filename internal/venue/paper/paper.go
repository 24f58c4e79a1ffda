// Package paper implements an in-memory venue. It can shadow a live venue for
// quotes and funding while simulating fills locally, which makes it suitable
// for dry runs and tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"

	"delta-hedge-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	OpPosition  = "position"
	OpQuote     = "quote"
	OpFunding   = "funding"
	OpPlace     = "place"
	OpCancel    = "cancel"
	OpCancelAll = "cancel_all"
)

type Config struct {
	Name           string
	Rules          map[string]venue.Rules
	DefaultRules   venue.Rules
	Market         bool
	MakerFillRatio float64
	// NoMakerFills leaves resting orders unfilled when they are cancelled.
	NoMakerFills bool
	Balance      float64
	MinBalance   float64
	Leverage     float64
}

type restingOrder struct {
	id  string
	req venue.OrderRequest
}

type injected struct {
	err   error
	count int
}

type Venue struct {
	cfg    Config
	source venue.Adapter
	log    *zap.Logger

	mu        sync.Mutex
	quotes    map[string]venue.Quote
	funding   map[string]float64
	positions map[string]float64
	resting   map[string]restingOrder
	failures  map[string]*injected
	placed    []venue.OrderRequest
	healthy   bool
	auth      bool
	balance   float64
	resets    int
}

func New(cfg Config, log *zap.Logger) *Venue {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.MakerFillRatio <= 0 || cfg.MakerFillRatio > 1 {
		cfg.MakerFillRatio = 1
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 10
	}
	if cfg.Balance <= 0 {
		cfg.Balance = 10_000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Venue{
		cfg:       cfg,
		log:       log,
		quotes:    make(map[string]venue.Quote),
		funding:   make(map[string]float64),
		positions: make(map[string]float64),
		resting:   make(map[string]restingOrder),
		failures:  make(map[string]*injected),
		healthy:   true,
		auth:      true,
		balance:   cfg.Balance,
	}
}

// Shadow makes the venue read quotes and funding from source for instruments
// without a locally set value.
func (v *Venue) Shadow(source venue.Adapter) *Venue {
	v.source = source
	return v
}

func (v *Venue) SetQuote(instrument string, bid, ask float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes[instrument] = venue.Quote{Bid: bid, Ask: ask}
}

func (v *Venue) ClearQuote(instrument string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.quotes, instrument)
}

func (v *Venue) SetFunding(instrument string, rate float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding[instrument] = rate
}

func (v *Venue) SetPosition(instrument string, size float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[instrument] = size
}

func (v *Venue) SetHealthy(ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.healthy = ok
}

func (v *Venue) SetAuthHealthy(ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.auth = ok
}

func (v *Venue) SetBalance(balance float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = balance
}

// Fail makes the next count calls of op return err. A negative count fails
// every call.
func (v *Venue) Fail(op string, err error, count int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = &injected{err: err, count: count}
}

func (v *Venue) Position(instrument string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[instrument]
}

// Orders returns every order request accepted or rejected so far.
func (v *Venue) Orders() []venue.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.OrderRequest, len(v.placed))
	copy(out, v.placed)
	return out
}

func (v *Venue) OpenOrders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.resting)
}

func (v *Venue) Resets() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resets
}

func (v *Venue) Name() string {
	return v.cfg.Name
}

func (v *Venue) Rules(instrument string) venue.Rules {
	if r, ok := v.cfg.Rules[instrument]; ok {
		return r
	}
	if v.cfg.DefaultRules != (venue.Rules{}) {
		return v.cfg.DefaultRules
	}
	if v.source != nil {
		return v.source.Rules(instrument)
	}
	return venue.DefaultRules
}

func (v *Venue) SupportsMarket() bool {
	return v.cfg.Market
}

func (v *Venue) GetPosition(ctx context.Context, instrument string) (venue.Position, error) {
	if err := ctx.Err(); err != nil {
		return venue.Position{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injectedLocked(OpPosition); err != nil {
		return venue.Position{}, err
	}
	return venue.Position{Instrument: instrument, Size: v.positions[instrument], Venue: v.cfg.Name}, nil
}

func (v *Venue) GetBestBidAsk(ctx context.Context, instrument string) (venue.Quote, error) {
	if err := ctx.Err(); err != nil {
		return venue.Quote{}, err
	}
	v.mu.Lock()
	if err := v.injectedLocked(OpQuote); err != nil {
		v.mu.Unlock()
		return venue.Quote{}, err
	}
	q, ok := v.quotes[instrument]
	v.mu.Unlock()
	if ok {
		if !q.Valid() {
			return venue.Quote{}, venue.ErrNoQuote
		}
		return q, nil
	}
	if v.source != nil {
		return v.source.GetBestBidAsk(ctx, instrument)
	}
	return venue.Quote{}, venue.ErrNoQuote
}

func (v *Venue) GetFundingRate(ctx context.Context, instrument string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	if err := v.injectedLocked(OpFunding); err != nil {
		v.mu.Unlock()
		return 0, err
	}
	rate, ok := v.funding[instrument]
	v.mu.Unlock()
	if ok {
		return rate, nil
	}
	if v.source != nil {
		return v.source.GetFundingRate(ctx, instrument)
	}
	return 0, venue.ErrNoFunding
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper: invalid quantity %v", req.Quantity)
	}
	quote, err := v.GetBestBidAsk(ctx, req.Instrument)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	if err := v.injectedLocked(OpPlace); err != nil {
		return "", err
	}
	if !req.ReduceOnly {
		notional := req.Quantity * quote.Mid()
		if notional > v.balance*v.cfg.Leverage {
			return "", venue.ErrInsufficientFunds
		}
	}
	id := uuid.NewString()
	crosses := req.Market ||
		(req.Side.IsBuy() && req.Price >= quote.Ask) ||
		(!req.Side.IsBuy() && req.Price > 0 && req.Price <= quote.Bid)
	switch {
	case req.Market || req.TIF == venue.TifIOC:
		if crosses {
			v.fillLocked(req, req.Quantity)
		}
	case req.TIF == venue.TifALO:
		if crosses {
			return "", venue.ErrPostOnlyRejected
		}
		v.resting[id] = restingOrder{id: id, req: req}
	default:
		if crosses {
			v.fillLocked(req, req.Quantity)
		} else {
			v.resting[id] = restingOrder{id: id, req: req}
		}
	}
	v.log.Debug("paper order",
		zap.String("venue", v.cfg.Name),
		zap.String("instrument", req.Instrument),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Quantity),
		zap.Float64("price", req.Price),
		zap.Bool("market", req.Market),
		zap.String("tif", string(req.TIF)),
	)
	return id, nil
}

// CancelOrder removes a resting order after crediting the simulated maker
// fill for the time it rested.
func (v *Venue) CancelOrder(ctx context.Context, instrument, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injectedLocked(OpCancel); err != nil {
		return false, err
	}
	order, ok := v.resting[orderID]
	if !ok || order.req.Instrument != instrument {
		return false, nil
	}
	v.retireLocked(order)
	return true, nil
}

func (v *Venue) CancelAllOrders(ctx context.Context, instrument string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injectedLocked(OpCancelAll); err != nil {
		return err
	}
	for _, order := range v.resting {
		if order.req.Instrument == instrument {
			v.retireLocked(order)
		}
	}
	return nil
}

func (v *Venue) CheckHealth(ctx context.Context, requiredBalance float64) bool {
	if ctx.Err() != nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.healthy {
		return false
	}
	return v.balance >= math.Max(requiredBalance, v.cfg.MinBalance)
}

func (v *Venue) CheckAuthHealth(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.healthy && v.auth
}

func (v *Venue) Reset(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resets++
	if v.source != nil {
		return v.source.Reset(ctx)
	}
	return nil
}

func (v *Venue) retireLocked(order restingOrder) {
	delete(v.resting, order.id)
	if v.cfg.NoMakerFills {
		return
	}
	rules := v.Rules(order.req.Instrument)
	qty := rules.RoundSize(order.req.Quantity * v.cfg.MakerFillRatio)
	if qty > 0 {
		v.fillLocked(order.req, qty)
	}
}

func (v *Venue) fillLocked(req venue.OrderRequest, qty float64) {
	current := v.positions[req.Instrument]
	if req.ReduceOnly {
		reducing := (req.Side.IsBuy() && current < 0) || (!req.Side.IsBuy() && current > 0)
		if !reducing {
			return
		}
		qty = math.Min(qty, math.Abs(current))
	}
	if req.Side.IsBuy() {
		current += qty
	} else {
		current -= qty
	}
	if math.Abs(current) < 1e-12 {
		current = 0
	}
	v.positions[req.Instrument] = current
}

func (v *Venue) injectedLocked(op string) error {
	f, ok := v.failures[op]
	if !ok || f.count == 0 {
		return nil
	}
	f.count--
	if f.count == 0 {
		delete(v.failures, op)
	}
	return f.err
}

var _ venue.Adapter = (*Venue)(nil)
