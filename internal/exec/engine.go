package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"delta-hedge-bot/internal/clock"
	"delta-hedge-bot/internal/metrics"
	"delta-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

var (
	ErrTimeout  = errors.New("converge timed out")
	ErrBelowLot = errors.New("remaining size below lot size")
)

type Config struct {
	FillRatio            float64
	TakerAfterAggressive time.Duration
	TakerAfterPatient    time.Duration
	TakerSlippage        float64
	PassiveWait          time.Duration
	AggressiveWait       time.Duration
	Cooldown             time.Duration
	SettlePause          time.Duration
	RejectBackoff        time.Duration
	QuoteBackoff         time.Duration
	ErrorBackoff         time.Duration
	QuoteWarnEvery       int
}

func DefaultConfig() Config {
	return Config{
		FillRatio:            0.98,
		TakerAfterAggressive: 10 * time.Second,
		TakerAfterPatient:    30 * time.Second,
		TakerSlippage:        0.05,
		PassiveWait:          5 * time.Second,
		AggressiveWait:       time.Second,
		Cooldown:             time.Second,
		SettlePause:          500 * time.Millisecond,
		RejectBackoff:        500 * time.Millisecond,
		QuoteBackoff:         time.Second,
		ErrorBackoff:         time.Second,
		QuoteWarnEvery:       5,
	}
}

// Request asks the engine to move the position of Instrument on Venue to a
// target. In close mode the target is flat and Side is ignored; the side is
// re-derived from the live position every iteration.
type Request struct {
	Venue      venue.Adapter
	Instrument string
	Side       venue.Side
	Target     float64
	Close      bool
	Aggressive bool
	Timeout    time.Duration
}

type Result struct {
	OK      bool
	Filled  float64
	Elapsed time.Duration
	Err     error
}

type Engine struct {
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(cfg Config, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QuoteWarnEvery <= 0 {
		cfg.QuoteWarnEvery = 5
	}
	if cfg.FillRatio <= 0 || cfg.FillRatio > 1 {
		cfg.FillRatio = 0.98
	}
	return &Engine{cfg: cfg, clock: clk, metrics: m, log: log}
}

// Converge runs the maker-then-taker loop until the request is satisfied, an
// open times out, the venue reports insufficient funds, or ctx is done.
func (e *Engine) Converge(ctx context.Context, req Request) Result {
	mode := "open"
	if req.Close {
		mode = "close"
	}
	log := e.log.With(
		zap.String("venue", req.Venue.Name()),
		zap.String("instrument", req.Instrument),
		zap.String("mode", mode),
	)
	rules := req.Venue.Rules(req.Instrument)
	start := e.clock.Now()
	var filled float64
	quoteMisses := 0

	result := func(ok bool, err error) Result {
		return Result{OK: ok, Filled: filled, Elapsed: e.clock.Now().Sub(start), Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return result(false, err)
		}
		if !req.Close && req.Timeout > 0 && e.clock.Now().Sub(start) > req.Timeout {
			return result(false, fmt.Errorf("%s %s: %w", req.Venue.Name(), req.Instrument, ErrTimeout))
		}
		if err := req.Venue.CancelAllOrders(ctx, req.Instrument); err != nil && ctx.Err() == nil {
			log.Warn("cancel all failed", zap.Error(err))
		}
		if err := e.clock.Sleep(ctx, e.cfg.SettlePause); err != nil {
			return result(false, err)
		}
		pos, err := req.Venue.GetPosition(ctx, req.Instrument)
		if err != nil {
			if ctx.Err() != nil {
				return result(false, ctx.Err())
			}
			log.Warn("position read failed", zap.Error(err))
			if err := e.clock.Sleep(ctx, e.cfg.ErrorBackoff); err != nil {
				return result(false, err)
			}
			continue
		}
		elapsed := e.clock.Now().Sub(start)

		side := req.Side
		var remaining float64
		if req.Close {
			filled = pos.Abs()
			if rules.IsFlat(pos.Size) {
				log.Info("position closed", zap.Duration("elapsed", elapsed))
				return result(true, nil)
			}
			side = venue.CloseSide(pos.Size)
			remaining = pos.Abs()
		} else {
			filled = pos.Abs()
			if filled >= req.Target*e.cfg.FillRatio {
				log.Info("target filled",
					zap.Float64("filled", filled),
					zap.Float64("target", req.Target),
					zap.Duration("elapsed", elapsed),
				)
				return result(true, nil)
			}
			if req.Timeout > 0 && elapsed > req.Timeout {
				log.Warn("open timed out",
					zap.Float64("filled", filled),
					zap.Float64("target", req.Target),
				)
				return result(false, fmt.Errorf("%s %s after %s: %w", req.Venue.Name(), req.Instrument, elapsed, ErrTimeout))
			}
			remaining = req.Target - filled
		}

		// The target is unmet here, so an untradable remainder is a failure.
		qty := rules.RoundSize(remaining)
		if qty <= 0 {
			log.Warn("remaining size not tradable",
				zap.Float64("remaining", remaining),
				zap.Float64("lot", rules.LotSize),
			)
			return result(false, fmt.Errorf("%s %s: %.8f: %w", req.Venue.Name(), req.Instrument, remaining, ErrBelowLot))
		}

		quote, err := req.Venue.GetBestBidAsk(ctx, req.Instrument)
		if err != nil {
			if ctx.Err() != nil {
				return result(false, ctx.Err())
			}
			backoff := e.cfg.ErrorBackoff
			if errors.Is(err, venue.ErrNoQuote) {
				quoteMisses++
				if quoteMisses%e.cfg.QuoteWarnEvery == 0 {
					log.Warn("no quote available", zap.Int("attempts", quoteMisses))
				}
				backoff = e.cfg.QuoteBackoff
			} else {
				log.Warn("quote read failed", zap.Error(err))
			}
			if err := e.clock.Sleep(ctx, backoff); err != nil {
				return result(false, err)
			}
			continue
		}
		quoteMisses = 0

		aggressive := elapsed >= e.takerThreshold(req)
		order := e.buildOrder(req, rules, side, qty, quote, aggressive)
		orderID, err := req.Venue.PlaceOrder(ctx, order)
		if err != nil {
			if ctx.Err() != nil {
				return result(false, ctx.Err())
			}
			switch {
			case errors.Is(err, venue.ErrPostOnlyRejected):
				log.Debug("post-only rejected", zap.Float64("price", order.Price))
				if err := e.clock.Sleep(ctx, e.cfg.RejectBackoff); err != nil {
					return result(false, err)
				}
			case errors.Is(err, venue.ErrInsufficientFunds):
				e.metrics.OrdersFailed.Inc()
				log.Error("insufficient funds", zap.Float64("qty", qty), zap.Error(err))
				return result(false, err)
			default:
				e.metrics.OrdersFailed.Inc()
				log.Warn("order placement failed", zap.Error(err))
				if err := e.clock.Sleep(ctx, e.cfg.ErrorBackoff); err != nil {
					return result(false, err)
				}
			}
			continue
		}
		if orderID == "" {
			log.Warn("order accepted without id")
			if err := e.clock.Sleep(ctx, e.cfg.ErrorBackoff); err != nil {
				return result(false, err)
			}
			continue
		}
		e.metrics.OrdersPlaced.Inc()
		log.Debug("order placed",
			zap.String("order_id", orderID),
			zap.String("side", string(order.Side)),
			zap.Float64("qty", order.Quantity),
			zap.Float64("price", order.Price),
			zap.Bool("taker", aggressive),
		)

		wait := e.cfg.PassiveWait
		if aggressive {
			wait = e.cfg.AggressiveWait
		}
		if err := e.clock.Sleep(ctx, wait); err != nil {
			e.cancelDetached(req, orderID, log)
			return result(false, err)
		}
		if _, err := req.Venue.CancelOrder(ctx, req.Instrument, orderID); err != nil && ctx.Err() == nil {
			log.Debug("cancel failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if err := e.clock.Sleep(ctx, e.cfg.Cooldown); err != nil {
			return result(false, err)
		}
	}
}

func (e *Engine) takerThreshold(req Request) time.Duration {
	if req.Close || req.Aggressive {
		return e.cfg.TakerAfterAggressive
	}
	return e.cfg.TakerAfterPatient
}

func (e *Engine) buildOrder(req Request, rules venue.Rules, side venue.Side, qty float64, q venue.Quote, aggressive bool) venue.OrderRequest {
	order := venue.OrderRequest{
		Instrument: req.Instrument,
		Side:       side,
		Quantity:   qty,
		ReduceOnly: req.Close,
	}
	if aggressive {
		order.TIF = venue.TifIOC
		if req.Venue.SupportsMarket() {
			order.Market = true
			return order
		}
		if side.IsBuy() {
			order.Price = rules.CeilPrice(q.Ask * (1 + e.cfg.TakerSlippage))
		} else {
			order.Price = rules.RoundPrice(q.Bid * (1 - e.cfg.TakerSlippage))
		}
		return order
	}
	order.TIF = venue.TifALO
	if side.IsBuy() {
		order.Price = math.Min(rules.OffsetTicks(q.Bid, 1), rules.OffsetTicks(q.Ask, -1))
	} else {
		order.Price = math.Max(rules.OffsetTicks(q.Ask, -1), rules.OffsetTicks(q.Bid, 1))
	}
	return order
}

// cancelDetached makes a last cancel attempt for an order left resting when
// ctx ended mid-wait.
func (e *Engine) cancelDetached(req Request, orderID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := req.Venue.CancelOrder(ctx, req.Instrument, orderID); err != nil {
		log.Warn("cancel after shutdown failed", zap.String("order_id", orderID), zap.Error(err))
	}
}
