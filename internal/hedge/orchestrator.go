// Package hedge opens a delta-neutral pair: the primary leg first, then the
// hedge sized to what the primary actually filled, rolling the primary back
// if the hedge cannot be completed.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"delta-hedge-bot/internal/alerts"
	"delta-hedge-bot/internal/exec"
	"delta-hedge-bot/internal/metrics"
	"delta-hedge-bot/internal/strategy"
	"delta-hedge-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrHedgeUnhealthy      = errors.New("hedge venue unhealthy")
	ErrPrimaryFillTooSmall = errors.New("primary fill below minimum")
	ErrHedgeFailed         = errors.New("hedge leg failed")
)

type Config struct {
	MinPositionUSD      float64
	MaxPositionUSD      float64
	MaxOpenSpread       float64
	BalanceMultiplier   float64
	PrimaryTimeout      time.Duration
	HedgeTimeout        time.Duration
	RollbackTimeout     time.Duration
	MinPrimaryFillRatio float64
	HedgeFillTolerance  float64
}

// Converger is the execution surface the orchestrator drives.
type Converger interface {
	Converge(ctx context.Context, req exec.Request) exec.Result
}

// Sampler draws a notional in [min, max].
type Sampler func(min, max float64) float64

func UniformSampler(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rand.Float64()*(max-min)
}

type Outcome struct {
	Instrument   string
	PrimarySide  venue.Side
	NotionalUSD  float64
	Target       float64
	PrimarySize  float64
	HedgeSize    float64
	CrossingCost float64
}

type Orchestrator struct {
	primary  venue.Adapter
	hedge    venue.Adapter
	engine   Converger
	notifier alerts.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	sample   Sampler
	log      *zap.Logger
}

func New(primary, hedge venue.Adapter, engine Converger, notifier alerts.Notifier, m *metrics.Metrics, cfg Config, log *zap.Logger) *Orchestrator {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BalanceMultiplier <= 0 {
		cfg.BalanceMultiplier = 1
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		primary:  primary,
		hedge:    hedge,
		engine:   engine,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		sample:   UniformSampler,
		log:      log,
	}
}

// WithSampler replaces the notional sampler.
func (o *Orchestrator) WithSampler(s Sampler) *Orchestrator {
	o.sample = s
	return o
}

// Open runs the pre-flight gates and both legs for opp. A nil error means
// both legs were filled; any error leaves at most dust on the primary, which
// the next scan sweeps.
func (o *Orchestrator) Open(ctx context.Context, opp strategy.Opportunity) (Outcome, error) {
	log := o.log.With(
		zap.String("instrument", opp.Instrument),
		zap.String("primary_side", string(opp.PrimarySide)),
	)
	out := Outcome{
		Instrument:  opp.Instrument,
		PrimarySide: opp.PrimarySide,
		NotionalUSD: o.sample(o.cfg.MinPositionUSD, o.cfg.MaxPositionUSD),
	}

	primaryQuote, hedgeQuote, err := o.quotes(ctx, opp.Instrument)
	if err != nil {
		o.metrics.OpensFailed.Inc()
		return out, fmt.Errorf("open %s: %w", opp.Instrument, err)
	}
	cost, err := strategy.CheckOpenSpread(opp.PrimarySide, primaryQuote, hedgeQuote, o.cfg.MaxOpenSpread)
	out.CrossingCost = cost
	if err != nil {
		o.metrics.OpensFailed.Inc()
		log.Info("open skipped: price spread", zap.Float64("cost", cost))
		return out, fmt.Errorf("open %s: %w", opp.Instrument, err)
	}

	required := out.NotionalUSD * o.cfg.BalanceMultiplier
	if !o.hedge.CheckHealth(ctx, required) {
		o.metrics.OpensFailed.Inc()
		log.Warn("open skipped: hedge venue unhealthy", zap.Float64("required_usd", required))
		return out, fmt.Errorf("open %s: need %.2f USD: %w", opp.Instrument, required, ErrHedgeUnhealthy)
	}

	out.Target = out.NotionalUSD / primaryQuote.Mid()
	log.Info("opening primary leg",
		zap.Float64("notional_usd", out.NotionalUSD),
		zap.Float64("target", out.Target),
		zap.Float64("crossing_cost", cost),
	)
	primaryRes := o.engine.Converge(ctx, exec.Request{
		Venue:      o.primary,
		Instrument: opp.Instrument,
		Side:       opp.PrimarySide,
		Target:     out.Target,
		Timeout:    o.cfg.PrimaryTimeout,
	})
	if err := ctx.Err(); err != nil {
		// Whatever the primary filled before cancellation is unhedged.
		out.PrimarySize = o.observedSize(context.WithoutCancel(ctx), o.primary, opp.Instrument, primaryRes.Filled)
		if !o.primary.Rules(opp.Instrument).IsFlat(out.PrimarySize) {
			o.rollback(ctx, opp, err, log)
		}
		o.metrics.OpensFailed.Inc()
		return out, fmt.Errorf("open %s: %w", opp.Instrument, err)
	}
	out.PrimarySize = o.observedSize(ctx, o.primary, opp.Instrument, primaryRes.Filled)
	if errors.Is(primaryRes.Err, venue.ErrInsufficientFunds) {
		o.notifier.Notify(ctx, fmt.Sprintf("Insufficient funds on %s opening %s", o.primary.Name(), opp.Instrument), alerts.SeverityCritical)
	}
	if out.PrimarySize < out.Target*o.cfg.MinPrimaryFillRatio {
		o.metrics.OpensFailed.Inc()
		log.Warn("primary fill too small, aborting",
			zap.Float64("filled", out.PrimarySize),
			zap.Float64("target", out.Target),
			zap.NamedError("converge_err", primaryRes.Err),
		)
		return out, fmt.Errorf("open %s: filled %.6f of %.6f: %w", opp.Instrument, out.PrimarySize, out.Target, ErrPrimaryFillTooSmall)
	}

	log.Info("opening hedge leg", zap.Float64("size", out.PrimarySize))
	hedgeRes := o.engine.Converge(ctx, exec.Request{
		Venue:      o.hedge,
		Instrument: opp.Instrument,
		Side:       opp.HedgeSide(),
		Target:     out.PrimarySize,
		Aggressive: true,
		Timeout:    o.cfg.HedgeTimeout,
	})
	out.HedgeSize = hedgeRes.Filled
	if !hedgeRes.OK {
		cause := hedgeRes.Err
		if cause == nil {
			cause = errors.New("hedge not filled")
		}
		o.rollback(ctx, opp, cause, log)
		o.metrics.OpensFailed.Inc()
		return out, fmt.Errorf("open %s: %w: %w", opp.Instrument, ErrHedgeFailed, cause)
	}

	out.HedgeSize = o.observedSize(ctx, o.hedge, opp.Instrument, hedgeRes.Filled)
	if err := strategy.CheckLegDrift(out.PrimarySize, out.HedgeSize, o.cfg.HedgeFillTolerance); err != nil {
		o.rollback(ctx, opp, err, log)
		o.metrics.OpensFailed.Inc()
		return out, fmt.Errorf("open %s: %w: %w", opp.Instrument, ErrHedgeFailed, err)
	}
	o.metrics.OpensSucceeded.Inc()
	o.notifier.Notify(ctx, fmt.Sprintf("Opened %s: %s %.6f on %s, %s %.6f on %s (%.2f USD, APY %.2f%%)",
		opp.Instrument,
		opp.PrimarySide, out.PrimarySize, o.primary.Name(),
		opp.HedgeSide(), out.HedgeSize, o.hedge.Name(),
		out.NotionalUSD, opp.APY*100,
	), alerts.SeverityInfo)
	return out, nil
}

func (o *Orchestrator) quotes(ctx context.Context, instrument string) (venue.Quote, venue.Quote, error) {
	var primaryQuote, hedgeQuote venue.Quote
	var primaryErr, hedgeErr error
	var g errgroup.Group
	g.Go(func() error {
		primaryQuote, primaryErr = o.primary.GetBestBidAsk(ctx, instrument)
		return nil
	})
	g.Go(func() error {
		hedgeQuote, hedgeErr = o.hedge.GetBestBidAsk(ctx, instrument)
		return nil
	})
	_ = g.Wait()
	if primaryErr != nil {
		return primaryQuote, hedgeQuote, fmt.Errorf("%s quote: %w", o.primary.Name(), primaryErr)
	}
	if hedgeErr != nil {
		return primaryQuote, hedgeQuote, fmt.Errorf("%s quote: %w", o.hedge.Name(), hedgeErr)
	}
	return primaryQuote, hedgeQuote, nil
}

// observedSize re-reads the live position, falling back to the engine's last
// observation when the venue cannot be read.
func (o *Orchestrator) observedSize(ctx context.Context, v venue.Adapter, instrument string, fallback float64) float64 {
	pos, err := v.GetPosition(ctx, instrument)
	if err != nil {
		o.log.Warn("position re-read failed",
			zap.String("venue", v.Name()),
			zap.String("instrument", instrument),
			zap.Error(err),
		)
		return fallback
	}
	return pos.Abs()
}

// rollback flattens both legs on a context detached from ctx, so a shutdown
// arriving mid-open still unwinds the pair within RollbackTimeout.
func (o *Orchestrator) rollback(ctx context.Context, opp strategy.Opportunity, cause error, log *zap.Logger) {
	o.metrics.Rollbacks.Inc()
	log.Error("hedge failed, rolling back primary", zap.NamedError("hedge_err", cause))
	base := context.WithoutCancel(ctx)

	rctx, cancel := context.WithTimeout(base, o.cfg.RollbackTimeout)
	primaryRes := o.engine.Converge(rctx, exec.Request{
		Venue:      o.primary,
		Instrument: opp.Instrument,
		Close:      true,
		Aggressive: true,
	})
	cancel()
	if !primaryRes.OK {
		log.Error("primary rollback incomplete", zap.Float64("remaining", primaryRes.Filled), zap.Error(primaryRes.Err))
	}

	hctx, cancel := context.WithTimeout(base, o.cfg.RollbackTimeout)
	hedgeClose := o.engine.Converge(hctx, exec.Request{
		Venue:      o.hedge,
		Instrument: opp.Instrument,
		Close:      true,
		Aggressive: true,
	})
	cancel()
	if !hedgeClose.OK {
		log.Error("hedge cleanup incomplete", zap.Float64("remaining", hedgeClose.Filled), zap.Error(hedgeClose.Err))
	}

	o.notifier.Notify(base, fmt.Sprintf("Hedge failed on %s for %s; primary rollback ok=%t, hedge cleanup ok=%t",
		o.hedge.Name(), opp.Instrument, primaryRes.OK, hedgeClose.OK,
	), alerts.SeverityCritical)
}
