package strategy

import (
	"context"
	"fmt"
	"sort"

	"delta-hedge-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultPeriodsPerYear = 24 * 365

type AnalyzerConfig struct {
	Instruments    []string
	PeriodsPerYear float64
	MinOpenAPY     float64
}

type Analyzer struct {
	primary venue.Adapter
	hedge   venue.Adapter
	cfg     AnalyzerConfig
	log     *zap.Logger
}

func NewAnalyzer(primary, hedge venue.Adapter, cfg AnalyzerConfig, log *zap.Logger) *Analyzer {
	instruments := append([]string(nil), cfg.Instruments...)
	sort.Strings(instruments)
	cfg.Instruments = instruments
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = DefaultPeriodsPerYear
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{primary: primary, hedge: hedge, cfg: cfg, log: log}
}

func (a *Analyzer) Instruments() []string {
	return append([]string(nil), a.cfg.Instruments...)
}

type rateSlot struct {
	rate float64
	err  error
}

// Scan scores every instrument with a funding rate on both venues, ordered
// by APY descending and instrument ascending.
func (a *Analyzer) Scan(ctx context.Context) []Opportunity {
	instruments := a.cfg.Instruments
	slots := make([]rateSlot, 2*len(instruments))
	var g errgroup.Group
	for i, instrument := range instruments {
		g.Go(func() error {
			rate, err := a.primary.GetFundingRate(ctx, instrument)
			slots[2*i] = rateSlot{rate: rate, err: err}
			return nil
		})
		g.Go(func() error {
			rate, err := a.hedge.GetFundingRate(ctx, instrument)
			slots[2*i+1] = rateSlot{rate: rate, err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Opportunity, 0, len(instruments))
	for i, instrument := range instruments {
		p, h := slots[2*i], slots[2*i+1]
		if p.err != nil || h.err != nil {
			a.log.Debug("funding unavailable",
				zap.String("instrument", instrument),
				zap.NamedError("primary_err", p.err),
				zap.NamedError("hedge_err", h.err),
			)
			continue
		}
		out = append(out, a.score(instrument, p.rate, h.rate))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].APY != out[j].APY {
			return out[i].APY > out[j].APY
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// Best returns the highest-APY opportunity at or above the opening threshold.
func (a *Analyzer) Best(ctx context.Context) (Opportunity, bool) {
	return a.Pick(a.Scan(ctx))
}

// Pick selects from an already ordered Scan result.
func (a *Analyzer) Pick(opps []Opportunity) (Opportunity, bool) {
	if len(opps) == 0 || opps[0].APY < a.cfg.MinOpenAPY {
		return Opportunity{}, false
	}
	return opps[0], true
}

// Spread recomputes the live APY of an existing position direction.
func (a *Analyzer) Spread(ctx context.Context, instrument string, primarySide venue.Side) (float64, error) {
	var p, h rateSlot
	var g errgroup.Group
	g.Go(func() error {
		rate, err := a.primary.GetFundingRate(ctx, instrument)
		p = rateSlot{rate: rate, err: err}
		return nil
	})
	g.Go(func() error {
		rate, err := a.hedge.GetFundingRate(ctx, instrument)
		h = rateSlot{rate: rate, err: err}
		return nil
	})
	_ = g.Wait()
	if p.err != nil {
		return 0, fmt.Errorf("primary funding %s: %w", instrument, p.err)
	}
	if h.err != nil {
		return 0, fmt.Errorf("hedge funding %s: %w", instrument, h.err)
	}
	spread := h.rate - p.rate
	if primarySide == venue.SideSell {
		spread = p.rate - h.rate
	}
	return spread * a.cfg.PeriodsPerYear, nil
}

// score picks the direction collecting the larger spread: short the venue
// paying the higher rate, long the other.
func (a *Analyzer) score(instrument string, primaryRate, hedgeRate float64) Opportunity {
	shortPrimary := primaryRate - hedgeRate
	longPrimary := hedgeRate - primaryRate
	opp := Opportunity{
		Instrument:  instrument,
		PrimaryRate: primaryRate,
		HedgeRate:   hedgeRate,
	}
	if shortPrimary > longPrimary {
		opp.PrimarySide = venue.SideSell
		opp.HourlySpread = shortPrimary
	} else {
		opp.PrimarySide = venue.SideBuy
		opp.HourlySpread = longPrimary
	}
	opp.APY = opp.HourlySpread * a.cfg.PeriodsPerYear
	return opp
}
