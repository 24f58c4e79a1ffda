package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"delta-hedge-bot/internal/config"
	"delta-hedge-bot/internal/state"
	"delta-hedge-bot/internal/state/sqlite"
	"delta-hedge-bot/internal/strategy"
	"delta-hedge-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PositionRow is one instrument's exposure across both venues.
type PositionRow struct {
	Instrument string
	Primary    float64
	Hedge      float64
	Dirty      bool
}

// Report is a read-only view of the pair, produced without placing orders.
type Report struct {
	Primary       string
	Hedge         string
	PrimaryAuth   bool
	HedgeHealthy  bool
	Positions     []PositionRow
	Opportunities []strategy.Opportunity
	Best          *strategy.Opportunity
	Snapshot      *state.CycleSnapshot
}

// Inspect connects to both venues without signing keys and reports positions,
// scored opportunities and the last persisted cycle snapshot.
func Inspect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Report, error) {
	readOnly := func(vc config.VenueConfig) (*managedVenue, error) {
		if vc.Kind != config.VenueHyperliquid {
			return buildVenue(vc, cfg.Strategy.Instruments, nil, log.Named(vc.Name))
		}
		v, err := newHyperliquid(vc, cfg.Strategy.Instruments, "", nil, log.Named(vc.Name))
		if err != nil {
			return nil, err
		}
		return &managedVenue{Adapter: v, start: v.Start, close: v.Close}, nil
	}
	primary, err := readOnly(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary venue: %w", err)
	}
	defer primary.close()
	hedgeVenue, err := readOnly(cfg.Hedge)
	if err != nil {
		return nil, fmt.Errorf("hedge venue: %w", err)
	}
	defer hedgeVenue.close()
	for _, v := range []*managedVenue{primary, hedgeVenue} {
		if err := v.start(ctx); err != nil {
			return nil, fmt.Errorf("%s start: %w", v.Name(), err)
		}
	}

	var store state.Store
	if _, err := os.Stat(cfg.State.SQLitePath); err == nil {
		db, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		store = db
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	analyzer := strategy.NewAnalyzer(primary, hedgeVenue, strategy.AnalyzerConfig{
		Instruments:    cfg.Strategy.Instruments,
		PeriodsPerYear: cfg.Strategy.PeriodsPerDay * 365,
		MinOpenAPY:     cfg.Strategy.MinOpenAPY,
	}, log.Named("analyzer"))
	return inspect(ctx, primary, hedgeVenue, analyzer, store)
}

func inspect(ctx context.Context, primary, hedgeVenue venue.Adapter, analyzer *strategy.Analyzer, store state.Store) (*Report, error) {
	report := &Report{Primary: primary.Name(), Hedge: hedgeVenue.Name()}
	instruments := analyzer.Instruments()
	reads := make([]legRead, 2*len(instruments))

	var g errgroup.Group
	g.Go(func() error {
		report.PrimaryAuth = primary.CheckAuthHealth(ctx)
		return nil
	})
	g.Go(func() error {
		report.HedgeHealthy = hedgeVenue.CheckHealth(ctx, 0)
		return nil
	})
	g.Go(func() error {
		report.Opportunities = analyzer.Scan(ctx)
		return nil
	})
	for i, instrument := range instruments {
		g.Go(func() error {
			pos, err := primary.GetPosition(ctx, instrument)
			reads[2*i] = legRead{size: pos.Size, err: err}
			return nil
		})
		g.Go(func() error {
			pos, err := hedgeVenue.GetPosition(ctx, instrument)
			reads[2*i+1] = legRead{size: pos.Size, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, instrument := range instruments {
		p, h := reads[2*i], reads[2*i+1]
		if p.err != nil {
			errs = append(errs, fmt.Errorf("%s position %s: %w", primary.Name(), instrument, p.err))
		}
		if h.err != nil {
			errs = append(errs, fmt.Errorf("%s position %s: %w", hedgeVenue.Name(), instrument, h.err))
		}
		report.Positions = append(report.Positions, PositionRow{
			Instrument: instrument,
			Primary:    p.size,
			Hedge:      h.size,
			Dirty: !primary.Rules(instrument).IsFlat(p.size) ||
				!hedgeVenue.Rules(instrument).IsFlat(h.size),
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if best, ok := analyzer.Pick(report.Opportunities); ok {
		report.Best = &best
	}
	if store != nil {
		snap, ok, err := state.LoadCycleSnapshot(ctx, store)
		if err != nil {
			return nil, err
		}
		if ok {
			report.Snapshot = &snap
		}
	}
	return report, nil
}
