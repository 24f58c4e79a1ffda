// Package watchdog flattens both legs of a set of instruments and does not
// give up until they are flat or the process shuts down.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"delta-hedge-bot/internal/alerts"
	"delta-hedge-bot/internal/clock"
	"delta-hedge-bot/internal/exec"
	"delta-hedge-bot/internal/metrics"
	"delta-hedge-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateIdle         State = "IDLE"
	StateLandingCheck State = "LANDING_CHECK"
	StateFiring       State = "FIRING"
	StateMonitoring   State = "MONITORING"
	StateDone         State = "DONE"
)

type Config struct {
	LandingRetry  time.Duration
	AlertAfter    time.Duration
	RoundTimeout  time.Duration
	RoundInterval time.Duration
}

type Converger interface {
	Converge(ctx context.Context, req exec.Request) exec.Result
}

// Episode summarises one Close call.
type Episode struct {
	ID          string
	Instruments []string
	Started     time.Time
	Finished    time.Time
	Rounds      int
	Alerted     bool
}

type Watchdog struct {
	primary  venue.Adapter
	hedge    venue.Adapter
	engine   Converger
	notifier alerts.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger

	mu    sync.Mutex
	state State
}

func New(primary, hedge venue.Adapter, engine Converger, notifier alerts.Notifier, m *metrics.Metrics, cfg Config, clk clock.Clock, log *zap.Logger) *Watchdog {
	if m == nil {
		m = metrics.NewNoop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 10 * time.Second
	}
	return &Watchdog{
		primary:  primary,
		hedge:    hedge,
		engine:   engine,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		clock:    clk,
		log:      log,
		state:    StateIdle,
	}
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.log.Debug("watchdog state", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Close flattens every instrument on both venues. It returns only when all
// legs are flat or ctx is done.
func (w *Watchdog) Close(ctx context.Context, instruments []string) (Episode, error) {
	working := dedupe(instruments)
	ep := Episode{ID: uuid.NewString(), Instruments: working, Started: w.clock.Now()}
	log := w.log.With(zap.String("episode", ep.ID), zap.Strings("instruments", working))
	if len(working) == 0 {
		w.setState(StateDone)
		ep.Finished = ep.Started
		return ep, nil
	}

	w.setState(StateLandingCheck)
	if err := w.landingCheck(ctx, log); err != nil {
		return ep, err
	}

	w.setState(StateFiring)
	firing := w.clock.Now()
	log.Info("close episode started")
	for {
		exposure := w.exposure(ctx, working)
		if err := ctx.Err(); err != nil {
			return ep, err
		}
		working = exposure.instruments()
		w.metrics.CloseRemaining.Set(float64(len(working)))
		if len(working) == 0 {
			w.setState(StateDone)
			ep.Finished = w.clock.Now()
			w.metrics.CloseEpisodes.Inc()
			log.Info("close episode done", zap.Int("rounds", ep.Rounds), zap.Duration("elapsed", ep.Finished.Sub(firing)))
			if ep.Alerted {
				w.notifier.Notify(ctx, fmt.Sprintf("Close resolved after %s: all positions flat", ep.Finished.Sub(firing).Round(time.Second)), alerts.SeverityInfo)
			}
			return ep, nil
		}
		if ep.Rounds > 0 {
			w.setState(StateMonitoring)
		}

		if elapsed := w.clock.Now().Sub(firing); !ep.Alerted && elapsed > w.cfg.AlertAfter {
			ep.Alerted = true
			w.metrics.CloseAlerts.Inc()
			w.notifier.Notify(ctx, fmt.Sprintf("Close stuck for %s, still exposed: %s", elapsed.Round(time.Second), exposure), alerts.SeverityCritical)
		}

		w.closeRound(ctx, working)
		ep.Rounds++
		if err := w.clock.Sleep(ctx, w.cfg.RoundInterval); err != nil {
			return ep, err
		}
	}
}

// landingCheck waits until both venues accept authenticated requests. The
// balance floor is not checked: closing only reduces exposure.
func (w *Watchdog) landingCheck(ctx context.Context, log *zap.Logger) error {
	for attempt := 1; ; attempt++ {
		var primaryOK, hedgeOK bool
		var g errgroup.Group
		g.Go(func() error {
			primaryOK = w.primary.CheckAuthHealth(ctx)
			return nil
		})
		g.Go(func() error {
			hedgeOK = w.hedge.CheckAuthHealth(ctx)
			return nil
		})
		_ = g.Wait()
		if primaryOK && hedgeOK {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Warn("landing check failed, waiting",
			zap.Int("attempt", attempt),
			zap.Bool("primary_ok", primaryOK),
			zap.Bool("hedge_ok", hedgeOK),
		)
		if err := w.clock.Sleep(ctx, w.cfg.LandingRetry); err != nil {
			return err
		}
	}
}

type legSize struct {
	size  float64
	known bool
}

type instrumentExposure struct {
	instrument string
	primary    legSize
	hedge      legSize
}

type exposureSet []instrumentExposure

func (e exposureSet) instruments() []string {
	out := make([]string, 0, len(e))
	for _, item := range e {
		out = append(out, item.instrument)
	}
	return out
}

func (e exposureSet) String() string {
	parts := make([]string, 0, len(e))
	for _, item := range e {
		parts = append(parts, fmt.Sprintf("%s primary=%s hedge=%s", item.instrument, item.primary, item.hedge))
	}
	return strings.Join(parts, "; ")
}

func (l legSize) String() string {
	if !l.known {
		return "unknown"
	}
	return fmt.Sprintf("%+.6f", l.size)
}

// exposure reads both legs of every instrument. An instrument stays exposed
// when either leg is above the venue minimum or could not be read.
func (w *Watchdog) exposure(ctx context.Context, instruments []string) exposureSet {
	slots := make([]instrumentExposure, len(instruments))
	var g errgroup.Group
	for i, instrument := range instruments {
		slots[i].instrument = instrument
		g.Go(func() error {
			slots[i].primary = w.read(ctx, w.primary, instrument)
			return nil
		})
		g.Go(func() error {
			slots[i].hedge = w.read(ctx, w.hedge, instrument)
			return nil
		})
	}
	_ = g.Wait()

	out := make(exposureSet, 0, len(slots))
	for _, item := range slots {
		if w.flat(w.primary, item.instrument, item.primary) && w.flat(w.hedge, item.instrument, item.hedge) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (w *Watchdog) read(ctx context.Context, v venue.Adapter, instrument string) legSize {
	pos, err := v.GetPosition(ctx, instrument)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("position read failed",
				zap.String("venue", v.Name()),
				zap.String("instrument", instrument),
				zap.Error(err),
			)
		}
		return legSize{}
	}
	return legSize{size: pos.Size, known: true}
}

func (w *Watchdog) flat(v venue.Adapter, instrument string, leg legSize) bool {
	return leg.known && v.Rules(instrument).IsFlat(leg.size)
}

// closeRound runs one bounded close attempt per venue and instrument.
func (w *Watchdog) closeRound(ctx context.Context, instruments []string) {
	rctx, cancel := context.WithTimeout(ctx, w.cfg.RoundTimeout)
	defer cancel()
	var g errgroup.Group
	for _, instrument := range instruments {
		for _, v := range []venue.Adapter{w.primary, w.hedge} {
			g.Go(func() error {
				res := w.engine.Converge(rctx, exec.Request{
					Venue:      v,
					Instrument: instrument,
					Close:      true,
					Aggressive: true,
				})
				if !res.OK && ctx.Err() == nil {
					w.log.Debug("close round incomplete",
						zap.String("venue", v.Name()),
						zap.String("instrument", instrument),
						zap.Float64("remaining", res.Filled),
						zap.Error(res.Err),
					)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

func dedupe(instruments []string) []string {
	seen := make(map[string]struct{}, len(instruments))
	out := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if inst == "" {
			continue
		}
		if _, ok := seen[inst]; ok {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}
