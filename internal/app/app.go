package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"delta-hedge-bot/internal/alerts"
	"delta-hedge-bot/internal/clock"
	"delta-hedge-bot/internal/config"
	"delta-hedge-bot/internal/exec"
	"delta-hedge-bot/internal/hedge"
	"delta-hedge-bot/internal/lock"
	"delta-hedge-bot/internal/metrics"
	"delta-hedge-bot/internal/state"
	"delta-hedge-bot/internal/state/sqlite"
	"delta-hedge-bot/internal/strategy"
	"delta-hedge-bot/internal/timescale"
	"delta-hedge-bot/internal/venue"
	"delta-hedge-bot/internal/watchdog"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrStartupCheck = errors.New("startup health check failed")

type opener interface {
	Open(ctx context.Context, opp strategy.Opportunity) (hedge.Outcome, error)
}

type closer interface {
	Close(ctx context.Context, instruments []string) (watchdog.Episode, error)
}

// operatorChannel is the chat surface operator commands arrive on.
type operatorChannel interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
	Send(ctx context.Context, message string) error
}

// heldPair is the hedge pair currently opened by this process.
type heldPair struct {
	opp       strategy.Opportunity
	outcome   hedge.Outcome
	openedAt  time.Time
	holdUntil time.Time
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	clock     clock.Clock
	store     state.Store
	primary   venue.Adapter
	hedge     venue.Adapter
	analyzer  *strategy.Analyzer
	opener    opener
	closer    closer
	notifier  alerts.Notifier
	operator  operatorChannel
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	timescale *timescale.Writer
	locker    lock.Locker
	machine   *strategy.StateMachine
	venues    []*managedVenue
	randDur   func(min, max time.Duration) time.Duration

	closeReq chan struct{}

	opsMu          sync.RWMutex
	paused         bool
	held           *heldPair
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	instruments := cfg.Strategy.Instruments
	primary, err := buildVenue(cfg.Primary, instruments, store, log.Named(cfg.Primary.Name))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("primary venue: %w", err)
	}
	hedgeVenue, err := buildVenue(cfg.Hedge, instruments, store, log.Named(cfg.Hedge.Name))
	if err != nil {
		primary.close()
		_ = store.Close()
		return nil, fmt.Errorf("hedge venue: %w", err)
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log.Named("telegram"))
	var sender alerts.Sender
	if telegram.Enabled() {
		sender = telegram
	}
	notifier := alerts.NewDispatcher(sender, fmt.Sprintf("%s/%s", cfg.Primary.Name, cfg.Hedge.Name), log.Named("notify"))

	ts, err := timescale.New(cfg.Timescale, log.Named("timescale"))
	if err != nil {
		primary.close()
		hedgeVenue.close()
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}

	var locker lock.Locker = lock.Noop{}
	if cfg.Lock.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisLock, err := lock.NewRedis(ctx, cfg.Lock.RedisURL, cfg.Lock.Key, cfg.Lock.TTL, log.Named("lock"))
		cancel()
		if err != nil {
			primary.close()
			hedgeVenue.close()
			_ = ts.Close()
			_ = store.Close()
			return nil, err
		}
		locker = redisLock
	}

	guardedPrimary := guard(primary, cfg.Execution.ResetAfter, m, log)
	guardedHedge := guard(hedgeVenue, cfg.Execution.ResetAfter, m, log)
	a := assemble(cfg, log, clock.Real(), store, guardedPrimary, guardedHedge, notifier, m)
	a.prom = prom
	a.timescale = ts
	a.locker = locker
	a.venues = []*managedVenue{primary, hedgeVenue}
	if cfg.Telegram.OperatorEnabled {
		a.operator = telegram
	}
	return a, nil
}

func guard(v *managedVenue, threshold int, m *metrics.Metrics, log *zap.Logger) venue.Adapter {
	g := venue.NewGuard(v, threshold, log.Named(v.Name()).Named("guard"))
	g.OnReset(func() { m.VenueResets.Inc() })
	return g
}

// assemble wires the strategy components around two ready venues.
func assemble(cfg *config.Config, log *zap.Logger, clk clock.Clock, store state.Store, primary, hedgeVenue venue.Adapter, notifier alerts.Notifier, m *metrics.Metrics) *App {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	s := cfg.Strategy
	engine := exec.New(engineConfig(cfg), clk, m, log.Named("exec"))
	analyzer := strategy.NewAnalyzer(primary, hedgeVenue, strategy.AnalyzerConfig{
		Instruments:    s.Instruments,
		PeriodsPerYear: s.PeriodsPerDay * 365,
		MinOpenAPY:     s.MinOpenAPY,
	}, log.Named("analyzer"))
	orch := hedge.New(primary, hedgeVenue, engine, notifier, m, hedge.Config{
		MinPositionUSD:      s.MinPositionUSD,
		MaxPositionUSD:      s.MaxPositionUSD,
		MaxOpenSpread:       s.MaxOpenSpread,
		BalanceMultiplier:   s.BalanceMultiplier,
		PrimaryTimeout:      s.PrimaryTimeout,
		HedgeTimeout:        s.HedgeTimeout,
		RollbackTimeout:     s.RollbackTimeout,
		MinPrimaryFillRatio: s.MinPrimaryFillRatio,
		HedgeFillTolerance:  s.HedgeFillTolerance,
	}, log.Named("hedge"))
	wd := watchdog.New(primary, hedgeVenue, engine, notifier, m, watchdog.Config{
		LandingRetry:  cfg.Watchdog.LandingRetry,
		AlertAfter:    cfg.Watchdog.AlertAfter,
		RoundTimeout:  cfg.Watchdog.RoundTimeout,
		RoundInterval: cfg.Watchdog.RoundInterval,
	}, clk, log.Named("watchdog"))
	return &App{
		cfg:      cfg,
		log:      log,
		clock:    clk,
		store:    store,
		primary:  primary,
		hedge:    hedgeVenue,
		analyzer: analyzer,
		opener:   orch,
		closer:   wd,
		notifier: notifier,
		metrics:  m,
		locker:   lock.Noop{},
		machine:  strategy.NewStateMachine(),
		randDur:  uniformDuration,
		closeReq: make(chan struct{}, 1),
	}
}

func engineConfig(cfg *config.Config) exec.Config {
	e := cfg.Execution
	out := exec.DefaultConfig()
	out.FillRatio = cfg.Strategy.FillRatio
	out.TakerAfterAggressive = e.TakerAfterAggressive
	out.TakerAfterPatient = e.TakerAfterPatient
	out.TakerSlippage = e.TakerSlippage
	out.PassiveWait = e.PassiveWait
	out.AggressiveWait = e.AggressiveWait
	out.Cooldown = e.Cooldown
	out.SettlePause = e.SettlePause
	out.RejectBackoff = e.RejectBackoff
	out.QuoteBackoff = e.QuoteBackoff
	out.ErrorBackoff = e.ErrorBackoff
	return out
}

// Run holds the worker lock and drives cycles until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()
	lease, err := a.locker.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire worker lock: %w", err)
	}
	defer lease.Release()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-lease.Lost():
			a.log.Error("worker lock lost, stopping")
			a.notifier.Notify(ctx, "Worker lock lost, stopping", alerts.SeverityCritical)
			cancel()
		}
	}()

	for _, v := range a.venues {
		if err := v.start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", v.Name(), err)
		}
	}
	if a.prom != nil {
		go func() {
			if err := a.prom.Serve(ctx, a.cfg.Metrics.Addr, a.log.Named("metrics")); err != nil {
				a.log.Warn("metrics server failed", zap.Error(err))
			}
		}()
	}
	a.timescale.Start(ctx)

	if err := a.startupCheck(ctx); err != nil {
		a.notifier.Notify(ctx, fmt.Sprintf("Bot start failed: %v", err), alerts.SeverityCritical)
		return err
	}
	if snap, ok, err := state.LoadCycleSnapshot(ctx, a.store); err != nil {
		a.log.Warn("cycle snapshot load failed", zap.Error(err))
	} else if ok {
		a.log.Info("previous cycle snapshot",
			zap.String("state", snap.State),
			zap.String("instrument", snap.Instrument),
			zap.Time("updated_at", time.UnixMilli(snap.UpdatedAtMS).UTC()),
		)
	}
	a.notifier.Notify(ctx, fmt.Sprintf("Bot started: %s/%s on %s",
		a.primary.Name(), a.hedge.Name(), strings.Join(a.analyzer.Instruments(), ",")), alerts.SeverityInfo)
	a.startOperator(ctx)

	for ctx.Err() == nil {
		a.safeCycle(ctx)
	}
	a.notifier.Notify(ctx, "Bot stopped", alerts.SeverityInfo)
	return ctx.Err()
}

// startupCheck requires the hedge venue reachable and the primary venue able
// to sign.
func (a *App) startupCheck(ctx context.Context) error {
	var primaryOK, hedgeOK bool
	var g errgroup.Group
	g.Go(func() error {
		primaryOK = a.primary.CheckAuthHealth(ctx)
		return nil
	})
	g.Go(func() error {
		hedgeOK = a.hedge.CheckHealth(ctx, 0)
		return nil
	})
	_ = g.Wait()
	switch {
	case !primaryOK:
		return fmt.Errorf("%w: %s auth check", ErrStartupCheck, a.primary.Name())
	case !hedgeOK:
		return fmt.Errorf("%w: %s health check", ErrStartupCheck, a.hedge.Name())
	}
	return nil
}

func (a *App) shutdown() {
	for _, v := range a.venues {
		v.close()
	}
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if c, ok := a.locker.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}
