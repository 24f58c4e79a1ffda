package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"delta-hedge-bot/internal/alerts"
	"delta-hedge-bot/internal/state"
	"delta-hedge-bot/internal/strategy"
	"delta-hedge-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func uniformDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

// safeCycle runs one cycle and absorbs its failure so the worker keeps going.
func (a *App) safeCycle(ctx context.Context) {
	err := a.runCycle(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	a.metrics.CycleErrors.Inc()
	a.log.Error("cycle failed", zap.Error(err))
	a.notifier.Notify(ctx, fmt.Sprintf("Cycle error: %v", err), alerts.SeverityWarning)
	a.setHeld(nil)
	a.transition(ctx, strategy.EventFailed)
	if err := a.clock.Sleep(ctx, a.cfg.Strategy.ErrorCooldown); err != nil {
		return
	}
	a.transition(ctx, strategy.EventCooledDown)
}

func (a *App) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("cycle panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.cycle(ctx)
}

func (a *App) cycle(ctx context.Context) error {
	dirty, readErr := a.scan(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dirty) > 0 {
		a.transition(ctx, strategy.EventDirty)
		msg := fmt.Sprintf("Residual exposure on %s, closing", strings.Join(dirty, ", "))
		if readErr != nil {
			msg = fmt.Sprintf("%s (%v)", msg, readErr)
		}
		a.notifier.Notify(ctx, msg, alerts.SeverityWarning)
		if err := a.closeAll(ctx, dirty); err != nil {
			return err
		}
		a.transition(ctx, strategy.EventRescued)
		return a.cooldown(ctx, 0)
	}
	if readErr != nil {
		return readErr
	}
	a.transition(ctx, strategy.EventClean)

	opp, ok := a.analyze(ctx)
	if !ok {
		a.transition(ctx, strategy.EventNoOpportunity)
		return a.cooldown(ctx, a.cfg.Strategy.NoOpportunitySleep)
	}
	a.transition(ctx, strategy.EventOpportunity)
	out, err := a.opener.Open(ctx, opp)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Info("open aborted, cooling down", zap.String("instrument", opp.Instrument), zap.Error(err))
		a.transition(ctx, strategy.EventOpenFailed)
		return a.cooldown(ctx, 0)
	}

	now := a.clock.Now()
	held := &heldPair{
		opp:       opp,
		outcome:   out,
		openedAt:  now,
		holdUntil: now.Add(a.randDur(a.cfg.Strategy.HoldMin, a.cfg.Strategy.HoldMax)),
	}
	a.setHeld(held)
	a.transition(ctx, strategy.EventOpened)
	reason, err := a.hold(ctx, held)
	if err != nil {
		return err
	}
	a.log.Info("unwinding", zap.String("instrument", opp.Instrument), zap.String("reason", reason))
	a.transition(ctx, strategy.EventUnwind)
	if err := a.closeAll(ctx, []string{opp.Instrument}); err != nil {
		return err
	}
	a.setHeld(nil)
	a.transition(ctx, strategy.EventClosed)
	a.notifier.Notify(ctx, fmt.Sprintf("Closed %s (%s)", opp.Instrument, reason), alerts.SeverityInfo)
	return a.cooldown(ctx, 0)
}

type legRead struct {
	size float64
	err  error
}

// scan clears resting hedge orders and returns the instruments, in
// configured order, with exposure on either venue. An instrument whose
// position cannot be read is returned too, alongside the joined read errors,
// so the caller closes it instead of assuming it is flat.
func (a *App) scan(ctx context.Context) ([]string, error) {
	instruments := a.analyzer.Instruments()
	var cancels errgroup.Group
	for _, instrument := range instruments {
		cancels.Go(func() error {
			if err := a.hedge.CancelAllOrders(ctx, instrument); err != nil {
				a.log.Warn("cancel resting orders failed", zap.String("instrument", instrument), zap.Error(err))
			}
			return nil
		})
	}
	_ = cancels.Wait()

	reads := make([]legRead, 2*len(instruments))
	var g errgroup.Group
	for i, instrument := range instruments {
		g.Go(func() error {
			pos, err := a.primary.GetPosition(ctx, instrument)
			reads[2*i] = legRead{size: pos.Size, err: err}
			return nil
		})
		g.Go(func() error {
			pos, err := a.hedge.GetPosition(ctx, instrument)
			reads[2*i+1] = legRead{size: pos.Size, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var dirty []string
	var errs []error
	for i, instrument := range instruments {
		p, h := reads[2*i], reads[2*i+1]
		if p.err != nil {
			errs = append(errs, fmt.Errorf("%s position %s: %w", a.primary.Name(), instrument, p.err))
		}
		if h.err != nil {
			errs = append(errs, fmt.Errorf("%s position %s: %w", a.hedge.Name(), instrument, h.err))
		}
		if p.err != nil || h.err != nil || a.exposed(a.primary, instrument, p) || a.exposed(a.hedge, instrument, h) {
			dirty = append(dirty, instrument)
		}
	}
	if len(errs) > 0 {
		return dirty, fmt.Errorf("scan: %w", errors.Join(errs...))
	}
	if len(dirty) == 0 {
		a.log.Debug("accounts clean")
	}
	return dirty, nil
}

func (a *App) exposed(v venue.Adapter, instrument string, read legRead) bool {
	if read.err != nil || v.Rules(instrument).IsFlat(read.size) {
		return false
	}
	a.log.Warn("residual position", zap.String("venue", v.Name()), zap.String("instrument", instrument), zap.Float64("size", read.size))
	return true
}

func (a *App) analyze(ctx context.Context) (strategy.Opportunity, bool) {
	if a.isPaused() {
		a.log.Info("paused, skipping analysis")
		return strategy.Opportunity{}, false
	}
	opps := a.analyzer.Scan(ctx)
	a.recordSamples(opps)
	opp, ok := a.analyzer.Pick(opps)
	if !ok {
		a.log.Info("no opportunity", zap.Int("scored", len(opps)))
		return strategy.Opportunity{}, false
	}
	a.metrics.LastOpportunityAPY.Set(opp.APY)
	a.log.Info("opportunity selected",
		zap.String("instrument", opp.Instrument),
		zap.String("primary_side", string(opp.PrimarySide)),
		zap.Float64("apy", opp.APY),
	)
	return opp, true
}

func (a *App) closeAll(ctx context.Context, instruments []string) error {
	ep, err := a.closer.Close(ctx, instruments)
	a.recordEpisode(ep)
	if err != nil {
		return fmt.Errorf("close %s: %w", strings.Join(instruments, ","), err)
	}
	return nil
}

// cooldown sleeps extra followed by a random cooldown, then re-enters SCAN.
func (a *App) cooldown(ctx context.Context, extra time.Duration) error {
	if extra > 0 {
		if err := a.clock.Sleep(ctx, extra); err != nil {
			return err
		}
	}
	if err := a.clock.Sleep(ctx, a.randDur(a.cfg.Strategy.CooldownMin, a.cfg.Strategy.CooldownMax)); err != nil {
		return err
	}
	a.transition(ctx, strategy.EventCooledDown)
	return nil
}

func (a *App) transition(ctx context.Context, event strategy.Event) {
	from := a.machine.Current()
	to := a.machine.Apply(event)
	if from == to {
		a.log.Debug("state unchanged", zap.String("state", string(from)), zap.String("event", string(event)))
		return
	}
	a.log.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("event", string(event)))
	snap := a.snapshot()
	if err := state.SaveCycleSnapshot(ctx, a.store, snap); err != nil {
		a.log.Warn("cycle snapshot save failed", zap.Error(err))
	}
	a.recordEvent(snap, event)
}

func (a *App) snapshot() state.CycleSnapshot {
	snap := state.CycleSnapshot{
		State:       string(a.machine.Current()),
		UpdatedAtMS: a.clock.Now().UnixMilli(),
	}
	held := a.currentHeld()
	if held == nil {
		return snap
	}
	snap.Instrument = held.opp.Instrument
	snap.PrimarySide = string(held.opp.PrimarySide)
	snap.PrimarySize = held.outcome.PrimarySize
	snap.HedgeSize = held.outcome.HedgeSize
	snap.NotionalUSD = held.outcome.NotionalUSD
	snap.EntryAPY = held.opp.APY
	snap.OpenedAtMS = held.openedAt.UnixMilli()
	snap.HoldUntilMS = held.holdUntil.UnixMilli()
	return snap
}

func (a *App) setHeld(h *heldPair) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.held = h
}

func (a *App) currentHeld() *heldPair {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.held
}
