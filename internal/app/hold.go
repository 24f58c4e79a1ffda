package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	reasonHoldComplete  = "hold complete"
	reasonSpreadDropped = "spread below close threshold"
	reasonOperatorClose = "operator close"
)

// hold waits out the pair's hold period, re-checking the funding spread for
// the held direction every funding check interval. It returns why the hold
// ended. Missing rates keep the pair held.
func (a *App) hold(ctx context.Context, held *heldPair) (string, error) {
	log := a.log.With(zap.String("instrument", held.opp.Instrument))
	drainCloseRequests(a.closeReq)
	log.Info("holding", zap.Time("until", held.holdUntil.UTC()))
	for {
		remaining := held.holdUntil.Sub(a.clock.Now())
		if remaining <= 0 {
			return reasonHoldComplete, nil
		}
		requested, err := a.holdSleep(ctx, min(a.cfg.Strategy.FundingCheckInterval, remaining))
		if err != nil {
			return "", err
		}
		if requested {
			return reasonOperatorClose, nil
		}
		apy, err := a.analyzer.Spread(ctx, held.opp.Instrument, held.opp.PrimarySide)
		if err != nil {
			log.Warn("hold funding check failed", zap.Error(err))
			continue
		}
		log.Info("hold funding check", zap.Float64("apy", apy))
		if apy < a.cfg.Strategy.MinCloseAPY {
			log.Warn("spread dropped, closing early",
				zap.Float64("apy", apy),
				zap.Float64("min_close_apy", a.cfg.Strategy.MinCloseAPY),
			)
			return fmt.Sprintf("%s: %.2f%%", reasonSpreadDropped, apy*100), nil
		}
	}
}

// holdSleep sleeps for d, waking early on an operator close request.
func (a *App) holdSleep(ctx context.Context, d time.Duration) (bool, error) {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var requested atomic.Bool
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-a.closeReq:
			requested.Store(true)
			cancel()
		case <-done:
		}
	}()
	err := a.clock.Sleep(sleepCtx, d)
	close(done)
	wg.Wait()
	if requested.Load() {
		return true, nil
	}
	return false, err
}

// requestClose asks the running hold to unwind. It reports false when no
// pair is held.
func (a *App) requestClose() bool {
	if a.currentHeld() == nil {
		return false
	}
	select {
	case a.closeReq <- struct{}{}:
	default:
	}
	return true
}

func drainCloseRequests(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
