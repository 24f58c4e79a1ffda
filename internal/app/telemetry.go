package app

import (
	"delta-hedge-bot/internal/state"
	"delta-hedge-bot/internal/strategy"
	"delta-hedge-bot/internal/timescale"
	"delta-hedge-bot/internal/watchdog"
)

func (a *App) recordSamples(opps []strategy.Opportunity) {
	if a.timescale == nil {
		return
	}
	now := a.clock.Now().UTC()
	for _, opp := range opps {
		a.timescale.EnqueueSample(timescale.FundingSample{
			Time:        now,
			Instrument:  opp.Instrument,
			PrimaryRate: opp.PrimaryRate,
			HedgeRate:   opp.HedgeRate,
			APY:         opp.APY,
			PrimarySide: string(opp.PrimarySide),
		})
	}
}

func (a *App) recordEvent(snap state.CycleSnapshot, event strategy.Event) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueEvent(timescale.CycleEvent{
		Time:        a.clock.Now().UTC(),
		State:       snap.State,
		Event:       string(event),
		Instrument:  snap.Instrument,
		PrimarySide: snap.PrimarySide,
		PrimarySize: snap.PrimarySize,
		HedgeSize:   snap.HedgeSize,
		NotionalUSD: snap.NotionalUSD,
		APY:         snap.EntryAPY,
	})
}

func (a *App) recordEpisode(ep watchdog.Episode) {
	if a.timescale == nil || ep.ID == "" {
		return
	}
	a.timescale.EnqueueEpisode(timescale.CloseEpisode{
		ID:          ep.ID,
		Instruments: ep.Instruments,
		Started:     ep.Started.UTC(),
		Finished:    ep.Finished.UTC(),
		Rounds:      ep.Rounds,
		Alerted:     ep.Alerted,
	})
}
