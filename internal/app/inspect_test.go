package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"delta-hedge-bot/internal/config"
	"delta-hedge-bot/internal/state"
	"delta-hedge-bot/internal/venue"
	"delta-hedge-bot/internal/venue/paper"

	"go.uber.org/zap"
)

func TestInspectReportsPositionsAndBest(t *testing.T) {
	b := newTestBot(t)
	b.profitable()
	b.primary.SetPosition("ETH", 0.5)
	if err := state.SaveCycleSnapshot(context.Background(), b.store, state.CycleSnapshot{State: "HOLD", Instrument: "BTC"}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	report, err := inspect(context.Background(), b.primary, b.hedge, b.app.analyzer, b.store)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if report.Primary != "primary" || report.Hedge != "hedge" {
		t.Fatalf("unexpected venue names: %s/%s", report.Primary, report.Hedge)
	}
	if len(report.Positions) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(report.Positions))
	}
	for _, row := range report.Positions {
		if row.Dirty != (row.Instrument == "ETH") {
			t.Fatalf("unexpected dirty flag: %+v", row)
		}
	}
	if report.Best == nil || report.Best.Instrument != "BTC" || report.Best.PrimarySide != venue.SideSell {
		t.Fatalf("expected BTC short on primary, got %+v", report.Best)
	}
	if report.Snapshot == nil || report.Snapshot.State != "HOLD" {
		t.Fatalf("expected stored snapshot, got %+v", report.Snapshot)
	}
	if len(b.primary.Orders()) != 0 || len(b.hedge.Orders()) != 0 {
		t.Fatalf("inspect must not trade")
	}
}

func TestInspectFailsOnUnreadablePosition(t *testing.T) {
	b := newTestBot(t)
	b.hedge.Fail(paper.OpPosition, errors.New("connection reset"), 1)

	if _, err := inspect(context.Background(), b.primary, b.hedge, b.app.analyzer, nil); err == nil {
		t.Fatalf("expected position error")
	}
}

func TestInspectPaperConfigWithoutState(t *testing.T) {
	cfg := testConfig()
	cfg.Primary = config.VenueConfig{Name: "primary", Kind: config.VenuePaper, PaperBalance: 1000}
	cfg.Hedge = config.VenueConfig{Name: "hedge", Kind: config.VenuePaper, PaperBalance: 1000}
	cfg.State.SQLitePath = filepath.Join(t.TempDir(), "missing.db")

	report, err := Inspect(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if report.Snapshot != nil || report.Best != nil {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if len(report.Positions) != len(cfg.Strategy.Instruments) {
		t.Fatalf("expected a row per instrument, got %d", len(report.Positions))
	}
}
