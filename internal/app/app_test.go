package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"delta-hedge-bot/internal/alerts"
	"delta-hedge-bot/internal/alerts/alertstest"
	"delta-hedge-bot/internal/clock"
	"delta-hedge-bot/internal/config"
	"delta-hedge-bot/internal/hedge"
	"delta-hedge-bot/internal/state"
	"delta-hedge-bot/internal/strategy"
	"delta-hedge-bot/internal/venue"
	"delta-hedge-bot/internal/venue/paper"
	"delta-hedge-bot/internal/watchdog"
)

var testRules = venue.Rules{Tick: 0.01, LotSize: 0.001, MinSize: 0.001}

type testBot struct {
	app      *App
	primary  *paper.Venue
	hedge    *paper.Venue
	notifier *alertstest.Recorder
	store    *memoryStore
	clock    *clock.Fake
}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Instruments:          []string{"BTC", "ETH"},
			PeriodsPerDay:        24,
			MinOpenAPY:           0.05,
			MinCloseAPY:          0,
			MaxOpenSpread:        0.006,
			MinPositionUSD:       100,
			MaxPositionUSD:       100,
			BalanceMultiplier:    1.1,
			HoldMin:              time.Hour,
			HoldMax:              time.Hour,
			FundingCheckInterval: 10 * time.Minute,
			NoOpportunitySleep:   5 * time.Minute,
			CooldownMin:          10 * time.Second,
			CooldownMax:          10 * time.Second,
			ErrorCooldown:        5 * time.Second,
			PrimaryTimeout:       2 * time.Minute,
			HedgeTimeout:         45 * time.Second,
			RollbackTimeout:      2 * time.Minute,
			FillRatio:            0.98,
			MinPrimaryFillRatio:  0.05,
			HedgeFillTolerance:   0.05,
		},
		Execution: config.ExecutionConfig{
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
			ResetAfter:           3,
		},
		Watchdog: config.WatchdogConfig{
			LandingRetry:  10 * time.Second,
			AlertAfter:    10 * time.Minute,
			RoundTimeout:  50 * time.Millisecond,
			RoundInterval: 5 * time.Second,
		},
		Telegram: config.TelegramConfig{ChatID: "42"},
	}
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	primary := paper.New(paper.Config{Name: "primary", DefaultRules: testRules}, nil)
	hedgeVenue := paper.New(paper.Config{Name: "hedge", DefaultRules: testRules}, nil)
	for _, v := range []*paper.Venue{primary, hedgeVenue} {
		v.SetQuote("BTC", 100, 100.1)
		v.SetQuote("ETH", 2000, 2000.5)
	}
	hedgeVenue.SetQuote("BTC", 100.05, 100.15)
	rec := &alertstest.Recorder{}
	store := &memoryStore{data: make(map[string]string)}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	a := assemble(testConfig(), nil, clk, store, primary, hedgeVenue, rec, nil)
	return &testBot{app: a, primary: primary, hedge: hedgeVenue, notifier: rec, store: store, clock: clk}
}

// profitable sets BTC funding so shorting the primary earns about 26% APY.
func (b *testBot) profitable() {
	b.primary.SetFunding("BTC", 0.0001)
	b.hedge.SetFunding("BTC", -0.0002)
}

func TestCycleOpensHoldsAndCloses(t *testing.T) {
	b := newTestBot(t)
	b.profitable()
	start := b.clock.Now()

	if err := b.app.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := b.primary.Position("BTC"); got != 0 {
		t.Fatalf("expected primary flat, got %f", got)
	}
	if got := b.hedge.Position("BTC"); got != 0 {
		t.Fatalf("expected hedge flat, got %f", got)
	}
	if len(b.primary.Orders()) == 0 || len(b.hedge.Orders()) == 0 {
		t.Fatalf("expected orders on both venues")
	}
	if first := b.primary.Orders()[0]; first.Side != venue.SideSell || first.Instrument != "BTC" {
		t.Fatalf("expected primary short on BTC, got %+v", first)
	}
	if !b.notifier.Contains(alerts.SeverityInfo, "Opened BTC") {
		t.Fatalf("expected open notification, got %+v", b.notifier.All())
	}
	if !b.notifier.Contains(alerts.SeverityInfo, "Closed BTC (hold complete)") {
		t.Fatalf("expected close notification, got %+v", b.notifier.All())
	}
	if b.app.machine.Current() != strategy.StateScan {
		t.Fatalf("expected SCAN, got %s", b.app.machine.Current())
	}
	if elapsed := b.clock.Now().Sub(start); elapsed < time.Hour {
		t.Fatalf("expected full hold, elapsed %s", elapsed)
	}
	if b.app.currentHeld() != nil {
		t.Fatalf("expected no held pair after close")
	}
	snap, ok, err := state.LoadCycleSnapshot(context.Background(), b.store)
	if err != nil || !ok || snap.State != string(strategy.StateScan) || snap.Instrument != "" {
		t.Fatalf("unexpected snapshot %+v ok=%v err=%v", snap, ok, err)
	}
}

func TestCycleRescuesResidualExposure(t *testing.T) {
	b := newTestBot(t)
	b.profitable()
	b.primary.SetPosition("ETH", 0.5)
	b.hedge.SetPosition("BTC", 0.0005)

	if err := b.app.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := b.primary.Position("ETH"); got != 0 {
		t.Fatalf("expected ETH flattened, got %f", got)
	}
	if !b.notifier.Contains(alerts.SeverityWarning, "Residual exposure on ETH") {
		t.Fatalf("expected rescue warning, got %+v", b.notifier.All())
	}
	// Dust below the minimum size is not exposure.
	if b.notifier.Contains(alerts.SeverityWarning, "BTC") {
		t.Fatalf("dust should not be rescued")
	}
	if b.notifier.Contains(alerts.SeverityInfo, "Opened") {
		t.Fatalf("rescue cycle must not open")
	}
	if b.app.machine.Current() != strategy.StateScan {
		t.Fatalf("expected SCAN, got %s", b.app.machine.Current())
	}
}

func TestCycleWithoutOpportunitySleeps(t *testing.T) {
	b := newTestBot(t)
	b.primary.SetFunding("BTC", 0.00001)
	b.hedge.SetFunding("BTC", 0.00001)
	start := b.clock.Now()

	if err := b.app.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := b.clock.Now().Sub(start); got != 5*time.Minute+10*time.Second {
		t.Fatalf("expected no-opportunity sleep plus cooldown, got %s", got)
	}
	if len(b.primary.Orders()) != 0 {
		t.Fatalf("expected no orders")
	}
}

func TestPausedCycleDoesNotOpen(t *testing.T) {
	b := newTestBot(t)
	b.profitable()
	b.app.setPaused(true)

	if err := b.app.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(b.primary.Orders()) != 0 || len(b.hedge.Orders()) != 0 {
		t.Fatalf("paused bot placed orders")
	}
}

type stubOpener struct {
	err   error
	panic bool
	calls int
}

func (s *stubOpener) Open(context.Context, strategy.Opportunity) (hedge.Outcome, error) {
	s.calls++
	if s.panic {
		panic("venue client exploded")
	}
	return hedge.Outcome{}, s.err
}

func TestOpenFailureCoolsDown(t *testing.T) {
	b := newTestBot(t)
	b.profitable()
	opener := &stubOpener{err: hedge.ErrPrimaryFillTooSmall}
	b.app.opener = opener

	if err := b.app.cycle(context.Background()); err != nil {
		t.Fatalf("open failure should not fail the cycle: %v", err)
	}
	if opener.calls != 1 {
		t.Fatalf("expected one open attempt, got %d", opener.calls)
	}
	if b.app.machine.Current() != strategy.StateScan {
		t.Fatalf("expected SCAN, got %s", b.app.machine.Current())
	}
}

func TestCyclePanicIsRecovered(t *testing.T) {
	b := newTestBot(t)
	b.profitable()
	b.app.opener = &stubOpener{panic: true}
	start := b.clock.Now()

	b.app.safeCycle(context.Background())

	if !b.notifier.Contains(alerts.SeverityWarning, "venue client exploded") {
		t.Fatalf("expected warning, got %+v", b.notifier.All())
	}
	if got := b.clock.Now().Sub(start); got != 5*time.Second {
		t.Fatalf("expected error cooldown, got %s", got)
	}
	if b.app.machine.Current() != strategy.StateScan {
		t.Fatalf("expected SCAN after recovery, got %s", b.app.machine.Current())
	}
}

// unreadable fails position reads for one instrument.
type unreadable struct {
	*paper.Venue
	instrument string
}

func (u unreadable) GetPosition(ctx context.Context, instrument string) (venue.Position, error) {
	if instrument == u.instrument {
		return venue.Position{}, errors.New("connection reset")
	}
	return u.Venue.GetPosition(ctx, instrument)
}

type recordingCloser struct {
	calls [][]string
}

func (r *recordingCloser) Close(ctx context.Context, instruments []string) (watchdog.Episode, error) {
	r.calls = append(r.calls, append([]string(nil), instruments...))
	return watchdog.Episode{}, nil
}

func TestScanReturnsUnreadableInstrument(t *testing.T) {
	b := newTestBot(t)
	b.app.primary = unreadable{Venue: b.primary, instrument: "ETH"}

	dirty, err := b.app.scan(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected scan error, got %v", err)
	}
	if len(dirty) != 1 || dirty[0] != "ETH" {
		t.Fatalf("expected ETH returned for closing, got %v", dirty)
	}
}

func TestCycleClosesDirtyAndUnreadable(t *testing.T) {
	b := newTestBot(t)
	b.profitable()
	b.primary.SetPosition("BTC", 1)
	b.app.hedge = unreadable{Venue: b.hedge, instrument: "ETH"}
	closer := &recordingCloser{}
	b.app.closer = closer
	opener := &stubOpener{}
	b.app.opener = opener

	if err := b.app.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(closer.calls) != 1 || strings.Join(closer.calls[0], ",") != "BTC,ETH" {
		t.Fatalf("expected BTC and ETH closed, got %v", closer.calls)
	}
	if opener.calls != 0 {
		t.Fatalf("opened a pair with an unreadable position")
	}
	if !b.notifier.Contains(alerts.SeverityWarning, "connection reset") {
		t.Fatalf("expected read failure warning, got %+v", b.notifier.All())
	}
	if b.app.machine.Current() != strategy.StateScan {
		t.Fatalf("expected SCAN, got %s", b.app.machine.Current())
	}
}

func TestScanCancelsRestingHedgeOrders(t *testing.T) {
	b := newTestBot(t)
	_, err := b.hedge.PlaceOrder(context.Background(), venue.OrderRequest{
		Instrument: "ETH", Side: venue.SideBuy, Quantity: 0.1, Price: 1990, TIF: venue.TifALO,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := b.app.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if b.hedge.OpenOrders() != 0 {
		t.Fatalf("expected resting orders cancelled")
	}
}

func TestHoldUnwindsWhenSpreadDrops(t *testing.T) {
	b := newTestBot(t)
	b.primary.SetFunding("BTC", -0.0001)
	b.hedge.SetFunding("BTC", 0.0001)
	start := b.clock.Now()
	held := &heldPair{
		opp:       strategy.Opportunity{Instrument: "BTC", PrimarySide: venue.SideSell},
		holdUntil: start.Add(time.Hour),
	}

	reason, err := b.app.hold(context.Background(), held)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if !strings.HasPrefix(reason, reasonSpreadDropped) {
		t.Fatalf("unexpected reason %q", reason)
	}
	if got := b.clock.Now().Sub(start); got != 10*time.Minute {
		t.Fatalf("expected one funding check, got %s", got)
	}
}

func TestHoldKeepsPairWhenRatesMissing(t *testing.T) {
	b := newTestBot(t)
	start := b.clock.Now()
	held := &heldPair{
		opp:       strategy.Opportunity{Instrument: "BTC", PrimarySide: venue.SideBuy},
		holdUntil: start.Add(25 * time.Minute),
	}

	reason, err := b.app.hold(context.Background(), held)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if reason != reasonHoldComplete {
		t.Fatalf("unexpected reason %q", reason)
	}
	if got := b.clock.Now().Sub(start); got != 25*time.Minute {
		t.Fatalf("expected hold to run to the end, got %s", got)
	}
}

// blockingClock sleeps until ctx is done.
type blockingClock struct {
	clock.Clock
}

func (blockingClock) Sleep(ctx context.Context, d time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestOperatorCloseEndsHold(t *testing.T) {
	b := newTestBot(t)
	b.app.clock = blockingClock{Clock: b.clock}
	held := &heldPair{
		opp:       strategy.Opportunity{Instrument: "BTC", PrimarySide: venue.SideBuy},
		holdUntil: b.clock.Now().Add(time.Hour),
	}
	b.app.setHeld(held)

	done := make(chan string, 1)
	go func() {
		reason, _ := b.app.hold(context.Background(), held)
		done <- reason
	}()
	deadline := time.After(2 * time.Second)
	for {
		if !b.app.requestClose() {
			t.Fatalf("expected close request accepted")
		}
		select {
		case reason := <-done:
			if reason != reasonOperatorClose {
				t.Fatalf("unexpected reason %q", reason)
			}
			return
		case <-deadline:
			t.Fatalf("hold did not end on close request")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHoldStopsOnCancel(t *testing.T) {
	b := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	held := &heldPair{holdUntil: b.clock.Now().Add(time.Hour)}
	if _, err := b.app.hold(ctx, held); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestStartupCheck(t *testing.T) {
	b := newTestBot(t)
	if err := b.app.startupCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy startup, got %v", err)
	}
	b.hedge.SetHealthy(false)
	if err := b.app.startupCheck(context.Background()); !errors.Is(err, ErrStartupCheck) {
		t.Fatalf("expected startup failure, got %v", err)
	}
	b.hedge.SetHealthy(true)
	b.primary.SetAuthHealthy(false)
	err := b.app.startupCheck(context.Background())
	if !errors.Is(err, ErrStartupCheck) || !strings.Contains(err.Error(), "primary") {
		t.Fatalf("expected primary auth failure, got %v", err)
	}
}

func TestRunStopsOnStartupFailure(t *testing.T) {
	b := newTestBot(t)
	b.hedge.SetHealthy(false)
	err := b.app.Run(context.Background())
	if !errors.Is(err, ErrStartupCheck) {
		t.Fatalf("expected startup error, got %v", err)
	}
	if !b.notifier.Contains(alerts.SeverityCritical, "Bot start failed") {
		t.Fatalf("expected critical notification, got %+v", b.notifier.All())
	}
}

func TestRunUntilCancelled(t *testing.T) {
	b := newTestBot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.app.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if !b.notifier.Contains(alerts.SeverityInfo, "Bot started") || !b.notifier.Contains(alerts.SeverityInfo, "Bot stopped") {
		t.Fatalf("expected start and stop notifications, got %+v", b.notifier.All())
	}
	if !b.store.closed {
		t.Fatalf("expected store closed on shutdown")
	}
}

func TestUniformDurationBounds(t *testing.T) {
	for range 100 {
		d := uniformDuration(10*time.Second, time.Minute)
		if d < 10*time.Second || d > time.Minute {
			t.Fatalf("duration %s out of range", d)
		}
	}
	if got := uniformDuration(time.Second, time.Second); got != time.Second {
		t.Fatalf("expected fixed duration, got %s", got)
	}
}
