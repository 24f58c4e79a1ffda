package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"delta-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// FundingSample is one scored instrument from a scan.
type FundingSample struct {
	Time        time.Time
	Instrument  string
	PrimaryRate float64
	HedgeRate   float64
	APY         float64
	PrimarySide string
}

// CycleEvent records a cycle controller transition with the position context
// at that moment.
type CycleEvent struct {
	Time        time.Time
	State       string
	Event       string
	Instrument  string
	PrimarySide string
	PrimarySize float64
	HedgeSize   float64
	NotionalUSD float64
	APY         float64
}

type CloseEpisode struct {
	ID          string
	Instruments []string
	Started     time.Time
	Finished    time.Time
	Rounds      int
	Alerted     bool
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	samples   chan FundingSample
	events    chan CycleEvent
	episodes  chan CloseEpisode
	started   atomic.Bool
	dropSamp  atomic.Uint64
	dropEvent atomic.Uint64
	dropEpis  atomic.Uint64
}

// New returns a nil Writer when recording is disabled. All Writer methods
// accept a nil receiver.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		samples:  make(chan FundingSample, queueSize),
		events:   make(chan CycleEvent, queueSize),
		episodes: make(chan CloseEpisode, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSample(sample FundingSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
	default:
		if w.dropSamp.Add(1) == 1 {
			w.log.Warn("timescale funding queue full")
		}
	}
}

func (w *Writer) EnqueueEvent(event CycleEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- event:
	default:
		if w.dropEvent.Add(1) == 1 {
			w.log.Warn("timescale cycle event queue full")
		}
	}
}

func (w *Writer) EnqueueEpisode(episode CloseEpisode) {
	if w == nil {
		return
	}
	select {
	case w.episodes <- episode:
	default:
		if w.dropEpis.Add(1) == 1 {
			w.log.Warn("timescale close episode queue full")
		}
	}
}

// Dropped reports how many records were discarded because a queue was full.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropSamp.Load() + w.dropEvent.Load() + w.dropEpis.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeSample(ctx, sample)
		case event := <-w.events:
			w.writeEvent(ctx, event)
		case episode := <-w.episodes:
			w.writeEpisode(ctx, episode)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		primary_rate DOUBLE PRECISION NOT NULL,
		hedge_rate DOUBLE PRECISION NOT NULL,
		apy DOUBLE PRECISION NOT NULL,
		primary_side TEXT NOT NULL,
		PRIMARY KEY (ts, instrument)
	)`, w.table("funding_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL,
		event TEXT NOT NULL,
		instrument TEXT NOT NULL,
		primary_side TEXT NOT NULL,
		primary_size DOUBLE PRECISION NOT NULL,
		hedge_size DOUBLE PRECISION NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		apy DOUBLE PRECISION NOT NULL
	)`, w.table("cycle_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		instruments TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		rounds INTEGER NOT NULL,
		alerted BOOLEAN NOT NULL
	)`, w.table("close_episodes"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"funding_samples", "cycle_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSample(ctx context.Context, s FundingSample) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, primary_rate, hedge_rate, apy, primary_side
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (ts, instrument) DO NOTHING`, w.table("funding_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		s.Time, s.Instrument, s.PrimaryRate, s.HedgeRate, s.APY, s.PrimarySide,
	); err != nil {
		w.log.Warn("timescale funding insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, e CycleEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, state, event, instrument, primary_side, primary_size, hedge_size, notional_usd, apy
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("cycle_events"))
	if _, err := w.db.ExecContext(ctx, query,
		e.Time, e.State, e.Event, e.Instrument, e.PrimarySide, e.PrimarySize, e.HedgeSize, e.NotionalUSD, e.APY,
	); err != nil {
		w.log.Warn("timescale cycle event insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEpisode(ctx context.Context, e CloseEpisode) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		id, instruments, started_at, finished_at, rounds, alerted
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (id) DO UPDATE SET
		finished_at = EXCLUDED.finished_at,
		rounds = EXCLUDED.rounds,
		alerted = EXCLUDED.alerted`, w.table("close_episodes"))
	if _, err := w.db.ExecContext(ctx, query,
		e.ID, strings.Join(e.Instruments, ","), e.Started, e.Finished, e.Rounds, e.Alerted,
	); err != nil {
		w.log.Warn("timescale close episode upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
