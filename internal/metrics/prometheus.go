package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const promNamespace = "delta_hedge_bot"

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	ordersPlaced   prometheus.Counter
	ordersFailed   prometheus.Counter
	opensSucceeded prometheus.Counter
	opensFailed    prometheus.Counter
	rollbacks      prometheus.Counter
	closeEpisodes  prometheus.Counter
	closeAlerts    prometheus.Counter
	cycleErrors    prometheus.Counter
	venueResets    prometheus.Counter
	opportunityAPY prometheus.Gauge
	closeRemaining prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:       prometheus.NewRegistry(),
		ordersPlaced:   newCounter("orders_placed_total", "Total number of orders accepted by a venue."),
		ordersFailed:   newCounter("orders_failed_total", "Total number of order placement failures."),
		opensSucceeded: newCounter("opens_succeeded_total", "Total number of hedge pairs opened."),
		opensFailed:    newCounter("opens_failed_total", "Total number of aborted or failed opens."),
		rollbacks:      newCounter("rollbacks_total", "Total number of primary leg rollbacks."),
		closeEpisodes:  newCounter("close_episodes_total", "Total number of safe-close episodes completed."),
		closeAlerts:    newCounter("close_alerts_total", "Total number of stuck-close alerts sent."),
		cycleErrors:    newCounter("cycle_errors_total", "Total number of failed cycles."),
		venueResets:    newCounter("venue_resets_total", "Total number of venue connection resets."),
		opportunityAPY: newGauge("last_opportunity_apy", "APY of the last selected opportunity."),
		closeRemaining: newGauge("close_remaining_instruments", "Instruments still exposed in the running close episode."),
	}
	p.registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.opensSucceeded, p.opensFailed, p.rollbacks,
		p.closeEpisodes, p.closeAlerts, p.cycleErrors, p.venueResets,
		p.opportunityAPY, p.closeRemaining,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:       p.ordersPlaced,
		OrdersFailed:       p.ordersFailed,
		OpensSucceeded:     p.opensSucceeded,
		OpensFailed:        p.opensFailed,
		Rollbacks:          p.rollbacks,
		CloseEpisodes:      p.closeEpisodes,
		CloseAlerts:        p.closeAlerts,
		CycleErrors:        p.cycleErrors,
		VenueResets:        p.venueResets,
		LastOpportunityAPY: p.opportunityAPY,
		CloseRemaining:     p.closeRemaining,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (p *Prometheus) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
