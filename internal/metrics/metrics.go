package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced   Counter
	OrdersFailed   Counter
	OpensSucceeded Counter
	OpensFailed    Counter
	Rollbacks      Counter
	CloseEpisodes  Counter
	CloseAlerts    Counter
	CycleErrors    Counter
	VenueResets    Counter

	LastOpportunityAPY Gauge
	CloseRemaining     Gauge
}

type noop struct{}

func (noop) Inc()        {}
func (noop) Set(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:       n,
		OrdersFailed:       n,
		OpensSucceeded:     n,
		OpensFailed:        n,
		Rollbacks:          n,
		CloseEpisodes:      n,
		CloseAlerts:        n,
		CycleErrors:        n,
		VenueResets:        n,
		LastOpportunityAPY: n,
		CloseRemaining:     n,
	}
}
