package strategy

import "delta-hedge-bot/internal/venue"

type State string

type Event string

const (
	StateScan     State = "SCAN"
	StateRescue   State = "RESCUE"
	StateAnalyze  State = "ANALYZE"
	StateOpen     State = "OPEN"
	StateHold     State = "HOLD"
	StateClose    State = "CLOSE"
	StateCooldown State = "COOLDOWN"
)

const (
	EventDirty         Event = "DIRTY"
	EventClean         Event = "CLEAN"
	EventRescued       Event = "RESCUED"
	EventOpportunity   Event = "OPPORTUNITY"
	EventNoOpportunity Event = "NO_OPPORTUNITY"
	EventOpened        Event = "OPENED"
	EventOpenFailed    Event = "OPEN_FAILED"
	EventUnwind        Event = "UNWIND"
	EventClosed        Event = "CLOSED"
	EventCooledDown    Event = "COOLED_DOWN"
	EventFailed        Event = "FAILED"
)

// Opportunity is a scored funding spread for one instrument. PrimarySide is
// the direction taken on the primary venue; the hedge takes the opposite.
type Opportunity struct {
	Instrument   string
	PrimarySide  venue.Side
	APY          float64
	HourlySpread float64
	PrimaryRate  float64
	HedgeRate    float64
}

func (o Opportunity) HedgeSide() venue.Side {
	return o.PrimarySide.Opposite()
}
