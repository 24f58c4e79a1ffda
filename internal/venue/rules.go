package venue

import (
	"math"

	"github.com/shopspring/decimal"
)

// Rules are the per-instrument trading constraints of a venue.
type Rules struct {
	Tick    float64
	LotSize float64
	MinSize float64
}

var DefaultRules = Rules{Tick: 0.01, LotSize: 0.001, MinSize: 0.001}

func (r Rules) withDefaults() Rules {
	if r.Tick <= 0 {
		r.Tick = DefaultRules.Tick
	}
	if r.LotSize <= 0 {
		r.LotSize = DefaultRules.LotSize
	}
	if r.MinSize < r.LotSize {
		r.MinSize = r.LotSize
	}
	return r
}

// IsFlat reports whether a signed size is below the minimum tradable size.
// The minimum is never smaller than one lot.
func (r Rules) IsFlat(size float64) bool {
	return math.Abs(size) < r.withDefaults().MinSize
}

func (r Rules) RoundSize(qty float64) float64 {
	return floorToStep(qty, r.withDefaults().LotSize)
}

func (r Rules) RoundPrice(price float64) float64 {
	return floorToStep(price, r.withDefaults().Tick)
}

func (r Rules) TickSize() float64 {
	return r.withDefaults().Tick
}

func floorToStep(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return value
	}
	v := normalize(value)
	s := decimal.NewFromFloat(step)
	out, _ := v.Div(s).Floor().Mul(s).Float64()
	return out
}

// CeilPrice snaps price up to the tick grid.
func (r Rules) CeilPrice(price float64) float64 {
	step := decimal.NewFromFloat(r.withDefaults().Tick)
	out, _ := normalize(price).Div(step).Ceil().Mul(step).Float64()
	return out
}

// OffsetTicks snaps price to the nearest tick and moves it n ticks.
func (r Rules) OffsetTicks(price float64, n int) float64 {
	step := decimal.NewFromFloat(r.withDefaults().Tick)
	ticks := normalize(price).Div(step).Round(0).Add(decimal.NewFromInt(int64(n)))
	out, _ := ticks.Mul(step).Float64()
	return out
}

// normalize drops binary noise such as 106.05000000000001 before snapping.
func normalize(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value).Round(9)
}
