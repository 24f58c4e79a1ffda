package strategy

import (
	"errors"
	"fmt"
	"math"

	"delta-hedge-bot/internal/venue"
)

var (
	ErrSpreadTooWide = errors.New("price spread above threshold")
	ErrInvalidQuote  = errors.New("invalid quote")
	ErrLegDrift      = errors.New("hedge legs drifted apart")
)

// CrossingCost is the relative price paid to cross both books at once when
// taking primarySide on the primary venue and the opposite side on the hedge.
func CrossingCost(primarySide venue.Side, primary, hedge venue.Quote) (float64, error) {
	if !primary.Valid() || !hedge.Valid() {
		return 0, ErrInvalidQuote
	}
	if primarySide == venue.SideBuy {
		return (primary.Ask - hedge.Bid) / hedge.Bid, nil
	}
	return (hedge.Ask - primary.Bid) / primary.Bid, nil
}

func CheckOpenSpread(primarySide venue.Side, primary, hedge venue.Quote, maxSpread float64) (float64, error) {
	cost, err := CrossingCost(primarySide, primary, hedge)
	if err != nil {
		return 0, err
	}
	if cost > maxSpread {
		return cost, fmt.Errorf("crossing cost %.5f above %.5f: %w", cost, maxSpread, ErrSpreadTooWide)
	}
	return cost, nil
}

// CheckLegDrift compares absolute leg sizes against a relative tolerance.
func CheckLegDrift(primarySize, hedgeSize, tolerance float64) error {
	p, h := math.Abs(primarySize), math.Abs(hedgeSize)
	if p == 0 {
		if h == 0 {
			return nil
		}
		return fmt.Errorf("primary flat, hedge %.6f: %w", h, ErrLegDrift)
	}
	drift := math.Abs(p-h) / p
	if drift > tolerance {
		return fmt.Errorf("drift %.4f above %.4f: %w", drift, tolerance, ErrLegDrift)
	}
	return nil
}
