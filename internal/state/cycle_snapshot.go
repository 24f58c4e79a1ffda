package state

import "context"

const CycleSnapshotKey = "cycle:last_snapshot"

// CycleSnapshot is the last observed cycle position, kept for operator
// status and restart diagnostics. Venue positions stay the source of truth.
type CycleSnapshot struct {
	State       string  `json:"state"`
	Instrument  string  `json:"instrument,omitempty"`
	PrimarySide string  `json:"primary_side,omitempty"`
	PrimarySize float64 `json:"primary_size,omitempty"`
	HedgeSize   float64 `json:"hedge_size,omitempty"`
	NotionalUSD float64 `json:"notional_usd,omitempty"`
	EntryAPY    float64 `json:"entry_apy,omitempty"`
	OpenedAtMS  int64   `json:"opened_at_ms,omitempty"`
	HoldUntilMS int64   `json:"hold_until_ms,omitempty"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	var snapshot CycleSnapshot
	ok, err := LoadJSON(ctx, store, CycleSnapshotKey, &snapshot)
	if err != nil || !ok {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	return SaveJSON(ctx, store, CycleSnapshotKey, snapshot)
}
