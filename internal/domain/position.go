package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

type PositionStatus string

const (
	StatusPending PositionStatus = "pending"
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// Position is a leveraged position owned and mutated exclusively by the
// lifecycle manager and the exit engine it invokes. Once closed it is moved
// to trade history and never mutated again.
//
// Invariants:
//   - at most one open position per (symbol, side)
//   - StopLossPrice only ever tightens (LONG: non-decreasing, SHORT: non-increasing)
//   - ProfitFloorActivated never reverts to false
//   - RealizedPnL is computed once on close
type Position struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`
	Side             Side           `json:"side"`
	EntryPrice       float64        `json:"entry_price"`
	Quantity         float64        `json:"quantity"`
	Leverage         int            `json:"leverage"`
	CapitalAllocated float64        `json:"capital_allocated"`
	NotionalValue    float64        `json:"notional_value"`
	EntryTime        time.Time      `json:"entry_time"`
	Status           PositionStatus `json:"status"`

	LockedProfitUSD      float64   `json:"locked_profit_usd"`
	LastStepUSD          float64   `json:"last_step_usd"`
	LastStepTime         time.Time `json:"last_step_time"`
	ProfitFloorActivated bool      `json:"profit_floor_activated"`

	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`

	ExitTime    time.Time `json:"exit_time,omitempty"`
	ExitPrice   float64   `json:"exit_price,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// Trade is the immutable record of a closed position.
type Trade struct {
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	Leverage    int       `json:"leverage"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	ExitReason  string    `json:"exit_reason"`
	RealizedPnL float64   `json:"realized_pnl"`
}
