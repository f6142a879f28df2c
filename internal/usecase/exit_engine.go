package usecase

import (
	"math"
	"time"

	"github.com/vitos/crypto_level_bot/internal/domain"
)

type ExitConfig struct {
	PrimaryTargetUSD float64
	FloorArmUSD      float64
	FloorUSD         float64
	StopLossPct      float64 // adverse move from entry, as fraction

	TrailStartUSD float64
	FeeBufferUSD  float64
	StepMode      string // "dollar" or "percent"
	StepUSD       float64
	StepPercent   float64 // fraction of notional, fixed at open
	CapUSD        float64
	HysteresisUSD float64
	Cooldown      time.Duration
	ATRMultiplier float64
	MinGapPct     float64 // floor on the ATR trail gap, as fraction
	FeeRatePct    float64 // taker fee per side, as fraction of notional
}

// Decision is the engine's verdict for one tick. At most one close is ever
// signalled per tick.
type Decision struct {
	Close  bool
	Reason string
}

// ExitRuleEngine evaluates an open position against the exit policy on every
// monitoring tick. Rules are checked in priority order, first match wins:
//
//  1. primary target: net P&L reached the take amount
//  2. absolute floor: armed once, then closes when P&L falls below the floor
//  3. stop loss: price beyond the protective stop
//  4. trailing: locks profit in steps and tightens the stop, handing off to an
//     ATR trail once locked profit reaches the cap
//
// Rule 4 never closes by itself; it only moves the stop that rule 3 enforces.
// The stop is only ever tightened, never loosened.
type ExitRuleEngine struct {
	cfg ExitConfig

	timeNow func() time.Time // For testing
}

func NewExitRuleEngine(cfg ExitConfig) *ExitRuleEngine {
	if cfg.StepMode == "" {
		cfg.StepMode = "dollar"
	}
	if cfg.ATRMultiplier <= 0 {
		cfg.ATRMultiplier = 1.5
	}
	if cfg.MinGapPct <= 0 {
		cfg.MinGapPct = 0.001
	}
	return &ExitRuleEngine{cfg: cfg, timeNow: time.Now}
}

// NetPnL is the unrealized P&L net of an estimated round-trip taker fee.
// Every rule threshold in the engine compares against this, never gross.
func (e *ExitRuleEngine) NetPnL(pos *domain.Position, price float64) float64 {
	gross := (price - pos.EntryPrice) * pos.Quantity * pos.Side.Sign()
	fees := e.cfg.FeeRatePct * pos.NotionalValue * 2
	return gross - fees
}

// Evaluate mutates pos (floor arming, trailing state, stop tightening) and
// returns the close decision, if any.
func (e *ExitRuleEngine) Evaluate(pos *domain.Position, price, atrPct float64) Decision {
	net := e.NetPnL(pos, price)

	// Rule 1: primary target.
	if net >= e.cfg.PrimaryTargetUSD {
		return Decision{Close: true, Reason: "primary_target"}
	}

	// Rule 2: absolute floor, with hysteresis between arm and trigger.
	if !pos.ProfitFloorActivated && net >= e.cfg.FloorArmUSD {
		pos.ProfitFloorActivated = true
	}
	if pos.ProfitFloorActivated && net < e.cfg.FloorUSD {
		return Decision{Close: true, Reason: "absolute_floor"}
	}

	// Rule 3: protective stop. Set at entry, tightened only by rule 4.
	if e.stopHit(pos, price) {
		reason := "stop_loss"
		if pos.LockedProfitUSD > 0 {
			reason = "trailing_stop"
		}
		return Decision{Close: true, Reason: reason}
	}

	// Rule 4: hybrid trailing. Only advances while in profit.
	if net > 0 {
		e.trail(pos, price, atrPct, net)
	}

	return Decision{}
}

func (e *ExitRuleEngine) stopHit(pos *domain.Position, price float64) bool {
	if pos.StopLossPrice <= 0 {
		return false
	}
	if pos.Side == domain.SideLong {
		return price <= pos.StopLossPrice
	}
	return price >= pos.StopLossPrice
}

func (e *ExitRuleEngine) trail(pos *domain.Position, price, atrPct, net float64) {
	// Past the cap, the dollar ladder is done; a tight ATR trail takes over.
	if pos.LockedProfitUSD >= e.cfg.CapUSD && e.cfg.CapUSD > 0 {
		e.atrTrail(pos, price, atrPct)
		return
	}

	if net <= e.cfg.TrailStartUSD+e.cfg.FeeBufferUSD {
		return
	}

	stepTarget := math.Min(e.cfg.CapUSD, pos.LastStepUSD+e.stepIncrement(pos))
	if stepTarget <= pos.LastStepUSD {
		return
	}

	// Hysteresis: the step must be exceeded by a margin, not merely touched,
	// and a cooldown must have elapsed since the previous step. A price that
	// grazes the boundary and retreats within the cooldown arms nothing.
	if net < stepTarget+e.cfg.HysteresisUSD {
		return
	}
	now := e.timeNow()
	if !pos.LastStepTime.IsZero() && now.Sub(pos.LastStepTime) < e.cfg.Cooldown {
		return
	}

	pos.LockedProfitUSD = stepTarget
	pos.LastStepUSD = stepTarget
	pos.LastStepTime = now
	e.tightenStop(pos, e.stopForLockedProfit(pos))

	if pos.LockedProfitUSD >= e.cfg.CapUSD {
		e.atrTrail(pos, price, atrPct)
	}
}

// stepIncrement is fixed in dollars, or as a fraction of the notional frozen
// at open. Leverage changes mid-trade never move the ladder.
func (e *ExitRuleEngine) stepIncrement(pos *domain.Position) float64 {
	if e.cfg.StepMode == "percent" {
		return e.cfg.StepPercent * pos.NotionalValue
	}
	return e.cfg.StepUSD
}

// stopForLockedProfit converts the locked dollar amount back into a price at
// which closing realizes at least that amount net of fees.
func (e *ExitRuleEngine) stopForLockedProfit(pos *domain.Position) float64 {
	guard := pos.LockedProfitUSD + e.cfg.FeeBufferUSD + e.cfg.FeeRatePct*pos.NotionalValue*2
	delta := guard / pos.Quantity
	if pos.Side == domain.SideLong {
		return pos.EntryPrice + delta
	}
	return pos.EntryPrice - delta
}

func (e *ExitRuleEngine) atrTrail(pos *domain.Position, price, atrPct float64) {
	gap := math.Max(atrPct*e.cfg.ATRMultiplier, e.cfg.MinGapPct)
	var proposed float64
	if pos.Side == domain.SideLong {
		proposed = price * (1 - gap)
	} else {
		proposed = price * (1 + gap)
	}
	e.tightenStop(pos, proposed)
}

// tightenStop applies a proposed stop only when it is stricter than the
// current one. LONG stops only rise, SHORT stops only fall.
func (e *ExitRuleEngine) tightenStop(pos *domain.Position, proposed float64) {
	if proposed <= 0 {
		return
	}
	if pos.StopLossPrice <= 0 {
		pos.StopLossPrice = proposed
		return
	}
	if pos.Side == domain.SideLong && proposed > pos.StopLossPrice {
		pos.StopLossPrice = proposed
	}
	if pos.Side == domain.SideShort && proposed < pos.StopLossPrice {
		pos.StopLossPrice = proposed
	}
}

// InitialStop derives the entry-time protective stop from the configured
// adverse percentage.
func (e *ExitRuleEngine) InitialStop(side domain.Side, entryPrice float64) float64 {
	if e.cfg.StopLossPct <= 0 {
		return 0
	}
	if side == domain.SideLong {
		return entryPrice * (1 - e.cfg.StopLossPct)
	}
	return entryPrice * (1 + e.cfg.StopLossPct)
}
