package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_level_bot/internal/domain"
)

func testExitConfig() ExitConfig {
	return ExitConfig{
		PrimaryTargetUSD: 250,
		FloorArmUSD:      8,
		FloorUSD:         7,
		StopLossPct:      0.01,
		TrailStartUSD:    5,
		FeeBufferUSD:     0,
		StepMode:         "dollar",
		StepUSD:          10,
		CapUSD:           100,
		HysteresisUSD:    0.5,
		Cooldown:         45 * time.Second,
		ATRMultiplier:    1.5,
		MinGapPct:        0.001,
		FeeRatePct:       0,
	}
}

// longPosition has quantity 1 at entry 50000, so a $1 price move is $1 of P&L.
func longPosition() *domain.Position {
	return &domain.Position{
		ID:            "p1",
		Symbol:        "BTCUSDT",
		Side:          domain.SideLong,
		EntryPrice:    50000,
		Quantity:      1,
		Leverage:      5,
		NotionalValue: 50000,
		Status:        domain.StatusOpen,
		StopLossPrice: 49500,
	}
}

func engineAt(cfg ExitConfig, start time.Time) (*ExitRuleEngine, *time.Time) {
	e := NewExitRuleEngine(cfg)
	now := start
	e.timeNow = func() time.Time { return now }
	return e, &now
}

func TestExitEngine_PrimaryTarget(t *testing.T) {
	cfg := testExitConfig()
	cfg.PrimaryTargetUSD = 10
	e, _ := engineAt(cfg, time.Now())
	pos := longPosition()

	d := e.Evaluate(pos, 50010.5, 0.002)
	assert.True(t, d.Close)
	assert.Equal(t, "primary_target", d.Reason)
}

func TestExitEngine_FloorArmsThenTriggers(t *testing.T) {
	e, _ := engineAt(testExitConfig(), time.Now())
	pos := longPosition()

	d := e.Evaluate(pos, 50008, 0.002)
	require.False(t, d.Close)
	assert.True(t, pos.ProfitFloorActivated)

	// Still above the floor: hysteresis keeps the position open.
	d = e.Evaluate(pos, 50007.5, 0.002)
	require.False(t, d.Close)
	assert.True(t, pos.ProfitFloorActivated, "floor arming is irreversible")

	d = e.Evaluate(pos, 50006.9, 0.002)
	assert.True(t, d.Close)
	assert.Equal(t, "absolute_floor", d.Reason)
}

func TestExitEngine_FloorNotArmedBelowThreshold(t *testing.T) {
	e, _ := engineAt(testExitConfig(), time.Now())
	pos := longPosition()

	d := e.Evaluate(pos, 50007.9, 0.002)
	require.False(t, d.Close)
	assert.False(t, pos.ProfitFloorActivated)

	// Dropping back through the would-be floor closes nothing while unarmed.
	d = e.Evaluate(pos, 50001, 0.002)
	assert.False(t, d.Close)
}

func TestExitEngine_StopLoss(t *testing.T) {
	e, _ := engineAt(testExitConfig(), time.Now())
	pos := longPosition()

	d := e.Evaluate(pos, 49499, 0.002)
	assert.True(t, d.Close)
	assert.Equal(t, "stop_loss", d.Reason)
}

func TestExitEngine_StopLossShort(t *testing.T) {
	e, _ := engineAt(testExitConfig(), time.Now())
	pos := longPosition()
	pos.Side = domain.SideShort
	pos.StopLossPrice = 50500

	d := e.Evaluate(pos, 50501, 0.002)
	assert.True(t, d.Close)
	assert.Equal(t, "stop_loss", d.Reason)
}

func TestExitEngine_TrailingStepArmsAndTightensStop(t *testing.T) {
	e, now := engineAt(testExitConfig(), time.Unix(1700000000, 0))
	pos := longPosition()

	// Net $11 clears step target $10 plus $0.5 hysteresis.
	d := e.Evaluate(pos, 50011, 0.002)
	require.False(t, d.Close)
	assert.Equal(t, 10.0, pos.LockedProfitUSD)
	assert.Equal(t, 50010.0, pos.StopLossPrice, "stop raised to protect the locked $10")

	// A retreat to the stop closes with the trailing reason, not stop_loss.
	*now = now.Add(time.Minute)
	d = e.Evaluate(pos, 50009, 0.002)
	assert.True(t, d.Close)
	assert.Equal(t, "trailing_stop", d.Reason)
}

func TestExitEngine_HysteresisBlocksGrazedBoundary(t *testing.T) {
	e, _ := engineAt(testExitConfig(), time.Unix(1700000000, 0))
	pos := longPosition()

	// Net $10.2 touches the $10 step but not the $0.5 hysteresis margin.
	d := e.Evaluate(pos, 50010.2, 0.002)
	require.False(t, d.Close)
	assert.Equal(t, 0.0, pos.LockedProfitUSD)
	assert.Equal(t, 49500.0, pos.StopLossPrice, "stop untouched")
}

func TestExitEngine_CooldownBlocksRapidSteps(t *testing.T) {
	e, now := engineAt(testExitConfig(), time.Unix(1700000000, 0))
	pos := longPosition()

	d := e.Evaluate(pos, 50011, 0.002)
	require.False(t, d.Close)
	require.Equal(t, 10.0, pos.LockedProfitUSD)

	// Ten seconds later the next step boundary is exceeded, but the
	// cooldown has not elapsed.
	*now = now.Add(10 * time.Second)
	d = e.Evaluate(pos, 50021, 0.002)
	require.False(t, d.Close)
	assert.Equal(t, 10.0, pos.LockedProfitUSD)

	*now = now.Add(50 * time.Second)
	d = e.Evaluate(pos, 50021, 0.002)
	require.False(t, d.Close)
	assert.Equal(t, 20.0, pos.LockedProfitUSD)
}

func TestExitEngine_CapHandsOffToATRTrail(t *testing.T) {
	cfg := testExitConfig()
	cfg.PrimaryTargetUSD = 1000
	e, now := engineAt(cfg, time.Unix(1700000000, 0))
	pos := longPosition()

	// Climb the ladder in $10 steps until the $100 cap.
	price := 50000.0
	for step := 1; step <= 12; step++ {
		price += 10
		*now = now.Add(time.Minute)
		d := e.Evaluate(pos, price+1, 0.002)
		require.False(t, d.Close)
	}
	assert.Equal(t, 100.0, pos.LockedProfitUSD, "locked profit caps at 100")

	// Past the cap the ATR trail takes over: gap = atr_pct * multiplier.
	*now = now.Add(time.Minute)
	d := e.Evaluate(pos, 50300, 0.002)
	require.False(t, d.Close)
	assert.InDelta(t, 50300*(1-0.003), pos.StopLossPrice, 1e-6)

	// Further favorable movement keeps tightening.
	prev := pos.StopLossPrice
	*now = now.Add(time.Minute)
	d = e.Evaluate(pos, 50400, 0.002)
	require.False(t, d.Close)
	assert.Greater(t, pos.StopLossPrice, prev)

	// A pullback must never loosen the stop.
	prev = pos.StopLossPrice
	*now = now.Add(time.Minute)
	d = e.Evaluate(pos, 50350, 0.002)
	require.False(t, d.Close)
	assert.Equal(t, prev, pos.StopLossPrice)
}

func TestExitEngine_ATRTrailUsesMinGapFloor(t *testing.T) {
	cfg := testExitConfig()
	cfg.MinGapPct = 0.005
	e, now := engineAt(cfg, time.Unix(1700000000, 0))
	pos := longPosition()
	pos.LockedProfitUSD = 100
	pos.LastStepUSD = 100

	// atr_pct*mult = 0.0015 is below the 0.005 floor.
	*now = now.Add(time.Minute)
	d := e.Evaluate(pos, 50200, 0.001)
	require.False(t, d.Close)
	assert.InDelta(t, 50200*(1-0.005), pos.StopLossPrice, 1e-6)
}

func TestExitEngine_StopOnlyTightens(t *testing.T) {
	e, now := engineAt(testExitConfig(), time.Unix(1700000000, 0))

	t.Run("long stop never falls", func(t *testing.T) {
		pos := longPosition()
		stops := []float64{pos.StopLossPrice}
		prices := []float64{50011, 50025, 50021, 50035, 50031}
		for _, p := range prices {
			*now = now.Add(time.Minute)
			e.Evaluate(pos, p, 0.002)
			stops = append(stops, pos.StopLossPrice)
		}
		for i := 1; i < len(stops); i++ {
			assert.GreaterOrEqual(t, stops[i], stops[i-1])
		}
	})

	t.Run("short stop never rises", func(t *testing.T) {
		pos := longPosition()
		pos.Side = domain.SideShort
		pos.StopLossPrice = 50500
		stops := []float64{pos.StopLossPrice}
		prices := []float64{49989, 49975, 49979, 49965, 49969}
		for _, p := range prices {
			*now = now.Add(time.Minute)
			e.Evaluate(pos, p, 0.002)
			stops = append(stops, pos.StopLossPrice)
		}
		for i := 1; i < len(stops); i++ {
			assert.LessOrEqual(t, stops[i], stops[i-1])
		}
	})
}

func TestExitEngine_NetPnLIncludesFees(t *testing.T) {
	cfg := testExitConfig()
	cfg.FeeRatePct = 0.00055
	e, _ := engineAt(cfg, time.Now())
	pos := longPosition()

	// Gross $100, minus 0.055% taker fee on 50000 notional both ways.
	net := e.NetPnL(pos, 50100)
	assert.InDelta(t, 100-0.00055*50000*2, net, 1e-9)
}

func TestExitEngine_TrailRequiresProfit(t *testing.T) {
	e, _ := engineAt(testExitConfig(), time.Unix(1700000000, 0))
	pos := longPosition()

	d := e.Evaluate(pos, 49900, 0.002)
	require.False(t, d.Close)
	assert.Equal(t, 0.0, pos.LockedProfitUSD)
	assert.Equal(t, 49500.0, pos.StopLossPrice)
}

func TestExitEngine_InitialStop(t *testing.T) {
	e := NewExitRuleEngine(testExitConfig())
	assert.InDelta(t, 49500, e.InitialStop(domain.SideLong, 50000), 1e-9)
	assert.InDelta(t, 50500, e.InitialStop(domain.SideShort, 50000), 1e-9)
}
