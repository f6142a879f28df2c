package usecase_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_level_bot/internal/domain"
	"github.com/vitos/crypto_level_bot/internal/usecase"
)

// bounceCandles builds history where price touches 100 three times and
// rallies about 3 points after each touch.
func bounceCandles() []domain.Candle {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, 40)
	for i := range candles {
		candles[i] = domain.Candle{
			Time:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   102,
			High:   102.5,
			Low:    101.5,
			Close:  102,
			Volume: 100,
		}
	}
	for _, touch := range []int{5, 15, 25} {
		candles[touch] = domain.Candle{Time: candles[touch].Time, Open: 100.3, High: 100.3, Low: 99.9, Close: 100, Volume: 150}
		candles[touch+1] = domain.Candle{Time: candles[touch+1].Time, Open: 100.4, High: 101, Low: 100.4, Close: 101, Volume: 120}
		candles[touch+2] = domain.Candle{Time: candles[touch+2].Time, Open: 101, High: 102, Low: 101, Close: 102, Volume: 110}
		candles[touch+3] = domain.Candle{Time: candles[touch+3].Time, Open: 102, High: 103, Low: 102, Close: 102.5, Volume: 100}
	}
	return candles
}

func supportLevel() *domain.PriceLevel {
	return &domain.PriceLevel{
		Symbol:        "ETHUSDT",
		Price:         100,
		LevelType:     domain.LevelSupport,
		TouchCount:    3,
		StrengthScore: 70,
	}
}

func testCalculatorConfig() usecase.TargetCalculatorConfig {
	return usecase.TargetCalculatorConfig{
		TargetMult:      0.8,
		StopMult:        0.5,
		MinMovePct:      0.003,
		MaxMovePct:      0.03,
		MinRiskReward:   1.2,
		MinSampleSize:   3,
		ReactionHorizon: 12,
		TolerancePct:    0.002,
	}
}

func TestTargetCalculator_LongAtSupport(t *testing.T) {
	calc := usecase.NewStatisticalTargetCalculator(testCalculatorConfig())
	targets, err := calc.Calculate(supportLevel(), 101.5, bounceCandles(), domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, targets)

	assert.InDelta(t, 100, targets.EntryPrice, 1e-9)
	assert.Greater(t, targets.ProfitTarget, targets.EntryPrice)
	assert.Less(t, targets.StopLoss, targets.EntryPrice)
	assert.Equal(t, 3, targets.SampleSize)

	assert.GreaterOrEqual(t, targets.ProfitProbability, 0.0)
	assert.LessOrEqual(t, targets.ProfitProbability, 1.0)
	assert.GreaterOrEqual(t, targets.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, targets.ConfidenceScore, 100.0)
	assert.GreaterOrEqual(t, targets.RiskRewardRatio, 1.2)
}

func TestTargetCalculator_EveryBounceWins(t *testing.T) {
	calc := usecase.NewStatisticalTargetCalculator(testCalculatorConfig())
	targets, err := calc.Calculate(supportLevel(), 101.5, bounceCandles(), domain.SideLong)
	require.NoError(t, err)

	// All three historical touches rallied past the target without hitting
	// the stop first.
	assert.InDelta(t, 1.0, targets.ProfitProbability, 1e-9)
}

func TestTargetCalculator_InsufficientSample(t *testing.T) {
	cfg := testCalculatorConfig()
	cfg.MinSampleSize = 5
	calc := usecase.NewStatisticalTargetCalculator(cfg)

	targets, err := calc.Calculate(supportLevel(), 101.5, bounceCandles(), domain.SideLong)
	assert.Nil(t, targets)
	assert.True(t, errors.Is(err, domain.ErrInsufficientSample))
}

func TestTargetCalculator_RiskRewardGate(t *testing.T) {
	cfg := testCalculatorConfig()
	cfg.MinRiskReward = 10
	calc := usecase.NewStatisticalTargetCalculator(cfg)

	targets, err := calc.Calculate(supportLevel(), 101.5, bounceCandles(), domain.SideLong)
	assert.Nil(t, targets)
	assert.True(t, errors.Is(err, domain.ErrValidationRejected))
}

func TestTargetCalculator_DegenerateLevel(t *testing.T) {
	calc := usecase.NewStatisticalTargetCalculator(testCalculatorConfig())

	targets, err := calc.Calculate(nil, 101.5, bounceCandles(), domain.SideLong)
	assert.Nil(t, targets)
	assert.Error(t, err)

	targets, err = calc.Calculate(&domain.PriceLevel{Price: 0}, 101.5, bounceCandles(), domain.SideLong)
	assert.Nil(t, targets)
	assert.Error(t, err)
}

func TestTargetCalculator_SlippageAdjustsEntry(t *testing.T) {
	cfg := testCalculatorConfig()
	cfg.SlippagePct = 0.001
	calc := usecase.NewStatisticalTargetCalculator(cfg)

	targets, err := calc.Calculate(supportLevel(), 101.5, bounceCandles(), domain.SideLong)
	require.NoError(t, err)
	assert.InDelta(t, 100.1, targets.EntryPrice, 1e-9, "long entry slips upward")
}
