package usecase

import (
	"fmt"
	"math"
	"sort"

	"github.com/vitos/crypto_level_bot/internal/domain"
)

type TargetCalculatorConfig struct {
	TargetMult      float64 // target distance = reaction magnitude * this
	StopMult        float64 // stop distance = reaction magnitude * this
	MinMovePct      float64 // clamp floor for target/stop distances
	MaxMovePct      float64 // clamp ceiling
	MinRiskReward   float64
	MinSampleSize   int
	ReactionHorizon int     // bars after a touch scanned for target-before-stop
	SlippagePct     float64 // entry adjusted against the trade direction
	TolerancePct    float64 // what counts as a "touch" of the level
}

// StatisticalTargetCalculator turns one level plus history into an
// entry/target/stop plan with an empirical probability. Callers must treat a
// nil result as "no opportunity here", not a failure.
type StatisticalTargetCalculator struct {
	cfg TargetCalculatorConfig
}

func NewStatisticalTargetCalculator(cfg TargetCalculatorConfig) *StatisticalTargetCalculator {
	if cfg.TargetMult <= 0 {
		cfg.TargetMult = 0.8
	}
	if cfg.StopMult <= 0 {
		cfg.StopMult = 0.5
	}
	if cfg.MinMovePct <= 0 {
		cfg.MinMovePct = 0.003
	}
	if cfg.MaxMovePct <= 0 {
		cfg.MaxMovePct = 0.03
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 3
	}
	if cfg.ReactionHorizon <= 0 {
		cfg.ReactionHorizon = 12
	}
	if cfg.TolerancePct <= 0 {
		cfg.TolerancePct = 0.002
	}
	return &StatisticalTargetCalculator{cfg: cfg}
}

// Calculate computes targets for trading level toward direction. It returns
// domain.ErrInsufficientSample when history offers too few comparable touches
// and domain.ErrValidationRejected when the risk/reward gate fails.
func (c *StatisticalTargetCalculator) Calculate(level *domain.PriceLevel, currentPrice float64, candles []domain.Candle, direction domain.Side) (*domain.TradingTargets, error) {
	if level == nil || level.Price <= 0 || currentPrice <= 0 {
		return nil, fmt.Errorf("%w: degenerate level", domain.ErrInsufficientSample)
	}

	tolerance := level.Price * c.cfg.TolerancePct
	touches := c.touchIndexes(level.Price, tolerance, candles)
	if len(touches) < c.cfg.MinSampleSize {
		return nil, fmt.Errorf("%w: %d touches, need %d", domain.ErrInsufficientSample, len(touches), c.cfg.MinSampleSize)
	}

	reaction := c.medianReaction(level.Price, touches, candles, direction)
	if reaction <= 0 {
		return nil, fmt.Errorf("%w: no measurable reaction", domain.ErrInsufficientSample)
	}
	reactionPct := reaction / level.Price

	targetPct := clamp(reactionPct*c.cfg.TargetMult, c.cfg.MinMovePct, c.cfg.MaxMovePct)
	stopPct := clamp(reactionPct*c.cfg.StopMult, c.cfg.MinMovePct, c.cfg.MaxMovePct)

	sign := direction.Sign()
	entry := level.Price * (1 + c.cfg.SlippagePct*sign)
	target := entry * (1 + targetPct*sign)
	stop := entry * (1 - stopPct*sign)

	rr := math.Abs(target-entry) / math.Abs(entry-stop)
	if rr < c.cfg.MinRiskReward {
		return nil, fmt.Errorf("%w: risk/reward %.2f below %.2f", domain.ErrValidationRejected, rr, c.cfg.MinRiskReward)
	}

	probability := c.targetBeforeStop(touches, candles, direction, entry, target, stop)
	confidence := c.confidence(level.StrengthScore, probability, len(touches))

	return &domain.TradingTargets{
		EntryPrice:        entry,
		ProfitTarget:      target,
		StopLoss:          stop,
		ProfitProbability: probability,
		RiskRewardRatio:   rr,
		ConfidenceScore:   confidence,
		SampleSize:        len(touches),
	}, nil
}

// touchIndexes returns candle indexes whose range overlaps the tolerance band
// around the level. Consecutive overlapping bars count as one touch.
func (c *StatisticalTargetCalculator) touchIndexes(levelPrice, tolerance float64, candles []domain.Candle) []int {
	var touches []int
	inTouch := false
	for i, candle := range candles {
		overlaps := candle.Low <= levelPrice+tolerance && candle.High >= levelPrice-tolerance
		if overlaps && !inTouch {
			touches = append(touches, i)
		}
		inTouch = overlaps
	}
	return touches
}

// medianReaction measures, for each touch, the maximum favorable excursion
// from the level within the horizon, and returns the median of those.
func (c *StatisticalTargetCalculator) medianReaction(levelPrice float64, touches []int, candles []domain.Candle, direction domain.Side) float64 {
	var reactions []float64
	for _, idx := range touches {
		end := idx + c.cfg.ReactionHorizon
		if end > len(candles) {
			end = len(candles)
		}
		best := 0.0
		for i := idx; i < end; i++ {
			var excursion float64
			if direction == domain.SideLong {
				excursion = candles[i].High - levelPrice
			} else {
				excursion = levelPrice - candles[i].Low
			}
			if excursion > best {
				best = excursion
			}
		}
		if best > 0 {
			reactions = append(reactions, best)
		}
	}
	if len(reactions) == 0 {
		return 0
	}
	sort.Float64s(reactions)
	mid := len(reactions) / 2
	if len(reactions)%2 == 1 {
		return reactions[mid]
	}
	return (reactions[mid-1] + reactions[mid]) / 2
}

// targetBeforeStop replays each historical touch forward over the horizon and
// counts how often the target distance was reached before the stop distance.
func (c *StatisticalTargetCalculator) targetBeforeStop(touches []int, candles []domain.Candle, direction domain.Side, entry, target, stop float64) float64 {
	if len(touches) == 0 {
		return 0
	}
	targetDist := math.Abs(target - entry)
	stopDist := math.Abs(entry - stop)

	wins := 0
	for _, idx := range touches {
		end := idx + c.cfg.ReactionHorizon
		if end > len(candles) {
			end = len(candles)
		}
		ref := candles[idx].Close
		for i := idx; i < end; i++ {
			var favorable, adverse float64
			if direction == domain.SideLong {
				favorable = candles[i].High - ref
				adverse = ref - candles[i].Low
			} else {
				favorable = ref - candles[i].Low
				adverse = candles[i].High - ref
			}
			if adverse >= stopDist {
				break
			}
			if favorable >= targetDist {
				wins++
				break
			}
		}
	}
	return float64(wins) / float64(len(touches))
}

// confidence blends level strength (40%), empirical probability (40%) and
// sample size saturation (20%).
func (c *StatisticalTargetCalculator) confidence(strength, probability float64, sample int) float64 {
	samplePart := math.Min(float64(sample), 10) / 10
	score := strength*0.4 + probability*100*0.4 + samplePart*100*0.2
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
