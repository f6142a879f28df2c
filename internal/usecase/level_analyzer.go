package usecase

import (
	"math"
	"sort"
	"time"

	"github.com/vitos/crypto_level_bot/internal/domain"
)

type LevelAnalyzerConfig struct {
	PivotSpan        int     // bars on each side that must be exceeded for a pivot
	TolerancePct     float64 // fallback cluster width as fraction of price
	ATRToleranceMult float64 // cluster width = ATR% * this, when ATR is computable
	MinTouches       int
	MaxLevels        int
}

// PriceLevelAnalyzer extracts ranked support/resistance levels from OHLCV
// history. It is deterministic for identical input and holds no state between
// calls.
type PriceLevelAnalyzer struct {
	cfg LevelAnalyzerConfig
}

func NewPriceLevelAnalyzer(cfg LevelAnalyzerConfig) *PriceLevelAnalyzer {
	if cfg.PivotSpan <= 0 {
		cfg.PivotSpan = 3
	}
	if cfg.TolerancePct <= 0 {
		cfg.TolerancePct = 0.002
	}
	if cfg.MinTouches <= 0 {
		cfg.MinTouches = 2
	}
	if cfg.MaxLevels <= 0 {
		cfg.MaxLevels = 10
	}
	return &PriceLevelAnalyzer{cfg: cfg}
}

type pivot struct {
	price float64
	time  time.Time
}

type levelCluster struct {
	prices    []float64
	touches   int
	firstSeen time.Time
	lastTouch time.Time
}

// Analyze returns ranked levels, strongest first. Too little history yields an
// empty slice, not an error.
func (a *PriceLevelAnalyzer) Analyze(symbol string, candles []domain.Candle) []*domain.PriceLevel {
	if len(candles) < a.cfg.PivotSpan*2+1 {
		return nil
	}

	pivots := a.findPivots(candles)
	if len(pivots) == 0 {
		return nil
	}

	tolerance := a.clusterTolerance(candles)
	clusters := a.clusterPivots(pivots, tolerance)

	lastClose := candles[len(candles)-1].Close
	lastTime := candles[len(candles)-1].Time

	levels := make([]*domain.PriceLevel, 0, len(clusters))
	for _, c := range clusters {
		if c.touches < a.cfg.MinTouches {
			continue
		}
		price := mean(c.prices)
		levelType := domain.LevelSupport
		if price > lastClose {
			levelType = domain.LevelResistance
		}
		levels = append(levels, &domain.PriceLevel{
			Symbol:        symbol,
			Price:         price,
			LevelType:     levelType,
			TouchCount:    c.touches,
			StrengthScore: a.strength(c, price, tolerance, lastTime),
			FirstSeen:     c.firstSeen,
			LastTouch:     c.lastTouch,
		})
	}

	sort.Slice(levels, func(i, j int) bool {
		return levels[i].StrengthScore > levels[j].StrengthScore
	})
	if len(levels) > a.cfg.MaxLevels {
		levels = levels[:a.cfg.MaxLevels]
	}
	return levels
}

// findPivots marks a bar as a pivot high when its high strictly exceeds the
// highs of PivotSpan bars on each side, and mirrored for pivot lows.
func (a *PriceLevelAnalyzer) findPivots(candles []domain.Candle) []pivot {
	span := a.cfg.PivotSpan
	var pivots []pivot
	for i := span; i < len(candles)-span; i++ {
		isHigh, isLow := true, true
		for j := i - span; j <= i+span; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			pivots = append(pivots, pivot{price: candles[i].High, time: candles[i].Time})
		}
		if isLow {
			pivots = append(pivots, pivot{price: candles[i].Low, time: candles[i].Time})
		}
	}
	return pivots
}

// clusterTolerance derives the band width from ATR when possible, falling
// back to a fixed fraction of the last close.
func (a *PriceLevelAnalyzer) clusterTolerance(candles []domain.Candle) float64 {
	lastClose := candles[len(candles)-1].Close
	fallback := lastClose * a.cfg.TolerancePct
	if a.cfg.ATRToleranceMult <= 0 || len(candles) < 15 {
		return fallback
	}
	atr := averageTrueRange(candles, 14)
	if atr <= 0 {
		return fallback
	}
	return atr * a.cfg.ATRToleranceMult
}

func (a *PriceLevelAnalyzer) clusterPivots(pivots []pivot, tolerance float64) []*levelCluster {
	sorted := make([]pivot, len(pivots))
	copy(sorted, pivots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].price < sorted[j].price })

	var clusters []*levelCluster
	var current *levelCluster
	for _, p := range sorted {
		if current != nil && p.price-mean(current.prices) <= tolerance {
			current.prices = append(current.prices, p.price)
			current.touches++
			if p.time.Before(current.firstSeen) {
				current.firstSeen = p.time
			}
			if p.time.After(current.lastTouch) {
				current.lastTouch = p.time
			}
			continue
		}
		current = &levelCluster{
			prices:    []float64{p.price},
			touches:   1,
			firstSeen: p.time,
			lastTouch: p.time,
		}
		clusters = append(clusters, current)
	}
	return clusters
}

// strength blends touch count (50%), recency of the last touch (30%) and
// cluster tightness (20%) into a 0..100 score.
func (a *PriceLevelAnalyzer) strength(c *levelCluster, price, tolerance float64, lastTime time.Time) float64 {
	touchPart := math.Min(float64(c.touches), 6) / 6 * 50

	age := lastTime.Sub(c.lastTouch)
	recencyPart := 30.0
	if age > 0 {
		// Halve per 24h of age.
		recencyPart = 30 * math.Pow(0.5, age.Hours()/24)
	}

	tightnessPart := 20.0
	if tolerance > 0 && len(c.prices) > 1 {
		spread := stddev(c.prices)
		tightnessPart = 20 * math.Max(0, 1-spread/tolerance)
	}

	return math.Min(100, touchPart+recencyPart+tightnessPart)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

// averageTrueRange is the simple (non-smoothed) mean of true ranges over the
// last period bars.
func averageTrueRange(candles []domain.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	start := len(candles) - period
	sum := 0.0
	for i := start; i < len(candles); i++ {
		tr := candles[i].High - candles[i].Low
		prevClose := candles[i-1].Close
		tr = math.Max(tr, math.Abs(candles[i].High-prevClose))
		tr = math.Max(tr, math.Abs(candles[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}
