package usecase

import (
	"math"
	"sort"

	"github.com/vitos/crypto_level_bot/internal/domain"
)

type MagnetDetectorConfig struct {
	RoundNumbers   bool
	VolumeNodes    bool
	Extremes       bool
	MaxDistancePct float64 // magnets further than this from current price are dropped
}

// MagnetLevelDetector finds prices with significance beyond touch history:
// round numbers, volume-profile nodes and multi-day extremes. Magnet strength
// decays linearly with distance from the current price.
type MagnetLevelDetector struct {
	cfg MagnetDetectorConfig
}

func NewMagnetLevelDetector(cfg MagnetDetectorConfig) *MagnetLevelDetector {
	if cfg.MaxDistancePct <= 0 {
		cfg.MaxDistancePct = 0.05
	}
	return &MagnetLevelDetector{cfg: cfg}
}

const minMagnetStrength = 0.05

func (d *MagnetLevelDetector) Detect(symbol string, currentPrice float64, candles []domain.Candle) []*domain.MagnetLevel {
	if currentPrice <= 0 {
		return nil
	}

	var magnets []*domain.MagnetLevel
	if d.cfg.RoundNumbers {
		magnets = append(magnets, d.roundNumbers(symbol, currentPrice)...)
	}
	if d.cfg.VolumeNodes && len(candles) > 0 {
		magnets = append(magnets, d.volumeNodes(symbol, currentPrice, candles)...)
	}
	if d.cfg.Extremes && len(candles) > 0 {
		magnets = append(magnets, d.extremes(symbol, currentPrice, candles)...)
	}

	filtered := magnets[:0]
	for _, m := range magnets {
		m.Strength *= d.distanceDecay(m.Price, currentPrice)
		if m.Strength >= minMagnetStrength {
			filtered = append(filtered, m)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Strength > filtered[j].Strength })
	return filtered
}

// StrengthNear returns the strongest magnet strength within tolerance of
// price, or 0 when none is close.
func (d *MagnetLevelDetector) StrengthNear(magnets []*domain.MagnetLevel, price, tolerance float64) float64 {
	best := 0.0
	for _, m := range magnets {
		if math.Abs(m.Price-price) <= tolerance && m.Strength > best {
			best = m.Strength
		}
	}
	return best
}

func (d *MagnetLevelDetector) distanceDecay(price, currentPrice float64) float64 {
	dist := math.Abs(price-currentPrice) / currentPrice
	if dist >= d.cfg.MaxDistancePct {
		return 0
	}
	return 1 - dist/d.cfg.MaxDistancePct
}

// roundNumbers picks the grid of whole-ish prices around the current price.
// Granularity scales with magnitude: BTC around 60k gets $1000 lines, a $2
// token gets $0.10 lines.
func (d *MagnetLevelDetector) roundNumbers(symbol string, currentPrice float64) []*domain.MagnetLevel {
	granularity := roundGranularity(currentPrice)
	if granularity <= 0 {
		return nil
	}

	var out []*domain.MagnetLevel
	base := math.Floor(currentPrice/granularity) * granularity
	for i := -3; i <= 3; i++ {
		price := base + float64(i)*granularity
		if price <= 0 {
			continue
		}
		strength := 0.6
		// Major lines (10x granularity) are stronger magnets.
		if math.Mod(price, granularity*10) == 0 {
			strength = 0.9
		}
		out = append(out, &domain.MagnetLevel{
			Symbol:     symbol,
			Price:      price,
			MagnetType: domain.MagnetRoundNumber,
			Strength:   strength,
		})
	}
	return out
}

func roundGranularity(price float64) float64 {
	switch {
	case price >= 10000:
		return 1000
	case price >= 1000:
		return 100
	case price >= 100:
		return 10
	case price >= 10:
		return 1
	case price >= 1:
		return 0.1
	case price > 0:
		return 0.01
	}
	return 0
}

// volumeNodes buckets traded volume by price and keeps buckets that are local
// peaks against both neighbours, i.e. high-activity nodes.
func (d *MagnetLevelDetector) volumeNodes(symbol string, currentPrice float64, candles []domain.Candle) []*domain.MagnetLevel {
	const buckets = 24

	low, high := candles[0].Low, candles[0].High
	for _, c := range candles {
		low = math.Min(low, c.Low)
		high = math.Max(high, c.High)
	}
	if high <= low {
		return nil
	}
	width := (high - low) / buckets

	volume := make([]float64, buckets)
	maxVol := 0.0
	for _, c := range candles {
		mid := (c.High + c.Low) / 2
		idx := int((mid - low) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		volume[idx] += c.Volume
		if volume[idx] > maxVol {
			maxVol = volume[idx]
		}
	}
	if maxVol <= 0 {
		return nil
	}

	var out []*domain.MagnetLevel
	for i := 1; i < buckets-1; i++ {
		if volume[i] <= volume[i-1] || volume[i] <= volume[i+1] {
			continue
		}
		out = append(out, &domain.MagnetLevel{
			Symbol:     symbol,
			Price:      low + (float64(i)+0.5)*width,
			MagnetType: domain.MagnetVolumeNode,
			Strength:   volume[i] / maxVol,
		})
	}
	return out
}

func (d *MagnetLevelDetector) extremes(symbol string, currentPrice float64, candles []domain.Candle) []*domain.MagnetLevel {
	low, high := candles[0].Low, candles[0].High
	for _, c := range candles {
		low = math.Min(low, c.Low)
		high = math.Max(high, c.High)
	}
	return []*domain.MagnetLevel{
		{Symbol: symbol, Price: high, MagnetType: domain.MagnetHistoricalExtreme, Strength: 0.8},
		{Symbol: symbol, Price: low, MagnetType: domain.MagnetHistoricalExtreme, Strength: 0.8},
	}
}
