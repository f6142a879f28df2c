package domain

import "time"

type LevelType string

const (
	LevelSupport    LevelType = "support"
	LevelResistance LevelType = "resistance"
)

// PriceLevel is a historically significant support or resistance price for
// one symbol. Levels are recomputed wholesale on every scan cycle; a previous
// cycle's instances are discarded, never mutated.
type PriceLevel struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	LevelType     LevelType `json:"level_type"`
	TouchCount    int       `json:"touch_count"`
	StrengthScore float64   `json:"strength_score"` // 0..100
	FirstSeen     time.Time `json:"first_seen"`
	LastTouch     time.Time `json:"last_touch"`
}

type MagnetType string

const (
	MagnetRoundNumber       MagnetType = "round_number"
	MagnetVolumeNode        MagnetType = "volume_node"
	MagnetHistoricalExtreme MagnetType = "historical_extreme"
)

// MagnetLevel is a price with significance beyond touch history. Magnets are
// derived per cycle and only ever boost or penalize an existing candidate
// level's score; they never form a standalone opportunity.
type MagnetLevel struct {
	Symbol     string     `json:"symbol"`
	Price      float64    `json:"price"`
	MagnetType MagnetType `json:"magnet_type"`
	Strength   float64    `json:"strength"` // 0..1
}
