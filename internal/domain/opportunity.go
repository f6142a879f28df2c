package domain

import "time"

// TradingTargets holds the statistical entry/exit plan computed for one
// (level, current price) pair. A nil TradingTargets means "no opportunity
// here", not an error.
type TradingTargets struct {
	EntryPrice        float64 `json:"entry_price"`
	ProfitTarget      float64 `json:"profit_target"`
	StopLoss          float64 `json:"stop_loss"`
	ProfitProbability float64 `json:"profit_probability"` // 0..1
	RiskRewardRatio   float64 `json:"risk_reward_ratio"`
	ConfidenceScore   float64 `json:"confidence_score"` // 0..100
	SampleSize        int     `json:"sample_size"`
}

// Opportunity is a scored, potentially tradable (symbol, level, direction)
// candidate from one refresh cycle. Batches are replaced wholesale per
// symbol per refresh, never merged.
type Opportunity struct {
	Symbol          string          `json:"symbol"`
	Level           *PriceLevel     `json:"level"`
	Targets         *TradingTargets `json:"targets"`
	Direction       Side            `json:"direction"`
	Score           float64         `json:"score"`
	Tradable        bool            `json:"tradable"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	GeneratedAt     time.Time       `json:"generated_at"`
}
