package domain

import "context"

// MarketData provides read-only market access. Implementations must apply
// their own request timeouts on top of the caller's context.
type MarketData interface {
	GetOHLCV(ctx context.Context, symbol, interval string, lookback int) ([]Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetATRPct(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error)
}

// Fill is the result of an accepted open order.
type Fill struct {
	Price    float64
	Quantity float64
}

// ExecutionAdapter places and closes orders on an exchange, simulated or real.
type ExecutionAdapter interface {
	OpenPosition(ctx context.Context, symbol string, side Side, qty float64, leverage int) (*Fill, error)
	ClosePosition(ctx context.Context, symbol string, side Side, qty float64) (float64, error)
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
}

// AccountState exposes balance and exposure for sizing decisions.
type AccountState interface {
	GetBalance(ctx context.Context) (float64, error)
	GetExposure(ctx context.Context) (float64, error)
}

// TradeRepository persists completed trades, position snapshots and the
// per-cycle opportunity audit trail.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, limit int) ([]*Trade, error)

	SavePositionSnapshot(ctx context.Context, pos *Position) error

	SaveOpportunities(ctx context.Context, opps []*Opportunity) error
}
