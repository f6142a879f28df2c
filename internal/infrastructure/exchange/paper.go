package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/crypto_level_bot/internal/domain"
	"go.uber.org/zap"
)

type paperPosition struct {
	side  domain.Side
	qty   float64
	entry float64
}

// PaperAdapter simulates execution against live market prices: orders fill
// instantly at the last known price and the balance tracks realized P&L. It
// lets the whole pipeline run end to end without touching real funds.
type PaperAdapter struct {
	market domain.MarketData
	logger *zap.Logger

	mu        sync.Mutex
	balance   float64
	positions map[string]*paperPosition
}

func NewPaperAdapter(market domain.MarketData, startingBalance float64, logger *zap.Logger) *PaperAdapter {
	return &PaperAdapter{
		market:    market,
		logger:    logger,
		balance:   startingBalance,
		positions: make(map[string]*paperPosition),
	}
}

func (p *PaperAdapter) OpenPosition(ctx context.Context, symbol string, side domain.Side, qty float64, leverage int) (*domain.Fill, error) {
	price, err := p.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("paper fill needs a price: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.positions[symbol]; exists {
		return nil, fmt.Errorf("paper position already open for %s", symbol)
	}
	p.positions[symbol] = &paperPosition{side: side, qty: qty, entry: price}

	p.logger.Info("Paper fill",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("qty", qty))
	return &domain.Fill{Price: price, Quantity: qty}, nil
}

func (p *PaperAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, qty float64) (float64, error) {
	price, err := p.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("paper close needs a price: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pos, exists := p.positions[symbol]
	if !exists {
		return 0, fmt.Errorf("no paper position for %s", symbol)
	}
	delete(p.positions, symbol)

	pnl := (price - pos.entry) * pos.qty * pos.side.Sign()
	p.balance += pnl

	p.logger.Info("Paper close",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
		zap.Float64("balance", p.balance))
	return price, nil
}

func (p *PaperAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.positions[symbol]
	return exists, nil
}

func (p *PaperAdapter) GetBalance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperAdapter) GetExposure(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0.0
	for _, pos := range p.positions {
		total += pos.entry * pos.qty
	}
	return total, nil
}
