package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_level_bot/internal/domain"
	"go.uber.org/zap"
)

type stubMarket struct {
	prices map[string]float64
	err    error
}

func (s *stubMarket) GetOHLCV(ctx context.Context, symbol, interval string, lookback int) ([]domain.Candle, error) {
	return nil, nil
}

func (s *stubMarket) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.prices[symbol], nil
}

func (s *stubMarket) GetATRPct(ctx context.Context, symbol string) (float64, error) { return 0, nil }

func (s *stubMarket) GetOrderBook(ctx context.Context, symbol string) (*domain.OrderBook, error) {
	return nil, nil
}

func TestPaperAdapter_OpenAndClose(t *testing.T) {
	market := &stubMarket{prices: map[string]float64{"BTCUSDT": 50000}}
	paper := NewPaperAdapter(market, 10000, zap.NewNop())
	ctx := context.Background()

	fill, err := paper.OpenPosition(ctx, "BTCUSDT", domain.SideLong, 0.1, 5)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, fill.Price, "fills at last known price")
	assert.Equal(t, 0.1, fill.Quantity)

	has, err := paper.HasOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, has)

	exposure, err := paper.GetExposure(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5000, exposure, 1e-9)

	market.prices["BTCUSDT"] = 50500
	exitPrice, err := paper.ClosePosition(ctx, "BTCUSDT", domain.SideLong, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 50500.0, exitPrice)

	balance, err := paper.GetBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10050, balance, 1e-9, "realized P&L credited")

	has, err = paper.HasOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPaperAdapter_ShortProfitsFromDecline(t *testing.T) {
	market := &stubMarket{prices: map[string]float64{"ETHUSDT": 3000}}
	paper := NewPaperAdapter(market, 10000, zap.NewNop())
	ctx := context.Background()

	_, err := paper.OpenPosition(ctx, "ETHUSDT", domain.SideShort, 1, 3)
	require.NoError(t, err)

	market.prices["ETHUSDT"] = 2900
	_, err = paper.ClosePosition(ctx, "ETHUSDT", domain.SideShort, 1)
	require.NoError(t, err)

	balance, err := paper.GetBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10100, balance, 1e-9)
}

func TestPaperAdapter_DoubleOpenRejected(t *testing.T) {
	market := &stubMarket{prices: map[string]float64{"BTCUSDT": 50000}}
	paper := NewPaperAdapter(market, 10000, zap.NewNop())
	ctx := context.Background()

	_, err := paper.OpenPosition(ctx, "BTCUSDT", domain.SideLong, 0.1, 5)
	require.NoError(t, err)
	_, err = paper.OpenPosition(ctx, "BTCUSDT", domain.SideLong, 0.1, 5)
	assert.Error(t, err)
}

func TestPaperAdapter_NoFillWithoutPrice(t *testing.T) {
	market := &stubMarket{err: errors.New("feed down")}
	paper := NewPaperAdapter(market, 10000, zap.NewNop())

	_, err := paper.OpenPosition(context.Background(), "BTCUSDT", domain.SideLong, 0.1, 5)
	assert.Error(t, err)
}

func TestPaperAdapter_CloseWithoutPosition(t *testing.T) {
	market := &stubMarket{prices: map[string]float64{"BTCUSDT": 50000}}
	paper := NewPaperAdapter(market, 10000, zap.NewNop())

	_, err := paper.ClosePosition(context.Background(), "BTCUSDT", domain.SideLong, 0.1)
	assert.Error(t, err)
}
