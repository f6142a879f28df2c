package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vitos/crypto_level_bot/internal/domain"
)

func TestWilderATR_ConstantRange(t *testing.T) {
	// Every bar has a true range of exactly 2: ATR must converge to 2.
	candles := make([]domain.Candle, 30)
	for i := range candles {
		candles[i] = domain.Candle{Open: 100, High: 101, Low: 99, Close: 100}
	}
	assert.InDelta(t, 2, wilderATR(candles, 14), 1e-9)
}

func TestWilderATR_GapCountsAsRange(t *testing.T) {
	candles := make([]domain.Candle, 16)
	for i := range candles {
		candles[i] = domain.Candle{Open: 100, High: 101, Low: 99, Close: 100}
	}
	// A gap up: high-low is 2 but the move from the prior close is 9.
	candles[15] = domain.Candle{Open: 108, High: 109, Low: 107, Close: 108}

	atr := wilderATR(candles, 14)
	assert.Greater(t, atr, 2.0, "gap inflates the true range")
}

func TestTopLevelPrice(t *testing.T) {
	data := map[string]interface{}{
		"a": []interface{}{[]interface{}{"50000.5", "1.2"}},
		"b": []interface{}{},
	}

	price, ok := topLevelPrice(data, "a")
	assert.True(t, ok)
	assert.Equal(t, 50000.5, price)

	_, ok = topLevelPrice(data, "b")
	assert.False(t, ok)

	_, ok = topLevelPrice(data, "missing")
	assert.False(t, ok)
}
