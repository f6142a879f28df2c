package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/crypto_level_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	priceCacheTTL = 5 * time.Second
	atrCacheTTL   = 30 * time.Second
	atrPeriod     = 14
)

type cachedPrice struct {
	price float64
	at    time.Time
}

type cachedATR struct {
	atrPct float64
	at     time.Time
}

// BybitAdapter talks to Bybit V5 linear perpetuals. It serves both market
// data and execution. Prices come from the public websocket when available,
// falling back to REST.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	wsConn *websocket.Conn

	mu     sync.Mutex
	prices map[string]cachedPrice
	atrs   map[string]cachedATR
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		prices:    make(map[string]cachedPrice),
		atrs:      make(map[string]cachedATR),
	}
}

// --- REST plumbing ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == "GET" {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	return respBody, nil
}

// --- MarketData ---

func (b *BybitAdapter) GetOHLCV(ctx context.Context, symbol, interval string, lookback int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d", symbol, interval, lookback)
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline error: %d", result.RetCode)
	}

	var candles []domain.Candle
	for _, raw := range result.Result.List {
		// Format: [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			Time:   time.UnixMilli(ts),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	// Bybit returns newest first; callers expect chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

func (b *BybitAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	cached, ok := b.prices[symbol]
	b.mu.Unlock()
	if ok && time.Since(cached.at) < priceCacheTTL {
		return cached.price, nil
	}

	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("symbol not found: %s", symbol)
	}

	price, err := strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.prices[symbol] = cachedPrice{price: price, at: time.Now()}
	b.mu.Unlock()
	return price, nil
}

// GetATRPct returns the Wilder-smoothed average true range over 5-minute
// bars, as a fraction of the last close. Cached briefly since the monitor
// asks on every tick.
func (b *BybitAdapter) GetATRPct(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	cached, ok := b.atrs[symbol]
	b.mu.Unlock()
	if ok && time.Since(cached.at) < atrCacheTTL {
		return cached.atrPct, nil
	}

	candles, err := b.GetOHLCV(ctx, symbol, "5", atrPeriod*3)
	if err != nil {
		return 0, err
	}
	if len(candles) < atrPeriod+1 {
		return 0, fmt.Errorf("not enough history for ATR: %s", symbol)
	}

	atr := wilderATR(candles, atrPeriod)
	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 {
		return 0, fmt.Errorf("bad close price for %s", symbol)
	}
	atrPct := atr / lastClose

	b.mu.Lock()
	b.atrs[symbol] = cachedATR{atrPct: atrPct, at: time.Now()}
	b.mu.Unlock()
	return atrPct, nil
}

func wilderATR(candles []domain.Candle, period int) float64 {
	trueRange := func(i int) float64 {
		tr := candles[i].High - candles[i].Low
		prevClose := candles[i-1].Close
		if hc := candles[i].High - prevClose; hc > tr {
			tr = hc
		}
		if cl := prevClose - candles[i].Low; cl > tr {
			tr = cl
		}
		return tr
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(i)
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRange(i)) / float64(period)
	}
	return atr
}

func (b *BybitAdapter) GetOrderBook(ctx context.Context, symbol string) (*domain.OrderBook, error) {
	path := fmt.Sprintf("/v5/market/orderbook?category=linear&symbol=%s&limit=%d", symbol, 50)
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			S string     `json:"s"`
			B [][]string `json:"b"`
			A [][]string `json:"a"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit orderbook error: %d", result.RetCode)
	}

	ob := &domain.OrderBook{
		Symbol: result.Result.S,
		Bids:   make([]domain.OrderBookEntry, 0, len(result.Result.B)),
		Asks:   make([]domain.OrderBookEntry, 0, len(result.Result.A)),
	}
	for _, bid := range result.Result.B {
		if len(bid) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(bid[0], 64)
		size, _ := strconv.ParseFloat(bid[1], 64)
		ob.Bids = append(ob.Bids, domain.OrderBookEntry{Price: price, Size: size})
	}
	for _, ask := range result.Result.A {
		if len(ask) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(ask[0], 64)
		size, _ := strconv.ParseFloat(ask[1], 64)
		ob.Asks = append(ob.Asks, domain.OrderBookEntry{Price: price, Size: size})
	}
	return ob, nil
}

// --- ExecutionAdapter ---

func (b *BybitAdapter) OpenPosition(ctx context.Context, symbol string, side domain.Side, qty float64, leverage int) (*domain.Fill, error) {
	b.setLeverage(ctx, symbol, leverage)

	orderSide := "Buy"
	if side == domain.SideShort {
		orderSide = "Sell"
	}
	if err := b.placeMarketOrder(ctx, symbol, orderSide, qty, false); err != nil {
		return nil, err
	}

	// The market order fills immediately; the position list carries the
	// average fill price.
	size, avgPrice, _, err := b.positionState(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("order accepted but no position reported for %s", symbol)
	}
	return &domain.Fill{Price: avgPrice, Quantity: size}, nil
}

func (b *BybitAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, qty float64) (float64, error) {
	closeSide := "Sell"
	if side == domain.SideShort {
		closeSide = "Buy"
	}
	if err := b.placeMarketOrder(ctx, symbol, closeSide, qty, true); err != nil {
		return 0, err
	}

	price, err := b.GetCurrentPrice(ctx, symbol)
	if err != nil {
		b.logger.Warn("Close filled but exit price fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, nil
	}
	return price, nil
}

func (b *BybitAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	size, _, _, err := b.positionState(ctx, symbol)
	if err != nil {
		return false, err
	}
	return size > 0, nil
}

func (b *BybitAdapter) placeMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) error {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"timeInForce": "GTC",
	}
	if reduceOnly {
		payload["reduceOnly"] = true
	}

	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	json.Unmarshal(resp, &result)
	if result.RetCode != 0 {
		return fmt.Errorf("bybit order error: %s", result.RetMsg)
	}
	return nil
}

func (b *BybitAdapter) setLeverage(ctx context.Context, symbol string, leverage int) {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	// Fails when the leverage is already set; safe to ignore.
	_, _ = b.sendRequest(ctx, "POST", "/v5/position/set-leverage", payload)
}

// positionState returns size, average entry price and position value for one
// symbol. Size 0 means flat.
func (b *BybitAdapter) positionState(ctx context.Context, symbol string) (float64, float64, float64, error) {
	path := "/v5/position/list?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, 0, 0, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				PositionValue string `json:"positionValue"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, 0, 0, err
	}
	if len(result.Result.List) == 0 {
		return 0, 0, 0, nil
	}

	raw := result.Result.List[0]
	size, _ := strconv.ParseFloat(raw.Size, 64)
	avgPrice, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	value, _ := strconv.ParseFloat(raw.PositionValue, 64)
	return size, avgPrice, value, nil
}

// --- AccountState ---

func (b *BybitAdapter) GetBalance(ctx context.Context) (float64, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED"
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				TotalEquity string `json:"totalEquity"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("empty wallet balance response")
	}
	return strconv.ParseFloat(result.Result.List[0].TotalEquity, 64)
}

func (b *BybitAdapter) GetExposure(ctx context.Context) (float64, error) {
	path := "/v5/position/list?category=linear&settleCoin=USDT"
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				PositionValue string `json:"positionValue"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}

	total := 0.0
	for _, pos := range result.Result.List {
		value, _ := strconv.ParseFloat(pos.PositionValue, 64)
		total += value
	}
	return total, nil
}

// --- WebSocket ticker feed ---

// ConnectWS subscribes to top-of-book updates for the given symbols and keeps
// the price cache warm, so monitoring ticks rarely need a REST round trip.
func (b *BybitAdapter) ConnectWS(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn == nil {
		c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
		if err != nil {
			return err
		}
		b.wsConn = c
		go b.readLoop(c)
	}
	return b.subscribe(symbols)
}

func (b *BybitAdapter) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		args[i] = "orderbook.1." + s
	}
	return b.wsConn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
}

func (b *BybitAdapter) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("WS read error, falling back to REST prices", zap.Error(err))
			return
		}

		var event map[string]interface{}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		topic, ok := event["topic"].(string)
		if !ok || !strings.HasPrefix(topic, "orderbook.1.") {
			continue
		}
		data, ok := event["data"].(map[string]interface{})
		if !ok {
			continue
		}
		symbol := strings.TrimPrefix(topic, "orderbook.1.")

		ask, okA := topLevelPrice(data, "a")
		bid, okB := topLevelPrice(data, "b")
		if !okA || !okB {
			continue
		}

		b.mu.Lock()
		b.prices[symbol] = cachedPrice{price: (ask + bid) / 2, at: time.Now()}
		b.mu.Unlock()
	}
}

func topLevelPrice(data map[string]interface{}, key string) (float64, bool) {
	list, ok := data[key].([]interface{})
	if !ok || len(list) == 0 {
		return 0, false
	}
	entry, ok := list[0].([]interface{})
	if !ok || len(entry) < 1 {
		return 0, false
	}
	str, ok := entry[0].(string)
	if !ok {
		return 0, false
	}
	price, err := strconv.ParseFloat(str, 64)
	return price, err == nil
}
