package domain

import "time"

type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type OrderBookEntry struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type OrderBook struct {
	Symbol string           `json:"symbol"`
	Bids   []OrderBookEntry `json:"bids"`
	Asks   []OrderBookEntry `json:"asks"`
}

// SpreadPct returns the bid/ask spread as a fraction of the mid price,
// or 0 when either side of the book is empty.
func (ob *OrderBook) SpreadPct() float64 {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return 0
	}
	bestBid := ob.Bids[0].Price
	bestAsk := ob.Asks[0].Price
	mid := (bestBid + bestAsk) / 2
	if mid <= 0 {
		return 0
	}
	return (bestAsk - bestBid) / mid
}
