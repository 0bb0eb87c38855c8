package models

import (
	"encoding/json"
	"fmt"
)

// Candle is a single OHLCV bar. Timestamp is the bar open time in
// milliseconds since epoch, matching the exchange kline convention.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MarshalJSON encodes the candle as a compact 6-element array
// [ts, open, high, low, close, volume], the format charting
// frontends expect.
func (c Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal([6]float64{
		float64(c.Timestamp), c.Open, c.High, c.Low, c.Close, c.Volume,
	})
}

// UnmarshalJSON accepts the array form produced by MarshalJSON.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 6 {
		return fmt.Errorf("candle: expected 6 elements, got %d", len(arr))
	}
	c.Timestamp = int64(arr[0])
	c.Open, c.High, c.Low, c.Close, c.Volume = arr[1], arr[2], arr[3], arr[4], arr[5]
	return nil
}

// BlockKind distinguishes demand (bullish) from supply (bearish) zones.
type BlockKind string

const (
	// BlockBullish marks a demand zone formed by a pivot low.
	BlockBullish BlockKind = "bullish"
	// BlockBearish marks a supply zone formed by a pivot high.
	BlockBearish BlockKind = "bearish"
)

// OrderBlock is a candidate reaction zone: a confirmed pivot extremum whose
// candle also pierced the rolling band. Bottom <= Top always holds.
type OrderBlock struct {
	Kind         BlockKind `json:"kind"`
	Top          float64   `json:"top"`
	Bottom       float64   `json:"bottom"`
	PivotTime    int64     `json:"pivot_time"`
	ConfirmIndex int       `json:"confirm_index"`
}

// EntryEdge returns the price a limit entry would rest at: the top of a
// bullish block, the bottom of a bearish one.
func (b OrderBlock) EntryEdge() float64 {
	if b.Kind == BlockBullish {
		return b.Top
	}
	return b.Bottom
}

// Balance is the account snapshot returned by the exchange.
type Balance struct {
	Total float64 `json:"total"`
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
}

// Ticker carries the price fields the exchange exposes for a symbol.
// Vendor-specific extras land in Info keyed by their raw field name.
type Ticker struct {
	Symbol    string            `json:"symbol"`
	MarkPrice float64           `json:"mark_price,omitempty"`
	Last      float64           `json:"last,omitempty"`
	Close     float64           `json:"close,omitempty"`
	Info      map[string]string `json:"info,omitempty"`
}

// MarketSnapshot is the worker's last market view for one symbol, cached so
// the dashboard's market-data endpoints never hit the exchange themselves.
// The contained slices are never mutated after publication.
type MarketSnapshot struct {
	Symbol       string       `json:"symbol"`
	Candles      []Candle     `json:"ohlcv"`
	Blocks       []OrderBlock `json:"order_blocks"`
	CurrentPrice float64      `json:"current_price"`
	UpdatedAt    Timestamp    `json:"updated_at"`
}
