package models

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	// PositionLong profits when price rises.
	PositionLong PositionSide = "LONG"
	// PositionShort profits when price falls.
	PositionShort PositionSide = "SHORT"
)

// ExitSide returns the order side that reduces the position.
func (s PositionSide) ExitSide() OrderSide {
	if s == PositionLong {
		return SideSell
	}
	return SideBuy
}

// PnL computes realized profit for closing size contracts from entry at exit.
func (s PositionSide) PnL(entry, exit, size float64) float64 {
	if s == PositionShort {
		return (entry - exit) * size
	}
	return (exit - entry) * size
}

// DerivePositionSide resolves a position's direction. An explicit side field
// wins over the sign of the size; zero size defaults to LONG.
func DerivePositionSide(explicit string, size float64) PositionSide {
	switch explicit {
	case string(PositionLong), "long":
		return PositionLong
	case string(PositionShort), "short":
		return PositionShort
	}
	if size < 0 {
		return PositionShort
	}
	return PositionLong
}

// Position mirrors an exchange-reported position. The bot never owns this
// data: it is upserted from exchange snapshots every cycle and dropped when
// the exchange reports zero contracts. TakeProfit and StopLoss are derived
// from observed reduce-only orders and are advisory, not authoritative.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	Leverage      float64      `json:"leverage,omitempty"`
	EntryTime     time.Time    `json:"entry_time,omitzero"`
	TakeProfit    float64      `json:"take_profit,omitempty"`
	StopLoss      float64      `json:"stop_loss,omitempty"`
}

// ProtectionSane reports whether the recorded TP/SL sit on the correct side
// of the entry for the position's direction. A LONG needs SL < entry < TP;
// a SHORT the reverse. Unset (zero) levels are treated as sane.
func (p Position) ProtectionSane() bool {
	if p.Side == PositionShort {
		if p.TakeProfit > 0 && p.TakeProfit >= p.EntryPrice {
			return false
		}
		if p.StopLoss > 0 && p.StopLoss <= p.EntryPrice {
			return false
		}
		return true
	}
	if p.TakeProfit > 0 && p.TakeProfit <= p.EntryPrice {
		return false
	}
	if p.StopLoss > 0 && p.StopLoss >= p.EntryPrice {
		return false
	}
	return true
}

// TradeStatus is the lifecycle state of a trade-history row.
type TradeStatus string

const (
	// TradeOpen marks a row whose position is still on the exchange.
	TradeOpen TradeStatus = "OPEN"
	// TradeClosed marks a finished row with exit price and pnl set.
	TradeClosed TradeStatus = "CLOSED"
)

// Trade is one row of the persisted trade history. New rows are inserted at
// the head of the slice.
type Trade struct {
	ID         string       `json:"id,omitempty"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	EntryPrice float64      `json:"entry_price"`
	ExitPrice  float64      `json:"exit_price,omitempty"`
	Size       float64      `json:"size"`
	PnL        float64      `json:"pnl"`
	Status     TradeStatus  `json:"status"`
	TakeProfit float64      `json:"take_profit,omitempty"`
	StopLoss   float64      `json:"stop_loss,omitempty"`
	EntryTime  Timestamp    `json:"entry_time,omitzero"`
	ExitTime   Timestamp    `json:"exit_time,omitzero"`
	Timestamp  Timestamp    `json:"timestamp,omitzero"`
}
