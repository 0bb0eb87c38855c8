package models

import "strings"

// OrderSide is the direction of an order.
type OrderSide string

const (
	// SideBuy opens or adds to long exposure.
	SideBuy OrderSide = "buy"
	// SideSell opens or adds to short exposure.
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the normalized (upper-case) exchange order type.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStop             OrderType = "STOP"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeStopLimit        OrderType = "STOP_LIMIT"
	OrderTypeTakeProfit       OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTakeProfitLimit  OrderType = "TAKE_PROFIT_LIMIT"
)

// NormalizeOrderType upper-cases a raw exchange type so it can be compared
// against the OrderType constants.
func NormalizeOrderType(raw string) OrderType {
	return OrderType(strings.ToUpper(strings.TrimSpace(raw)))
}

// IsStopKind reports whether the type is a stop-loss variant. The check is
// substring-based so venue-specific types like TRAILING_STOP_MARKET count.
func (t OrderType) IsStopKind() bool {
	return strings.Contains(string(t), "STOP")
}

// IsTakeProfitKind reports whether the type is a take-profit variant.
func (t OrderType) IsTakeProfitKind() bool {
	return strings.HasPrefix(string(t), "TAKE_PROFIT")
}

// OrderStatus is the normalized exchange order status.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsOpen reports whether the order can still fill.
func (s OrderStatus) IsOpen() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// IsTerminal reports whether the order will never fill further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Order is the core's normalized view of an exchange order. The exchange
// layer coerces whatever shape the venue returns into this record; nothing
// above the port ever sees raw vendor fields.
type Order struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Type       OrderType   `json:"type"`
	Side       OrderSide   `json:"side"`
	Price      float64     `json:"price"`
	Amount     float64     `json:"amount"`
	Filled     float64     `json:"filled"`
	Remaining  float64     `json:"remaining"`
	Status     OrderStatus `json:"status"`
	ReduceOnly bool        `json:"reduce_only"`
	StopPrice  float64     `json:"stop_price,omitempty"`
}

// EffectivePrice returns the trigger price for stop-style orders and the
// limit price otherwise.
func (o Order) EffectivePrice() float64 {
	if o.StopPrice > 0 {
		return o.StopPrice
	}
	return o.Price
}

// EffectiveAmount returns the order quantity used for tolerance matching:
// the unfilled remainder when the venue reports one, otherwise the original
// amount.
func (o Order) EffectiveAmount() float64 {
	if o.Remaining > 0 {
		return o.Remaining
	}
	return o.Amount
}

// ProtectiveIDs holds the exchange IDs of the stop-loss and take-profit
// legs guarding a pending or filled entry.
type ProtectiveIDs struct {
	SL string `json:"sl"`
	TP string `json:"tp"`
}

// PendingOrder tracks a limit entry the bot has resting on the exchange.
// At most one exists per symbol.
type PendingOrder struct {
	Symbol            string        `json:"symbol"`
	OrderID           string        `json:"order_id"`
	Params            TradePlan     `json:"params"`
	CreatedAt         Timestamp     `json:"created_at"`
	ExchangeOrders    ProtectiveIDs `json:"exchange_orders"`
	LastTPSLPlacement Timestamp     `json:"last_tp_sl_placement,omitzero"`
	PartialFill       bool          `json:"partial_fill,omitempty"`
	FilledAmount      float64       `json:"filled_amount,omitempty"`

	// LegacyTimestamp is read from files written before created_at existed;
	// Backfill promotes it and it is not written back.
	LegacyTimestamp Timestamp `json:"timestamp,omitzero"`
}

// Backfill repairs fields that older persisted files may lack.
func (p *PendingOrder) Backfill(symbol string) {
	if p.Symbol == "" {
		p.Symbol = symbol
	}
	if p.CreatedAt.IsZero() && !p.LegacyTimestamp.IsZero() {
		p.CreatedAt = p.LegacyTimestamp
	}
	p.LegacyTimestamp = Timestamp{}
}

// TradePlan is the planner's output: everything needed to place and
// protect one entry.
type TradePlan struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Quantity   float64   `json:"quantity"`
}

// RiskPerUnit is the per-contract distance between entry and stop.
func (p TradePlan) RiskPerUnit() float64 {
	d := p.Entry - p.StopLoss
	if d < 0 {
		return -d
	}
	return d
}
