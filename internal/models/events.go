package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	// SideBuy opens or adds to a long position.
	SideBuy OrderSide = "BUY"
	// SideSell reduces or closes a position.
	SideSell OrderSide = "SELL"
)

// Valid reports whether the side is one of the defined constants.
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderRequest is the input to Broker.SubmitOrder. Qty must be
// positive; direction is carried by Side.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Qty        float64   `json:"qty"`
	LimitPrice float64   `json:"limit_price,omitempty"` // 0 means market
}

// OrderReceipt confirms a fill.
type OrderReceipt struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Qty        float64   `json:"qty"`
	FillPrice  float64   `json:"fill_price"`
	// FillSource records how the paper fill price was chosen
	// (mid, last, avg_price) or the upstream venue for live fills.
	FillSource  string    `json:"fill_source"`
	RealizedPnL float64   `json:"realized_pnl"`
	FilledAt    time.Time `json:"filled_at"`
}

// TradeEvent is the durable record emitted after each executed trade.
type TradeEvent struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTradeEvent builds a trade event from a receipt.
func NewTradeEvent(r *OrderReceipt, reason string) TradeEvent {
	return TradeEvent{
		ID:        uuid.NewString(),
		Symbol:    r.Symbol,
		Side:      r.Side,
		Qty:       r.Qty,
		Price:     r.FillPrice,
		Reason:    reason,
		Timestamp: r.FilledAt,
	}
}
