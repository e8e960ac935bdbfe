package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/models"
	"github.com/eddiefleurent/michael_scarn/internal/storage"
	"github.com/eddiefleurent/michael_scarn/internal/util"
)

// cashEpsilon absorbs floating point residue when checking buying power.
const cashEpsilon = 1e-6

// PaperBroker simulates fills against the persisted account state. It
// is the only writer of the broker state file: every accepted order
// mutates the state under the mutex and snapshots it through the store
// before the receipt is returned.
type PaperBroker struct {
	mu            sync.Mutex
	store         *storage.Store
	logger        *logrus.Logger
	now           func() time.Time
	allowLeverage bool

	// latest full quotes per symbol, for mid-price fills
	quotes map[string]models.Quote
}

// NewPaperBroker builds a paper simulator over the given state store.
func NewPaperBroker(store *storage.Store, logger *logrus.Logger) *PaperBroker {
	return &PaperBroker{
		store:  store,
		logger: logger,
		now:    time.Now,
		quotes: make(map[string]models.Quote),
	}
}

// SetAllowLeverage permits buys to take cash negative, mirroring a
// margin account. Off by default.
func (b *PaperBroker) SetAllowLeverage(enabled bool) {
	b.mu.Lock()
	b.allowLeverage = enabled
	b.mu.Unlock()
}

// ObserveQuote feeds a fresh quote into the simulator. The trade loop
// calls this after every successful quote fetch so fills can price at
// the mid and cached equity tracks the market.
func (b *PaperBroker) ObserveQuote(q *models.Quote) {
	if q == nil || q.Price <= 0 {
		return
	}
	b.mu.Lock()
	b.quotes[q.Symbol] = *q
	b.mu.Unlock()

	_ = b.store.Update(func(s *models.BrokerState) {
		s.ObservePrice(q.Symbol, q.Price)
	})
}

// FetchQuote serves the last observed quote for symbol. The paper
// venue has no market data of its own; a symbol never observed is
// unknown to it.
func (b *PaperBroker) FetchQuote(_ context.Context, symbol string) (*models.Quote, error) {
	b.mu.Lock()
	q, ok := b.quotes[symbol]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper: %s: %w", symbol, ErrUnknownSymbol)
	}
	out := q
	return &out, nil
}

// SubmitOrder fills the order immediately at the simulated price.
//
// Buys extend the position at a weighted average price; sells realize
// P&L of (fill - avg) * closedQty and a full close deletes the record.
// Cash moves with every fill and the state is persisted before the
// receipt is returned.
func (b *PaperBroker) SubmitOrder(_ context.Context, req models.OrderRequest) (*models.OrderReceipt, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("paper: invalid side %q: %w", req.Side, ErrUpstreamRejected)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("paper: non-positive qty %.8f: %w", req.Qty, ErrUpstreamRejected)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var receipt *models.OrderReceipt
	var fillErr error
	err := b.store.Update(func(s *models.BrokerState) {
		receipt, fillErr = b.fill(s, req)
	})
	if fillErr != nil {
		return nil, fillErr
	}
	if err != nil {
		return nil, fmt.Errorf("paper: persisting fill: %w", err)
	}
	return receipt, nil
}

// fill applies the order to the state. Runs inside store.Update; any
// returned error leaves the state untouched by the caller contract.
func (b *PaperBroker) fill(s *models.BrokerState, req models.OrderRequest) (*models.OrderReceipt, error) {
	pos := s.Position(req.Symbol)

	price, source, err := b.fillPrice(req.Symbol, s, pos)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	receipt := &models.OrderReceipt{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		FillPrice:  price,
		FillSource: source,
		FilledAt:   now,
	}

	switch req.Side {
	case models.SideBuy:
		cost := price * req.Qty
		if !b.allowLeverage && cost > s.Cash+cashEpsilon {
			return nil, fmt.Errorf("paper: need %.2f, have %.2f: %w", cost, s.Cash, ErrInsufficientFunds)
		}
		newQty := pos.Qty + req.Qty
		pos.AvgPrice = (pos.AvgPrice*pos.Qty + price*req.Qty) / newQty
		pos.Qty = newQty
		pos.Symbol = req.Symbol
		pos.LastTradeAt = now
		s.Cash -= cost
		s.Positions[req.Symbol] = pos

	case models.SideSell:
		if req.Qty > pos.Qty+models.QtyEpsilon {
			return nil, fmt.Errorf("paper: sell %.8f exceeds held %.8f: %w", req.Qty, pos.Qty, ErrUpstreamRejected)
		}
		closed := math.Min(req.Qty, pos.Qty)
		receipt.RealizedPnL = (price - pos.AvgPrice) * closed
		pos.Qty -= closed
		pos.LastTradeAt = now
		s.Cash += price * closed
		if pos.IsZero() {
			delete(s.Positions, req.Symbol)
		} else {
			s.Positions[req.Symbol] = pos
		}
	}

	s.TradesToday++
	s.ObservePrice(req.Symbol, price)

	b.logger.WithFields(logrus.Fields{
		"symbol":      req.Symbol,
		"side":        req.Side,
		"qty":         req.Qty,
		"fill_price":  price,
		"fill_source": source,
		"realized":    receipt.RealizedPnL,
	}).Info("paper fill")

	return receipt, nil
}

// priceTick is the grid simulated fills snap to. Bid/ask midpoints
// land on half-cents otherwise.
const priceTick = 0.01

// fillPrice picks the simulated execution price: quote mid when a full
// book was observed, then last observed price, then the position's own
// average price as a final resort.
func (b *PaperBroker) fillPrice(symbol string, s *models.BrokerState, pos models.Position) (float64, string, error) {
	if q, ok := b.quotes[symbol]; ok && q.Price > 0 {
		return util.RoundToTick(q.Mid(), priceTick), "mid", nil
	}
	if last, ok := s.LastPrices[symbol]; ok && last > 0 {
		return last, "last", nil
	}
	if !pos.IsZero() && pos.AvgPrice > 0 {
		return pos.AvgPrice, "avg_price", nil
	}
	return 0, "", fmt.Errorf("paper: no price for %s: %w", symbol, ErrUnknownSymbol)
}

// GetPosition implements Broker.
func (b *PaperBroker) GetPosition(symbol string) models.Position {
	snap := b.store.Snapshot()
	return snap.Position(symbol)
}

// GetCash implements Broker.
func (b *PaperBroker) GetCash() float64 {
	return b.store.Snapshot().Cash
}

// GetEquity implements Broker.
func (b *PaperBroker) GetEquity() float64 {
	return b.store.Snapshot().EquityCached
}
