// Package mock provides in-memory fakes for the external collaborators
// declared in internal/core: ExchangeConnector, the five repositories, and
// Broadcaster. These are used by tests across the engine's packages and by
// cmd/engine in place of a real exchange, store and notification transport.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
)

// ErrOrderNotFound is returned by CancelOrder/GetOrderStatus when the order
// ID was never placed through this connector.
var ErrOrderNotFound = errors.New("mock: order not found")

// ExchangeConnector is an in-memory stand-in for a single (user, exchange)
// credential pair.
type ExchangeConnector struct {
	mu sync.Mutex

	orders        map[string]*core.ExchangeEnvelope
	orderIDSeq    int
	prices        map[string]decimal.Decimal
	precision     map[string]core.PrecisionRules
	feeRate       decimal.Decimal
	freeBalance   map[string]decimal.Decimal
	totalBalance  decimal.Decimal
	positions     map[string]decimal.Decimal
	placeErr      error
	cancelErr     error
	statusErr     error
	closeCalled   bool
}

func NewExchangeConnector() *ExchangeConnector {
	return &ExchangeConnector{
		orders:      make(map[string]*core.ExchangeEnvelope),
		prices:      make(map[string]decimal.Decimal),
		precision:   make(map[string]core.PrecisionRules),
		freeBalance: make(map[string]decimal.Decimal),
		positions:   make(map[string]decimal.Decimal),
		feeRate:     decimal.NewFromFloat(0.001),
	}
}

func (m *ExchangeConnector) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *ExchangeConnector) SetPrecision(symbol string, rules core.PrecisionRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precision[symbol] = rules
}

func (m *ExchangeConnector) SetFreeBalance(currency string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeBalance[currency] = amount
}

func (m *ExchangeConnector) FailNextPlace(err error)  { m.placeErr = err }
func (m *ExchangeConnector) FailNextCancel(err error) { m.cancelErr = err }
func (m *ExchangeConnector) FailNextStatus(err error) { m.statusErr = err }

// SetOrderFill marks a previously placed order as filled/partially-filled so
// GetOrderStatus reports it on the next call.
func (m *ExchangeConnector) SetOrderFill(orderID string, filled, average decimal.Decimal, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.Filled = filled
		o.Average = average
		o.Status = status
	}
}

func (m *ExchangeConnector) PlaceOrder(ctx context.Context, symbol string, orderType core.OrderType, side core.OrderSide, quantity decimal.Decimal, price *decimal.Decimal, amountType core.AmountType) (*core.ExchangeEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.placeErr != nil {
		err := m.placeErr
		m.placeErr = nil
		return nil, err
	}

	m.orderIDSeq++
	id := fmt.Sprintf("mock-order-%d", m.orderIDSeq)
	env := &core.ExchangeEnvelope{
		ID:     id,
		Status: "new",
		Info:   map[string]any{},
	}
	m.orders[id] = env
	return env, nil
}

func (m *ExchangeConnector) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		err := m.cancelErr
		m.cancelErr = nil
		return err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = "canceled"
	return nil
}

func (m *ExchangeConnector) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.ExchangeEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusErr != nil {
		err := m.statusErr
		m.statusErr = nil
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *ExchangeConnector) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("mock: no price set for %s", symbol)
	}
	return p, nil
}

func (m *ExchangeConnector) GetAllTickers(ctx context.Context) (map[string]core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.Ticker, len(m.prices))
	for sym, p := range m.prices {
		out[sym] = core.Ticker{Symbol: sym, Last: p}
	}
	return out, nil
}

func (m *ExchangeConnector) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.PrecisionRules, len(m.precision))
	for k, v := range m.precision {
		out[k] = v
	}
	return out, nil
}

func (m *ExchangeConnector) GetTradingFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return m.feeRate, nil
}

func (m *ExchangeConnector) FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.freeBalance))
	for k, v := range m.freeBalance {
		out[k] = v
	}
	return out, nil
}

func (m *ExchangeConnector) FetchBalance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return m.totalBalance, m.totalBalance, nil
}

func (m *ExchangeConnector) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out, nil
}

func (m *ExchangeConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}
