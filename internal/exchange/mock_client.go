package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockClient is a deterministic scripted implementation of Client for tests.
// Responses for sequenced calls (prices, fills, positions) are consumed FIFO;
// when a queue runs out the last value sticks. All mutating calls are recorded.
type MockClient struct {
	mu sync.Mutex

	Configured bool

	// scripted responses
	Prices        map[string][]decimal.Decimal
	PriceErr      error
	Volatility    decimal.Decimal
	VolatilityErr error
	PlaceResult   *OrderResult
	PlaceErr      error
	CancelErr     error
	Fills         map[string][]*FillInfo
	FillErr       error
	Positions     map[string][]*Position
	PositionErr   error
	Exits         map[string][]*ExitFill
	ExitErr       error
	Open          map[string][]Order
	TPSLErr       error
	LeverageErr   error

	// recorded calls
	PlacedOrders   []OrderRequest
	CancelledIDs   []string
	TPSLCalls      []TPSLCall
	LeverageCalls  []string
	PriceRequests  int
	FillRequests   int
	ExitRequests   int
	PositionChecks int
}

// TPSLCall records one SetPositionTPSL invocation.
type TPSLCall struct {
	Symbol string
	TP     decimal.Decimal
	SL     decimal.Decimal
}

// NewMockClient returns a configured mock with empty scripts.
func NewMockClient() *MockClient {
	return &MockClient{
		Configured: true,
		Prices:     make(map[string][]decimal.Decimal),
		Fills:      make(map[string][]*FillInfo),
		Positions:  make(map[string][]*Position),
		Exits:      make(map[string][]*ExitFill),
		Open:       make(map[string][]Order),
		Volatility: decimal.Zero,
	}
}

func (m *MockClient) IsConfigured() bool { return m.Configured }

// PushPrice appends prices to a symbol's script.
func (m *MockClient) PushPrice(symbol string, prices ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range prices {
		m.Prices[symbol] = append(m.Prices[symbol], decimal.NewFromFloat(p))
	}
}

// PushFill appends a fill response (nil means "not filled yet").
func (m *MockClient) PushFill(orderID string, fill *FillInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fills[orderID] = append(m.Fills[orderID], fill)
}

// PushPosition appends a position snapshot (nil means "no position").
func (m *MockClient) PushPosition(symbol string, pos *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions[symbol] = append(m.Positions[symbol], pos)
}

// PushExit appends an exit-fill response.
func (m *MockClient) PushExit(symbol string, exit *ExitFill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Exits[symbol] = append(m.Exits[symbol], exit)
}

func (m *MockClient) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PriceRequests++
	if m.PriceErr != nil {
		return decimal.Zero, m.PriceErr
	}
	queue := m.Prices[symbol]
	if len(queue) == 0 {
		return decimal.Zero, &APIError{Message: "no scripted price for " + symbol}
	}
	price := queue[0]
	if len(queue) > 1 {
		m.Prices[symbol] = queue[1:]
	}
	return price, nil
}

func (m *MockClient) VolatilityPct(_ context.Context, _ string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.VolatilityErr != nil {
		return decimal.Zero, m.VolatilityErr
	}
	return m.Volatility, nil
}

func (m *MockClient) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	m.PlacedOrders = append(m.PlacedOrders, req)
	if m.PlaceResult != nil {
		return m.PlaceResult, nil
	}
	return &OrderResult{OrderID: "mock-1", Status: "New"}, nil
}

func (m *MockClient) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.CancelledIDs = append(m.CancelledIDs, orderID)
	return nil
}

func (m *MockClient) OpenOrders(_ context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Open[symbol], nil
}

func (m *MockClient) OrderFillInfo(_ context.Context, _ string, orderID string) (*FillInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FillRequests++
	if m.FillErr != nil {
		return nil, m.FillErr
	}
	queue := m.Fills[orderID]
	if len(queue) == 0 {
		return nil, nil
	}
	fill := queue[0]
	if len(queue) > 1 {
		m.Fills[orderID] = queue[1:]
	}
	return fill, nil
}

func (m *MockClient) PositionInfo(_ context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PositionChecks++
	if m.PositionErr != nil {
		return nil, m.PositionErr
	}
	queue := m.Positions[symbol]
	if len(queue) == 0 {
		return nil, nil
	}
	pos := queue[0]
	if len(queue) > 1 {
		m.Positions[symbol] = queue[1:]
	}
	return pos, nil
}

func (m *MockClient) ExitFillInfo(_ context.Context, symbol, _ string, _ time.Time, _ OrderSide) (*ExitFill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExitRequests++
	if m.ExitErr != nil {
		return nil, m.ExitErr
	}
	queue := m.Exits[symbol]
	if len(queue) == 0 {
		return nil, nil
	}
	exit := queue[0]
	if len(queue) > 1 {
		m.Exits[symbol] = queue[1:]
	}
	return exit, nil
}

func (m *MockClient) SetPositionTPSL(_ context.Context, symbol string, tp, sl decimal.Decimal, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TPSLErr != nil {
		return m.TPSLErr
	}
	m.TPSLCalls = append(m.TPSLCalls, TPSLCall{Symbol: symbol, TP: tp, SL: sl})
	return nil
}

func (m *MockClient) EnsureLeverage(_ context.Context, symbol string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LeverageErr != nil {
		return m.LeverageErr
	}
	m.LeverageCalls = append(m.LeverageCalls, symbol)
	return nil
}
