package trading

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/risk"
)

// manualClock advances instantly on Sleep so polling budgets cost no wall
// time in tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memoryLedger is an in-memory Ledger mirroring the repository's query
// semantics.
type memoryLedger struct {
	mu        sync.Mutex
	signals   map[int64]*database.Signal
	logs      []database.SignalLog
	clock     *manualClock
	updateErr error
}

func newMemoryLedger(clock *manualClock, signals ...*database.Signal) *memoryLedger {
	l := &memoryLedger{signals: make(map[int64]*database.Signal), clock: clock}
	for _, s := range signals {
		copied := *s
		l.signals[s.ID] = &copied
	}
	return l
}

func (l *memoryLedger) GetSignal(_ context.Context, id int64) (*database.Signal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.signals[id]
	if !ok {
		return nil, database.ErrSignalNotFound
	}
	copied := *s
	return &copied, nil
}

func (l *memoryLedger) UpdateSignalWithLog(_ context.Context, s *database.Signal, entry *database.SignalLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.updateErr != nil {
		return l.updateErr
	}
	copied := *s
	copied.UpdatedAt = l.clock.Now()
	l.signals[s.ID] = &copied
	if entry != nil {
		entry.SignalID = s.ID
		entry.CreatedAt = l.clock.Now()
		l.logs = append(l.logs, *entry)
	}
	return nil
}

func (l *memoryLedger) UpdateSignalIfStatus(_ context.Context, s *database.Signal, expected database.TradeStatus, entry *database.SignalLog) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.updateErr != nil {
		return false, l.updateErr
	}
	stored, ok := l.signals[s.ID]
	if !ok || stored.TradeStatus != expected {
		return false, nil
	}
	copied := *s
	copied.UpdatedAt = l.clock.Now()
	l.signals[s.ID] = &copied
	if entry != nil {
		entry.SignalID = s.ID
		entry.CreatedAt = l.clock.Now()
		l.logs = append(l.logs, *entry)
	}
	return true, nil
}

func (l *memoryLedger) list(match func(*database.Signal) bool) []*database.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*database.Signal
	for _, s := range l.signals {
		if match(s) {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out
}

func (l *memoryLedger) ListPendingWithoutOrder(_ context.Context, maxAge time.Duration) ([]*database.Signal, error) {
	now := l.clock.Now()
	return l.list(func(s *database.Signal) bool {
		return s.Status == database.StatusActive && s.OrderID == "" &&
			s.TradeStatus == database.TradeStatusNone && s.Age(now) <= maxAge
	}), nil
}

func (l *memoryLedger) ListInvalidated(_ context.Context, maxAge time.Duration) ([]*database.Signal, error) {
	now := l.clock.Now()
	return l.list(func(s *database.Signal) bool {
		return s.Status == database.StatusActive && s.TradeStatus.IsInvalidated() && s.Age(now) <= maxAge
	}), nil
}

func (l *memoryLedger) ListWaiting(_ context.Context) ([]*database.Signal, error) {
	return l.list(func(s *database.Signal) bool {
		return s.Status == database.StatusActive && s.TradeStatus == database.TradeStatusWaitingForPrice
	}), nil
}

func (l *memoryLedger) ListWithOpenEntryOrder(_ context.Context) ([]*database.Signal, error) {
	return l.list(func(s *database.Signal) bool {
		return s.OrderID != "" && s.TradeStatus.HasOpenEntryOrder()
	}), nil
}

func (l *memoryLedger) ListOrphanClosed(_ context.Context) ([]*database.Signal, error) {
	return l.list(func(s *database.Signal) bool {
		return s.Status != database.StatusActive && s.OrderID == "" && s.TradeStatus.IsWaitingFamily()
	}), nil
}

func (l *memoryLedger) ListPlacedUnfilled(_ context.Context) ([]*database.Signal, error) {
	return l.list(func(s *database.Signal) bool {
		return s.OrderID != "" && s.FilledAt == nil &&
			s.TradeStatus.HasOpenEntryOrder() && s.TradeStatus != database.TradeStatusSubmitting
	}), nil
}

func (l *memoryLedger) ListFilledOpen(_ context.Context) ([]*database.Signal, error) {
	return l.list(func(s *database.Signal) bool {
		return s.TradeStatus.IsOpenPosition() && s.FilledAt != nil &&
			s.EntryPrice.IsPositive() && s.ExitPrice.IsZero()
	}), nil
}

func (l *memoryLedger) signal(id int64) *database.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *l.signals[id]
	return &copied
}

func (l *memoryLedger) eventsOf(id int64, eventType string) []database.SignalLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []database.SignalLog
	for _, e := range l.logs {
		if e.SignalID == id && e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// stubGate is a TradingGate with a fixed answer.
type stubGate struct {
	mu      sync.Mutex
	enabled bool
}

func (g *stubGate) IsLiveEnabled(_ context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// stubRisk returns a scripted enforcement result and counts calls.
type stubRisk struct {
	mu     sync.Mutex
	result risk.EnforceResult
	err    error
	calls  int
}

func (r *stubRisk) Enforce(_ context.Context) (risk.EnforceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.result, r.err
}

// testConfig mirrors the defaults with tiny polling budgets.
func testConfig() Config {
	return Config{
		OrderSizeUSDT:           decimal.NewFromInt(50),
		QuantityPrecision:       3,
		TakeProfitPct:           decimal.NewFromFloat(1.5),
		StopLossPct:             decimal.NewFromFloat(0.5),
		Leverage:                5,
		PositionIdx:             0,
		TimeInForce:             "GTC",
		MarketEntryThresholdPct: decimal.NewFromFloat(0.1),
		CancelDeviationPct:      decimal.NewFromFloat(1.5),
		SignalMaxAge:            30 * time.Minute,
		FastWaitBudget:          30 * time.Second,
		FastWaitInterval:        2 * time.Second,
		FillPollBudget:          10 * time.Second,
		FillPollInterval:        500 * time.Millisecond,
	}
}

func newLongSignal(id int64, level string, createdAt time.Time) *database.Signal {
	return &database.Signal{
		ID:                 id,
		Pair:               database.TradingPair{ID: 1, Symbol: "BTC/USDT"},
		Side:               database.SideLong,
		LevelPrice:         mustDec(level),
		Status:             database.StatusActive,
		CreatedAt:          createdAt,
		ElderScreen1Passed: true,
		ElderScreen2Passed: true,
	}
}

func mustDec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}
