package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
)

type fakeLedger struct {
	closed []*database.Signal
}

func (f *fakeLedger) RecentClosed(_ context.Context, _ time.Duration) ([]*database.Signal, error) {
	return f.closed, nil
}

type fakeGate struct {
	enabled      bool
	trip         string
	disableCalls int
}

func (f *fakeGate) IsLiveEnabled(context.Context) bool { return f.enabled }
func (f *fakeGate) SetLiveEnabled(_ context.Context, enabled bool, _ string) error {
	if !enabled {
		f.disableCalls++
	}
	f.enabled = enabled
	return nil
}
func (f *fakeGate) RiskTrip(context.Context) (string, bool) { return f.trip, f.trip != "" }
func (f *fakeGate) SetRiskTrip(_ context.Context, reason string) error {
	f.trip = reason
	return nil
}
func (f *fakeGate) ClearRiskTrip(context.Context) error {
	f.trip = ""
	return nil
}

func closedSignal(side database.Side, entry, exit float64) *database.Signal {
	now := time.Now()
	return &database.Signal{
		Side:       side,
		Status:     database.StatusClosed,
		EntryPrice: decimal.NewFromFloat(entry),
		ExitPrice:  decimal.NewFromFloat(exit),
		ExitAt:     &now,
	}
}

func newTestManager(ledger Ledger, g TradingGate) *Manager {
	cfg := Config{DailyLossLimitPct: 5, MaxConsecutiveLosses: 5, CommissionPct: 0.035}
	return NewManager(ledger, g, cfg, nil, zerolog.Nop())
}

func TestDailyPnLPctSubtractsCommission(t *testing.T) {
	ledger := &fakeLedger{closed: []*database.Signal{
		closedSignal(database.SideLong, 100, 101), // +1% gross
	}}
	m := newTestManager(ledger, &fakeGate{enabled: true})

	pnl, err := m.DailyPnLPct(context.Background())
	if err != nil {
		t.Fatalf("DailyPnLPct: %v", err)
	}
	want := decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(0.07))
	if !pnl.Equal(want) {
		t.Errorf("pnl = %s, want %s", pnl, want)
	}
}

func TestShortSidePnLDirection(t *testing.T) {
	ledger := &fakeLedger{closed: []*database.Signal{
		closedSignal(database.SideShort, 100, 98), // +2% gross for a short
	}}
	m := newTestManager(ledger, &fakeGate{enabled: true})

	pnl, err := m.DailyPnLPct(context.Background())
	if err != nil {
		t.Fatalf("DailyPnLPct: %v", err)
	}
	if !pnl.IsPositive() {
		t.Errorf("short closed below entry should be profitable, got %s", pnl)
	}
}

func TestConsecutiveLossesStopsAtWin(t *testing.T) {
	// Newest first: two losses, then a win, then another loss.
	ledger := &fakeLedger{closed: []*database.Signal{
		closedSignal(database.SideLong, 100, 99),
		closedSignal(database.SideLong, 100, 98),
		closedSignal(database.SideLong, 100, 103),
		closedSignal(database.SideLong, 100, 97),
	}}
	m := newTestManager(ledger, &fakeGate{enabled: true})

	losses, err := m.ConsecutiveLosses(context.Background())
	if err != nil {
		t.Fatalf("ConsecutiveLosses: %v", err)
	}
	if losses != 2 {
		t.Errorf("losses = %d, want 2", losses)
	}
}

func TestEnforceDisablesGateExactlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{closed: []*database.Signal{
		closedSignal(database.SideLong, 100, 94), // ~-6%, breaches -5%
	}}
	g := &fakeGate{enabled: true}
	m := newTestManager(ledger, g)

	res, err := m.Enforce(ctx)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !res.Stopped {
		t.Fatal("first enforce on a breach should stop trading")
	}
	if g.enabled {
		t.Error("gate should be disabled after the trip")
	}
	if g.disableCalls != 1 {
		t.Errorf("disable calls = %d, want 1", g.disableCalls)
	}

	// A second enforce with the gate still down stays stopped but does not
	// flip the gate again.
	res, err = m.Enforce(ctx)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !res.Stopped {
		t.Error("enforce should stay stopped while the breach persists")
	}
	if g.disableCalls != 1 {
		t.Errorf("disable calls = %d, want 1 after repeat enforce", g.disableCalls)
	}
}

func TestEnforceHonorsOperatorOverride(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{closed: []*database.Signal{
		closedSignal(database.SideLong, 100, 94),
	}}
	g := &fakeGate{enabled: true}
	m := newTestManager(ledger, g)

	if res, _ := m.Enforce(ctx); !res.Stopped {
		t.Fatal("expected initial trip")
	}

	// Operator flips the gate back on while the breach persists.
	g.enabled = true

	res, err := m.Enforce(ctx)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if res.Stopped {
		t.Error("enforce should honor the operator override")
	}
	if !g.enabled {
		t.Error("gate must stay enabled after an operator override")
	}
	if g.disableCalls != 1 {
		t.Errorf("disable calls = %d, want 1", g.disableCalls)
	}
}

func TestEnforceClearsTripWhenBackInRange(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{closed: []*database.Signal{
		closedSignal(database.SideLong, 100, 94),
	}}
	g := &fakeGate{enabled: true}
	m := newTestManager(ledger, g)

	if res, _ := m.Enforce(ctx); !res.Stopped {
		t.Fatal("expected initial trip")
	}

	// New day, no losses.
	ledger.closed = nil

	res, err := m.Enforce(ctx)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if res.Stopped {
		t.Error("enforce should pass once limits are back in range")
	}
	if g.trip != "" {
		t.Error("trip marker should be cleared")
	}
}
