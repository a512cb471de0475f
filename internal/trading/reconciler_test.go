package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/exchange"
)

type reconcilerFixture struct {
	ledger *memoryLedger
	mock   *exchange.MockClient
	gate   *stubGate
	risk   *stubRisk
	clock  *manualClock
	rc     *Reconciler
}

func newReconcilerFixture(signals ...*database.Signal) *reconcilerFixture {
	clock := newManualClock(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	ledger := newMemoryLedger(clock, signals...)
	mock := exchange.NewMockClient()
	gate := &stubGate{enabled: true}
	riskCtl := &stubRisk{}
	cfg := testConfig()
	exec := NewExecutor(ledger, mock, gate, riskCtl, clock, cfg, zerolog.Nop())
	rc := NewReconciler(ledger, mock, exec, riskCtl, clock, cfg, zerolog.Nop())
	return &reconcilerFixture{ledger: ledger, mock: mock, gate: gate, risk: riskCtl, clock: clock, rc: rc}
}

func TestSweepAttemptsPendingSignal(t *testing.T) {
	f := newReconcilerFixture(newLongSignal(1, "20000", f0Created()))
	f.mock.PushPrice(testSymbol, 19998)
	f.mock.PushFill("mock-1", &exchange.FillInfo{Price: mustDec("19998"), Time: f.clock.Now()})

	f.rc.Sweep(context.Background())

	s := f.ledger.signal(1)
	if s.TradeStatus != database.TradeStatusOpenPosition {
		t.Fatalf("trade_status = %s, want OPEN_POSITION", s.TradeStatus)
	}
	if len(f.mock.PlacedOrders) != 1 {
		t.Errorf("placed %d orders, want 1", len(f.mock.PlacedOrders))
	}
}

func TestSweepRevivesRestoredLevel(t *testing.T) {
	s := newLongSignal(1, "20000", f0Created())
	s.TradeStatus = database.TradeStatusLevelBroken
	f := newReconcilerFixture(s)
	// back above the level but still too far for submission
	f.mock.PushPrice(testSymbol, 20150)

	f.rc.Sweep(context.Background())

	got := f.ledger.signal(1)
	if got.TradeStatus != database.TradeStatusWaitingForPrice {
		t.Fatalf("trade_status = %s, want WAITING_FOR_PRICE", got.TradeStatus)
	}
	if len(f.ledger.eventsOf(1, EventLevelRestored)) != 1 {
		t.Error("expected a LEVEL_RESTORED audit event")
	}
	if len(f.mock.PlacedOrders) != 0 {
		t.Error("order placed while price was still away from the level")
	}
}

func TestSweepAgesOutWaitingSignal(t *testing.T) {
	s := newLongSignal(1, "20000", time.Date(2026, 2, 10, 11, 25, 0, 0, time.UTC))
	s.TradeStatus = database.TradeStatusWaitingForPrice
	f := newReconcilerFixture(s)

	f.rc.Sweep(context.Background())

	if got := f.ledger.signal(1); got.TradeStatus != database.TradeStatusSignalTooOld {
		t.Fatalf("trade_status = %s, want SIGNAL_TOO_OLD", got.TradeStatus)
	}
}

func TestSweepCancelsEntryOnLatchedMaxDeviation(t *testing.T) {
	s := newLongSignal(1, "20000", f0Created())
	s.TradeStatus = database.TradeStatusPlaced
	s.OrderID = "o1"
	f := newReconcilerFixture(s)

	// first sweep sees a 2% spike but the cancel call fails
	f.mock.PushPrice(testSymbol, 20400, 20000)
	f.mock.CancelErr = errors.New("venue unavailable")
	f.rc.Sweep(context.Background())

	got := f.ledger.signal(1)
	if got.TradeStatus != database.TradeStatusPlaced {
		t.Fatalf("trade_status = %s, want still PLACED after failed cancel", got.TradeStatus)
	}
	if !got.Meta.MaxPriceDeviationPct.Equal(mustDec("2")) {
		t.Fatalf("latched max deviation = %s, want 2", got.Meta.MaxPriceDeviationPct)
	}

	// price is back at the level; the latched maximum still forces the cancel
	f.mock.CancelErr = nil
	f.rc.Sweep(context.Background())

	got = f.ledger.signal(1)
	if got.TradeStatus != database.TradeStatusOrderCancelled {
		t.Fatalf("trade_status = %s, want ORDER_CANCELLED_PRICE_MOVED", got.TradeStatus)
	}
	if !got.Meta.MaxPriceDeviationPct.Equal(mustDec("2")) {
		t.Errorf("max deviation decreased to %s", got.Meta.MaxPriceDeviationPct)
	}
	if len(f.mock.CancelledIDs) != 1 || f.mock.CancelledIDs[0] != "o1" {
		t.Errorf("cancelled ids = %v, want [o1]", f.mock.CancelledIDs)
	}
}

func TestSweepDetectsFillOfPlacedOrder(t *testing.T) {
	s := newLongSignal(1, "20000", f0Created())
	s.TradeStatus = database.TradeStatusPlaced
	s.OrderID = "o1"
	f := newReconcilerFixture(s)

	f.mock.PushPrice(testSymbol, 20020)
	f.mock.PushFill("o1", &exchange.FillInfo{Price: mustDec("20000"), Time: f.clock.Now()})
	f.mock.PushPosition(testSymbol, &exchange.Position{
		Symbol: testSymbol, Side: exchange.Buy, Contracts: mustDec("0.002"),
		EntryPrice: mustDec("20000"), TakeProfit: mustDec("20300"), StopLoss: mustDec("19900"),
	})

	f.rc.Sweep(context.Background())

	got := f.ledger.signal(1)
	if got.TradeStatus != database.TradeStatusOpenPosition {
		t.Fatalf("trade_status = %s, want OPEN_POSITION", got.TradeStatus)
	}
	if !got.EntryPrice.Equal(mustDec("20000")) {
		t.Errorf("entry_price = %s, want 20000", got.EntryPrice)
	}
	if got.FilledAt == nil {
		t.Error("filled_at not set")
	}
}

func TestSweepClosesPositionFromVenueExit(t *testing.T) {
	filled := time.Date(2026, 2, 10, 11, 50, 0, 0, time.UTC)
	s := newLongSignal(1, "20000", filled.Add(-time.Minute))
	s.TradeStatus = database.TradeStatusOpenPosition
	s.OrderID = "o1"
	s.EntryPrice = mustDec("20000")
	s.FilledAt = &filled
	f := newReconcilerFixture(s)

	exitAt := filled.Add(5 * time.Minute)
	f.mock.PushExit(testSymbol, &exchange.ExitFill{
		Price: mustDec("20300"), Time: exitAt, Reason: exchange.ExitTakeProfit,
	})

	f.rc.Sweep(context.Background())

	got := f.ledger.signal(1)
	if got.Status != database.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	if !got.ExitPrice.Equal(mustDec("20300")) {
		t.Errorf("exit_price = %s, want 20300", got.ExitPrice)
	}
	if got.ExitReason != string(exchange.ExitTakeProfit) {
		t.Errorf("exit_reason = %s, want TAKE_PROFIT", got.ExitReason)
	}
	if got.ExitAt == nil || !got.ExitAt.Equal(exitAt) {
		t.Errorf("exit_at = %v, want %v", got.ExitAt, exitAt)
	}
	if f.risk.calls != 1 {
		t.Errorf("risk enforced %d times after close, want 1", f.risk.calls)
	}
}

func TestSweepLeavesCloseForNextSweepWithoutExitFill(t *testing.T) {
	filled := time.Date(2026, 2, 10, 11, 50, 0, 0, time.UTC)
	s := newLongSignal(1, "20000", filled.Add(-time.Minute))
	s.TradeStatus = database.TradeStatusOpenPosition
	s.OrderID = "o1"
	s.EntryPrice = mustDec("20000")
	s.FilledAt = &filled
	f := newReconcilerFixture(s)

	f.rc.Sweep(context.Background())

	got := f.ledger.signal(1)
	if got.Status != database.StatusActive {
		t.Fatalf("status = %s, want still ACTIVE", got.Status)
	}
	if len(f.ledger.eventsOf(1, EventCloseNotObserved)) != 1 {
		t.Error("expected a CLOSE_NOT_OBSERVED audit event")
	}
	if f.risk.calls != 0 {
		t.Errorf("risk enforced %d times with nothing closed", f.risk.calls)
	}
}

func TestSweepMarksOrphanClosedSignal(t *testing.T) {
	s := newLongSignal(1, "20000", f0Created())
	s.Status = database.StatusClosed
	s.TradeStatus = database.TradeStatusWaitingForPrice
	f := newReconcilerFixture(s)

	f.rc.Sweep(context.Background())

	if got := f.ledger.signal(1); got.TradeStatus != database.TradeStatusClosedNoOrder {
		t.Fatalf("trade_status = %s, want SIGNAL_CLOSED_NO_ORDER", got.TradeStatus)
	}
}

func TestSweepRepairsMissingStopLoss(t *testing.T) {
	filled := time.Date(2026, 2, 10, 11, 50, 0, 0, time.UTC)
	s := newLongSignal(1, "20000", filled.Add(-time.Minute))
	s.TradeStatus = database.TradeStatusOpenPosition
	s.OrderID = "o1"
	s.EntryPrice = mustDec("20000")
	s.StopLossPrice = mustDec("19900")
	s.TakeProfitPrice = mustDec("20300")
	s.FilledAt = &filled
	f := newReconcilerFixture(s)

	f.mock.PushPrice(testSymbol, 20020)
	f.mock.PushPosition(testSymbol, &exchange.Position{
		Symbol: testSymbol, Side: exchange.Buy, Contracts: mustDec("0.002"),
		EntryPrice: mustDec("20000"), TakeProfit: mustDec("20300"),
	})

	f.rc.Sweep(context.Background())

	if len(f.mock.TPSLCalls) != 1 {
		t.Fatalf("tp/sl calls = %d, want 1", len(f.mock.TPSLCalls))
	}
	call := f.mock.TPSLCalls[0]
	if !call.TP.IsZero() || !call.SL.Equal(mustDec("19900")) {
		t.Errorf("repair sent tp=%s sl=%s, want tp=0 sl=19900", call.TP, call.SL)
	}
}

func TestSweepTracksExcursionsAndThresholds(t *testing.T) {
	filled := time.Date(2026, 2, 10, 11, 50, 0, 0, time.UTC)
	s := newLongSignal(1, "20000", filled.Add(-time.Minute))
	s.TradeStatus = database.TradeStatusOpenPosition
	s.OrderID = "o1"
	s.EntryPrice = mustDec("20000")
	s.FilledAt = &filled
	f := newReconcilerFixture(s)

	f.mock.PushPosition(testSymbol, &exchange.Position{
		Symbol: testSymbol, Side: exchange.Buy, Contracts: mustDec("0.002"),
		EntryPrice: mustDec("20000"), TakeProfit: mustDec("20300"), StopLoss: mustDec("19900"),
	})
	// +1.1% then a pullback to -0.5%
	f.mock.PushPrice(testSymbol, 20220, 19900)

	f.rc.Sweep(context.Background())
	f.rc.Sweep(context.Background())

	got := f.ledger.signal(1)
	if !got.Meta.MaxFavorableMovePct.Equal(mustDec("1.1")) {
		t.Errorf("max favorable = %s, want 1.1", got.Meta.MaxFavorableMovePct)
	}
	if !got.Meta.MaxAdverseMovePct.Equal(mustDec("0.5")) {
		t.Errorf("max adverse = %s, want 0.5", got.Meta.MaxAdverseMovePct)
	}

	hits := f.ledger.eventsOf(1, EventThresholdHit)
	if len(hits) != 2 {
		t.Fatalf("threshold hits = %d, want 2 (0.5 and 1.0)", len(hits))
	}
	if _, ok := got.Meta.ThresholdHits["0.5"]; !ok {
		t.Error("missing first-touch timestamp for 0.5")
	}
	if _, ok := got.Meta.ThresholdHits["1.0"]; !ok {
		t.Error("missing first-touch timestamp for 1.0")
	}
	if _, ok := got.Meta.ThresholdHits["1.5"]; ok {
		t.Error("1.5 stamped without being crossed")
	}
}
