package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/exchange"
)

// fillPriceTolerance is the relative gap between expected and real entry
// beyond which TP/SL are re-anchored to the real fill.
var fillPriceTolerance = decimal.NewFromFloat(0.001)

const (
	signalLoadRetries   = 3
	signalLoadBaseDelay = 500 * time.Millisecond
	maxErrorLen         = 500
)

// Executor drives one signal through eligibility checks, price-approach
// waiting, order submission and fill reconciliation. It is re-entrant per
// signal: every attempt starts with the same preflight, so at-least-once
// scheduling cannot double-submit.
type Executor struct {
	ledger Ledger
	exch   exchange.Client
	gate   TradingGate
	risk   RiskControl
	clock  Clock
	cfg    Config
	log    zerolog.Logger
}

// NewExecutor wires the executor's dependencies.
func NewExecutor(ledger Ledger, exch exchange.Client, tradingGate TradingGate, riskControl RiskControl, clock Clock, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		ledger: ledger,
		exch:   exch,
		gate:   tradingGate,
		risk:   riskControl,
		clock:  clock,
		cfg:    cfg,
		log:    logger.With().Str("component", "executor").Logger(),
	}
}

// Attempt runs one execution attempt for a signal. fromReconciler selects the
// single-shot price evaluation instead of the initial fast-wait loop.
func (e *Executor) Attempt(ctx context.Context, signalID int64, fromReconciler bool) Outcome {
	log := e.log.With().Int64("signal_id", signalID).Bool("from_reconciler", fromReconciler).Logger()

	// Global gates come before the signal is even loaded.
	if !e.gate.IsLiveEnabled(ctx) {
		e.parkByID(ctx, signalID, database.TradeStatusLiveDisabled, "live trading disabled")
		return OutcomeDisabled
	}
	if !e.exch.IsConfigured() {
		e.parkByID(ctx, signalID, database.TradeStatusNotConfigured, "exchange credentials missing")
		return OutcomeDisabled
	}
	if res, err := e.risk.Enforce(ctx); err != nil {
		log.Error().Err(err).Msg("risk enforcement failed")
		return OutcomeFailed
	} else if res.Stopped {
		log.Warn().Str("reason", res.Reason).Msg("submission blocked by risk limits")
		e.appendEventByID(ctx, signalID, EventRiskBlocked, res.Reason)
		return OutcomeRiskBlocked
	}

	s, err := e.loadSignal(ctx, signalID)
	if err != nil {
		if errors.Is(err, database.ErrSignalNotFound) {
			log.Warn().Msg("signal not found after retries")
			return OutcomeSignalNotFound
		}
		log.Error().Err(err).Msg("failed to load signal")
		return OutcomeFailed
	}

	if s.Status == database.StatusClosed {
		return OutcomeSignalClosed
	}
	if !s.TradeStatus.IsRetryable() {
		return OutcomeAlreadyProcessed
	}
	if !s.ElderScreen1Passed || !s.ElderScreen2Passed {
		e.park(ctx, s, database.TradeStatusElderScreensFailed, "elder screens not passed")
		return OutcomeInvalidated
	}

	symbol := e.symbol(s)
	if dup, err := e.hasOpenExposure(ctx, symbol, s.Side); err != nil {
		log.Warn().Err(err).Msg("failed to check venue exposure")
		return OutcomeFailed
	} else if dup {
		e.park(ctx, s, database.TradeStatusPositionOpen, "position or entry order already open on venue")
		return OutcomeDuplicatePosition
	}

	if s.Age(e.clock.Now()) > e.cfg.SignalMaxAge {
		e.park(ctx, s, database.TradeStatusSignalTooOld, "signal exceeded the age gate before submission")
		return OutcomeInvalidated
	}
	if !s.LevelPrice.IsPositive() {
		e.park(ctx, s, database.TradeStatusInvalidEntry, "level price is not a positive number")
		return OutcomeInvalidated
	}

	current, err := e.exch.CurrentPrice(ctx, symbol)
	if err != nil {
		// Transient by policy: the status is untouched so the next sweep
		// retries naturally.
		log.Warn().Err(err).Msg("failed to fetch current price")
		return OutcomeFailed
	}
	if st, bad := invalidate(s.Side, s.LevelPrice, current); bad {
		e.parkInvalidated(ctx, s, st, current)
		return OutcomeInvalidated
	}

	vol, volErr := e.exch.VolatilityPct(ctx, symbol)
	allowed := allowedDeviationPct(vol, volErr)
	tooFar := tooFarPct(allowed)
	dev := deviationPct(current, s.LevelPrice)

	if fromReconciler {
		if dev.GreaterThan(tooFar) {
			e.parkInvalidated(ctx, s, database.TradeStatusPriceDeviation, current)
			return OutcomeInvalidated
		}
		if dev.GreaterThan(allowed) {
			e.ensureWaiting(ctx, s)
			return OutcomeWaitingForPrice
		}
	} else {
		var outcome Outcome
		current, dev, outcome = e.fastWait(ctx, s, symbol, current, allowed, tooFar)
		if outcome != "" {
			return outcome
		}
	}

	return e.submit(ctx, s, symbol, current, dev, log)
}

// fastWait polls the price for up to the fast-wait budget on the initial
// attempt. An empty outcome means "proceed to submission" with the returned
// price and deviation.
func (e *Executor) fastWait(ctx context.Context, s *database.Signal, symbol string, current, allowed, tooFar decimal.Decimal) (decimal.Decimal, decimal.Decimal, Outcome) {
	deadline := e.clock.Now().Add(e.cfg.FastWaitBudget)
	dev := deviationPct(current, s.LevelPrice)

	for {
		if dev.LessThanOrEqual(allowed) {
			return current, dev, ""
		}
		if dev.GreaterThanOrEqual(tooFar) {
			e.parkInvalidated(ctx, s, database.TradeStatusPriceDeviation, current)
			return current, dev, OutcomeInvalidated
		}
		if !e.clock.Now().Before(deadline) {
			e.ensureWaiting(ctx, s)
			return current, dev, OutcomeWaitingForPrice
		}
		if err := e.clock.Sleep(ctx, e.cfg.FastWaitInterval); err != nil {
			return current, dev, OutcomeFailed
		}

		next, err := e.exch.CurrentPrice(ctx, symbol)
		if err != nil {
			e.log.Warn().Err(err).Int64("signal_id", s.ID).Msg("price poll failed during fast wait")
			continue
		}
		current = next
		dev = deviationPct(current, s.LevelPrice)
	}
}

// submit constructs and places the entry order, then polls for its fill.
func (e *Executor) submit(ctx context.Context, s *database.Signal, symbol string, current, dev decimal.Decimal, log zerolog.Logger) Outcome {
	orderType := exchange.Limit
	entryPrice := s.LevelPrice
	if dev.LessThanOrEqual(e.cfg.MarketEntryThresholdPct) {
		orderType = exchange.Market
		entryPrice = current
	}
	if !entryPrice.IsPositive() {
		e.park(ctx, s, database.TradeStatusInvalidMarketPrice, "market price is not a positive number")
		return OutcomeInvalidated
	}

	qty := e.cfg.OrderSizeUSDT.Div(entryPrice).RoundFloor(e.cfg.QuantityPrecision)
	if !qty.IsPositive() {
		e.park(ctx, s, database.TradeStatusInvalidQuantity, fmt.Sprintf("order size %s yields zero quantity at price %s", e.cfg.OrderSizeUSDT, entryPrice))
		return OutcomeInvalidated
	}

	tp, sl := e.computeTPSL(s.Side, entryPrice)

	if err := e.exch.EnsureLeverage(ctx, symbol, e.cfg.Leverage); err != nil {
		log.Warn().Err(err).Int("leverage", e.cfg.Leverage).Msg("failed to apply leverage, submitting anyway")
	}

	// The SUBMITTING transition is a compare-and-swap on the status the
	// attempt loaded, so overlapping attempts claim at most one order.
	claimedFrom := s.TradeStatus
	s.TradeStatus = database.TradeStatusSubmitting
	s.Quantity = qty
	s.TakeProfitPrice = tp
	s.StopLossPrice = sl
	s.LastError = ""
	claimed, err := e.ledger.UpdateSignalIfStatus(ctx, s, claimedFrom, &database.SignalLog{
		EventType: EventStatusChange,
		Status:    string(s.TradeStatus),
		Message:   fmt.Sprintf("submitting %s %s qty=%s entry=%s", s.Side, orderType, qty, entryPrice),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to mark signal submitting")
		return OutcomeFailed
	}
	if !claimed {
		log.Info().Msg("signal was claimed by a concurrent attempt")
		return OutcomeAlreadyProcessed
	}

	res, err := e.exch.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        orderSide(s.Side),
		Type:        orderType,
		Qty:         qty,
		Price:       entryPrice,
		TimeInForce: e.cfg.TimeInForce,
		PositionIdx: e.cfg.PositionIdx,
	})
	if err != nil {
		e.fail(ctx, s, fmt.Sprintf("order placement failed: %v", err))
		return OutcomeFailed
	}

	s.OrderID = res.OrderID
	s.TradeStatus = database.NormalizeVenueStatus(res.Status)
	if err := e.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: EventOrderPlaced,
		Status:    string(s.TradeStatus),
		Message:   fmt.Sprintf("entry order placed at %s", entryPrice),
		Details:   map[string]string{"order_id": res.OrderID, "type": string(orderType)},
	}); err != nil {
		log.Error().Err(err).Str("order_id", res.OrderID).Msg("failed to record placed order")
		return OutcomeFailed
	}

	e.pollFill(ctx, s, symbol, entryPrice)
	return OutcomeSubmitted
}

// pollFill watches the fresh order briefly; the reconciler takes over when
// no fill shows up inside the budget.
func (e *Executor) pollFill(ctx context.Context, s *database.Signal, symbol string, expected decimal.Decimal) {
	deadline := e.clock.Now().Add(e.cfg.FillPollBudget)
	for e.clock.Now().Before(deadline) {
		fill, err := e.exch.OrderFillInfo(ctx, symbol, s.OrderID)
		if err != nil {
			e.log.Warn().Err(err).Str("order_id", s.OrderID).Msg("fill poll failed")
		} else if fill != nil {
			e.ApplyFill(ctx, s, fill, expected)
			return
		}
		if err := e.clock.Sleep(ctx, e.cfg.FillPollInterval); err != nil {
			return
		}
	}
}

// ApplyFill records a venue-confirmed entry fill: real price and timestamp,
// TP/SL re-anchoring when the fill price drifted from the expected entry,
// then the protective-order guarantee. Called from the initial attempt and
// from the reconciler's fill detection.
func (e *Executor) ApplyFill(ctx context.Context, s *database.Signal, fill *exchange.FillInfo, expected decimal.Decimal) {
	filledAt := fill.Time
	if filledAt.IsZero() {
		filledAt = e.clock.Now()
	}
	s.FilledAt = &filledAt
	s.EntryPrice = fill.Price

	reanchored := false
	if expected.IsPositive() && fill.Price.Div(expected).Sub(decimal.NewFromInt(1)).Abs().GreaterThan(fillPriceTolerance) {
		tp, sl := e.computeTPSL(s.Side, fill.Price)
		s.TakeProfitPrice = tp
		s.StopLossPrice = sl
		reanchored = true
		if err := e.exch.SetPositionTPSL(ctx, e.symbol(s), tp, sl, e.cfg.PositionIdx); err != nil {
			e.log.Warn().Err(err).Int64("signal_id", s.ID).Msg("failed to re-anchor tp/sl to real fill")
		}
	}

	s.TradeStatus = database.TradeStatusOpenPosition
	if err := e.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: EventOrderFilled,
		Status:    string(s.TradeStatus),
		Message:   fmt.Sprintf("entry filled at %s", fill.Price),
		Details: map[string]string{
			"order_id":   s.OrderID,
			"reanchored": fmt.Sprintf("%t", reanchored),
		},
	}); err != nil {
		e.log.Error().Err(err).Int64("signal_id", s.ID).Msg("failed to record fill")
		return
	}

	if err := e.EnsureProtectiveOrders(ctx, s); err != nil {
		e.log.Warn().Err(err).Int64("signal_id", s.ID).Msg("protective order installation pending")
	}
}

// EnsureProtectiveOrders verifies the venue carries both TP and SL for the
// signal's position and installs whichever is missing, preserving the side
// already present. Failure never closes the position; the reconciler retries
// on every sweep.
func (e *Executor) EnsureProtectiveOrders(ctx context.Context, s *database.Signal) error {
	symbol := e.symbol(s)
	pos, err := e.exch.PositionInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}
	if pos == nil {
		return nil
	}

	needTP := pos.TakeProfit.IsZero()
	needSL := pos.StopLoss.IsZero()
	if !needTP && !needSL {
		return nil
	}

	entry := s.EntryPrice
	if !entry.IsPositive() {
		entry = pos.EntryPrice
	}
	tp, sl := decimal.Zero, decimal.Zero
	if needTP {
		tp = s.TakeProfitPrice
		if !tp.IsPositive() {
			tp, _ = e.computeTPSL(s.Side, entry)
		}
	}
	if needSL {
		sl = s.StopLossPrice
		if !sl.IsPositive() {
			_, sl = e.computeTPSL(s.Side, entry)
		}
	}

	e.appendEvent(ctx, s, EventTPSLMissing, fmt.Sprintf("venue missing tp=%t sl=%t", needTP, needSL))

	if err := e.exch.SetPositionTPSL(ctx, symbol, tp, sl, pos.PositionIdx); err != nil {
		e.appendEvent(ctx, s, EventTPSLRestoreFail, truncateErr(err))
		return fmt.Errorf("failed to restore tp/sl: %w", err)
	}
	e.appendEvent(ctx, s, EventTPSLRestored, fmt.Sprintf("restored tp=%s sl=%s", tp, sl))
	return nil
}

// ==================== helpers ====================

func (e *Executor) symbol(s *database.Signal) string {
	return exchange.PairToSymbol(s.Pair.Symbol, e.cfg.SymbolSuffix)
}

func orderSide(side database.Side) exchange.OrderSide {
	if side == database.SideShort {
		return exchange.Sell
	}
	return exchange.Buy
}

// computeTPSL derives the bracket prices from an entry using the configured
// percent rule. Analyzer-supplied stops are deliberately ignored.
func (e *Executor) computeTPSL(side database.Side, entry decimal.Decimal) (tp, sl decimal.Decimal) {
	one := decimal.NewFromInt(1)
	tpFrac := e.cfg.TakeProfitPct.Div(hundred)
	slFrac := e.cfg.StopLossPct.Div(hundred)
	if side == database.SideShort {
		return entry.Mul(one.Sub(tpFrac)), entry.Mul(one.Add(slFrac))
	}
	return entry.Mul(one.Add(tpFrac)), entry.Mul(one.Sub(slFrac))
}

// hasOpenExposure reports an open position on the symbol or a live
// non-reduce-only entry order in the signal's direction.
func (e *Executor) hasOpenExposure(ctx context.Context, symbol string, side database.Side) (bool, error) {
	pos, err := e.exch.PositionInfo(ctx, symbol)
	if err != nil {
		return false, err
	}
	if pos != nil {
		return true, nil
	}

	orders, err := e.exch.OpenOrders(ctx, symbol)
	if err != nil {
		return false, err
	}
	entrySide := orderSide(side)
	for _, o := range orders {
		if !o.ReduceOnly && o.StopOrderType == "" && o.Side == entrySide {
			return true, nil
		}
	}
	return false, nil
}

func (e *Executor) loadSignal(ctx context.Context, id int64) (*database.Signal, error) {
	delay := signalLoadBaseDelay
	var s *database.Signal
	var err error
	for attempt := 0; attempt < signalLoadRetries; attempt++ {
		s, err = e.ledger.GetSignal(ctx, id)
		if err == nil {
			return s, nil
		}
		if attempt < signalLoadRetries-1 {
			if sleepErr := e.clock.Sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
			delay = delay * 3 / 2
		}
	}
	return nil, err
}

// park transitions a signal into an informative terminal or reversible state.
func (e *Executor) park(ctx context.Context, s *database.Signal, status database.TradeStatus, msg string) {
	s.TradeStatus = status
	if err := e.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: EventStatusChange,
		Status:    string(status),
		Message:   msg,
	}); err != nil {
		e.log.Error().Err(err).Int64("signal_id", s.ID).Str("status", string(status)).Msg("failed to park signal")
	}
}

// parkInvalidated records an invalidation with the observed price.
func (e *Executor) parkInvalidated(ctx context.Context, s *database.Signal, status database.TradeStatus, current decimal.Decimal) {
	s.TradeStatus = status
	if err := e.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: EventInvalidated,
		Status:    string(status),
		Message:   fmt.Sprintf("level=%s current=%s", s.LevelPrice, current),
	}); err != nil {
		e.log.Error().Err(err).Int64("signal_id", s.ID).Msg("failed to record invalidation")
	}
}

// ensureWaiting parks the signal in WAITING_FOR_PRICE unless it already is.
func (e *Executor) ensureWaiting(ctx context.Context, s *database.Signal) {
	if s.TradeStatus == database.TradeStatusWaitingForPrice {
		return
	}
	e.park(ctx, s, database.TradeStatusWaitingForPrice, "price has not approached the level yet")
}

// fail records a permanent submission failure.
func (e *Executor) fail(ctx context.Context, s *database.Signal, msg string) {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	s.TradeStatus = database.TradeStatusFailed
	s.LastError = msg
	if err := e.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: EventStatusChange,
		Status:    string(database.TradeStatusFailed),
		Message:   msg,
	}); err != nil {
		e.log.Error().Err(err).Int64("signal_id", s.ID).Msg("failed to record failure")
	}
}

// parkByID parks a signal that was gated before it was loaded. Signals that
// already moved past the retryable states are left alone.
func (e *Executor) parkByID(ctx context.Context, id int64, status database.TradeStatus, msg string) {
	s, err := e.ledger.GetSignal(ctx, id)
	if err != nil {
		return
	}
	if s.Status == database.StatusClosed || !s.TradeStatus.IsRetryable() {
		return
	}
	e.park(ctx, s, status, msg)
}

// appendEvent writes an audit row without changing lifecycle state.
func (e *Executor) appendEvent(ctx context.Context, s *database.Signal, eventType, msg string) {
	if err := e.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: eventType,
		Status:    string(s.TradeStatus),
		Message:   msg,
	}); err != nil {
		e.log.Error().Err(err).Int64("signal_id", s.ID).Str("event", eventType).Msg("failed to append audit event")
	}
}

func (e *Executor) appendEventByID(ctx context.Context, id int64, eventType, msg string) {
	s, err := e.ledger.GetSignal(ctx, id)
	if err != nil {
		return
	}
	e.appendEvent(ctx, s, eventType, msg)
}

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
