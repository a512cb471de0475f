package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/exchange"
)

// Reconciler is the universal retry engine: a periodic sweep over the ledger
// that drives every in-progress signal one step forward. No step raises past
// its own signal; a sweep survives any individual failure.
type Reconciler struct {
	ledger Ledger
	exch   exchange.Client
	exec   *Executor
	risk   RiskControl
	clock  Clock
	cfg    Config
	log    zerolog.Logger
}

func NewReconciler(ledger Ledger, exch exchange.Client, exec *Executor, riskControl RiskControl, clock Clock, cfg Config, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		exch:   exch,
		exec:   exec,
		risk:   riskControl,
		clock:  clock,
		cfg:    cfg,
		log:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// openSignal pairs a filled signal with its venue position for the repair and
// excursion steps.
type openSignal struct {
	s   *database.Signal
	pos *exchange.Position
}

// Sweep runs the reconciliation passes in their fixed order.
func (r *Reconciler) Sweep(ctx context.Context) {
	log := r.log.With().Str("sweep_id", uuid.New().String()).Logger()

	r.attemptPending(ctx, log)
	r.reviveInvalidated(ctx, log)
	r.resumeWaiting(ctx, log)
	r.cancelStaleOrders(ctx, log)
	r.closeOrphans(ctx, log)
	r.detectFills(ctx, log)

	open, closedAny := r.detectCloses(ctx, log)
	r.repairProtection(ctx, open, log)
	r.trackExcursions(ctx, open, log)

	if closedAny {
		if _, err := r.risk.Enforce(ctx); err != nil {
			log.Error().Err(err).Msg("risk enforcement after close failed")
		}
	}
}

// attemptPending runs the initial attempt for young signals that never made
// it to an order.
func (r *Reconciler) attemptPending(ctx context.Context, log zerolog.Logger) {
	signals, err := r.ledger.ListPendingWithoutOrder(ctx, r.cfg.SignalMaxAge)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending signals")
		return
	}
	for _, s := range signals {
		outcome := r.exec.Attempt(ctx, s.ID, false)
		log.Debug().Int64("signal_id", s.ID).Str("outcome", string(outcome)).Msg("pending signal attempted")
	}
}

// reviveInvalidated moves LEVEL_BROKEN / PRICE_DEVIATION_TOO_LARGE signals
// back to WAITING_FOR_PRICE when the invalidation no longer holds.
func (r *Reconciler) reviveInvalidated(ctx context.Context, log zerolog.Logger) {
	signals, err := r.ledger.ListInvalidated(ctx, r.cfg.SignalMaxAge)
	if err != nil {
		log.Error().Err(err).Msg("failed to list invalidated signals")
		return
	}
	for _, s := range signals {
		current, err := r.exch.CurrentPrice(ctx, r.symbol(s))
		if err != nil {
			log.Warn().Err(err).Int64("signal_id", s.ID).Msg("price unavailable for revival check")
			continue
		}
		if _, bad := invalidate(s.Side, s.LevelPrice, current); bad {
			continue
		}

		event := EventPriceRestored
		if s.TradeStatus == database.TradeStatusLevelBroken {
			event = EventLevelRestored
		}
		s.TradeStatus = database.TradeStatusWaitingForPrice
		if err := r.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
			EventType: event,
			Status:    string(s.TradeStatus),
			Message:   fmt.Sprintf("invalidation cleared at price %s", current),
		}); err != nil {
			log.Error().Err(err).Int64("signal_id", s.ID).Msg("failed to revive signal")
		}
	}
}

// resumeWaiting ages out or re-attempts signals parked on WAITING_FOR_PRICE.
func (r *Reconciler) resumeWaiting(ctx context.Context, log zerolog.Logger) {
	signals, err := r.ledger.ListWaiting(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list waiting signals")
		return
	}
	now := r.clock.Now()
	for _, s := range signals {
		if s.Age(now) > r.cfg.SignalMaxAge {
			s.TradeStatus = database.TradeStatusSignalTooOld
			if err := r.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
				EventType: EventStatusChange,
				Status:    string(s.TradeStatus),
				Message:   "signal crossed the age gate while waiting",
			}); err != nil {
				log.Error().Err(err).Int64("signal_id", s.ID).Msg("failed to age out signal")
			}
			continue
		}
		outcome := r.exec.Attempt(ctx, s.ID, true)
		log.Debug().Int64("signal_id", s.ID).Str("outcome", string(outcome)).Msg("waiting signal attempted")
	}
}

// cancelStaleOrders latches the maximum observed deviation for every open
// entry order and cancels the order once that maximum has ever exceeded the
// cancel threshold. The latch is deliberate: a price that spiked through the
// threshold and came back still invalidates the entry.
func (r *Reconciler) cancelStaleOrders(ctx context.Context, log zerolog.Logger) {
	signals, err := r.ledger.ListWithOpenEntryOrder(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list open entry orders")
		return
	}
	for _, s := range signals {
		symbol := r.symbol(s)
		current, err := r.exch.CurrentPrice(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Int64("signal_id", s.ID).Msg("price unavailable for stale-order check")
			continue
		}

		dev := deviationPct(current, s.LevelPrice)
		changed := false
		if dev.GreaterThan(s.Meta.MaxPriceDeviationPct) {
			s.Meta.MaxPriceDeviationPct = dev
			changed = true
		}

		if s.Meta.MaxPriceDeviationPct.GreaterThan(r.cfg.CancelDeviationPct) {
			if err := r.exch.CancelOrder(ctx, symbol, s.OrderID); err != nil {
				log.Warn().Err(err).Int64("signal_id", s.ID).Str("order_id", s.OrderID).Msg("failed to cancel stale entry order")
				if changed {
					r.persist(ctx, s, nil, log)
				}
				continue
			}
			s.TradeStatus = database.TradeStatusOrderCancelled
			r.persist(ctx, s, &database.SignalLog{
				EventType: EventOrderCancelled,
				Status:    string(s.TradeStatus),
				Message:   fmt.Sprintf("entry cancelled, max deviation %s%% exceeded %s%%", s.Meta.MaxPriceDeviationPct, r.cfg.CancelDeviationPct),
				Details:   map[string]string{"order_id": s.OrderID},
			}, log)
			continue
		}

		if changed {
			r.persist(ctx, s, nil, log)
		}
	}
}

// closeOrphans marks signals the analyzer closed before any order existed.
func (r *Reconciler) closeOrphans(ctx context.Context, log zerolog.Logger) {
	signals, err := r.ledger.ListOrphanClosed(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list orphan-closed signals")
		return
	}
	for _, s := range signals {
		s.TradeStatus = database.TradeStatusClosedNoOrder
		r.persist(ctx, s, &database.SignalLog{
			EventType: EventStatusChange,
			Status:    string(s.TradeStatus),
			Message:   "signal closed before an order was placed",
		}, log)
	}
}

// detectFills promotes placed entry orders the venue has since filled.
func (r *Reconciler) detectFills(ctx context.Context, log zerolog.Logger) {
	signals, err := r.ledger.ListPlacedUnfilled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list placed orders")
		return
	}
	for _, s := range signals {
		fill, err := r.exch.OrderFillInfo(ctx, r.symbol(s), s.OrderID)
		if err != nil {
			log.Warn().Err(err).Int64("signal_id", s.ID).Str("order_id", s.OrderID).Msg("fill lookup failed")
			continue
		}
		if fill == nil {
			continue
		}
		r.exec.ApplyFill(ctx, s, fill, s.LevelPrice)
	}
}

// detectCloses finds filled positions the venue no longer carries and records
// their exit from venue fills. Positions still open are returned for the
// repair and excursion steps.
func (r *Reconciler) detectCloses(ctx context.Context, log zerolog.Logger) ([]openSignal, bool) {
	signals, err := r.ledger.ListFilledOpen(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list open positions")
		return nil, false
	}

	var open []openSignal
	closedAny := false
	for _, s := range signals {
		symbol := r.symbol(s)
		pos, err := r.exch.PositionInfo(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Int64("signal_id", s.ID).Msg("position lookup failed")
			continue
		}
		if pos != nil {
			open = append(open, openSignal{s: s, pos: pos})
			continue
		}

		exit, err := r.exch.ExitFillInfo(ctx, symbol, s.OrderID, *s.FilledAt, orderSide(s.Side))
		if err != nil {
			log.Warn().Err(err).Int64("signal_id", s.ID).Msg("exit fill lookup failed")
			continue
		}
		if exit == nil || !exit.Price.IsPositive() {
			r.appendEvent(ctx, s, EventCloseNotObserved, "position gone but no exit fill found yet", log)
			continue
		}

		exitAt := exit.Time
		s.ExitPrice = exit.Price
		s.ExitAt = &exitAt
		s.ExitReason = string(exit.Reason)
		s.Status = database.StatusClosed
		if err := r.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
			EventType: EventPositionClosed,
			Status:    string(s.TradeStatus),
			Message:   fmt.Sprintf("closed at %s (%s)", exit.Price, exit.Reason),
		}); err != nil {
			log.Error().Err(err).Int64("signal_id", s.ID).Msg("failed to record close")
			continue
		}
		closedAny = true
	}
	return open, closedAny
}

// UpdatePnL refreshes MFE/MAE and threshold timestamps for open positions
// outside the main sweep cadence.
func (r *Reconciler) UpdatePnL(ctx context.Context) {
	log := r.log.With().Str("job", "update-pnl").Logger()
	signals, err := r.ledger.ListFilledOpen(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list open positions")
		return
	}

	var open []openSignal
	for _, s := range signals {
		pos, err := r.exch.PositionInfo(ctx, r.symbol(s))
		if err != nil || pos == nil {
			continue
		}
		open = append(open, openSignal{s: s, pos: pos})
	}
	r.trackExcursions(ctx, open, log)
}

// repairProtection re-checks TP/SL on every open position and runs the
// optional breakeven move.
func (r *Reconciler) repairProtection(ctx context.Context, open []openSignal, log zerolog.Logger) {
	for _, o := range open {
		if err := r.exec.EnsureProtectiveOrders(ctx, o.s); err != nil {
			log.Warn().Err(err).Int64("signal_id", o.s.ID).Msg("protective order repair pending")
		}
		if err := r.exec.MaybeBreakeven(ctx, o.s, o.pos); err != nil {
			log.Warn().Err(err).Int64("signal_id", o.s.ID).Msg("breakeven move failed")
		}
	}
}

// trackExcursions updates per-position MFE/MAE and stamps the first touch of
// each profit threshold.
func (r *Reconciler) trackExcursions(ctx context.Context, open []openSignal, log zerolog.Logger) {
	for _, o := range open {
		s := o.s
		current, err := r.exch.CurrentPrice(ctx, r.symbol(s))
		if err != nil {
			log.Warn().Err(err).Int64("signal_id", s.ID).Msg("price unavailable for excursion tracking")
			continue
		}
		if !s.EntryPrice.IsPositive() || !current.IsPositive() {
			continue
		}

		pnl := unrealizedPnLPct(s.Side, s.EntryPrice, current)

		changed := false
		if pnl.IsPositive() && pnl.GreaterThan(s.Meta.MaxFavorableMovePct) {
			s.Meta.MaxFavorableMovePct = pnl
			changed = true
		}
		if pnl.IsNegative() && pnl.Neg().GreaterThan(s.Meta.MaxAdverseMovePct) {
			s.Meta.MaxAdverseMovePct = pnl.Neg()
			changed = true
		}

		for _, t := range database.ProfitThresholds {
			threshold, err := decimal.NewFromString(t)
			if err != nil {
				continue
			}
			if pnl.LessThan(threshold) {
				continue
			}
			if _, seen := s.Meta.ThresholdHits[t]; seen {
				continue
			}
			if s.Meta.ThresholdHits == nil {
				s.Meta.ThresholdHits = make(map[string]time.Time)
			}
			s.Meta.ThresholdHits[t] = r.clock.Now()
			r.persist(ctx, s, &database.SignalLog{
				EventType: EventThresholdHit,
				Status:    string(s.TradeStatus),
				Message:   fmt.Sprintf("pnl crossed %s%% at price %s", t, current),
			}, log)
			changed = false
		}

		if changed {
			r.persist(ctx, s, nil, log)
		}
	}
}

// unrealizedPnLPct is the gross percent move from entry in the trade's
// favorable direction.
func unrealizedPnLPct(side database.Side, entry, current decimal.Decimal) decimal.Decimal {
	move := current.Sub(entry).Div(entry).Mul(hundred)
	if side == database.SideShort {
		return move.Neg()
	}
	return move
}

func (r *Reconciler) symbol(s *database.Signal) string {
	return exchange.PairToSymbol(s.Pair.Symbol, r.cfg.SymbolSuffix)
}

func (r *Reconciler) persist(ctx context.Context, s *database.Signal, entry *database.SignalLog, log zerolog.Logger) {
	if err := r.ledger.UpdateSignalWithLog(ctx, s, entry); err != nil {
		log.Error().Err(err).Int64("signal_id", s.ID).Msg("failed to persist signal")
	}
}

func (r *Reconciler) appendEvent(ctx context.Context, s *database.Signal, eventType, msg string, log zerolog.Logger) {
	if err := r.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: eventType,
		Status:    string(s.TradeStatus),
		Message:   msg,
	}); err != nil {
		log.Error().Err(err).Int64("signal_id", s.ID).Str("event", eventType).Msg("failed to append audit event")
	}
}
