package trading

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/exchange"
)

// Breakeven thresholds. The SL lands a tenth of a percent inside the entry so
// spread noise at the entry price does not trip it instantly.
var (
	breakevenMinHold      = 15 * 60 // seconds
	breakevenForceHold    = 40 * 60
	breakevenMinFavorable = decimal.NewFromFloat(0.4)
	breakevenBuffer       = decimal.NewFromFloat(0.001)
)

// MaybeBreakeven moves the stop loss to just inside the entry once the
// position has been favorable long enough, or has simply been open long
// enough. A position with no SL on the venue gets the base SL installed
// first; breakeven waits for the next sweep.
func (e *Executor) MaybeBreakeven(ctx context.Context, s *database.Signal, pos *exchange.Position) error {
	if !e.cfg.BreakevenEnabled {
		return nil
	}
	if s.TradeStatus == database.TradeStatusSLToBreakeven {
		return nil
	}
	if s.FilledAt == nil || !s.EntryPrice.IsPositive() {
		return nil
	}

	held := int(e.clock.Now().Sub(*s.FilledAt).Seconds())
	eligible := held >= breakevenForceHold ||
		(held >= breakevenMinHold && s.Meta.MaxFavorableMovePct.GreaterThanOrEqual(breakevenMinFavorable))
	if !eligible {
		return nil
	}

	symbol := e.symbol(s)

	// Never jump to breakeven on an unprotected position.
	if pos.StopLoss.IsZero() {
		_, baseSL := e.computeTPSL(s.Side, s.EntryPrice)
		e.appendEvent(ctx, s, EventTPSLMissing, "no stop loss on venue before breakeven move")
		if err := e.exch.SetPositionTPSL(ctx, symbol, decimal.Zero, baseSL, pos.PositionIdx); err != nil {
			e.appendEvent(ctx, s, EventTPSLRestoreFail, truncateErr(err))
			return fmt.Errorf("failed to install base stop loss: %w", err)
		}
		e.appendEvent(ctx, s, EventTPSLRestored, fmt.Sprintf("installed base sl=%s", baseSL))
		return nil
	}

	one := decimal.NewFromInt(1)
	var sl decimal.Decimal
	if s.Side == database.SideShort {
		sl = s.EntryPrice.Mul(one.Add(breakevenBuffer))
	} else {
		sl = s.EntryPrice.Mul(one.Sub(breakevenBuffer))
	}

	if err := e.exch.SetPositionTPSL(ctx, symbol, decimal.Zero, sl, pos.PositionIdx); err != nil {
		return fmt.Errorf("failed to move stop loss to breakeven: %w", err)
	}

	s.StopLossPrice = sl
	s.TradeStatus = database.TradeStatusSLToBreakeven
	if err := e.ledger.UpdateSignalWithLog(ctx, s, &database.SignalLog{
		EventType: EventBreakevenSet,
		Status:    string(s.TradeStatus),
		Message:   fmt.Sprintf("stop loss moved to %s after %ds held", sl, held),
	}); err != nil {
		return fmt.Errorf("failed to record breakeven move: %w", err)
	}
	return nil
}
