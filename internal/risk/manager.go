// Package risk computes realized P&L limits over the signal ledger and can
// flip the trading gate off when a limit is breached.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-levels-bot/internal/database"
)

// Ledger is the slice of the signal store the risk manager reads.
type Ledger interface {
	RecentClosed(ctx context.Context, window time.Duration) ([]*database.Signal, error)
}

// TradingGate is the switch the risk manager may flip and the trip marker it
// uses to honor operator overrides.
type TradingGate interface {
	IsLiveEnabled(ctx context.Context) bool
	SetLiveEnabled(ctx context.Context, enabled bool, by string) error
	RiskTrip(ctx context.Context) (string, bool)
	SetRiskTrip(ctx context.Context, reason string) error
	ClearRiskTrip(ctx context.Context) error
}

// Config holds the risk limits.
type Config struct {
	DailyLossLimitPct    float64 // positive number, applied as -limit
	MaxConsecutiveLosses int
	CommissionPct        float64 // one-way; a round trip costs double
}

// EnforceResult is the outcome of a limit check.
type EnforceResult struct {
	Stopped bool
	Reason  string
}

// streakWindow bounds how far back the consecutive-loss streak looks.
const streakWindow = 7 * 24 * time.Hour

// Manager enforces the daily-loss and consecutive-loss limits.
type Manager struct {
	ledger Ledger
	gate   TradingGate
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
}

// NewManager creates a risk manager. now may be nil for the wall clock.
func NewManager(ledger Ledger, tradingGate TradingGate, cfg Config, now func() time.Time, logger zerolog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		ledger: ledger,
		gate:   tradingGate,
		cfg:    cfg,
		now:    now,
		log:    logger.With().Str("component", "risk").Logger(),
	}
}

// roundTripCommission returns the commission subtracted from each closed
// signal's gross P&L percent.
func (m *Manager) roundTripCommission() decimal.Decimal {
	return decimal.NewFromFloat(m.cfg.CommissionPct).Mul(decimal.NewFromInt(2))
}

// signalPnLPct is the realized net P&L percent of one closed signal.
func signalPnLPct(s *database.Signal, commission decimal.Decimal) decimal.Decimal {
	if s.EntryPrice.IsZero() || s.ExitPrice.IsZero() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	var gross decimal.Decimal
	if s.Side == database.SideShort {
		gross = s.EntryPrice.Sub(s.ExitPrice).Div(s.EntryPrice).Mul(hundred)
	} else {
		gross = s.ExitPrice.Sub(s.EntryPrice).Div(s.EntryPrice).Mul(hundred)
	}
	return gross.Sub(commission)
}

// DailyPnLPct sums net realized P&L percent over signals closed since
// midnight UTC.
func (m *Manager) DailyPnLPct(ctx context.Context) (decimal.Decimal, error) {
	now := m.now().UTC()
	sinceMidnight := now.Sub(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))

	closed, err := m.ledger.RecentClosed(ctx, sinceMidnight)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load closed signals: %w", err)
	}

	commission := m.roundTripCommission()
	total := decimal.Zero
	for _, s := range closed {
		total = total.Add(signalPnLPct(s, commission))
	}
	return total, nil
}

// ConsecutiveLosses counts the losing streak ending at the most recent close.
func (m *Manager) ConsecutiveLosses(ctx context.Context) (int, error) {
	closed, err := m.ledger.RecentClosed(ctx, streakWindow)
	if err != nil {
		return 0, fmt.Errorf("failed to load closed signals: %w", err)
	}

	commission := m.roundTripCommission()
	streak := 0
	for _, s := range closed { // newest first
		if signalPnLPct(s, commission).IsNegative() {
			streak++
			continue
		}
		break
	}
	return streak, nil
}

// Enforce checks both limits. On a fresh breach it disables the gate and
// records a trip marker. If the marker already exists and the gate is enabled
// again, an operator has deliberately overridden the trip and the gate is
// left alone. The marker is cleared as soon as limits are back in range.
func (m *Manager) Enforce(ctx context.Context) (EnforceResult, error) {
	reason, breached, err := m.breach(ctx)
	if err != nil {
		return EnforceResult{}, err
	}

	if !breached {
		if _, tripped := m.gate.RiskTrip(ctx); tripped {
			if err := m.gate.ClearRiskTrip(ctx); err != nil {
				m.log.Warn().Err(err).Msg("failed to clear risk trip marker")
			}
		}
		return EnforceResult{}, nil
	}

	if _, tripped := m.gate.RiskTrip(ctx); tripped {
		if m.gate.IsLiveEnabled(ctx) {
			// Operator re-enabled after the trip; respect the override.
			m.log.Warn().Str("reason", reason).Msg("risk limit still breached but gate re-enabled by operator")
			return EnforceResult{}, nil
		}
		return EnforceResult{Stopped: true, Reason: reason}, nil
	}

	m.log.Error().Str("reason", reason).Msg("risk limit breached, disabling live trading")
	if m.gate.IsLiveEnabled(ctx) {
		if err := m.gate.SetLiveEnabled(ctx, false, "risk_manager"); err != nil {
			m.log.Error().Err(err).Msg("failed to disable trading gate")
		}
	}
	if err := m.gate.SetRiskTrip(ctx, reason); err != nil {
		m.log.Warn().Err(err).Msg("failed to record risk trip marker")
	}
	return EnforceResult{Stopped: true, Reason: reason}, nil
}

func (m *Manager) breach(ctx context.Context) (string, bool, error) {
	pnl, err := m.DailyPnLPct(ctx)
	if err != nil {
		return "", false, err
	}
	limit := decimal.NewFromFloat(m.cfg.DailyLossLimitPct).Neg()
	if pnl.LessThanOrEqual(limit) {
		return fmt.Sprintf("daily pnl %s%% breached limit %s%%", pnl.StringFixed(2), limit.StringFixed(2)), true, nil
	}

	losses, err := m.ConsecutiveLosses(ctx)
	if err != nil {
		return "", false, err
	}
	if losses >= m.cfg.MaxConsecutiveLosses {
		return fmt.Sprintf("%d consecutive losses reached limit %d", losses, m.cfg.MaxConsecutiveLosses), true, nil
	}
	return "", false, nil
}
