// Package trading contains the signal executor and the reconciler: the state
// machine that drives a signal from creation through validation, submission,
// fill, protective-order maintenance and close detection.
package trading

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bybit-levels-bot/config"
	"bybit-levels-bot/internal/database"
	"bybit-levels-bot/internal/risk"
)

// Outcome is the structured result of one executor attempt.
type Outcome string

const (
	OutcomeSubmitted         Outcome = "submitted"
	OutcomeWaitingForPrice   Outcome = "waiting_for_price"
	OutcomeInvalidated       Outcome = "invalidated"
	OutcomeAlreadyProcessed  Outcome = "already_processed"
	OutcomeDisabled          Outcome = "disabled"
	OutcomeRiskBlocked       Outcome = "risk_blocked"
	OutcomeDuplicatePosition Outcome = "duplicate_position"
	OutcomeSignalNotFound    Outcome = "signal_not_found"
	OutcomeSignalClosed      Outcome = "signal_closed"
	OutcomeFailed            Outcome = "failed"
)

// Ledger is the signal store surface the executor and reconciler depend on.
type Ledger interface {
	GetSignal(ctx context.Context, id int64) (*database.Signal, error)
	UpdateSignalWithLog(ctx context.Context, s *database.Signal, entry *database.SignalLog) error
	UpdateSignalIfStatus(ctx context.Context, s *database.Signal, expected database.TradeStatus, entry *database.SignalLog) (bool, error)

	ListPendingWithoutOrder(ctx context.Context, maxAge time.Duration) ([]*database.Signal, error)
	ListInvalidated(ctx context.Context, maxAge time.Duration) ([]*database.Signal, error)
	ListWaiting(ctx context.Context) ([]*database.Signal, error)
	ListWithOpenEntryOrder(ctx context.Context) ([]*database.Signal, error)
	ListOrphanClosed(ctx context.Context) ([]*database.Signal, error)
	ListPlacedUnfilled(ctx context.Context) ([]*database.Signal, error)
	ListFilledOpen(ctx context.Context) ([]*database.Signal, error)
}

// TradingGate is the live-trading switch read before every submission.
type TradingGate interface {
	IsLiveEnabled(ctx context.Context) bool
}

// RiskControl enforces account-level limits before submissions and after
// observed closes.
type RiskControl interface {
	Enforce(ctx context.Context) (risk.EnforceResult, error)
}

// Clock is injectable time: age computation, polling budgets and timestamps
// all go through it so tests control the flow.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config holds the executor's trading parameters, converted to decimals once.
type Config struct {
	OrderSizeUSDT           decimal.Decimal
	QuantityPrecision       int32
	TakeProfitPct           decimal.Decimal
	StopLossPct             decimal.Decimal
	Leverage                int
	PositionIdx             int
	TimeInForce             string
	MarketEntryThresholdPct decimal.Decimal
	CancelDeviationPct      decimal.Decimal
	SignalMaxAge            time.Duration
	SymbolSuffix            string
	BreakevenEnabled        bool

	// polling budgets; overridable in tests
	FastWaitBudget   time.Duration
	FastWaitInterval time.Duration
	FillPollBudget   time.Duration
	FillPollInterval time.Duration
}

// NewConfig converts the application trading config.
func NewConfig(tc config.TradingConfig, symbolSuffix string) Config {
	return Config{
		OrderSizeUSDT:           decimal.NewFromFloat(tc.OrderSizeUSDT),
		QuantityPrecision:       int32(tc.QuantityPrecision),
		TakeProfitPct:           decimal.NewFromFloat(tc.TakeProfitPercent),
		StopLossPct:             decimal.NewFromFloat(tc.StopLossPercent),
		Leverage:                tc.Leverage,
		PositionIdx:             tc.PositionIdx,
		TimeInForce:             tc.TimeInForce,
		MarketEntryThresholdPct: decimal.NewFromFloat(tc.MarketEntryThresholdPct),
		CancelDeviationPct:      decimal.NewFromFloat(tc.OrderCancelDeviationPct),
		SignalMaxAge:            tc.SignalMaxAge(),
		SymbolSuffix:            symbolSuffix,
		BreakevenEnabled:        tc.BreakevenEnabled,
		FastWaitBudget:          30 * time.Second,
		FastWaitInterval:        2 * time.Second,
		FillPollBudget:          10 * time.Second,
		FillPollInterval:        500 * time.Millisecond,
	}
}

// Audit event types written to the signal log.
const (
	EventStatusChange     = "STATUS_CHANGE"
	EventInvalidated      = "SIGNAL_INVALIDATED"
	EventLevelRestored    = "LEVEL_RESTORED"
	EventPriceRestored    = "PRICE_RESTORED"
	EventOrderPlaced      = "ORDER_PLACED"
	EventOrderFilled      = "ORDER_FILLED"
	EventOrderCancelled   = "ORDER_CANCELLED"
	EventPositionClosed   = "POSITION_CLOSED"
	EventTPSLMissing      = "TP_SL_MISSING"
	EventTPSLRestored     = "TP_SL_RESTORED"
	EventTPSLRestoreFail  = "TP_SL_RESTORE_FAILED"
	EventThresholdHit     = "THRESHOLD_HIT"
	EventBreakevenSet     = "BREAKEVEN_SET"
	EventRiskBlocked      = "RISK_BLOCKED"
	EventCloseNotObserved = "CLOSE_NOT_OBSERVED"
)
