package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade direction of a signal.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// SignalStatus is the coarse signal lifecycle.
type SignalStatus string

const (
	StatusActive SignalStatus = "ACTIVE"
	StatusClosed SignalStatus = "CLOSED"
)

// TradeStatus is the fine signal lifecycle driven by the executor and the
// reconciler.
type TradeStatus string

const (
	TradeStatusNone TradeStatus = ""

	// main path
	TradeStatusSubmitting   TradeStatus = "SUBMITTING"
	TradeStatusNew          TradeStatus = "NEW"
	TradeStatusPlaced       TradeStatus = "PLACED"
	TradeStatusOpen         TradeStatus = "OPEN"
	TradeStatusFilled       TradeStatus = "FILLED"
	TradeStatusOpenPosition TradeStatus = "OPEN_POSITION"

	// reversible market-condition states
	TradeStatusWaitingForPrice TradeStatus = "WAITING_FOR_PRICE"
	TradeStatusPriceDeviation  TradeStatus = "PRICE_DEVIATION_TOO_LARGE"
	TradeStatusLevelBroken     TradeStatus = "LEVEL_BROKEN"

	// parked / terminal states
	TradeStatusSignalTooOld       TradeStatus = "SIGNAL_TOO_OLD"
	TradeStatusElderScreensFailed TradeStatus = "ELDER_SCREENS_FAILED"
	TradeStatusPositionOpen       TradeStatus = "POSITION_ALREADY_OPEN"
	TradeStatusLiveDisabled       TradeStatus = "LIVE_DISABLED"
	TradeStatusNotConfigured      TradeStatus = "NOT_CONFIGURED"
	TradeStatusInvalidEntry       TradeStatus = "INVALID_ENTRY"
	TradeStatusInvalidQuantity    TradeStatus = "INVALID_QUANTITY"
	TradeStatusInvalidMarketPrice TradeStatus = "INVALID_MARKET_PRICE"
	TradeStatusOrderCancelled     TradeStatus = "ORDER_CANCELLED_PRICE_MOVED"
	TradeStatusSLToBreakeven      TradeStatus = "SL_TO_BREAKEVEN"
	TradeStatusClosedNoOrder      TradeStatus = "SIGNAL_CLOSED_NO_ORDER"
	TradeStatusFailed             TradeStatus = "FAILED"
	TradeStatusCancelled          TradeStatus = "CANCELLED"
)

// IsRetryable reports whether the executor may re-enter a signal in this
// state for another submission attempt.
func (s TradeStatus) IsRetryable() bool {
	switch s {
	case TradeStatusNone, TradeStatusFailed, TradeStatusCancelled,
		TradeStatusLiveDisabled, TradeStatusNotConfigured,
		TradeStatusInvalidEntry, TradeStatusInvalidQuantity,
		TradeStatusInvalidMarketPrice, TradeStatusSignalTooOld,
		TradeStatusWaitingForPrice:
		return true
	}
	return false
}

// HasOpenEntryOrder reports whether a venue entry order may still be open.
func (s TradeStatus) HasOpenEntryOrder() bool {
	switch s {
	case TradeStatusNew, TradeStatusOpen, TradeStatusPlaced, TradeStatusSubmitting:
		return true
	}
	return false
}

// IsOpenPosition reports whether the signal carries a live position.
func (s TradeStatus) IsOpenPosition() bool {
	switch s {
	case TradeStatusOpenPosition, TradeStatusFilled, TradeStatusSLToBreakeven, TradeStatusPositionOpen:
		return true
	}
	return false
}

// IsInvalidated reports the reversible invalidation states.
func (s TradeStatus) IsInvalidated() bool {
	return s == TradeStatusLevelBroken || s == TradeStatusPriceDeviation
}

// IsWaitingFamily reports states describing unsubmitted intent.
func (s TradeStatus) IsWaitingFamily() bool {
	switch s {
	case TradeStatusNone, TradeStatusWaitingForPrice, TradeStatusLevelBroken,
		TradeStatusPriceDeviation, TradeStatusSignalTooOld:
		return true
	}
	return false
}

// NormalizeVenueStatus maps a venue order status into a TradeStatus.
func NormalizeVenueStatus(status string) TradeStatus {
	switch status {
	case "New", "NEW", "Created", "Untriggered", "PLACED":
		return TradeStatusPlaced
	case "PartiallyFilled", "Open", "OPEN":
		return TradeStatusOpen
	case "Filled", "FILLED":
		return TradeStatusFilled
	default:
		return TradeStatusPlaced
	}
}

// TradingPair identifies a perpetual contract in analyzer form ("BTC/USDT").
type TradingPair struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol"`
}

// Profit thresholds (percent) whose first touch gets timestamped in Meta.
var ProfitThresholds = []string{"0.5", "1.0", "1.5"}

// SignalMeta is the extensible per-signal metadata blob (stored as JSONB).
type SignalMeta struct {
	MaxPriceDeviationPct decimal.Decimal      `json:"max_price_deviation_pct"`
	MaxFavorableMovePct  decimal.Decimal      `json:"max_favorable_move_pct"`
	MaxAdverseMovePct    decimal.Decimal      `json:"max_adverse_move_pct"`
	ThresholdHits        map[string]time.Time `json:"threshold_hits,omitempty"`
	Extra                map[string]string    `json:"extra,omitempty"`
}

// Signal is the central entity: one proposed trade around a price level,
// carrying its entire lifecycle. Decimal zero means "not set" for price and
// quantity fields.
type Signal struct {
	ID                 int64           `json:"id"`
	Pair               TradingPair     `json:"pair"`
	Side               Side            `json:"side"`
	LevelPrice         decimal.Decimal `json:"level_price"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	StopLossPrice      decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice    decimal.Decimal `json:"take_profit_price"`
	Status             SignalStatus    `json:"status"`
	TradeStatus        TradeStatus     `json:"trade_status"`
	OrderID            string          `json:"order_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	CreatedAt          time.Time       `json:"created_at"`
	FilledAt           *time.Time      `json:"filled_at,omitempty"`
	ExitPrice          decimal.Decimal `json:"exit_price"`
	ExitAt             *time.Time      `json:"exit_at,omitempty"`
	ExitReason         string          `json:"exit_reason"`
	ElderScreen1Passed bool            `json:"elder_screen_1_passed"`
	ElderScreen2Passed bool            `json:"elder_screen_2_passed"`
	Meta               SignalMeta      `json:"meta"`
	LastError          string          `json:"last_error"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Age returns the signal age relative to now.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// SignalLog is one append-only audit row; written in the same transaction as
// the state mutation it describes.
type SignalLog struct {
	ID        int64             `json:"id"`
	SignalID  int64             `json:"signal_id"`
	EventType string            `json:"event_type"`
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
