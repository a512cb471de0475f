package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Client is the adapter contract over the venue's REST surface. All calls may
// fail with a transient or permanent *APIError (see IsTransient); callers retry
// transient failures on the next reconciler sweep.
type Client interface {
	// IsConfigured reports whether API credentials are present.
	IsConfigured() bool

	// CurrentPrice returns the last traded price for a venue symbol.
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// VolatilityPct returns the average (high-low)/close over the last
	// 30 one-minute candles, in percent.
	VolatilityPct(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceOrder submits a new order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// OpenOrders lists currently open orders for a symbol.
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// OrderFillInfo returns the real filled price and venue timestamp of an
	// order, consulting the realtime endpoint first and then order history.
	// Returns (nil, nil) when the order has not filled.
	OrderFillInfo(ctx context.Context, symbol, orderID string) (*FillInfo, error)

	// PositionInfo returns the open position for a symbol, or (nil, nil)
	// when the venue reports none.
	PositionInfo(ctx context.Context, symbol string) (*Position, error)

	// ExitFillInfo finds the earliest closing trade or order after since for
	// a position on positionSide, classifying the exit reason. Returns
	// (nil, nil) when no close is found yet.
	ExitFillInfo(ctx context.Context, symbol, entryOrderID string, since time.Time, positionSide OrderSide) (*ExitFill, error)

	// SetPositionTPSL adjusts position-level TP/SL via the venue's
	// trading-stop endpoint without adding volume. A zero decimal leaves
	// that side untouched on the venue.
	SetPositionTPSL(ctx context.Context, symbol string, tp, sl decimal.Decimal, positionIdx int) error

	// EnsureLeverage sets the symbol leverage; already-set is success.
	EnsureLeverage(ctx context.Context, symbol string, leverage int) error
}
