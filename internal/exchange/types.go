package exchange

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the venue-dialect side of an order.
type OrderSide string

const (
	Buy  OrderSide = "Buy"
	Sell OrderSide = "Sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the venue order type.
type OrderType string

const (
	Market OrderType = "Market"
	Limit  OrderType = "Limit"
)

// ExitReason classifies how a position was closed on the venue.
type ExitReason string

const (
	ExitTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitManualClose ExitReason = "MANUAL_CLOSE"
)

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // ignored for market orders
	TimeInForce string
	ReduceOnly  bool
	PositionIdx int // hedge-mode index, omitted from the request when 0
}

// OrderResult is the venue's answer to a placement.
type OrderResult struct {
	OrderID string
	Status  string // venue status, normalized by the caller
}

// Order is an open or historical venue order.
type Order struct {
	OrderID       string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        string
	Price         decimal.Decimal
	Qty           decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	StopOrderType string // "TakeProfit", "StopLoss", "" for plain orders
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FillInfo carries the venue-confirmed fill of an entry order.
type FillInfo struct {
	Price decimal.Decimal
	Time  time.Time
}

// Position is an open position snapshot. Symbol is the venue form, Pair the
// analyzer form; both are carried so later calls can pick the right dialect.
type Position struct {
	Symbol      string
	Pair        string
	Side        OrderSide
	Contracts   decimal.Decimal
	EntryPrice  decimal.Decimal
	TakeProfit  decimal.Decimal // zero when unset on the venue
	StopLoss    decimal.Decimal // zero when unset on the venue
	PositionIdx int
}

// ExitFill is the earliest venue-observed closing execution after a point in
// time, with a classified reason.
type ExitFill struct {
	Price  decimal.Decimal
	Time   time.Time
	Reason ExitReason
}

// Kline is a single OHLCV candle.
type Kline struct {
	Start  time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// ---- raw wire types ----

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderListResult struct {
	List           []rawOrder `json:"list"`
	NextPageCursor string     `json:"nextPageCursor"`
}

type rawOrder struct {
	OrderID       string `json:"orderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	OrderStatus   string `json:"orderStatus"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	StopOrderType string `json:"stopOrderType"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

type positionListResult struct {
	List []rawPosition `json:"list"`
}

type rawPosition struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	TakeProfit  string `json:"takeProfit"`
	StopLoss    string `json:"stopLoss"`
	PositionIdx int    `json:"positionIdx"`
}

type tickerListResult struct {
	List []rawTicker `json:"list"`
}

type rawTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

type klineListResult struct {
	List [][]string `json:"list"`
}

type executionListResult struct {
	List           []rawExecution `json:"list"`
	NextPageCursor string         `json:"nextPageCursor"`
}

type rawExecution struct {
	OrderID       string `json:"orderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	ExecPrice     string `json:"execPrice"`
	ExecQty       string `json:"execQty"`
	ExecTime      string `json:"execTime"`
	ExecType      string `json:"execType"`
	ClosedSize    string `json:"closedSize"`
	OrderType     string `json:"orderType"`
	StopOrderType string `json:"stopOrderType"`
	IsMaker       bool   `json:"isMaker"`
}
