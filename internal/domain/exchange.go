package domain

import (
	"context"
	"time"
)

// OrderSide indicates buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the exchange order type. Only market orders are submitted.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest describes an order to submit. Exactly one of Quantity (base
// units) or QuoteAmount (quote units, buys only) is set.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	QuoteAmount   float64
	ClientOrderID string
}

// OrderAck is the exchange's acceptance of a submitted order. Acceptance is
// not a fill.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	TransactTime  time.Time
}

// Fill is one executed trade from the account's order history.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Price    float64
	Quantity float64
	Fee      float64
	Time     time.Time
}

// OpenOrder is a resting order on the exchange.
type OpenOrder struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Price    float64
	Quantity float64
	Created  time.Time
}

// Balance is the holding of one asset.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Ticker is a 24h rolling window summary for a symbol.
type Ticker struct {
	Symbol      string
	LastPrice   float64
	QuoteVolume float64
	ChangePct   float64
}

// Kline is one candlestick.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Exchange is the spot exchange surface the engine consumes. Implementations
// must return an error wrapping ErrUnknown or ErrTransientNetwork instead of
// a zero value when the exchange gave no usable answer.
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Fill, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	Get24hTickers(ctx context.Context) ([]Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}
