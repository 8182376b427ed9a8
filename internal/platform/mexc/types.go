package mexc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// MEXC spot v3 API DTOs
// --------------------------------------------------------------------------

// flexString decodes a JSON string or number into its textual form. MEXC
// returns some identifiers as strings on one endpoint and numbers on
// another.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("mexc: decode flexible value %s: %w", b, err)
	}
	*f = flexString(n.String())
	return nil
}

// apiError is the error body returned on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// tickerPrice is one entry of /api/v3/ticker/price.
type tickerPrice struct {
	Symbol string     `json:"symbol"`
	Price  flexString `json:"price"`
}

// ticker24h is one entry of /api/v3/ticker/24hr.
type ticker24h struct {
	Symbol             string     `json:"symbol"`
	LastPrice          flexString `json:"lastPrice"`
	QuoteVolume        flexString `json:"quoteVolume"`
	PriceChangePercent flexString `json:"priceChangePercent"`
}

// orderResponse is the acknowledgement of POST /api/v3/order.
type orderResponse struct {
	Symbol        string     `json:"symbol"`
	OrderID       flexString `json:"orderId"`
	ClientOrderID string     `json:"clientOrderId"`
	TransactTime  int64      `json:"transactTime"`
}

// tradeRecord is one entry of /api/v3/myTrades.
type tradeRecord struct {
	Symbol     string     `json:"symbol"`
	ID         flexString `json:"id"`
	OrderID    flexString `json:"orderId"`
	Price      flexString `json:"price"`
	Qty        flexString `json:"qty"`
	QuoteQty   flexString `json:"quoteQty"`
	Commission flexString `json:"commission"`
	Time       int64      `json:"time"`
	IsBuyer    bool       `json:"isBuyer"`
}

// openOrderRecord is one entry of /api/v3/openOrders.
type openOrderRecord struct {
	Symbol  string     `json:"symbol"`
	OrderID flexString `json:"orderId"`
	Price   flexString `json:"price"`
	OrigQty flexString `json:"origQty"`
	Side    string     `json:"side"`
	Time    int64      `json:"time"`
}

// accountResponse is the body of /api/v3/account.
type accountResponse struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string     `json:"asset"`
		Free   flexString `json:"free"`
		Locked flexString `json:"locked"`
	} `json:"balances"`
}

// exchangeInfoResponse is the body of /api/v3/exchangeInfo.
type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol             string         `json:"symbol"`
	Status             flexString     `json:"status"`
	BaseAssetPrecision int            `json:"baseAssetPrecision"`
	BaseSizePrecision  flexString     `json:"baseSizePrecision"`
	Filters            []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string     `json:"filterType"`
	StepSize   flexString `json:"stepSize"`
	MinQty     flexString `json:"minQty"`
}
