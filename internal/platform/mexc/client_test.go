package mexc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/crypto"
	"github.com/alanyoungcy/spotbot/internal/domain"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(srv.URL, &crypto.HMACAuth{Key: "k", Secret: "s"}, logger, WithRetry(3, 0))
}

func TestGetPrice(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","price":"64123.5"}`)
	}))

	price, err := c.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 64123.5, price, 1e-9)
}

func TestGetPriceEmptyIsUnknown(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","price":""}`)
	}))

	_, err := c.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrUnknown)
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"symbol":"ETHUSDT","price":"3000"}`)
	}))

	price, err := c.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, price)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"code":429,"msg":"too many"}`)
	}))

	_, err := c.GetPrice(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnauthorizedNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":700002,"msg":"Signature for this request is not valid."}`)
	}))

	_, err := c.GetBalances(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSignedRequestCarriesSignature(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-MEXC-APIKEY"))
		q := r.URL.Query()
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Equal(t, "5000", q.Get("recvWindow"))
		assert.Len(t, q.Get("signature"), 64)
		_, _ = io.WriteString(w, `{"canTrade":true,"balances":[
			{"asset":"USDT","free":"120.5","locked":"0"},
			{"asset":"btc","free":"0.001","locked":"0.0005"}]}`)
	}))

	balances, err := c.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)

	btc, err := c.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.0015, btc.Total(), 1e-12)

	missing, err := c.GetBalance(context.Background(), "DOGE")
	require.NoError(t, err)
	assert.Equal(t, 0.0, missing.Total())
}

func TestGetBalancesEmptyIsUnknown(t *testing.T) {
	for _, body := range []string{`{"canTrade":true,"balances":[]}`, `{"canTrade":true}`} {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}))

		_, err := c.GetBalances(context.Background())
		assert.ErrorIs(t, err, domain.ErrUnknown, body)

		bal, err := c.GetBalance(context.Background(), "BTC")
		assert.ErrorIs(t, err, domain.ErrUnknown, body)
		assert.Zero(t, bal)
	}
}

func TestSignedWithoutCredentials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient("http://127.0.0.1:1", nil, logger)
	_, err := c.GetBalances(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSubmitOrderTruncatesToStep(t *testing.T) {
	var orders atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"symbols":[{"symbol":"XRPUSDT","baseAssetPrecision":2,"baseSizePrecision":"0.1"}]}`)
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		orders.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "12.3", q.Get("quantity"))
		assert.Equal(t, "SELL", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		_, _ = io.WriteString(w, `{"symbol":"XRPUSDT","orderId":"C02__123","transactTime":1700000000000}`)
	})
	c := newTestClient(t, mux)

	ack, err := c.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "XRPUSDT", Side: domain.OrderSideSell, Quantity: 12.3999,
	})
	require.NoError(t, err)
	assert.Equal(t, "C02__123", ack.OrderID)
	assert.Equal(t, int64(1700000000000), ack.TransactTime.UnixMilli())
	assert.Equal(t, int32(1), orders.Load())
}

func TestSubmitOrderRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("quoteOrderQty"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":30004,"msg":"Insufficient position"}`)
	})
	c := newTestClient(t, mux)

	_, err := c.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "XRPUSDT", Side: domain.OrderSideBuy, QuoteAmount: 25,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)

	var rejected *domain.OrderRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 30004, rejected.Code)
	assert.Equal(t, "Insufficient position", rejected.Reason)
}

func TestSubmitOrderNotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux)

	_, err := c.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "XRPUSDT", Side: domain.OrderSideBuy, QuoteAmount: 10,
	})
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitOrderInvalid(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.SubmitOrder(context.Background(), domain.OrderRequest{Symbol: "X", Side: domain.OrderSideSell})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestGetOrderHistory(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/myTrades", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[
			{"symbol":"BTCUSDT","id":"2","orderId":"o2","price":"101","qty":"0.5","commission":"0.01","time":1700000002000,"isBuyer":false},
			{"symbol":"BTCUSDT","id":"1","orderId":123,"price":"100","qty":"1","commission":"0","time":1700000001000,"isBuyer":true}
		]`)
	}))

	fills, err := c.GetOrderHistory(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "123", fills[0].OrderID)
	assert.Equal(t, domain.OrderSideBuy, fills[0].Side)
	assert.Equal(t, "o2", fills[1].OrderID)
	assert.Equal(t, domain.OrderSideSell, fills[1].Side)
	assert.InDelta(t, 0.01, fills[1].Fee, 1e-12)
}

func TestGetOpenOrders(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"symbol":"BTCUSDT","orderId":"o9","price":"99","origQty":"2","side":"BUY","time":1700000000000}]`)
	}))

	orders, err := c.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o9", orders[0].OrderID)
	assert.Equal(t, 2.0, orders[0].Quantity)
}

func TestGet24hTickers(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"symbol":"BTCUSDT","lastPrice":"100","quoteVolume":"5000000","priceChangePercent":"0.015"}]`)
	}))

	tickers, err := c.Get24hTickers(context.Background())
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, 5e6, tickers[0].QuoteVolume)
}

func TestGetKlines(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "15m", r.URL.Query().Get("interval"))
		_, _ = io.WriteString(w, `[
			[1700000000000,"1.0","1.2","0.9","1.1","1000",1700000899999,"1100"],
			[1700000900000,"1.1","1.3","1.0","1.25","900",1700001799999,"1125"]
		]`)
	}))

	klines, err := c.GetKlines(context.Background(), "ABCUSDT", "15m", 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, 1.25, klines[1].Close)
	assert.Equal(t, int64(1700000900000), klines[1].OpenTime.UnixMilli())
}

func TestGetKlinesEmptyIsUnknown(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	_, err := c.GetKlines(context.Background(), "ABCUSDT", "15m", 2)
	assert.ErrorIs(t, err, domain.ErrUnknown)
}

func TestTruncateToStep(t *testing.T) {
	cases := []struct {
		qty, step, want string
	}{
		{"1.23456", "0.01", "1.23"},
		{"0.009", "0.01", "0"},
		{"157", "10", "150"},
		{"3.5", "0", "3.5"},
	}
	for _, tc := range cases {
		got := TruncateToStep(decimal.RequireFromString(tc.qty), decimal.RequireFromString(tc.step))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "%s step %s = %s", tc.qty, tc.step, got)
	}
}

func TestStepFromInfoPrefersLotSize(t *testing.T) {
	info := symbolInfo{
		BaseAssetPrecision: 4,
		BaseSizePrecision:  "0.1",
		Filters:            []symbolFilter{{FilterType: "LOT_SIZE", StepSize: "0.001"}},
	}
	assert.Equal(t, "0.001", stepFromInfo(info).String())

	info.Filters = nil
	assert.Equal(t, "0.1", stepFromInfo(info).String())

	info.BaseSizePrecision = "0"
	assert.Equal(t, "0.0001", stepFromInfo(info).String())
}
