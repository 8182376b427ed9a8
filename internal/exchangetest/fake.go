// Package exchangetest provides an in-memory domain.Exchange for tests.
package exchangetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Fake is a scriptable exchange. Zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	Prices    map[string]float64
	Balances  map[string]domain.Balance
	History   map[string][]domain.Fill
	Open      map[string][]domain.OpenOrder
	Tickers   []domain.Ticker
	Klines    map[string][]domain.Kline
	Submitted []domain.OrderRequest

	// AutoFill makes SubmitOrder append a matching fill to History and
	// adjust balances, as a real market order would.
	AutoFill bool
	// FillAfter delays the fill by this many GetOrderHistory calls.
	FillAfter int
	// QuoteAsset is the asset debited by auto-filled buys.
	QuoteAsset string

	PriceErr   error
	BalanceErr error
	SubmitErr  error
	HistoryErr error
	OpenErr    error
	TickersErr error

	historyCalls int
	pendingFills []domain.Fill
	nextID       int
}

// New returns an empty fake quoting in USDT.
func New() *Fake {
	return &Fake{
		Prices:     make(map[string]float64),
		Balances:   make(map[string]domain.Balance),
		History:    make(map[string][]domain.Fill),
		Open:       make(map[string][]domain.OpenOrder),
		Klines:     make(map[string][]domain.Kline),
		QuoteAsset: "USDT",
	}
}

// SetPrice sets the quoted price for symbol.
func (f *Fake) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prices[symbol] = price
}

// SetBalance sets the free balance for asset.
func (f *Fake) SetBalance(asset string, free float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[asset] = domain.Balance{Asset: asset, Free: free}
}

// AddFill appends a fill to the order history of its symbol.
func (f *Fake) AddFill(fill domain.Fill) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.History[fill.Symbol] = append(f.History[fill.Symbol], fill)
}

// SubmittedSides returns the side of every submitted order in order.
func (f *Fake) SubmittedSides() []domain.OrderSide {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OrderSide, len(f.Submitted))
	for i, r := range f.Submitted {
		out[i] = r.Side
	}
	return out
}

// Sells counts submitted SELL orders.
func (f *Fake) Sells() int {
	n := 0
	for _, s := range f.SubmittedSides() {
		if s == domain.OrderSideSell {
			n++
		}
	}
	return n
}

func (f *Fake) GetPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PriceErr != nil {
		return 0, f.PriceErr
	}
	p, ok := f.Prices[symbol]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("fake: price %s: %w", symbol, domain.ErrUnknown)
	}
	return p, nil
}

func (f *Fake) GetBalance(_ context.Context, asset string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return domain.Balance{}, f.BalanceErr
	}
	b, ok := f.Balances[asset]
	if !ok {
		return domain.Balance{Asset: asset}, nil
	}
	return b, nil
}

func (f *Fake) GetBalances(_ context.Context) ([]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	out := make([]domain.Balance, 0, len(f.Balances))
	for _, b := range f.Balances {
		out = append(out, b)
	}
	return out, nil
}

func (f *Fake) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return domain.OrderAck{}, f.SubmitErr
	}
	f.Submitted = append(f.Submitted, req)
	f.nextID++
	id := "ord-" + strconv.Itoa(f.nextID)
	ack := domain.OrderAck{OrderID: id, Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, TransactTime: time.Now()}

	if f.AutoFill {
		price := f.Prices[req.Symbol]
		qty := req.Quantity
		if qty == 0 && req.QuoteAmount > 0 && price > 0 {
			qty = req.QuoteAmount / price
		}
		fill := domain.Fill{OrderID: id, Symbol: req.Symbol, Side: req.Side, Price: price, Quantity: qty, Time: time.Now()}
		f.pendingFills = append(f.pendingFills, fill)
		f.historyCalls = 0
		if f.FillAfter == 0 {
			f.flushLocked()
		}
	}
	return ack, nil
}

func (f *Fake) flushLocked() {
	for _, fill := range f.pendingFills {
		f.History[fill.Symbol] = append(f.History[fill.Symbol], fill)
		base := fill.Symbol[:len(fill.Symbol)-len(f.QuoteAsset)]
		b := f.Balances[base]
		b.Asset = base
		q := f.Balances[f.QuoteAsset]
		q.Asset = f.QuoteAsset
		if fill.Side == domain.OrderSideBuy {
			b.Free += fill.Quantity
			q.Free -= fill.Quantity * fill.Price
		} else {
			b.Free -= fill.Quantity
			if b.Free < 1e-12 {
				b.Free = 0
			}
			q.Free += fill.Quantity * fill.Price
		}
		f.Balances[base] = b
		f.Balances[f.QuoteAsset] = q
	}
	f.pendingFills = nil
}

func (f *Fake) GetOrderHistory(_ context.Context, symbol string, limit int) ([]domain.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	f.historyCalls++
	if len(f.pendingFills) > 0 && f.historyCalls > f.FillAfter {
		f.flushLocked()
	}
	h := f.History[symbol]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]domain.Fill(nil), h...), nil
}

func (f *Fake) GetOpenOrders(_ context.Context, symbol string) ([]domain.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return append([]domain.OpenOrder(nil), f.Open[symbol]...), nil
}

func (f *Fake) Get24hTickers(_ context.Context) ([]domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TickersErr != nil {
		return nil, f.TickersErr
	}
	return append([]domain.Ticker(nil), f.Tickers...), nil
}

func (f *Fake) GetKlines(_ context.Context, symbol, _ string, limit int) ([]domain.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.Klines[symbol]
	if !ok {
		return nil, fmt.Errorf("fake: klines %s: %w", symbol, domain.ErrUnknown)
	}
	if limit > 0 && len(k) > limit {
		k = k[len(k)-limit:]
	}
	return append([]domain.Kline(nil), k...), nil
}

var _ domain.Exchange = (*Fake)(nil)
