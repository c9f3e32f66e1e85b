// market.go implements the unsigned market-data gateway: 24h ticker stats,
// book ticker, average price, last price, klines, and the derived mid-price
// helpers used for valuation.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"convert-rotator/pkg/types"
)

// Hubs is the prioritized list of intermediate assets used for cross-pair
// pricing and two-leg convert routes.
var Hubs = []string{"USDT", "USDC", "BUSD", "BTC"}

// ErrNoPrice means no price source could value the symbol.
var ErrNoPrice = errors.New("binance: no price available")

// Ticker24h is one row of /api/v3/ticker/24hr.
type Ticker24h struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	BidPrice           decimal.Decimal `json:"bidPrice"`
	AskPrice           decimal.Decimal `json:"askPrice"`
}

// BookTicker is the best bid/ask for a symbol.
type BookTicker struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidQty   decimal.Decimal `json:"bidQty"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskQty   decimal.Decimal `json:"askQty"`
}

// Kline is one OHLC candle.
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// SymbolInfo is the subset of /api/v3/exchangeInfo used for symbol
// discovery fallback.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// Ticker24hAll fetches 24h stats for every symbol.
func (c *Client) Ticker24hAll(ctx context.Context) ([]Ticker24h, error) {
	body, err := c.do(ctx, call{
		method: "GET", path: pathTicker24h, public: true,
		weight: WeightTicker24hAll,
	})
	if err != nil {
		return nil, fmt.Errorf("ticker 24hr: %w", err)
	}
	var out []Ticker24h
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("ticker 24hr: %w", err)
	}
	return out, nil
}

// Ticker24h fetches 24h stats for one symbol.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (*Ticker24h, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, call{
		method: "GET", path: pathTicker24h, params: params, public: true,
		weight: WeightTicker24hSingle,
	})
	if err != nil {
		return nil, fmt.Errorf("ticker 24hr %s: %w", symbol, err)
	}
	var out Ticker24h
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("ticker 24hr %s: %w", symbol, err)
	}
	return &out, nil
}

// TickerPrice returns the last traded price for a symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, call{
		method: "GET", path: pathTickerPrice, params: params, public: true,
		weight: WeightTickerSingle,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	return out.Price, nil
}

// BookTicker returns the best bid/ask for a symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string) (*BookTicker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, call{
		method: "GET", path: pathBookTicker, params: params, public: true,
		weight: WeightTickerSingle,
	})
	if err != nil {
		return nil, fmt.Errorf("book ticker %s: %w", symbol, err)
	}
	var out BookTicker
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("book ticker %s: %w", symbol, err)
	}
	return &out, nil
}

// AvgPrice returns the rolling average price for a symbol.
func (c *Client) AvgPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, call{
		method: "GET", path: pathAvgPrice, params: params, public: true,
		weight: WeightAvgPrice,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("avg price %s: %w", symbol, err)
	}
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("avg price %s: %w", symbol, err)
	}
	return out.Price, nil
}

// Klines fetches up to limit candles at the given interval (e.g. "1m").
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, call{
		method: "GET", path: pathKlines, params: params, public: true,
		weight: WeightKlines,
	})
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}

	// Klines arrive as arrays of mixed numbers and strings.
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}

	out := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var k Kline
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			continue
		}
		if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
			continue
		}
		fields := []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		ok := true
		for i, dst := range fields {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// PublicExchangeInfo lists trading symbols from the public endpoint;
// the ranker falls back to it when the ticker sweep fails.
func (c *Client) PublicExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	body, err := c.do(ctx, call{
		method: "GET", path: pathExchangeInfoPublic, public: true,
		weight: WeightExchangeInfoPublic,
	})
	if err != nil {
		return nil, fmt.Errorf("public exchangeInfo: %w", err)
	}
	var out struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("public exchangeInfo: %w", err)
	}
	return out.Symbols, nil
}

// MidPrice values a symbol from the book ticker when both sides are
// positive, falling back to the average-price endpoint.
func (c *Client) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if bt, err := c.BookTicker(ctx, symbol); err == nil {
		if bt.BidPrice.Sign() > 0 && bt.AskPrice.Sign() > 0 {
			return bt.BidPrice.Add(bt.AskPrice).Div(decimal.NewFromInt(2)), nil
		}
	}
	if avg, err := c.AvgPrice(ctx, symbol); err == nil && avg.Sign() > 0 {
		return avg, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
}

// CrossMidPrice values fromAsset in units of toAsset: the direct pair
// first, then (from+hub)/(to+hub) for each hub in priority order.
func (c *Client) CrossMidPrice(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error) {
	if fromAsset == toAsset {
		return decimal.NewFromInt(1), nil
	}

	if mid, err := c.MidPrice(ctx, types.Symbol(fromAsset, toAsset)); err == nil {
		return mid, nil
	}

	for _, hub := range Hubs {
		if hub == fromAsset || hub == toAsset {
			continue
		}
		fromMid, err := c.MidPrice(ctx, types.Symbol(fromAsset, hub))
		if err != nil {
			continue
		}
		toMid, err := c.MidPrice(ctx, types.Symbol(toAsset, hub))
		if err != nil || toMid.Sign() <= 0 {
			continue
		}
		return fromMid.Div(toMid), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoPrice, fromAsset, toAsset)
}
