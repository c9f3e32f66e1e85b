// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — assets, wallets,
// quotes, convert orders, routes, ranking candidates, and persisted
// position state. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Wallet identifies which Binance wallet a balance or quote refers to.
type Wallet string

const (
	WalletSpot    Wallet = "SPOT"
	WalletFunding Wallet = "FUNDING"
)

// OrderStatus enumerates the Convert order lifecycle states.
// PROCESS is the only non-terminal state; transitions are one-way.
type OrderStatus string

const (
	OrderProcess  OrderStatus = "PROCESS"
	OrderSuccess  OrderStatus = "SUCCESS"
	OrderFail     OrderStatus = "FAIL"
	OrderExpired  OrderStatus = "EXPIRED"
	OrderCanceled OrderStatus = "CANCELED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderSuccess, OrderFail, OrderExpired, OrderCanceled:
		return true
	}
	return false
}

// Region is a named configuration profile with its own UTC windows and
// scoring bias.
type Region string

const (
	RegionAsia Region = "asia"
	RegionUS   Region = "us"
)

// ————————————————————————————————————————————————————————————————————————
// Assets and symbols
// ————————————————————————————————————————————————————————————————————————

// QuoteAsset is the portfolio's valuation and primary hub currency.
// USDT is always treated as a convertibility hub.
const QuoteAsset = "USDT"

// leveragedSuffixes mark exchange-issued leveraged tokens which are never
// eligible for rotation.
var leveragedSuffixes = []string{"UP", "DOWN", "BULL", "BEAR", "5L", "5S", "PERP"}

// NormalizeAsset uppercases an asset symbol and returns ok=false for
// leveraged-token symbols and empty input.
func NormalizeAsset(asset string) (string, bool) {
	a := strings.ToUpper(strings.TrimSpace(asset))
	if a == "" {
		return "", false
	}
	for _, suf := range leveragedSuffixes {
		if len(a) > len(suf) && strings.HasSuffix(a, suf) {
			return a, false
		}
	}
	return a, true
}

// Symbol concatenates base and quote into a Binance pair symbol.
func Symbol(base, quote string) string {
	return strings.ToUpper(base) + strings.ToUpper(quote)
}

// Balance is one wallet row. Amounts are decimals, never binary floats.
type Balance struct {
	Asset  string          `json:"asset"`
	Wallet Wallet          `json:"wallet"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// ————————————————————————————————————————————————————————————————————————
// Convert routes
// ————————————————————————————————————————————————————————————————————————

// RouteStep is one convert leg.
type RouteStep struct {
	FromAsset string `json:"fromAsset"`
	ToAsset   string `json:"toAsset"`
}

// ConvertRoute is an ordered non-empty sequence of convert legs.
// Adjacent steps must chain: steps[i].ToAsset == steps[i+1].FromAsset.
// Quote limits come from the first step.
type ConvertRoute struct {
	Steps    []RouteStep     `json:"steps"`
	MinQuote decimal.Decimal `json:"minQuote"`
	MaxQuote decimal.Decimal `json:"maxQuote"`
}

// Direct reports whether the route is a single leg.
func (r ConvertRoute) Direct() bool { return len(r.Steps) == 1 }

// Valid checks the chaining invariant.
func (r ConvertRoute) Valid() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for i := 0; i < len(r.Steps)-1; i++ {
		if r.Steps[i].ToAsset != r.Steps[i+1].FromAsset {
			return false
		}
	}
	return true
}

// Describe renders a route as "ETH -> USDT -> SOL" for logs and reports.
func (r ConvertRoute) Describe() string {
	if len(r.Steps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.Steps[0].FromAsset)
	for _, s := range r.Steps {
		b.WriteString(" -> ")
		b.WriteString(s.ToAsset)
	}
	return b.String()
}

// ————————————————————————————————————————————————————————————————————————
// Quotes and orders
// ————————————————————————————————————————————————————————————————————————

// Quote is a time-bounded commitment by the exchange to swap at a given
// ratio. Immutable once returned; stateful only via its QuoteID.
type Quote struct {
	QuoteID        string          `json:"quoteId"`
	FromAsset      string          `json:"fromAsset"`
	ToAsset        string          `json:"toAsset"`
	FromAmount     decimal.Decimal `json:"fromAmount"`
	ToAmount       decimal.Decimal `json:"toAmount"`
	Ratio          decimal.Decimal `json:"ratio"`
	InverseRatio   decimal.Decimal `json:"inverseRatio"`
	ValidTimestamp int64           `json:"validTimestamp"` // ms epoch
	WalletType     Wallet          `json:"walletType"`
}

// Expired reports whether the quote is no longer acceptable at the given time.
func (q Quote) Expired(now time.Time) bool {
	return now.UnixMilli() >= q.ValidTimestamp
}

// AcceptResult is the outcome of acceptQuote. Duplicate is set when the
// idempotency shield intercepted a repeated accept without a network call.
type AcceptResult struct {
	OrderID     string `json:"orderId"`
	CreateTime  int64  `json:"createTime"`
	OrderStatus string `json:"orderStatus"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// Order is the convert order record returned by orderStatus.
type Order struct {
	OrderID    string          `json:"orderId"`
	QuoteID    string          `json:"quoteId"`
	CreateTime int64           `json:"createTime"`
	Status     OrderStatus     `json:"orderStatus"`
	FromAsset  string          `json:"fromAsset"`
	ToAsset    string          `json:"toAsset"`
	FromAmount decimal.Decimal `json:"fromAmount"`
	ToAmount   decimal.Decimal `json:"toAmount"`
	Ratio      decimal.Decimal `json:"ratio"`
}

// TradeFlowRecord is one settled conversion from the tradeFlow history.
type TradeFlowRecord struct {
	QuoteID     string          `json:"quoteId"`
	OrderID     string          `json:"orderId"`
	OrderStatus OrderStatus     `json:"orderStatus"`
	FromAsset   string          `json:"fromAsset"`
	ToAsset     string          `json:"toAsset"`
	FromAmount  decimal.Decimal `json:"fromAmount"`
	ToAmount    decimal.Decimal `json:"toAmount"`
	Ratio       decimal.Decimal `json:"ratio"`
	CreateTime  int64           `json:"createTime"`
}

// ————————————————————————————————————————————————————————————————————————
// Ranking and allocation
// ————————————————————————————————————————————————————————————————————————

// Candidate is one ranked rotation target.
type Candidate struct {
	Rank        int             `json:"rank"`
	Symbol      string          `json:"symbol"`
	Base        string          `json:"base"`
	Score       float64         `json:"score"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"` // 24h quote volume
	Change24h   float64         `json:"change24hPct"`
	SpreadBps   float64         `json:"spreadBps"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	Route       *ConvertRoute   `json:"route,omitempty"`
	RouteDesc   string          `json:"routeDescription,omitempty"`
	MinQuote    decimal.Decimal `json:"minQuote"`
	MaxQuote    decimal.Decimal `json:"maxQuote"`
}

// TargetAllocation is one desired portfolio slot. Weights across a target
// set sum to at most 1.
type TargetAllocation struct {
	Asset       string          `json:"asset"`
	Weight      float64         `json:"weight"`
	QuoteAmount decimal.Decimal `json:"quoteAmount"`
	Route       *ConvertRoute   `json:"route,omitempty"`
	MinQuote    decimal.Decimal `json:"minQuote"`
	MaxQuote    decimal.Decimal `json:"maxQuote"`
	Source      *Candidate      `json:"sourceCandidate,omitempty"`
}

// RebalanceAction is one swap to execute. Amount is denominated in
// FromAsset units.
type RebalanceAction struct {
	FromAsset string          `json:"fromAsset"`
	ToAsset   string          `json:"toAsset"`
	Amount    decimal.Decimal `json:"amount"`
	Route     *ConvertRoute   `json:"route,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Persisted state
// ————————————————————————————————————————————————————————————————————————

// PositionState is the durable record of holdings and observed peaks.
// Mutated only at end of the trade phase and after guard execution.
type PositionState struct {
	Assets        map[string]decimal.Decimal `json:"assets"`
	Peaks         map[string]decimal.Decimal `json:"peaks"`
	PortfolioPeak decimal.Decimal            `json:"portfolio_peak"`
	TS            int64                      `json:"ts"` // ms epoch
}

// NewPositionState returns an empty state with allocated maps.
func NewPositionState() *PositionState {
	return &PositionState{
		Assets: make(map[string]decimal.Decimal),
		Peaks:  make(map[string]decimal.Decimal),
	}
}

// HistoryRecord is one line of the convert history log. When Accepted is
// true, OrderID must be present.
type HistoryRecord struct {
	QuoteID        string          `json:"quoteId"`
	OrderID        string          `json:"orderId,omitempty"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	Ratio          decimal.Decimal `json:"ratio"`
	InverseRatio   decimal.Decimal `json:"inverseRatio"`
	FromAmount     decimal.Decimal `json:"from_amount"`
	ToAmount       decimal.Decimal `json:"to_amount"`
	Score          float64         `json:"score"`
	ExpectedProfit float64         `json:"expected_profit"`
	ProbUp         float64         `json:"prob_up"`
	Accepted       bool            `json:"accepted"`
	ErrorCode      int             `json:"error_code,omitempty"`
	ErrorMsg       string          `json:"error_msg,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}
