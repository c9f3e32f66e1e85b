// convert.go implements the signed Convert gateway: exchangeInfo (TTL
// cached), assetInfo, getQuote, acceptQuote (idempotency shielded),
// orderStatus, and tradeFlow.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"convert-rotator/pkg/types"
)

// tradeFlowMaxSpan is the widest start..end window tradeFlow accepts.
const tradeFlowMaxSpan = 31 * 24 * time.Hour

// ConvertPair is one convertible pair from /sapi/v1/convert/exchangeInfo.
type ConvertPair struct {
	FromAsset          string          `json:"fromAsset"`
	ToAsset            string          `json:"toAsset"`
	FromAssetMinAmount decimal.Decimal `json:"fromAssetMinAmount"`
	FromAssetMaxAmount decimal.Decimal `json:"fromAssetMaxAmount"`
	ToAssetMinAmount   decimal.Decimal `json:"toAssetMinAmount"`
	ToAssetMaxAmount   decimal.Decimal `json:"toAssetMaxAmount"`
}

// AssetPrecision is one row from /sapi/v1/convert/assetInfo.
type AssetPrecision struct {
	Asset    string `json:"asset"`
	Fraction int    `json:"fraction"`
}

// ————————————————————————————————————————————————————————————————————————
// exchangeInfo cache
// ————————————————————————————————————————————————————————————————————————

type exchangeInfoEntry struct {
	pairs   []ConvertPair
	expires time.Time
}

// exchangeInfoCache memoizes signed exchangeInfo responses per
// (fromAsset,toAsset) key for a TTL. Read-mostly; writers exclusive.
type exchangeInfoCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]exchangeInfoEntry
}

func newExchangeInfoCache(ttl time.Duration) *exchangeInfoCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &exchangeInfoCache{ttl: ttl, entries: make(map[string]exchangeInfoEntry)}
}

func (c *exchangeInfoCache) get(key string) ([]ConvertPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.pairs, true
}

func (c *exchangeInfoCache) put(key string, pairs []ConvertPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = exchangeInfoEntry{pairs: pairs, expires: time.Now().Add(c.ttl)}
}

// ————————————————————————————————————————————————————————————————————————
// acceptQuote idempotency shield
// ————————————————————————————————————————————————————————————————————————

// acceptShield records every quoteId whose accept has been issued. A
// repeated accept for the same id is answered synthetically without a
// network call. The set is cleared at cycle start.
type acceptShield struct {
	mu       sync.Mutex
	accepted map[string]types.AcceptResult
}

func newAcceptShield() *acceptShield {
	return &acceptShield{accepted: make(map[string]types.AcceptResult)}
}

// claim marks the id as accepted. Returns the earlier result and false if
// the id was already claimed.
func (s *acceptShield) claim(id string) (types.AcceptResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.accepted[id]; ok {
		return prev, false
	}
	s.accepted[id] = types.AcceptResult{}
	return types.AcceptResult{}, true
}

// record stores the network outcome for later duplicate responses.
func (s *acceptShield) record(id string, res types.AcceptResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted[id] = res
}

func (s *acceptShield) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = make(map[string]types.AcceptResult)
}

// ————————————————————————————————————————————————————————————————————————
// Gateway methods
// ————————————————————————————————————————————————————————————————————————

// ConvertExchangeInfo lists convertible pairs for the given assets. Either
// side may be empty to list all pairs from/to the other. Responses are
// cached in-process for the configured TTL.
func (c *Client) ConvertExchangeInfo(ctx context.Context, fromAsset, toAsset string) ([]ConvertPair, error) {
	key := fromAsset + "|" + toAsset
	if pairs, ok := c.exchangeInfo.get(key); ok {
		return pairs, nil
	}

	params := url.Values{}
	if fromAsset != "" {
		params.Set("fromAsset", fromAsset)
	}
	if toAsset != "" {
		params.Set("toAsset", toAsset)
	}

	body, err := c.do(ctx, call{
		method:     "GET",
		path:       pathConvertExchangeInfo,
		params:     params,
		signed:     true,
		weight:     WeightConvertExchangeInfo,
		recvWindow: convertRecvWindowMS,
	})
	if err != nil {
		return nil, fmt.Errorf("convert exchangeInfo: %w", err)
	}

	pairs, err := decodeConvertPairs(body)
	if err != nil {
		return nil, fmt.Errorf("convert exchangeInfo: %w", err)
	}
	c.exchangeInfo.put(key, pairs)
	return pairs, nil
}

// decodeConvertPairs normalizes the upstream's variable exchangeInfo
// shapes: a bare array, an object with a "data" array, or a single pair
// object.
func decodeConvertPairs(body []byte) ([]ConvertPair, error) {
	var list []ConvertPair
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Data []ConvertPair `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}

	var single ConvertPair
	if err := json.Unmarshal(body, &single); err == nil && single.FromAsset != "" {
		return []ConvertPair{single}, nil
	}
	return nil, fmt.Errorf("unrecognized exchangeInfo shape: %s", truncate(body, 200))
}

// ConvertAssetInfo returns per-asset conversion precision.
func (c *Client) ConvertAssetInfo(ctx context.Context) ([]AssetPrecision, error) {
	body, err := c.do(ctx, call{
		method:     "GET",
		path:       pathConvertAssetInfo,
		signed:     true,
		weight:     WeightConvertAssetInfo,
		recvWindow: convertRecvWindowMS,
	})
	if err != nil {
		return nil, fmt.Errorf("convert assetInfo: %w", err)
	}
	var out []AssetPrecision
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("convert assetInfo: %w", err)
	}
	return out, nil
}

// FloorAmount truncates an amount to 8 fractional digits (round toward
// zero). Trailing zeros are stripped by decimal's string rendering.
func FloorAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(8)
}

// GetQuote requests a convert quote. The fromAmount is floored to 8
// decimals before signing.
func (c *Client) GetQuote(ctx context.Context, fromAsset, toAsset string, fromAmount decimal.Decimal, wallet types.Wallet) (*types.Quote, error) {
	if wallet == "" {
		wallet = types.WalletSpot
	}
	amount := FloorAmount(fromAmount)
	if amount.Sign() <= 0 {
		return nil, &APIError{Msg: "fromAmount must be positive", Kind: KindClientRequest}
	}

	params := url.Values{}
	params.Set("fromAsset", fromAsset)
	params.Set("toAsset", toAsset)
	params.Set("fromAmount", amount.String())
	params.Set("walletType", string(wallet))

	body, err := c.do(ctx, call{
		method:     "POST",
		path:       pathConvertGetQuote,
		params:     params,
		signed:     true,
		bodyForm:   true,
		weight:     WeightConvertGetQuote,
		recvWindow: convertRecvWindowMS,
	})
	if err != nil {
		return nil, fmt.Errorf("getQuote %s->%s: %w", fromAsset, toAsset, err)
	}

	var raw struct {
		QuoteID        string          `json:"quoteId"`
		Ratio          decimal.Decimal `json:"ratio"`
		InverseRatio   decimal.Decimal `json:"inverseRatio"`
		FromAmount     decimal.Decimal `json:"fromAmount"`
		ToAmount       decimal.Decimal `json:"toAmount"`
		ValidTimestamp int64           `json:"validTimestamp"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("getQuote %s->%s: %w", fromAsset, toAsset, err)
	}
	if raw.QuoteID == "" {
		return nil, &APIError{Msg: "quote response missing quoteId", Kind: KindClientRequest}
	}

	sent := raw.FromAmount
	if sent.IsZero() {
		sent = amount
	}
	return &types.Quote{
		QuoteID:        raw.QuoteID,
		FromAsset:      fromAsset,
		ToAsset:        toAsset,
		FromAmount:     sent,
		ToAmount:       raw.ToAmount,
		Ratio:          raw.Ratio,
		InverseRatio:   raw.InverseRatio,
		ValidTimestamp: raw.ValidTimestamp,
		WalletType:     wallet,
	}, nil
}

// AcceptQuote accepts a quote by id. At most one network accept is issued
// per quoteId per cycle; repeats return the recorded result with
// Duplicate set. In dry-run mode no request is sent and a synthetic
// success is returned.
func (c *Client) AcceptQuote(ctx context.Context, quoteID string) (*types.AcceptResult, error) {
	if quoteID == "" {
		return nil, &APIError{Msg: "empty quoteId", Kind: KindConfig}
	}

	if prev, fresh := c.quoteShield.claim(quoteID); !fresh {
		dup := prev
		dup.Duplicate = true
		c.logger.Info("duplicate acceptQuote intercepted", "quote_id", quoteID)
		return &dup, nil
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would accept quote", "quote_id", quoteID)
		res := types.AcceptResult{OrderID: "dry-run-" + quoteID, OrderStatus: string(types.OrderSuccess)}
		c.quoteShield.record(quoteID, res)
		return &res, nil
	}

	params := url.Values{}
	params.Set("quoteId", quoteID)

	body, err := c.do(ctx, call{
		method:     "POST",
		path:       pathConvertAcceptQuote,
		params:     params,
		signed:     true,
		bodyForm:   true,
		weight:     WeightConvertAcceptQuote,
		recvWindow: convertRecvWindowMS,
	})
	if err != nil {
		// The quoteId stays claimed: the accept may have reached the
		// exchange, and the executor reconciles through tradeFlow.
		return nil, fmt.Errorf("acceptQuote %s: %w", quoteID, err)
	}

	var res types.AcceptResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("acceptQuote %s: %w", quoteID, err)
	}
	c.quoteShield.record(quoteID, res)
	return &res, nil
}

// OrderStatus fetches the convert order record. Exactly one of orderID or
// quoteID must be supplied.
func (c *Client) OrderStatus(ctx context.Context, orderID, quoteID string) (*types.Order, error) {
	if (orderID == "") == (quoteID == "") {
		return nil, &APIError{Msg: "exactly one of orderId or quoteId required", Kind: KindClientRequest}
	}

	params := url.Values{}
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("quoteId", quoteID)
	}

	body, err := c.do(ctx, call{
		method:     "GET",
		path:       pathConvertOrderStatus,
		params:     params,
		signed:     true,
		weight:     WeightConvertOrderStatus,
		recvWindow: convertRecvWindowMS,
	})
	if err != nil {
		return nil, fmt.Errorf("orderStatus: %w", err)
	}

	var raw struct {
		OrderID     json.Number     `json:"orderId"`
		QuoteID     string          `json:"quoteId"`
		OrderStatus string          `json:"orderStatus"`
		CreateTime  int64           `json:"createTime"`
		FromAsset   string          `json:"fromAsset"`
		ToAsset     string          `json:"toAsset"`
		FromAmount  decimal.Decimal `json:"fromAmount"`
		ToAmount    decimal.Decimal `json:"toAmount"`
		Ratio       decimal.Decimal `json:"ratio"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("orderStatus: %w", err)
	}
	return &types.Order{
		OrderID:    raw.OrderID.String(),
		QuoteID:    raw.QuoteID,
		CreateTime: raw.CreateTime,
		Status:     types.OrderStatus(raw.OrderStatus),
		FromAsset:  raw.FromAsset,
		ToAsset:    raw.ToAsset,
		FromAmount: raw.FromAmount,
		ToAmount:   raw.ToAmount,
		Ratio:      raw.Ratio,
	}, nil
}

// TradeFlow returns settled conversions in [startMS, endMS]. The span must
// not exceed 31 days. A non-empty nextCursor means more pages remain; pass
// it back to continue.
func (c *Client) TradeFlow(ctx context.Context, startMS, endMS int64, limit int, cursor string) ([]types.TradeFlowRecord, string, error) {
	if endMS < startMS {
		return nil, "", &APIError{Msg: "endTime before startTime", Kind: KindClientRequest}
	}
	if time.Duration(endMS-startMS)*time.Millisecond > tradeFlowMaxSpan {
		return nil, "", &APIError{Msg: "tradeFlow span exceeds 31 days", Kind: KindClientRequest}
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(startMS, 10))
	params.Set("endTime", strconv.FormatInt(endMS, 10))
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	body, err := c.do(ctx, call{
		method:     "GET",
		path:       pathConvertTradeFlow,
		params:     params,
		signed:     true,
		weight:     WeightConvertTradeFlow,
		recvWindow: convertRecvWindowMS,
	})
	if err != nil {
		return nil, "", fmt.Errorf("tradeFlow: %w", err)
	}

	var raw struct {
		List []struct {
			QuoteID     string          `json:"quoteId"`
			OrderID     json.Number     `json:"orderId"`
			OrderStatus string          `json:"orderStatus"`
			FromAsset   string          `json:"fromAsset"`
			ToAsset     string          `json:"toAsset"`
			FromAmount  decimal.Decimal `json:"fromAmount"`
			ToAmount    decimal.Decimal `json:"toAmount"`
			Ratio       decimal.Decimal `json:"ratio"`
			CreateTime  int64           `json:"createTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "", fmt.Errorf("tradeFlow: %w", err)
	}

	records := make([]types.TradeFlowRecord, len(raw.List))
	for i, r := range raw.List {
		records[i] = types.TradeFlowRecord{
			QuoteID:     r.QuoteID,
			OrderID:     r.OrderID.String(),
			OrderStatus: types.OrderStatus(r.OrderStatus),
			FromAsset:   r.FromAsset,
			ToAsset:     r.ToAsset,
			FromAmount:  r.FromAmount,
			ToAmount:    r.ToAmount,
			Ratio:       r.Ratio,
			CreateTime:  r.CreateTime,
		}
	}

	next := ""
	if len(records) == limit && len(records) > 0 {
		next = strconv.FormatInt(records[len(records)-1].CreateTime+1, 10)
	}
	return records, next, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
