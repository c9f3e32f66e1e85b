// Package binance implements the Binance REST gateways used by the bot.
//
// The signed client (Client) talks to the main API for Convert and account
// operations:
//   - Convert:        /sapi/v1/convert/* — exchangeInfo, assetInfo, getQuote,
//     acceptQuote, orderStatus, tradeFlow
//   - Balances:       /api/v3/account (spot), /sapi/v3/asset/getUserAsset (funding)
//   - Fiat registry:  /sapi/v1/capital/config/getall
//
// Every request passes through a token bucket, records its endpoint weight
// into the current cycle's counters, and is retried with exponential
// backoff on transient failures. Signed requests carry an HMAC-SHA256
// signature over the deterministically-serialized query string, with the
// local clock corrected by a server-time offset learned from -1021 errors.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"convert-rotator/internal/config"
)

// Signed endpoint paths.
const (
	pathConvertExchangeInfo = "/sapi/v1/convert/exchangeInfo"
	pathConvertAssetInfo    = "/sapi/v1/convert/assetInfo"
	pathConvertGetQuote     = "/sapi/v1/convert/getQuote"
	pathConvertAcceptQuote  = "/sapi/v1/convert/acceptQuote"
	pathConvertOrderStatus  = "/sapi/v1/convert/orderStatus"
	pathConvertTradeFlow    = "/sapi/v1/convert/tradeFlow"
	pathAccount             = "/api/v3/account"
	pathFundingAsset        = "/sapi/v3/asset/getUserAsset"
	pathCapitalConfig       = "/sapi/v1/capital/config/getall"
	pathServerTime          = "/api/v3/time"
)

// Public market-data paths.
const (
	pathTicker24h          = "/api/v3/ticker/24hr"
	pathTickerPrice        = "/api/v3/ticker/price"
	pathBookTicker         = "/api/v3/ticker/bookTicker"
	pathAvgPrice           = "/api/v3/avgPrice"
	pathKlines             = "/api/v3/klines"
	pathExchangeInfoPublic = "/api/v3/exchangeInfo"
)

// convertRecvWindowMS is mandated for Convert endpoints regardless of the
// configured default window.
const convertRecvWindowMS = 60000

// Client is the Binance REST API client shared by all gateways. It wraps
// two resty transports (signed API and public market data) with rate
// limiting, weight accounting, retry, and clock-skew compensation.
type Client struct {
	api    *resty.Client // signed API base
	market *resty.Client // public market-data base

	apiKey       string
	secret       string
	recvWindowMS int64

	bucket   *TokenBucket
	counters *CycleCounters
	retry    config.RetryConfig

	clockOffsetMS atomic.Int64 // added to local time before signing

	dryRun bool
	logger *slog.Logger

	// convert gateway state (convert.go)
	quoteShield  *acceptShield
	exchangeInfo *exchangeInfoCache

	rng *rand.Rand
}

// NewClient creates the shared client from config.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	api := resty.New().
		SetBaseURL(cfg.API.Base).
		SetTimeout(timeout).
		SetHeader("X-MBX-APIKEY", cfg.API.Key)

	market := resty.New().
		SetBaseURL(cfg.API.MarketDataBase).
		SetTimeout(timeout)

	return &Client{
		api:          api,
		market:       market,
		apiKey:       cfg.API.Key,
		secret:       cfg.API.Secret,
		recvWindowMS: cfg.API.RecvWindowMS,
		bucket:       NewTokenBucket(cfg.Limits.Burst, cfg.Limits.QPS),
		counters:     NewCycleCounters(cfg.Limits.MaxWeightPerCycle, cfg.Limits.MaxPerCycle),
		retry:        cfg.Retry,
		dryRun:       cfg.DryRun,
		logger:       logger.With("component", "binance"),
		quoteShield:  newAcceptShield(),
		exchangeInfo: newExchangeInfoCache(time.Duration(cfg.Limits.ExchangeInfoTTLSec) * time.Second),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Counters exposes the per-cycle ledger to the scheduler.
func (c *Client) Counters() *CycleCounters { return c.counters }

// DryRun reports whether mutating calls are suppressed.
func (c *Client) DryRun() bool { return c.dryRun }

// ClockOffset returns the current signed-millisecond clock correction.
func (c *Client) ClockOffset() time.Duration {
	return time.Duration(c.clockOffsetMS.Load()) * time.Millisecond
}

// ResetCycle clears per-cycle state: request counters, the accepted-quote
// shield, and nothing else. Called exactly once at cycle start.
func (c *Client) ResetCycle() {
	c.counters.Reset()
	c.quoteShield.reset()
}

// call describes one HTTP request through the shared pipeline.
type call struct {
	method     string
	path       string
	params     url.Values
	signed     bool
	bodyForm   bool // signed params in a form-encoded body instead of the query
	weight     int
	recvWindow int64 // 0 = client default
	public     bool  // route through the market-data transport
}

// do runs the request pipeline: rate limit → weight accounting → sign →
// send → classify → retry. Every attempt, retries included, passes the
// token bucket and lands in the cycle ledger. The returned bytes are the
// raw response body.
func (c *Client) do(ctx context.Context, cl call) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.bucket.Wait(ctx); err != nil {
			return nil, err
		}
		c.counters.Record(cl.path, cl.weight)

		body, err := c.send(ctx, cl)
		if err == nil {
			return body, nil
		}

		api, _ := err.(*APIError)
		if api == nil || !api.Retryable() || attempt >= c.retry.MaxRetries {
			return nil, err
		}

		if api.Kind == KindClockSkew {
			if serr := c.SyncClock(ctx); serr != nil {
				c.logger.Warn("server time sync failed", "error", serr)
			}
			continue // retry immediately with the corrected clock
		}

		wait := c.backoff(attempt)
		c.logger.Warn("retrying request",
			"path", cl.path, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// send performs a single HTTP attempt and classifies the outcome.
func (c *Client) send(ctx context.Context, cl call) ([]byte, error) {
	transport := c.api
	if cl.public {
		transport = c.market
	}

	req := transport.R().SetContext(ctx)

	payload := ""
	if cl.signed {
		var err error
		payload, err = c.signPayload(cl)
		if err != nil {
			return nil, err
		}
	} else if len(cl.params) > 0 {
		payload = cl.params.Encode()
	}

	var (
		resp *resty.Response
		err  error
	)
	switch {
	case cl.method == "POST" && cl.bodyForm:
		resp, err = req.
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(payload).
			Post(cl.path)
	case cl.method == "POST":
		resp, err = req.Post(pathWithQuery(cl.path, payload))
	default:
		resp, err = req.Get(pathWithQuery(cl.path, payload))
	}
	if err != nil {
		return nil, &APIError{Msg: err.Error(), Kind: KindTransient}
	}

	body := resp.Body()
	status := resp.StatusCode()

	// Binance reports business errors as {"code":-NNNN,"msg":"..."} — with
	// 4xx statuses and occasionally inside 200 bodies.
	if code, msg, ok := decodeBusinessError(body); ok {
		return nil, newAPIError(status, code, msg)
	}
	if status != 200 {
		return nil, newAPIError(status, 0, string(body))
	}
	return body, nil
}

// decodeBusinessError sniffs a {"code":...,"msg":...} error body. Code 0
// and the legacy code 200 are success markers, not errors.
func decodeBusinessError(body []byte) (code int, msg string, ok bool) {
	var sniff struct {
		Code *int   `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &sniff); err != nil || sniff.Code == nil {
		return 0, "", false
	}
	if *sniff.Code == 0 || *sniff.Code == 200 {
		return 0, "", false
	}
	return *sniff.Code, sniff.Msg, true
}

// signPayload serializes params deterministically, appends timestamp and
// recvWindow, and signs the whole string with HMAC-SHA256.
func (c *Client) signPayload(cl call) (string, error) {
	if c.secret == "" {
		return "", &APIError{Msg: "api secret not configured", Kind: KindConfig}
	}

	params := url.Values{}
	for k, vs := range cl.params {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	window := cl.recvWindow
	if window == 0 {
		window = c.recvWindowMS
	}
	if window < 5000 {
		window = 5000
	}
	if window > 60000 {
		window = 60000
	}

	now := time.Now().UnixMilli() + c.clockOffsetMS.Load()
	params.Set("timestamp", strconv.FormatInt(now, 10))
	params.Set("recvWindow", strconv.FormatInt(window, 10))

	qs := params.Encode() // sorted by key: deterministic serialization
	return qs + "&signature=" + Sign(c.secret, qs), nil
}

// pathWithQuery appends the prebuilt query string verbatim so the transmitted
// bytes stay identical to the signed payload, with the signature last.
func pathWithQuery(path, payload string) string {
	if payload == "" {
		return path
	}
	return path + "?" + payload
}

// Sign computes the hex HMAC-SHA256 of the payload with the secret key.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// backoff returns the sleep before retry attempt n: exponential from the
// configured base, capped, with up to 25% additive jitter.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.retry.BaseSec
	if base <= 0 {
		base = 0.5
	}
	maxSec := c.retry.MaxSec
	if maxSec <= 0 {
		maxSec = 30
	}
	sec := base * float64(int64(1)<<uint(attempt))
	if sec > maxSec {
		sec = maxSec
	}
	sec += c.rng.Float64() * 0.25 * sec
	return time.Duration(sec * float64(time.Second))
}

// SyncClock fetches server time and sets ClockOffset = serverTime − localTime.
func (c *Client) SyncClock(ctx context.Context) error {
	resp, err := c.api.R().SetContext(ctx).Get(pathServerTime)
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	offset := out.ServerTime - time.Now().UnixMilli()
	c.clockOffsetMS.Store(offset)
	c.logger.Info("clock offset updated", "offset_ms", offset)
	return nil
}
