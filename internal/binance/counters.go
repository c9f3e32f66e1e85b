// counters.go tracks per-cycle request and weight accounting.
//
// Binance assigns an integer weight to each endpoint call, summed against a
// per-window ceiling. CycleCounters accumulates those weights plus a raw
// request count for the current cycle; the scheduler resets the counters
// exactly once at cycle start and logs a summary at cycle end. Throttle
// checks (Allow) enforce the per-cycle ceilings before money-moving calls.
package binance

import (
	"strings"
	"sync"
)

// Fixed endpoint weights. Symbol-dependent weights (24h ticker, price,
// bookTicker) are computed at the call site and passed explicitly.
const (
	WeightConvertExchangeInfo = 3000
	WeightConvertAssetInfo    = 100
	WeightConvertGetQuote     = 200
	WeightConvertAcceptQuote  = 500
	WeightConvertOrderStatus  = 100
	WeightConvertTradeFlow    = 3000
	WeightAccount             = 20
	WeightFundingAsset        = 5
	WeightCapitalConfig       = 10
	WeightAvgPrice            = 2
	WeightKlines              = 2
	WeightExchangeInfoPublic  = 20

	// /api/v3/ticker/24hr
	WeightTicker24hSingle = 2
	WeightTicker24hList   = 40
	WeightTicker24hAll    = 80

	// /api/v3/ticker/price and /api/v3/ticker/bookTicker
	WeightTickerSingle = 2
	WeightTickerAll    = 4
)

// CycleCounters is the per-cycle request/weight ledger. Writes are
// serialized; state never crosses cycles.
type CycleCounters struct {
	mu              sync.Mutex
	requests        int
	convertRequests int // subset of requests hitting convert endpoints
	totalWeight     int
	byEndpoint      map[string]int

	maxWeight   int // 0 disables the ceiling
	maxRequests int // ceiling on convert requests; 0 disables
}

// NewCycleCounters creates a ledger with the given per-cycle ceilings.
func NewCycleCounters(maxWeight, maxRequests int) *CycleCounters {
	return &CycleCounters{
		byEndpoint:  make(map[string]int),
		maxWeight:   maxWeight,
		maxRequests: maxRequests,
	}
}

// Reset clears the ledger at cycle start.
func (c *CycleCounters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = 0
	c.convertRequests = 0
	c.totalWeight = 0
	c.byEndpoint = make(map[string]int)
}

// SetMaxRequests lowers (or restores) the convert request ceiling; used
// when soft risk mode is active.
func (c *CycleCounters) SetMaxRequests(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxRequests = n
}

// Record adds one request of the given weight against the endpoint.
func (c *CycleCounters) Record(endpoint string, weight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	if isConvertEndpoint(endpoint) {
		c.convertRequests++
	}
	c.totalWeight += weight
	c.byEndpoint[endpoint] += weight
}

// Allow reports whether another convert request of the given weight fits
// under the cycle ceilings. The weight ceiling covers all traffic; the
// request ceiling covers convert endpoints only, so market-data sweeps
// cannot starve trading.
func (c *CycleCounters) Allow(weight int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxWeight > 0 && c.totalWeight+weight > c.maxWeight {
		return false
	}
	if c.maxRequests > 0 && c.convertRequests+1 > c.maxRequests {
		return false
	}
	return true
}

// Snapshot returns the current totals and a copy of the per-endpoint
// breakdown for the cycle summary line.
func (c *CycleCounters) Snapshot() (requests, totalWeight int, byEndpoint map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.byEndpoint))
	for k, v := range c.byEndpoint {
		out[k] = v
	}
	return c.requests, c.totalWeight, out
}

// ConvertRequests returns how many convert-endpoint requests this cycle
// has issued.
func (c *CycleCounters) ConvertRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convertRequests
}

func isConvertEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "/convert/")
}
