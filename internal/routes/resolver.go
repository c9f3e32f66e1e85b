// Package routes resolves how to convert between two assets: directly when
// the exchange quotes the pair, or through a hub asset (USDT, USDC, BUSD,
// BTC) when it does not. Lookups are memoized for the duration of a cycle
// because exchangeInfo is expensive (weight 3000).
package routes

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/binance"
	"convert-rotator/pkg/types"
)

// ConvertAPI is the slice of the Binance client the resolver needs.
type ConvertAPI interface {
	ConvertExchangeInfo(ctx context.Context, fromAsset, toAsset string) ([]binance.ConvertPair, error)
	CrossMidPrice(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error)
}

// Resolver finds convert routes between held assets and targets.
type Resolver struct {
	api    ConvertAPI
	hubs   []string
	logger *slog.Logger

	mu   sync.Mutex
	memo map[string]*binance.ConvertPair // "FROM|TO" → pair or nil
}

// NewResolver creates a resolver with the default hub priority.
func NewResolver(api ConvertAPI, logger *slog.Logger) *Resolver {
	return &Resolver{
		api:    api,
		hubs:   binance.Hubs,
		logger: logger.With("component", "routes"),
		memo:   make(map[string]*binance.ConvertPair),
	}
}

// ResetCycle drops memoized lookups at cycle start.
func (r *Resolver) ResetCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo = make(map[string]*binance.ConvertPair)
}

// pair returns the convertible pair from→to, or nil when the exchange does
// not quote it. Results (including misses) are memoized per cycle.
func (r *Resolver) pair(ctx context.Context, from, to string) *binance.ConvertPair {
	key := from + "|" + to

	r.mu.Lock()
	if p, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return p
	}
	r.mu.Unlock()

	var found *binance.ConvertPair
	pairs, err := r.api.ConvertExchangeInfo(ctx, from, to)
	if err != nil {
		r.logger.Warn("exchangeInfo lookup failed", "from", from, "to", to, "error", err)
		// Do not memoize transport failures; the next lookup may succeed.
		return nil
	}
	for i := range pairs {
		if strings.EqualFold(pairs[i].FromAsset, from) && strings.EqualFold(pairs[i].ToAsset, to) {
			found = &pairs[i]
			break
		}
	}

	r.mu.Lock()
	r.memo[key] = found
	r.mu.Unlock()
	return found
}

// directRoute builds a one-leg route from a convert pair.
func directRoute(p *binance.ConvertPair) *types.ConvertRoute {
	return &types.ConvertRoute{
		Steps:    []types.RouteStep{{FromAsset: p.FromAsset, ToAsset: p.ToAsset}},
		MinQuote: p.FromAssetMinAmount,
		MaxQuote: p.FromAssetMaxAmount,
	}
}

// Resolve returns the preferred route from any held asset to the target:
//
//  1. A direct pair, preferring the held asset with the largest spot
//     valuation.
//  2. A two-leg route h → hub → target, hubs tried in priority order.
//  3. nil when neither exists.
func (r *Resolver) Resolve(ctx context.Context, held map[string]decimal.Decimal, target string) *types.ConvertRoute {
	type scored struct {
		asset string
		pair  *binance.ConvertPair
		value decimal.Decimal
	}

	var best *scored
	for asset, amount := range held {
		if asset == target || amount.Sign() <= 0 {
			continue
		}
		p := r.pair(ctx, asset, target)
		if p == nil {
			continue
		}
		val := r.valuation(ctx, asset, amount)
		if best == nil || val.GreaterThan(best.value) {
			best = &scored{asset: asset, pair: p, value: val}
		}
	}
	if best != nil {
		return directRoute(best.pair)
	}

	for _, hub := range r.hubs {
		if hub == target {
			continue
		}
		hubLeg := r.pair(ctx, hub, target)
		if hubLeg == nil {
			continue
		}
		var bestFirst *scored
		for asset, amount := range held {
			if asset == target || amount.Sign() <= 0 {
				continue
			}
			if asset == hub {
				// Already at the hub: the second leg alone is a direct route.
				return directRoute(hubLeg)
			}
			p := r.pair(ctx, asset, hub)
			if p == nil {
				continue
			}
			val := r.valuation(ctx, asset, amount)
			if bestFirst == nil || val.GreaterThan(bestFirst.value) {
				bestFirst = &scored{asset: asset, pair: p, value: val}
			}
		}
		if bestFirst != nil {
			return &types.ConvertRoute{
				Steps: []types.RouteStep{
					{FromAsset: bestFirst.asset, ToAsset: hub},
					{FromAsset: hub, ToAsset: hubLeg.ToAsset},
				},
				MinQuote: bestFirst.pair.FromAssetMinAmount,
				MaxQuote: bestFirst.pair.FromAssetMaxAmount,
			}
		}
	}
	return nil
}

// RouteFrom resolves a route from one specific source asset to the target.
func (r *Resolver) RouteFrom(ctx context.Context, from, target string) *types.ConvertRoute {
	if from == target {
		return nil
	}
	if p := r.pair(ctx, from, target); p != nil {
		return directRoute(p)
	}
	for _, hub := range r.hubs {
		if hub == from || hub == target {
			continue
		}
		first := r.pair(ctx, from, hub)
		if first == nil {
			continue
		}
		second := r.pair(ctx, hub, target)
		if second == nil {
			continue
		}
		return &types.ConvertRoute{
			Steps: []types.RouteStep{
				{FromAsset: first.FromAsset, ToAsset: hub},
				{FromAsset: hub, ToAsset: second.ToAsset},
			},
			MinQuote: first.FromAssetMinAmount,
			MaxQuote: first.FromAssetMaxAmount,
		}
	}
	return nil
}

// RouteExists reports whether any direct or hub-mediated route exists from
// a to b.
func (r *Resolver) RouteExists(ctx context.Context, a, b string) bool {
	return r.RouteFrom(ctx, a, b) != nil
}

// valuation prices a holding in the quote asset; unpriceable assets sort
// last rather than failing resolution.
func (r *Resolver) valuation(ctx context.Context, asset string, amount decimal.Decimal) decimal.Decimal {
	mid, err := r.api.CrossMidPrice(ctx, asset, types.QuoteAsset)
	if err != nil {
		return decimal.Zero
	}
	return amount.Mul(mid)
}
