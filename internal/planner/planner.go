// Package planner turns ranked candidates into a target allocation and
// diffs it against current holdings to produce the swaps to execute.
//
// Target weights follow a fixed scheme by candidate count: {0.6, 0.3, 0.1}
// for three, {0.7, 0.3} for two, {1.0} for one. A candidate whose slot
// would fall below the pair's minimum is dropped and the smaller scheme is
// recomputed; slots above the maximum are capped.
package planner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/config"
	"convert-rotator/pkg/types"
)

// weightSchemes maps eligible-candidate count to portfolio weights.
var weightSchemes = map[int][]float64{
	3: {0.6, 0.3, 0.1},
	2: {0.7, 0.3},
	1: {1.0},
}

// maxTargets is how many candidates the allocation considers.
const maxTargets = 3

// PriceAPI values assets in the quote currency.
type PriceAPI interface {
	CrossMidPrice(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error)
}

// RouteSource resolves single-source convert routes.
type RouteSource interface {
	RouteFrom(ctx context.Context, from, target string) *types.ConvertRoute
}

// Planner computes rebalance actions.
type Planner struct {
	prices PriceAPI
	router RouteSource
	cfg    config.PlannerConfig
	logger *slog.Logger
}

// New creates a planner.
func New(prices PriceAPI, router RouteSource, cfg config.PlannerConfig, logger *slog.Logger) *Planner {
	return &Planner{
		prices: prices,
		router: router,
		cfg:    cfg,
		logger: logger.With("component", "planner"),
	}
}

// Plan produces the action list: first liquidations of holdings outside
// the target set, then allocation diffs against the targets. Fiat assets
// other than the quote asset are left untouched.
func (p *Planner) Plan(ctx context.Context, holdings map[string]decimal.Decimal, candidates []types.Candidate, fiat map[string]bool) ([]types.RebalanceAction, []types.TargetAllocation, error) {
	// Work on a projection so liquidation proceeds fund the buys.
	projected := make(map[string]decimal.Decimal, len(holdings))
	for k, v := range holdings {
		projected[k] = v
	}

	equity, prices, err := p.equity(ctx, projected)
	if err != nil {
		return nil, nil, err
	}
	if equity.Sign() <= 0 {
		return nil, nil, fmt.Errorf("plan: portfolio equity is zero")
	}

	targets := p.BuildTargets(candidates, equity)
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t.Asset] = true
	}

	var actions []types.RebalanceAction

	// Liquidation pass: everything held outside the target set goes back
	// to the quote asset, route permitting.
	for asset, amount := range projected {
		if asset == types.QuoteAsset || targetSet[asset] || amount.Sign() <= 0 {
			continue
		}
		if fiat[asset] {
			continue
		}
		route := p.router.RouteFrom(ctx, asset, types.QuoteAsset)
		if route == nil {
			p.logger.Warn("no liquidation route", "asset", asset)
			continue
		}
		actions = append(actions, types.RebalanceAction{
			FromAsset: asset,
			ToAsset:   types.QuoteAsset,
			Amount:    amount,
			Route:     route,
			Reason:    "liquidate_non_target",
		})
		if px, ok := prices[asset]; ok {
			projected[types.QuoteAsset] = projected[types.QuoteAsset].Add(amount.Mul(px))
		}
		projected[asset] = decimal.Zero
	}

	// Allocation pass: move each target toward its desired notional when
	// the drift exceeds the rebalance threshold.
	threshold := decimal.NewFromFloat(p.cfg.RebalanceThreshold)
	for i := range targets {
		t := &targets[i]
		price, err := p.price(ctx, prices, t.Asset)
		if err != nil {
			p.logger.Warn("no price for target, skipping", "asset", t.Asset, "error", err)
			continue
		}

		current := projected[t.Asset].Mul(price)
		diff := current.Sub(t.QuoteAmount)
		if diff.Abs().Div(equity).LessThanOrEqual(threshold) {
			continue
		}

		if diff.Sign() > 0 {
			// Over-allocated: sell the excess back to the quote asset.
			route := p.router.RouteFrom(ctx, t.Asset, types.QuoteAsset)
			if route == nil {
				p.logger.Warn("no sell route", "asset", t.Asset)
				continue
			}
			amount := diff.Div(price)
			if amount.Sign() <= 0 {
				continue
			}
			actions = append(actions, types.RebalanceAction{
				FromAsset: t.Asset,
				ToAsset:   types.QuoteAsset,
				Amount:    amount,
				Route:     route,
				Reason:    "trim_overweight",
			})
			projected[t.Asset] = projected[t.Asset].Sub(amount)
			projected[types.QuoteAsset] = projected[types.QuoteAsset].Add(diff)
			continue
		}

		// Under-allocated: buy with available quote balance.
		free := projected[types.QuoteAsset]
		if free.Sign() <= 0 {
			continue
		}
		spend := diff.Neg()
		if spend.GreaterThan(free) {
			spend = free
		}
		// The candidate's discovery route starts at whichever held asset
		// reached it; a buy spends the quote asset, so the route must too.
		route := t.Route
		if route == nil || !route.Valid() || route.Steps[0].FromAsset != types.QuoteAsset {
			route = p.router.RouteFrom(ctx, types.QuoteAsset, t.Asset)
		}
		if route == nil {
			p.logger.Warn("no buy route", "asset", t.Asset)
			continue
		}
		actions = append(actions, types.RebalanceAction{
			FromAsset: types.QuoteAsset,
			ToAsset:   t.Asset,
			Amount:    spend,
			Route:     route,
			Reason:    "fill_underweight",
		})
		projected[types.QuoteAsset] = free.Sub(spend)
		projected[t.Asset] = projected[t.Asset].Add(spend.Div(price))
	}

	return actions, targets, nil
}

// BuildTargets applies the weight scheme to the top candidates, dropping
// any whose slot cannot clear the pair minimum while more than one
// candidate remains, and capping slots at the pair maximum.
func (p *Planner) BuildTargets(candidates []types.Candidate, equity decimal.Decimal) []types.TargetAllocation {
	eligible := make([]types.Candidate, 0, maxTargets)
	for _, c := range candidates {
		eligible = append(eligible, c)
		if len(eligible) == maxTargets {
			break
		}
	}

	for len(eligible) > 0 {
		weights := weightSchemes[len(eligible)]
		targets := make([]types.TargetAllocation, 0, len(eligible))
		dropped := -1

		for i, c := range eligible {
			quoteAmount := equity.Mul(decimal.NewFromFloat(weights[i]))
			if quoteAmount.LessThan(c.MinQuote) && len(eligible) > 1 {
				dropped = i
				break
			}
			if c.MaxQuote.Sign() > 0 && quoteAmount.GreaterThan(c.MaxQuote) {
				quoteAmount = c.MaxQuote
			}
			cc := c
			targets = append(targets, types.TargetAllocation{
				Asset:       c.Base,
				Weight:      weights[i],
				QuoteAmount: quoteAmount,
				Route:       c.Route,
				MinQuote:    c.MinQuote,
				MaxQuote:    c.MaxQuote,
				Source:      &cc,
			})
		}

		if dropped < 0 {
			return targets
		}
		eligible = append(eligible[:dropped], eligible[dropped+1:]...)
	}
	return nil
}

// equity values the whole portfolio in the quote asset and returns the
// per-asset prices it used.
func (p *Planner) equity(ctx context.Context, holdings map[string]decimal.Decimal) (decimal.Decimal, map[string]decimal.Decimal, error) {
	total := decimal.Zero
	prices := make(map[string]decimal.Decimal, len(holdings))
	for asset, amount := range holdings {
		if amount.Sign() <= 0 {
			continue
		}
		px, err := p.prices.CrossMidPrice(ctx, asset, types.QuoteAsset)
		if err != nil {
			p.logger.Warn("unpriceable holding ignored", "asset", asset, "error", err)
			continue
		}
		prices[asset] = px
		total = total.Add(amount.Mul(px))
	}
	return total, prices, nil
}

func (p *Planner) price(ctx context.Context, cache map[string]decimal.Decimal, asset string) (decimal.Decimal, error) {
	if px, ok := cache[asset]; ok {
		return px, nil
	}
	px, err := p.prices.CrossMidPrice(ctx, asset, types.QuoteAsset)
	if err != nil {
		return decimal.Zero, err
	}
	cache[asset] = px
	return px, nil
}
