// Package guard watches drawdowns against observed peaks and produces
// forced liquidations when a position or the whole portfolio falls too
// far. The portfolio check supersedes per-asset checks: when it fires,
// everything non-quote is liquidated in one pass.
package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/config"
	"convert-rotator/pkg/types"
)

// Liquidation reasons recorded on guard actions.
const (
	ReasonAssetDrawdown     = "guard_asset_drawdown"
	ReasonPortfolioDrawdown = "guard_portfolio_drawdown"
)

// PriceAPI values assets in the quote currency.
type PriceAPI interface {
	CrossMidPrice(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error)
}

// RouteSource resolves convert routes for forced liquidations.
type RouteSource interface {
	RouteFrom(ctx context.Context, from, target string) *types.ConvertRoute
}

// Guard evaluates drawdown thresholds.
type Guard struct {
	prices PriceAPI
	router RouteSource
	cfg    config.GuardConfig
	logger *slog.Logger
}

// New creates a guard.
func New(prices PriceAPI, router RouteSource, cfg config.GuardConfig, logger *slog.Logger) *Guard {
	return &Guard{
		prices: prices,
		router: router,
		cfg:    cfg,
		logger: logger.With("component", "guard"),
	}
}

// Assessment is the outcome of one guard pass.
type Assessment struct {
	Equity             decimal.Decimal
	PortfolioTriggered bool
	AssetTriggers      []string
	Pause              bool // severe portfolio drawdown: stop the loop
	SoftRisk           bool // moderate drawdown: shrink the request budget
	Actions            []types.RebalanceAction
}

// Assess prices the holdings, advances the peaks in st, and returns the
// liquidations the drawdown rules demand. st is mutated (peaks and
// timestamp); the caller persists it.
func (g *Guard) Assess(ctx context.Context, st *types.PositionState, holdings map[string]decimal.Decimal, fiat map[string]bool, nowMS int64) (*Assessment, error) {
	prices := make(map[string]decimal.Decimal, len(holdings))
	equity := decimal.Zero
	for asset, amount := range holdings {
		if amount.Sign() <= 0 {
			continue
		}
		px, err := g.prices.CrossMidPrice(ctx, asset, types.QuoteAsset)
		if err != nil {
			return nil, fmt.Errorf("guard: price %s: %w", asset, err)
		}
		prices[asset] = px
		equity = equity.Add(amount.Mul(px))
	}

	// Peaks only rise here; a drop leaves the old peak for the checks
	// below.
	for asset, px := range prices {
		if asset == types.QuoteAsset || fiat[asset] {
			continue
		}
		if peak, ok := st.Peaks[asset]; !ok || px.GreaterThan(peak) {
			st.Peaks[asset] = px
		}
	}
	if equity.GreaterThan(st.PortfolioPeak) {
		st.PortfolioPeak = equity
	}
	st.Assets = holdings
	st.TS = nowMS

	a := &Assessment{Equity: equity}
	a.Pause = breached(equity, st.PortfolioPeak, g.cfg.Pause)
	a.SoftRisk = breached(equity, st.PortfolioPeak, g.cfg.SoftRisk)

	if breached(equity, st.PortfolioPeak, g.cfg.Drawdown) {
		a.PortfolioTriggered = true
		a.Actions = g.liquidateAll(ctx, holdings, fiat, ReasonPortfolioDrawdown)
		g.logger.Warn("portfolio drawdown triggered",
			"equity", equity, "peak", st.PortfolioPeak, "actions", len(a.Actions))
		return a, nil
	}

	for asset, px := range prices {
		if asset == types.QuoteAsset || fiat[asset] {
			continue
		}
		peak := st.Peaks[asset]
		if !breached(px, peak, g.cfg.Drawdown) {
			continue
		}
		a.AssetTriggers = append(a.AssetTriggers, asset)
		route := g.router.RouteFrom(ctx, asset, types.QuoteAsset)
		if route == nil {
			g.logger.Error("drawdown breached but no liquidation route", "asset", asset)
			continue
		}
		a.Actions = append(a.Actions, types.RebalanceAction{
			FromAsset: asset,
			ToAsset:   types.QuoteAsset,
			Amount:    holdings[asset],
			Route:     route,
			Reason:    ReasonAssetDrawdown,
		})
		g.logger.Warn("asset drawdown triggered", "asset", asset, "price", px, "peak", peak)
	}
	return a, nil
}

// liquidateAll builds a sell-everything action list.
func (g *Guard) liquidateAll(ctx context.Context, holdings map[string]decimal.Decimal, fiat map[string]bool, reason string) []types.RebalanceAction {
	var actions []types.RebalanceAction
	for asset, amount := range holdings {
		if asset == types.QuoteAsset || fiat[asset] || amount.Sign() <= 0 {
			continue
		}
		route := g.router.RouteFrom(ctx, asset, types.QuoteAsset)
		if route == nil {
			g.logger.Error("no liquidation route", "asset", asset)
			continue
		}
		actions = append(actions, types.RebalanceAction{
			FromAsset: asset,
			ToAsset:   types.QuoteAsset,
			Amount:    amount,
			Route:     route,
			Reason:    reason,
		})
	}
	return actions
}

// PostLiquidationState builds the fresh baseline persisted after guard
// liquidations execute: peaks restart from the surviving holdings.
func PostLiquidationState(ctx context.Context, prices PriceAPI, holdings map[string]decimal.Decimal, nowMS int64) *types.PositionState {
	st := types.NewPositionState()
	st.TS = nowMS
	equity := decimal.Zero
	for asset, amount := range holdings {
		if amount.Sign() <= 0 {
			continue
		}
		st.Assets[asset] = amount
		px, err := prices.CrossMidPrice(ctx, asset, types.QuoteAsset)
		if err != nil {
			continue
		}
		if asset != types.QuoteAsset {
			st.Peaks[asset] = px
		}
		equity = equity.Add(amount.Mul(px))
	}
	st.PortfolioPeak = equity
	return st
}

// breached reports whether current has fallen to or below peak reduced by
// the threshold fraction. A zero peak or threshold never breaches.
func breached(current, peak decimal.Decimal, threshold float64) bool {
	if threshold <= 0 || peak.Sign() <= 0 {
		return false
	}
	floor := peak.Mul(decimal.NewFromFloat(1 - threshold))
	return current.LessThanOrEqual(floor)
}
