package guard

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/config"
	"convert-rotator/pkg/types"
)

type fakePrices struct {
	prices map[string]string
}

func (f *fakePrices) CrossMidPrice(_ context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if p, ok := f.prices[from]; ok && to == types.QuoteAsset {
		return decimal.RequireFromString(p), nil
	}
	return decimal.Zero, context.Canceled
}

type fakeRoutes struct{}

func (fakeRoutes) RouteFrom(_ context.Context, from, target string) *types.ConvertRoute {
	return &types.ConvertRoute{
		Steps: []types.RouteStep{{FromAsset: from, ToAsset: target}},
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestGuard(p *fakePrices) *Guard {
	cfg := config.GuardConfig{Drawdown: 0.15, Pause: 0.25, SoftRisk: 0.10}
	return New(p, fakeRoutes{}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func holdings(m map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = decimal.RequireFromString(v)
	}
	return out
}

func TestAssessRaisesPeaks(t *testing.T) {
	t.Parallel()
	p := &fakePrices{prices: map[string]string{"USDT": "1", "SOL": "160"}}
	g := newTestGuard(p)

	st := types.NewPositionState()
	st.Peaks["SOL"] = dec("150")
	st.PortfolioPeak = dec("1000")

	a, err := g.Assess(context.Background(), st, holdings(map[string]string{"SOL": "10"}), nil, 1)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !st.Peaks["SOL"].Equal(dec("160")) {
		t.Errorf("SOL peak = %s, want raised to 160", st.Peaks["SOL"])
	}
	if !st.PortfolioPeak.Equal(dec("1600")) {
		t.Errorf("portfolio peak = %s, want 1600", st.PortfolioPeak)
	}
	if len(a.Actions) != 0 || a.Pause || a.SoftRisk {
		t.Errorf("assessment = %+v, want clean", a)
	}
}

func TestAssetDrawdownAtExactBoundaryTriggers(t *testing.T) {
	t.Parallel()
	// Peak 100, price exactly 85: 15% drop must liquidate.
	p := &fakePrices{prices: map[string]string{"USDT": "1", "SOL": "85"}}
	g := newTestGuard(p)

	st := types.NewPositionState()
	st.Peaks["SOL"] = dec("100")
	st.PortfolioPeak = dec("850") // equity equals peak: portfolio rule silent

	a, err := g.Assess(context.Background(), st, holdings(map[string]string{"SOL": "10"}), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.AssetTriggers) != 1 || a.AssetTriggers[0] != "SOL" {
		t.Fatalf("triggers = %v, want SOL", a.AssetTriggers)
	}
	if len(a.Actions) != 1 {
		t.Fatalf("actions = %+v", a.Actions)
	}
	act := a.Actions[0]
	if act.FromAsset != "SOL" || act.ToAsset != "USDT" || !act.Amount.Equal(dec("10")) {
		t.Errorf("action = %+v, want full SOL liquidation", act)
	}
	if act.Reason != ReasonAssetDrawdown {
		t.Errorf("reason = %s", act.Reason)
	}
}

func TestAssetAboveBoundaryDoesNotTrigger(t *testing.T) {
	t.Parallel()
	p := &fakePrices{prices: map[string]string{"USDT": "1", "SOL": "85.01"}}
	g := newTestGuard(p)

	st := types.NewPositionState()
	st.Peaks["SOL"] = dec("100")
	st.PortfolioPeak = dec("850.1")

	a, err := g.Assess(context.Background(), st, holdings(map[string]string{"SOL": "10"}), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Actions) != 0 {
		t.Errorf("actions = %+v, want none just above the boundary", a.Actions)
	}
}

func TestPortfolioDrawdownSupersedesAssetChecks(t *testing.T) {
	t.Parallel()
	// Equity 800 vs portfolio peak 1000: 20% drop fires the portfolio
	// rule and everything non-quote goes, including ETH whose own peak
	// is intact.
	p := &fakePrices{prices: map[string]string{"USDT": "1", "SOL": "50", "ETH": "1000"}}
	g := newTestGuard(p)

	st := types.NewPositionState()
	st.Peaks["SOL"] = dec("100")
	st.Peaks["ETH"] = dec("1000")
	st.PortfolioPeak = dec("1000")

	h := holdings(map[string]string{"SOL": "6", "ETH": "0.5"}) // 300 + 500 = 800
	a, err := g.Assess(context.Background(), st, h, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !a.PortfolioTriggered {
		t.Fatal("portfolio rule should fire")
	}
	var from []string
	for _, act := range a.Actions {
		from = append(from, act.FromAsset)
		if act.Reason != ReasonPortfolioDrawdown {
			t.Errorf("reason = %s, want portfolio drawdown", act.Reason)
		}
	}
	sort.Strings(from)
	if len(from) != 2 || from[0] != "ETH" || from[1] != "SOL" {
		t.Errorf("liquidated = %v, want ETH and SOL", from)
	}
}

func TestPauseAndSoftRiskFlags(t *testing.T) {
	t.Parallel()
	p := &fakePrices{prices: map[string]string{"USDT": "1"}}
	g := newTestGuard(p)

	// Equity 740 vs peak 1000: 26% drop sets both flags.
	st := types.NewPositionState()
	st.PortfolioPeak = dec("1000")
	a, err := g.Assess(context.Background(), st, holdings(map[string]string{"USDT": "740"}), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Pause || !a.SoftRisk {
		t.Errorf("flags = pause:%v soft:%v, want both", a.Pause, a.SoftRisk)
	}

	// 12% drop: soft risk only.
	st2 := types.NewPositionState()
	st2.PortfolioPeak = dec("1000")
	a2, err := g.Assess(context.Background(), st2, holdings(map[string]string{"USDT": "880"}), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a2.Pause || !a2.SoftRisk {
		t.Errorf("flags = pause:%v soft:%v, want soft only", a2.Pause, a2.SoftRisk)
	}
}

func TestQuoteAndFiatExemptFromGuard(t *testing.T) {
	t.Parallel()
	p := &fakePrices{prices: map[string]string{"USDT": "1", "EUR": "0.8", "SOL": "40"}}
	g := newTestGuard(p)

	st := types.NewPositionState()
	st.Peaks["SOL"] = dec("100")
	st.PortfolioPeak = dec("100")

	h := holdings(map[string]string{"USDT": "50", "EUR": "20", "SOL": "1"})
	a, err := g.Assess(context.Background(), st, h, map[string]bool{"EUR": true}, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, act := range a.Actions {
		if act.FromAsset == "USDT" || act.FromAsset == "EUR" {
			t.Errorf("guard must not liquidate %s", act.FromAsset)
		}
	}
	if _, ok := st.Peaks["EUR"]; ok {
		t.Error("fiat must not accrue peaks")
	}
}

func TestPostLiquidationStateRestartsPeaks(t *testing.T) {
	t.Parallel()
	p := &fakePrices{prices: map[string]string{"USDT": "1", "SOL": "80"}}

	st := PostLiquidationState(context.Background(), p,
		holdings(map[string]string{"USDT": "900", "SOL": "1"}), 42)
	if !st.Peaks["SOL"].Equal(dec("80")) {
		t.Errorf("SOL peak = %s, want 80 (fresh baseline)", st.Peaks["SOL"])
	}
	if !st.PortfolioPeak.Equal(dec("980")) {
		t.Errorf("portfolio peak = %s, want 980", st.PortfolioPeak)
	}
	if st.TS != 42 {
		t.Errorf("ts = %d", st.TS)
	}
}
