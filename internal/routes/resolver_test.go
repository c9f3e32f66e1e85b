package routes

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/binance"
)

// fakeAPI serves convert pairs and prices from in-memory tables.
type fakeAPI struct {
	pairs  map[string]binance.ConvertPair // "FROM|TO"
	prices map[string]string              // asset → USDT price
	calls  int
}

func (f *fakeAPI) ConvertExchangeInfo(_ context.Context, from, to string) ([]binance.ConvertPair, error) {
	f.calls++
	if p, ok := f.pairs[from+"|"+to]; ok {
		return []binance.ConvertPair{p}, nil
	}
	return nil, nil
}

func (f *fakeAPI) CrossMidPrice(_ context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if p, ok := f.prices[from]; ok && to == "USDT" {
		return decimal.RequireFromString(p), nil
	}
	return decimal.Zero, binance.ErrNoPrice
}

func pair(from, to string) binance.ConvertPair {
	return binance.ConvertPair{
		FromAsset:          from,
		ToAsset:            to,
		FromAssetMinAmount: decimal.RequireFromString("0.001"),
		FromAssetMaxAmount: decimal.RequireFromString("1000"),
	}
}

func newTestResolver(f *fakeAPI) *Resolver {
	return NewResolver(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func holdings(m map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = decimal.RequireFromString(v)
	}
	return out
}

func TestResolvePrefersDirectPair(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		pairs: map[string]binance.ConvertPair{
			"BNB|SOL": pair("BNB", "SOL"),
		},
		prices: map[string]string{"ETH": "3000", "BNB": "600"},
	}
	r := newTestResolver(f)

	route := r.Resolve(t.Context(), holdings(map[string]string{"ETH": "1", "BNB": "5"}), "SOL")
	if route == nil {
		t.Fatal("expected a route")
	}
	if !route.Direct() || route.Steps[0].FromAsset != "BNB" {
		t.Errorf("route = %s, want direct BNB -> SOL", route.Describe())
	}
}

func TestResolvePicksLargestValuationForDirect(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		pairs: map[string]binance.ConvertPair{
			"ETH|SOL": pair("ETH", "SOL"),
			"BNB|SOL": pair("BNB", "SOL"),
		},
		prices: map[string]string{"ETH": "3000", "BNB": "600"},
	}
	r := newTestResolver(f)

	// 1 ETH = 3000 USDT beats 2 BNB = 1200 USDT.
	route := r.Resolve(t.Context(), holdings(map[string]string{"ETH": "1", "BNB": "2"}), "SOL")
	if route == nil || route.Steps[0].FromAsset != "ETH" {
		t.Fatalf("route = %v, want from ETH", route)
	}
}

func TestResolveFallsBackToHub(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		pairs: map[string]binance.ConvertPair{
			"ETH|USDT": pair("ETH", "USDT"),
			"USDT|SOL": pair("USDT", "SOL"),
		},
		prices: map[string]string{"ETH": "3000", "BNB": "600"},
	}
	r := newTestResolver(f)

	route := r.Resolve(t.Context(), holdings(map[string]string{"ETH": "1", "BNB": "5"}), "SOL")
	if route == nil {
		t.Fatal("expected a hub route")
	}
	if got := route.Describe(); got != "ETH -> USDT -> SOL" {
		t.Errorf("route = %s, want ETH -> USDT -> SOL", got)
	}
	if !route.Valid() {
		t.Error("hub route must chain")
	}
}

func TestResolveHeldHubShortCircuits(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		pairs: map[string]binance.ConvertPair{
			"USDT|SOL": pair("USDT", "SOL"),
		},
		prices: map[string]string{"USDT": "1"},
	}
	r := newTestResolver(f)

	route := r.Resolve(t.Context(), holdings(map[string]string{"USDT": "100"}), "SOL")
	if route == nil || !route.Direct() {
		t.Fatalf("route = %v, want direct USDT -> SOL", route)
	}
}

func TestResolveNone(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{pairs: map[string]binance.ConvertPair{}, prices: map[string]string{}}
	r := newTestResolver(f)
	if route := r.Resolve(t.Context(), holdings(map[string]string{"XYZ": "1"}), "SOL"); route != nil {
		t.Errorf("route = %s, want none", route.Describe())
	}
}

func TestRouteFromAndExists(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		pairs: map[string]binance.ConvertPair{
			"ETH|USDT": pair("ETH", "USDT"),
			"USDT|SOL": pair("USDT", "SOL"),
		},
		prices: map[string]string{},
	}
	r := newTestResolver(f)

	route := r.RouteFrom(t.Context(), "ETH", "SOL")
	if route == nil || route.Describe() != "ETH -> USDT -> SOL" {
		t.Fatalf("route = %v", route)
	}
	if !r.RouteExists(t.Context(), "ETH", "SOL") {
		t.Error("RouteExists should be true")
	}
	if r.RouteExists(t.Context(), "SOL", "ETH") {
		t.Error("no reverse pairs configured")
	}
}

func TestPairMemoization(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		pairs:  map[string]binance.ConvertPair{"ETH|SOL": pair("ETH", "SOL")},
		prices: map[string]string{},
	}
	r := newTestResolver(f)

	for i := 0; i < 4; i++ {
		r.RouteExists(t.Context(), "ETH", "SOL")
	}
	if f.calls != 1 {
		t.Errorf("exchangeInfo calls = %d, want 1 (memoized)", f.calls)
	}

	r.ResetCycle()
	r.RouteExists(t.Context(), "ETH", "SOL")
	if f.calls != 2 {
		t.Errorf("calls after reset = %d, want 2", f.calls)
	}
}
