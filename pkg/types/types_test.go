package types

import (
	"testing"
	"time"
)

func TestNormalizeAsset(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"btc", "BTC", true},
		{" eth ", "ETH", true},
		{"BTCUP", "BTCUP", false},
		{"ETHDOWN", "ETHDOWN", false},
		{"ADABULL", "ADABULL", false},
		{"XRPBEAR", "XRPBEAR", false},
		{"SOL5L", "SOL5L", false},
		{"SOL5S", "SOL5S", false},
		{"BTCPERP", "BTCPERP", false},
		{"", "", false},
		{"UP", "UP", true}, // suffix must be a proper suffix, not the whole symbol
	}
	for _, c := range cases {
		got, ok := NormalizeAsset(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("NormalizeAsset(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestRouteValid(t *testing.T) {
	t.Parallel()
	direct := ConvertRoute{Steps: []RouteStep{{FromAsset: "ETH", ToAsset: "SOL"}}}
	if !direct.Valid() || !direct.Direct() {
		t.Error("direct route should be valid and direct")
	}

	hub := ConvertRoute{Steps: []RouteStep{
		{FromAsset: "ETH", ToAsset: "USDT"},
		{FromAsset: "USDT", ToAsset: "SOL"},
	}}
	if !hub.Valid() || hub.Direct() {
		t.Error("two-leg route should be valid and not direct")
	}
	if got := hub.Describe(); got != "ETH -> USDT -> SOL" {
		t.Errorf("Describe() = %q", got)
	}

	broken := ConvertRoute{Steps: []RouteStep{
		{FromAsset: "ETH", ToAsset: "USDT"},
		{FromAsset: "BTC", ToAsset: "SOL"},
	}}
	if broken.Valid() {
		t.Error("non-chaining route should be invalid")
	}
	if (ConvertRoute{}).Valid() {
		t.Error("empty route should be invalid")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []OrderStatus{OrderSuccess, OrderFail, OrderExpired, OrderCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if OrderProcess.Terminal() {
		t.Error("PROCESS should not be terminal")
	}
}

func TestQuoteExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := Quote{ValidTimestamp: now.Add(10 * time.Second).UnixMilli()}
	if q.Expired(now) {
		t.Error("future validTimestamp should not be expired")
	}
	q.ValidTimestamp = now.Add(-time.Millisecond).UnixMilli()
	if !q.Expired(now) {
		t.Error("past validTimestamp should be expired")
	}
}
