package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/binance"
	"convert-rotator/internal/config"
	"convert-rotator/pkg/types"
)

// fakeAPI scripts quote/accept/status behavior per call index.
type fakeAPI struct {
	counters *binance.CycleCounters
	dryRun   bool

	quoteCalls   int
	quoteAmounts []decimal.Decimal
	quoteValid   map[int]int64 // call index → validTimestamp override
	quoteErr     error

	acceptCalls int
	acceptErrs  map[int]error // call index → error
	orderID     string

	statusCalls int
	statusSeq   []types.OrderStatus
	statusErr   error

	flow      []types.TradeFlowRecord
	flowCalls int
}

func (f *fakeAPI) GetQuote(_ context.Context, from, to string, amount decimal.Decimal, _ types.Wallet) (*types.Quote, error) {
	idx := f.quoteCalls
	f.quoteCalls++
	f.quoteAmounts = append(f.quoteAmounts, amount)
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	valid := time.Now().Add(time.Minute).UnixMilli()
	if v, ok := f.quoteValid[idx]; ok {
		valid = v
	}
	return &types.Quote{
		QuoteID:        fmt.Sprintf("q%d", idx+1),
		FromAsset:      from,
		ToAsset:        to,
		FromAmount:     amount,
		ToAmount:       amount.Mul(decimal.NewFromInt(2)),
		Ratio:          decimal.NewFromInt(2),
		ValidTimestamp: valid,
	}, nil
}

func (f *fakeAPI) AcceptQuote(context.Context, string) (*types.AcceptResult, error) {
	idx := f.acceptCalls
	f.acceptCalls++
	if err, ok := f.acceptErrs[idx]; ok {
		return nil, err
	}
	id := f.orderID
	if id == "" {
		id = "ord-1"
	}
	return &types.AcceptResult{OrderID: id, OrderStatus: string(types.OrderProcess)}, nil
}

func (f *fakeAPI) OrderStatus(_ context.Context, orderID, _ string) (*types.Order, error) {
	idx := f.statusCalls
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := types.OrderSuccess
	if len(f.statusSeq) > 0 {
		if idx >= len(f.statusSeq) {
			idx = len(f.statusSeq) - 1
		}
		status = f.statusSeq[idx]
	}
	last := f.quoteAmounts[len(f.quoteAmounts)-1]
	return &types.Order{
		OrderID:    orderID,
		Status:     status,
		FromAmount: last,
		ToAmount:   last.Mul(decimal.NewFromInt(2)),
	}, nil
}

func (f *fakeAPI) TradeFlow(context.Context, int64, int64, int, string) ([]types.TradeFlowRecord, string, error) {
	f.flowCalls++
	return f.flow, "", nil
}

func (f *fakeAPI) Counters() *binance.CycleCounters { return f.counters }
func (f *fakeAPI) DryRun() bool                     { return f.dryRun }

type memHistory struct {
	recs []types.HistoryRecord
}

func (m *memHistory) Append(rec types.HistoryRecord) error {
	m.recs = append(m.recs, rec)
	return nil
}

func newFake() *fakeAPI {
	return &fakeAPI{
		counters:   binance.NewCycleCounters(0, 0),
		quoteValid: map[int]int64{},
		acceptErrs: map[int]error{},
	}
}

func newTestExecutor(f ConvertAPI, h HistorySink) *Executor {
	e := New(f, nil, h, config.ExecConfig{}, config.ScoringConfig{}, types.WalletSpot,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.pollInterval = time.Millisecond
	e.pollMax = 100 * time.Millisecond
	return e
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func directAction(amount string) types.RebalanceAction {
	return types.RebalanceAction{
		FromAsset: "USDT",
		ToAsset:   "SOL",
		Amount:    dec(amount),
		Route: &types.ConvertRoute{
			Steps:    []types.RouteStep{{FromAsset: "USDT", ToAsset: "SOL"}},
			MinQuote: dec("10"),
			MaxQuote: dec("5000"),
		},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.statusSeq = []types.OrderStatus{types.OrderProcess, types.OrderSuccess}
	h := &memHistory{}

	out := newTestExecutor(f, h).Execute(context.Background(), directAction("100"), Metadata{Score: 5.5})
	if out.Err != nil {
		t.Fatalf("Execute: %v", out.Err)
	}
	if !out.Executed || !out.Received.Equal(dec("200")) {
		t.Errorf("outcome = %+v", out)
	}
	if f.quoteCalls != 1 || f.acceptCalls != 1 {
		t.Errorf("quote/accept calls = %d/%d, want 1/1", f.quoteCalls, f.acceptCalls)
	}
	if f.statusCalls != 2 {
		t.Errorf("status polls = %d, want 2 (PROCESS then SUCCESS)", f.statusCalls)
	}
	if len(h.recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(h.recs))
	}
	rec := h.recs[0]
	if !rec.Accepted || rec.FromToken != "USDT" || rec.ToToken != "SOL" || rec.Score != 5.5 {
		t.Errorf("history = %+v", rec)
	}
}

func TestExecuteRequotesExpiredQuoteOnce(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.quoteValid[0] = time.Now().Add(-time.Second).UnixMilli() // first quote dead on arrival

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err != nil {
		t.Fatalf("Execute: %v", out.Err)
	}
	if f.quoteCalls != 2 {
		t.Errorf("quote calls = %d, want 2 (original + one re-quote)", f.quoteCalls)
	}
	if f.acceptCalls != 1 {
		t.Errorf("accept calls = %d, want 1", f.acceptCalls)
	}
}

func TestExecuteRequotesOnAcceptExpiry(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.acceptErrs[0] = &binance.APIError{Msg: "quote expired", Kind: binance.KindQuoteExpired}

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err != nil {
		t.Fatalf("Execute: %v", out.Err)
	}
	if f.quoteCalls != 2 || f.acceptCalls != 2 {
		t.Errorf("quote/accept calls = %d/%d, want 2/2", f.quoteCalls, f.acceptCalls)
	}
}

func TestExecuteGivesUpAfterSecondExpiry(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.quoteValid[0] = time.Now().Add(-time.Second).UnixMilli()
	f.quoteValid[1] = time.Now().Add(-time.Second).UnixMilli()
	h := &memHistory{}

	out := newTestExecutor(f, h).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err == nil {
		t.Fatal("expected failure after second expired quote")
	}
	if binance.KindOf(out.Err) != binance.KindQuoteExpired {
		t.Errorf("kind = %v, want quote expired", binance.KindOf(out.Err))
	}
	if f.quoteCalls != 2 || f.acceptCalls != 0 {
		t.Errorf("quote/accept calls = %d/%d, want 2/0", f.quoteCalls, f.acceptCalls)
	}
	if len(h.recs) != 1 || h.recs[0].Accepted {
		t.Errorf("history = %+v, want one rejected record", h.recs)
	}
}

func TestExecuteRefusesBelowMinimum(t *testing.T) {
	t.Parallel()
	f := newFake()
	h := &memHistory{}

	out := newTestExecutor(f, h).Execute(context.Background(), directAction("5"), Metadata{})
	if !errors.Is(out.Err, ErrBelowMinimum) {
		t.Fatalf("err = %v, want ErrBelowMinimum", out.Err)
	}
	if f.quoteCalls != 0 {
		t.Errorf("quote calls = %d, want 0", f.quoteCalls)
	}
	if len(h.recs) != 1 || h.recs[0].Accepted {
		t.Errorf("history = %+v", h.recs)
	}
}

func TestExecuteCapsAtMaximum(t *testing.T) {
	t.Parallel()
	f := newFake()

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("9000"), Metadata{})
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if !f.quoteAmounts[0].Equal(dec("5000")) {
		t.Errorf("quoted amount = %s, want 5000 (route max)", f.quoteAmounts[0])
	}
}

func TestExecuteFloorsAmount(t *testing.T) {
	t.Parallel()
	f := newFake()

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("100.123456789"), Metadata{})
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if !f.quoteAmounts[0].Equal(dec("100.12345678")) {
		t.Errorf("quoted amount = %s, want floored to 8 decimals", f.quoteAmounts[0])
	}
}

func TestExecuteThrottledStopsBatch(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.counters = binance.NewCycleCounters(legWeight-1, 0) // nothing fits

	outs := newTestExecutor(f, nil).ExecuteAll(context.Background(),
		[]types.RebalanceAction{directAction("100"), directAction("100"), directAction("100")},
		nil)
	if len(outs) != 1 {
		t.Fatalf("outcomes = %d, want 1 (batch stops on throttle)", len(outs))
	}
	if !errors.Is(outs[0].Err, ErrThrottled) {
		t.Errorf("err = %v, want ErrThrottled", outs[0].Err)
	}
	if f.quoteCalls != 0 {
		t.Errorf("quote calls = %d, want 0", f.quoteCalls)
	}
}

func TestExecuteReconcilesLostAccept(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.acceptErrs[0] = errors.New("connection reset") // transport error: transient
	f.flow = []types.TradeFlowRecord{{
		QuoteID:     "q1",
		OrderID:     "flow-ord",
		OrderStatus: types.OrderProcess,
		FromAsset:   "USDT",
		ToAsset:     "SOL",
	}}
	f.statusSeq = []types.OrderStatus{types.OrderSuccess}

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err != nil {
		t.Fatalf("Execute: %v", out.Err)
	}
	if f.flowCalls == 0 {
		t.Error("expected a trade flow lookup")
	}
	if len(out.Orders) != 1 || out.Orders[0].OrderID != "flow-ord" {
		t.Errorf("orders = %+v, want reconciled flow-ord", out.Orders)
	}
}

func TestExecuteFailsWhenReconcileFindsNothing(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.acceptErrs[0] = errors.New("connection reset")

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err == nil {
		t.Fatal("expected failure when the accept is truly lost")
	}
	if f.flowCalls == 0 {
		t.Error("expected a trade flow lookup")
	}
}

// emptyAcceptAPI accepts quotes but hands back no orderId.
type emptyAcceptAPI struct {
	*fakeAPI
}

func (g *emptyAcceptAPI) AcceptQuote(context.Context, string) (*types.AcceptResult, error) {
	g.acceptCalls++
	return &types.AcceptResult{OrderID: ""}, nil
}

func TestExecuteMissingOrderIDIsTerminal(t *testing.T) {
	t.Parallel()
	g := &emptyAcceptAPI{fakeAPI: newFake()}

	out := newTestExecutor(g, nil).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err == nil {
		t.Fatal("expected failure on missing orderId")
	}
	if g.statusCalls != 0 {
		t.Error("no polling should happen without an orderId")
	}
}

func TestExecutePollTimeout(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.statusSeq = []types.OrderStatus{types.OrderProcess} // never settles

	e := newTestExecutor(f, nil)
	e.pollMax = 5 * time.Millisecond

	out := e.Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err == nil {
		t.Fatal("expected a poll timeout failure")
	}
	if out.Executed {
		t.Error("unsettled order must not count as executed")
	}
}

func TestExecuteTerminalFailureStatus(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.statusSeq = []types.OrderStatus{types.OrderFail}

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err == nil || out.Executed {
		t.Fatalf("outcome = %+v, want failure on FAIL status", out)
	}
}

func TestExecuteDryRunSkipsPolling(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.dryRun = true
	f.orderID = "dry-run-q1"

	out := newTestExecutor(f, nil).Execute(context.Background(), directAction("100"), Metadata{})
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if f.statusCalls != 0 {
		t.Errorf("status polls = %d, want 0 in dry-run", f.statusCalls)
	}
	if !out.Executed || !out.Received.Equal(dec("200")) {
		t.Errorf("outcome = %+v", out)
	}
}

// fakeRef serves scripted mid references and candles for edge scoring.
type fakeRef struct {
	mids   map[string]string // "FROM|TO" → mid price
	klines []binance.Kline
}

func (r *fakeRef) CrossMidPrice(_ context.Context, from, to string) (decimal.Decimal, error) {
	if m, ok := r.mids[from+"|"+to]; ok {
		return dec(m), nil
	}
	return decimal.Zero, errors.New("no mid")
}

func (r *fakeRef) Klines(context.Context, string, string, int) ([]binance.Kline, error) {
	return r.klines, nil
}

func TestExecuteScoresQuoteAgainstMidReference(t *testing.T) {
	t.Parallel()
	f := newFake()
	h := &memHistory{}

	ref := &fakeRef{
		mids: map[string]string{
			"USDT|SOL": "1.9", // quote ratio 2 → edge (2−1.9)/1.9
			"SOL|USDT": "100",
		},
		klines: []binance.Kline{
			{High: dec("110"), Low: dec("95")},
			{High: dec("108"), Low: dec("99")},
		},
	}
	scoring := config.ScoringConfig{Edge: 1.0, Liquidity: 0.1, Momentum: 0.1, Spread: 0.1, Volatility: 0.1}
	e := New(f, ref, h, config.ExecConfig{}, scoring, types.WalletSpot,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.pollInterval = time.Millisecond
	e.pollMax = 100 * time.Millisecond

	meta := Metadata{Score: 5.5, Liquidity: 2, Momentum: 1.1, SpreadBps: 3, ProbUp: 0.55}
	out := e.Execute(context.Background(), directAction("100"), meta)
	if out.Err != nil {
		t.Fatalf("Execute: %v", out.Err)
	}
	if len(h.recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(h.recs))
	}
	rec := h.recs[0]
	if rec.ProbUp != 0.55 {
		t.Errorf("prob_up = %v, want 0.55", rec.ProbUp)
	}

	// edge + 0.1·liquidity + 0.1·momentum − 0.1·spread − 0.1·volatility,
	// with edge = 0.1/1.9 and volatility = (110−95)/100.
	edge := 0.1 / 1.9
	want := edge + 0.1*2 + 0.1*1.1 - 0.1*3 - 0.1*0.15
	if diff := rec.ExpectedProfit - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected_profit = %v, want %v", rec.ExpectedProfit, want)
	}
}

func TestExecuteAllAppliesPerAssetMetadata(t *testing.T) {
	t.Parallel()
	f := newFake()
	h := &memHistory{}

	sell := types.RebalanceAction{
		FromAsset: "ETH",
		ToAsset:   "USDT",
		Amount:    dec("100"),
		Route: &types.ConvertRoute{
			Steps: []types.RouteStep{{FromAsset: "ETH", ToAsset: "USDT"}},
		},
	}
	meta := map[string]Metadata{
		"SOL": {Score: 9, ProbUp: 0.6},
		"ETH": {Score: 4, ProbUp: 0.4},
	}

	outs := newTestExecutor(f, h).ExecuteAll(context.Background(),
		[]types.RebalanceAction{directAction("100"), sell}, meta)
	if len(outs) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outs))
	}
	if len(h.recs) != 2 {
		t.Fatalf("history records = %d, want 2", len(h.recs))
	}
	// The buy keys on the target asset, the sell on the asset leaving.
	if h.recs[0].Score != 9 || h.recs[0].ProbUp != 0.6 {
		t.Errorf("buy record = %+v, want SOL metadata", h.recs[0])
	}
	if h.recs[1].Score != 4 || h.recs[1].ProbUp != 0.4 {
		t.Errorf("sell record = %+v, want ETH metadata", h.recs[1])
	}
}

func TestExecuteChainsMultiLegProceeds(t *testing.T) {
	t.Parallel()
	f := newFake()

	action := types.RebalanceAction{
		FromAsset: "ETH",
		ToAsset:   "SOL",
		Amount:    dec("100"),
		Route: &types.ConvertRoute{
			Steps: []types.RouteStep{
				{FromAsset: "ETH", ToAsset: "USDT"},
				{FromAsset: "USDT", ToAsset: "SOL"},
			},
		},
	}
	out := newTestExecutor(f, nil).Execute(context.Background(), action, Metadata{})
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if len(out.Orders) != 2 {
		t.Fatalf("orders = %d, want 2 legs", len(out.Orders))
	}
	// Each leg doubles: 100 ETH → 200 USDT → 400 SOL.
	if !f.quoteAmounts[1].Equal(dec("200")) {
		t.Errorf("second leg amount = %s, want 200 (first leg proceeds)", f.quoteAmounts[1])
	}
	if !out.Received.Equal(dec("400")) {
		t.Errorf("received = %s, want 400", out.Received)
	}
}
