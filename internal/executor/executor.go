// Package executor drives planned swaps through the Convert quote
// lifecycle: quote, accept, then poll the order to settlement. Each leg
// of a route is one conversion; multi-leg routes feed each leg's proceeds
// into the next. Every action leaves one history record regardless of
// outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/binance"
	"convert-rotator/internal/config"
	"convert-rotator/internal/ranker"
	"convert-rotator/pkg/types"
)

// Leg states, logged as the conversion advances.
const (
	stateIdle     = "IDLE"
	stateQuoted   = "QUOTED"
	stateAccepted = "ACCEPTED"
)

// legWeight is the budget one leg consumes in the worst case before
// polling: one quote plus one accept.
const legWeight = binance.WeightConvertGetQuote + binance.WeightConvertAcceptQuote

// reconcileWindow bounds the tradeFlow lookback after a lost accept
// response.
const reconcileWindow = time.Hour

// ErrThrottled means the per-cycle request budget cannot cover another
// conversion; the remaining actions are skipped this cycle.
var ErrThrottled = errors.New("cycle request budget exhausted")

// ErrBelowMinimum means the action's amount is under the route's minimum
// and the conversion was not attempted.
var ErrBelowMinimum = errors.New("amount below route minimum")

// ConvertAPI is the slice of the Binance client the executor needs.
type ConvertAPI interface {
	GetQuote(ctx context.Context, fromAsset, toAsset string, fromAmount decimal.Decimal, wallet types.Wallet) (*types.Quote, error)
	AcceptQuote(ctx context.Context, quoteID string) (*types.AcceptResult, error)
	OrderStatus(ctx context.Context, orderID, quoteID string) (*types.Order, error)
	TradeFlow(ctx context.Context, startMS, endMS int64, limit int, cursor string) ([]types.TradeFlowRecord, string, error)
	Counters() *binance.CycleCounters
	DryRun() bool
}

// RefAPI values conversions against the public market, for scoring a
// quote's ratio against an observed mid reference.
type RefAPI interface {
	CrossMidPrice(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// HistorySink records one entry per executed (or attempted) action.
type HistorySink interface {
	Append(rec types.HistoryRecord) error
}

// Metadata carries the scoring context of the action into the history
// record. Liquidity, Momentum and SpreadBps describe the action's target
// market; the executor combines them with the live quote's edge and
// volatility into ExpectedProfit.
type Metadata struct {
	Score          float64
	Liquidity      float64
	Momentum       float64
	SpreadBps      float64
	ExpectedProfit float64
	ProbUp         float64
}

// Outcome is the result of executing one action.
type Outcome struct {
	Action   types.RebalanceAction
	Orders   []types.Order // one per settled leg
	Executed bool          // every leg reached SUCCESS
	Received decimal.Decimal
	Err      error
}

// Executor runs rebalance actions against the Convert API.
type Executor struct {
	api     ConvertAPI
	market  RefAPI
	history HistorySink
	scoring config.ScoringConfig
	wallet  types.Wallet
	logger  *slog.Logger

	pollInterval time.Duration
	pollMax      time.Duration
	now          func() time.Time
}

// New creates an executor. market may be nil to skip edge scoring;
// history may be nil when auditing is disabled.
func New(api ConvertAPI, market RefAPI, history HistorySink, cfg config.ExecConfig, scoring config.ScoringConfig, wallet types.Wallet, logger *slog.Logger) *Executor {
	interval := time.Duration(cfg.OrderPollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	max := time.Duration(cfg.OrderPollMaxSec) * time.Second
	if max <= 0 {
		max = 60 * time.Second
	}
	return &Executor{
		api:          api,
		market:       market,
		history:      history,
		scoring:      scoring,
		wallet:       wallet,
		logger:       logger.With("component", "executor"),
		pollInterval: interval,
		pollMax:      max,
		now:          time.Now,
	}
}

// ExecuteAll runs the actions in order, stopping early only when the cycle
// budget runs out. Each action's outcome is independent. meta is keyed by
// the action's target asset and may be nil.
func (e *Executor) ExecuteAll(ctx context.Context, actions []types.RebalanceAction, meta map[string]Metadata) []Outcome {
	outcomes := make([]Outcome, 0, len(actions))
	for _, a := range actions {
		out := e.Execute(ctx, a, metaForAction(meta, a))
		outcomes = append(outcomes, out)
		if errors.Is(out.Err, ErrThrottled) {
			e.logger.Warn("budget exhausted, skipping remaining actions",
				"done", len(outcomes), "total", len(actions))
			break
		}
	}
	return outcomes
}

// Execute runs one action through every leg of its route and writes the
// history record.
func (e *Executor) Execute(ctx context.Context, action types.RebalanceAction, meta Metadata) Outcome {
	out := Outcome{Action: action}

	route := action.Route
	if route == nil || !route.Valid() {
		out.Err = fmt.Errorf("action %s->%s has no valid route", action.FromAsset, action.ToAsset)
		e.record(ctx, out, nil, meta)
		return out
	}

	amount, err := e.boundAmount(action.Amount, route)
	if err != nil {
		out.Err = err
		e.record(ctx, out, nil, meta)
		return out
	}

	var firstQuote *types.Quote
	for i, step := range route.Steps {
		ord, quote, err := e.runLeg(ctx, step.FromAsset, step.ToAsset, amount)
		if firstQuote == nil && quote != nil {
			firstQuote = quote
		}
		if err != nil {
			out.Err = fmt.Errorf("leg %d %s->%s: %w", i+1, step.FromAsset, step.ToAsset, err)
			e.record(ctx, out, firstQuote, meta)
			return out
		}
		out.Orders = append(out.Orders, *ord)
		amount = ord.ToAmount // next leg converts the proceeds
	}

	out.Executed = true
	out.Received = amount
	e.record(ctx, out, firstQuote, meta)
	e.logger.Info("action executed",
		"from", action.FromAsset,
		"to", action.ToAsset,
		"amount", action.Amount,
		"received", out.Received,
		"legs", len(out.Orders),
		"reason", action.Reason,
	)
	return out
}

// boundAmount enforces the route's quote limits: below minimum the action
// is refused, above maximum the amount is capped.
func (e *Executor) boundAmount(amount decimal.Decimal, route *types.ConvertRoute) (decimal.Decimal, error) {
	amount = binance.FloorAmount(amount)
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive amount", ErrBelowMinimum)
	}
	if route.MinQuote.Sign() > 0 && amount.LessThan(route.MinQuote) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, route.MinQuote)
	}
	if route.MaxQuote.Sign() > 0 && amount.GreaterThan(route.MaxQuote) {
		e.logger.Info("amount capped at route maximum", "amount", amount, "max", route.MaxQuote)
		amount = route.MaxQuote
	}
	return amount, nil
}

// runLeg performs one conversion: quote, accept (with a single re-quote on
// expiry), then settlement polling.
func (e *Executor) runLeg(ctx context.Context, from, to string, amount decimal.Decimal) (*types.Order, *types.Quote, error) {
	if !e.api.Counters().Allow(legWeight) {
		return nil, nil, ErrThrottled
	}

	quote, err := e.api.GetQuote(ctx, from, to, amount, e.wallet)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Debug("leg quoted", "state", stateQuoted, "quote_id", quote.QuoteID,
		"from", from, "to", to, "ratio", quote.Ratio)

	requoted := false
	if quote.Expired(e.now()) {
		quote, err = e.requote(ctx, from, to, amount)
		if err != nil {
			return nil, quote, err
		}
		requoted = true
	}

	accept, err := e.api.AcceptQuote(ctx, quote.QuoteID)
	if err != nil && binance.KindOf(err) == binance.KindQuoteExpired && !requoted {
		// The quote died between our expiry check and the accept. One
		// fresh quote, then give up.
		quote, err = e.requote(ctx, from, to, amount)
		if err != nil {
			return nil, quote, err
		}
		accept, err = e.api.AcceptQuote(ctx, quote.QuoteID)
	}
	if err != nil {
		if binance.KindOf(err) == binance.KindTransient {
			// The accept may have landed; check the trade flow before
			// declaring failure.
			if ord := e.reconcile(ctx, quote.QuoteID); ord != nil {
				e.logger.Warn("accept response lost, reconciled via trade flow",
					"quote_id", quote.QuoteID, "order_id", ord.OrderID)
				return e.settle(ctx, ord, quote)
			}
		}
		return nil, quote, err
	}
	if accept.OrderID == "" {
		return nil, quote, fmt.Errorf("accept of quote %s returned no orderId", quote.QuoteID)
	}
	e.logger.Debug("leg accepted", "state", stateAccepted, "order_id", accept.OrderID,
		"duplicate", accept.Duplicate)

	if e.api.DryRun() {
		return &types.Order{
			OrderID:    accept.OrderID,
			QuoteID:    quote.QuoteID,
			Status:     types.OrderSuccess,
			FromAsset:  from,
			ToAsset:    to,
			FromAmount: quote.FromAmount,
			ToAmount:   quote.ToAmount,
			Ratio:      quote.Ratio,
		}, quote, nil
	}

	return e.settle(ctx, &types.Order{OrderID: accept.OrderID, QuoteID: quote.QuoteID}, quote)
}

func (e *Executor) requote(ctx context.Context, from, to string, amount decimal.Decimal) (*types.Quote, error) {
	quote, err := e.api.GetQuote(ctx, from, to, amount, e.wallet)
	if err != nil {
		return nil, err
	}
	if quote.Expired(e.now()) {
		return quote, &binance.APIError{
			Msg:  fmt.Sprintf("re-quoted %s->%s already expired", from, to),
			Kind: binance.KindQuoteExpired,
		}
	}
	return quote, nil
}

// settle polls orderStatus until the order is terminal or the poll budget
// runs out. Only SUCCESS counts as executed.
func (e *Executor) settle(ctx context.Context, ord *types.Order, quote *types.Quote) (*types.Order, *types.Quote, error) {
	deadline := e.now().Add(e.pollMax)
	for {
		got, err := e.api.OrderStatus(ctx, ord.OrderID, "")
		if err != nil {
			e.logger.Warn("orderStatus poll failed", "order_id", ord.OrderID, "error", err)
		} else {
			ord = got
			if ord.Status.Terminal() {
				if ord.Status != types.OrderSuccess {
					return ord, quote, fmt.Errorf("order %s ended %s", ord.OrderID, ord.Status)
				}
				return ord, quote, nil
			}
		}

		if !e.now().Add(e.pollInterval).Before(deadline) {
			return ord, quote, fmt.Errorf("order %s not settled after %s", ord.OrderID, e.pollMax)
		}
		select {
		case <-ctx.Done():
			return ord, quote, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// reconcile searches the recent trade flow for an order created from the
// given quote. Returns nil when no trace is found.
func (e *Executor) reconcile(ctx context.Context, quoteID string) *types.Order {
	end := e.now().UnixMilli()
	start := e.now().Add(-reconcileWindow).UnixMilli()

	cursor := ""
	for page := 0; page < 5; page++ {
		records, next, err := e.api.TradeFlow(ctx, start, end, 100, cursor)
		if err != nil {
			e.logger.Warn("trade flow reconciliation failed", "error", err)
			return nil
		}
		for _, rec := range records {
			if rec.QuoteID == quoteID {
				return &types.Order{
					OrderID:    rec.OrderID,
					QuoteID:    rec.QuoteID,
					CreateTime: rec.CreateTime,
					Status:     rec.OrderStatus,
					FromAsset:  rec.FromAsset,
					ToAsset:    rec.ToAsset,
					FromAmount: rec.FromAmount,
					ToAmount:   rec.ToAmount,
					Ratio:      rec.Ratio,
				}
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	return nil
}

// metaForAction looks up the metadata for the action's target asset, the
// non-quote side of the swap.
func metaForAction(meta map[string]Metadata, a types.RebalanceAction) Metadata {
	if meta == nil {
		return Metadata{}
	}
	target := a.ToAsset
	if target == types.QuoteAsset {
		target = a.FromAsset
	}
	return meta[target]
}

// scoreQuote fills ExpectedProfit from the composite model: the quote's
// edge against the observed mid plus the candidate components carried in
// meta, less the target's short-horizon volatility.
func (e *Executor) scoreQuote(ctx context.Context, a types.RebalanceAction, quote *types.Quote, meta Metadata) Metadata {
	if e.market == nil {
		return meta
	}
	mid, err := e.market.CrossMidPrice(ctx, a.FromAsset, a.ToAsset)
	if err != nil || mid.Sign() <= 0 {
		e.logger.Debug("no mid reference for edge", "from", a.FromAsset, "to", a.ToAsset, "error", err)
		return meta
	}
	edge := ranker.Edge(quote.Ratio, mid)

	target := a.ToAsset
	if target == types.QuoteAsset {
		target = a.FromAsset
	}
	vol := 0.0
	if target != types.QuoteAsset {
		if kl, kerr := e.market.Klines(ctx, types.Symbol(target, types.QuoteAsset), "1m", 2); kerr == nil {
			if volMid, merr := e.market.CrossMidPrice(ctx, target, types.QuoteAsset); merr == nil {
				vol = ranker.Volatility(kl, volMid)
			}
		}
	}

	meta.ExpectedProfit = ranker.Composite(e.scoring, edge, meta.Liquidity, meta.Momentum, meta.SpreadBps, vol)
	return meta
}

// record appends the action's history entry. Failures to write history are
// logged, never fatal.
func (e *Executor) record(ctx context.Context, out Outcome, quote *types.Quote, meta Metadata) {
	if e.history == nil {
		return
	}
	if quote != nil {
		meta = e.scoreQuote(ctx, out.Action, quote, meta)
	}

	rec := types.HistoryRecord{
		FromToken:      out.Action.FromAsset,
		ToToken:        out.Action.ToAsset,
		FromAmount:     out.Action.Amount,
		Score:          meta.Score,
		ExpectedProfit: meta.ExpectedProfit,
		ProbUp:         meta.ProbUp,
		Accepted:       out.Executed,
		Timestamp:      e.now().UnixMilli(),
	}
	if quote != nil {
		rec.QuoteID = quote.QuoteID
		rec.Ratio = quote.Ratio
		rec.InverseRatio = quote.InverseRatio
	}
	if len(out.Orders) > 0 {
		last := out.Orders[len(out.Orders)-1]
		rec.OrderID = last.OrderID
	}
	if out.Executed {
		rec.ToAmount = out.Received
	}
	if out.Err != nil {
		rec.ErrorCode = binance.CodeOf(out.Err)
		rec.ErrorMsg = out.Err.Error()
	}

	if err := e.history.Append(rec); err != nil {
		e.logger.Error("history append failed", "error", err)
	}
}
