// Package ranker discovers and scores rotation candidates. It sweeps 24h
// ticker stats for every symbol quoted in the target asset, filters out
// thin or wide-spread markets, scores the survivors, and keeps only the
// shortlisted bases reachable through a convert route from current
// holdings. Results are ranked 1..k and written as CSV + JSON for audit.
package ranker

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"convert-rotator/internal/binance"
	"convert-rotator/internal/config"
	"convert-rotator/pkg/types"
)

// Rejection reason labels for the cycle summary.
const (
	RejectLowVolume  = "low_volume"
	RejectWideSpread = "wide_spread"
	RejectNoRoute    = "no_route"
)

// MarketAPI is the slice of the Binance client the ranker needs.
type MarketAPI interface {
	Ticker24hAll(ctx context.Context) ([]binance.Ticker24h, error)
	Ticker24h(ctx context.Context, symbol string) (*binance.Ticker24h, error)
	PublicExchangeInfo(ctx context.Context) ([]binance.SymbolInfo, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// RouteAPI resolves convert routes from held assets to a target base.
type RouteAPI interface {
	Resolve(ctx context.Context, held map[string]decimal.Decimal, target string) *types.ConvertRoute
}

// Ranker runs the discovery → filter → score → shortlist → route-filter
// pipeline.
type Ranker struct {
	market      MarketAPI
	router      RouteAPI
	cfg         config.RankerConfig
	scoring     config.ScoringConfig
	maxInflight int // fan-out concurrency cap for the discovery fallback
	logger      *slog.Logger
}

// New creates a ranker. maxInflight bounds concurrent single-symbol ticker
// reads during fallback discovery; pass QPS×2.
func New(market MarketAPI, router RouteAPI, cfg config.RankerConfig, scoring config.ScoringConfig, maxInflight int, logger *slog.Logger) *Ranker {
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Ranker{
		market:      market,
		router:      router,
		cfg:         cfg,
		scoring:     scoring,
		maxInflight: maxInflight,
		logger:      logger.With("component", "ranker"),
	}
}

// Result is one ranking run's output.
type Result struct {
	Candidates []types.Candidate
	Rejections map[string]int
}

// Rank produces the ranked candidate list for a region given current
// holdings.
func (r *Ranker) Rank(ctx context.Context, region types.Region, held map[string]decimal.Decimal) (*Result, error) {
	stats, err := r.discover(ctx)
	if err != nil {
		return nil, err
	}

	rejections := map[string]int{
		RejectLowVolume:  0,
		RejectWideSpread: 0,
		RejectNoRoute:    0,
	}

	scored := r.filterAndScore(stats, region, rejections)

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	shortlist := r.cfg.TopK * r.cfg.ShortlistMult
	if len(scored) > shortlist {
		scored = scored[:shortlist]
	}

	// Route filter: a candidate must be reachable from something we hold.
	var routed []types.Candidate
	for _, c := range scored {
		route := r.router.Resolve(ctx, held, c.Base)
		if route == nil {
			rejections[RejectNoRoute]++
			continue
		}
		c.Route = route
		c.RouteDesc = route.Describe()
		c.MinQuote = route.MinQuote
		c.MaxQuote = route.MaxQuote
		routed = append(routed, c)
		if len(routed) == r.cfg.TopK {
			break
		}
	}

	for i := range routed {
		routed[i].Rank = i + 1
	}

	r.logger.Info("ranking complete",
		"region", region,
		"scored", len(scored),
		"selected", len(routed),
		"low_volume", rejections[RejectLowVolume],
		"wide_spread", rejections[RejectWideSpread],
		"no_route", rejections[RejectNoRoute],
	)

	return &Result{Candidates: routed, Rejections: rejections}, nil
}

// discover returns 24h stats for every symbol quoted in the configured
// asset. The full ticker sweep is the primary source; when it fails the
// public exchangeInfo symbol list plus bounded per-symbol reads serve as
// fallback.
func (r *Ranker) discover(ctx context.Context) ([]binance.Ticker24h, error) {
	all, err := r.market.Ticker24hAll(ctx)
	if err == nil {
		return r.matchQuote(all), nil
	}
	r.logger.Warn("ticker sweep failed, falling back to exchangeInfo", "error", err)

	symbols, ierr := r.market.PublicExchangeInfo(ctx)
	if ierr != nil {
		return nil, err // report the primary failure
	}

	var wanted []string
	for _, s := range symbols {
		if s.Status != "TRADING" || !strings.EqualFold(s.QuoteAsset, r.cfg.QuoteAsset) {
			continue
		}
		if _, ok := types.NormalizeAsset(s.BaseAsset); !ok {
			continue
		}
		wanted = append(wanted, s.Symbol)
	}

	// Bounded fan-out; the token bucket paces the actual requests.
	sem := make(chan struct{}, r.maxInflight)
	var (
		mu  sync.Mutex
		out []binance.Ticker24h
		wg  sync.WaitGroup
	)
	for _, sym := range wanted {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(sym string) {
			defer wg.Done()
			defer func() { <-sem }()
			t, terr := r.market.Ticker24h(ctx, sym)
			if terr != nil {
				return
			}
			mu.Lock()
			out = append(out, *t)
			mu.Unlock()
		}(sym)
	}
	wg.Wait()
	return out, nil
}

// matchQuote keeps tickers whose symbol ends in the quote asset and whose
// base survives normalization.
func (r *Ranker) matchQuote(all []binance.Ticker24h) []binance.Ticker24h {
	quote := strings.ToUpper(r.cfg.QuoteAsset)
	var out []binance.Ticker24h
	for _, t := range all {
		sym := strings.ToUpper(t.Symbol)
		if !strings.HasSuffix(sym, quote) || sym == quote+quote {
			continue
		}
		base := strings.TrimSuffix(sym, quote)
		if base == "" {
			continue
		}
		if _, ok := types.NormalizeAsset(base); !ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// filterAndScore applies the volume and spread gates then scores each
// survivor.
func (r *Ranker) filterAndScore(stats []binance.Ticker24h, region types.Region, rejections map[string]int) []types.Candidate {
	quote := strings.ToUpper(r.cfg.QuoteAsset)
	bias := r.regionBias(region)

	var out []types.Candidate
	for _, t := range stats {
		qv, _ := t.QuoteVolume.Float64()
		if qv < r.cfg.MinVolumeUSDT {
			rejections[RejectLowVolume]++
			continue
		}

		spread := SpreadBps(t.BidPrice, t.AskPrice)
		if spread < 0 || spread > r.cfg.MaxSpreadBps {
			rejections[RejectWideSpread]++
			continue
		}

		change, _ := t.PriceChangePercent.Float64()
		score := Score(qv, change, spread) * bias

		out = append(out, types.Candidate{
			Symbol:      strings.ToUpper(t.Symbol),
			Base:        strings.TrimSuffix(strings.ToUpper(t.Symbol), quote),
			Score:       score,
			QuoteVolume: t.QuoteVolume,
			Change24h:   change,
			SpreadBps:   spread,
			LastPrice:   t.LastPrice,
		})
	}
	return out
}

func (r *Ranker) regionBias(region types.Region) float64 {
	if b, ok := r.scoring.RegionBias[string(region)]; ok && b > 0 {
		return b
	}
	return 1.0
}

// SpreadBps computes the mid-relative spread in basis points. Returns -1
// when either side is missing.
func SpreadBps(bid, ask decimal.Decimal) float64 {
	b, _ := bid.Float64()
	a, _ := ask.Float64()
	if b <= 0 || a <= 0 {
		return -1
	}
	mid := (a + b) / 2
	return math.Abs(a-b) / mid * 10000
}

// Liquidity is the log-volume component shared by both scoring models.
func Liquidity(quoteVolume float64) float64 {
	return math.Log10(math.Max(quoteVolume, 0) + 1)
}

// Momentum is the clamped 24h-change component shared by both scoring
// models: 1 + clamp(change24h, −50, 50) / 100.
func Momentum(change24hPct float64) float64 {
	return 1 + clamp(change24hPct, -50, 50)/100
}

// Score is the liquidity/momentum/spread model:
//
//	spreadPenalty = 1 + spreadBps / 10
//	score         = max(0, liquidity × momentum / spreadPenalty)
func Score(quoteVolume, change24hPct, spreadBps float64) float64 {
	penalty := 1 + spreadBps/10
	return math.Max(0, Liquidity(quoteVolume)*Momentum(change24hPct)/penalty)
}

// Composite is the edge-centric model used for individual Convert pairs:
//
//	S = w_edge·edge + w_liq·liquidity + w_mom·momentum − w_spr·spread − w_vol·volatility
func Composite(w config.ScoringConfig, edge, liquidity, momentum, spread, volatility float64) float64 {
	return w.Edge*edge + w.Liquidity*liquidity + w.Momentum*momentum -
		w.Spread*spread - w.Volatility*volatility
}

// Edge is the signed deviation of a quote ratio from the observed mid
// reference.
func Edge(quoteRatio, midRef decimal.Decimal) float64 {
	if midRef.Sign() <= 0 {
		return 0
	}
	e, _ := quoteRatio.Sub(midRef).Div(midRef).Float64()
	return e
}

// Volatility is (high − low) / midRef over the supplied candles, intended
// for the last two 1-minute candles.
func Volatility(klines []binance.Kline, midRef decimal.Decimal) float64 {
	if len(klines) == 0 || midRef.Sign() <= 0 {
		return 0
	}
	high := klines[0].High
	low := klines[0].Low
	for _, k := range klines[1:] {
		if k.High.GreaterThan(high) {
			high = k.High
		}
		if k.Low.LessThan(low) {
			low = k.Low
		}
	}
	v, _ := high.Sub(low).Div(midRef).Float64()
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
