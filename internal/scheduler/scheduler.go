// Package scheduler runs rotation cycles. A cycle is the phase sequence
// pre-analyze → analyze → trade → guard for one region, bounded by the
// region's UTC windows and serialized by a per-region lock file. Exit
// codes combine per-phase failure bits so a caller can tell which phases
// went wrong from the process status alone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"convert-rotator/internal/binance"
	"convert-rotator/internal/config"
	"convert-rotator/internal/executor"
	"convert-rotator/internal/guard"
	"convert-rotator/internal/metrics"
	"convert-rotator/internal/planner"
	"convert-rotator/internal/ranker"
	"convert-rotator/internal/routes"
	"convert-rotator/internal/store"
	"convert-rotator/pkg/types"
)

// Phase names one stage of a cycle.
type Phase string

const (
	PhasePreAnalyze Phase = "pre-analyze"
	PhaseAnalyze    Phase = "analyze"
	PhaseTrade      Phase = "trade"
	PhaseGuard      Phase = "guard"
)

// DefaultPhases is the full cycle in order.
func DefaultPhases() []Phase {
	return []Phase{PhasePreAnalyze, PhaseAnalyze, PhaseTrade, PhaseGuard}
}

// ParsePhase maps a CLI phase name to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhasePreAnalyze, PhaseAnalyze, PhaseTrade, PhaseGuard:
		return Phase(s), nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Exit code bits. A cycle's exit code is the OR of the bits for every
// phase that failed.
const (
	ExitOK               = 0
	ExitLockHeld         = 1 << 0
	ExitPreAnalyzeFailed = 1 << 1
	ExitAnalyzeFailed    = 1 << 2
	ExitTradeFailed      = 1 << 3
	ExitGuardFailed      = 1 << 4
)

// Scheduler owns the wired subsystems and drives cycles through them.
type Scheduler struct {
	cfg      *config.Config
	client   *binance.Client
	resolver *routes.Resolver
	ranker   *ranker.Ranker
	planner  *planner.Planner
	guard    *guard.Guard
	store    *store.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger

	force bool // run phases regardless of region windows
	now   func() time.Time
	rng   *rand.Rand
}

// New wires all subsystems from config.
func New(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	client := binance.NewClient(cfg, logger)
	resolver := routes.NewResolver(client, logger)

	maxInflight := int(cfg.Limits.QPS * 2)
	rk := ranker.New(client, resolver, cfg.Ranker, cfg.Scoring, maxInflight, logger)
	pl := planner.New(client, resolver, cfg.Planner, logger)
	gd := guard.New(client, resolver, cfg.Guard, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		ranker:   rk,
		planner:  pl,
		guard:    gd,
		store:    st,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetForce makes RunCycle ignore the region windows; used by the single-run
// CLI commands.
func (s *Scheduler) SetForce(force bool) { s.force = force }

// Client exposes the shared API client to the CLI commands.
func (s *Scheduler) Client() *binance.Client { return s.client }

// Resolver exposes the route resolver to the CLI commands.
func (s *Scheduler) Resolver() *routes.Resolver { return s.resolver }

// cycleState is the data threaded through one cycle's phases.
type cycleState struct {
	region     types.Region
	profile    config.RegionConfig
	exec       *executor.Executor
	holdings   map[string]decimal.Decimal
	fiat       map[string]bool
	state      *types.PositionState
	candidates []types.Candidate
	topScore   float64
	rejections map[string]int
	paused     bool
}

// RunCycle executes the given phases for a region and returns the combined
// exit code. The per-region lock is held for the whole cycle; a held lock
// means another instance is mid-cycle and this run backs off entirely.
func (s *Scheduler) RunCycle(ctx context.Context, region types.Region, phases []Phase) int {
	unlock, err := acquireLock(s.cfg.Regions.LockDir, string(region))
	if err != nil {
		s.logger.Error("another instance is running, backing off", "region", region, "error", err)
		return ExitLockHeld
	}
	defer unlock()

	if !s.sleepJitter(ctx) {
		return ExitOK
	}

	// Per-cycle state resets exactly once, before any phase runs.
	s.client.ResetCycle()
	s.resolver.ResetCycle()
	s.client.Counters().SetMaxRequests(s.cfg.Limits.MaxPerCycle)

	c := &cycleState{
		region:  region,
		profile: s.cfg.Regions.Profiles[string(region)],
	}

	var sink executor.HistorySink
	history, err := store.OpenHistory(s.cfg.Store.LogDir, region)
	if err != nil {
		s.logger.Error("history disabled for this cycle", "error", err)
	} else {
		sink = history
	}
	c.exec = executor.New(s.client, s.client, sink, s.cfg.Exec, s.cfg.Scoring, types.WalletSpot, s.logger)

	code := ExitOK
	for _, phase := range phases {
		var err error
		switch phase {
		case PhasePreAnalyze:
			if err = s.preAnalyze(ctx, c); err != nil {
				// Non-core: later phases may still work with partial
				// context.
				code |= ExitPreAnalyzeFailed
				s.logger.Warn("pre-analyze failed, continuing", "error", err)
				err = nil
			}
		case PhaseAnalyze:
			if err = s.analyze(ctx, c); err != nil {
				code |= ExitAnalyzeFailed
			}
		case PhaseTrade:
			if err = s.trade(ctx, c); err != nil {
				code |= ExitTradeFailed
			}
		case PhaseGuard:
			if err = s.guardPhase(ctx, c); err != nil {
				code |= ExitGuardFailed
			}
		default:
			s.logger.Error("unknown phase skipped", "phase", phase)
		}
		if err != nil {
			s.logger.Error("phase failed", "phase", phase, "region", region, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.summarize(region, code, c)
	return code
}

// preAnalyze syncs the clock, loads persisted state and balances, and
// applies the standing drawdown flags before any trading happens.
func (s *Scheduler) preAnalyze(ctx context.Context, c *cycleState) error {
	if err := s.client.SyncClock(ctx); err != nil {
		s.logger.Warn("clock sync failed", "error", err)
	}

	st, err := s.store.LoadState()
	if err != nil {
		return err
	}
	c.state = st

	holdings, err := s.client.ReadAll(ctx, types.WalletSpot)
	if err != nil {
		return fmt.Errorf("read balances: %w", err)
	}
	c.holdings = holdings

	fiat, err := s.client.FiatAssets(ctx)
	if err != nil {
		s.logger.Warn("fiat asset list unavailable", "error", err)
		fiat = map[string]bool{}
	}
	delete(fiat, types.QuoteAsset)
	c.fiat = fiat

	a, err := s.guard.Assess(ctx, c.state, c.holdings, c.fiat, s.now().UnixMilli())
	if err != nil {
		s.logger.Warn("pre-trade drawdown check unavailable", "error", err)
		return nil
	}
	s.applyRiskFlags(c, a)
	s.metrics.EquityUSDT.Set(equityFloat(a.Equity))
	if err := s.store.SaveState(c.state); err != nil {
		s.logger.Warn("state save failed", "error", err)
	}
	return nil
}

// analyze ranks candidates and writes the region reports.
func (s *Scheduler) analyze(ctx context.Context, c *cycleState) error {
	in, err := inWindow(c.profile.Analyze, s.now())
	if err != nil {
		return fmt.Errorf("analyze window: %w", err)
	}
	if !in && !s.force {
		s.logger.Info("outside analyze window, skipping", "region", c.region)
		return nil
	}

	res, err := s.ranker.Rank(ctx, c.region, c.holdings)
	if err != nil {
		return err
	}
	c.candidates = res.Candidates
	c.rejections = res.Rejections
	if len(res.Candidates) > 0 {
		c.topScore = res.Candidates[0].Score
	}

	if err := ranker.WriteReports(s.cfg.Store.LogDir, c.region, res); err != nil {
		s.logger.Warn("candidate reports not written", "error", err)
	}
	return nil
}

// trade plans against the candidates and executes the resulting swaps.
func (s *Scheduler) trade(ctx context.Context, c *cycleState) error {
	if c.paused {
		s.logger.Warn("portfolio paused by drawdown, skipping trade", "region", c.region)
		return nil
	}
	in, err := inWindow(c.profile.Trade, s.now())
	if err != nil {
		return fmt.Errorf("trade window: %w", err)
	}
	if !in && !s.force {
		s.logger.Info("outside trade window, skipping", "region", c.region)
		return nil
	}
	if c.holdings == nil {
		return fmt.Errorf("no balance snapshot; pre-analyze did not run")
	}

	if c.candidates == nil {
		res, rerr := s.ranker.Rank(ctx, c.region, c.holdings)
		if rerr != nil {
			return rerr
		}
		c.candidates = res.Candidates
		c.rejections = res.Rejections
		if len(res.Candidates) > 0 {
			c.topScore = res.Candidates[0].Score
		}
	}
	if len(c.candidates) == 0 {
		s.logger.Info("no candidates, nothing to trade", "region", c.region)
		return nil
	}

	actions, targets, err := s.planner.Plan(ctx, c.holdings, c.candidates, c.fiat)
	if err != nil {
		return err
	}
	s.logger.Info("plan ready", "region", c.region, "targets", len(targets), "actions", len(actions))
	if len(actions) == 0 {
		return nil
	}

	outcomes := c.exec.ExecuteAll(ctx, actions, buildMetadata(c.candidates))
	failed := 0
	for _, out := range outcomes {
		if out.Executed {
			s.metrics.ConversionsTotal.WithLabelValues("executed").Inc()
		} else {
			failed++
			s.metrics.ConversionsTotal.WithLabelValues("failed").Inc()
		}
	}

	if err := s.refreshHoldings(ctx, c); err != nil {
		s.logger.Warn("post-trade balance refresh failed", "error", err)
	} else {
		c.state.Assets = c.holdings
		c.state.TS = s.now().UnixMilli()
		if err := s.store.SaveState(c.state); err != nil {
			s.logger.Warn("state save failed", "error", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d actions failed", failed, len(outcomes))
	}
	return nil
}

// guardPhase re-prices the portfolio after trading and executes any forced
// liquidations the drawdown rules demand.
func (s *Scheduler) guardPhase(ctx context.Context, c *cycleState) error {
	if c.state == nil || c.holdings == nil {
		return fmt.Errorf("no state snapshot; pre-analyze did not run")
	}
	if err := s.refreshHoldings(ctx, c); err != nil {
		return err
	}

	a, err := s.guard.Assess(ctx, c.state, c.holdings, c.fiat, s.now().UnixMilli())
	if err != nil {
		return err
	}
	s.applyRiskFlags(c, a)
	s.metrics.EquityUSDT.Set(equityFloat(a.Equity))
	if a.PortfolioTriggered {
		s.metrics.GuardTriggers.WithLabelValues("portfolio").Inc()
	}
	for range a.AssetTriggers {
		s.metrics.GuardTriggers.WithLabelValues("asset").Inc()
	}

	if len(a.Actions) == 0 {
		return s.store.SaveState(c.state)
	}

	outcomes := c.exec.ExecuteAll(ctx, a.Actions, nil)
	failed := 0
	for _, out := range outcomes {
		if !out.Executed {
			failed++
		}
	}

	// Peaks restart from the post-liquidation baseline.
	if err := s.refreshHoldings(ctx, c); err != nil {
		return err
	}
	fresh := guard.PostLiquidationState(ctx, s.client, c.holdings, s.now().UnixMilli())
	if err := s.store.ResetState(fresh); err != nil {
		return err
	}
	c.state = fresh

	if failed > 0 {
		return fmt.Errorf("%d of %d guard liquidations failed", failed, len(outcomes))
	}
	return nil
}

// Loop schedules RunCycle per region from the configured cron specs and
// blocks until ctx is canceled.
func (s *Scheduler) Loop(ctx context.Context) error {
	cr := cron.New()
	scheduled := 0
	for name, prof := range s.cfg.Regions.Profiles {
		if prof.CronSpec == "" {
			continue
		}
		region := types.Region(name)
		_, err := cr.AddFunc(prof.CronSpec, func() {
			if code := s.RunCycle(ctx, region, DefaultPhases()); code != ExitOK {
				s.logger.Warn("cycle finished with failures", "region", region, "code", code)
			}
		})
		if err != nil {
			return fmt.Errorf("cron spec for region %s: %w", name, err)
		}
		scheduled++
		s.logger.Info("region scheduled", "region", name, "cron", prof.CronSpec)
	}
	if scheduled == 0 {
		return fmt.Errorf("no region has a cron schedule")
	}

	cr.Start()
	<-ctx.Done()
	stop := cr.Stop()
	<-stop.Done()
	return nil
}

// buildMetadata maps each candidate's scoring components by base asset so
// the executor can fold them into the per-conversion composite score.
// ProbUp is the momentum-implied continuation probability, in [0.25, 0.75].
func buildMetadata(cands []types.Candidate) map[string]executor.Metadata {
	if len(cands) == 0 {
		return nil
	}
	meta := make(map[string]executor.Metadata, len(cands))
	for _, c := range cands {
		qv, _ := c.QuoteVolume.Float64()
		meta[c.Base] = executor.Metadata{
			Score:     c.Score,
			Liquidity: ranker.Liquidity(qv),
			Momentum:  ranker.Momentum(c.Change24h),
			SpreadBps: c.SpreadBps,
			ProbUp:    ranker.Momentum(c.Change24h) / 2,
		}
	}
	return meta
}

// applyRiskFlags translates a guard assessment into cycle-wide behavior.
func (s *Scheduler) applyRiskFlags(c *cycleState, a *guard.Assessment) {
	if a.Pause && !c.paused {
		c.paused = true
		s.logger.Warn("severe drawdown: trading paused", "region", c.region, "equity", a.Equity)
	}
	if a.SoftRisk {
		soft := s.cfg.Limits.MaxPerCycleSoft
		if soft > 0 {
			s.client.Counters().SetMaxRequests(soft)
			s.logger.Warn("soft risk: convert budget lowered", "max_requests", soft)
		}
	}
}

func (s *Scheduler) refreshHoldings(ctx context.Context, c *cycleState) error {
	holdings, err := s.client.ReadAll(ctx, types.WalletSpot)
	if err != nil {
		return fmt.Errorf("read balances: %w", err)
	}
	c.holdings = holdings
	return nil
}

// sleepJitter waits a uniform random delay in [0, jitter_sec] so regions
// sharing a schedule don't stampede the API. Returns false when ctx ended
// during the wait.
func (s *Scheduler) sleepJitter(ctx context.Context) bool {
	if s.cfg.Regions.JitterSec <= 0 {
		return true
	}
	d := time.Duration(s.rng.Int63n(int64(s.cfg.Regions.JitterSec)*1000+1)) * time.Millisecond
	s.logger.Debug("startup jitter", "delay", d)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// summarize logs the cycle's request accounting and outcome.
func (s *Scheduler) summarize(region types.Region, code int, c *cycleState) {
	requests, weight, _ := s.client.Counters().Snapshot()
	result := "ok"
	if code != ExitOK {
		result = "failed"
	}
	s.metrics.ObserveCycle(string(region), result, requests, weight)

	args := []any{
		"region", region,
		"exit_code", code,
		"requests", requests,
		"total_weight", weight,
		"convert_requests", s.client.Counters().ConvertRequests(),
		"candidates", len(c.candidates),
		"top_score", c.topScore,
		"paused", c.paused,
	}
	for reason, n := range c.rejections {
		args = append(args, "rejected_"+reason, n)
	}
	s.logger.Info("cycle complete", args...)
}

func equityFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
