// Convert Rotator — an automated asset rotation bot over Binance Convert.
//
// Architecture:
//
//	main.go               — CLI: one-shot convert commands plus run/loop cycle drivers
//	scheduler/            — cycle orchestration: pre-analyze → analyze → trade → guard per region
//	binance/              — signed REST client: signing, rate limit, weight accounting, convert gateway
//	routes/               — convert route resolution (direct pair or via hub assets)
//	ranker/               — candidate discovery, filtering and scoring
//	planner/              — target allocation and rebalance action planning
//	executor/             — quote → accept → settle state machine with reconciliation
//	guard/                — drawdown monitoring and forced liquidation
//	store/                — position state persistence, history and audit logs
//
// How it rotates:
//
//	Each cycle ranks every market quoted in USDT by liquidity, momentum and
//	spread, keeps the top candidates reachable through a Convert route from
//	current holdings, and rebalances the portfolio toward a weighted target
//	allocation. A drawdown guard liquidates positions that fall too far
//	from their observed peaks.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"convert-rotator/internal/binance"
	"convert-rotator/internal/config"
	"convert-rotator/internal/executor"
	"convert-rotator/internal/metrics"
	"convert-rotator/internal/scheduler"
	"convert-rotator/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "convert-rotator",
		Usage: "automated asset rotation over Binance Convert",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "configs/config.yaml",
				Usage:   "path to the YAML config file",
				EnvVars: []string{"ROTATOR_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			infoCommand(),
			quoteCommand(),
			nowCommand(),
			statusCommand(),
			tradesCommand(),
			runCommand(),
			loopCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(cli.ExitCoder); !ok {
			fmt.Fprintln(os.Stderr, err)
			err = cli.Exit("", 1)
		}
		cli.HandleExitCoder(err)
	}
}

// setup loads config, applies the command's dry-run flag (flag wins over
// file), validates, and builds the logger.
func setup(c *cli.Context, requireKeys bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if c.Bool("dry-run") {
		cfg.DryRun = true
	}
	if err := cfg.Validate(requireKeys); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no conversions will be accepted")
	}
	return cfg, logger, nil
}

func dryRunFlag() cli.Flag {
	return &cli.BoolFlag{Name: "dry-run", Usage: "do not accept any quote"}
}

func walletFlag() cli.Flag {
	return &cli.StringFlag{Name: "wallet", Value: "SPOT", Usage: "wallet to convert from (SPOT or FUNDING)"}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show convert pair limits",
		ArgsUsage: "<fromAsset> <toAsset>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: info <fromAsset> <toAsset>", 1)
			}
			cfg, logger, err := setup(c, true)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			client := binance.NewClient(cfg, logger)

			pairs, err := client.ConvertExchangeInfo(c.Context, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if len(pairs) == 0 {
				fmt.Println("no convert pair")
				return nil
			}
			for _, p := range pairs {
				fmt.Printf("%s -> %s\n", p.FromAsset, p.ToAsset)
				fmt.Printf("  from amount: %s .. %s\n", p.FromAssetMinAmount, p.FromAssetMaxAmount)
				fmt.Printf("  to amount:   %s .. %s\n", p.ToAssetMinAmount, p.ToAssetMaxAmount)
			}
			return nil
		},
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:      "quote",
		Usage:     "fetch a convert quote without accepting it",
		ArgsUsage: "<fromAsset> <toAsset> <amount>",
		Flags:     []cli.Flag{walletFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.Exit("usage: quote <fromAsset> <toAsset> <amount>", 1)
			}
			cfg, logger, err := setup(c, true)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			amount, err := decimal.NewFromString(c.Args().Get(2))
			if err != nil {
				return cli.Exit(fmt.Sprintf("bad amount: %v", err), 1)
			}
			client := binance.NewClient(cfg, logger)

			q, err := client.GetQuote(c.Context, c.Args().Get(0), c.Args().Get(1),
				amount, types.Wallet(c.String("wallet")))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Printf("quote %s\n", q.QuoteID)
			fmt.Printf("  %s %s -> %s %s\n", q.FromAmount, q.FromAsset, q.ToAmount, q.ToAsset)
			fmt.Printf("  ratio %s (inverse %s)\n", q.Ratio, q.InverseRatio)
			fmt.Printf("  valid until %s\n", time.UnixMilli(q.ValidTimestamp).UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func nowCommand() *cli.Command {
	return &cli.Command{
		Name:      "now",
		Usage:     "convert immediately: quote, accept, wait for settlement",
		ArgsUsage: "<fromAsset> <toAsset> <amount>",
		Flags:     []cli.Flag{walletFlag(), dryRunFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.Exit("usage: now <fromAsset> <toAsset> <amount>", 1)
			}
			cfg, logger, err := setup(c, true)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			amount, err := decimal.NewFromString(c.Args().Get(2))
			if err != nil {
				return cli.Exit(fmt.Sprintf("bad amount: %v", err), 1)
			}
			client := binance.NewClient(cfg, logger)
			exec := executor.New(client, client, nil, cfg.Exec, cfg.Scoring, types.Wallet(c.String("wallet")), logger)

			from, to := c.Args().Get(0), c.Args().Get(1)
			out := exec.Execute(c.Context, types.RebalanceAction{
				FromAsset: from,
				ToAsset:   to,
				Amount:    amount,
				Route: &types.ConvertRoute{
					Steps: []types.RouteStep{{FromAsset: from, ToAsset: to}},
				},
				Reason: "manual",
			}, executor.Metadata{})
			if out.Err != nil {
				return cli.Exit(out.Err.Error(), 1)
			}
			for _, ord := range out.Orders {
				fmt.Printf("order %s: %s, received %s %s\n", ord.OrderID, ord.Status, ord.ToAmount, to)
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show a convert order's status",
		ArgsUsage: "<orderId>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: status <orderId>", 1)
			}
			cfg, logger, err := setup(c, true)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			client := binance.NewClient(cfg, logger)

			ord, err := client.OrderStatus(c.Context, c.Args().Get(0), "")
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Printf("order %s: %s\n", ord.OrderID, ord.Status)
			fmt.Printf("  %s %s -> %s %s (ratio %s)\n",
				ord.FromAmount, ord.FromAsset, ord.ToAmount, ord.ToAsset, ord.Ratio)
			fmt.Printf("  created %s\n", time.UnixMilli(ord.CreateTime).UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func tradesCommand() *cli.Command {
	return &cli.Command{
		Name:  "trades",
		Usage: "list recent convert trades",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "hours", Value: 24, Usage: "lookback window in hours"},
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "max records per page"},
			&cli.BoolFlag{Name: "detailed", Usage: "print each trade"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c, true)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			client := binance.NewClient(cfg, logger)

			end := time.Now().UnixMilli()
			start := time.Now().Add(-time.Duration(c.Int("hours")) * time.Hour).UnixMilli()

			var all []types.TradeFlowRecord
			cursor := ""
			for {
				page, next, err := client.TradeFlow(c.Context, start, end, c.Int("limit"), cursor)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				all = append(all, page...)
				if next == "" {
					break
				}
				cursor = next
			}

			fmt.Printf("%d trades in the last %dh\n", len(all), c.Int("hours"))
			if !c.Bool("detailed") {
				return nil
			}
			for _, tr := range all {
				fmt.Printf("%s  %s  %s %s -> %s %s  (order %s)\n",
					time.UnixMilli(tr.CreateTime).UTC().Format(time.RFC3339),
					tr.OrderStatus, tr.FromAmount, tr.FromAsset, tr.ToAmount, tr.ToAsset, tr.OrderID)
			}
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run one cycle (or selected phases) for a region",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "region", Required: true, Usage: "region profile name"},
			&cli.StringSliceFlag{Name: "phase", Usage: "phases to run (default: all, in order)"},
			&cli.BoolFlag{Name: "force", Usage: "ignore the region's analyze/trade windows"},
			dryRunFlag(),
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c, true)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger = logger.With("cycle_id", uuid.NewString())

			m := metrics.New()
			sched, err := scheduler.New(cfg, m, logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			sched.SetForce(c.Bool("force"))

			phases := scheduler.DefaultPhases()
			if names := c.StringSlice("phase"); len(names) > 0 {
				phases = phases[:0]
				for _, name := range names {
					p, err := scheduler.ParsePhase(name)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					phases = append(phases, p)
				}
			}

			if code := sched.RunCycle(c.Context, types.Region(c.String("region")), phases); code != scheduler.ExitOK {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

func loopCommand() *cli.Command {
	return &cli.Command{
		Name:  "loop",
		Usage: "run cycles on the configured region cron schedules until interrupted",
		Flags: []cli.Flag{dryRunFlag()},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c, true)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			m := metrics.New()
			sched, err := scheduler.New(cfg, m, logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Enabled {
				go func() {
					if err := m.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
						logger.Error("metrics listener failed", "error", err)
					}
				}()
			}

			logger.Info("rotation loop started", "dry_run", cfg.DryRun)
			if err := sched.Loop(ctx); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Info("rotation loop stopped")
			return nil
		},
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
