package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fakturo/fakturo/cmd/fakturod/cli"
	"github.com/fakturo/fakturo/internal/app"
	"github.com/fakturo/fakturo/internal/platform/db"
	"github.com/fakturo/fakturo/internal/rates"
)

// runCommand dispatches operational subcommands. Returns the process exit
// code; the server starts only when no subcommand is given.
func runCommand(ctx context.Context, cfg *app.Config, args []string) int {
	switch args[0] {
	case "jobs":
		return runJobsCommand(ctx, cfg, args[1:])
	case "rates":
		return runRatesCommand(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (available: jobs, rates)\n", args[0])
		return 1
	}
}

func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fakturod jobs <trigger <name>|delivery <document-id>|stats>")
		return 1
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fakturod jobs trigger <task-type>")
			return 1
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s (id %s)\n", info.Type, info.ID)
	case "delivery":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fakturod jobs delivery <document-id>")
			return 1
		}
		info, err := jobsCLI.TriggerDelivery(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs delivery: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s (id %s)\n", info.Type, info.ID)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Printf("queue %s: pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return 1
	}
	return 0
}

func runRatesCommand(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("rates", flag.ContinueOnError)
	currency := fs.String("currency", "", "ISO 4217 currency code")
	from := fs.String("from", "", "range start (YYYY-MM-DD)")
	to := fs.String("to", "", "range end (YYYY-MM-DD)")
	csvPath := fs.String("csv", "", "CSV source of date,rate rows (apply mode)")
	apply := fs.Bool("apply", false, "persist quotes instead of reporting gaps")
	jsonOut := fs.Bool("json", false, "machine-readable output")

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fakturod rates <backfill|validate> [flags]")
		return 1
	}
	verb := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rates: connect postgres: %v\n", err)
		return 1
	}
	defer pool.Close()

	ratesCLI := cli.NewRatesOpsCLI(rates.NewPG(pool, cfg.BaseCurrency))
	opts := cli.RatesBackfillOptions{
		Currency:   *currency,
		From:       *from,
		To:         *to,
		Mode:       cli.RatesBackfillModeDry,
		JSONOutput: *jsonOut,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}

	switch verb {
	case "backfill":
		if *apply {
			if *csvPath == "" {
				fmt.Fprintln(os.Stderr, "rates backfill: --apply requires --csv")
				return 1
			}
			f, err := os.Open(*csvPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "rates backfill: %v\n", err)
				return 1
			}
			defer f.Close()
			opts.Mode = cli.RatesBackfillModeApply
			opts.SourceReader = f
		}
		return ratesCLI.BackfillCommand(ctx, opts)
	case "validate":
		return ratesCLI.ValidateCommand(ctx, opts)
	default:
		fmt.Fprintf(os.Stderr, "rates: unknown subcommand %q\n", verb)
		return 1
	}
}
