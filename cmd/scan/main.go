package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"delta-hedge-bot/internal/app"
	"delta-hedge-bot/internal/config"
	"delta-hedge-bot/internal/logging"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for venue reads")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	report, err := app.Inspect(ctx, cfg, log)
	if err != nil {
		log.Error("inspect failed", zap.Error(err))
		os.Exit(1)
	}
	if err := render(os.Stdout, report); err != nil {
		fatal(err)
	}
}

func render(out io.Writer, report *app.Report) error {
	fmt.Fprintf(out, "primary %s auth=%s | hedge %s health=%s\n",
		report.Primary, okLabel(report.PrimaryAuth), report.Hedge, okLabel(report.HedgeHealthy))

	positions := tablewriter.NewWriter(out)
	positions.Header("Instrument", report.Primary, report.Hedge, "Status")
	for _, row := range report.Positions {
		status := "flat"
		if row.Dirty {
			status = "EXPOSED"
		}
		if err := positions.Append(row.Instrument, fmt.Sprintf("%.6f", row.Primary), fmt.Sprintf("%.6f", row.Hedge), status); err != nil {
			return err
		}
	}
	if err := positions.Render(); err != nil {
		return err
	}

	opps := tablewriter.NewWriter(out)
	opps.Header("#", "Instrument", "Primary side", report.Primary+" rate", report.Hedge+" rate", "APY")
	for i, opp := range report.Opportunities {
		if err := opps.Append(
			fmt.Sprintf("%d", i+1),
			opp.Instrument,
			string(opp.PrimarySide),
			fmt.Sprintf("%.6f%%", opp.PrimaryRate*100),
			fmt.Sprintf("%.6f%%", opp.HedgeRate*100),
			fmt.Sprintf("%.2f%%", opp.APY*100),
		); err != nil {
			return err
		}
	}
	if err := opps.Render(); err != nil {
		return err
	}
	if report.Best != nil {
		fmt.Fprintf(out, "best: %s %s on %s at %.2f%% APY\n",
			report.Best.PrimarySide, report.Best.Instrument, report.Primary, report.Best.APY*100)
	} else {
		fmt.Fprintln(out, "best: none above open threshold")
	}

	if snap := report.Snapshot; snap != nil {
		fmt.Fprintf(out, "last cycle: %s at %s", snap.State, time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339))
		if snap.Instrument != "" {
			fmt.Fprintf(out, " holding %s %s %.6f / %.6f (%.2f USD)", snap.PrimarySide, snap.Instrument, snap.PrimarySize, snap.HedgeSize, snap.NotionalUSD)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
