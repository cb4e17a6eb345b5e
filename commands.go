package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"healthwatch/config"
	"healthwatch/diagnosis"
	"healthwatch/lagmeter"
	"healthwatch/logger"
	"healthwatch/server"
	"healthwatch/storage"
)

var (
	configPath   string
	logLevel     string
	historyLimit int

	// set by PersistentPreRunE
	cfg *config.Config
	log *logger.Logger

	rootCmd = &cobra.Command{
		Use:           "healthwatch",
		Short:         "Self-diagnosing health monitor for a service and its host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			// stdout stays machine readable for check and history
			if log, err = logger.NewWithOutput(cfg.LogLevel, os.Stderr); err != nil {
				return fmt.Errorf("set up logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				logger.Flush(log.Logger)
			}
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Collect and diagnose on a schedule, serving results over HTTP",
		RunE:  runMonitor,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Run one extended cycle and print the report as JSON",
		RunE:  runCheck,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent reports from the local history",
		RunE:  runHistory,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug|info|warn|error)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of reports to show")

	rootCmd.AddCommand(runCmd, checkCmd, historyCmd)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, log.Logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	// healthwatch measures its own scheduling delay the same way it expects
	// the watched service to
	meter := lagmeter.New(100*time.Millisecond, 100, log.Logger)

	srv := server.New(a.scheduler, server.Options{
		CheckInterval: cfg.Server.CheckInterval,
		CheckBurst:    cfg.Server.CheckBurst,
		CheckTimeout:  2 * cfg.Collect.Interval,
		Internal:      meter.Handler(),
	}, log.Logger)

	log.Info("healthwatch starting",
		zap.String("addr", cfg.Server.Addr),
		zap.Duration("interval", cfg.Collect.Interval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		meter.Run(gctx)
		return nil
	})
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.Server.Addr, srv.Handler(), log.Logger) })

	err = g.Wait()
	if ctx.Err() != nil {
		// stopped by signal
		log.Info("healthwatch stopped")
		return nil
	}
	return err
}

func runCheck(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(cfg, log.Logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.Collect.Interval)
	defer cancel()
	r := a.scheduler.RunOnce(ctx, diagnosis.TriggerManual, true)
	log.Sugar.Debugf("check %s finished in %s with %d findings", r.CycleID, r.Duration, len(r.Findings))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	store, err := storage.NewSQLite(cfg.History.DBPath, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	log.Sugar.Debugf("read %d of at most %d reports from %s", len(recs), historyLimit, cfg.History.DBPath)
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no reports recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CAPTURED\tCYCLE\tTRIGGER\tWORST\tDURATION\tFINDINGS")
	for _, rec := range recs {
		r := rec.Report
		worst := string(r.Worst())
		if worst == "" {
			worst = "ok"
		}
		codes := make([]string, 0, len(r.Findings))
		for _, f := range r.Findings {
			codes = append(codes, f.Code)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(rec.CapturedAt),
			r.CycleID,
			r.Trigger,
			worst,
			r.Duration.Round(time.Millisecond),
			strings.Join(codes, ","))
	}
	return w.Flush()
}
