package main

import (
	"database/sql"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"healthwatch/collector"
	"healthwatch/config"
	"healthwatch/diagnosis"
	"healthwatch/scheduler"
	"healthwatch/storage"
)

// app bundles everything built from the config. close releases what was
// opened, in reverse order.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	scheduler *scheduler.Scheduler
	closers   []func() error
}

func (a *app) close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	return errs
}

func thresholds(c config.DiagnosisConfig) diagnosis.Thresholds {
	th := diagnosis.DefaultThresholds()
	th.LagMs = c.LagMs
	th.LagStalledMs = c.LagStalledMs
	th.IowaitPercent = c.IowaitPercent
	th.CloseWait = c.CloseWait
	th.OldestQuerySeconds = c.OldestQuerySeconds
	th.HighLatencyMs = c.HighLatencyMs
	th.HighResponseMs = c.HighResponseMs
	th.TrendSamples = c.TrendSamples
	th.CollectorFailureStreak = c.CollectorFailureStreak
	return th
}

// buildEntries turns the config into the collector set. Targets left empty
// in the config are simply not collected.
func buildEntries(cfg *config.Config, log *zap.Logger) ([]collector.Entry, *sql.DB, error) {
	cc := cfg.Collect
	entries := []collector.Entry{{
		Collector: collector.NewSystemCollector(cc.CPUSampleInterval, cc.DiskPath, cc.ProcRoot, log),
		Timeout:   cc.Timeout,
	}}

	table := collector.NewProcessTable(cc.ProcRoot)
	procs := []struct {
		prefix, pattern string
		tally           bool
	}{
		{"app", cfg.Targets.AppPattern, cfg.Targets.TallyAppFDs},
		{"relay", cfg.Targets.RelayPattern, false},
	}
	for _, p := range procs {
		if p.pattern == "" {
			continue
		}
		pc, err := collector.NewProcessCollector(p.prefix, p.pattern, table, cc.CPUSampleInterval, p.tally, log)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, collector.Entry{Collector: pc, Timeout: cc.Timeout})
	}
	if t := cfg.Targets; len(t.Workers) > 0 || t.FDTop > 0 {
		entries = append(entries, collector.Entry{
			Collector: collector.NewHostProcessCollector(table, t.Workers, t.FDTop, log),
			Timeout:   cc.Timeout,
			// without workers there is only the extended fd listing to do
			ExtendedOnly: len(t.Workers) == 0,
		})
	}

	var db *sql.DB
	if dc := cfg.Database; dc.DSN != "" {
		var err error
		if db, err = collector.OpenDiagnosticsDB(dc.DSN, dc.MaxConns); err != nil {
			return nil, nil, err
		}
		entries = append(entries, collector.Entry{
			Collector: collector.NewDatabaseCollector(collector.DB{DB: db}, dc.QueryTimeout, dc.LongQueryThreshold, dc.IdleTxThreshold, log),
			Timeout:   dc.Timeout,
		})
	}

	pc := cfg.Probe
	if pc.InternalURL != "" {
		entries = append(entries, collector.Entry{
			Collector: collector.NewInternalMetricsCollector(pc.InternalURL, pc.InternalTimeout, log),
			Timeout:   cc.Timeout,
		})
	}
	if pc.ResponseURL != "" {
		entries = append(entries, collector.Entry{
			Collector: collector.NewResponseProbe(pc.ResponseURL, pc.ResponseTimeout),
			Timeout:   pc.ResponseTimeout,
		})
	}
	if pc.RelayBase != "" {
		target := collector.ProbeTarget{DirectBase: pc.DirectBase, RelayBase: pc.RelayBase, Path: pc.Path, Token: pc.Token}
		entries = append(entries, collector.Entry{
			Collector: collector.NewLatencyProbe(target, pc.Timeout, nil, log),
			// connectivity, relay and direct calls run one after another
			Timeout:      3 * pc.Timeout,
			ExtendedOnly: true,
		})
	}
	return entries, db, nil
}

// buildApp wires collectors, engine, sinks and scheduler. withSinks is false
// for one-shot checks that should leave no trace.
func buildApp(cfg *config.Config, log *zap.Logger, withSinks bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	entries, db, err := buildEntries(cfg, log)
	if err != nil {
		return nil, err
	}
	if db != nil {
		a.closers = append(a.closers, db.Close)
	}

	var sinks []scheduler.Sink
	if withSinks && cfg.History.Enabled {
		store, err := storage.NewSQLite(cfg.History.DBPath, log.Named("history"))
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		sinks = append(sinks, store)
	}
	if withSinks && cfg.SFTP.Enabled {
		sc := cfg.SFTP
		sink, err := storage.NewSFTPSink(storage.SFTPOptions{
			Addr:           sc.Addr,
			User:           sc.User,
			Password:       sc.Password,
			KeyPath:        sc.KeyPath,
			KnownHostsPath: sc.KnownHostsPath,
			RemoteDir:      sc.RemoteDir,
			Timeout:        sc.Timeout,
			OnlyFindings:   sc.OnlyFindings,
		}, log.Named("sftp"))
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("sftp sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	engine := diagnosis.NewDefault(thresholds(cfg.Diagnosis))
	a.scheduler = scheduler.New(entries, engine, sinks, scheduler.LogNotifier{Log: log.Named("alerts")}, scheduler.Options{
		Interval:            cfg.Collect.Interval,
		ExtendedThresholdMs: cfg.Collect.ExtendedThresholdMs,
		WindowMaxAge:        cfg.Window.MaxAge,
		WindowMaxCount:      cfg.Window.MaxCount,
		TrendKeys:           engine.TrendMetrics(),
		TrendMaxAge:         cfg.Window.TrendMaxAge,
		AlertAfter:          cfg.Diagnosis.AlertAfter,
	}, log)
	return a, nil
}
