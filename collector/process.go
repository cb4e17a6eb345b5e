package collector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"healthwatch/logger"
)

// ProcessCollector reports resource usage of one named target process,
// located by a command line pattern on every run.
type ProcessCollector struct {
	Prefix      string // key prefix, "app" or "relay"
	Pattern     *regexp.Regexp
	Table       ProcessTable
	CPUInterval time.Duration
	// TallyFDs enables the socket/pipe/file breakdown in extended runs.
	TallyFDs bool
	Log      *zap.Logger
}

// NewProcessCollector compiles pattern and returns a collector for it.
func NewProcessCollector(prefix, pattern string, table ProcessTable, cpuInterval time.Duration, tallyFDs bool, log *zap.Logger) (*ProcessCollector, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("process pattern for %s: %w", prefix, err)
	}
	return &ProcessCollector{
		Prefix:      prefix,
		Pattern:     re,
		Table:       table,
		CPUInterval: cpuInterval,
		TallyFDs:    tallyFDs,
		Log:         log.Named("process").With(zap.String("target", prefix)),
	}, nil
}

func (p *ProcessCollector) Name() string { return "process_" + p.Prefix }

func (p *ProcessCollector) key(s string) string { return p.Prefix + "_" + s }

// Collect implements the Collector interface. A target that is not running
// yields no keys at all, not zeros; the reason travels in the failure.
func (p *ProcessCollector) Collect(ctx context.Context, extended bool) (Fragment, error) {
	pid, err := p.Table.FindPID(ctx, p.Pattern)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return Fragment{}, err
	}

	f := Fragment{}
	f.SetInt(p.key("pid"), uint64(pid))

	var errs error
	u, err := p.Table.Usage(ctx, pid, p.CPUInterval)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("usage: %w", err))
	}
	if u.RSSBytes != nil {
		f.SetNum(p.key("memory_mb"), float64(*u.RSSBytes)/(1<<20), 1)
	}
	if u.Threads != nil {
		f.SetInt(p.key("threads"), uint64(*u.Threads))
	}
	if u.FDs != nil {
		f.SetInt(p.key("fd_count"), uint64(*u.FDs))
	}
	if u.CPUPercent != nil {
		f.SetNum(p.key("cpu_percent"), *u.CPUPercent, 1)
	}

	if extended {
		if limit, err := p.Table.FDLimit(ctx, pid); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fd limit: %w", err))
		} else if limit > 0 {
			f.SetInt(p.key("fd_limit"), limit)
			if u.FDs != nil {
				f.SetNum(p.key("fd_used_percent"), float64(*u.FDs)/float64(limit)*100, 1)
			}
		}
		if p.TallyFDs {
			if t, err := p.Table.FDTypes(ctx, pid); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("fd types: %w", err))
			} else {
				f.SetInt(p.key("fd_sockets"), uint64(t.Sockets))
				f.SetInt(p.key("fd_pipes"), uint64(t.Pipes))
				f.SetInt(p.key("fd_files"), uint64(t.Files))
				f.SetInt(p.key("fd_other"), uint64(t.Other))
			}
		}
	}

	if errs != nil {
		logger.FromContext(ctx, p.Log).Debug("process metrics degraded", zap.Int32("pid", pid), zap.Error(errs))
		f[p.key("error")] = Str(errs.Error())
		return f, fmt.Errorf("%w: %w", ErrPartial, errs)
	}
	return f, nil
}
