package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
)

// ProcessUsage is a point-in-time reading for one PID. Nil fields could not
// be measured.
type ProcessUsage struct {
	RSSBytes   *uint64
	Threads    *int32
	FDs        *int32
	CPUPercent *float64
}

// FDTally counts open descriptors by kind.
type FDTally struct {
	Sockets int
	Pipes   int
	Files   int
	Other   int
}

// ProcessTable is the OS process facility: lookup by command line and
// resource usage by PID.
type ProcessTable interface {
	// FindPID returns the first process whose full command line matches
	// pattern, skipping the calling process. ErrUnavailable when none match.
	FindPID(ctx context.Context, pattern *regexp.Regexp) (int32, error)
	Usage(ctx context.Context, pid int32, cpuInterval time.Duration) (ProcessUsage, error)
	// FDLimit returns the soft RLIMIT_NOFILE.
	FDLimit(ctx context.Context, pid int32) (uint64, error)
	FDTypes(ctx context.Context, pid int32) (FDTally, error)
	// Scan lists every process by name. Open descriptor counts are read only
	// when withFDs is set and stay nil where they could not be read.
	Scan(ctx context.Context, withFDs bool) ([]ProcInfo, error)
}

// ProcInfo is one row of a host-wide scan.
type ProcInfo struct {
	PID  int32
	Name string
	FDs  *int32
}

type gopsutilTable struct {
	procRoot string
	self     int32
}

// NewProcessTable returns a ProcessTable backed by gopsutil and procRoot.
func NewProcessTable(procRoot string) ProcessTable {
	return &gopsutilTable{procRoot: procRoot, self: int32(os.Getpid())}
}

func (t *gopsutilTable) FindPID(ctx context.Context, pattern *regexp.Regexp) (int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	var found int32
	for _, p := range procs {
		if p.Pid == t.self {
			continue
		}
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			// exited or not readable
			continue
		}
		if pattern.MatchString(cmd) && (found == 0 || p.Pid < found) {
			found = p.Pid
		}
	}
	if found == 0 {
		return 0, fmt.Errorf("%w: no process matches %q", ErrUnavailable, pattern.String())
	}
	return found, nil
}

func (t *gopsutilTable) Usage(ctx context.Context, pid int32, cpuInterval time.Duration) (ProcessUsage, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ProcessUsage{}, fmt.Errorf("%w: pid %d exited", ErrUnavailable, pid)
		}
		return ProcessUsage{}, err
	}

	var u ProcessUsage
	var errs error
	if mi, err := p.MemoryInfoWithContext(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("memory: %w", err))
	} else {
		u.RSSBytes = &mi.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("threads: %w", err))
	} else {
		u.Threads = &n
	}
	if n, err := p.NumFDsWithContext(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("fds: %w", err))
	} else {
		u.FDs = &n
	}
	if pct, err := p.PercentWithContext(ctx, cpuInterval); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("cpu: %w", err))
	} else {
		u.CPUPercent = &pct
	}
	return u, errs
}

func (t *gopsutilTable) FDLimit(ctx context.Context, pid int32) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	limits, err := p.RlimitWithContext(ctx)
	if err != nil {
		return 0, err
	}
	for _, l := range limits {
		if l.Resource == process.RLIMIT_NOFILE {
			return l.Soft, nil
		}
	}
	return 0, errors.New("RLIMIT_NOFILE not reported")
}

func (t *gopsutilTable) FDTypes(ctx context.Context, pid int32) (FDTally, error) {
	return tallyFDs(filepath.Join(t.procRoot, strconv.Itoa(int(pid)), "fd"))
}

func (t *gopsutilTable) Scan(ctx context.Context, withFDs bool) ([]ProcInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// exited
			continue
		}
		info := ProcInfo{PID: p.Pid, Name: name}
		if withFDs {
			if n, err := p.NumFDsWithContext(ctx); err == nil {
				info.FDs = &n
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// tallyFDs classifies every link in an fd directory by its target.
// Descriptors closed between listing and readlink are skipped.
func tallyFDs(dir string) (FDTally, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return FDTally{}, err
	}
	var t FDTally
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(target, "socket:"):
			t.Sockets++
		case strings.HasPrefix(target, "pipe:"):
			t.Pipes++
		case strings.HasPrefix(target, "/"):
			t.Files++
		default:
			t.Other++
		}
	}
	return t, nil
}
