package collector

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"healthwatch/logger"
)

// HostProcessCollector looks at the whole process table rather than one
// target: it counts helper workers by name and, in extended runs, lists the
// process names holding the most open descriptors.
type HostProcessCollector struct {
	Table ProcessTable
	// Workers are matched as substrings of the process name, like pgrep.
	Workers []string
	// TopN names are listed by open descriptors; 0 disables the listing.
	TopN int
	Log  *zap.Logger
}

func NewHostProcessCollector(table ProcessTable, workers []string, topN int, log *zap.Logger) *HostProcessCollector {
	return &HostProcessCollector{
		Table:   table,
		Workers: workers,
		TopN:    topN,
		Log:     log.Named("processes"),
	}
}

func (h *HostProcessCollector) Name() string { return "processes" }

// Collect implements the Collector interface.
func (h *HostProcessCollector) Collect(ctx context.Context, extended bool) (Fragment, error) {
	wantTop := extended && h.TopN > 0
	if len(h.Workers) == 0 && !wantTop {
		return Fragment{}, nil
	}

	procs, err := h.Table.Scan(ctx, wantTop)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	f := Fragment{}
	for _, w := range h.Workers {
		var n uint64
		for _, p := range procs {
			if strings.Contains(p.Name, w) {
				n++
			}
		}
		f.SetInt(workerKey(w), n)
	}

	if wantTop {
		top := topFDHolders(procs, h.TopN)
		if len(top) > 0 {
			parts := make([]string, len(top))
			for i, t := range top {
				parts[i] = fmt.Sprintf("%s=%d", t.name, t.fds)
			}
			f["fd_top_processes"] = Str(strings.Join(parts, ","))
			f.SetInt("fd_top_count", uint64(top[0].fds))
		}
	}

	logger.FromContext(ctx, h.Log).Debug("process table scanned",
		zap.Int("processes", len(procs)),
		zap.Bool("fd_top", wantTop))
	return f, nil
}

// workerKey turns a process name into a metric key, e.g. "ffmpeg" becomes
// "ffmpeg_processes".
func workerKey(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, name)
	return clean + "_processes"
}

type fdHolder struct {
	name string
	fds  int64
}

// topFDHolders sums open descriptors per process name and returns the n
// largest. Processes whose descriptors could not be read are left out.
func topFDHolders(procs []ProcInfo, n int) []fdHolder {
	byName := make(map[string]int64)
	for _, p := range procs {
		if p.FDs != nil {
			byName[p.Name] += int64(*p.FDs)
		}
	}
	out := make([]fdHolder, 0, len(byName))
	for name, fds := range byName {
		out = append(out, fdHolder{name: name, fds: fds})
	}
	slices.SortFunc(out, func(a, b fdHolder) int {
		if c := cmp.Compare(b.fds, a.fds); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
