package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"healthwatch/logger"
)

// HostStats is the subset of OS facilities the system collector reads.
type HostStats interface {
	CPUTimes(ctx context.Context) (cpu.TimesStat, error)
	VirtualMemory(ctx context.Context) (*mem.VirtualMemoryStat, error)
	SwapMemory(ctx context.Context) (*mem.SwapMemoryStat, error)
	LoadAvg(ctx context.Context) (*load.AvgStat, error)
	DiskUsage(ctx context.Context, path string) (*disk.UsageStat, error)
	DiskIO(ctx context.Context) (map[string]disk.IOCountersStat, error)
	NetIO(ctx context.Context) (gnet.IOCountersStat, error)
	Connections(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)
}

// gopsutilHost reads the live machine.
type gopsutilHost struct{}

// NewHostStats returns the gopsutil backed HostStats.
func NewHostStats() HostStats { return gopsutilHost{} }

func (gopsutilHost) CPUTimes(ctx context.Context) (cpu.TimesStat, error) {
	ts, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, err
	}
	if len(ts) == 0 {
		return cpu.TimesStat{}, errors.New("no cpu times reported")
	}
	return ts[0], nil
}

func (gopsutilHost) VirtualMemory(ctx context.Context) (*mem.VirtualMemoryStat, error) {
	return mem.VirtualMemoryWithContext(ctx)
}

func (gopsutilHost) SwapMemory(ctx context.Context) (*mem.SwapMemoryStat, error) {
	return mem.SwapMemoryWithContext(ctx)
}

func (gopsutilHost) LoadAvg(ctx context.Context) (*load.AvgStat, error) {
	return load.AvgWithContext(ctx)
}

func (gopsutilHost) DiskUsage(ctx context.Context, path string) (*disk.UsageStat, error) {
	return disk.UsageWithContext(ctx, path)
}

func (gopsutilHost) DiskIO(ctx context.Context) (map[string]disk.IOCountersStat, error) {
	return disk.IOCountersWithContext(ctx)
}

func (gopsutilHost) NetIO(ctx context.Context) (gnet.IOCountersStat, error) {
	all, err := gnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return gnet.IOCountersStat{}, err
	}
	if len(all) == 0 {
		return gnet.IOCountersStat{}, errors.New("no network counters reported")
	}
	return all[0], nil
}

func (gopsutilHost) Connections(ctx context.Context, kind string) ([]gnet.ConnectionStat, error) {
	return gnet.ConnectionsWithContext(ctx, kind)
}

// SystemCollector samples machine wide CPU, memory, load, disk, swap and
// network state.
type SystemCollector struct {
	Host           HostStats
	SampleInterval time.Duration // spacing of the two CPU readings
	DiskPath       string        // volume reported by disk_percent
	ProcRoot       string        // usually /proc
	Log            *zap.Logger
}

// NewSystemCollector returns a collector reading the live machine.
func NewSystemCollector(sampleInterval time.Duration, diskPath, procRoot string, log *zap.Logger) *SystemCollector {
	return &SystemCollector{
		Host:           NewHostStats(),
		SampleInterval: sampleInterval,
		DiskPath:       diskPath,
		ProcRoot:       procRoot,
		Log:            log.Named("system"),
	}
}

func (s *SystemCollector) Name() string { return "system" }

// Collect implements the Collector interface. Each OS query that fails only
// removes its own keys.
func (s *SystemCollector) Collect(ctx context.Context, extended bool) (Fragment, error) {
	f := Fragment{}
	var errs error

	if err := s.collectCPU(ctx, f); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("cpu: %w", err))
	}

	if vm, err := s.Host.VirtualMemory(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("memory: %w", err))
	} else {
		f.SetNum("memory_percent", vm.UsedPercent, 1)
		f.SetNum("memory_available_mb", float64(vm.Available)/(1<<20), 1)
		f.SetInt("memory_available_bytes", vm.Available)
	}

	if la, err := s.Host.LoadAvg(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("load: %w", err))
	} else {
		f.SetNum("load_avg_1m", la.Load1, 2)
		f.SetNum("load_avg_5m", la.Load5, 2)
		f.SetNum("load_avg_15m", la.Load15, 2)
	}

	if du, err := s.Host.DiskUsage(ctx, s.DiskPath); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("disk usage: %w", err))
	} else {
		f.SetNum("disk_percent", du.UsedPercent, 1)
		f.SetNum("disk_free_gb", float64(du.Free)/(1<<30), 2)
		f.SetInt("disk_free_bytes", du.Free)
	}

	if io, err := s.Host.DiskIO(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("disk io: %w", err))
	} else {
		tot := sumDiskIO(io)
		f.SetInt("disk_read_bytes", tot.ReadBytes)
		f.SetInt("disk_write_bytes", tot.WriteBytes)
		f.SetInt("disk_read_count", tot.ReadCount)
		f.SetInt("disk_write_count", tot.WriteCount)
	}

	if sw, err := s.Host.SwapMemory(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("swap: %w", err))
	} else {
		f.SetNum("swap_percent", sw.UsedPercent, 1)
		f.SetNum("swap_used_mb", float64(sw.Used)/(1<<20), 1)
		f.SetNum("swap_total_mb", float64(sw.Total)/(1<<20), 1)
		f.SetInt("swap_used_bytes", sw.Used)
		f.SetInt("swap_total_bytes", sw.Total)
		f.SetInt("swap_sin", sw.Sin)
		f.SetInt("swap_sout", sw.Sout)
	}

	if n, err := s.Host.NetIO(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("net io: %w", err))
	} else {
		f.SetInt("net_bytes_sent", n.BytesSent)
		f.SetInt("net_bytes_recv", n.BytesRecv)
		f.SetInt("net_packets_sent", n.PacketsSent)
		f.SetInt("net_packets_recv", n.PacketsRecv)
		f.SetInt("net_errin", n.Errin)
		f.SetInt("net_errout", n.Errout)
		f.SetInt("net_dropin", n.Dropin)
		f.SetInt("net_dropout", n.Dropout)
	}

	if conns, err := s.Host.Connections(ctx, "tcp"); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("tcp connections: %w", err))
	} else {
		states := countTCPStates(conns)
		f.SetInt("tcp_connections_total", uint64(len(conns)))
		f.SetInt("close_wait_count", states["CLOSE_WAIT"])
		f.SetInt("tcp_established", states["ESTABLISHED"])
		f.SetInt("tcp_timewait", states["TIME_WAIT"])
	}

	if extended {
		if err := s.collectFileTable(f); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("file-nr: %w", err))
		}
	}

	if errs != nil {
		logger.FromContext(ctx, s.Log).Debug("system metrics degraded", zap.Int("errors", len(multierr.Errors(errs))), zap.Error(errs))
		if len(f) > 0 {
			return f, fmt.Errorf("%w: %w", ErrPartial, errs)
		}
		return nil, errs
	}
	return f, nil
}

func (s *SystemCollector) collectCPU(ctx context.Context, f Fragment) error {
	before, err := s.Host.CPUTimes(ctx)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.SampleInterval):
	}
	after, err := s.Host.CPUTimes(ctx)
	if err != nil {
		return err
	}
	busy, iowait, err := cpuPercents(before, after)
	if err != nil {
		return err
	}
	f.SetNum("cpu_percent", busy, 1)
	f.SetNum("iowait_percent", iowait, 1)
	return nil
}

// cpuPercents derives utilisation from two cumulative readings. Busy time is
// everything except idle and iowait; guest time is already part of user.
func cpuPercents(before, after cpu.TimesStat) (busy, iowait float64, err error) {
	total := func(t cpu.TimesStat) float64 {
		return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	}
	dt := total(after) - total(before)
	if dt <= 0 {
		return 0, 0, errors.New("cpu counters did not advance")
	}
	dIdle := (after.Idle - before.Idle) + (after.Iowait - before.Iowait)
	busy = clampPercent((dt - dIdle) / dt * 100)
	iowait = clampPercent((after.Iowait - before.Iowait) / dt * 100)
	return busy, iowait, nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// sumDiskIO adds up whole devices only. Partitions would double count their
// parent and loop/ram devices are not real I/O.
func sumDiskIO(io map[string]disk.IOCountersStat) disk.IOCountersStat {
	var tot disk.IOCountersStat
	for name, c := range io {
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") {
			continue
		}
		if isPartition(name, io) {
			continue
		}
		tot.ReadBytes += c.ReadBytes
		tot.WriteBytes += c.WriteBytes
		tot.ReadCount += c.ReadCount
		tot.WriteCount += c.WriteCount
	}
	return tot
}

func isPartition(name string, io map[string]disk.IOCountersStat) bool {
	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == name || trimmed == "" {
		return false
	}
	if _, ok := io[trimmed]; ok {
		return true
	}
	// nvme0n1p1 -> nvme0n1, mmcblk0p1 -> mmcblk0
	if strings.HasSuffix(trimmed, "p") {
		if _, ok := io[strings.TrimSuffix(trimmed, "p")]; ok {
			return true
		}
	}
	return false
}

func countTCPStates(conns []gnet.ConnectionStat) map[string]uint64 {
	out := make(map[string]uint64)
	for _, c := range conns {
		out[c.Status]++
	}
	return out
}

func (s *SystemCollector) collectFileTable(f Fragment) error {
	b, err := os.ReadFile(filepath.Join(s.ProcRoot, "sys", "fs", "file-nr"))
	if err != nil {
		return err
	}
	allocated, max, err := parseFileNr(string(b))
	if err != nil {
		return err
	}
	f.SetInt("system_fd_allocated", allocated)
	f.SetInt("system_fd_max", max)
	if max > 0 {
		f.SetNum("system_fd_used_percent", float64(allocated)/float64(max)*100, 2)
	}
	return nil
}

// parseFileNr reads "allocated unused max".
func parseFileNr(s string) (allocated, max uint64, err error) {
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("unexpected file-nr content %q", s)
	}
	if allocated, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("allocated: %w", err)
	}
	if max, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("max: %w", err)
	}
	return allocated, max, nil
}
