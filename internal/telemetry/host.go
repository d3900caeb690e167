package telemetry

import (
	"log/slog"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"

	"github.com/veritel/veritel-node/internal/domain"
)

// HostSampler reads host-level metrics through gopsutil. Every probe is best
// effort: a failed read logs a warning and leaves the field at zero so one
// bad subsystem never blocks a telemetry cycle.
type HostSampler struct {
	log *slog.Logger
}

func NewHostSampler(log *slog.Logger) *HostSampler {
	if log == nil {
		log = slog.Default()
	}
	return &HostSampler{log: log}
}

// Sample fills the host portion of the record in place.
func (s *HostSampler) Sample(r *domain.TelemetryRecord) {
	if percents, err := cpu.Percent(0, false); err != nil {
		s.log.Warn("failed to read CPU usage", "error", err)
	} else if len(percents) > 0 {
		r.CPUUsage = float32(percents[0])
	}

	if infos, err := cpu.Info(); err != nil {
		s.log.Warn("failed to read CPU info", "error", err)
	} else {
		r.CPUFrequency = averageFrequency(infos)
	}

	if count, err := cpu.Counts(true); err != nil {
		s.log.Warn("failed to count CPUs", "error", err)
	} else {
		r.NumCPUs = uint32(count)
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.log.Warn("failed to read memory stats", "error", err)
	} else {
		r.RAMUsed = vm.Used
		r.RAMTotal = vm.Total
	}

	if swap, err := mem.SwapMemory(); err != nil {
		s.log.Warn("failed to read swap stats", "error", err)
	} else {
		r.SwapUsed = swap.Used
		r.SwapTotal = swap.Total
	}

	if counters, err := gnet.IOCounters(false); err != nil {
		s.log.Warn("failed to read network counters", "error", err)
	} else if len(counters) > 0 {
		r.NetworkRx = counters[0].BytesRecv
		r.NetworkTx = counters[0].BytesSent
	}
}

// averageFrequency reports the mean clock across cores in MHz, truncated.
func averageFrequency(infos []cpu.InfoStat) uint64 {
	if len(infos) == 0 {
		return 0
	}
	var sum uint64
	for _, info := range infos {
		sum += uint64(info.Mhz)
	}
	return sum / uint64(len(infos))
}
