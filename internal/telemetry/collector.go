package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/monitoring"
)

// ServingSource yields serving-engine statistics for one cycle.
type ServingSource interface {
	Fetch(ctx context.Context) domain.ServingStats
}

var _ ServingSource = (*ServingClient)(nil)

// Collector assembles one telemetry snapshot per cycle from host probes,
// accelerator reads and serving-engine statistics.
type Collector struct {
	host    *HostSampler
	devices domain.DeviceProvider
	serving ServingSource
	log     *slog.Logger
}

func NewCollector(devices domain.DeviceProvider, serving ServingSource, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		host:    NewHostSampler(log),
		devices: devices,
		serving: serving,
		log:     log,
	}
}

// Collect runs one telemetry cycle. The serving fetch starts first and runs
// concurrently with the device reads; the device management handle is held
// only for the duration of the cycle. Device enumeration and read failures
// abort the cycle, host probes never do.
func (c *Collector) Collect(ctx context.Context) (domain.TelemetryRecord, error) {
	start := time.Now()
	defer func() { monitoring.CollectDuration.Observe(time.Since(start).Seconds()) }()

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	statsCh := make(chan domain.ServingStats, 1)
	go func() {
		statsCh <- c.serving.Fetch(fctx)
	}()

	if err := c.devices.Init(); err != nil {
		return domain.TelemetryRecord{}, &domain.DeviceEnumerationError{Cause: err}
	}
	defer func() {
		if err := c.devices.Shutdown(); err != nil {
			c.log.Warn("failed to release device handle", "error", err)
		}
	}()

	count, err := c.devices.DeviceCount()
	if err != nil {
		return domain.TelemetryRecord{}, &domain.DeviceEnumerationError{Cause: err}
	}

	var record domain.TelemetryRecord
	c.host.Sample(&record)

	record.NumDevices = uint32(count)
	record.Devices = make([]domain.DeviceMetrics, 0, count)
	for i := 0; i < count; i++ {
		m, err := c.devices.DeviceMetrics(i)
		if err != nil {
			return domain.TelemetryRecord{}, &domain.DeviceReadError{Index: i, Cause: err}
		}
		record.Devices = append(record.Devices, m)
	}

	record.MergeServingStats(<-statsCh)
	return record, nil
}
