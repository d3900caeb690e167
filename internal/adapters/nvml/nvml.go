//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/veritel/veritel-node/internal/domain"
)

// NVMLProvider reads accelerator metrics through the NVIDIA management
// library. The handle is acquired with Init and must be released with
// Shutdown; the collector scopes both to one telemetry cycle.
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// DeviceMetrics reads all metrics for one device. Any failed call fails the
// whole read; a half-filled device entry is worse than none.
func (p *NVMLProvider) DeviceMetrics(index int) (domain.DeviceMetrics, error) {
	var m domain.DeviceMetrics

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get device handle: %v", nvml.ErrorString(ret))
	}

	util, ret := device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get utilization rates: %v", nvml.ErrorString(ret))
	}

	memInfo, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get memory info: %v", nvml.ErrorString(ret))
	}

	temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get temperature: %v", nvml.ErrorString(ret))
	}

	power, ret := device.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get power usage: %v", nvml.ErrorString(ret))
	}

	maxPower, ret := device.GetPowerManagementLimit()
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get power management limit: %v", nvml.ErrorString(ret))
	}

	enforcedPower, ret := device.GetEnforcedPowerLimit()
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get enforced power limit: %v", nvml.ErrorString(ret))
	}

	maxTemp, ret := device.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_GPU_MAX)
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get temperature threshold: %v", nvml.ErrorString(ret))
	}

	energy, ret := device.GetTotalEnergyConsumption()
	if ret != nvml.SUCCESS {
		return m, fmt.Errorf("failed to get energy consumption: %v", nvml.ErrorString(ret))
	}

	m = domain.DeviceMetrics{
		MemoryUsed:        memInfo.Used,
		MemoryTotal:       memInfo.Total,
		MemoryFree:        memInfo.Free,
		MemoryUtil:        util.Memory,
		GPUUtil:           util.Gpu,
		Temperature:       temp,
		PowerUsage:        power,
		MaxPowerLimit:     maxPower,
		DefaultPowerLimit: enforcedPower,
		MaxTemperature:    maxTemp,
		EnergyConsumption: energy,
	}
	return m, nil
}

// Compile-time interface check
var _ domain.DeviceProvider = (*NVMLProvider)(nil)
