//go:build nonvml
// +build nonvml

package nvml

import (
	"fmt"

	"github.com/veritel/veritel-node/internal/domain"
)

// NVMLProvider stub - used when building without NVIDIA libraries
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	return fmt.Errorf("NVML not available (built with nonvml tag)")
}

func (p *NVMLProvider) Shutdown() error {
	return nil
}

func (p *NVMLProvider) DeviceCount() (int, error) {
	return 0, fmt.Errorf("NVML not available")
}

func (p *NVMLProvider) DeviceMetrics(index int) (domain.DeviceMetrics, error) {
	return domain.DeviceMetrics{}, fmt.Errorf("NVML not available")
}

// Compile-time interface check
var _ domain.DeviceProvider = (*NVMLProvider)(nil)
