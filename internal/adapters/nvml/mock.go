package nvml

import "github.com/veritel/veritel-node/internal/domain"

// MockDeviceProvider provides fake accelerator data for testing
type MockDeviceProvider struct {
	Devices  []domain.DeviceMetrics
	InitErr  error
	CountErr error
	ReadErrs map[int]error

	InitCalls     int
	ShutdownCalls int
}

func NewMockDeviceProvider(devices []domain.DeviceMetrics) *MockDeviceProvider {
	return &MockDeviceProvider{Devices: devices}
}

func (p *MockDeviceProvider) Init() error {
	p.InitCalls++
	return p.InitErr
}

func (p *MockDeviceProvider) Shutdown() error {
	p.ShutdownCalls++
	return nil
}

func (p *MockDeviceProvider) DeviceCount() (int, error) {
	if p.CountErr != nil {
		return 0, p.CountErr
	}
	return len(p.Devices), nil
}

func (p *MockDeviceProvider) DeviceMetrics(index int) (domain.DeviceMetrics, error) {
	if err, ok := p.ReadErrs[index]; ok {
		return domain.DeviceMetrics{}, err
	}
	return p.Devices[index], nil
}

// Compile-time interface check
var _ domain.DeviceProvider = (*MockDeviceProvider)(nil)
