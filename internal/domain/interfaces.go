package domain

// DeviceProvider abstracts accelerator metrics collection for testing
type DeviceProvider interface {
	// Init acquires the device management handle (NVML or mock)
	Init() error
	// Shutdown releases the handle
	Shutdown() error
	// DeviceCount returns the number of accelerator devices
	DeviceCount() (int, error)
	// DeviceMetrics reads current metrics for the device at index
	DeviceMetrics(index int) (DeviceMetrics, error)
}

// Signer signs 32-byte content digests with the node's identity key
type Signer interface {
	// Sign produces a recoverable signature over digest
	Sign(digest []byte) ([]byte, error)
	// Address returns the signer's network address
	Address() string
}
