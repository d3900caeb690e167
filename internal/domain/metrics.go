package domain

// TelemetryRecord is the unified host + accelerator snapshot published each
// heartbeat. Numeric fields stay zero when a subsystem is unobtainable so
// the wire schema is identical across peers.
type TelemetryRecord struct {
	CPUUsage     float32         `cbor:"cpu_usage" json:"cpu_usage"`
	CPUFrequency uint64          `cbor:"cpu_frequency" json:"cpu_frequency"`
	RAMUsed      uint64          `cbor:"ram_used" json:"ram_used"`
	RAMTotal     uint64          `cbor:"ram_total" json:"ram_total"`
	SwapUsed     uint64          `cbor:"ram_swap_used" json:"ram_swap_used"`
	SwapTotal    uint64          `cbor:"ram_swap_total" json:"ram_swap_total"`
	NumCPUs      uint32          `cbor:"num_cpus" json:"num_cpus"`
	NetworkRx    uint64          `cbor:"network_rx" json:"network_rx"`
	NetworkTx    uint64          `cbor:"network_tx" json:"network_tx"`
	NumDevices   uint32          `cbor:"num_gpus" json:"num_gpus"`
	Devices      []DeviceMetrics `cbor:"gpus" json:"gpus"`
}

// DeviceMetrics holds per-accelerator readings plus the serving-engine
// statistics merged in after collection. The serving fields carry the same
// values on every device entry.
type DeviceMetrics struct {
	MemoryUsed        uint64 `cbor:"memory_used" json:"memory_used"`
	MemoryTotal       uint64 `cbor:"memory_total" json:"memory_total"`
	MemoryFree        uint64 `cbor:"memory_free" json:"memory_free"`
	MemoryUtil        uint32 `cbor:"percentage_time_read_write" json:"percentage_time_read_write"`
	GPUUtil           uint32 `cbor:"percentage_time_gpu_execution" json:"percentage_time_gpu_execution"`
	Temperature       uint32 `cbor:"temperature" json:"temperature"`
	PowerUsage        uint32 `cbor:"power_usage" json:"power_usage"`
	MaxPowerLimit     uint32 `cbor:"max_power_limit" json:"max_power_limit"`
	DefaultPowerLimit uint32 `cbor:"default_power_limit" json:"default_power_limit"`
	MaxTemperature    uint32 `cbor:"max_temperature" json:"max_temperature"`
	EnergyConsumption uint64 `cbor:"energy_consumption" json:"energy_consumption"`

	ChatCompletionLatency  float64 `cbor:"chat_completion_latency" json:"chat_completion_latency"`
	TimeToFirstToken       float64 `cbor:"time_to_first_token" json:"time_to_first_token"`
	InterTokenLatency      float64 `cbor:"inter_token_generation_time" json:"inter_token_generation_time"`
	DecodingTime           float64 `cbor:"decoding_time" json:"decoding_time"`
	ImageGenerationLatency float64 `cbor:"image_generation_latency" json:"image_generation_latency"`
	TextEmbeddingLatency   float64 `cbor:"text_embeddings_latency" json:"text_embeddings_latency"`
	TotalRequests          uint64  `cbor:"total_requests" json:"total_requests"`
	FailedRequests         uint64  `cbor:"failed_requests" json:"failed_requests"`
}

// ServingStats is the result of one round of serving-engine queries.
// Failed queries leave their field at zero.
type ServingStats struct {
	ChatLatency     float64
	FirstTokenTime  float64
	InterTokenTime  float64
	DecodingTime    float64
	ImageGenLatency float64
	TextEmbLatency  float64
	TotalRequests   uint64
	FailedRequests  uint64
}

// MergeServingStats copies the serving statistics into every device entry.
func (r *TelemetryRecord) MergeServingStats(s ServingStats) {
	for i := range r.Devices {
		d := &r.Devices[i]
		d.ChatCompletionLatency = s.ChatLatency
		d.TimeToFirstToken = s.FirstTokenTime
		d.InterTokenLatency = s.InterTokenTime
		d.DecodingTime = s.DecodingTime
		d.ImageGenerationLatency = s.ImageGenLatency
		d.TextEmbeddingLatency = s.TextEmbLatency
		d.TotalRequests = s.TotalRequests
		d.FailedRequests = s.FailedRequests
	}
}
