package monitoring

// SystemMetrics is the health section of one tick.
type SystemMetrics struct {
	VRAMUsedPercent float64 `json:"vram_used_pct"`
	VRAMUtilPercent float64 `json:"vram_util_pct"`
	GPUUtilPercent  float64 `json:"gpu_util_pct"`
	GPUTemperature  int     `json:"gpu_temp_c"`
	CPUPercent      float64 `json:"cpu_pct"`
	RAMPercent      float64 `json:"cpu_ram_pct"`
}

// SystemResult is the outcome of the health probe. When OK is false the
// metrics are meaningless and callers zero-fill.
type SystemResult struct {
	OK      bool
	Err     error
	Metrics SystemMetrics
}

// PerfMetrics are the workload performance counters of one tick.
type PerfMetrics struct {
	Algorithm    string  `json:"algorithm"`
	Unit         string  `json:"unit"`
	Performance  float64 `json:"perf"`
	PowerWatts   float64 `json:"power_w"`
	CoreTemp     int     `json:"core_temp_c"`
	CoreClockMHz int     `json:"core_clock_mhz"`
	Accepted     int64   `json:"accepted"`
	Rejected     int64   `json:"rejected"`
}

type WorkloadResult struct {
	OK   bool
	Err  error
	Perf PerfMetrics
}

type NetworkInfo struct {
	PublicIP     string             `json:"public_ip"`
	Country      string             `json:"country"`
	Location     string             `json:"location"`
	LatencyMs    float64            `json:"latency_ms"`
	DownloadMbps float64            `json:"download_Mbps"`
	UploadMbps   float64            `json:"upload_Mbps"`
	RegionRTTMs  map[string]float64 `json:"region_rtt_ms,omitempty"`
}

// NetworkResult is OK when the measured network meets the pass thresholds.
// Blocked measurements fall back to the threshold values and still pass.
type NetworkResult struct {
	OK   bool
	Err  error
	Info NetworkInfo
}

// NodeInfo is static hardware identity collected once.
type NodeInfo struct {
	GPUType       string `json:"gpu_type"`
	DriverVersion string `json:"gpu_cuda_version"`
	VRAMTotalMiB  int64  `json:"gpu_vram_total_MiB"`
	CPUModel      string `json:"cpu_model"`
	CPUCores      int    `json:"cpu_cores"`
	RAMTotalMiB   int64  `json:"ram_total_MiB"`
	Hostname      string `json:"hostname"`
}

type GPUSample struct {
	MemoryUsed  uint64
	MemoryTotal uint64
	Utilization float64
	MemoryUtil  float64
	Temperature int
}

type CPUSample struct {
	Utilization float64
	RAMPercent  float64
}
