package monitoring

import (
	"context"

	log "github.com/sirupsen/logrus"
)

const mib = 1024 * 1024

// HealthCollector is the node health probe: GPU and CPU must both answer for
// the tick to count as healthy.
type HealthCollector struct {
	GPU GPUFetcher
	CPU CPUFetcher
}

func NewHealthCollector() *HealthCollector {
	return &HealthCollector{
		GPU: &GpuCollector{},
		CPU: &CpuMemoryCollector{},
	}
}

func (h *HealthCollector) Start() {
	h.GPU.Start()
	h.CPU.Start()
}

func (h *HealthCollector) Stop() {
	h.GPU.Stop()
	h.CPU.Stop()
}

func (h *HealthCollector) Probe(ctx context.Context) SystemResult {
	gpu, err := h.GPU.Fetch(ctx)
	if err != nil {
		return SystemResult{Err: err}
	}
	cpu, err := h.CPU.Fetch(ctx)
	if err != nil {
		return SystemResult{Err: err}
	}

	metrics := SystemMetrics{
		VRAMUtilPercent: gpu.MemoryUtil,
		GPUUtilPercent:  gpu.Utilization,
		GPUTemperature:  gpu.Temperature,
		CPUPercent:      cpu.Utilization,
		RAMPercent:      cpu.RAMPercent,
	}
	if gpu.MemoryTotal > 0 {
		metrics.VRAMUsedPercent = float64(gpu.MemoryUsed) * 100 / float64(gpu.MemoryTotal)
	}
	return SystemResult{OK: true, Metrics: metrics}
}

// Info never fails; missing pieces stay empty.
func (h *HealthCollector) Info(ctx context.Context) NodeInfo {
	var info NodeInfo

	name, driver, vram, err := h.GPU.Info(ctx)
	if err != nil {
		log.Warnf("gpu info: %v", err)
	}
	info.GPUType = name
	info.DriverVersion = driver
	info.VRAMTotalMiB = int64(vram / mib)

	model, cores, ram, hostname, err := h.CPU.Info(ctx)
	if err != nil {
		log.Warnf("cpu info: %v", err)
	}
	info.CPUModel = model
	info.CPUCores = cores
	info.RAMTotalMiB = int64(ram / mib)
	info.Hostname = hostname

	return info
}
