package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

type CpuMemoryCollector struct {
	// SampleWindow is how long cpu.Percent measures; zero compares against
	// the previous call.
	SampleWindow time.Duration
	StartedTime  time.Time
}

func (r *CpuMemoryCollector) Start() {
	r.StartedTime = time.Now()
	if r.SampleWindow == 0 {
		r.SampleWindow = time.Second
	}
}

func (r *CpuMemoryCollector) Stop() {}

func (r *CpuMemoryCollector) Fetch(ctx context.Context) (CPUSample, error) {
	percents, err := cpu.PercentWithContext(ctx, r.SampleWindow, false)
	if err != nil {
		return CPUSample{}, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) == 0 {
		return CPUSample{}, fmt.Errorf("cpu percent: empty result")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return CPUSample{}, fmt.Errorf("virtual memory: %w", err)
	}

	log.Debugf("CPU::Utilization: %.1f, RAM: %.1f", percents[0], vm.UsedPercent)
	return CPUSample{
		Utilization: percents[0],
		RAMPercent:  vm.UsedPercent,
	}, nil
}

func (r *CpuMemoryCollector) Info(ctx context.Context) (string, int, uint64, string, error) {
	var model string
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		log.Warnf("cpu info: %v", err)
	} else if len(infos) > 0 {
		model = strings.TrimSpace(infos[0].ModelName)
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		log.Warnf("cpu counts: %v", err)
	}

	var hostname string
	if hi, err := host.InfoWithContext(ctx); err == nil {
		hostname = hi.Hostname
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model, cores, 0, hostname, fmt.Errorf("virtual memory: %w", err)
	}
	return model, cores, vm.Total, hostname, nil
}
