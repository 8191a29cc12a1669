package monitoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/mindprince/gonvml"
	log "github.com/sirupsen/logrus"
)

var ErrGPUUnavailable = errors.New("no NVML device available")

type GpuCollector struct {
	Available  bool
	NumDevices int
}

func (g *GpuCollector) Start() {
	err := gonvml.Initialize()
	g.Available = false

	if err != nil {
		log.Warn(err)
		return
	}

	numDevices, err := gonvml.DeviceCount()
	if err != nil {
		log.Warnf("DeviceCount() error: %v", err)
		gonvml.Shutdown()
		return
	}
	log.Infof("Get %d gpu-devices", numDevices)

	if numDevices == 0 {
		gonvml.Shutdown()
		return
	}

	g.NumDevices = int(numDevices)
	g.Available = true
}

func (g *GpuCollector) Stop() {
	if g.Available {
		gonvml.Shutdown()
	}
}

// Fetch sums memory across devices, averages utilization and reports the
// hottest device.
func (g *GpuCollector) Fetch(ctx context.Context) (GPUSample, error) {
	var sample GPUSample
	if !g.Available {
		return sample, ErrGPUUnavailable
	}

	var gpuUtil, memUtil uint
	for i := 0; i < g.NumDevices; i++ {
		if err := ctx.Err(); err != nil {
			return GPUSample{}, err
		}

		dev, err := gonvml.DeviceHandleByIndex(uint(i))
		if err != nil {
			return GPUSample{}, fmt.Errorf("device %d handle: %w", i, err)
		}

		total, used, err := dev.MemoryInfo()
		if err != nil {
			return GPUSample{}, fmt.Errorf("device %d memory info: %w", i, err)
		}

		gpu, mem, err := dev.UtilizationRates()
		if err != nil {
			return GPUSample{}, fmt.Errorf("device %d utilization: %w", i, err)
		}

		temp, err := dev.Temperature()
		if err != nil {
			return GPUSample{}, fmt.Errorf("device %d temperature: %w", i, err)
		}

		sample.MemoryTotal += total
		sample.MemoryUsed += used
		gpuUtil += gpu
		memUtil += mem
		if int(temp) > sample.Temperature {
			sample.Temperature = int(temp)
		}

		log.Debugf("GPU::device [%d], Utilization: %d, Memory: %d/%d, Temp: %d",
			i, gpu, used, total, temp)
	}

	sample.Utilization = float64(gpuUtil) / float64(g.NumDevices)
	sample.MemoryUtil = float64(memUtil) / float64(g.NumDevices)
	return sample, nil
}

func (g *GpuCollector) Info(ctx context.Context) (string, string, uint64, error) {
	if !g.Available {
		return "", "", 0, ErrGPUUnavailable
	}

	driver, err := gonvml.SystemDriverVersion()
	if err != nil {
		log.Debugf("SystemDriverVersion() error: %v", err)
	}

	dev, err := gonvml.DeviceHandleByIndex(0)
	if err != nil {
		return "", driver, 0, fmt.Errorf("device 0 handle: %w", err)
	}
	name, err := dev.Name()
	if err != nil {
		return "", driver, 0, fmt.Errorf("device 0 name: %w", err)
	}

	var memoryTotal uint64
	for i := 0; i < g.NumDevices; i++ {
		d, err := gonvml.DeviceHandleByIndex(uint(i))
		if err != nil {
			continue
		}
		total, _, err := d.MemoryInfo()
		if err != nil {
			continue
		}
		memoryTotal += total
	}
	return name, driver, memoryTotal, nil
}
