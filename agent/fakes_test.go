package agent

import (
	"context"
	"errors"
	"sync"

	"mining-node-agent/monitoring"
	"mining-node-agent/storage"
)

var errProbe = errors.New("probe failed")

var healthySystem = monitoring.SystemMetrics{
	VRAMUsedPercent: 41.2,
	VRAMUtilPercent: 37,
	GPUUtilPercent:  99,
	GPUTemperature:  64,
	CPUPercent:      8.5,
	RAMPercent:      22.1,
}

var minerPerf = monitoring.PerfMetrics{
	Algorithm:    "Fishhash",
	Unit:         "Mh/s",
	Performance:  30.25,
	PowerWatts:   118.4,
	CoreTemp:     61,
	CoreClockMHz: 1785,
	Accepted:     120,
	Rejected:     2,
}

type fakeSystem struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *fakeSystem) Probe(ctx context.Context) monitoring.SystemResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return monitoring.SystemResult{Err: errProbe}
	}
	return monitoring.SystemResult{OK: true, Metrics: healthySystem}
}

func (f *fakeSystem) Info(ctx context.Context) monitoring.NodeInfo {
	return monitoring.NodeInfo{GPUType: "RTX 3060", VRAMTotalMiB: 12288}
}

type fakeWorkload struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeWorkload) Status(ctx context.Context) monitoring.WorkloadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return monitoring.WorkloadResult{Err: monitoring.ErrMalformedStatus}
	}
	return monitoring.WorkloadResult{OK: true, Perf: minerPerf}
}

type fakeNetwork struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNetwork) Probe(ctx context.Context) monitoring.NetworkResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return monitoring.NetworkResult{OK: true, Info: monitoring.NetworkInfo{Country: "NO", LatencyMs: 12.5}}
}

func (f *fakeNetwork) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStorage struct {
	mu       sync.Mutex
	outcomes []bool // consumed in order, missing entries succeed
	uploads  []string
	contents [][]byte
	readFile func(string) ([]byte, error)
}

func (f *fakeStorage) Upload(ctx context.Context, source, filename string) storage.Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	ok := true
	if len(f.outcomes) > 0 {
		ok = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	f.uploads = append(f.uploads, filename)
	if f.readFile != nil {
		data, _ := f.readFile(source)
		f.contents = append(f.contents, data)
	}
	if !ok {
		return storage.Record{"error": "AccessDenied"}
	}
	return storage.Record{"size": "1", "time": "0.001", "throughput": "1000"}
}

func (f *fakeStorage) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

type fakeTrigger struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeTrigger) Reallocate(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeTrigger) Reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}
