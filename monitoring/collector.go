package monitoring

import "context"

// ResourceCollector owns a device handle for the agent's lifetime.
type ResourceCollector interface {
	Start()
	Stop()
}

type GPUFetcher interface {
	ResourceCollector
	Fetch(ctx context.Context) (GPUSample, error)
	Info(ctx context.Context) (name, driver string, memoryTotal uint64, err error)
}

type CPUFetcher interface {
	ResourceCollector
	Fetch(ctx context.Context) (CPUSample, error)
	Info(ctx context.Context) (model string, cores int, memoryTotal uint64, hostname string, err error)
}
