package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrMalformedStatus = errors.New("malformed workload status")

// minerStatus mirrors the subset of the lolMiner API the agent reads.
// Pointers distinguish a missing counter from a zero one.
type minerStatus struct {
	Software   string `json:"Software"`
	Algorithms []struct {
		Algorithm        string   `json:"Algorithm"`
		PerformanceUnit  string   `json:"Performance_Unit"`
		TotalPerformance *float64 `json:"Total_Performance"`
		TotalAccepted    *int64   `json:"Total_Accepted"`
		TotalRejected    *int64   `json:"Total_Rejected"`
	} `json:"Algorithms"`
	Workers []struct {
		Name     string   `json:"Name"`
		Power    *float64 `json:"Power"`
		CoreTemp *float64 `json:"Core_Temp"`
		CCLK     *float64 `json:"CCLK"`
	} `json:"Workers"`
}

// WorkloadCollector polls the miner's status endpoint.
type WorkloadCollector struct {
	URL    string
	Client *http.Client
}

func NewWorkloadCollector(url string, timeout time.Duration) *WorkloadCollector {
	return &WorkloadCollector{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (w *WorkloadCollector) Status(ctx context.Context) WorkloadResult {
	perf, err := w.fetch(ctx)
	if err != nil {
		log.Warnf("workload status: %v", err)
		return WorkloadResult{Err: err}
	}
	return WorkloadResult{OK: true, Perf: perf}
}

func (w *WorkloadCollector) fetch(ctx context.Context) (PerfMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL, nil)
	if err != nil {
		return PerfMetrics{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return PerfMetrics{}, fmt.Errorf("failed to query %s: %w", w.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PerfMetrics{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status minerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return PerfMetrics{}, fmt.Errorf("%w: %v", ErrMalformedStatus, err)
	}
	return status.perf()
}

func (s minerStatus) perf() (PerfMetrics, error) {
	if len(s.Algorithms) == 0 || len(s.Workers) == 0 {
		return PerfMetrics{}, fmt.Errorf("%w: no algorithm or worker entries", ErrMalformedStatus)
	}
	algo, worker := s.Algorithms[0], s.Workers[0]

	switch {
	case algo.TotalPerformance == nil:
		return PerfMetrics{}, fmt.Errorf("%w: missing Total_Performance", ErrMalformedStatus)
	case algo.TotalAccepted == nil:
		return PerfMetrics{}, fmt.Errorf("%w: missing Total_Accepted", ErrMalformedStatus)
	case algo.TotalRejected == nil:
		return PerfMetrics{}, fmt.Errorf("%w: missing Total_Rejected", ErrMalformedStatus)
	case worker.Power == nil:
		return PerfMetrics{}, fmt.Errorf("%w: missing Power", ErrMalformedStatus)
	case worker.CoreTemp == nil:
		return PerfMetrics{}, fmt.Errorf("%w: missing Core_Temp", ErrMalformedStatus)
	case worker.CCLK == nil:
		return PerfMetrics{}, fmt.Errorf("%w: missing CCLK", ErrMalformedStatus)
	}

	return PerfMetrics{
		Algorithm:    algo.Algorithm,
		Unit:         algo.PerformanceUnit,
		Performance:  *algo.TotalPerformance,
		PowerWatts:   *worker.Power,
		CoreTemp:     int(*worker.CoreTemp),
		CoreClockMHz: int(*worker.CCLK),
		Accepted:     *algo.TotalAccepted,
		Rejected:     *algo.TotalRejected,
	}, nil
}
