package agent

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"mining-node-agent/monitoring"
)

var online = time.Date(2025, 9, 22, 10, 30, 0, 0, time.UTC)

type collectorFixture struct {
	collector *Collector
	queue     *Queue
	clock     *testingclock.FakeClock
	system    *fakeSystem
	workload  *fakeWorkload
	network   *fakeNetwork
	metrics   *Metrics
}

func newCollectorFixture(t *testing.T, cadence int) *collectorFixture {
	f := &collectorFixture{
		clock:    testingclock.NewFakeClock(online),
		system:   &fakeSystem{},
		workload: &fakeWorkload{},
		network:  &fakeNetwork{},
		metrics:  NewMetrics(),
	}
	f.queue = NewQueue(f.clock)
	f.collector = NewCollector(CollectorConfig{
		MachineID:      "node/7 a",
		MetricInterval: time.Minute,
		ReportCadence:  cadence,
		ExportDir:      t.TempDir(),
		ProbeTimeout:   time.Second,
		NetworkTimeout: time.Second,
		StoppedAfter:   3,
	}, Probes{System: f.system, Workload: f.workload, Network: f.network}, f.queue, f.clock, f.metrics)
	return f
}

func (f *collectorFixture) tick(t *testing.T) {
	require.NoError(t, f.collector.Collect(context.Background()))
	f.clock.Step(time.Minute)
}

func (f *collectorFixture) drain() []UploadJob {
	var jobs []UploadJob
	for {
		job, ok := f.queue.Dequeue(context.Background(), 0)
		if !ok {
			return jobs
		}
		jobs = append(jobs, job)
	}
}

func TestCollectSequence(t *testing.T) {
	f := newCollectorFixture(t, 5)

	for i := 0; i < 12; i++ {
		f.tick(t)

		history := f.collector.History()
		require.Len(t, history, i+1)
		assert.Equal(t, i, history[i].Seq)

		doc, ok := f.collector.View()
		require.True(t, ok)
		assert.Equal(t, i, doc.No)
	}
}

func TestCollectExportCadence(t *testing.T) {
	f := newCollectorFixture(t, 5)

	for i := 0; i < 12; i++ {
		f.tick(t)
	}

	jobs := f.drain()
	require.Len(t, jobs, 3)
	for i, want := range []int{0, 5, 10} {
		assert.Equal(t, want, jobs[i].No)
		assert.Equal(t, "2025-09-22_10-30-00_node_7_a.txt", jobs[i].Filename)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Exports))
	assert.Equal(t, 12.0, testutil.ToFloat64(f.metrics.Ticks))

	t.Log("each export is a point-in-time copy of the whole snapshot")
	data, err := os.ReadFile(jobs[1].Source)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 5, doc.No)
	assert.Len(t, doc.History, 6)
	assert.Equal(t, HistoryColumns, doc.HistoryColumn)
	assert.Equal(t, "2025-09-22 10:30:00", doc.Online)
	assert.Equal(t, "2025-09-22 10:35:00", doc.LastUpdate)
	assert.Equal(t, "node/7 a", doc.MachineID)
	assert.Equal(t, "RTX 3060", doc.GPUType)
	assert.Equal(t, "NO", doc.Country)
	assert.True(t, strings.HasPrefix(doc.History[5], "5,2025-09-22 10:35:00,"))
}

func TestCollectWorkloadDownScenario(t *testing.T) {
	f := newCollectorFixture(t, 5)
	f.workload.fail = true

	for i := 0; i < 12; i++ {
		f.tick(t)
	}

	history := f.collector.History()
	require.Len(t, history, 12)
	for _, r := range history {
		assert.Equal(t, healthySystem, r.System)
		assert.Equal(t, monitoring.PerfMetrics{}, r.Perf)
	}

	doc, _ := f.collector.View()
	assert.Equal(t, MinerStopped, doc.MinerState)
	assert.True(t, doc.HealthPass)
	assert.Len(t, f.drain(), 3)
	assert.Equal(t, 12.0, testutil.ToFloat64(f.metrics.ProbeFailures.WithLabelValues("workload")))
}

func TestCollectHealthFailureIsIndependent(t *testing.T) {
	f := newCollectorFixture(t, 5)
	f.system.fail = true

	f.tick(t)

	history := f.collector.History()
	require.Len(t, history, 1)
	assert.Equal(t, monitoring.SystemMetrics{}, history[0].System)
	assert.Equal(t, minerPerf, history[0].Perf)

	fields := history[0].Fields()
	require.Len(t, fields, 14)
	assert.Equal(t, []string{"0", "0", "0", "0", "0", "0"}, fields[2:8])

	doc, _ := f.collector.View()
	assert.False(t, doc.HealthPass)
	assert.Equal(t, MinerRunning, doc.MinerState)
	assert.Equal(t, "Fishhash", doc.Algorithm)
}

func TestCollectNetworkProbeOnlyOnFirstTick(t *testing.T) {
	f := newCollectorFixture(t, 5)

	for i := 0; i < 4; i++ {
		f.tick(t)
	}

	assert.Equal(t, 1, f.network.Calls())
	doc, _ := f.collector.View()
	assert.True(t, doc.NetworkPass)
	assert.Equal(t, 12.5, doc.LatencyMs)
}

func TestCollectUptimeMilliseconds(t *testing.T) {
	f := newCollectorFixture(t, 5)

	f.clock.Step(1234567 * time.Microsecond)
	require.NoError(t, f.collector.Collect(context.Background()))

	doc, _ := f.collector.View()
	assert.Equal(t, 1.235, doc.Uptime)
}

func TestCollectMinerStateSurvivesTransientFailures(t *testing.T) {
	f := newCollectorFixture(t, 5)

	f.tick(t)
	f.workload.fail = true
	f.tick(t)

	doc, _ := f.collector.View()
	assert.Equal(t, MinerRunning, doc.MinerState, "one failed status call is not a stopped miner")
	assert.Equal(t, monitoring.PerfMetrics{}, f.collector.History()[1].Perf)

	f.tick(t)
	f.tick(t)
	doc, _ = f.collector.View()
	assert.Equal(t, MinerStopped, doc.MinerState)

	t.Log("a successful status call resets the count")
	f.workload.fail = false
	f.tick(t)
	doc, _ = f.collector.View()
	assert.Equal(t, MinerRunning, doc.MinerState)

	f.workload.fail = true
	f.tick(t)
	f.tick(t)
	doc, _ = f.collector.View()
	assert.Equal(t, MinerRunning, doc.MinerState)
}

func TestCollectMinerRunningFromFirstTick(t *testing.T) {
	f := newCollectorFixture(t, 5)
	f.workload.fail = true

	f.tick(t)

	doc, _ := f.collector.View()
	assert.Equal(t, MinerRunning, doc.MinerState)
}

func TestCollectUptimeFromProcessStart(t *testing.T) {
	fc := testingclock.NewFakeClock(online)
	c := NewCollector(CollectorConfig{
		MachineID:     "node",
		ReportCadence: 5,
		ExportDir:     t.TempDir(),
		Started:       online.Add(-90 * time.Second),
	}, Probes{System: &fakeSystem{}, Workload: &fakeWorkload{}}, NewQueue(fc), fc, nil)

	require.NoError(t, c.Collect(context.Background()))

	doc, _ := c.View()
	assert.Equal(t, 90.0, doc.Uptime, "time spent before the collector existed counts")
}

func TestCollectOverlappingTicks(t *testing.T) {
	f := newCollectorFixture(t, 5)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.collector.Collect(context.Background()))
		}()
	}
	wg.Wait()

	history := f.collector.History()
	require.Len(t, history, 20)
	for i, r := range history {
		assert.Equal(t, i, r.Seq)
	}

	jobs := f.drain()
	require.Len(t, jobs, 4)
	for i, job := range jobs {
		assert.Equal(t, i*5, job.No, "jobs are enqueued in tick order")
	}
}

func TestExportNow(t *testing.T) {
	f := newCollectorFixture(t, 5)

	assert.ErrorIs(t, f.collector.ExportNow(), ErrNoSnapshot)

	f.tick(t)
	f.tick(t)
	require.NoError(t, f.collector.ExportNow())

	jobs := f.drain()
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[1].No)
}

func TestCollectExportFailureKeepsHistory(t *testing.T) {
	f := newCollectorFixture(t, 1)
	f.collector.cfg.ExportDir = "/nonexistent/export/dir"

	err := f.collector.Collect(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 1, f.collector.HistoryLen())
	assert.Equal(t, 0, f.queue.Len())
}
