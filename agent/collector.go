package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"mining-node-agent/monitoring"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNoSnapshot = errors.New("no tick has completed yet")

type SystemProbe interface {
	Probe(ctx context.Context) monitoring.SystemResult
	Info(ctx context.Context) monitoring.NodeInfo
}

type WorkloadProbe interface {
	Status(ctx context.Context) monitoring.WorkloadResult
}

type NetworkProbe interface {
	Probe(ctx context.Context) monitoring.NetworkResult
}

type Probes struct {
	System   SystemProbe
	Workload WorkloadProbe
	Network  NetworkProbe
}

type CollectorConfig struct {
	MachineID      string
	MetricInterval time.Duration
	ReportCadence  int
	Algorithm      string
	ExportDir      string
	ProbeTimeout   time.Duration
	NetworkTimeout time.Duration
	// StoppedAfter consecutive failed status calls mark the miner stopped.
	StoppedAfter int
	// Started is when the process came up; uptime is measured from it.
	Started time.Time
}

// Collector runs one tick per Collect call and owns the Snapshot.
type Collector struct {
	cfg      CollectorConfig
	probes   Probes
	queue    *Queue
	clock    clock.PassiveClock
	metrics  *Metrics
	started  time.Time
	snapshot *Snapshot
	log      *log.Entry
}

func NewCollector(cfg CollectorConfig, probes Probes, queue *Queue, clk clock.PassiveClock, metrics *Metrics) *Collector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = os.TempDir()
	}
	if cfg.ReportCadence <= 0 {
		cfg.ReportCadence = 1
	}
	if cfg.StoppedAfter <= 0 {
		cfg.StoppedAfter = 1
	}
	started := cfg.Started
	if started.IsZero() {
		started = clk.Now()
	}
	return &Collector{
		cfg:      cfg,
		probes:   probes,
		queue:    queue,
		clock:    clk,
		metrics:  metrics,
		started:  started,
		snapshot: &Snapshot{},
		log:      log.WithField("component", "collector"),
	}
}

// Tick is the Scheduler task.
func (c *Collector) Tick(ctx context.Context, _ time.Time) {
	if err := c.Collect(ctx); err != nil {
		c.log.Errorf("tick failed: %v", err)
	}
}

// Collect samples the node once and appends a history record. Every
// ReportCadence ticks it also exports the Snapshot. The whole call holds the
// Snapshot lock, so overlapping ticks are serialized and exports are
// consistent.
func (c *Collector) Collect(ctx context.Context) error {
	s := c.snapshot
	s.mu.Lock()
	defer s.mu.Unlock()

	first := !s.started
	if first {
		c.initLocked(ctx)
	}

	sys := c.probeSystem(ctx)
	work := c.probeWorkload(ctx)

	now := c.clock.Now()
	seq := 0
	if !first {
		seq = s.No + 1
	}

	record := HistoryRecord{Seq: seq, Timestamp: now}
	if sys.OK {
		record.System = sys.Metrics
	}
	if work.OK {
		record.Perf = work.Perf
		if s.Algorithm == "" {
			s.Algorithm = work.Perf.Algorithm
		}
	}

	s.HealthPass = sys.OK
	if work.OK {
		s.workloadFailures = 0
		s.MinerState = MinerRunning
	} else {
		s.workloadFailures++
		if s.workloadFailures >= c.cfg.StoppedAfter {
			s.MinerState = MinerStopped
		}
	}
	s.LastUpdate = now
	s.Uptime = math.Round(now.Sub(c.started).Seconds()*1000) / 1000
	s.No = seq
	s.History = append(s.History, record)
	s.started = true

	if c.metrics != nil {
		c.metrics.Ticks.Inc()
	}
	c.log.Debugf("tick %d: health=%v miner=%s", seq, sys.OK, s.MinerState)

	if seq%c.cfg.ReportCadence == 0 {
		return c.exportLocked()
	}
	return nil
}

// initLocked fills the fields that are only set on the first tick, including
// the slow network probe.
func (c *Collector) initLocked(ctx context.Context) {
	s := c.snapshot
	s.Online = c.clock.Now()
	s.MachineID = c.cfg.MachineID
	s.MetricInterval = int(c.cfg.MetricInterval / time.Second)
	s.ReportCadence = c.cfg.ReportCadence
	s.Algorithm = c.cfg.Algorithm
	s.MinerState = MinerRunning

	if c.probes.System != nil {
		ictx, cancel := c.withTimeout(ctx, c.cfg.ProbeTimeout)
		s.Node = c.probes.System.Info(ictx)
		cancel()
	}

	if c.probes.Network != nil {
		nctx, cancel := c.withTimeout(ctx, c.cfg.NetworkTimeout)
		result := c.probes.Network.Probe(nctx)
		cancel()

		s.Network = result.Info
		s.NetworkPass = result.OK
		if !result.OK {
			c.probeFailed("network", result.Err)
		}
	}
	c.log.Infof("node %s online at %s", s.MachineID, s.Online.Format(TimeLayout))
}

func (c *Collector) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (c *Collector) probeSystem(ctx context.Context) monitoring.SystemResult {
	if c.probes.System == nil {
		return monitoring.SystemResult{}
	}
	pctx, cancel := c.withTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	result := c.probes.System.Probe(pctx)
	if !result.OK {
		c.probeFailed("health", result.Err)
	}
	return result
}

func (c *Collector) probeWorkload(ctx context.Context) monitoring.WorkloadResult {
	if c.probes.Workload == nil {
		return monitoring.WorkloadResult{}
	}
	pctx, cancel := c.withTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	result := c.probes.Workload.Status(pctx)
	if !result.OK {
		c.probeFailed("workload", result.Err)
	}
	return result
}

func (c *Collector) probeFailed(probe string, err error) {
	if c.metrics != nil {
		c.metrics.ProbeFailures.WithLabelValues(probe).Inc()
	}
	c.log.Warnf("%s probe failed, zero-filling: %v", probe, err)
}

// ExportNow writes and enqueues the current Snapshot outside the regular
// cadence.
func (c *Collector) ExportNow() error {
	c.snapshot.mu.Lock()
	defer c.snapshot.mu.Unlock()

	if !c.snapshot.started {
		return ErrNoSnapshot
	}
	return c.exportLocked()
}

// exportLocked must be called with the Snapshot lock held.
func (c *Collector) exportLocked() error {
	s := c.snapshot
	data, err := json.Marshal(s.documentLocked(true))
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot %d: %w", s.No, err)
	}

	source := filepath.Join(c.cfg.ExportDir, fmt.Sprintf("snapshot-%s.json", uuid.NewString()))
	if err := os.WriteFile(source, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot %d: %w", s.No, err)
	}

	job := UploadJob{
		Source:   source,
		Filename: ExportFilename(s.Online, s.MachineID),
		No:       s.No,
	}
	c.queue.Enqueue(job)

	if c.metrics != nil {
		c.metrics.Exports.Inc()
	}
	c.log.Infof("exported snapshot %d (%d records) to %s", s.No, len(s.History), source)
	return nil
}

// View returns the Snapshot document without history, or false before the
// first tick.
func (c *Collector) View() (Document, bool) {
	c.snapshot.mu.Lock()
	defer c.snapshot.mu.Unlock()

	if !c.snapshot.started {
		return Document{}, false
	}
	doc := c.snapshot.documentLocked(false)
	return doc, true
}

// HistoryLen is mostly useful to tests and the status server.
func (c *Collector) HistoryLen() int {
	c.snapshot.mu.Lock()
	defer c.snapshot.mu.Unlock()
	return len(c.snapshot.History)
}

// History returns a copy of the history records.
func (c *Collector) History() []HistoryRecord {
	c.snapshot.mu.Lock()
	defer c.snapshot.mu.Unlock()
	return append([]HistoryRecord(nil), c.snapshot.History...)
}
