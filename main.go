package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sevlyar/go-daemon"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"mining-node-agent/agent"
	"mining-node-agent/config"
	"mining-node-agent/monitoring"
	"mining-node-agent/realloc"
	"mining-node-agent/status"
	"mining-node-agent/storage"
)

const pidFileName = "mining-node-agent.pid"

var errLocalNeedsForeground = errors.New("local restart relies on a supervisor seeing exit code 75; run with -D")

type Agent struct {
	cfg     config.Config
	started time.Time
	release func() error

	health    *monitoring.HealthCollector
	queue     *agent.Queue
	metrics   *agent.Metrics
	collector *agent.Collector
	scheduler *agent.Scheduler
	uploader  *agent.Uploader
	status    *status.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	daemonCtx *daemon.Context
	node      *Agent
)

// checkProcessModel rejects combinations where a restart request would be
// lost. A daemonized agent's parent has already exited, so nobody would see
// the restart exit code.
func checkProcessModel(cfg config.Config, isForeground bool) error {
	if cfg.Node.Local && !isForeground {
		return errLocalNeedsForeground
	}
	return nil
}

func NewAgent(cfg config.Config, started time.Time, release func() error) (*Agent, error) {
	a := &Agent{cfg: cfg, started: started, release: release}
	if err := a.Init(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) Init() error {
	log.Debug("agent init")
	cfg := a.cfg
	clk := clock.RealClock{}

	a.health = monitoring.NewHealthCollector()
	a.health.Start()

	workload := monitoring.NewWorkloadCollector(cfg.Workload.StatusURL, cfg.ProbeTimeout())
	network := monitoring.NewNetworkCollector(cfg.NetworkProbeTimeout())
	network.LatencyURL = cfg.Network.LatencyURL
	network.LatencySamples = cfg.Network.LatencySample
	network.DownloadURL = cfg.Network.DownloadURL
	network.UploadURL = cfg.Network.UploadURL
	network.UploadBytes = cfg.Network.UploadBytes
	network.GeoURL = cfg.Network.GeoURL
	network.Regions = cfg.Network.Regions
	network.MinDownloadMbps = float64(cfg.Network.MinDownloadMbps)
	network.MinUploadMbps = float64(cfg.Network.MinUploadMbps)
	network.MaxRTTMs = float64(cfg.Network.MaxRTTMs)

	a.metrics = agent.NewMetrics()
	a.queue = agent.NewQueue(clk)
	a.metrics.WatchQueue(a.queue)

	a.collector = agent.NewCollector(agent.CollectorConfig{
		MachineID:      cfg.Node.MachineID,
		MetricInterval: cfg.MetricInterval(),
		ReportCadence:  cfg.Metric.ReportCadence,
		Algorithm:      cfg.Workload.Algorithm,
		ExportDir:      cfg.Upload.ExportDir,
		ProbeTimeout:   cfg.ProbeTimeout(),
		NetworkTimeout: cfg.NetworkProbeTimeout(),
		StoppedAfter:   cfg.Workload.StoppedAfter,
		Started:        a.started,
	}, agent.Probes{System: a.health, Workload: workload, Network: network}, a.queue, clk, a.metrics)
	a.scheduler = agent.NewScheduler(cfg.MetricInterval(), a.collector.Tick, clk)

	store, err := storage.NewMinioUploader(cfg)
	if err != nil {
		return err
	}
	a.uploader = agent.NewUploader(agent.UploaderConfig{
		PollInterval:     cfg.PollInterval(),
		StallThreshold:   cfg.StallThreshold(),
		FailureThreshold: cfg.Upload.FailureThreshold,
		UploadTimeout:    cfg.UploadTimeout(),
		MirrorDir:        cfg.Upload.MirrorDir,
	}, a.queue, store, realloc.New(cfg, a.release), agent.NewNodeHealth(a.metrics), a.metrics)

	if cfg.Status.Addr != "" {
		a.status = status.NewServer(cfg.Status.Addr, a.collector, a.uploader.Health(), a.metrics)
	}
	return nil
}

func (a *Agent) Start() {
	log.Debug("agent start")
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.status != nil {
		a.status.Start()
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.uploader.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.scheduler.Run(ctx)
	}()
}

func (a *Agent) Export() {
	if err := a.collector.ExportNow(); err != nil {
		log.Warnf("manual export: %v", err)
	}
}

func (a *Agent) Stop() {
	log.Debug("agent stop")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.status.Shutdown(ctx); err != nil {
			log.Warnf("status server shutdown: %v", err)
		}
	}
	a.health.Stop()
	log.Debug("agent stopped")
}

func termHandler(sig os.Signal) error {
	log.Infof("signal by %v ...", sig)
	if node != nil {
		node.Stop()
	}
	if daemonCtx != nil {
		daemonCtx.Release()
		log.Info("daemon stopped")
	}
	return daemon.ErrStop
}

func exportHandler(sig os.Signal) error {
	log.Infof("manual export by %v", sig)
	if node != nil {
		node.Export()
	}
	return nil
}

func main() {
	started := time.Now()
	var debug bool
	var isForeground bool
	var configPath string

	flag.BoolVar(&debug, "debug", false, "Enable debug mode")
	flag.BoolVar(&isForeground, "D", false, "Run the agent in foreground")
	flag.StringVar(&configPath, "config", "", "Path of the YAML config file (overrides AGENT_CONFIG)")
	flag.Parse()

	if configPath != "" {
		os.Setenv("AGENT_CONFIG", configPath)
	}

	log.SetFormatter(&log.TextFormatter{})
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := checkProcessModel(cfg, isForeground); err != nil {
		log.Fatal(err)
	}

	daemonCtx = &daemon.Context{
		PidFileName: pidFileName,
		PidFilePerm: 0644,
		LogFileName: "mining-node-agent.log",
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
		Args:        os.Args,
	}

	var release func() error
	if !isForeground {
		d, err := daemonCtx.Reborn()
		if err != nil {
			log.Fatal("Unable to run: ", err)
		}
		if d != nil {
			// Parent process
			return
		}
		defer daemonCtx.Release()
		release = daemonCtx.Release
		log.Info("daemon started")
	} else {
		daemonCtx = nil
		lock, err := daemon.CreatePidFile(pidFileName, 0644)
		if err != nil {
			log.Fatal("Unable to create pid file: ", err)
		}
		defer lock.Remove()
		release = lock.Remove
	}

	daemon.SetSigHandler(exportHandler, syscall.SIGHUP)
	daemon.SetSigHandler(termHandler, syscall.SIGTERM)
	daemon.SetSigHandler(termHandler, syscall.SIGQUIT)
	daemon.SetSigHandler(termHandler, syscall.SIGINT)

	log.Debugf("machine id: %s", cfg.Node.MachineID)
	log.Debugf("interval: %v, cadence: %d", cfg.MetricInterval(), cfg.Metric.ReportCadence)
	log.Debugf("local: %v", cfg.Node.Local)
	log.Debugf("isForeground: %v", isForeground)

	node, err = NewAgent(cfg, started, release)
	if err != nil {
		log.Fatalf("init agent: %v", err)
	}
	node.Start()

	if err := daemon.ServeSignals(); err != nil {
		log.Errorf("Error: %s", err.Error())
	}
}
