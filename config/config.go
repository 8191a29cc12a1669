package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is fixed at process start and never reloaded.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Metric   MetricConfig   `yaml:"metric"`
	Upload   UploadConfig   `yaml:"upload"`
	Storage  StorageConfig  `yaml:"storage"`
	Network  NetworkConfig  `yaml:"network"`
	Workload WorkloadConfig `yaml:"workload"`
	Realloc  ReallocConfig  `yaml:"realloc"`
	Status   StatusConfig   `yaml:"status"`
}

type NodeConfig struct {
	MachineID string `yaml:"machine_id"`
	Local     bool   `yaml:"local"` // local restart instead of orchestrator callout
}

type MetricConfig struct {
	Interval      int `yaml:"interval"`       // seconds between ticks
	ReportCadence int `yaml:"report_cadence"` // ticks per export
	ProbeTimeout  int `yaml:"probe_timeout"`  // seconds
}

type UploadConfig struct {
	ChunkSize        string `yaml:"chunk_size"`  // e.g. "10M"
	Concurrency      string `yaml:"concurrency"` // e.g. "4"
	FailureThreshold int    `yaml:"failure_threshold"`
	PollInterval     int    `yaml:"poll_interval"` // seconds
	Timeout          int    `yaml:"timeout"`       // seconds
	ExportDir        string `yaml:"export_dir"`
	MirrorDir        string `yaml:"mirror_dir"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Folder    string `yaml:"folder"`
}

type NetworkConfig struct {
	LatencyURL    string            `yaml:"latency_url"`
	LatencySample int               `yaml:"latency_samples"`
	DownloadURL   string            `yaml:"download_url"`
	UploadURL     string            `yaml:"upload_url"`
	UploadBytes   int               `yaml:"upload_bytes"`
	GeoURL        string            `yaml:"geo_url"`
	Regions       map[string]string `yaml:"regions"` // region name -> URL probed for RTT
	Timeout       int               `yaml:"timeout"` // seconds, whole network probe

	// Pass thresholds, also the fallback values when a speed test is blocked.
	MinDownloadMbps int `yaml:"min_download_mbps"`
	MinUploadMbps   int `yaml:"min_upload_mbps"`
	MaxRTTMs        int `yaml:"max_rtt_ms"`
}

type WorkloadConfig struct {
	StatusURL string `yaml:"status_url"`
	Algorithm string `yaml:"algorithm"`
	// StoppedAfter is the number of consecutive failed status calls after
	// which the miner is reported as stopped.
	StoppedAfter int `yaml:"stopped_after"`
}

type ReallocConfig struct {
	URL   string `yaml:"url"`
	Grace int    `yaml:"grace"` // seconds to wait after the callout
}

type StatusConfig struct {
	Addr string `yaml:"addr"` // empty disables the status server
}

func Default() Config {
	return Config{
		Metric: MetricConfig{
			Interval:      60,
			ReportCadence: 5,
			ProbeTimeout:  10,
		},
		Upload: UploadConfig{
			ChunkSize:        "10M",
			Concurrency:      "4",
			FailureThreshold: 2,
			PollInterval:     10,
			Timeout:          120,
			ExportDir:        os.TempDir(),
			MirrorDir:        "data",
		},
		Network: NetworkConfig{
			LatencyURL:    "https://www.google.com/generate_204",
			LatencySample: 5,
			DownloadURL:   "https://speed.cloudflare.com/__down?bytes=25000000",
			UploadURL:     "https://speed.cloudflare.com/__up",
			UploadBytes:   10000000,
			GeoURL:        "https://ipinfo.io/json",
			Regions: map[string]string{
				"us_west1": "https://ec2.us-west-1.amazonaws.com/ping",
				"us_east2": "https://ec2.us-east-2.amazonaws.com/ping",
				"eu_cent1": "https://ec2.eu-central-1.amazonaws.com/ping",
			},
			Timeout:         60,
			MinDownloadMbps: 50,
			MinUploadMbps:   20,
			MaxRTTMs:        499,
		},
		Workload: WorkloadConfig{
			StatusURL:    "http://127.0.0.1:7000",
			StoppedAfter: 3,
		},
		Realloc: ReallocConfig{
			URL:   "http://169.254.169.254:80/v1/reallocate",
			Grace: 30,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// AGENT_CONFIG, and finally the environment.
func Load() (Config, error) {
	cfg := Default()

	path, err := env.GetAsString("AGENT_CONFIG", false, "")
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}

	if cfg.Node.MachineID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Node.MachineID = hostname
		}
	}

	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		v, err := env.GetAsString(key, false, *dst)
		errs = append(errs, err)
		*dst = v
	}
	num := func(key string, dst *int) {
		v, err := env.GetAsInt(key, false, *dst)
		errs = append(errs, err)
		*dst = v
	}
	flag := func(key string, dst *bool) {
		v, err := env.GetAsBool(key, false, *dst)
		errs = append(errs, err)
		*dst = v
	}

	str("SALAD_MACHINE_ID", &c.Node.MachineID)
	str("MACHINE_ID", &c.Node.MachineID)
	flag("NODE_LOCAL", &c.Node.Local)

	num("METRIC_INTERVAL", &c.Metric.Interval)
	num("REPORT_CADENCE", &c.Metric.ReportCadence)
	num("PROBE_TIMEOUT", &c.Metric.ProbeTimeout)

	str("UPLOAD_CHUNK_SIZE", &c.Upload.ChunkSize)
	str("UPLOAD_CONCURRENCY", &c.Upload.Concurrency)
	num("UPLOAD_FAILURE_THRESHOLD", &c.Upload.FailureThreshold)
	num("UPLOAD_POLL_INTERVAL", &c.Upload.PollInterval)
	num("UPLOAD_TIMEOUT", &c.Upload.Timeout)
	str("EXPORT_DIR", &c.Upload.ExportDir)
	str("MIRROR_DIR", &c.Upload.MirrorDir)

	str("AWS_ENDPOINT_URL", &c.Storage.Endpoint)
	str("AWS_REGION", &c.Storage.Region)
	str("AWS_ACCESS_KEY_ID", &c.Storage.AccessKey)
	str("AWS_SECRET_ACCESS_KEY", &c.Storage.SecretKey)
	str("BUCKET", &c.Storage.Bucket)
	str("PREFIX", &c.Storage.Prefix)
	str("FOLDER", &c.Storage.Folder)

	str("NETWORK_LATENCY_URL", &c.Network.LatencyURL)
	num("NETWORK_LATENCY_SAMPLES", &c.Network.LatencySample)
	str("NETWORK_DOWNLOAD_URL", &c.Network.DownloadURL)
	str("NETWORK_UPLOAD_URL", &c.Network.UploadURL)
	num("NETWORK_UPLOAD_BYTES", &c.Network.UploadBytes)
	str("NETWORK_GEO_URL", &c.Network.GeoURL)
	num("NETWORK_PROBE_TIMEOUT", &c.Network.Timeout)
	num("DLSPEED", &c.Network.MinDownloadMbps)
	num("ULSPEED", &c.Network.MinUploadMbps)
	num("RTT", &c.Network.MaxRTTMs)

	str("MINER_API_URL", &c.Workload.StatusURL)
	str("MINER_ALGORITHM", &c.Workload.Algorithm)
	num("MINER_STOPPED_AFTER", &c.Workload.StoppedAfter)

	str("REALLOCATE_URL", &c.Realloc.URL)
	num("REALLOCATE_GRACE", &c.Realloc.Grace)

	str("STATUS_ADDR", &c.Status.Addr)

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	switch {
	case c.Metric.Interval <= 0:
		return fmt.Errorf("%w: metric interval must be positive, got %d", ErrInvalid, c.Metric.Interval)
	case c.Metric.ReportCadence <= 0:
		return fmt.Errorf("%w: report cadence must be positive, got %d", ErrInvalid, c.Metric.ReportCadence)
	case c.Upload.FailureThreshold <= 0:
		return fmt.Errorf("%w: upload failure threshold must be positive, got %d", ErrInvalid, c.Upload.FailureThreshold)
	case c.Upload.PollInterval <= 0:
		return fmt.Errorf("%w: upload poll interval must be positive, got %d", ErrInvalid, c.Upload.PollInterval)
	case c.Metric.ProbeTimeout <= 0:
		return fmt.Errorf("%w: probe timeout must be positive, got %d", ErrInvalid, c.Metric.ProbeTimeout)
	case c.Network.Timeout <= 0:
		return fmt.Errorf("%w: network probe timeout must be positive, got %d", ErrInvalid, c.Network.Timeout)
	case c.Upload.Timeout <= 0:
		return fmt.Errorf("%w: upload timeout must be positive, got %d", ErrInvalid, c.Upload.Timeout)
	case c.Workload.StoppedAfter <= 0:
		return fmt.Errorf("%w: miner stopped-after count must be positive, got %d", ErrInvalid, c.Workload.StoppedAfter)
	case c.FirstTickBudget() >= c.StallThreshold():
		// The first export waits for the network probe; it has to land before
		// the uploader gives up on an empty queue.
		return fmt.Errorf("%w: first tick may take %v, stall threshold is %v", ErrInvalid, c.FirstTickBudget(), c.StallThreshold())
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.ConcurrencyCount(); err != nil {
		return err
	}
	return nil
}

func (c Config) MetricInterval() time.Duration {
	return time.Duration(c.Metric.Interval) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Upload.PollInterval) * time.Second
}

// StallThreshold is how long the upload queue may stay empty before the
// collector is considered stalled.
func (c Config) StallThreshold() time.Duration {
	return c.MetricInterval() * time.Duration(c.Metric.ReportCadence) * 2
}

// FirstTickBudget bounds the first tick: the network probe plus the health and
// workload probes.
func (c Config) FirstTickBudget() time.Duration {
	return c.NetworkProbeTimeout() + 2*c.ProbeTimeout()
}

func (c Config) ChunkSizeBytes() (int64, error) {
	size, err := units.RAMInBytes(c.Upload.ChunkSize)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("%w: chunk size %q", ErrInvalid, c.Upload.ChunkSize)
	}
	return size, nil
}

func (c Config) ConcurrencyCount() (int, error) {
	n, err := strconv.Atoi(c.Upload.Concurrency)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: upload concurrency %q", ErrInvalid, c.Upload.Concurrency)
	}
	return n, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c Config) ProbeTimeout() time.Duration        { return seconds(c.Metric.ProbeTimeout) }
func (c Config) NetworkProbeTimeout() time.Duration { return seconds(c.Network.Timeout) }
func (c Config) UploadTimeout() time.Duration       { return seconds(c.Upload.Timeout) }
func (c Config) ReallocGrace() time.Duration        { return seconds(c.Realloc.Grace) }
