package agent

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"mining-node-agent/monitoring"
)

const (
	TimeLayout     = "2006-01-02 15:04:05"
	fileTimeLayout = "2006-01-02_15-04-05"

	HistoryColumns = "seq,timestamp,vram_used_%,vram_util_%,gpu_util_%,gpu_temp_C,cpu_%,cpu_ram_%,perf,power_W,core_temp_C,core_clock_MHz,accepted,rejected"
)

type MinerState string

const (
	MinerRunning MinerState = "running"
	MinerStopped MinerState = "stopped"
)

// HistoryRecord is one tick. Failed probe sections stay at their zero value
// so every record has the same shape.
type HistoryRecord struct {
	Seq       int
	Timestamp time.Time
	System    monitoring.SystemMetrics
	Perf      monitoring.PerfMetrics
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func (r HistoryRecord) Fields() []string {
	return []string{
		strconv.Itoa(r.Seq),
		r.Timestamp.Format(TimeLayout),
		formatFloat(round(r.System.VRAMUsedPercent, 1)),
		formatFloat(round(r.System.VRAMUtilPercent, 1)),
		formatFloat(round(r.System.GPUUtilPercent, 1)),
		strconv.Itoa(r.System.GPUTemperature),
		formatFloat(round(r.System.CPUPercent, 1)),
		formatFloat(round(r.System.RAMPercent, 1)),
		formatFloat(round(r.Perf.Performance, 3)),
		formatFloat(r.Perf.PowerWatts),
		strconv.Itoa(r.Perf.CoreTemp),
		strconv.Itoa(r.Perf.CoreClockMHz),
		strconv.FormatInt(r.Perf.Accepted, 10),
		strconv.FormatInt(r.Perf.Rejected, 10),
	}
}

func (r HistoryRecord) String() string {
	return strings.Join(r.Fields(), ",")
}

// Snapshot is the node's state for the lifetime of the process. All access
// goes through mu.
type Snapshot struct {
	mu sync.Mutex

	started bool

	Online    time.Time
	MachineID string

	LastUpdate  time.Time
	Uptime      float64
	No          int
	MinerState  MinerState
	HealthPass  bool

	workloadFailures int
	NetworkPass bool

	MetricInterval int
	ReportCadence  int
	Algorithm      string

	Node    monitoring.NodeInfo
	Network monitoring.NetworkInfo

	History []HistoryRecord
}

// Document is the exported JSON form of a Snapshot.
type Document struct {
	Online      string     `json:"online"`
	LastUpdate  string     `json:"last_update"`
	Uptime      float64    `json:"uptime_s"`
	No          int        `json:"no"`
	MachineID   string     `json:"salad_machine_id"`
	MinerState  MinerState `json:"miner_state"`
	HealthPass  bool       `json:"health_pass"`
	NetworkPass bool       `json:"network_pass"`

	MetricInterval int    `json:"metric_interval_s"`
	ReportCadence  int    `json:"report_cadence"`
	Algorithm      string `json:"algorithm"`

	monitoring.NodeInfo
	monitoring.NetworkInfo

	HistoryColumn string   `json:"history_column"`
	History       []string `json:"history"`
}

// documentLocked must be called with mu held.
func (s *Snapshot) documentLocked(withHistory bool) Document {
	doc := Document{
		Online:         s.Online.Format(TimeLayout),
		LastUpdate:     s.LastUpdate.Format(TimeLayout),
		Uptime:         s.Uptime,
		No:             s.No,
		MachineID:      s.MachineID,
		MinerState:     s.MinerState,
		HealthPass:     s.HealthPass,
		NetworkPass:    s.NetworkPass,
		MetricInterval: s.MetricInterval,
		ReportCadence:  s.ReportCadence,
		Algorithm:      s.Algorithm,
		NodeInfo:       s.Node,
		NetworkInfo:    s.Network,
		HistoryColumn:  HistoryColumns,
		History:        []string{},
	}
	if withHistory {
		doc.History = make([]string, len(s.History))
		for i, r := range s.History {
			doc.History[i] = r.String()
		}
	}
	return doc
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExportFilename names the object a node run is exported to. Every export of
// the same run overwrites the same object.
func ExportFilename(online time.Time, machineID string) string {
	name := online.Format(fileTimeLayout) + "_" + machineID
	return unsafeFilenameChars.ReplaceAllString(name, "_") + ".txt"
}
