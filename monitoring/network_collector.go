package monitoring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrNetworkBelowThreshold = errors.New("network below pass threshold")

// NetworkCollector measures latency, download and upload bandwidth and the
// round trip to a few reference regions, and looks up the node's public
// location. It is slow and only run once per process.
type NetworkCollector struct {
	LatencyURL     string
	LatencySamples int
	DownloadURL    string
	UploadURL      string
	UploadBytes    int
	GeoURL         string
	Regions        map[string]string
	Client         *http.Client

	MinDownloadMbps float64
	MinUploadMbps   float64
	MaxRTTMs        float64
}

type geoInfo struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}

func NewNetworkCollector(timeout time.Duration) *NetworkCollector {
	return &NetworkCollector{
		Client: &http.Client{Timeout: timeout},
	}
}

func (n *NetworkCollector) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return http.DefaultClient
}

func (n *NetworkCollector) Probe(ctx context.Context) NetworkResult {
	var info NetworkInfo

	// Some ISPs block speed tests; measurements that fail take the threshold
	// value instead of failing the node.
	latency, err := n.latency(ctx)
	if err != nil {
		log.Warnf("network latency, using %v ms: %v", n.MaxRTTMs, err)
		latency = n.MaxRTTMs
	}
	info.LatencyMs = latency

	down, err := n.download(ctx)
	if err != nil {
		log.Warnf("network download, using %v Mbps: %v", n.MinDownloadMbps, err)
		down = n.MinDownloadMbps
	}
	info.DownloadMbps = down

	up, err := n.upload(ctx)
	if err != nil {
		log.Warnf("network upload, using %v Mbps: %v", n.MinUploadMbps, err)
		up = n.MinUploadMbps
	}
	info.UploadMbps = up

	info.RegionRTTMs = n.regionRTTs(ctx)
	info = n.withGeo(ctx, info)
	log.Infof("Network: latency %.1f ms, download %.1f Mbps, upload %.1f Mbps, regions %v, %s/%s",
		info.LatencyMs, info.DownloadMbps, info.UploadMbps, info.RegionRTTMs, info.Country, info.Location)

	if err := n.check(info); err != nil {
		return NetworkResult{Err: err, Info: info}
	}
	return NetworkResult{OK: true, Info: info}
}

func (n *NetworkCollector) check(info NetworkInfo) error {
	var failed []string
	if info.DownloadMbps < n.MinDownloadMbps {
		failed = append(failed, fmt.Sprintf("download %.1f < %v Mbps", info.DownloadMbps, n.MinDownloadMbps))
	}
	if info.UploadMbps < n.MinUploadMbps {
		failed = append(failed, fmt.Sprintf("upload %.1f < %v Mbps", info.UploadMbps, n.MinUploadMbps))
	}
	if info.LatencyMs > n.MaxRTTMs {
		failed = append(failed, fmt.Sprintf("latency %.1f > %v ms", info.LatencyMs, n.MaxRTTMs))
	}
	regions := make([]string, 0, len(info.RegionRTTMs))
	for region := range info.RegionRTTMs {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	for _, region := range regions {
		if rtt := info.RegionRTTMs[region]; rtt > n.MaxRTTMs {
			failed = append(failed, fmt.Sprintf("rtt to %s %.1f > %v ms", region, rtt, n.MaxRTTMs))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrNetworkBelowThreshold, strings.Join(failed, ", "))
	}
	return nil
}

// roundTrips returns the sorted round trips to url in milliseconds.
func (n *NetworkCollector) roundTrips(ctx context.Context, url string) ([]float64, error) {
	samples := n.LatencySamples
	if samples <= 0 {
		samples = 1
	}

	rtts := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		start := time.Now()
		resp, err := n.client().Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to reach %s: %w", url, err)
		}
		resp.Body.Close()
		rtts = append(rtts, float64(time.Since(start).Microseconds())/1000)
	}

	sort.Float64s(rtts)
	return rtts, nil
}

// latency returns the median round trip in milliseconds.
func (n *NetworkCollector) latency(ctx context.Context) (float64, error) {
	rtts, err := n.roundTrips(ctx, n.LatencyURL)
	if err != nil {
		return 0, err
	}
	return rtts[len(rtts)/2], nil
}

// regionRTTs averages the round trips to each region. An unreachable region
// reports MaxRTTMs.
func (n *NetworkCollector) regionRTTs(ctx context.Context) map[string]float64 {
	if len(n.Regions) == 0 {
		return nil
	}

	out := make(map[string]float64, len(n.Regions))
	for region, url := range n.Regions {
		rtts, err := n.roundTrips(ctx, url)
		if err != nil {
			log.Warnf("rtt to %s, using %v ms: %v", region, n.MaxRTTMs, err)
			out[region] = n.MaxRTTMs
			continue
		}
		var sum float64
		for _, rtt := range rtts {
			sum += rtt
		}
		out[region] = sum / float64(len(rtts))
	}
	return out
}

func (n *NetworkCollector) download(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.DownloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := n.client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", n.DownloadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	written, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("download interrupted after %d bytes: %w", written, err)
	}
	return mbps(written, time.Since(start))
}

func (n *NetworkCollector) upload(ctx context.Context) (float64, error) {
	if n.UploadURL == "" || n.UploadBytes <= 0 {
		return 0, errors.New("no upload target configured")
	}

	payload := bytes.Repeat([]byte{'0'}, n.UploadBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.UploadURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := n.client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to upload to %s: %w", n.UploadURL, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return mbps(int64(len(payload)), time.Since(start))
}

func mbps(n int64, elapsed time.Duration) (float64, error) {
	seconds := elapsed.Seconds()
	if seconds <= 0 || n == 0 {
		return 0, fmt.Errorf("transfer too small to measure (%d bytes)", n)
	}
	return float64(n) * 8 / seconds / 1e6, nil
}

// withGeo fills location fields best-effort; a failed lookup does not fail
// the network probe.
func (n *NetworkCollector) withGeo(ctx context.Context, info NetworkInfo) NetworkInfo {
	if n.GeoURL == "" {
		return info
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.GeoURL, nil)
	if err != nil {
		return info
	}
	resp, err := n.client().Do(req)
	if err != nil {
		log.Debugf("geo lookup: %v", err)
		return info
	}
	defer resp.Body.Close()

	var geo geoInfo
	if err := json.NewDecoder(resp.Body).Decode(&geo); err != nil {
		log.Debugf("geo lookup decode: %v", err)
		return info
	}

	info.PublicIP = geo.IP
	info.Country = geo.Country
	parts := make([]string, 0, 2)
	for _, p := range []string{geo.City, geo.Region} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	info.Location = strings.Join(parts, ", ")
	return info
}
