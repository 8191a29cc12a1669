package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"mining-node-agent/storage"
)

// Reallocator asks whoever runs this node to replace it. A call is a request,
// it may return before anything happens.
type Reallocator interface {
	Reallocate(ctx context.Context, reason string) error
}

type UploaderConfig struct {
	PollInterval     time.Duration
	StallThreshold   time.Duration
	FailureThreshold int
	UploadTimeout    time.Duration
	MirrorDir        string
}

// Uploader is the only consumer of the Queue. It escalates to the
// Reallocator when uploads keep failing or when the queue stays empty for
// longer than StallThreshold.
type Uploader struct {
	cfg     UploaderConfig
	queue   *Queue
	storage storage.Uploader
	trigger Reallocator
	health  *NodeHealth
	metrics *Metrics
	log     *log.Entry

	consecutiveFailures int
	idle                time.Duration
}

func NewUploader(cfg UploaderConfig, queue *Queue, store storage.Uploader, trigger Reallocator, health *NodeHealth, metrics *Metrics) *Uploader {
	if health == nil {
		health = NewNodeHealth(metrics)
	}
	return &Uploader{
		cfg:     cfg,
		queue:   queue,
		storage: store,
		trigger: trigger,
		health:  health,
		metrics: metrics,
		log:     log.WithField("component", "uploader"),
	}
}

// Run loops until ctx is done. Requesting reallocation does not stop it.
func (u *Uploader) Run(ctx context.Context) {
	u.log.Infof("waiting for snapshots (poll %v, stall after %v)", u.cfg.PollInterval, u.cfg.StallThreshold)
	for ctx.Err() == nil {
		u.step(ctx)
	}
}

func (u *Uploader) step(ctx context.Context) {
	job, ok := u.queue.Dequeue(ctx, u.cfg.PollInterval)
	if !ok {
		if ctx.Err() != nil {
			return
		}
		u.idle += u.cfg.PollInterval
		if u.idle >= u.cfg.StallThreshold {
			u.log.Errorf("no snapshot for %v", u.idle)
			u.escalate(ctx, ReasonStalled)
			u.idle = 0
		}
		return
	}

	u.idle = 0
	u.process(ctx, job)
}

func (u *Uploader) process(ctx context.Context, job UploadJob) {
	uctx := ctx
	if u.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(ctx, u.cfg.UploadTimeout)
		defer cancel()
	}

	record := u.storage.Upload(uctx, job.Source, job.Filename)
	if record.Succeeded() {
		u.consecutiveFailures = 0
		u.count("success")
		u.log.Infof("uploaded snapshot %d as %s: %v", job.No, job.Filename, map[string]string(record))
	} else {
		u.consecutiveFailures++
		u.count("failure")
		u.log.Warnf("upload of snapshot %d failed (%d in a row): %s", job.No, u.consecutiveFailures, record.Error())
		if u.consecutiveFailures >= u.cfg.FailureThreshold {
			u.escalate(ctx, ReasonUploadFailure)
		}
	}

	// The job is never retried; the mirror keeps the latest export either way.
	if err := u.mirror(job); err != nil {
		u.log.Warnf("mirror snapshot %d: %v", job.No, err)
	}
	if err := os.Remove(job.Source); err != nil && !os.IsNotExist(err) {
		u.log.Warnf("remove %s: %v", job.Source, err)
	}
}

func (u *Uploader) count(result string) {
	if u.metrics != nil {
		u.metrics.Uploads.WithLabelValues(result).Inc()
	}
}

func (u *Uploader) escalate(ctx context.Context, reason string) {
	u.health.Observe(ctx, reason)
	if u.metrics != nil {
		u.metrics.Reallocations.WithLabelValues(reason).Inc()
	}
	u.log.Errorf("requesting reallocation: %s", reason)
	if err := u.trigger.Reallocate(ctx, reason); err != nil {
		u.log.Warnf("reallocation request failed: %v", err)
	}
}

// mirror replaces MirrorDir/Filename with the job's content.
func (u *Uploader) mirror(job UploadJob) error {
	if u.cfg.MirrorDir == "" {
		return nil
	}
	if err := os.MkdirAll(u.cfg.MirrorDir, 0755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}

	src, err := os.Open(job.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(u.cfg.MirrorDir, ".mirror-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(u.cfg.MirrorDir, job.Filename))
}

// Health exposes the node health state machine.
func (u *Uploader) Health() *NodeHealth {
	return u.health
}
