package realloc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"mining-node-agent/config"
)

type Trigger interface {
	Reallocate(ctx context.Context, reason string) error
}

// ExitCodeRestart tells the supervisor to start a fresh agent process.
const ExitCodeRestart = 75

// Local ends the process so that the supervisor restarts it. All in-memory
// state is lost, the same as a crash. Release runs first so the pid file does
// not outlive the process.
type Local struct {
	Release func() error
	Exit    func(code int)
}

func (l *Local) Reallocate(ctx context.Context, reason string) error {
	log.Errorf("local restart requested: %s", reason)
	if l.Release != nil {
		if err := l.Release(); err != nil {
			log.Warnf("release before restart: %v", err)
		}
	}
	exit := l.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(ExitCodeRestart)
	return nil
}

type reallocateRequest struct {
	Reason string `json:"Reason"`
}

// Hosted asks the orchestrator's metadata service to reallocate the node and
// then waits Grace so the orchestrator can act before work resumes.
type Hosted struct {
	URL    string
	Grace  time.Duration
	Client *http.Client
	Sleep  func(time.Duration)
}

func NewHosted(url string, grace time.Duration) *Hosted {
	return &Hosted{
		URL:    url,
		Grace:  grace,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *Hosted) Reallocate(ctx context.Context, reason string) error {
	err := h.post(ctx, reason)
	if err != nil {
		log.Warnf("reallocation callout: %v", err)
	} else {
		log.Infof("reallocation requested: %s", reason)
	}

	sleep := h.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	if h.Grace > 0 {
		sleep(h.Grace)
	}
	return err
}

func (h *Hosted) post(ctx context.Context, reason string) error {
	body, err := jsoniter.Marshal(reallocateRequest{Reason: reason})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Metadata", "true")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", h.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reallocate returned status %d", resp.StatusCode)
	}
	return nil
}

// New picks the variant for the node's deployment. release is handed to the
// local variant.
func New(cfg config.Config, release func() error) Trigger {
	if cfg.Node.Local {
		return &Local{Release: release}
	}
	return NewHosted(cfg.Realloc.URL, cfg.ReallocGrace())
}
