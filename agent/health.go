package agent

import (
	"context"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"
)

const (
	StateHealthy  = "healthy"
	StateStalled  = "stalled"
	StateDegraded = "degraded"

	EventStall   = "stall"
	EventDegrade = "degrade"

	ReasonStalled       = "stalled collector"
	ReasonUploadFailure = "repeated upload failure"
)

var healthStates = []string{StateHealthy, StateStalled, StateDegraded}

// NodeHealth tracks whether reallocation has been requested. Nothing leads
// back to healthy; recovery means a fresh node.
type NodeHealth struct {
	fsm     *fsm.FSM
	metrics *Metrics
}

func NewNodeHealth(metrics *Metrics) *NodeHealth {
	h := &NodeHealth{metrics: metrics}
	h.fsm = fsm.NewFSM(
		StateHealthy,
		fsm.Events{
			{Name: EventStall, Src: []string{StateHealthy, StateDegraded}, Dst: StateStalled},
			{Name: EventDegrade, Src: []string{StateHealthy, StateStalled}, Dst: StateDegraded},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.WithField("component", "health").Warnf("node health %s -> %s (%s)", e.Src, e.Dst, e.Event)
				h.setGauge(e.Dst)
			},
		},
	)
	h.setGauge(StateHealthy)
	return h
}

func (h *NodeHealth) setGauge(current string) {
	if h.metrics == nil {
		return
	}
	for _, s := range healthStates {
		v := 0.0
		if s == current {
			v = 1
		}
		h.metrics.NodeHealth.WithLabelValues(s).Set(v)
	}
}

// Observe records an escalation reason. Repeating the reason of the current
// state is a no-op.
func (h *NodeHealth) Observe(ctx context.Context, reason string) {
	event := EventDegrade
	if reason == ReasonStalled {
		event = EventStall
	}
	if !h.fsm.Can(event) {
		return
	}
	if err := h.fsm.Event(ctx, event); err != nil {
		log.WithField("component", "health").Debugf("health event %s: %v", event, err)
	}
}

func (h *NodeHealth) Current() string {
	return h.fsm.Current()
}

func (h *NodeHealth) Healthy() bool {
	return h.fsm.Current() == StateHealthy
}
