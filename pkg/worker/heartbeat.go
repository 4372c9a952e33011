package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/events"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/types"
)

// Heartbeater announces liveness on a fixed interval, independent of what
// the control loop is doing
type Heartbeater struct {
	orch     Orchestrator
	state    *State
	sys      *types.SystemMetrics
	interval time.Duration
	session  *client.Session
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewHeartbeater creates a heartbeat emitter with its own session
func NewHeartbeater(orch Orchestrator, state *State, sys *types.SystemMetrics, interval time.Duration, broker *events.Broker) *Heartbeater {
	return &Heartbeater{
		orch:     orch,
		state:    state,
		sys:      sys,
		interval: interval,
		session:  client.NewSession("heartbeat"),
		broker:   broker,
		logger:   log.WithComponent("heartbeat"),
	}
}

// Session returns the emitter's HTTP session
func (h *Heartbeater) Session() *client.Session {
	return h.session
}

// Run sends a heartbeat immediately and then every interval until ctx is
// cancelled
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ticker.C:
			h.beat(ctx)
		case <-ctx.Done():
			h.logger.Debug().Msg("Heartbeat emitter stopped")
			return nil
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	snap := h.state.Snapshot()
	err := h.orch.Heartbeat(ctx, h.session, snap, h.sys)
	if err == nil {
		metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
		metrics.UpdateComponent(metrics.ComponentOrchestrator, true, "heartbeat accepted")
		h.logger.Debug().
			Str("status", string(snap.Status)).
			Str("current_job_id", snap.CurrentJobID).
			Msg("Heartbeat sent")
		return
	}

	if ctx.Err() != nil {
		return
	}

	var te *client.TransportError
	if errors.As(err, &te) {
		metrics.HeartbeatsTotal.WithLabelValues("transport_error").Inc()
		metrics.UpdateComponent(metrics.ComponentOrchestrator, false, err.Error())
		h.session.Rebuild()
		h.broker.Publish(&events.Event{
			Type:     events.EventSessionRebuilt,
			Message:  err.Error(),
			Metadata: map[string]string{events.MetaActivity: h.session.Name()},
		})
		h.logger.Warn().Err(err).Bool("session_rebuilt", true).Msg("Heartbeat failed")
		return
	}

	metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
	metrics.UpdateComponent(metrics.ComponentOrchestrator, false, err.Error())
	h.logger.Warn().Err(err).Msg("Heartbeat rejected")
}
