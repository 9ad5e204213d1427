// Package control routes operator commands to live sessions.
package control

import (
	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/metrics"
	"github.com/stream-relay/backend/internal/session"
)

// Result reports whether a dispatch reached its target.
type Result int

const (
	NotFound Result = iota
	Found
)

func (r Result) String() string {
	if r == Found {
		return "found"
	}
	return "not_found"
}

// Dispatcher sends commands to sessions by identity.
type Dispatcher struct {
	registry *session.Registry
	metrics  *metrics.Metrics
	log      logger.Logger
}

func NewDispatcher(registry *session.Registry, m *metrics.Metrics, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		metrics:  m,
		log:      log.With(logger.F("component", "dispatcher")),
	}
}

// Dispatch sends cmd to the session registered as id. A session that
// disconnects between lookup and send is reported as NotFound.
func (d *Dispatcher) Dispatch(id string, cmd session.Command) Result {
	res := d.dispatch(id, cmd)
	d.metrics.Commands.WithLabelValues(string(cmd), res.String()).Inc()
	return res
}

func (d *Dispatcher) dispatch(id string, cmd session.Command) Result {
	h, ok := d.registry.Lookup(id)
	if !ok {
		return NotFound
	}
	if err := h.Send(cmd); err != nil {
		d.log.Warn("command not delivered", logger.F("id", id), logger.F("command", cmd), logger.Err(err))
		return NotFound
	}
	d.log.Info("command sent", logger.F("id", id), logger.F("command", cmd))
	return Found
}
