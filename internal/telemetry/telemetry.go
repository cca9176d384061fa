// Package telemetry tracks turn, agent and tool execution metrics. Counters
// are exported through Prometheus; a small in-memory rollup backs the
// periodic log reports.
package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mserban/vatra/config"
)

// Telemetry provides turn monitoring and metric export.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	registry *prometheus.Registry

	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	activeTurns    prometheus.Gauge
	agentRuns      *prometheus.CounterVec
	agentDuration  *prometheus.HistogramVec
	toolDecisions  *prometheus.CounterVec
	streamEvents   *prometheus.CounterVec
	sessionsSwept  prometheus.Counter

	mu       sync.Mutex
	turns    int64
	failures int64
	avgTurn  time.Duration
}

// TurnEvent summarizes one completed turn.
type TurnEvent struct {
	SessionID string
	Outcome   string // ok, error, busy, cancelled
	Duration  time.Duration
	Agents    []string
}

// New builds the telemetry instance with its own Prometheus registry.
func New(cfg config.TelemetryConfig) *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	t := &Telemetry{
		config:   cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: reg,
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vatra_turns_total",
			Help: "Completed turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vatra_turn_duration_seconds",
			Help:    "Wall time of one turn.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		activeTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vatra_active_turns",
			Help: "Turns currently in flight.",
		}),
		agentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vatra_agent_runs_total",
			Help: "Agent executions by agent id and result.",
		}, []string{"agent", "result"}),
		agentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vatra_agent_duration_seconds",
			Help:    "Wall time of one agent call.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"agent"}),
		toolDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vatra_tool_decisions_total",
			Help: "Tool runtime decisions by tool id and status.",
		}, []string{"tool", "status"}),
		streamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vatra_stream_events_total",
			Help: "Stream frames emitted by sender class.",
		}, []string{"sender"}),
		sessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "vatra_sessions_swept_total",
			Help: "Empty sessions removed by cleanup.",
		}),
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startPeriodicLogs()
	}
	return t
}

// Handler serves the Prometheus exposition endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// TurnStarted marks a turn in flight.
func (t *Telemetry) TurnStarted() {
	if !t.config.Enabled {
		return
	}
	t.activeTurns.Inc()
}

// RecordTurn records a completed turn.
func (t *Telemetry) RecordTurn(event TurnEvent) {
	if !t.config.Enabled {
		return
	}
	t.activeTurns.Dec()
	t.turnsTotal.WithLabelValues(event.Outcome).Inc()
	t.turnDuration.Observe(event.Duration.Seconds())

	t.mu.Lock()
	t.turns++
	if event.Outcome != "ok" {
		t.failures++
	}
	if t.turns == 1 {
		t.avgTurn = event.Duration
	} else {
		total := t.avgTurn * time.Duration(t.turns-1)
		t.avgTurn = (total + event.Duration) / time.Duration(t.turns)
	}
	t.mu.Unlock()

	t.logger.Printf("Turn: session=%s outcome=%s duration=%v agents=%v",
		event.SessionID, event.Outcome, event.Duration, event.Agents)
}

// RecordAgentRun records one agent execution.
func (t *Telemetry) RecordAgentRun(agentID string, duration time.Duration, success bool) {
	if !t.config.Enabled {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	t.agentRuns.WithLabelValues(agentID, result).Inc()
	t.agentDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordToolDecision records a tool runtime outcome.
func (t *Telemetry) RecordToolDecision(toolID, status string) {
	if !t.config.Enabled {
		return
	}
	t.toolDecisions.WithLabelValues(toolID, status).Inc()
}

// RecordStreamEvent counts one emitted frame by sender class.
func (t *Telemetry) RecordStreamEvent(sender string) {
	if !t.config.Enabled {
		return
	}
	t.streamEvents.WithLabelValues(sender).Inc()
}

// RecordSweep records a cleanup pass.
func (t *Telemetry) RecordSweep(removed int) {
	if !t.config.Enabled {
		return
	}
	t.sessionsSwept.Add(float64(removed))
}

func (t *Telemetry) startPeriodicLogs() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		turns, failures, avg := t.turns, t.failures, t.avgTurn
		t.mu.Unlock()
		t.logger.Printf("Snapshot: turns=%d failures=%d avg=%v", turns, failures, avg)
	}
}

// Shutdown logs the final rollup.
func (t *Telemetry) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.turns == 0 {
		return
	}
	t.logger.Printf("Final: turns=%d failures=%d avg=%v", t.turns, t.failures, t.avgTurn)
}
