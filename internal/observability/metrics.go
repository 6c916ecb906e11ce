package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus metrics for the call engine.
//
// The metrics cover:
//   - Call attempts and their terminal outcomes
//   - Audio frame flow through the bridge, by direction
//   - Tool invocations during live calls
//   - Circuit breaker state per upstream dependency
//   - HTTP API and webhook traffic
type Metrics struct {
	// CallsStarted counts placement attempts by result.
	// Labels: result (placed|compliance_denied|provider_error|invalid)
	CallsStarted *prometheus.CounterVec

	// CallsCompleted counts finished calls by classified outcome.
	// Labels: outcome (promise_to_pay|paid|dispute|refusal|voicemail|no_answer)
	CallsCompleted *prometheus.CounterVec

	// CallDuration measures call length in seconds.
	// Buckets: 5s, 15s, 30s, 60s, 90s, 120s, 180s
	CallDuration prometheus.Histogram

	// EstimatedCost accumulates pre-call cost estimates in dollars.
	EstimatedCost prometheus.Counter

	// BridgeFrames counts audio frames relayed by the bridge.
	// Labels: direction (caller_to_engine|engine_to_caller)
	BridgeFrames *prometheus.CounterVec

	// BridgeStateTransitions counts bridge session state entries.
	// Labels: state (awaiting_carrier|awaiting_engine|streaming|closing|closed)
	BridgeStateTransitions *prometheus.CounterVec

	// ActiveCalls is a gauge of calls currently in flight.
	ActiveCalls prometheus.Gauge

	// ToolExecutionCounter counts in-call tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// BreakerState reports circuit breaker state per dependency.
	// Labels: dependency (telephony|engine)
	// Values: 0 closed, 1 half-open, 2 open
	BreakerState *prometheus.GaugeVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// WebhookSignatureFailures counts rejected webhook deliveries.
	// Labels: webhook (voice|status)
	WebhookSignatureFailures *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup; the /metrics endpoint exposes them.
func NewMetrics() *Metrics {
	return &Metrics{
		CallsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceagent_calls_started_total",
				Help: "Call placement attempts by result",
			},
			[]string{"result"},
		),

		CallsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceagent_calls_completed_total",
				Help: "Finished calls by classified outcome",
			},
			[]string{"outcome"},
		),

		CallDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voiceagent_call_duration_seconds",
				Help:    "Duration of completed calls in seconds",
				Buckets: []float64{5, 15, 30, 60, 90, 120, 180},
			},
		),

		EstimatedCost: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "voiceagent_estimated_cost_dollars_total",
				Help: "Accumulated pre-call cost estimates in dollars",
			},
		),

		BridgeFrames: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceagent_bridge_frames_total",
				Help: "Audio frames relayed by the bridge, by direction",
			},
			[]string{"direction"},
		),

		BridgeStateTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceagent_bridge_state_transitions_total",
				Help: "Bridge session state entries by state",
			},
			[]string{"state"},
		),

		ActiveCalls: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "voiceagent_active_calls",
				Help: "Calls currently in flight",
			},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceagent_tool_executions_total",
				Help: "In-call tool invocations by tool and status",
			},
			[]string{"tool_name", "status"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voiceagent_breaker_state",
				Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
			},
			[]string{"dependency"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voiceagent_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceagent_http_requests_total",
				Help: "HTTP API requests by method, path, and status",
			},
			[]string{"method", "path", "status_code"},
		),

		WebhookSignatureFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voiceagent_webhook_signature_failures_total",
				Help: "Webhook deliveries rejected for bad signatures",
			},
			[]string{"webhook"},
		),
	}
}

// BridgeMetrics adapts Metrics to the bridge's narrower reporting interface.
type BridgeMetrics struct {
	M *Metrics
}

// FrameRelayed increments the frame counter for a direction.
func (b BridgeMetrics) FrameRelayed(direction string) {
	b.M.BridgeFrames.WithLabelValues(direction).Inc()
}

// ToolDispatched records a tool invocation and whether it errored.
func (b BridgeMetrics) ToolDispatched(tool string, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	b.M.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
}

// SessionState records entry into a bridge state.
func (b BridgeMetrics) SessionState(state string) {
	b.M.BridgeStateTransitions.WithLabelValues(state).Inc()
}

// BreakerGauge returns a state-change callback suitable for
// resilience.BreakerConfig.OnStateChange.
func (m *Metrics) BreakerGauge() func(name, from, to string) {
	values := map[string]float64{
		"closed":    0,
		"half-open": 1,
		"open":      2,
	}
	return func(name, _, to string) {
		m.BreakerState.WithLabelValues(name).Set(values[to])
	}
}
