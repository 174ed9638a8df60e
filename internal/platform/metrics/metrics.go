package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TokensIssued     *prometheus.CounterVec
	TokenRejections  *prometheus.CounterVec
	KeysGenerated    prometheus.Counter
	KeysEvicted      prometheus.Counter
	ActiveKeys       prometheus.Gauge
	ReplayRejections prometheus.Counter
	RateLimitDenied  *prometheus.CounterVec
	LoginFailures    prometheus.Counter
	ConsentDecisions *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_tokens_issued_total",
			Help: "Token pairs issued, by grant type",
		}, []string{"grant_type"}),
		TokenRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_bearer_rejections_total",
			Help: "Bearer tokens rejected at the resource filter, by reason",
		}, []string{"reason"}),
		KeysGenerated: f.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_signing_keys_generated_total",
			Help: "Signing key pairs generated by the rotating pool",
		}),
		KeysEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_signing_keys_evicted_total",
			Help: "Signing key pairs purged after their grace window",
		}),
		ActiveKeys: f.NewGauge(prometheus.GaugeOpts{
			Name: "phoenix_signing_keys_active",
			Help: "Signing key pairs currently inside their active window",
		}),
		ReplayRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_replay_rejections_total",
			Help: "Requests rejected because the jti or authorization code was already used",
		}),
		RateLimitDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_rate_limit_denied_total",
			Help: "Requests denied by a rate limiter, by limiter",
		}, []string{"limiter"}),
		LoginFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_login_failures_total",
			Help: "Failed username/password checks",
		}),
		ConsentDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_consent_decisions_total",
			Help: "Consent outcomes, by decision",
		}, []string{"decision"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phoenix_http_request_duration_seconds",
			Help:    "Latency of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) IncTokensIssued(grantType string) {
	if m != nil {
		m.TokensIssued.WithLabelValues(grantType).Inc()
	}
}

func (m *Metrics) IncTokenRejection(reason string) {
	if m != nil {
		m.TokenRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncKeysGenerated(n int) {
	if m != nil {
		m.KeysGenerated.Add(float64(n))
	}
}

func (m *Metrics) IncKeysEvicted(n int) {
	if m != nil {
		m.KeysEvicted.Add(float64(n))
	}
}

func (m *Metrics) SetActiveKeys(n int) {
	if m != nil {
		m.ActiveKeys.Set(float64(n))
	}
}

func (m *Metrics) IncReplayRejections() {
	if m != nil {
		m.ReplayRejections.Inc()
	}
}

func (m *Metrics) IncRateLimitDenied(limiter string) {
	if m != nil {
		m.RateLimitDenied.WithLabelValues(limiter).Inc()
	}
}

func (m *Metrics) IncLoginFailures() {
	if m != nil {
		m.LoginFailures.Inc()
	}
}

func (m *Metrics) IncConsentDecision(decision string) {
	if m != nil {
		m.ConsentDecisions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) ObserveRequest(method, route string, seconds float64) {
	if m != nil {
		m.RequestDuration.WithLabelValues(method, route).Observe(seconds)
	}
}
