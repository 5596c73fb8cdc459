package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xweirdfor/xweirdfor/internal/pipeline"
)

// Metrics implements pipeline.Reporter and pipeline.Observer. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	recordsTotal      *prometheus.CounterVec
	vetoesTotal       prometheus.Counter
	ruleMatchesTotal  *prometheus.CounterVec
	ruleErrorsTotal   *prometheus.CounterVec
	recordErrorsTotal *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	ratelimitHits     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xweirdfor_records_total", Help: "Classified records by risk band and gray zone"},
			[]string{"risk", "gray_zone"},
		),
		vetoesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "xweirdfor_vetoes_total", Help: "Verdicts raised by a critical rule"},
		),
		ruleMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xweirdfor_rule_matches_total", Help: "Total rule matches"},
			[]string{"rule_id", "category"},
		),
		ruleErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xweirdfor_rule_errors_total", Help: "Rules that failed during evaluation"},
			[]string{"rule_id"},
		),
		recordErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xweirdfor_record_errors_total", Help: "Records that ended in the errored state"},
			[]string{"kind"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xweirdfor_stage_duration_seconds",
				Help:    "Pipeline stage duration per batch in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xweirdfor_http_requests_total", Help: "Total HTTP requests served"},
			[]string{"route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xweirdfor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ratelimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "xweirdfor_ratelimit_hits_total", Help: "Total rate limited HTTP requests"},
			[]string{"route"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.recordsTotal,
		m.vetoesTotal,
		m.ruleMatchesTotal,
		m.ruleErrorsTotal,
		m.recordErrorsTotal,
		m.stageDuration,
		m.httpRequestsTotal,
		m.httpDuration,
		m.ratelimitHits,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Report(_ context.Context, o pipeline.Outcome) error {
	if m == nil {
		return nil
	}
	if o.Err != nil {
		m.recordErrorsTotal.WithLabelValues(pipeline.ErrorKind(o.Err)).Inc()
		return nil
	}
	v := o.Verdict
	if v == nil {
		return nil
	}

	m.recordsTotal.WithLabelValues(string(v.Risk), strconv.FormatBool(v.GrayZone)).Inc()
	if v.Evidence.Vetoed {
		m.vetoesTotal.Inc()
	}
	for _, match := range v.Evidence.Matches {
		m.ruleMatchesTotal.WithLabelValues(match.RuleID, string(match.Category)).Inc()
	}
	for _, id := range v.Evidence.ErroredRules {
		m.ruleErrorsTotal.WithLabelValues(id).Inc()
	}
	return nil
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, intToString(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.ratelimitHits.WithLabelValues(route).Inc()
}

func intToString(code int) string {
	if code == 0 {
		return "0"
	}
	return strconv.Itoa(code)
}
