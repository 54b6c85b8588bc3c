package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromRecorder implements Recorder backed by Prometheus counters/gauges.
type PromRecorder struct {
	registry        *prometheus.Registry
	handler         http.Handler
	connOpened      prometheus.Counter
	connClosed      prometheus.Counter
	connActive      prometheus.Gauge
	connRejected    *prometheus.CounterVec
	messages        prometheus.Counter
	templates       prometheus.Counter
	templateHeight  prometheus.Gauge
	rpcFailures     *prometheus.CounterVec
	jobsIssued      prometheus.Counter
	jobsExpired     prometheus.Counter
	sharesAccepted  prometheus.Counter
	sharesStale     prometheus.Counter
	sharesRejected  *prometheus.CounterVec
	blockCandidates prometheus.Counter
	lastBlockHeight prometheus.Gauge
	blocksForwarded *prometheus.CounterVec
	rateLimitsHit   *prometheus.CounterVec
}

// NewPromRecorder creates a Prometheus-backed Recorder and exposes a handler
// for scraping. Namespace is prefixed on all metrics; if empty, "coordinator"
// is used.
func NewPromRecorder(namespace string) (*PromRecorder, error) {
	if namespace == "" {
		namespace = "coordinator"
	}
	reg := prometheus.NewRegistry()

	p := &PromRecorder{
		registry:        reg,
		connOpened:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_opened_total", Help: "Total worker connections accepted."}),
		connClosed:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_closed_total", Help: "Total worker connections closed."}),
		connActive:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Currently connected workers."}),
		connRejected:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "connections_rejected_total", Help: "Connections refused at admission."}, []string{"reason"}),
		messages:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "messages_received_total", Help: "Worker messages received."}),
		templates:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "templates_published_total", Help: "Template generations published."}),
		templateHeight:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "template_height", Help: "Height of the current template."}),
		rpcFailures:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "daemon_rpc_failures_total", Help: "Daemon RPC failures by method."}, []string{"method"}),
		jobsIssued:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_issued_total", Help: "Jobs handed to workers."}),
		jobsExpired:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_expired_total", Help: "Jobs expired before completion."}),
		sharesAccepted:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "shares_accepted_total", Help: "Accepted shares."}),
		sharesStale:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "shares_stale_total", Help: "Stale submissions."}),
		sharesRejected:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "shares_rejected_total", Help: "Rejected submissions by reason."}, []string{"reason"}),
		blockCandidates: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "block_candidates_total", Help: "Full-difficulty candidates found."}),
		lastBlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_block_height", Help: "Height of the last candidate block."}),
		blocksForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "blocks_forwarded_total", Help: "Block submissions by result."}, []string{"status"}),
		rateLimitsHit:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rate_limits_hit_total", Help: "Rate limit violations by quota."}, []string{"kind"}),
	}

	collectors := []prometheus.Collector{
		p.connOpened, p.connClosed, p.connActive, p.connRejected, p.messages,
		p.templates, p.templateHeight, p.rpcFailures, p.jobsIssued, p.jobsExpired,
		p.sharesAccepted, p.sharesStale, p.sharesRejected, p.blockCandidates,
		p.lastBlockHeight, p.blocksForwarded, p.rateLimitsHit,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return p, nil
}

// Handler exposes the HTTP handler for scraping.
func (p *PromRecorder) Handler() http.Handler {
	return p.handler
}

func (p *PromRecorder) ConnOpened() {
	p.connOpened.Inc()
	p.connActive.Inc()
}

func (p *PromRecorder) ConnClosed() {
	p.connClosed.Inc()
	p.connActive.Dec()
}

func (p *PromRecorder) ConnRejected(reason string) { p.connRejected.WithLabelValues(reason).Inc() }
func (p *PromRecorder) MessageReceived()           { p.messages.Inc() }

func (p *PromRecorder) TemplateRefreshed(_, height uint64) {
	p.templates.Inc()
	p.templateHeight.Set(float64(height))
}

func (p *PromRecorder) DaemonRPCFailure(method string) { p.rpcFailures.WithLabelValues(method).Inc() }
func (p *PromRecorder) JobIssued()                     { p.jobsIssued.Inc() }
func (p *PromRecorder) JobExpired()                    { p.jobsExpired.Inc() }
func (p *PromRecorder) ShareAccepted()                 { p.sharesAccepted.Inc() }
func (p *PromRecorder) ShareStale()                    { p.sharesStale.Inc() }
func (p *PromRecorder) ShareRejected(reason string)    { p.sharesRejected.WithLabelValues(reason).Inc() }
func (p *PromRecorder) BlockForwarded(status string)   { p.blocksForwarded.WithLabelValues(status).Inc() }
func (p *PromRecorder) RateLimitViolation(kind string) { p.rateLimitsHit.WithLabelValues(kind).Inc() }

func (p *PromRecorder) BlockCandidate(height uint64) {
	p.blockCandidates.Inc()
	p.lastBlockHeight.Set(float64(height))
}
