package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/internal/logging"
	"relay/internal/rpc"
	"relay/internal/session"
	"relay/internal/types"
)

const namespace = "relay"

var _ session.Observer = (*Metrics)(nil)

// Metrics is the Prometheus view of the bridge. It is safe for concurrent
// use and satisfies session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	rpcCalls          *prometheus.CounterVec
	rpcLatency        *prometheus.HistogramVec
	rpcMessages       *prometheus.CounterVec
	approvalRequests  *prometheus.CounterVec
	approvalAuto      *prometheus.CounterVec
	approvalDecisions *prometheus.CounterVec
	events            *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	sessionsLive      *prometheus.GaugeVec
	sessionsEnded     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Client to agent RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Latency of client to agent RPC calls.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		rpcMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_messages_received_total",
			Help:      "Inbound frames by kind: request, notification, response or invalid.",
		}, []string{"kind"}),
		approvalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_requests_total",
			Help:      "Approval requests persisted for a user decision.",
		}, []string{"request_kind", "intent"}),
		approvalAuto: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_auto_approved_total",
			Help:      "Approval requests accepted without prompting.",
		}, []string{"reason"}),
		approvalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Resolved approvals by decision and whether the request was stale.",
		}, []string{"decision", "stale"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Normalized session events published.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_dropped_total",
			Help:      "Events dropped for subscribers with a full buffer.",
		}, []string{"kind"}),
		sessionsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Connected agent sessions per machine.",
		}, []string{"machine"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Agent sessions ended by machine and reason.",
		}, []string{"machine", "reason"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rpcCalls,
		m.rpcLatency,
		m.rpcMessages,
		m.approvalRequests,
		m.approvalAuto,
		m.approvalDecisions,
		m.events,
		m.eventsDropped,
		m.sessionsLive,
		m.sessionsEnded,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics_listening", logging.F("addr", ln.Addr().String()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Metrics) CallFinished(method string, elapsed time.Duration, err error) {
	m.rpcCalls.WithLabelValues(method, outcome(err)).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) MessageReceived(kind string) {
	m.rpcMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) ApprovalRequested(kind types.RequestKind, intent types.CommandIntent) {
	m.approvalRequests.WithLabelValues(string(kind), string(intent)).Inc()
}

func (m *Metrics) ApprovalAutoApproved(reason string) {
	m.approvalAuto.WithLabelValues(reason).Inc()
}

func (m *Metrics) ApprovalResolved(decision string, stale bool) {
	m.approvalDecisions.WithLabelValues(decision, strconv.FormatBool(stale)).Inc()
}

func (m *Metrics) EventPublished(kind string) {
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(kind string) {
	m.eventsDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionOpened(machine string) {
	m.sessionsLive.WithLabelValues(machine).Inc()
}

func (m *Metrics) SessionEnded(machine, reason string) {
	m.sessionsLive.WithLabelValues(machine).Dec()
	m.sessionsEnded.WithLabelValues(machine, strings.TrimSpace(reason)).Inc()
}

func outcome(err error) string {
	var rpcErr *rpc.Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rpc.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.As(err, &rpcErr):
		return "remote_error"
	default:
		return "error"
	}
}
