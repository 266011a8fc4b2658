// Package metrics holds the Prometheus collectors updated by the engines.
//
// Collectors are package-level and always live; Register exposes them on a
// registry. Engines record unconditionally, so an unregistered process pays
// only the counter increments.
package metrics

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"looprpc/status"
)

const (
	Namespace = "looprpc"

	ClientSubsystem    = "client"
	ServerSubsystem    = "server"
	BroadcastSubsystem = "broadcast"
)

var (
	MethodLabels     = []string{"method"}
	MethodCodeLabels = []string{"method", "code"}
	CodeLabels       = []string{"code"}

	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ServerSubsystem,
			Name:      "requests_total",
			Help:      "Request and notification frames received by servers, by method.",
		},
		MethodLabels,
	)

	serverResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ServerSubsystem,
			Name:      "responses_total",
			Help:      "Response frames emitted by servers, by method and error code.",
		},
		MethodCodeLabels,
	)

	clientPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: ClientSubsystem,
			Name:      "pending_calls",
			Help:      "Calls submitted by clients and not yet resolved.",
		},
	)

	clientOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ClientSubsystem,
			Name:      "calls_total",
			Help:      "Resolved client calls, by error code.",
		},
		CodeLabels,
	)

	clientRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ClientSubsystem,
			Name:      "retries_total",
			Help:      "Calls resubmitted after a lost connection.",
		},
	)

	published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: BroadcastSubsystem,
			Name:      "published_total",
			Help:      "Broadcast frames published, by outcome code.",
		},
		CodeLabels,
	)
)

var registerMetrics sync.Once

// Register exposes every collector, plus any custom ones, on reg. Only the
// first call has an effect.
func Register(reg prometheus.Registerer, custom ...prometheus.Collector) error {
	var err error
	registerMetrics.Do(func() {
		collectors := append([]prometheus.Collector{
			serverRequests,
			serverResponses,
			clientPending,
			clientOutcomes,
			clientRetries,
			published,
		}, custom...)
		for _, c := range collectors {
			err = multierr.Append(err, reg.Register(c))
		}
	})
	return err
}

// Reset zeroes every collector. Tests only.
func Reset() {
	serverRequests.Reset()
	serverResponses.Reset()
	clientPending.Set(0)
	clientOutcomes.Reset()
	published.Reset()
}

// codeLabel names runtime codes and prints application codes as integers.
func codeLabel(code status.Code) string {
	name := code.String()
	if strings.HasPrefix(name, "Code(") {
		return strconv.Itoa(int(code))
	}
	return name
}

func RecordServerRequest(method string) {
	serverRequests.WithLabelValues(method).Inc()
}

func RecordServerResponse(method string, code status.Code) {
	serverResponses.WithLabelValues(method, codeLabel(code)).Inc()
}

// AddClientPending moves the pending gauge by delta.
func AddClientPending(delta int) {
	clientPending.Add(float64(delta))
}

func RecordClientOutcome(code status.Code) {
	clientOutcomes.WithLabelValues(codeLabel(code)).Inc()
}

func RecordClientRetry() {
	clientRetries.Inc()
}

func RecordPublish(code status.Code) {
	published.WithLabelValues(codeLabel(code)).Inc()
}
