// Package metrics defines the prometheus instrumentation of the overlay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Namespace is the namespace all metrics are defined under.
const Namespace = "pgrid"

// NewCounter creates a CounterVec under the global namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewGauge creates a GaugeVec under the global namespace.
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewHistogramWithBuckets creates a HistogramVec with custom buckets.
func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

// Exchange decision cases.
const (
	CaseSamePath      = "1"
	CaseSplit         = "2"
	CaseSplitLocalLow = "2.1" // local peer took bit 0
	CaseSplitLocalHi  = "2.2" // local peer took bit 1
	CaseLocalShorter  = "3a"
	CaseLocalExtends  = "3a.1"
	CaseLocalRecurse  = "3a.2"
	CaseRemoteShorter = "3b"
	CaseRemoteExtends = "3b.1"
	CaseRemoteRecurse = "3b.2"
)

// Exchange outcomes that are not decision cases.
const (
	OutcomeReferences = "references"
	OutcomeReplicated = "replicated"
	OutcomeAdopted    = "adopted"
	OutcomeTimeout    = "timeout"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
)

// Distribution results.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultRetried = "retried"
	ResultDropped = "dropped"
)

var (
	exchangeCases = NewCounter(
		"cases_total",
		"exchange",
		"Exchange decisions by case",
		[]string{"case"},
	)

	exchangeOutcomes = NewCounter(
		"outcomes_total",
		"exchange",
		"Exchange outcomes other than decision cases",
		[]string{"outcome"},
	)

	distributionAttempts = NewCounter(
		"attempts_total",
		"distributor",
		"Distribution attempts by result",
		[]string{"result"},
	)

	remoteDistributions = NewCounter(
		"remote_total",
		"distributor",
		"Incoming data modifier messages by acknowledgement code",
		[]string{"code"},
	)

	queryHops = NewHistogramWithBuckets(
		"hops",
		"query",
		"Hops taken to resolve a query",
		[]string{"kind"},
		prometheus.LinearBuckets(0, 1, 16),
	)

	messages = NewCounter(
		"messages_total",
		"transport",
		"Protocol messages by kind and direction",
		[]string{"kind", "direction"},
	)

	pathLength = NewGauge(
		"path_length",
		"peer",
		"Length of the local trie path",
		[]string{"peer"},
	)
)

// ExchangeCase counts one decision case.
func ExchangeCase(c string) {
	exchangeCases.WithLabelValues(c).Inc()
}

// ExchangeCaseCount returns the current value of a case counter.
func ExchangeCaseCount(c string) float64 {
	return testutil.ToFloat64(exchangeCases.WithLabelValues(c))
}

// ExchangeOutcomeCount returns the current value of an outcome counter.
func ExchangeOutcomeCount(outcome string) float64 {
	return testutil.ToFloat64(exchangeOutcomes.WithLabelValues(outcome))
}

// DistributionAttemptCount returns the current value of a result counter.
func DistributionAttemptCount(result string) float64 {
	return testutil.ToFloat64(distributionAttempts.WithLabelValues(result))
}

// ExchangeOutcome counts one exchange outcome.
func ExchangeOutcome(outcome string) {
	exchangeOutcomes.WithLabelValues(outcome).Inc()
}

// DistributionAttempt counts one finished distribution attempt.
func DistributionAttempt(result string) {
	distributionAttempts.WithLabelValues(result).Inc()
}

// RemoteDistribution counts one incoming data modifier.
func RemoteDistribution(code string) {
	remoteDistributions.WithLabelValues(code).Inc()
}

// QueryHops records the hop count of a resolved query.
func QueryHops(kind string, hops int) {
	queryHops.WithLabelValues(kind).Observe(float64(hops))
}

// Message counts a message sent ("out") or received ("in").
func Message(kind, direction string) {
	messages.WithLabelValues(kind, direction).Inc()
}

// PathLength records the local path length of a peer.
func PathLength(peer string, length int) {
	pathLength.WithLabelValues(peer).Set(float64(length))
}
