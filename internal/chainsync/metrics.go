package chainsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "chainsync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connected peers.
	Peers metrics.Gauge
	// Whether the node is major syncing (1 if yes, 0 if no).
	Syncing metrics.Gauge
	// Number of the local best block.
	BestNumber metrics.Gauge
	// Number of the last finalized block.
	FinalizedNumber metrics.Gauge
	// Blocks downloaded and waiting for import.
	QueuedBlocks metrics.Gauge
	// Blocks imported by the engine.
	ImportedBlocks metrics.Counter
	// Ancestor probes sent.
	AncestorProbes metrics.Counter
	// Peers whose chain has no common ancestor within the search depth.
	IncompatiblePeers metrics.Gauge
	// Justification requests waiting for an answer.
	PendingJustifications metrics.Gauge
	// Justification requests resolved.
	ResolvedJustifications metrics.Counter
	// Protocol failures attributed to peers.
	PeerStrikes metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of connected peers.",
		}, labels).With(labelsAndValues...),
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "major_syncing",
			Help:      "Whether or not the node is major syncing. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
		BestNumber: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "best_number",
			Help:      "Number of the local best block.",
		}, labels).With(labelsAndValues...),
		FinalizedNumber: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "finalized_number",
			Help:      "Number of the last finalized block.",
		}, labels).With(labelsAndValues...),
		QueuedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued_blocks",
			Help:      "Number of downloaded blocks waiting for import.",
		}, labels).With(labelsAndValues...),
		ImportedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "imported_blocks",
			Help:      "Number of blocks imported.",
		}, labels).With(labelsAndValues...),
		AncestorProbes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ancestor_probes",
			Help:      "Number of ancestor search probes sent.",
		}, labels).With(labelsAndValues...),
		IncompatiblePeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "incompatible_peers",
			Help:      "Number of peers without a common ancestor within the search depth.",
		}, labels).With(labelsAndValues...),
		PendingJustifications: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_justifications",
			Help:      "Number of justification requests waiting for an answer.",
		}, labels).With(labelsAndValues...),
		ResolvedJustifications: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "resolved_justifications",
			Help:      "Number of justification requests resolved.",
		}, labels).With(labelsAndValues...),
		PeerStrikes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_strikes",
			Help:      "Number of protocol failures attributed to peers.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:                  discard.NewGauge(),
		Syncing:                discard.NewGauge(),
		BestNumber:             discard.NewGauge(),
		FinalizedNumber:        discard.NewGauge(),
		QueuedBlocks:           discard.NewGauge(),
		ImportedBlocks:         discard.NewCounter(),
		AncestorProbes:         discard.NewCounter(),
		IncompatiblePeers:      discard.NewGauge(),
		PendingJustifications:  discard.NewGauge(),
		ResolvedJustifications: discard.NewCounter(),
		PeerStrikes:            discard.NewCounter(),
	}
}
