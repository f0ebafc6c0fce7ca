package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Registry holds every murmur metric. The node has no HTTP surface to
// scrape, so the collected values are dumped to the diagnostic log on
// shutdown instead (see LogSummary).
var (
	Registry = prometheus.NewRegistry()

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "messages_received_total",
			Help:      "Inbound messages successfully decoded, by body type.",
		},
		[]string{"type"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "messages_sent_total",
			Help:      "Outbound messages written to stdout, by body type.",
		},
		[]string{"type"},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "decode_errors_total",
			Help:      "Inbound lines that failed to decode and were skipped.",
		},
	)

	RPCRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "rpc_retries_total",
			Help:      "Request transmissions beyond the first attempt.",
		},
	)

	RPCFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "rpc_failures_total",
			Help:      "Requests that exhausted the retry ceiling without a reply.",
		},
	)

	DuplicateReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "duplicate_replies_total",
			Help:      "Replies whose msg_id was already resolved or never tracked.",
		},
	)

	GossipBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "murmur",
			Name:      "gossip_batch_size",
			Help:      "Values per outbound gossip batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		MessagesReceived,
		MessagesSent,
		DecodeErrors,
		RPCRetries,
		RPCFailures,
		DuplicateReplies,
		GossipBatchSize,
	)
}

// LogSummary gathers the registry and writes one log line per metric sample.
// Called once at shutdown, after the receive loop has drained.
func LogSummary(log *zap.Logger) {
	families, err := Registry.Gather()
	if err != nil {
		log.Warn("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fields := make([]zap.Field, 0, len(m.GetLabel())+1)
			for _, lp := range m.GetLabel() {
				fields = append(fields, zap.String(lp.GetName(), lp.GetValue()))
			}
			switch {
			case m.GetCounter() != nil:
				fields = append(fields, zap.Float64("value", m.GetCounter().GetValue()))
			case m.GetHistogram() != nil:
				fields = append(fields,
					zap.Uint64("count", m.GetHistogram().GetSampleCount()),
					zap.Float64("sum", m.GetHistogram().GetSampleSum()))
			default:
				continue
			}
			log.Info(mf.GetName(), fields...)
		}
	}
}
