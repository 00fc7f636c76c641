package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
)

const namespace = "eventflow"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	publishedTotal    *prometheus.CounterVec
	deliveredTotal    *prometheus.CounterVec
	redeliveredTotal  *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	droppedTotal      *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	checkpoint        *prometheus.GaugeVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means the Prometheus
// default registry. Collectors are not registered until Register is called.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		registerer:        registerer,
		gatherer:          gatherer,
		publishedTotal:    newCounterVec("published_total", "Events handed to a publisher", []string{"pubsub", "topic", "type"}),
		deliveredTotal:    newCounterVec("delivered_total", "Deliveries by terminal outcome", []string{"pubsub", "topic", "outcome"}),
		redeliveredTotal:  newCounterVec("redelivered_total", "Events republished for another attempt", []string{"pubsub", "topic"}),
		deadLetteredTotal: newCounterVec("dead_lettered_total", "Events forwarded to a dead-letter destination", []string{"pubsub", "topic"}),
		droppedTotal:      newCounterVec("dropped_total", "Events given up on", []string{"pubsub", "topic", "reason"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pubsub", "topic"},
		),
		queueDepth: newGaugeVec("queue_depth", "Work items enqueued and not yet completed", []string{"pubsub", "queue"}),
		checkpoint: newGaugeVec("checkpoint_offset", "Offset of the last in-order completed delivery", []string{"pubsub", "queue"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.deliveredTotal,
		m.redeliveredTotal,
		m.deadLetteredTotal,
		m.droppedTotal,
		m.handlerDuration,
		m.queueDepth,
		m.checkpoint,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the gathered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordPublished(pubsub, topic, eventType string) {
	m.publishedTotal.WithLabelValues(pubsub, topic, eventType).Inc()
}

func (m *Metrics) RecordDelivery(pubsub, topic string, outcome dispatchpkg.Outcome, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(pubsub, topic, outcome.String()).Inc()
	if duration > 0 {
		m.handlerDuration.WithLabelValues(pubsub, topic).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordRedelivery(pubsub, topic string) {
	m.redeliveredTotal.WithLabelValues(pubsub, topic).Inc()
}

func (m *Metrics) RecordDeadLetter(pubsub, topic string) {
	m.deadLetteredTotal.WithLabelValues(pubsub, topic).Inc()
}

func (m *Metrics) RecordDropped(pubsub, topic, reason string) {
	m.droppedTotal.WithLabelValues(pubsub, topic, reason).Inc()
}

func (m *Metrics) SetQueueDepth(pubsub, queue string, depth int) {
	m.queueDepth.WithLabelValues(pubsub, queue).Set(float64(depth))
}

func (m *Metrics) SetCheckpoint(pubsub, queue string, offset int64) {
	m.checkpoint.WithLabelValues(pubsub, queue).Set(float64(offset))
}

// ForgetQueue removes the per-queue series once a queue is gone.
func (m *Metrics) ForgetQueue(pubsub, queue string) {
	m.queueDepth.DeleteLabelValues(pubsub, queue)
	m.checkpoint.DeleteLabelValues(pubsub, queue)
}

// QueueName formats a topic/partition pair as a queue label.
func QueueName(topic string, partition int32) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10)
}
