package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead-letter queue statistics per main queue.
type DLQMetrics struct {
	mu sync.RWMutex

	queueCounts map[string]*DLQQueueMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQQueueMetrics holds the dead-letter counters of one main queue.
type DLQQueueMetrics struct {
	MessagesReceived uint64            `json:"messages_received"`
	MessagesCurrent  uint64            `json:"messages_current"`
	MessagesReplayed uint64            `json:"messages_replayed"`
	MessagesPurged   uint64            `json:"messages_purged"`
	ByReason         map[string]uint64 `json:"by_reason"`
	OldestMessageAt  time.Time         `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time         `json:"newest_message_at,omitempty"`
	LastUpdatedAt    time.Time         `json:"last_updated_at"`
}

func (q *DLQQueueMetrics) clone() *DLQQueueMetrics {
	c := *q
	c.ByReason = make(map[string]uint64, len(q.ByReason))
	for k, v := range q.ByReason {
		c.ByReason[k] = v
	}
	return &c
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TotalReplayed uint64                      `json:"total_replayed"`
	TotalPurged   uint64                      `json:"total_purged"`
	QueueMetrics  map[string]*DLQQueueMetrics `json:"queue_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

func newDLQCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newDLQGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewDLQMetrics creates a new DLQ metrics collector.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		queueCounts:     make(map[string]*DLQQueueMetrics),
		registerer:      registerer,
		messagesTotal:   newDLQCounterVec("messages_total", "Total number of deliveries sent to a dead-letter queue", []string{"queue", "consumer", "reason"}),
		messagesCurrent: newDLQGaugeVec("messages_current", "Last known number of messages in a dead-letter queue", []string{"queue"}),
		replayedTotal:   newDLQCounterVec("replayed_total", "Total number of messages replayed from a dead-letter queue", []string{"queue"}),
		purgedTotal:     newDLQCounterVec("purged_total", "Total number of messages purged from a dead-letter queue", []string{"queue"}),
		ageSecondsHist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "dlq",
				Name:      "message_age_seconds",
				Help:      "Time between publish and dead-lettering",
				Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 1800, 3600},
			},
			[]string{"queue"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.messagesCurrent,
		m.replayedTotal,
		m.purgedTotal,
		m.ageSecondsHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessageToDLQ records a delivery from queue being dead-lettered.
func (m *DLQMetrics) RecordMessageToDLQ(queue, consumer, reason string, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := m.getOrCreateQueueMetrics(queue)
	metrics.MessagesReceived++
	metrics.MessagesCurrent++
	metrics.ByReason[reason]++
	metrics.LastUpdatedAt = now
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = now
	}
	metrics.NewestMessageAt = now

	m.messagesTotal.WithLabelValues(queue, consumer, reason).Inc()
	m.messagesCurrent.WithLabelValues(queue).Set(float64(metrics.MessagesCurrent))
	if messageAge >= 0 {
		m.ageSecondsHist.WithLabelValues(queue).Observe(messageAge.Seconds())
	}
}

// RecordMessagesReplayed records count messages replayed from the DLQ of queue.
func (m *DLQMetrics) RecordMessagesReplayed(queue string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateQueueMetrics(queue)
	metrics.MessagesReplayed += uint64(count)
	metrics.MessagesCurrent = subtractFloor(metrics.MessagesCurrent, uint64(count))
	metrics.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(queue).Add(float64(count))
	m.messagesCurrent.WithLabelValues(queue).Set(float64(metrics.MessagesCurrent))
}

// RecordMessagesPurged records messages being purged from the DLQ of queue.
func (m *DLQMetrics) RecordMessagesPurged(queue string, count int) {
	if count < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateQueueMetrics(queue)
	metrics.MessagesPurged += uint64(count)
	metrics.MessagesCurrent = 0
	metrics.OldestMessageAt = time.Time{}
	metrics.LastUpdatedAt = time.Now()

	m.purgedTotal.WithLabelValues(queue).Add(float64(count))
	m.messagesCurrent.WithLabelValues(queue).Set(0)
}

// SetCurrentCount sets the current depth after counting it on the broker.
func (m *DLQMetrics) SetCurrentCount(queue string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateQueueMetrics(queue)
	metrics.MessagesCurrent = count
	metrics.LastUpdatedAt = time.Now()

	m.messagesCurrent.WithLabelValues(queue).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all DLQ metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		QueueMetrics: make(map[string]*DLQQueueMetrics, len(m.queueCounts)),
		CollectedAt:  time.Now(),
	}

	for queue, metrics := range m.queueCounts {
		snapshot.QueueMetrics[queue] = metrics.clone()
		snapshot.TotalMessages += metrics.MessagesCurrent
		snapshot.TotalReplayed += metrics.MessagesReplayed
		snapshot.TotalPurged += metrics.MessagesPurged
	}

	return snapshot
}

// GetQueueMetrics returns a copy of the metrics for queue, or nil.
func (m *DLQMetrics) GetQueueMetrics(queue string) *DLQQueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.queueCounts[queue]; ok {
		return metrics.clone()
	}
	return nil
}

func (m *DLQMetrics) getOrCreateQueueMetrics(queue string) *DLQQueueMetrics {
	if metrics, ok := m.queueCounts[queue]; ok {
		return metrics
	}
	metrics := &DLQQueueMetrics{ByReason: make(map[string]uint64)}
	m.queueCounts[queue] = metrics
	return metrics
}

// Reset resets all metrics.
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queueCounts = make(map[string]*DLQQueueMetrics)
	m.messagesTotal.Reset()
	m.messagesCurrent.Reset()
	m.replayedTotal.Reset()
	m.purgedTotal.Reset()
	m.ageSecondsHist.Reset()
}

func subtractFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
