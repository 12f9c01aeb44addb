package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ConsumerInfo describes a registered consumer for the admin API.
type ConsumerInfo struct {
	Name            string         `json:"name"`
	RoutingKey      string         `json:"routing_key"`
	Queue           string         `json:"queue"`
	DeadLetterQueue string         `json:"dead_letter_queue"`
	Stats           *ConsumerStats `json:"stats"`
}

// ConsumerStats counts settled deliveries per outcome.
type ConsumerStats struct {
	mu   sync.Mutex
	data ConsumerStatsSnapshot

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// ConsumerStatsSnapshot is a point-in-time copy of ConsumerStats.
type ConsumerStatsSnapshot struct {
	Delivered           uint64    `json:"delivered"`
	Completed           uint64    `json:"completed"`
	Dropped             uint64    `json:"dropped"`
	Malformed           uint64    `json:"malformed"`
	Failed              uint64    `json:"failed"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastDeliveredAt     time.Time `json:"last_delivered_at"`
	LastError           string    `json:"last_error,omitempty"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
}

// DeadLettered returns the number of malformed and failed deliveries.
func (s ConsumerStatsSnapshot) DeadLettered() uint64 {
	return s.Malformed + s.Failed
}

// LatencyMetrics summarises recent processing durations.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// ThroughputMetrics is the settle rate over the last minute.
type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

func newConsumerStats() *ConsumerStats {
	return &ConsumerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (c *ConsumerStats) onStart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data.InFlight++
	c.data.MaxInFlight = max(c.data.MaxInFlight, c.data.InFlight)
}

func (c *ConsumerStats) onFinish(res handlerpkg.Result, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := &c.data
	if d.InFlight > 0 {
		d.InFlight--
	}
	d.Delivered++
	switch res.Outcome {
	case handlerpkg.OutcomeCompleted:
		d.Completed++
	case handlerpkg.OutcomeDropped:
		d.Dropped++
	case handlerpkg.OutcomeMalformed:
		d.Malformed++
	default:
		d.Failed++
	}
	if res.Err != nil {
		d.LastError = res.Err.Error()
	}
	d.TotalProcessingTime += int64(duration)
	d.LastDeliveredAt = time.Now().UTC()

	c.latencyWindow.Add(duration)
	latency := c.latencyWindow.Snapshot()
	latency.AverageNs = d.TotalProcessingTime / int64(d.Delivered)
	d.Latency = latency

	tp := c.throughputWindow.AddAndSnapshot(time.Now())
	d.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    d.Delivered,
	}
}

// Snapshot returns a copy of the current counters.
func (c *ConsumerStats) Snapshot() ConsumerStatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *ConsumerStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(c.Snapshot())
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, 0, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples = append(samples, lw.samples[idx])
	}
	slices.Sort(samples)

	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

// percentile interpolates linearly between the closest ranks of sorted samples.
func percentile(samples []int64, quantile float64) int64 {
	switch {
	case len(samples) == 0:
		return 0
	case quantile <= 0:
		return samples[0]
	case quantile >= 1:
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
