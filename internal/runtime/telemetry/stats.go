package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"

	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
)

const latencySampleSize = 256

// LatencyMetrics summarises recent handler durations.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// SubscriptionStats is a point-in-time view of one subscription.
type SubscriptionStats struct {
	Subscription        string         `json:"subscription"`
	Delivered           uint64         `json:"delivered"`
	Succeeded           uint64         `json:"succeeded"`
	Failed              uint64         `json:"failed"`
	DeadLettered        uint64         `json:"dead_lettered"`
	Dropped             uint64         `json:"dropped"`
	InFlight            int64          `json:"in_flight"`
	MaxInFlight         int64          `json:"max_in_flight"`
	TotalProcessingTime int64          `json:"total_processing_time_ns"`
	LastDeliveredAt     time.Time      `json:"last_delivered_at"`
	LastError           string         `json:"last_error,omitempty"`
	Latency             LatencyMetrics `json:"latency"`
}

type subscriptionStats struct {
	mu      sync.Mutex
	stats   SubscriptionStats
	latency *latencyWindow
}

// Stats collects per-subscription counters keyed by routing key.
type Stats struct {
	mu   sync.RWMutex
	subs map[string]*subscriptionStats
}

// NewStats returns an empty collector.
func NewStats() *Stats {
	return &Stats{subs: make(map[string]*subscriptionStats)}
}

func (s *Stats) get(key string) *subscriptionStats {
	s.mu.RLock()
	st, ok := s.subs[key]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.subs[key]; ok {
		return st
	}
	st = &subscriptionStats{
		stats:   SubscriptionStats{Subscription: key},
		latency: newLatencyWindow(latencySampleSize),
	}
	s.subs[key] = st
	return st
}

// Begin records a handler invocation starting.
func (s *Stats) Begin(key string) {
	st := s.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.InFlight++
	if st.stats.InFlight > st.stats.MaxInFlight {
		st.stats.MaxInFlight = st.stats.InFlight
	}
}

// Finish records the outcome of an invocation started with Begin.
func (s *Stats) Finish(key string, outcome dispatchpkg.Outcome, duration time.Duration, err error) {
	st := s.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.stats.InFlight > 0 {
		st.stats.InFlight--
	}
	st.stats.Delivered++
	switch outcome {
	case dispatchpkg.Success:
		st.stats.Succeeded++
	case dispatchpkg.Failed:
		st.stats.Failed++
	case dispatchpkg.SentToDeadLetter:
		st.stats.DeadLettered++
	case dispatchpkg.Dropped:
		st.stats.Dropped++
	}
	if err != nil {
		st.stats.LastError = err.Error()
	}
	st.stats.TotalProcessingTime += int64(duration)
	st.stats.LastDeliveredAt = time.Now().UTC()

	st.latency.Add(duration)
	snapshot := st.latency.Snapshot()
	snapshot.AverageNs = st.stats.TotalProcessingTime / int64(st.stats.Delivered)
	st.stats.Latency = snapshot
}

// Snapshot returns copies of all subscription stats ordered by key.
func (s *Stats) Snapshot() []SubscriptionStats {
	s.mu.RLock()
	keys := make([]string, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	out := make([]SubscriptionStats, 0, len(keys))
	for _, k := range keys {
		st := s.get(k)
		st.mu.Lock()
		out = append(out, st.stats)
		st.mu.Unlock()
	}
	return out
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
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
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
