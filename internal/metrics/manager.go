// Package metrics keeps in-process counters, gauges and outcome tallies
// keyed by "topic/function" paths.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Manager is the global metrics registry
type Manager struct {
	mu          sync.RWMutex
	timings     map[string]*TimingMetric
	hitMiss     map[string]*HitMissMetric
	counters    map[string]*CounterMetric
	gauges      map[string]*GaugeMetric
	successFail map[string]*SuccessFailMetric
	outcomes    map[string]*OutcomeMetric
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *Manager {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates an empty manager. Most callers use GetInstance.
func New() *Manager {
	return &Manager{
		timings:     make(map[string]*TimingMetric),
		hitMiss:     make(map[string]*HitMissMetric),
		counters:    make(map[string]*CounterMetric),
		gauges:      make(map[string]*GaugeMetric),
		successFail: make(map[string]*SuccessFailMetric),
		outcomes:    make(map[string]*OutcomeMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// getOrCreate returns the metric at path in m, creating it with mk.
func getOrCreate[T any](mgr *Manager, m map[string]*T, path string, mk func() *T) *T {
	mgr.mu.RLock()
	metric, ok := m[path]
	mgr.mu.RUnlock()
	if ok {
		return metric
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if metric, ok = m[path]; ok {
		return metric
	}
	metric = mk()
	m[path] = metric
	return metric
}

// RecordDuration records one timed operation
func (m *Manager) RecordDuration(topic, function string, d time.Duration) {
	metric := getOrCreate(m, m.timings, buildPath(topic, function), func() *TimingMetric { return &TimingMetric{} })

	metric.mu.Lock()
	defer metric.mu.Unlock()
	metric.Count++
	metric.Total += d
	metric.Last = d
	if metric.Min == 0 || d < metric.Min {
		metric.Min = d
	}
	if d > metric.Max {
		metric.Max = d
	}
}

// RecordHit records a cache hit
func (m *Manager) RecordHit(topic, function string) {
	metric := getOrCreate(m, m.hitMiss, buildPath(topic, function), func() *HitMissMetric { return &HitMissMetric{} })
	metric.mu.Lock()
	metric.Hits++
	metric.mu.Unlock()
}

// RecordMiss records a cache miss
func (m *Manager) RecordMiss(topic, function string) {
	metric := getOrCreate(m, m.hitMiss, buildPath(topic, function), func() *HitMissMetric { return &HitMissMetric{} })
	metric.mu.Lock()
	metric.Misses++
	metric.mu.Unlock()
}

// AddCounter adds delta to a counter
func (m *Manager) AddCounter(topic, function string, delta int64) {
	metric := getOrCreate(m, m.counters, buildPath(topic, function), func() *CounterMetric { return &CounterMetric{} })
	metric.mu.Lock()
	metric.Value += delta
	metric.Last = time.Now()
	metric.mu.Unlock()
}

// SetGauge sets a gauge value
func (m *Manager) SetGauge(topic, function string, value int64) {
	first := false
	metric := getOrCreate(m, m.gauges, buildPath(topic, function), func() *GaugeMetric {
		first = true
		return &GaugeMetric{}
	})

	metric.mu.Lock()
	defer metric.mu.Unlock()
	metric.Value = value
	metric.Last = time.Now()
	if first || value < metric.Min {
		metric.Min = value
	}
	if first || value > metric.Max {
		metric.Max = value
	}
}

func newSuccessFail() *SuccessFailMetric {
	return &SuccessFailMetric{FailureReasons: make(map[string]int64)}
}

// RecordSuccess records a successful operation
func (m *Manager) RecordSuccess(topic, function string) {
	metric := getOrCreate(m, m.successFail, buildPath(topic, function), newSuccessFail)
	metric.mu.Lock()
	metric.Success++
	metric.LastSuccess = time.Now()
	metric.mu.Unlock()
}

// RecordFailure records a failed operation
func (m *Manager) RecordFailure(topic, function, reason string) {
	metric := getOrCreate(m, m.successFail, buildPath(topic, function), newSuccessFail)
	metric.mu.Lock()
	metric.Failures++
	metric.LastFailure = time.Now()
	if reason != "" {
		metric.FailureReasons[reason]++
	}
	metric.mu.Unlock()
}

// RecordOutcome records a specific outcome
func (m *Manager) RecordOutcome(topic, function, outcome string) {
	metric := getOrCreate(m, m.outcomes, buildPath(topic, function), func() *OutcomeMetric {
		return &OutcomeMetric{Outcomes: make(map[string]int64)}
	})
	metric.mu.Lock()
	metric.Outcomes[outcome]++
	metric.Total++
	metric.LastOutcome = outcome
	metric.mu.Unlock()
}

// Snapshot returns every metric, sorted by path
func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for path, t := range m.timings {
		t.mu.Lock()
		avg := float64(0)
		if t.Count > 0 {
			avg = ms(t.Total) / float64(t.Count)
		}
		out = append(out, Snapshot{Path: path, Type: TypeTiming, Data: TimingSnapshot{
			Count: t.Count, AvgMs: avg, MinMs: ms(t.Min), MaxMs: ms(t.Max), LastMs: ms(t.Last),
		}})
		t.mu.Unlock()
	}
	for path, h := range m.hitMiss {
		h.mu.Lock()
		rate := float64(0)
		if total := h.Hits + h.Misses; total > 0 {
			rate = float64(h.Hits) / float64(total) * 100
		}
		out = append(out, Snapshot{Path: path, Type: TypeHitMiss, Data: HitMissSnapshot{Hits: h.Hits, Misses: h.Misses, HitRate: rate}})
		h.mu.Unlock()
	}
	for path, c := range m.counters {
		c.mu.Lock()
		out = append(out, Snapshot{Path: path, Type: TypeCounter, Data: CounterSnapshot{Value: c.Value}})
		c.mu.Unlock()
	}
	for path, g := range m.gauges {
		g.mu.Lock()
		out = append(out, Snapshot{Path: path, Type: TypeGauge, Data: GaugeSnapshot{Value: g.Value, Min: g.Min, Max: g.Max}})
		g.mu.Unlock()
	}
	for path, s := range m.successFail {
		s.mu.Lock()
		rate := float64(0)
		if total := s.Success + s.Failures; total > 0 {
			rate = float64(s.Success) / float64(total) * 100
		}
		reasons := make(map[string]int64, len(s.FailureReasons))
		for k, v := range s.FailureReasons {
			reasons[k] = v
		}
		out = append(out, Snapshot{Path: path, Type: TypeSuccessFail, Data: SuccessFailSnapshot{
			Success: s.Success, Failures: s.Failures, SuccessRate: rate, FailureReasons: reasons,
		}})
		s.mu.Unlock()
	}
	for path, o := range m.outcomes {
		o.mu.Lock()
		outcomes := make(map[string]int64, len(o.Outcomes))
		for k, v := range o.Outcomes {
			outcomes[k] = v
		}
		out = append(out, Snapshot{Path: path, Type: TypeOutcome, Data: OutcomeSnapshot{Outcomes: outcomes, Total: o.Total, Last: o.LastOutcome}})
		o.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Get returns the snapshot for one path
func (m *Manager) Get(path string) (Snapshot, bool) {
	for _, s := range m.Snapshot() {
		if s.Path == path {
			return s, true
		}
	}
	return Snapshot{}, false
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
