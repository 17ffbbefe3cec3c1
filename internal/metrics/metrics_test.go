package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndOutcomes(t *testing.T) {
	m := New()
	m.AddCounter("router", "dispatched", 1)
	m.AddCounter("router", "dispatched", 2)
	m.RecordOutcome("router", "route", "discarded")
	m.RecordOutcome("router", "route", "dispatched")
	m.RecordOutcome("router", "route", "dispatched")

	s, ok := m.Get("router/dispatched")
	require.True(t, ok)
	assert.Equal(t, int64(3), s.Data.(CounterSnapshot).Value)

	s, ok = m.Get("router/route")
	require.True(t, ok)
	o := s.Data.(OutcomeSnapshot)
	assert.Equal(t, int64(3), o.Total)
	assert.Equal(t, int64(2), o.Outcomes["dispatched"])
}

func TestSuccessFail(t *testing.T) {
	m := New()
	m.RecordSuccess("commands", "ping")
	m.RecordFailure("commands", "ping", "panic")
	m.RecordFailure("commands", "ping", "")

	s, _ := m.Get("commands/ping")
	sf := s.Data.(SuccessFailSnapshot)
	assert.Equal(t, int64(1), sf.Success)
	assert.Equal(t, int64(2), sf.Failures)
	assert.Equal(t, int64(1), sf.FailureReasons["panic"])
	assert.InDelta(t, 33.3, sf.SuccessRate, 0.1)
}

func TestGaugeMinMax(t *testing.T) {
	m := New()
	m.SetGauge("supervisor", "active", 3)
	m.SetGauge("supervisor", "active", 1)
	m.SetGauge("supervisor", "active", 5)

	s, _ := m.Get("supervisor/active")
	g := s.Data.(GaugeSnapshot)
	assert.Equal(t, GaugeSnapshot{Value: 5, Min: 1, Max: 5}, g)
}

func TestTimingAndHitMiss(t *testing.T) {
	m := New()
	m.RecordDuration("handler", "menu", 10*time.Millisecond)
	m.RecordDuration("handler", "menu", 30*time.Millisecond)
	m.RecordHit("settings", "resolve")
	m.RecordMiss("settings", "resolve")

	s, _ := m.Get("handler/menu")
	ts := s.Data.(TimingSnapshot)
	assert.Equal(t, int64(2), ts.Count)
	assert.InDelta(t, 20.0, ts.AvgMs, 0.01)
	assert.InDelta(t, 10.0, ts.MinMs, 0.01)

	s, _ = m.Get("settings/resolve")
	assert.InDelta(t, 50.0, s.Data.(HitMissSnapshot).HitRate, 0.01)
}

func TestSnapshotSortedAndConcurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AddCounter("b", "x", 1)
			m.AddCounter("a", "x", 1)
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a/x", snap[0].Path)
	assert.Equal(t, int64(20), snap[1].Data.(CounterSnapshot).Value)
}
