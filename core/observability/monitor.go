// Package observability keeps per-operation call metrics for the agent's
// RPC surface.
package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/stack-agent/core/stack"
)

// CallMonitor records latency and failures per operation.
type CallMonitor struct {
	enabled atomic.Bool
	ops     sync.Map // name -> *OpMetrics
	global  struct {
		calls    atomic.Uint64
		errors   atomic.Uint64
		duration atomic.Uint64
	}
}

// OpMetrics stores per-operation metrics
type OpMetrics struct {
	Name           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [len(bucketBounds) + 1]atomic.Uint64

	kindMu sync.Mutex
	kinds  map[stack.Kind]uint64
}

// Upper bounds of the latency buckets. The last bucket is unbounded.
var bucketBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// OpStats is a point-in-time copy of OpMetrics.
type OpStats struct {
	Name    string
	Count   uint64
	Errors  uint64
	Avg     time.Duration
	Min     time.Duration
	Max     time.Duration
	Buckets []uint64
	Kinds   map[stack.Kind]uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type       string
	Location   string
	Severity   int
	Impact     float64
	DetectedAt time.Time
	Details    string
}

// NewCallMonitor creates an enabled monitor
func NewCallMonitor() *CallMonitor {
	cm := &CallMonitor{}
	cm.enabled.Store(true)
	return cm
}

// SetEnabled turns recording on or off.
func (cm *CallMonitor) SetEnabled(on bool) {
	cm.enabled.Store(on)
}

// Record records one call of op. err may be nil.
func (cm *CallMonitor) Record(op string, duration time.Duration, err error) {
	if !cm.enabled.Load() {
		return
	}

	val, _ := cm.ops.LoadOrStore(op, &OpMetrics{Name: op})
	m := val.(*OpMetrics)

	m.Count.Add(1)
	cm.global.calls.Add(1)
	if err != nil {
		m.Errors.Add(1)
		cm.global.errors.Add(1)
		kind := stack.KindOf(err)
		if kind == "" {
			kind = "other"
		}
		m.kindMu.Lock()
		if m.kinds == nil {
			m.kinds = make(map[stack.Kind]uint64)
		}
		m.kinds[kind]++
		m.kindMu.Unlock()
	}

	d := uint64(duration.Nanoseconds())
	m.TotalDuration.Add(d)
	cm.global.duration.Add(d)
	updateMinMax(m, d)
	m.latencyBuckets[bucket(duration)].Add(1)
}

// Start returns a func that records op when called with the call's error.
func (cm *CallMonitor) Start(op string) func(error) {
	start := time.Now()
	return func(err error) {
		cm.Record(op, time.Since(start), err)
	}
}

func updateMinMax(m *OpMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func bucket(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// Totals returns process-wide call and error counts.
func (cm *CallMonitor) Totals() (calls, errors uint64) {
	return cm.global.calls.Load(), cm.global.errors.Load()
}

// Snapshot returns stats for every operation, sorted by name.
func (cm *CallMonitor) Snapshot() []OpStats {
	var out []OpStats
	cm.ops.Range(func(_, value interface{}) bool {
		m := value.(*OpMetrics)
		s := OpStats{
			Name:    m.Name,
			Count:   m.Count.Load(),
			Errors:  m.Errors.Load(),
			Min:     time.Duration(m.MinDuration.Load()),
			Max:     time.Duration(m.MaxDuration.Load()),
			Buckets: make([]uint64, len(m.latencyBuckets)),
		}
		if s.Count > 0 {
			s.Avg = time.Duration(m.TotalDuration.Load() / s.Count)
		}
		for i := range m.latencyBuckets {
			s.Buckets[i] = m.latencyBuckets[i].Load()
		}
		m.kindMu.Lock()
		if len(m.kinds) > 0 {
			s.Kinds = make(map[stack.Kind]uint64, len(m.kinds))
			for k, v := range m.kinds {
				s.Kinds[k] = v
			}
		}
		m.kindMu.Unlock()
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bottlenecks reports operations averaging above slow or failing more than
// 5% of the time. Blocking waits should be excluded by the caller through
// skip.
func (cm *CallMonitor) Bottlenecks(slow time.Duration, skip ...string) []Bottleneck {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	bottlenecks := make([]Bottleneck, 0)
	now := time.Now()
	for _, s := range cm.Snapshot() {
		if s.Count == 0 || skipped[s.Name] {
			continue
		}

		if s.Avg > slow {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "latency",
				Location:   s.Name,
				Severity:   8,
				Impact:     float64(s.Avg) / float64(slow) * 100,
				DetectedAt: now,
				Details:    fmt.Sprintf("High latency (%v avg)", s.Avg),
			})
		}

		rate := float64(s.Errors) / float64(s.Count)
		if s.Errors > 0 && rate > 0.05 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Location:   s.Name,
				Severity:   10,
				Impact:     rate * 100,
				DetectedAt: now,
				Details:    fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}
	return bottlenecks
}
