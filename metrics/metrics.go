// Package metrics holds the instruments the key manager reports: atomic
// counters and gauges, and a mutex-guarded histogram that keeps count, sum
// and extremes. Instruments are obtained from a Registry and exported in
// Prometheus text format.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Counter only goes up.
type Counter struct {
	name string
	n    atomic.Int64
}

func NewCounter(name string) *Counter { return &Counter{name: name} }

func (c *Counter) Inc() { c.n.Add(1) }

// Add increments by delta. Non-positive deltas are dropped.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.n.Add(delta)
	}
}

func (c *Counter) Value() int64 { return c.n.Load() }
func (c *Counter) Name() string { return c.name }

// Gauge holds an instantaneous value.
type Gauge struct {
	name string
	n    atomic.Int64
}

func NewGauge(name string) *Gauge { return &Gauge{name: name} }

func (g *Gauge) Set(v int64) { g.n.Store(v) }
func (g *Gauge) Inc() { g.n.Add(1) }
func (g *Gauge) Dec() { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }
func (g *Gauge) Name() string { return g.name }

// Histogram summarises observations by count, sum, min and max.
type Histogram struct {
	name string

	mu       sync.Mutex
	count    int64
	sum      float64
	min, max float64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, min: math.Inf(1), max: math.Inf(-1)}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	h.min = math.Min(h.min, v)
	h.max = math.Max(h.max, v)
}

// HistogramSnapshot is a consistent view of a histogram. Min, Max and Mean
// are zero when nothing was observed.
type HistogramSnapshot struct {
	Count          int64
	Sum            float64
	Min, Max, Mean float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return HistogramSnapshot{}
	}
	return HistogramSnapshot{
		Count: h.count,
		Sum:   h.sum,
		Min:   h.min,
		Max:   h.max,
		Mean:  h.sum / float64(h.count),
	}
}

func (h *Histogram) Count() int64 { return h.Snapshot().Count }
func (h *Histogram) Name() string { return h.name }

// Timer records elapsed milliseconds into a histogram.
type Timer struct {
	start time.Time
	hist  *Histogram
}

func NewTimer(h *Histogram) *Timer { return &Timer{start: time.Now(), hist: h} }

// Stop observes the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.hist != nil {
		t.hist.Observe(float64(d) / float64(time.Millisecond))
	}
	return d
}
