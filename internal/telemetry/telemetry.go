package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is one recorded observation.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector keeps a run's metrics in memory and mirrors them onto
// OpenTelemetry instruments. It is safe for concurrent use; a nil or disabled
// collector drops everything.
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
	enabled bool

	meter      metric.Meter
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewCollector creates a collector bound to the global meter provider.
func NewCollector(enabled bool) *Collector {
	return &Collector{
		enabled:    enabled,
		meter:      otel.Meter("github.com/cli2rest/cli2rest"),
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Counter adds value to a counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Histogram records a distribution sample.
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(duration.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	c.mirror(m)
}

// mirror forwards m to the otel instrument of the same name. Must hold c.mu.
func (c *Collector) mirror(m Metric) {
	opt := metric.WithAttributes(attrs(m.Labels)...)
	ctx := context.Background()
	switch m.Type {
	case Counter:
		inst, ok := c.counters[m.Name]
		if !ok {
			var err error
			if inst, err = c.meter.Float64Counter(m.Name); err != nil {
				log.Debug().Err(err).Str("metric", m.Name).Msg("otel counter")
				return
			}
			c.counters[m.Name] = inst
		}
		inst.Add(ctx, m.Value, opt)
	case Gauge:
		inst, ok := c.gauges[m.Name]
		if !ok {
			var err error
			if inst, err = c.meter.Float64Gauge(m.Name); err != nil {
				log.Debug().Err(err).Str("metric", m.Name).Msg("otel gauge")
				return
			}
			c.gauges[m.Name] = inst
		}
		inst.Record(ctx, m.Value, opt)
	default:
		inst, ok := c.histograms[m.Name]
		if !ok {
			var err error
			if inst, err = c.meter.Float64Histogram(m.Name, metric.WithUnit(m.Unit)); err != nil {
				log.Debug().Err(err).Str("metric", m.Name).Msg("otel histogram")
				return
			}
			c.histograms[m.Name] = inst
		}
		inst.Record(ctx, m.Value, opt)
	}
}

func attrs(labels map[string]string) []attribute.KeyValue {
	kv := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kv = append(kv, attribute.String(k, v))
	}
	return kv
}

// GetMetrics returns a copy of the recorded metrics.
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Aggregate is the per-series total of one metric.
type Aggregate struct {
	Name   string
	Labels string
	Count  int
	Sum    float64
	Max    float64
}

// Summary aggregates recorded metrics by name and label set, sorted.
func (c *Collector) Summary() []Aggregate {
	byKey := make(map[string]*Aggregate)
	for _, m := range c.GetMetrics() {
		labels := labelString(m.Labels)
		key := m.Name + "{" + labels + "}"
		a, ok := byKey[key]
		if !ok {
			a = &Aggregate{Name: m.Name, Labels: labels}
			byKey[key] = a
		}
		a.Count++
		if m.Type == Gauge {
			a.Sum = m.Value
		} else {
			a.Sum += m.Value
		}
		if m.Value > a.Max {
			a.Max = m.Value
		}
	}
	out := make([]Aggregate, 0, len(byKey))
	for _, a := range byKey {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out
}

func labelString(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ",")
}

// FlushMetrics logs the aggregated metrics at debug level and clears them.
func (c *Collector) FlushMetrics() {
	if c == nil {
		return
	}
	for _, a := range c.Summary() {
		log.Debug().
			Str("name", a.Name).
			Str("labels", a.Labels).
			Int("count", a.Count).
			Float64("sum", a.Sum).
			Float64("max", a.Max).
			Msg("telemetry_metric")
	}
	c.mu.Lock()
	c.metrics = c.metrics[:0]
	c.mu.Unlock()
}
