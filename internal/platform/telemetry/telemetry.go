// Package telemetry keeps in-process counters and histograms and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// DurationBuckets are histogram boundaries in seconds for request and
// gateway call latency.
var DurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket, which is the total count.
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled series
// ---------------------------------------------------------------------------

const labelSep = "\xff"

type family struct {
	name   string
	help   string
	kind   string // counter, gauge or histogram
	labels []string
}

func (f *family) key(values []string) string {
	if len(values) != len(f.labels) {
		panic(fmt.Sprintf("telemetry: %s takes %d label values, got %d", f.name, len(f.labels), len(values)))
	}
	return strings.Join(values, labelSep)
}

func (f *family) labelString(key string, extra ...string) string {
	var parts []string
	if len(f.labels) > 0 {
		for i, v := range strings.Split(key, labelSep) {
			parts = append(parts, f.labels[i]+"="+strconv.Quote(v))
		}
	}
	parts = append(parts, extra...)
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// CounterVec is a monotonically increasing count per label combination.
type CounterVec struct {
	family
	mu     sync.RWMutex
	series map[string]*int64
}

// Inc adds one to the series named by values.
func (c *CounterVec) Inc(values ...string) {
	c.Add(1, values...)
}

// Add adds n to the series named by values.
func (c *CounterVec) Add(n int64, values ...string) {
	key := c.key(values)
	c.mu.RLock()
	p, ok := c.series[key]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if p, ok = c.series[key]; !ok {
			p = new(int64)
			c.series[key] = p
		}
		c.mu.Unlock()
	}
	atomic.AddInt64(p, n)
}

// Value returns the current count for values.
func (c *CounterVec) Value(values ...string) int64 {
	c.mu.RLock()
	p, ok := c.series[c.key(values)]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// Gauge is a single value that can go up and down.
type Gauge struct {
	family
	v int64
}

func (g *Gauge) Add(n int64)  { atomic.AddInt64(&g.v, n) }
func (g *Gauge) Value() int64 { return atomic.LoadInt64(&g.v) }

// HistogramVec records observations per label combination.
type HistogramVec struct {
	family
	buckets []float64
	mu      sync.RWMutex
	series  map[string]*histogram
}

// Observe records v in the series named by values.
func (h *HistogramVec) Observe(v float64, values ...string) {
	key := h.key(values)
	h.mu.RLock()
	s, ok := h.series[key]
	h.mu.RUnlock()
	if !ok {
		h.mu.Lock()
		if s, ok = h.series[key]; !ok {
			s = newHistogram(h.buckets)
			h.series[key] = s
		}
		h.mu.Unlock()
	}
	s.observe(v)
}

// Count returns the number of observations for values.
func (h *HistogramVec) Count(values ...string) int64 {
	h.mu.RLock()
	s, ok := h.series[h.key(values)]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&s.count)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry owns every metric exported by the process. Metric names are
// prefixed with the namespace.
type Registry struct {
	namespace string

	mu         sync.Mutex
	counters   []*CounterVec
	gauges     []*Gauge
	histograms []*HistogramVec

	httpDuration *HistogramVec
	httpActive   *Gauge
}

func NewRegistry(namespace string) *Registry {
	r := &Registry{namespace: namespace}
	r.httpDuration = r.Histogram("http_server_request_duration_seconds",
		"Duration of HTTP requests in seconds.", DurationBuckets, "method", "route", "status_code")
	r.httpActive = r.Gauge("http_server_active_requests", "Number of in-flight HTTP requests.")
	return r
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// Counter registers a counter family.
func (r *Registry) Counter(name, help string, labels ...string) *CounterVec {
	c := &CounterVec{
		family: family{name: r.fullName(name), help: help, kind: "counter", labels: labels},
		series: make(map[string]*int64),
	}
	r.mu.Lock()
	r.counters = append(r.counters, c)
	r.mu.Unlock()
	return c
}

// Gauge registers an unlabeled gauge.
func (r *Registry) Gauge(name, help string) *Gauge {
	g := &Gauge{family: family{name: r.fullName(name), help: help, kind: "gauge"}}
	r.mu.Lock()
	r.gauges = append(r.gauges, g)
	r.mu.Unlock()
	return g
}

// Histogram registers a histogram family with the given bucket boundaries.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *HistogramVec {
	h := &HistogramVec{
		family:  family{name: r.fullName(name), help: help, kind: "histogram", labels: labels},
		buckets: buckets,
		series:  make(map[string]*histogram),
	}
	r.mu.Lock()
	r.histograms = append(r.histograms, h)
	r.mu.Unlock()
	return h
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Middleware records request duration by route and status, and the number
// of in-flight requests.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.httpActive.Add(1)
			defer r.httpActive.Add(-1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			r.httpDuration.Observe(time.Since(start).Seconds(), c.Request().Method, route, strconv.Itoa(status))
			return err
		}
	}
}

// Handler serves every registered metric in Prometheus text format.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		r.WriteText(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

// WriteText renders every metric, families in registration order and series
// sorted by label values.
func (r *Registry) WriteText(b *strings.Builder) {
	r.mu.Lock()
	counters := append([]*CounterVec(nil), r.counters...)
	gauges := append([]*Gauge(nil), r.gauges...)
	histograms := append([]*HistogramVec(nil), r.histograms...)
	r.mu.Unlock()

	for _, c := range counters {
		writeHeader(b, &c.family)
		c.mu.RLock()
		for _, key := range sortedKeys(c.series) {
			fmt.Fprintf(b, "%s%s %d\n", c.name, c.labelString(key), atomic.LoadInt64(c.series[key]))
		}
		c.mu.RUnlock()
		b.WriteByte('\n')
	}
	for _, g := range gauges {
		writeHeader(b, &g.family)
		fmt.Fprintf(b, "%s %d\n\n", g.name, g.Value())
	}
	for _, h := range histograms {
		writeHeader(b, &h.family)
		h.mu.RLock()
		for _, key := range sortedKeys(h.series) {
			writeHistogram(b, h, key, h.series[key])
		}
		h.mu.RUnlock()
		b.WriteByte('\n')
	}
}

func writeHeader(b *strings.Builder, f *family) {
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)
}

func writeHistogram(b *strings.Builder, h *HistogramVec, key string, s *histogram) {
	cum := s.cumulativeBuckets()
	total := atomic.LoadInt64(&s.count)
	for i, boundary := range s.boundaries {
		le := "le=" + strconv.Quote(strconv.FormatFloat(boundary, 'g', -1, 64))
		fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, h.labelString(key, le), cum[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, h.labelString(key, `le="+Inf"`), total)
	fmt.Fprintf(b, "%s_sum%s %g\n", h.name, h.labelString(key), math.Float64frombits(atomic.LoadUint64(&s.sum)))
	fmt.Fprintf(b, "%s_count%s %d\n", h.name, h.labelString(key), total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
