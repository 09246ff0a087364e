package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"
)

// PrometheusConfig configures the text exporter.
type PrometheusConfig struct {
	// Namespace prefixes every exported name, e.g. "keymanager".
	Namespace string
	// EnableRuntime adds a few Go runtime gauges to each scrape.
	EnableRuntime bool
	// Path is where Handler serves; defaults to /metrics.
	Path string
}

func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{Namespace: "keymanager", EnableRuntime: true, Path: "/metrics"}
}

// PrometheusExporter renders a Registry in the Prometheus text exposition
// format.
type PrometheusExporter struct {
	config   PrometheusConfig
	registry *Registry
}

func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &PrometheusExporter{config: config, registry: registry}
}

// Handler serves the exposition at the configured path.
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pe.config.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		pe.WriteTo(w)
	})
	return mux
}

// WriteTo writes one scrape to w.
func (pe *PrometheusExporter) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	pe.writeRegistry(&b)
	if pe.config.EnableRuntime {
		pe.writeRuntime(&b)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func (pe *PrometheusExporter) writeRegistry(b *strings.Builder) {
	r := pe.registry
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		n := pe.promName(name)
		header(b, n, "counter", name)
		fmt.Fprintf(b, "%s %d\n", n, r.counters[name].Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		n := pe.promName(name)
		header(b, n, "gauge", name)
		fmt.Fprintf(b, "%s %d\n", n, r.gauges[name].Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		n := pe.promName(name)
		s := r.histograms[name].Snapshot()
		header(b, n, "summary", name)
		fmt.Fprintf(b, "%s_count %d\n", n, s.Count)
		fmt.Fprintf(b, "%s_sum %s\n", n, formatFloat(s.Sum))
		if s.Count > 0 {
			fmt.Fprintf(b, "%s_min %s\n", n, formatFloat(s.Min))
			fmt.Fprintf(b, "%s_max %s\n", n, formatFloat(s.Max))
		}
	}
}

func (pe *PrometheusExporter) writeRuntime(b *strings.Builder) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	gauge := func(name, help string, v float64) {
		n := pe.promName(name)
		header(b, n, "gauge", help)
		fmt.Fprintf(b, "%s %s\n", n, formatFloat(v))
	}
	gauge("go_goroutines", "Number of goroutines", float64(runtime.NumGoroutine()))
	gauge("go_memstats_heap_alloc_bytes", "Bytes of allocated heap objects", float64(m.HeapAlloc))
	gauge("go_memstats_sys_bytes", "Bytes obtained from the OS", float64(m.Sys))
	gauge("go_gc_cycles", "Completed GC cycles", float64(m.NumGC))
	gauge("process_start_time_seconds", "Process start time", float64(processStart.Unix()))
}

// promName maps an instrument name onto the Prometheus charset and
// prefixes the namespace.
func (pe *PrometheusExporter) promName(name string) string {
	s := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(name)
	if pe.config.Namespace != "" && !strings.HasPrefix(s, pe.config.Namespace+"_") {
		s = pe.config.Namespace + "_" + s
	}
	return s
}

func header(b *strings.Builder, name, typ, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var processStart = time.Now()
