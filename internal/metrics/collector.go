// Package metrics exposes bot counters in Prometheus text exposition format
// without pulling in client_golang; the scrape surface is a handful of
// counters and two gauges.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates the bot's counters and gauges.
type Collector struct {
	startTime time.Time

	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		counters:  make(map[string]*Counter),
		gauges:    make(map[string]*Gauge),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter returns or creates the named counter.
func (c *Collector) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := &Counter{help: help}
	c.counters[name] = ctr
	return ctr
}

// Gauge returns or creates the named gauge.
func (c *Collector) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[name]; ok {
		return g
	}
	g := &Gauge{help: help}
	c.gauges[name] = g
	return g
}

// Handler renders the metrics in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP bacollab_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE bacollab_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "bacollab_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))

		c.mu.Lock()
		defer c.mu.Unlock()

		for _, name := range sortedKeys(c.counters) {
			ctr := c.counters[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, ctr.help, name, name, ctr.Value())
		}
		for _, name := range sortedKeys(c.gauges) {
			g := c.gauges[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.help, name, name, g.Value())
		}

		fmt.Fprint(w, sb.String())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
