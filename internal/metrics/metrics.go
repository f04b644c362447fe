// Package metrics exposes the daemon's Prometheus counters and gauges
// (§3 "counters (matches, derived commands)", §4.4 "queue depth") and the
// periodic status-dump writer behind the "D"/dump-status control verb
// (§6's local readouts, which just cat the resulting files).
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ladcd/ladc/internal/endqueue"
	"github.com/ladcd/ladc/internal/logging"
	"github.com/ladcd/ladc/internal/rule"
)

// Metrics holds every Prometheus collector the daemon registers,
// grounded on the teacher's internal/ebpf/metrics.Metrics shape (one
// struct field per collector, built once in a constructor).
type Metrics struct {
	DetectionsTotal  *prometheus.CounterVec
	InvocationsTotal *prometheus.CounterVec
	RuleEnabled      *prometheus.GaugeVec
	EndQueueDepth    prometheus.Gauge
	ReloadsTotal     *prometheus.CounterVec
}

// New constructs and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ladc_rule_detections_total",
			Help: "Total number of pattern matches per rule.",
		}, []string{"rule"}),
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ladc_rule_invocations_total",
			Help: "Total number of begin actions fired per rule.",
		}, []string{"rule"}),
		RuleEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ladc_rule_enabled",
			Help: "Whether a rule is currently enabled (1) or disabled (0).",
		}, []string{"rule"}),
		EndQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ladc_end_queue_depth",
			Help: "Number of addresses currently banned and tracked in the end-queue.",
		}),
		ReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ladc_config_reloads_total",
			Help: "Total number of config reload attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.DetectionsTotal, m.InvocationsTotal, m.RuleEnabled, m.EndQueueDepth, m.ReloadsTotal)
	return m
}

// ObserveReload records a reload attempt's outcome ("success" or
// "failure"), for the "R"/reload-config control verb.
func (m *Metrics) ObserveReload(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.ReloadsTotal.WithLabelValues(outcome).Inc()
}

// Engine is the subset of internal/rule.Engine the collector reads to
// refresh per-rule gauges and the status dump.
type Engine interface {
	Rules() []*rule.Rule
}

// EndQueue is the subset of internal/endqueue.Queue the collector reads.
type EndQueue interface {
	Len() int
	Snapshot() []endqueue.SnapshotEntry
}

// Collector periodically refreshes the rule-derived gauges and writes
// the §6 status dump files that the CLI's "rules"/"hosts" readouts cat
// directly, rather than querying the daemon live.
type Collector struct {
	metrics  *Metrics
	engine   Engine
	queue    EndQueue
	statusFn func(kind string) string
	interval time.Duration
	log      *logging.Logger

	stop chan struct{}
	done chan struct{}
}

// NewCollector returns a Collector that refreshes every interval and
// writes status dumps under the directory statusFn resolves (typically
// internal/config.Config.StatusDumpPath).
func NewCollector(m *Metrics, engine Engine, queue EndQueue, statusFn func(kind string) string, interval time.Duration) *Collector {
	return &Collector{
		metrics:  m,
		engine:   engine,
		queue:    queue,
		statusFn: statusFn,
		interval: interval,
		log:      logging.WithComponent("metrics"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run refreshes gauges and status dumps every interval until ctx is
// cancelled or Stop is called, whichever comes first.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.refresh()
		}
	}
}

// Stop halts Run and waits for it to return.
func (c *Collector) Stop() {
	close(c.stop)
	<-c.done
}

// DumpNow refreshes gauges and writes status files immediately,
// serving the "D"/dump-status control verb directly instead of waiting
// for the next tick.
func (c *Collector) DumpNow() {
	c.refresh()
}

func (c *Collector) refresh() {
	rules := c.engine.Rules()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	for _, r := range rules {
		c.metrics.DetectionsTotal.WithLabelValues(r.Name).Add(0)
		c.metrics.InvocationsTotal.WithLabelValues(r.Name).Add(0)
		enabledGauge := 0.0
		if r.Enabled {
			enabledGauge = 1.0
		}
		c.metrics.RuleEnabled.WithLabelValues(r.Name).Set(enabledGauge)
	}
	c.metrics.EndQueueDepth.Set(float64(c.queue.Len()))

	if c.statusFn == nil {
		return
	}
	if err := c.writeRulesStatus(rules); err != nil {
		c.log.Warn("writing rules status dump failed", "err", err)
	}
	if err := c.writeHostsStatus(); err != nil {
		c.log.Warn("writing hosts status dump failed", "err", err)
	}
}

func (c *Collector) writeRulesStatus(rules []*rule.Rule) error {
	var b strings.Builder
	for _, r := range rules {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s\t%s\tdetections=%d\tinvocations=%d\n",
			r.Name, state, r.DetectionCount(), r.InvocationCount())
	}
	return writeStatusFile(c.statusFn("rules"), b.String())
}

func (c *Collector) writeHostsStatus() error {
	entries := c.queue.Snapshot()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address.String() < entries[j].Address.String()
	})

	var b strings.Builder
	for _, e := range entries {
		if e.Infinite {
			fmt.Fprintf(&b, "%s\t%s\tfactor=%d\tend=never\n", e.Address.String(), e.RuleName, e.Factor)
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\tfactor=%d\tend=%s\n", e.Address.String(), e.RuleName, e.Factor, e.Deadline.UTC().Format(time.RFC3339))
	}
	return writeStatusFile(c.statusFn("hosts"), b.String())
}

// writeStatusFile replaces path's contents atomically: write to a
// sibling temp file, then rename over it, so a concurrent "cat" from the
// CLI never observes a half-written dump.
func writeStatusFile(path, content string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
