// Package metrics exports reconciliation counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

const namespace = "chatsync"

// Collector implements reconcile.Metrics with Prometheus instruments.
type Collector struct {
	lines      prometheus.Counter
	failures   prometheus.Counter
	duplicates prometheus.Counter
	orphans    prometheus.Counter
	messages   *prometheus.CounterVec
	sessions   prometheus.Gauge
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_ingested_total",
			Help:      "Raw event lines handed to the reconciler.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Lines skipped because they could not be parsed.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Finalized messages dropped because their id was already emitted.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_outcomes_total",
			Help:      "Tool outcomes that arrived before or without their invocation.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_emitted_total",
			Help:      "Messages admitted to a session history.",
		}, []string{"role"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in memory.",
		}),
	}
	for _, col := range []prometheus.Collector{c.lines, c.failures, c.duplicates, c.orphans, c.messages, c.sessions} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) LineIngested()        { c.lines.Inc() }
func (c *Collector) ParseFailed()         { c.failures.Inc() }
func (c *Collector) DuplicateSuppressed() { c.duplicates.Inc() }
func (c *Collector) OrphanRecorded()      { c.orphans.Inc() }
func (c *Collector) SessionsActive(n int) { c.sessions.Set(float64(n)) }

func (c *Collector) MessageEmitted(role transcript.Role) {
	c.messages.WithLabelValues(string(role)).Inc()
}
