package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// CallStatsProvider exposes live call counts per status.
type CallStatsProvider interface {
	Stats() b2bua.Stats
}

// TaskCounter returns the number of tasks registered with the scheduler.
type TaskCounter interface {
	Len() int
}

// CDRPipeline exposes the counters of the asynchronous CDR writer.
type CDRPipeline interface {
	Dropped() uint64
	Written() uint64
	Failed() uint64
}

// LegCounter returns the number of outbound legs still running.
type LegCounter interface {
	Len() int
}

// BlockedCounter returns the number of signaling sources blocked right now.
type BlockedCounter interface {
	BlockedCount() int
}

// Providers groups the sources the collector reads at scrape time. Any of
// them may be nil.
type Providers struct {
	Calls   CallStatsProvider
	Tasks   TaskCounter
	CDR     CDRPipeline
	Legs    LegCounter
	Blocked BlockedCounter
}

// Collector is a prometheus.Collector that gathers flowgate metrics at scrape time.
type Collector struct {
	p         Providers
	startTime time.Time

	callsDesc      *prometheus.Desc
	activeDesc     *prometheus.Desc
	tasksDesc      *prometheus.Desc
	cdrDroppedDesc *prometheus.Desc
	cdrWrittenDesc *prometheus.Desc
	cdrFailedDesc  *prometheus.Desc
	outboundDesc   *prometheus.Desc
	blockedDesc    *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,

		callsDesc: prometheus.NewDesc(
			"flowgate_calls",
			"Number of live calls by status",
			[]string{"status"}, nil,
		),
		activeDesc: prometheus.NewDesc(
			"flowgate_calls_total_active",
			"Number of live calls in any status",
			nil, nil,
		),
		tasksDesc: prometheus.NewDesc(
			"flowgate_tasks_registered",
			"Number of recurring tasks registered with the scheduler",
			nil, nil,
		),
		cdrDroppedDesc: prometheus.NewDesc(
			"flowgate_cdr_dropped_total",
			"CDR events dropped because the write queue was full or closed",
			nil, nil,
		),
		cdrWrittenDesc: prometheus.NewDesc(
			"flowgate_cdr_written_total",
			"CDR events written to the store",
			nil, nil,
		),
		cdrFailedDesc: prometheus.NewDesc(
			"flowgate_cdr_failed_total",
			"CDR events lost to store errors",
			nil, nil,
		),
		outboundDesc: prometheus.NewDesc(
			"flowgate_outbound_legs",
			"Number of outbound legs still running",
			nil, nil,
		),
		blockedDesc: prometheus.NewDesc(
			"flowgate_blocked_sources",
			"Number of signaling sources blocked for failed authorization",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowgate_uptime_seconds",
			"Seconds since the flowgate process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsDesc
	ch <- c.activeDesc
	ch <- c.tasksDesc
	ch <- c.cdrDroppedDesc
	ch <- c.cdrWrittenDesc
	ch <- c.cdrFailedDesc
	ch <- c.outboundDesc
	ch <- c.blockedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.p.Calls != nil {
		s := c.p.Calls.Stats()
		for status, n := range map[string]int{
			"pre_dial":  s.PreDial,
			"dialing":   s.Dialing,
			"connected": s.Connected,
			"finishing": s.Finishing,
			"unknown":   s.Unknown,
		} {
			ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.GaugeValue, float64(n), status)
		}
		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(s.Total))
	}

	if c.p.Tasks != nil {
		ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.GaugeValue, float64(c.p.Tasks.Len()))
	}

	// CDR pipeline counters.
	if c.p.CDR != nil {
		ch <- prometheus.MustNewConstMetric(c.cdrDroppedDesc, prometheus.CounterValue, float64(c.p.CDR.Dropped()))
		ch <- prometheus.MustNewConstMetric(c.cdrWrittenDesc, prometheus.CounterValue, float64(c.p.CDR.Written()))
		ch <- prometheus.MustNewConstMetric(c.cdrFailedDesc, prometheus.CounterValue, float64(c.p.CDR.Failed()))
	}

	if c.p.Legs != nil {
		ch <- prometheus.MustNewConstMetric(c.outboundDesc, prometheus.GaugeValue, float64(c.p.Legs.Len()))
	}
	if c.p.Blocked != nil {
		ch <- prometheus.MustNewConstMetric(c.blockedDesc, prometheus.GaugeValue, float64(c.p.Blocked.BlockedCount()))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
