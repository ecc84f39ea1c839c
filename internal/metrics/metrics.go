package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	scansStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minion",
		Name:      "scans_started_total",
		Help:      "Number of scan workflows started.",
	})
	scansFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minion",
		Name:      "scans_finished_total",
		Help:      "Number of scans that reached a terminal state.",
	}, []string{"state"})
	sessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minion",
		Name:      "sessions_finished_total",
		Help:      "Number of plugin sessions that reached a terminal state.",
	}, []string{"state"})
	tasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minion",
		Name:      "tasks_enqueued_total",
		Help:      "Number of tasks pushed onto the bus.",
	}, []string{"queue"})
	tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minion",
		Name:      "tasks_completed_total",
		Help:      "Number of tasks a worker finished, in any outcome.",
	}, []string{"queue"})
	issuesReported = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "minion",
		Name:      "issues_reported_total",
		Help:      "Number of issue messages accepted from plugins.",
	})
)

// Register wires the collectors into the default registry. depths, when
// non-nil, feeds a per-queue depth gauge on every scrape.
func Register(depths func() map[string]int64) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			scansStarted,
			scansFinished,
			sessionsFinished,
			tasksEnqueued,
			tasksCompleted,
			issuesReported,
		)
		if depths != nil {
			prometheus.MustRegister(&depthCollector{
				desc: prometheus.NewDesc(
					"minion_queue_depth",
					"Number of tasks waiting in a queue.",
					[]string{"queue"}, nil,
				),
				depths: depths,
			})
		}
	})
}

func ScanStarted()                 { scansStarted.Inc() }
func ScanFinished(state string)    { scansFinished.WithLabelValues(state).Inc() }
func SessionFinished(state string) { sessionsFinished.WithLabelValues(state).Inc() }
func TaskEnqueued(queue string)    { tasksEnqueued.WithLabelValues(queue).Inc() }
func TaskCompleted(queue string)   { tasksCompleted.WithLabelValues(queue).Inc() }
func IssueReported()               { issuesReported.Inc() }

type depthCollector struct {
	desc   *prometheus.Desc
	depths func() map[string]int64
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	for queue, depth := range c.depths() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(depth), queue)
	}
}
