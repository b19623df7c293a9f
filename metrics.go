package presence

import "github.com/prometheus/client_golang/prometheus"

const MetricsOpTypePresent = "present"
const MetricsOpTypeLeave = "leave"
const MetricsOpTypeAutoLeave = "auto_leave"
const MetricsOpTypeState = "state"

var metricsNamespace = "presence"

var (
	operationsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operations_count",
	}, []string{"type"})

	eventsPublishedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_published_count",
	}, []string{"type"})

	mutexRetriesCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "mutex_retries_count",
	})

	reapedUsersCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reaped_users_count",
	})

	numChannelsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "num_channels",
	})

	operationsDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operations_duration_seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"type"},
	)
)

var (
	eventsPublishedCountEnter     prometheus.Counter
	eventsPublishedCountLeave     prometheus.Counter
	eventsPublishedCountCountOnly prometheus.Counter
)

func init() {
	prometheus.MustRegister(operationsCount)
	prometheus.MustRegister(eventsPublishedCount)
	prometheus.MustRegister(mutexRetriesCount)
	prometheus.MustRegister(reapedUsersCount)
	prometheus.MustRegister(numChannelsGauge)

	prometheus.MustRegister(operationsDurationHistogram)

	eventsPublishedCountEnter = eventsPublishedCount.WithLabelValues("enter")
	eventsPublishedCountLeave = eventsPublishedCount.WithLabelValues("leave")
	eventsPublishedCountCountOnly = eventsPublishedCount.WithLabelValues("count_delta")
}
