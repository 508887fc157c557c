package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ordersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total orders accepted at intake.",
		},
	)
	ordersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_failed_total",
			Help: "Total orders moved to the failed state, by reason.",
		},
		[]string{"reason"},
	)
	assignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignment_latency_seconds",
			Help:    "Time from order intake to drone assignment.",
			Buckets: prometheus.DefBuckets,
		},
	)
	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadletter_total",
			Help: "Messages routed to a dead-letter topic, by source topic.",
		},
		[]string{"topic"},
	)
	dronesIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drones_idle_count",
			Help: "Drones currently idle according to the registry view.",
		},
	)
	casConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "version_conflicts_total",
			Help: "Optimistic-concurrency conflicts on entity updates, by entity kind.",
		},
		[]string{"entity"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB telemetry write failures.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		ordersCreated, ordersFailed, assignmentLatency,
		deadLetters, dronesIdle, casConflicts,
		kafkaConsumerLag, asynqQueueDepth, influxWriteFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncOrdersCreated() {
	ordersCreated.Inc()
}

func IncOrdersFailed(reason string) {
	ordersFailed.WithLabelValues(reason).Inc()
}

func ObserveAssignmentLatency(d time.Duration) {
	assignmentLatency.Observe(d.Seconds())
}

func IncDeadLetter(topic string) {
	deadLetters.WithLabelValues(topic).Inc()
}

func SetDronesIdle(n int) {
	dronesIdle.Set(float64(n))
}

func IncVersionConflict(entity string) {
	casConflicts.WithLabelValues(entity).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
