package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// 考试会话指标
	AnswerSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examguard_answer_saves_total",
			Help: "Answer save attempts by result",
		},
		[]string{"result"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examguard_submissions_total",
			Help: "Attempt submissions by outcome (on_time, late, duplicate, auto)",
		},
		[]string{"outcome"},
	)

	LockConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examguard_lock_conflicts_total",
			Help: "Operations that could not obtain the attempt lock in time",
		},
		[]string{"operation"},
	)

	LockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examguard_lock_wait_seconds",
			Help:    "Time spent waiting for the attempt lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		},
		[]string{"operation"},
	)

	AutoFlags = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examguard_auto_flags_total",
			Help: "Attempts moved to auto_flagged by trigger",
		},
		[]string{"trigger"},
	)

	ProctoringEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examguard_proctoring_events_total",
			Help: "Recorded proctoring events by category and severity",
		},
		[]string{"category", "severity"},
	)

	SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examguard_scheduler_runs_total",
			Help: "Background job executions by job and result",
		},
		[]string{"job", "result"},
	)

	ArchiveUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examguard_archive_uploads_total",
			Help: "Evidence archive uploads by result",
		},
		[]string{"result"},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(AnswerSaves)
	prometheus.MustRegister(Submissions)
	prometheus.MustRegister(LockConflicts)
	prometheus.MustRegister(LockWait)
	prometheus.MustRegister(AutoFlags)
	prometheus.MustRegister(ProctoringEvents)
	prometheus.MustRegister(SchedulerRuns)
	prometheus.MustRegister(ArchiveUploads)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
