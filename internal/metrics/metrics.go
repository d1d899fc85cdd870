package metrics

import (
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    tasksTotal = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagesorter",
            Name:      "tasks_total",
            Help:      "Background tasks by type and result (finished, failed, retried)",
        },
        []string{"type", "result"},
    )

    taskLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "pagesorter",
            Name:      "task_duration_seconds",
            Help:      "Duration of background task attempts by type",
            Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
        },
        []string{"type"},
    )

    pagesRasterized = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "pagesorter",
            Name:      "pages_rasterized_total",
            Help:      "Source pages written to the image store",
        },
    )

    outputPages = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "pagesorter",
            Name:      "output_pages_total",
            Help:      "Pages written into assembled documents",
        },
    )

    retriesTotal = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagesorter",
            Name:      "retries_total",
            Help:      "Task retries scheduled by type",
        },
        []string{"type"},
    )

    queueDepth = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Namespace: "pagesorter",
            Name:      "queue_depth",
            Help:      "Queue depth gauges for stream, delayed and dlq",
        },
        []string{"type"},
    )

    once sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
    once.Do(func() {
        prometheus.MustRegister(tasksTotal, taskLatency, pagesRasterized, outputPages, retriesTotal, queueDepth)
    })
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveTask(taskType, result string, dur time.Duration) {
    tasksTotal.WithLabelValues(taskType, result).Inc()
    taskLatency.WithLabelValues(taskType).Observe(dur.Seconds())
}

func IncRetry(taskType string)  { retriesTotal.WithLabelValues(taskType).Inc() }
func IncRasterized()            { pagesRasterized.Inc() }
func AddOutputPages(n int)      { if n > 0 { outputPages.Add(float64(n)) } }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
