package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "pagetest"
)

// Reasons a browser session is retried.
const (
	RetryReasonTimeout = "timeout"
	RetryReasonCrash   = "crash"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	browserSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "browser_sessions_total",
		Help:      "Count of browser processes launched, first attempts and retries",
	}, []string{
		"attempt",
	})

	browserRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "browser_retries_total",
		Help:      "Count of browser sessions stopped for a retry",
	}, []string{
		"reason",
	})

	browserFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "browser_failures_total",
		Help:      "Count of pages whose browser exhausted its retries",
	})

	liveBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "live_browsers",
		Help:      "Number of browser sessions currently managed",
	})

	screenshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "screenshots_total",
		Help:      "Count of screenshot requests",
	}, []string{
		"result",
	})

	protocolEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "protocol_events_total",
		Help:      "Count of QUnit protocol events received",
	}, []string{
		"event",
		"result",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of finished tests",
	}, []string{
		"result",
	})

	pageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "page_duration_seconds",
		Help:      "Duration of test pages, from begin to done",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	instrumentationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "instrumentations_total",
		Help:      "Count of on-demand source instrumentations performed by the coverage proxy",
	}, []string{
		"result",
	})

	instrumentationCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "instrumentation_cache_hits_total",
		Help:      "Count of coverage proxy requests served from the instrumentation cache",
	})

	coverageSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "coverage_snapshots_total",
		Help:      "Count of raw coverage snapshots collected",
	})

	runResult = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_result",
		Help:      "Result of the last run",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last run",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordBrowserLaunch(retry int) {
	attempt := "first"
	if retry > 0 {
		attempt = "retry"
	}
	browserSessionsTotal.WithLabelValues(attempt).Inc()
}

func RecordBrowserRetry(reason string) {
	browserRetriesTotal.WithLabelValues(reason).Inc()
}

func RecordBrowserFailure() {
	browserFailuresTotal.Inc()
}

func SetLiveBrowsers(n int) {
	liveBrowsers.Set(float64(n))
}

func RecordScreenshot(result string) {
	screenshotsTotal.WithLabelValues(result).Inc()
}

func RecordProtocolEvent(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if Debug {
		log.Debug("metric inc",
			"m", "protocol_events_total",
			"event", event,
			"result", result)
	}
	protocolEventsTotal.WithLabelValues(event, result).Inc()
}

func RecordTest(failed bool) {
	result := "passed"
	if failed {
		result = "failed"
	}
	testsTotal.WithLabelValues(result).Inc()
}

func RecordPageDuration(d time.Duration) {
	pageDuration.Observe(d.Seconds())
}

func RecordInstrumentation(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	instrumentationsTotal.WithLabelValues(result).Inc()
}

func RecordInstrumentationCacheHit() {
	instrumentationCacheHits.Inc()
}

func RecordCoverageSnapshot() {
	coverageSnapshotsTotal.Inc()
}

func RecordRun(runID string, result string, duration time.Duration) {
	runResult.WithLabelValues(runID, result).Set(1)
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
