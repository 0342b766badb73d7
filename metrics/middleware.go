package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orgsearch/tenant-index/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bytesBucket = prometheus.ExponentialBuckets(256, 4, 10)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	respSize   int
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.respSize += n
	return n, err
}

func (rec *statusRecorder) WriteHeader(statusCode int) {
	rec.statusCode = statusCode
	rec.ResponseWriter.WriteHeader(statusCode)
}

type handlerRecorder struct {
	inflight *prometheus.GaugeVec
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	respSize *prometheus.HistogramVec
}

var (
	recordersMu        sync.Mutex
	handlerRecorders   = map[string]*handlerRecorder{}
	roundTripRecorders = map[string]*roundTripper{}
)

func newHandlerRecorder(subsystem string) *handlerRecorder {
	recordersMu.Lock()
	defer recordersMu.Unlock()

	if rec, ok := handlerRecorders[subsystem]; ok {
		return rec
	}

	rec := &handlerRecorder{
		inflight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "in_flight_requests",
			Help:      "Gauge of requests being served",
		}, []string{"path"}),
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Counter of requests received for this http server",
		}, []string{"path", "code"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "A histogram of request latencies.",
		}, []string{"path"}),
		respSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "response_bytes",
			Help:      "A histogram of response sizes from the wrapped server.",
			Buckets:   bytesBucket,
		}, []string{"path"}),
	}
	handlerRecorders[subsystem] = rec
	return rec
}

// HandlerFuncRecorder wraps next with request count, latency and size metrics.  Handlers must be wrapped
// during setup, not per request.
func HandlerFuncRecorder(subsystem string, next http.HandlerFunc) http.HandlerFunc {
	h := newHandlerRecorder(subsystem)
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		path := r.URL.Path

		h.inflight.WithLabelValues(path).Inc()
		defer h.inflight.WithLabelValues(path).Dec()

		next.ServeHTTP(&rec, r)

		if logger.IsDebug() {
			logger.Debugf("Served %s %s with status %d in %s", r.Method, path, rec.statusCode, time.Since(start))
		}
		h.requests.WithLabelValues(path, strconv.Itoa(rec.statusCode)).Inc()
		h.duration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		h.respSize.WithLabelValues(path).Observe(float64(rec.respSize))
	}
}

type roundTripper struct {
	next http.RoundTripper

	inflight *prometheus.GaugeVec
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	reqSize  *prometheus.HistogramVec
}

// NewRoundTripper measures the requests made through next.  Requests are labelled by search API endpoint
// rather than path, since paths embed index and alias names.
func NewRoundTripper(subsystem string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	recordersMu.Lock()
	defer recordersMu.Unlock()

	shared, ok := roundTripRecorders[subsystem]
	if !ok {
		shared = &roundTripper{
			inflight: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "in_flight_requests",
				Help:      "A gauge of in-flight requests for the wrapped client.",
			}, []string{"endpoint"}),
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "A counter for requests from the wrapped client.",
			}, []string{"method", "endpoint", "code"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "A histogram of request latencies.",
			}, []string{"method", "endpoint"}),
			reqSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: subsystem,
				Name:      "request_bytes",
				Help:      "A histogram of request sizes for requests from the wrapped client.",
				Buckets:   bytesBucket,
			}, []string{"method", "endpoint"}),
		}
		roundTripRecorders[subsystem] = shared
	}

	rt := *shared
	rt.next = next
	return &rt
}

func (rt *roundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := Endpoint(r.URL.Path)

	rt.inflight.WithLabelValues(endpoint).Inc()
	defer rt.inflight.WithLabelValues(endpoint).Dec()

	resp, err := rt.next.RoundTrip(r)

	code := "error"
	if err == nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	rt.latency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	rt.reqSize.WithLabelValues(r.Method, endpoint).Observe(float64(r.ContentLength))
	rt.requests.WithLabelValues(r.Method, endpoint, code).Inc()
	return resp, err
}

// Endpoint reduces a search API path to a bounded label: the first underscore-prefixed segment, "root" for
// "/" and "index" for paths naming only an index.
func Endpoint(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, "_") {
			return seg
		}
	}
	return "index"
}
