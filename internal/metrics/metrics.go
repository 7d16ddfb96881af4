package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bucketkit",
		Name:      "operations_total",
		Help:      "Bucket operations issued, by operation and outcome.",
	}, []string{"op", "outcome"})
	DirectoryObjects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bucketkit",
		Name:      "directory_objects_total",
		Help:      "Objects visited by directory copy and permission walks, by operation and outcome.",
	}, []string{"op", "outcome"})
	RegionReloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bucketkit",
		Name:      "region_reloads_total",
		Help:      "Times the default region changed and the AWS config was reloaded.",
	})
)

var registerOnce sync.Once

// Init registers collectors with the default registry. Repeat calls are no-ops.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Operations, DirectoryObjects, RegionReloads)
	})
}

// Observe counts one operation with an ok/error outcome.
func Observe(vec *prometheus.CounterVec, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	vec.WithLabelValues(op, outcome).Inc()
}

// Serve starts a /metrics server on the given addr (e.g., ":9090"). Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
