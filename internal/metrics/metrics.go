// Package metrics exposes the Prometheus collectors shared by the cache core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvpage_kernel_launches_total",
		Help: "Total number of kernels launched on streams",
	}, []string{"kernel"})

	kernelFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvpage_kernel_faults_total",
		Help: "Total number of kernels that faulted while running",
	}, []string{"kernel"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvpage_kernel_duration_seconds",
		Help:    "Wall time of a kernel grid from dispatch to completion",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"kernel"})

	blocksTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kvpage_arena_blocks",
		Help: "Number of blocks in the cache arena",
	}, []string{"arena"})

	blocksInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kvpage_arena_blocks_in_use",
		Help: "Number of arena blocks currently owned by sequences",
	}, []string{"arena"})

	allocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvpage_arena_alloc_failures_total",
		Help: "Block allocations rejected because the arena was exhausted",
	})

	bytesCopied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvpage_copy_bytes_total",
		Help: "Bytes moved by the copy primitives",
	}, []string{"path"})

	outputTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvpage_output_truncated_total",
		Help: "Request outputs truncated at their buffer capacity",
	})
)

// RecordLaunch counts a kernel launch.
func RecordLaunch(kernel string) {
	kernelLaunches.WithLabelValues(kernel).Inc()
}

// RecordKernel records a completed kernel and whether it faulted.
func RecordKernel(kernel string, elapsed time.Duration, faulted bool) {
	kernelDuration.WithLabelValues(kernel).Observe(elapsed.Seconds())
	if faulted {
		kernelFaults.WithLabelValues(kernel).Inc()
	}
}

// RecordArena publishes the occupancy of the named arena.
func RecordArena(name string, total, inUse int) {
	blocksTotal.WithLabelValues(name).Set(float64(total))
	blocksInUse.WithLabelValues(name).Set(float64(inUse))
}

// ForgetArena drops the series of a closed arena.
func ForgetArena(name string) {
	blocksTotal.DeleteLabelValues(name)
	blocksInUse.DeleteLabelValues(name)
}

// RecordAllocFailure counts an allocation the arena could not satisfy.
func RecordAllocFailure() {
	allocFailures.Inc()
}

// RecordCopy adds n bytes to the copy path counter ("indexed" or "batched").
func RecordCopy(path string, n int) {
	bytesCopied.WithLabelValues(path).Add(float64(n))
}

// RecordTruncated adds n truncated request outputs.
func RecordTruncated(n int) {
	if n > 0 {
		outputTruncated.Add(float64(n))
	}
}
