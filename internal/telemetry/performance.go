package telemetry

import (
	"runtime"
	"time"
)

// RunMetrics records the bridge's per-file, endpoint and run-level
// measurements onto a Collector. A nil *RunMetrics is valid and records
// nothing.
type RunMetrics struct {
	collector *Collector
	tool      string
	startTime time.Time
}

// NewRunMetrics binds metrics for one run of tool.
func NewRunMetrics(collector *Collector, tool string) *RunMetrics {
	return &RunMetrics{collector: collector, tool: tool, startTime: time.Now()}
}

// Collector returns the underlying collector.
func (rm *RunMetrics) Collector() *Collector {
	if rm == nil {
		return nil
	}
	return rm.collector
}

// RecordFile records one file's terminal status, exchange time and upload size.
func (rm *RunMetrics) RecordFile(status string, duration time.Duration, inputBytes int64) {
	if rm == nil {
		return
	}
	labels := map[string]string{"tool": rm.tool, "status": status}
	rm.collector.Timer("cli2rest_file_duration", duration, labels)
	rm.collector.Counter("cli2rest_files_total", 1, labels)
	if inputBytes > 0 {
		rm.collector.Histogram("cli2rest_input_size_bytes", float64(inputBytes), map[string]string{"tool": rm.tool})
		if duration.Seconds() > 0 {
			mbps := float64(inputBytes) / (1024 * 1024) / duration.Seconds()
			rm.collector.Histogram("cli2rest_upload_throughput_mbps", mbps, map[string]string{"tool": rm.tool})
		}
	}
}

// RecordOutputs records written and failed output parts for one file.
func (rm *RunMetrics) RecordOutputs(written, failed int) {
	if rm == nil {
		return
	}
	labels := map[string]string{"tool": rm.tool}
	rm.collector.Counter("cli2rest_outputs_written", float64(written), labels)
	if failed > 0 {
		rm.collector.Counter("cli2rest_outputs_failed", float64(failed), labels)
	}
}

// RecordEndpoint records how long acquiring or releasing the endpoint took.
func (rm *RunMetrics) RecordEndpoint(mode, operation string, duration time.Duration, success bool) {
	if rm == nil {
		return
	}
	labels := map[string]string{"tool": rm.tool, "mode": mode, "operation": operation}
	rm.collector.Timer("cli2rest_endpoint_duration", duration, labels)
	if success {
		rm.collector.Counter("cli2rest_endpoint_operations_successful", 1, labels)
	} else {
		rm.collector.Counter("cli2rest_endpoint_operations_failed", 1, labels)
	}
}

// RecordRun records the run's totals, success rate and process footprint.
func (rm *RunMetrics) RecordRun(workers, succeeded, failed int) {
	if rm == nil {
		return
	}
	labels := map[string]string{"tool": rm.tool}
	rm.collector.Timer("cli2rest_run_duration", time.Since(rm.startTime), labels)
	rm.collector.Gauge("cli2rest_run_workers", float64(workers), labels)
	rm.collector.Counter("cli2rest_run_files_succeeded", float64(succeeded), labels)
	rm.collector.Counter("cli2rest_run_files_failed", float64(failed), labels)
	if total := succeeded + failed; total > 0 {
		rm.collector.Gauge("cli2rest_run_success_rate", float64(succeeded)/float64(total)*100, labels)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	sys := map[string]string{"component": "system"}
	rm.collector.Gauge("cli2rest_memory_heap_bytes", float64(m.HeapAlloc), sys)
	rm.collector.Gauge("cli2rest_goroutines_total", float64(runtime.NumGoroutine()), sys)
}
