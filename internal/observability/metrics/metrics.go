package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type processLabel struct {
	kind   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, probe
// outcomes, supervised process events, source lifecycle transitions, alert
// firings, and recording activity. It coordinates concurrent writers via a
// RWMutex while exposing thread-safe gauges for active process tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	probeAttempts     map[string]uint64
	probeFailures     map[string]uint64
	processEvents     map[processLabel]uint64
	sourceTransitions map[string]uint64
	alertsFired       map[string]uint64
	activeProcesses   atomic.Int64
	activeRecordings  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		probeAttempts:     make(map[string]uint64),
		probeFailures:     make(map[string]uint64),
		processEvents:     make(map[processLabel]uint64),
		sourceTransitions: make(map[string]uint64),
		alertsFired:       make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates totals for request count and cumulative duration
// by HTTP method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveProbeAttempt records a probe invocation keyed by operation name
// (e.g., "probe", "connectivity", "snapshot").
func (r *Recorder) ObserveProbeAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.probeAttempts[op]++
	r.mu.Unlock()
}

// ObserveProbeFailure records a failed probe operation. The caller should also
// record the attempt separately.
func (r *Recorder) ObserveProbeFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.probeFailures[op]++
	r.mu.Unlock()
}

// ProcessStarted records a supervised process start of the provided kind
// (e.g., "ingest", "channel", "recording") and increments the active gauge.
func (r *Recorder) ProcessStarted(kind string) {
	r.recordProcessEvent(kind, "start")
	r.activeProcesses.Add(1)
}

// ProcessStopped records a supervised process stop and decrements the active
// gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) ProcessStopped(kind string) {
	r.recordProcessEvent(kind, "stop")
	r.decrementGauge(&r.activeProcesses)
}

// ProcessFailed records a process that exited with an error or failed to
// spawn.
func (r *Recorder) ProcessFailed(kind string) {
	r.recordProcessEvent(kind, "fail")
}

func (r *Recorder) recordProcessEvent(kind, status string) {
	label := processLabel{kind: normalizeName(kind), status: normalizeName(status)}
	r.mu.Lock()
	r.processEvents[label]++
	r.mu.Unlock()
}

// ObserveSourceTransition counts a lifecycle state change keyed by the
// destination status.
func (r *Recorder) ObserveSourceTransition(to string) {
	status := normalizeName(to)
	r.mu.Lock()
	r.sourceTransitions[status]++
	r.mu.Unlock()
}

// AlertFired counts an emitted alert keyed by rule name.
func (r *Recorder) AlertFired(rule string) {
	name := normalizeName(rule)
	r.mu.Lock()
	r.alertsFired[name]++
	r.mu.Unlock()
}

// RecordingStarted increments the active recording gauge.
func (r *Recorder) RecordingStarted() {
	r.activeRecordings.Add(1)
}

// RecordingStopped decrements the active recording gauge.
func (r *Recorder) RecordingStopped() {
	r.decrementGauge(&r.activeRecordings)
}

// ActiveProcesses exposes the current gauge of supervised processes.
func (r *Recorder) ActiveProcesses() int64 {
	return r.activeProcesses.Load()
}

// ActiveRecordings exposes the current gauge of in-flight recordings.
func (r *Recorder) ActiveRecordings() int64 {
	return r.activeRecordings.Load()
}

// ProbeCounts returns copies of probe attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) ProbeCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.probeAttempts))
	for k, v := range r.probeAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.probeFailures))
	for k, v := range r.probeFailures {
		failures[k] = v
	}
	return attempts, failures
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.probeAttempts = make(map[string]uint64)
	r.probeFailures = make(map[string]uint64)
	r.processEvents = make(map[processLabel]uint64)
	r.sourceTransitions = make(map[string]uint64)
	r.alertsFired = make(map[string]uint64)
	r.activeProcesses.Store(0)
	r.activeRecordings.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	probeOperations := sortedKeys(r.probeAttempts, r.probeFailures)
	processLabels := r.sortedProcessLabels()
	transitions := sortedKeys(r.sourceTransitions)
	alertRules := sortedKeys(r.alertsFired)

	fmt.Fprintln(w, "# HELP streamgate_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamgate_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamgate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamgate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamgate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP streamgate_probe_attempts_total Probe operations attempted by kind")
	fmt.Fprintln(w, "# TYPE streamgate_probe_attempts_total counter")
	for _, op := range probeOperations {
		fmt.Fprintf(w, "streamgate_probe_attempts_total{operation=\"%s\"} %d\n", op, r.probeAttempts[op])
	}

	fmt.Fprintln(w, "# HELP streamgate_probe_failures_total Probe operation failures by kind")
	fmt.Fprintln(w, "# TYPE streamgate_probe_failures_total counter")
	for _, op := range probeOperations {
		fmt.Fprintf(w, "streamgate_probe_failures_total{operation=\"%s\"} %d\n", op, r.probeFailures[op])
	}

	fmt.Fprintln(w, "# HELP streamgate_process_events_total Supervised process events by kind and status")
	fmt.Fprintln(w, "# TYPE streamgate_process_events_total counter")
	for _, label := range processLabels {
		fmt.Fprintf(w, "streamgate_process_events_total{kind=\"%s\",status=\"%s\"} %d\n", label.kind, label.status, r.processEvents[label])
	}

	fmt.Fprintln(w, "# HELP streamgate_active_processes Current number of supervised external processes")
	fmt.Fprintln(w, "# TYPE streamgate_active_processes gauge")
	fmt.Fprintf(w, "streamgate_active_processes %d\n", r.activeProcesses.Load())

	fmt.Fprintln(w, "# HELP streamgate_source_transitions_total Source lifecycle transitions by destination status")
	fmt.Fprintln(w, "# TYPE streamgate_source_transitions_total counter")
	for _, status := range transitions {
		fmt.Fprintf(w, "streamgate_source_transitions_total{to=\"%s\"} %d\n", status, r.sourceTransitions[status])
	}

	fmt.Fprintln(w, "# HELP streamgate_alerts_fired_total Alerts emitted by rule")
	fmt.Fprintln(w, "# TYPE streamgate_alerts_fired_total counter")
	for _, rule := range alertRules {
		fmt.Fprintf(w, "streamgate_alerts_fired_total{rule=\"%s\"} %d\n", rule, r.alertsFired[rule])
	}

	fmt.Fprintln(w, "# HELP streamgate_active_recordings Current number of in-flight recordings")
	fmt.Fprintln(w, "# TYPE streamgate_active_recordings gauge")
	fmt.Fprintf(w, "streamgate_active_recordings %d\n", r.activeRecordings.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedProcessLabels() []processLabel {
	labels := make([]processLabel, 0, len(r.processEvents))
	for label := range r.processEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].kind != labels[j].kind {
			return labels[i].kind < labels[j].kind
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(maps ...map[string]uint64) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for key := range m {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount > 0 && digitCount >= len(segment)/2
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}
