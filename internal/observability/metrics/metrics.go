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

type webhookLabel struct {
	provider string
	outcome  string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, session lifecycle events, signaling traffic, recording jobs, and
// webhook deliveries. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for live-session tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	sessionEvents     map[string]uint64
	signalFrames      map[string]uint64
	signalDrops       map[string]uint64
	recordingAttempts map[string]uint64
	recordingFailures map[string]uint64
	webhookEvents     map[webhookLabel]uint64
	entitlementChecks map[string]uint64
	dependencyValue   map[string]float64
	dependencyState   map[string]string
	activeSessions    atomic.Int64
	signalConnections atomic.Int64
	activeRecordings  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		sessionEvents:     make(map[string]uint64),
		signalFrames:      make(map[string]uint64),
		signalDrops:       make(map[string]uint64),
		recordingAttempts: make(map[string]uint64),
		recordingFailures: make(map[string]uint64),
		webhookEvents:     make(map[webhookLabel]uint64),
		entitlementChecks: make(map[string]uint64),
		dependencyValue:   make(map[string]float64),
		dependencyState:   make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. Intended for tests and for
// binaries that construct their own Registry.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder = r
	}
}

// Registry bundles a Recorder with its HTTP exposition handler.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry constructs a Registry backed by a fresh Recorder and installs
// its recorder as the process default.
func NewRegistry() *Registry {
	r := New()
	SetDefault(r)
	return &Registry{Recorder: r}
}

// Handler exposes the registry's recorder as an HTTP handler.
func (reg *Registry) Handler() http.Handler {
	return reg.Recorder.Handler()
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
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

// SessionStarted records a session going live and increments the active
// session gauge atomically so concurrent sessions remain consistent.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionEnded records a session ending and decrements the active session
// gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) SessionEnded() {
	r.incrementSessionEvent("end")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveSignalConnection adjusts the gauge of open signaling connections.
func (r *Recorder) ObserveSignalConnection(delta int64) {
	if delta >= 0 {
		r.signalConnections.Add(delta)
		return
	}
	for ; delta < 0; delta++ {
		r.decrementGauge(&r.signalConnections)
	}
}

// ObserveSignalFrame records a signaling frame by type for throughput
// monitoring.
func (r *Recorder) ObserveSignalFrame(frameType string) {
	normalized := normalizeName(frameType)
	r.mu.Lock()
	r.signalFrames[normalized]++
	r.mu.Unlock()
}

// ObserveSignalDrop records a frame shed from a saturated send queue.
func (r *Recorder) ObserveSignalDrop(frameType string) {
	normalized := normalizeName(frameType)
	r.mu.Lock()
	r.signalDrops[normalized]++
	r.mu.Unlock()
}

// ObserveRecordingAttempt records a provider recording operation attempt keyed
// by operation name (e.g., "start_recording", "stop_recording").
func (r *Recorder) ObserveRecordingAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.recordingAttempts[op]++
	r.mu.Unlock()
}

// ObserveRecordingFailure records a failed provider recording operation keyed
// by operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveRecordingFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.recordingFailures[op]++
	r.mu.Unlock()
}

// RecordingJobStarted increments the active recording gauge.
func (r *Recorder) RecordingJobStarted() {
	r.activeRecordings.Add(1)
}

// RecordingJobFinished decrements the active recording gauge regardless of
// outcome.
func (r *Recorder) RecordingJobFinished() {
	r.decrementGauge(&r.activeRecordings)
}

// ObserveWebhookEvent records a webhook delivery by provider and outcome
// (applied, duplicate, rejected, bad_signature, malformed).
func (r *Recorder) ObserveWebhookEvent(provider, outcome string) {
	label := webhookLabel{provider: normalizeName(provider), outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.webhookEvents[label]++
	r.mu.Unlock()
}

// ObserveEntitlementCheck records the result of an entitlement lookup
// (allowed, denied, unknown_user, error).
func (r *Recorder) ObserveEntitlementCheck(result string) {
	normalized := normalizeName(result)
	r.mu.Lock()
	r.entitlementChecks[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SignalConnections exposes the current gauge of open signaling connections.
func (r *Recorder) SignalConnections() int64 {
	return r.signalConnections.Load()
}

// ActiveRecordings exposes the current number of in-flight recording jobs.
func (r *Recorder) ActiveRecordings() int64 {
	return r.activeRecordings.Load()
}

// SetDependencyHealth normalizes dependency identifiers, maps status strings
// to numeric health values, and stores both representations for export.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// RecordingCounts returns copies of recording attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) RecordingCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.recordingAttempts))
	for k, v := range r.recordingAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.recordingFailures))
	for k, v := range r.recordingFailures {
		failures[k] = v
	}
	return attempts, failures
}

// SignalCounts returns copies of signaling frame and drop counters.
func (r *Recorder) SignalCounts() (frames map[string]uint64, drops map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	frames = make(map[string]uint64, len(r.signalFrames))
	for k, v := range r.signalFrames {
		frames[k] = v
	}
	drops = make(map[string]uint64, len(r.signalDrops))
	for k, v := range r.signalDrops {
		drops[k] = v
	}
	return frames, drops
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.signalFrames = make(map[string]uint64)
	r.signalDrops = make(map[string]uint64)
	r.recordingAttempts = make(map[string]uint64)
	r.recordingFailures = make(map[string]uint64)
	r.webhookEvents = make(map[webhookLabel]uint64)
	r.entitlementChecks = make(map[string]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.activeSessions.Store(0)
	r.signalConnections.Store(0)
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
	sessionEvents := sortedKeys(r.sessionEvents)
	signalFrames := sortedKeys(r.signalFrames)
	signalDrops := sortedKeys(r.signalDrops)
	recordingOps := r.sortedRecordingOperations()
	webhookLabels := r.sortedWebhookLabels()
	entitlementResults := sortedKeys(r.entitlementChecks)
	dependencies := sortedKeys(r.dependencyValue)

	fmt.Fprintln(w, "# HELP coursecast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE coursecast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "coursecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP coursecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE coursecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "coursecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP coursecast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE coursecast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "coursecast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP coursecast_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE coursecast_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "coursecast_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP coursecast_active_sessions Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE coursecast_active_sessions gauge")
	fmt.Fprintf(w, "coursecast_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP coursecast_signal_connections Current number of open signaling connections")
	fmt.Fprintln(w, "# TYPE coursecast_signal_connections gauge")
	fmt.Fprintf(w, "coursecast_signal_connections %d\n", r.signalConnections.Load())

	fmt.Fprintln(w, "# HELP coursecast_signal_frames_total Signaling frames received by type")
	fmt.Fprintln(w, "# TYPE coursecast_signal_frames_total counter")
	for _, frame := range signalFrames {
		fmt.Fprintf(w, "coursecast_signal_frames_total{frame=\"%s\"} %d\n", frame, r.signalFrames[frame])
	}

	fmt.Fprintln(w, "# HELP coursecast_signal_drops_total Signaling frames shed from saturated send queues by type")
	fmt.Fprintln(w, "# TYPE coursecast_signal_drops_total counter")
	for _, frame := range signalDrops {
		fmt.Fprintf(w, "coursecast_signal_drops_total{frame=\"%s\"} %d\n", frame, r.signalDrops[frame])
	}

	fmt.Fprintln(w, "# HELP coursecast_recording_attempts_total Provider recording operations attempted by action")
	fmt.Fprintln(w, "# TYPE coursecast_recording_attempts_total counter")
	for _, op := range recordingOps {
		fmt.Fprintf(w, "coursecast_recording_attempts_total{operation=\"%s\"} %d\n", op, r.recordingAttempts[op])
	}

	fmt.Fprintln(w, "# HELP coursecast_recording_failures_total Provider recording operation failures by action")
	fmt.Fprintln(w, "# TYPE coursecast_recording_failures_total counter")
	for _, op := range recordingOps {
		fmt.Fprintf(w, "coursecast_recording_failures_total{operation=\"%s\"} %d\n", op, r.recordingFailures[op])
	}

	fmt.Fprintln(w, "# HELP coursecast_active_recordings Current number of in-flight recording jobs")
	fmt.Fprintln(w, "# TYPE coursecast_active_recordings gauge")
	fmt.Fprintf(w, "coursecast_active_recordings %d\n", r.activeRecordings.Load())

	fmt.Fprintln(w, "# HELP coursecast_webhook_events_total Webhook deliveries by provider and outcome")
	fmt.Fprintln(w, "# TYPE coursecast_webhook_events_total counter")
	for _, label := range webhookLabels {
		fmt.Fprintf(w, "coursecast_webhook_events_total{provider=\"%s\",outcome=\"%s\"} %d\n", label.provider, label.outcome, r.webhookEvents[label])
	}

	fmt.Fprintln(w, "# HELP coursecast_entitlement_checks_total Entitlement lookups by result")
	fmt.Fprintln(w, "# TYPE coursecast_entitlement_checks_total counter")
	for _, result := range entitlementResults {
		fmt.Fprintf(w, "coursecast_entitlement_checks_total{result=\"%s\"} %d\n", result, r.entitlementChecks[result])
	}

	fmt.Fprintln(w, "# HELP coursecast_dependency_health Health status reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE coursecast_dependency_health gauge")
	for _, service := range dependencies {
		fmt.Fprintf(w, "coursecast_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.dependencyState[service], r.dependencyValue[service])
	}
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

func (r *Recorder) sortedRecordingOperations() []string {
	seen := make(map[string]struct{}, len(r.recordingAttempts)+len(r.recordingFailures))
	for op := range r.recordingAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.recordingFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedWebhookLabels() []webhookLabel {
	labels := make([]webhookLabel, 0, len(r.webhookEvents))
	for label := range r.webhookEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].provider != labels[j].provider {
			return labels[i].provider < labels[j].provider
		}
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
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
			continue
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
	return digitCount >= 3
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

// SessionStarted increments counters on the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionEnded decrements active sessions on the default recorder.
func SessionEnded() {
	defaultRecorder.SessionEnded()
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
