package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/users/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and uuid id",
			method:   "POST",
			path:     "/users/2d40871e7bb14ab3a4e2/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "sessions/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestSessionGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	ends := 150

	wg.Add(starts + ends)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.SessionStarted()
		}()
	}
	for i := 0; i < ends; i++ {
		go func() {
			defer wg.Done()
			recorder.SessionEnded()
		}()
	}

	wg.Wait()

	if active := recorder.ActiveSessions(); active != 0 {
		t.Fatalf("active sessions should not go negative; got %d", active)
	}

	if count := recorder.sessionEvents["start"]; count != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", count, starts)
	}
	if count := recorder.sessionEvents["end"]; count != uint64(ends) {
		t.Fatalf("unexpected end events: got %d want %d", count, ends)
	}
}

func TestSignalConnectionGauge(t *testing.T) {
	recorder := New()
	recorder.ObserveSignalConnection(3)
	recorder.ObserveSignalConnection(-1)
	if got := recorder.SignalConnections(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	recorder.ObserveSignalConnection(-5)
	if got := recorder.SignalConnections(); got != 0 {
		t.Fatalf("gauge should clamp at zero, got %d", got)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/sessions/2d40871e7bb14ab3a4e2", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/sessions/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/sessions", 201, time.Second)

	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionEnded()

	recorder.SetDependencyHealth(" Postgres ", "Healthy")
	recorder.SetDependencyHealth("redis", "Degraded")

	recorder.ObserveSignalFrame("join_stream")
	recorder.ObserveSignalFrame("join_stream")
	recorder.ObserveSignalDrop("viewer_joined")

	recorder.ObserveRecordingAttempt("start_recording")
	recorder.ObserveRecordingFailure("start_recording")

	recorder.ObserveWebhookEvent("media", "applied")
	recorder.ObserveWebhookEvent("media", "duplicate")
	recorder.ObserveEntitlementCheck("allowed")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP coursecast_http_requests_total Total number of HTTP requests processed by the API
# TYPE coursecast_http_requests_total counter
coursecast_http_requests_total{method="GET",path="/sessions/:id",status="200"} 2
coursecast_http_requests_total{method="POST",path="/sessions",status="201"} 1
# HELP coursecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE coursecast_http_request_duration_seconds_sum counter
coursecast_http_request_duration_seconds_sum{method="GET",path="/sessions/:id",status="200"} 0.200000
coursecast_http_request_duration_seconds_sum{method="POST",path="/sessions",status="201"} 1.000000
# HELP coursecast_http_request_duration_seconds_count Total number of observations for request durations
# TYPE coursecast_http_request_duration_seconds_count counter
coursecast_http_request_duration_seconds_count{method="GET",path="/sessions/:id",status="200"} 2
coursecast_http_request_duration_seconds_count{method="POST",path="/sessions",status="201"} 1
# HELP coursecast_session_events_total Session lifecycle events by type
# TYPE coursecast_session_events_total counter
coursecast_session_events_total{event="end"} 1
coursecast_session_events_total{event="start"} 2
# HELP coursecast_active_sessions Current number of sessions marked as live
# TYPE coursecast_active_sessions gauge
coursecast_active_sessions 1
# HELP coursecast_signal_connections Current number of open signaling connections
# TYPE coursecast_signal_connections gauge
coursecast_signal_connections 0
# HELP coursecast_signal_frames_total Signaling frames received by type
# TYPE coursecast_signal_frames_total counter
coursecast_signal_frames_total{frame="join_stream"} 2
# HELP coursecast_signal_drops_total Signaling frames shed from saturated send queues by type
# TYPE coursecast_signal_drops_total counter
coursecast_signal_drops_total{frame="viewer_joined"} 1
# HELP coursecast_recording_attempts_total Provider recording operations attempted by action
# TYPE coursecast_recording_attempts_total counter
coursecast_recording_attempts_total{operation="start_recording"} 1
# HELP coursecast_recording_failures_total Provider recording operation failures by action
# TYPE coursecast_recording_failures_total counter
coursecast_recording_failures_total{operation="start_recording"} 1
# HELP coursecast_active_recordings Current number of in-flight recording jobs
# TYPE coursecast_active_recordings gauge
coursecast_active_recordings 0
# HELP coursecast_webhook_events_total Webhook deliveries by provider and outcome
# TYPE coursecast_webhook_events_total counter
coursecast_webhook_events_total{provider="media",outcome="applied"} 1
coursecast_webhook_events_total{provider="media",outcome="duplicate"} 1
# HELP coursecast_entitlement_checks_total Entitlement lookups by result
# TYPE coursecast_entitlement_checks_total counter
coursecast_entitlement_checks_total{result="allowed"} 1
# HELP coursecast_dependency_health Health status reported by dependencies (1=ok,0=disabled,-1=degraded)
# TYPE coursecast_dependency_health gauge
coursecast_dependency_health{service="postgres",status="healthy"} 1.000000
coursecast_dependency_health{service="redis",status="degraded"} -1.000000`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
