package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderWriteIncludesCounters(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/api/sources", 200, 125*time.Millisecond)
	rec.ObserveProbeAttempt("probe")
	rec.ObserveProbeFailure("probe")
	rec.ProcessStarted("ingest")
	rec.ObserveSourceTransition("online")
	rec.AlertFired("low_bitrate")
	rec.RecordingStarted()

	var sb strings.Builder
	rec.Write(&sb)
	output := sb.String()

	for _, want := range []string{
		`streamgate_http_requests_total{method="GET",path="/api/sources",status="200"} 1`,
		`streamgate_probe_attempts_total{operation="probe"} 1`,
		`streamgate_probe_failures_total{operation="probe"} 1`,
		`streamgate_process_events_total{kind="ingest",status="start"} 1`,
		`streamgate_active_processes 1`,
		`streamgate_source_transitions_total{to="online"} 1`,
		`streamgate_alerts_fired_total{rule="low_bitrate"} 1`,
		`streamgate_active_recordings 1`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q\noutput:\n%s", want, output)
		}
	}
}

func TestGaugesNeverGoNegative(t *testing.T) {
	rec := New()
	rec.ProcessStopped("ingest")
	rec.RecordingStopped()
	if got := rec.ActiveProcesses(); got != 0 {
		t.Fatalf("active processes = %d, want 0", got)
	}
	if got := rec.ActiveRecordings(); got != 0 {
		t.Fatalf("active recordings = %d, want 0", got)
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/channels", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var sb strings.Builder
	rec.Write(&sb)
	if !strings.Contains(sb.String(), `status="202"`) {
		t.Fatalf("expected recorded 202 status, got:\n%s", sb.String())
	}
}

func TestNormalizePathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"/":                            "/",
		"/api/sources":                 "/api/sources",
		"/api/sources/4f1c2b3a9d8e7f60a1b2c3d4e5f60718": "/api/sources/:id",
		"/api/channels/12345/events":                    "/api/channels/:id/events",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}
