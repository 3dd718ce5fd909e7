package api

import (
	"net/http"

	"streamgate/internal/observability/metrics"
)

// Routes builds the HTTP mux for the API surface. The metrics recorder is
// optional; without it /metrics is omitted.
func (h *Handler) Routes(recorder *metrics.Recorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Health)
	if recorder != nil {
		mux.Handle("/metrics", recorder.Handler())
	}
	mux.HandleFunc("/api/sources", h.Sources)
	mux.HandleFunc("/api/sources/", h.SourceByID)
	mux.HandleFunc("/api/channels", h.Channels)
	mux.HandleFunc("/api/channels/", h.ChannelByID)
	mux.HandleFunc("/api/recordings/", h.RecordingByID)
	mux.HandleFunc("/api/dashboard", h.Dashboard)
	return mux
}
