package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/channels"
	"streamgate/internal/models"
	"streamgate/internal/observability/logging"
	"streamgate/internal/recorder"
	"streamgate/internal/storage"
)

type Handler struct {
	Store      storage.Repository
	Ops        *channels.Service
	Recordings *recorder.Orchestrator
}

func NewHandler(store storage.Repository, channelService *channels.Service, recordings *recorder.Orchestrator) *Handler {
	return &Handler{Store: store, Ops: channelService, Recordings: recordings}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrRecordingFinalized):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

type createSourceRequest struct {
	Name             string            `json:"name"`
	Protocol         string            `json:"protocol"`
	SourceType       string            `json:"sourceType,omitempty"`
	EndpointURL      string            `json:"endpointUrl"`
	BackupURL        string            `json:"backupUrl,omitempty"`
	ConnectionParams map[string]string `json:"connectionParams,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type updateSourceRequest struct {
	Name             *string            `json:"name,omitempty"`
	EndpointURL      *string            `json:"endpointUrl,omitempty"`
	BackupURL        *string            `json:"backupUrl,omitempty"`
	ConnectionParams *map[string]string `json:"connectionParams,omitempty"`
	Active           *bool              `json:"active,omitempty"`
}

func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListSources())
	case http.MethodPost:
		var req createSourceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		source, err := h.Store.CreateSource(storage.CreateSourceParams{
			Name:             req.Name,
			Protocol:         models.SourceProtocol(req.Protocol),
			Type:             models.SourceType(req.SourceType),
			EndpointURL:      req.EndpointURL,
			BackupURL:        req.BackupURL,
			ConnectionParams: req.ConnectionParams,
			Metadata:         req.Metadata,
		})
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, source)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) SourceByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("source id missing"))
		return
	}
	sourceID := parts[0]
	r = r.WithContext(logging.ContextWithSourceID(r.Context(), sourceID))

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			source, ok := h.Store.GetSource(sourceID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("source %s not found", sourceID))
				return
			}
			writeJSON(w, http.StatusOK, source)
		case http.MethodPatch:
			var req updateSourceRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			source, err := h.Store.UpdateSource(sourceID, storage.SourceUpdate{
				Name:             req.Name,
				EndpointURL:      req.EndpointURL,
				BackupURL:        req.BackupURL,
				ConnectionParams: req.ConnectionParams,
				Active:           req.Active,
			})
			if err != nil {
				writeError(w, errorStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, source)
		case http.MethodDelete:
			if err := h.Store.DeleteSource(sourceID); err != nil {
				writeError(w, errorStatus(err), err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, PATCH, DELETE")
		}
		return
	}

	switch parts[1] {
	case "reconnect":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		source, err := h.Ops.ReconnectSource(r.Context(), sourceID)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, source)
	case "test":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		result, err := h.Ops.TestSourceConnectivity(r.Context(), sourceID)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "metrics":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		if _, ok := h.Store.GetSource(sourceID); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("source %s not found", sourceID))
			return
		}
		since, limit, err := metricsHistoryQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, h.Store.ListSourceMetrics(sourceID, since, limit))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown source operation %s", parts[1]))
	}
}

func metricsHistoryQuery(r *http.Request) (time.Time, int, error) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid since timestamp: %w", err)
		}
		since = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return time.Time{}, 0, fmt.Errorf("invalid limit %q", raw)
		}
		limit = parsed
	}
	return since, limit, nil
}

type createChannelRequest struct {
	Name               string `json:"name"`
	SourceID           string `json:"sourceId,omitempty"`
	FallbackSourceID   string `json:"fallbackSourceId,omitempty"`
	OutputFormat       string `json:"outputFormat,omitempty"`
	TranscodingProfile string `json:"transcodingProfile,omitempty"`
	RecordingEnabled   bool   `json:"recordingEnabled,omitempty"`
}

type updateChannelRequest struct {
	Name               *string `json:"name,omitempty"`
	SourceID           *string `json:"sourceId,omitempty"`
	FallbackSourceID   *string `json:"fallbackSourceId,omitempty"`
	TranscodingProfile *string `json:"transcodingProfile,omitempty"`
	RecordingEnabled   *bool   `json:"recordingEnabled,omitempty"`
	Active             *bool   `json:"active,omitempty"`
}

type switchSourceRequest struct {
	SourceID string `json:"sourceId"`
}

func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListChannels())
	case http.MethodPost:
		var req createChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		channel, err := h.Store.CreateChannel(storage.CreateChannelParams{
			Name:               req.Name,
			SourceID:           req.SourceID,
			FallbackSourceID:   req.FallbackSourceID,
			OutputFormat:       models.OutputFormat(req.OutputFormat),
			TranscodingProfile: req.TranscodingProfile,
			RecordingEnabled:   req.RecordingEnabled,
		})
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, channel)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) ChannelByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel id missing"))
		return
	}
	channelID := parts[0]
	r = r.WithContext(logging.ContextWithChannelID(r.Context(), channelID))

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			channel, ok := h.Store.GetChannel(channelID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
				return
			}
			writeJSON(w, http.StatusOK, channel)
		case http.MethodPatch:
			var req updateChannelRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			channel, err := h.Store.UpdateChannel(channelID, storage.ChannelUpdate{
				Name:               req.Name,
				SourceID:           req.SourceID,
				FallbackSourceID:   req.FallbackSourceID,
				TranscodingProfile: req.TranscodingProfile,
				RecordingEnabled:   req.RecordingEnabled,
				Active:             req.Active,
			})
			if err != nil {
				writeError(w, errorStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, channel)
		case http.MethodDelete:
			if err := h.Store.DeleteChannel(channelID); err != nil {
				writeError(w, errorStatus(err), err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, PATCH, DELETE")
		}
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		channel, err := h.Ops.StartChannel(r.Context(), channelID, models.TriggerUser)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case "stop":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		channel, err := h.Ops.StopChannel(r.Context(), channelID, models.TriggerUser)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case "switch-source":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		var req switchSourceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		channel, err := h.Ops.SwitchSource(r.Context(), channelID, req.SourceID, models.TriggerUser)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case "failover":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		channel, err := h.Ops.Failover(r.Context(), channelID)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case "thumbnail":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		channel, err := h.Ops.UpdateThumbnail(r.Context(), channelID)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		if _, ok := h.Store.GetChannel(channelID); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
			return
		}
		writeJSON(w, http.StatusOK, h.Store.ListChannelEvents(channelID, listLimit(r)))
	case "insights":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		if _, ok := h.Store.GetChannel(channelID); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
			return
		}
		writeJSON(w, http.StatusOK, h.Store.ListInsights(channelID, listLimit(r)))
	case "recordings":
		switch r.Method {
		case http.MethodGet:
			if _, ok := h.Store.GetChannel(channelID); !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
				return
			}
			writeJSON(w, http.StatusOK, h.Store.ListRecordings(channelID))
		case http.MethodPost:
			recording, err := h.Recordings.StartManual(r.Context(), channelID)
			if err != nil {
				writeError(w, errorStatus(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, recording)
		default:
			methodNotAllowed(w, r, "GET, POST")
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown channel operation %s", parts[1]))
	}
}

func listLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func (h *Handler) RecordingByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("recording id missing"))
		return
	}
	recordingID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			recording, ok := h.Store.GetRecording(recordingID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("recording %s not found", recordingID))
				return
			}
			writeJSON(w, http.StatusOK, recording)
		case http.MethodDelete:
			if err := h.Store.DeleteRecording(recordingID); err != nil {
				writeError(w, errorStatus(err), err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, DELETE")
		}
		return
	}

	if parts[1] != "stop" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown recording operation %s", parts[1]))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if err := h.Recordings.StopManual(recordingID); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	recording, ok := h.Store.GetRecording(recordingID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("recording %s not found", recordingID))
		return
	}
	writeJSON(w, http.StatusOK, recording)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	writeJSON(w, http.StatusOK, h.Ops.DashboardSummary())
}
