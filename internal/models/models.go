package models

import (
	"strings"
	"time"
)

// SourceProtocol identifies how a source's media is ingested.
type SourceProtocol string

const (
	ProtocolSRT     SourceProtocol = "srt"
	ProtocolUDP     SourceProtocol = "udp"
	ProtocolRTSP    SourceProtocol = "rtsp"
	ProtocolHTTPTS  SourceProtocol = "http_ts"
	ProtocolHLS     SourceProtocol = "hls"
	ProtocolDASH    SourceProtocol = "dash"
	ProtocolYouTube SourceProtocol = "youtube"
	ProtocolFile    SourceProtocol = "file"
)

// ValidSourceProtocol reports whether the value is a known ingestion protocol.
func ValidSourceProtocol(value string) bool {
	switch SourceProtocol(strings.ToLower(strings.TrimSpace(value))) {
	case ProtocolSRT, ProtocolUDP, ProtocolRTSP, ProtocolHTTPTS, ProtocolHLS, ProtocolDASH, ProtocolYouTube, ProtocolFile:
		return true
	}
	return false
}

// SourceType describes the physical or logical origin of a source.
type SourceType string

const (
	SourceTypeDirectLink       SourceType = "direct_link"
	SourceTypeSatelliteEncoder SourceType = "satellite_encoder"
	SourceTypeLocalDevice      SourceType = "local_device"
	SourceTypeCloudOrigin      SourceType = "cloud_origin"
)

// SourceStatus is the lifecycle state of a source.
type SourceStatus string

const (
	SourceConnecting SourceStatus = "connecting"
	SourceOnline     SourceStatus = "online"
	SourceUnstable   SourceStatus = "unstable"
	SourceOffline    SourceStatus = "offline"
	SourceError      SourceStatus = "error"
)

// CanTransition reports whether the source lifecycle state machine permits
// moving between two statuses. The only route out of offline or error is a
// manual reconnect back to connecting.
func CanTransition(from, to SourceStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case SourceConnecting:
		return to == SourceOnline || to == SourceError
	case SourceOnline:
		return to == SourceUnstable || to == SourceOffline || to == SourceError
	case SourceUnstable:
		return to == SourceOnline || to == SourceOffline || to == SourceError
	case SourceOffline, SourceError:
		return to == SourceConnecting
	}
	return false
}

type Source struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Protocol         SourceProtocol    `json:"protocol"`
	Type             SourceType        `json:"sourceType"`
	EndpointURL      string            `json:"endpointUrl"`
	BackupURL        string            `json:"backupUrl,omitempty"`
	ConnectionParams map[string]string `json:"connectionParams,omitempty"`
	Status           SourceStatus      `json:"status"`
	LastSeenAt       *time.Time        `json:"lastSeenAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	Active           bool              `json:"active"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// SourceMetric is a single append-only time-series row captured after a
// successful probe. Rows are never mutated once written.
type SourceMetric struct {
	ID                int64     `json:"id"`
	SourceID          string    `json:"sourceId"`
	Timestamp         time.Time `json:"timestamp"`
	BitrateKbps       int       `json:"bitrateKbps,omitempty"`
	FPS               float64   `json:"fps,omitempty"`
	LatencyMs         int       `json:"latencyMs,omitempty"`
	PacketLossPercent float64   `json:"packetLossPercent,omitempty"`
	JitterMs          int       `json:"jitterMs,omitempty"`
	BufferHealth      float64   `json:"bufferHealth,omitempty"`
	VideoCodec        string    `json:"videoCodec,omitempty"`
	AudioCodec        string    `json:"audioCodec,omitempty"`
	Resolution        string    `json:"resolution,omitempty"`
	ErrorCount        int       `json:"errorCount"`
}

// ChannelStatus is the lifecycle state of a channel.
type ChannelStatus string

const (
	ChannelLive        ChannelStatus = "live"
	ChannelOffline     ChannelStatus = "offline"
	ChannelScheduled   ChannelStatus = "scheduled"
	ChannelError       ChannelStatus = "error"
	ChannelMaintenance ChannelStatus = "maintenance"
)

// OutputFormat selects the packaging produced for a channel's live output.
type OutputFormat string

const (
	OutputHLS  OutputFormat = "hls"
	OutputDASH OutputFormat = "dash"
	OutputBoth OutputFormat = "both"
)

// ValidOutputFormat reports whether the value is a supported output format.
func ValidOutputFormat(value string) bool {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(value))) {
	case OutputHLS, OutputDASH, OutputBoth:
		return true
	}
	return false
}

type Channel struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Slug               string        `json:"slug"`
	SourceID           string        `json:"sourceId,omitempty"`
	FallbackSourceID   string        `json:"fallbackSourceId,omitempty"`
	Status             ChannelStatus `json:"status"`
	OutputFormat       OutputFormat  `json:"outputFormat"`
	TranscodingProfile string        `json:"transcodingProfile,omitempty"`
	RecordingEnabled   bool          `json:"recordingEnabled"`
	ThumbnailURL       string        `json:"thumbnailUrl,omitempty"`
	ThumbnailUpdatedAt *time.Time    `json:"thumbnailUpdatedAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	Active             bool          `json:"active"`
}

// EventType classifies channel lifecycle transitions in the audit trail.
type EventType string

const (
	EventStarted       EventType = "started"
	EventStopped       EventType = "stopped"
	EventFailover      EventType = "failover"
	EventError         EventType = "error"
	EventRecovered     EventType = "recovered"
	EventReconnecting  EventType = "reconnecting"
	EventSourceChanged EventType = "source_changed"
)

// TriggeredBy identifies the actor behind a channel event.
type TriggeredBy string

const (
	TriggerSystem       TriggeredBy = "system"
	TriggerUser         TriggeredBy = "user"
	TriggerScheduler    TriggeredBy = "scheduler"
	TriggerFailoverRule TriggeredBy = "failover_rule"
)

// ChannelEvent is an append-only audit record of a channel transition.
type ChannelEvent struct {
	ID          int64             `json:"id"`
	ChannelID   string            `json:"channelId"`
	Type        EventType         `json:"eventType"`
	Timestamp   time.Time         `json:"timestamp"`
	TriggeredBy TriggeredBy       `json:"triggeredBy"`
	Details     map[string]string `json:"details,omitempty"`
}

// RecordingStatus is the lifecycle state of a recording.
type RecordingStatus string

const (
	RecordingActive     RecordingStatus = "recording"
	RecordingCompleted  RecordingStatus = "completed"
	RecordingFailed     RecordingStatus = "failed"
	RecordingProcessing RecordingStatus = "processing"
)

// Terminal reports whether the status permits no further mutation.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingCompleted || s == RecordingFailed
}

type Recording struct {
	ID              string          `json:"id"`
	ChannelID       string          `json:"channelId"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
	DurationSeconds int             `json:"durationSeconds,omitempty"`
	FilePath        string          `json:"filePath,omitempty"`
	FileSizeBytes   int64           `json:"fileSizeBytes,omitempty"`
	Format          string          `json:"format,omitempty"`
	Status          RecordingStatus `json:"status"`
}

// Severity grades an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Insight is a generated, severity-tagged notice tied to a channel, produced
// by the alert rule engine.
type Insight struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channelId"`
	Rule        string            `json:"rule"`
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Actionable  bool              `json:"actionable"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}
