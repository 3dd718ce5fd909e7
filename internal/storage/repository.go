package storage

import (
	"context"
	"errors"
	"time"

	"streamgate/internal/models"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRecordingFinalized is returned when mutating a recording whose
	// status is terminal.
	ErrRecordingFinalized = errors.New("recording already finalized")
	// ErrInvalidTransition is returned when a source status change violates
	// the lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CreateSourceParams captures the attributes that can be set when registering
// a source.
type CreateSourceParams struct {
	Name             string
	Protocol         models.SourceProtocol
	Type             models.SourceType
	EndpointURL      string
	BackupURL        string
	ConnectionParams map[string]string
	Metadata         map[string]string
}

// SourceUpdate mutates selected source fields. Nil pointers leave the field
// untouched.
type SourceUpdate struct {
	Name             *string
	EndpointURL      *string
	BackupURL        *string
	ConnectionParams *map[string]string
	Metadata         *map[string]string
	Active           *bool
}

// CreateChannelParams captures the attributes that can be set when creating a
// channel.
type CreateChannelParams struct {
	Name               string
	SourceID           string
	FallbackSourceID   string
	OutputFormat       models.OutputFormat
	TranscodingProfile string
	RecordingEnabled   bool
}

// ChannelUpdate mutates selected channel fields. Nil pointers leave the field
// untouched.
type ChannelUpdate struct {
	Name               *string
	SourceID           *string
	FallbackSourceID   *string
	OutputFormat       *models.OutputFormat
	TranscodingProfile *string
	RecordingEnabled   *bool
	ThumbnailURL       *string
	ThumbnailUpdatedAt *time.Time
	Active             *bool
}

// RecordingUpdate mutates selected recording fields. Nil pointers leave the
// field untouched.
type RecordingUpdate struct {
	Status          *models.RecordingStatus
	EndedAt         *time.Time
	DurationSeconds *int
	FilePath        *string
	FileSizeBytes   *int64
	Format          *string
}

// CreateInsightParams captures the attributes of a generated insight.
type CreateInsightParams struct {
	ChannelID   string
	Rule        string
	Severity    models.Severity
	Title       string
	Description string
	Actionable  bool
	Data        map[string]string
}

// Repository exposes the datastore operations required by API handlers and
// the background workers.
type Repository interface {
	Ping(ctx context.Context) error

	CreateSource(params CreateSourceParams) (models.Source, error)
	GetSource(id string) (models.Source, bool)
	ListSources() []models.Source
	UpdateSource(id string, update SourceUpdate) (models.Source, error)
	DeleteSource(id string) error
	TransitionSource(id string, to models.SourceStatus) (models.Source, error)
	TouchSourceLastSeen(id string, at time.Time) (models.Source, error)

	AppendSourceMetric(metric models.SourceMetric) (models.SourceMetric, error)
	ListSourceMetrics(sourceID string, since time.Time, limit int) []models.SourceMetric
	LatestSourceMetric(sourceID string) (models.SourceMetric, bool)

	CreateChannel(params CreateChannelParams) (models.Channel, error)
	GetChannel(id string) (models.Channel, bool)
	GetChannelBySlug(slug string) (models.Channel, bool)
	ListChannels() []models.Channel
	UpdateChannel(id string, update ChannelUpdate) (models.Channel, error)
	DeleteChannel(id string) error
	SetChannelStatus(id string, status models.ChannelStatus) (models.Channel, error)

	AppendChannelEvent(channelID string, eventType models.EventType, triggeredBy models.TriggeredBy, details map[string]string) (models.ChannelEvent, error)
	ListChannelEvents(channelID string, limit int) []models.ChannelEvent

	CreateRecording(channelID string) (models.Recording, error)
	GetRecording(id string) (models.Recording, bool)
	ListRecordings(channelID string) []models.Recording
	ListRecordingsByStatus(status models.RecordingStatus) []models.Recording
	UpdateRecording(id string, update RecordingUpdate) (models.Recording, error)
	DeleteRecording(id string) error

	CreateInsight(params CreateInsightParams) (models.Insight, error)
	ListInsights(channelID string, limit int) []models.Insight
}
