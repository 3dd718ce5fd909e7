package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"streamgate/internal/models"
)

type dataset struct {
	Sources       map[string]models.Source    `json:"sources"`
	SourceMetrics []models.SourceMetric       `json:"sourceMetrics"`
	Channels      map[string]models.Channel   `json:"channels"`
	ChannelEvents []models.ChannelEvent       `json:"channelEvents"`
	Recordings    map[string]models.Recording `json:"recordings"`
	Insights      map[string]models.Insight   `json:"insights"`
	NextMetricID  int64                       `json:"nextMetricId"`
	NextEventID   int64                       `json:"nextEventId"`
}

func newDataset() dataset {
	return dataset{
		Sources:    make(map[string]models.Source),
		Channels:   make(map[string]models.Channel),
		Recordings: make(map[string]models.Recording),
		Insights:   make(map[string]models.Insight),
	}
}

var _ Repository = (*Storage)(nil)

// Storage is the in-memory repository. When constructed with a file path it
// persists the dataset as JSON after every mutation.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Storage) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStorage constructs a Storage. An empty path keeps the dataset purely in
// memory.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: strings.TrimSpace(path),
		data:     newDataset(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.filePath != "" {
		if err := store.load(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Sources == nil {
		s.data.Sources = make(map[string]models.Source)
	}
	if s.data.Channels == nil {
		s.data.Channels = make(map[string]models.Channel)
	}
	if s.data.Recordings == nil {
		s.data.Recordings = make(map[string]models.Recording)
	}
	if s.data.Insights == nil {
		s.data.Insights = make(map[string]models.Insight)
	}
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports datastore health. The in-memory store is always reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- Sources ---

func (s *Storage) CreateSource(params CreateSourceParams) (models.Source, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Source{}, fmt.Errorf("source name required")
	}
	if !models.ValidSourceProtocol(string(params.Protocol)) {
		return models.Source{}, fmt.Errorf("unknown protocol %q", params.Protocol)
	}
	if strings.TrimSpace(params.EndpointURL) == "" {
		return models.Source{}, fmt.Errorf("endpoint url required")
	}

	id, err := generateID()
	if err != nil {
		return models.Source{}, err
	}

	now := s.clock()
	source := models.Source{
		ID:               id,
		Name:             name,
		Protocol:         params.Protocol,
		Type:             params.Type,
		EndpointURL:      strings.TrimSpace(params.EndpointURL),
		BackupURL:        strings.TrimSpace(params.BackupURL),
		ConnectionParams: cloneStringMap(params.ConnectionParams),
		Metadata:         cloneStringMap(params.Metadata),
		Status:           models.SourceConnecting,
		CreatedAt:        now,
		UpdatedAt:        now,
		Active:           true,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sources[id] = source
	if err := s.persist(); err != nil {
		delete(s.data.Sources, id)
		return models.Source{}, err
	}
	return cloneSource(source), nil
}

func (s *Storage) GetSource(id string) (models.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.data.Sources[id]
	if !ok {
		return models.Source{}, false
	}
	return cloneSource(source), true
}

func (s *Storage) ListSources() []models.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources := make([]models.Source, 0, len(s.data.Sources))
	for _, source := range s.data.Sources {
		sources = append(sources, cloneSource(source))
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].CreatedAt.Equal(sources[j].CreatedAt) {
			return sources[i].ID < sources[j].ID
		}
		return sources[i].CreatedAt.Before(sources[j].CreatedAt)
	})
	return sources
}

func (s *Storage) UpdateSource(id string, update SourceUpdate) (models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.data.Sources[id]
	if !ok {
		return models.Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	previous := source

	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		if trimmed == "" {
			return models.Source{}, fmt.Errorf("source name required")
		}
		source.Name = trimmed
	}
	if update.EndpointURL != nil {
		trimmed := strings.TrimSpace(*update.EndpointURL)
		if trimmed == "" {
			return models.Source{}, fmt.Errorf("endpoint url required")
		}
		source.EndpointURL = trimmed
	}
	if update.BackupURL != nil {
		source.BackupURL = strings.TrimSpace(*update.BackupURL)
	}
	if update.ConnectionParams != nil {
		source.ConnectionParams = cloneStringMap(*update.ConnectionParams)
	}
	if update.Metadata != nil {
		source.Metadata = cloneStringMap(*update.Metadata)
	}
	if update.Active != nil {
		source.Active = *update.Active
	}
	source.UpdatedAt = s.clock()

	s.data.Sources[id] = source
	if err := s.persist(); err != nil {
		s.data.Sources[id] = previous
		return models.Source{}, err
	}
	return cloneSource(source), nil
}

func (s *Storage) DeleteSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.data.Sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	for _, channel := range s.data.Channels {
		if channel.SourceID == id || channel.FallbackSourceID == id {
			return fmt.Errorf("source %s is referenced by channel %s", id, channel.ID)
		}
	}

	delete(s.data.Sources, id)
	if err := s.persist(); err != nil {
		s.data.Sources[id] = source
		return err
	}
	return nil
}

// TransitionSource moves a source through its lifecycle state machine,
// rejecting transitions the machine does not permit.
func (s *Storage) TransitionSource(id string, to models.SourceStatus) (models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.data.Sources[id]
	if !ok {
		return models.Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if !models.CanTransition(source.Status, to) {
		return models.Source{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, source.Status, to)
	}
	previous := source

	source.Status = to
	source.UpdatedAt = s.clock()
	if to == models.SourceOnline {
		seen := source.UpdatedAt
		source.LastSeenAt = &seen
	}

	s.data.Sources[id] = source
	if err := s.persist(); err != nil {
		s.data.Sources[id] = previous
		return models.Source{}, err
	}
	return cloneSource(source), nil
}

func (s *Storage) TouchSourceLastSeen(id string, at time.Time) (models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.data.Sources[id]
	if !ok {
		return models.Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	previous := source

	seen := at.UTC()
	source.LastSeenAt = &seen
	source.UpdatedAt = s.clock()

	s.data.Sources[id] = source
	if err := s.persist(); err != nil {
		s.data.Sources[id] = previous
		return models.Source{}, err
	}
	return cloneSource(source), nil
}

// --- Source metrics ---

// AppendSourceMetric records a probe measurement. Metric rows are append-only
// and never mutated after insertion.
func (s *Storage) AppendSourceMetric(metric models.SourceMetric) (models.SourceMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Sources[metric.SourceID]; !ok {
		return models.SourceMetric{}, fmt.Errorf("source %s: %w", metric.SourceID, ErrNotFound)
	}

	s.data.NextMetricID++
	metric.ID = s.data.NextMetricID
	if metric.Timestamp.IsZero() {
		metric.Timestamp = s.clock()
	}
	s.data.SourceMetrics = append(s.data.SourceMetrics, metric)
	if err := s.persist(); err != nil {
		s.data.SourceMetrics = s.data.SourceMetrics[:len(s.data.SourceMetrics)-1]
		s.data.NextMetricID--
		return models.SourceMetric{}, err
	}
	return metric, nil
}

// ListSourceMetrics returns metrics for a source newer than since, most
// recent first, capped at limit when positive.
func (s *Storage) ListSourceMetrics(sourceID string, since time.Time, limit int) []models.SourceMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var metrics []models.SourceMetric
	for _, metric := range s.data.SourceMetrics {
		if metric.SourceID != sourceID {
			continue
		}
		if !since.IsZero() && metric.Timestamp.Before(since) {
			continue
		}
		metrics = append(metrics, metric)
	}
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Timestamp.After(metrics[j].Timestamp)
	})
	if limit > 0 && len(metrics) > limit {
		metrics = metrics[:limit]
	}
	return metrics
}

func (s *Storage) LatestSourceMetric(sourceID string) (models.SourceMetric, bool) {
	metrics := s.ListSourceMetrics(sourceID, time.Time{}, 1)
	if len(metrics) == 0 {
		return models.SourceMetric{}, false
	}
	return metrics[0], true
}

// --- Channels ---

func (s *Storage) CreateChannel(params CreateChannelParams) (models.Channel, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Channel{}, fmt.Errorf("channel name required")
	}
	format := params.OutputFormat
	if format == "" {
		format = models.OutputHLS
	}
	if !models.ValidOutputFormat(string(format)) {
		return models.Channel{}, fmt.Errorf("unknown output format %q", format)
	}

	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if params.SourceID != "" {
		if _, ok := s.data.Sources[params.SourceID]; !ok {
			return models.Channel{}, fmt.Errorf("source %s: %w", params.SourceID, ErrNotFound)
		}
	}
	if params.FallbackSourceID != "" {
		if _, ok := s.data.Sources[params.FallbackSourceID]; !ok {
			return models.Channel{}, fmt.Errorf("source %s: %w", params.FallbackSourceID, ErrNotFound)
		}
	}

	slug := uniqueSlug(name, func(candidate string) bool {
		for _, channel := range s.data.Channels {
			if channel.Slug == candidate {
				return true
			}
		}
		return false
	})

	now := s.clock()
	channel := models.Channel{
		ID:                 id,
		Name:               name,
		Slug:               slug,
		SourceID:           params.SourceID,
		FallbackSourceID:   params.FallbackSourceID,
		Status:             models.ChannelOffline,
		OutputFormat:       format,
		TranscodingProfile: strings.TrimSpace(params.TranscodingProfile),
		RecordingEnabled:   params.RecordingEnabled,
		CreatedAt:          now,
		UpdatedAt:          now,
		Active:             true,
	}

	s.data.Channels[id] = channel
	if err := s.persist(); err != nil {
		delete(s.data.Channels, id)
		return models.Channel{}, err
	}
	return channel, nil
}

func (s *Storage) GetChannel(id string) (models.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.data.Channels[id]
	return channel, ok
}

func (s *Storage) GetChannelBySlug(slug string) (models.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, channel := range s.data.Channels {
		if channel.Slug == slug {
			return channel, true
		}
	}
	return models.Channel{}, false
}

func (s *Storage) ListChannels() []models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]models.Channel, 0, len(s.data.Channels))
	for _, channel := range s.data.Channels {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].CreatedAt.Equal(channels[j].CreatedAt) {
			return channels[i].ID < channels[j].ID
		}
		return channels[i].CreatedAt.Before(channels[j].CreatedAt)
	})
	return channels
}

func (s *Storage) UpdateChannel(id string, update ChannelUpdate) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	previous := channel

	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		if trimmed == "" {
			return models.Channel{}, fmt.Errorf("channel name required")
		}
		channel.Name = trimmed
	}
	if update.SourceID != nil {
		if *update.SourceID != "" {
			if _, ok := s.data.Sources[*update.SourceID]; !ok {
				return models.Channel{}, fmt.Errorf("source %s: %w", *update.SourceID, ErrNotFound)
			}
		}
		channel.SourceID = *update.SourceID
	}
	if update.FallbackSourceID != nil {
		if *update.FallbackSourceID != "" {
			if _, ok := s.data.Sources[*update.FallbackSourceID]; !ok {
				return models.Channel{}, fmt.Errorf("source %s: %w", *update.FallbackSourceID, ErrNotFound)
			}
		}
		channel.FallbackSourceID = *update.FallbackSourceID
	}
	if update.OutputFormat != nil {
		if !models.ValidOutputFormat(string(*update.OutputFormat)) {
			return models.Channel{}, fmt.Errorf("unknown output format %q", *update.OutputFormat)
		}
		channel.OutputFormat = *update.OutputFormat
	}
	if update.TranscodingProfile != nil {
		channel.TranscodingProfile = strings.TrimSpace(*update.TranscodingProfile)
	}
	if update.RecordingEnabled != nil {
		channel.RecordingEnabled = *update.RecordingEnabled
	}
	if update.ThumbnailURL != nil {
		channel.ThumbnailURL = *update.ThumbnailURL
	}
	if update.ThumbnailUpdatedAt != nil {
		at := update.ThumbnailUpdatedAt.UTC()
		channel.ThumbnailUpdatedAt = &at
	}
	if update.Active != nil {
		channel.Active = *update.Active
	}
	channel.UpdatedAt = s.clock()

	s.data.Channels[id] = channel
	if err := s.persist(); err != nil {
		s.data.Channels[id] = previous
		return models.Channel{}, err
	}
	return channel, nil
}

func (s *Storage) DeleteChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	for _, recording := range s.data.Recordings {
		if recording.ChannelID == id && recording.Status == models.RecordingActive {
			return fmt.Errorf("channel %s has an active recording", id)
		}
	}

	delete(s.data.Channels, id)
	if err := s.persist(); err != nil {
		s.data.Channels[id] = channel
		return err
	}
	return nil
}

func (s *Storage) SetChannelStatus(id string, status models.ChannelStatus) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	previous := channel

	channel.Status = status
	channel.UpdatedAt = s.clock()

	s.data.Channels[id] = channel
	if err := s.persist(); err != nil {
		s.data.Channels[id] = previous
		return models.Channel{}, err
	}
	return channel, nil
}

// --- Channel events ---

// AppendChannelEvent records an audit entry. Events are append-only.
func (s *Storage) AppendChannelEvent(channelID string, eventType models.EventType, triggeredBy models.TriggeredBy, details map[string]string) (models.ChannelEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Channels[channelID]; !ok {
		return models.ChannelEvent{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}

	s.data.NextEventID++
	event := models.ChannelEvent{
		ID:          s.data.NextEventID,
		ChannelID:   channelID,
		Type:        eventType,
		Timestamp:   s.clock(),
		TriggeredBy: triggeredBy,
		Details:     cloneStringMap(details),
	}
	s.data.ChannelEvents = append(s.data.ChannelEvents, event)
	if err := s.persist(); err != nil {
		s.data.ChannelEvents = s.data.ChannelEvents[:len(s.data.ChannelEvents)-1]
		s.data.NextEventID--
		return models.ChannelEvent{}, err
	}
	return event, nil
}

// ListChannelEvents returns a channel's audit trail, most recent first.
func (s *Storage) ListChannelEvents(channelID string, limit int) []models.ChannelEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []models.ChannelEvent
	for _, event := range s.data.ChannelEvents {
		if event.ChannelID == channelID {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID > events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// --- Recordings ---

func (s *Storage) CreateRecording(channelID string) (models.Recording, error) {
	id, err := generateID()
	if err != nil {
		return models.Recording{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Channels[channelID]; !ok {
		return models.Recording{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}

	recording := models.Recording{
		ID:        id,
		ChannelID: channelID,
		StartedAt: s.clock(),
		Format:    "mp4",
		Status:    models.RecordingActive,
	}

	s.data.Recordings[id] = recording
	if err := s.persist(); err != nil {
		delete(s.data.Recordings, id)
		return models.Recording{}, err
	}
	return recording, nil
}

func (s *Storage) GetRecording(id string) (models.Recording, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recording, ok := s.data.Recordings[id]
	return recording, ok
}

func (s *Storage) ListRecordings(channelID string) []models.Recording {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recordings []models.Recording
	for _, recording := range s.data.Recordings {
		if channelID == "" || recording.ChannelID == channelID {
			recordings = append(recordings, recording)
		}
	}
	sort.Slice(recordings, func(i, j int) bool {
		if recordings[i].StartedAt.Equal(recordings[j].StartedAt) {
			return recordings[i].ID < recordings[j].ID
		}
		return recordings[i].StartedAt.After(recordings[j].StartedAt)
	})
	return recordings
}

func (s *Storage) ListRecordingsByStatus(status models.RecordingStatus) []models.Recording {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recordings []models.Recording
	for _, recording := range s.data.Recordings {
		if recording.Status == status {
			recordings = append(recordings, recording)
		}
	}
	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].StartedAt.Before(recordings[j].StartedAt)
	})
	return recordings
}

// UpdateRecording mutates a recording. Recordings in a terminal status are
// immutable.
func (s *Storage) UpdateRecording(id string, update RecordingUpdate) (models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recording, ok := s.data.Recordings[id]
	if !ok {
		return models.Recording{}, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if recording.Status.Terminal() {
		return models.Recording{}, fmt.Errorf("recording %s: %w", id, ErrRecordingFinalized)
	}
	previous := recording

	if update.Status != nil {
		recording.Status = *update.Status
	}
	if update.EndedAt != nil {
		ended := update.EndedAt.UTC()
		recording.EndedAt = &ended
	}
	if update.DurationSeconds != nil {
		recording.DurationSeconds = *update.DurationSeconds
	}
	if update.FilePath != nil {
		recording.FilePath = *update.FilePath
	}
	if update.FileSizeBytes != nil {
		recording.FileSizeBytes = *update.FileSizeBytes
	}
	if update.Format != nil {
		recording.Format = *update.Format
	}

	s.data.Recordings[id] = recording
	if err := s.persist(); err != nil {
		s.data.Recordings[id] = previous
		return models.Recording{}, err
	}
	return recording, nil
}

func (s *Storage) DeleteRecording(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recording, ok := s.data.Recordings[id]
	if !ok {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if recording.Status == models.RecordingActive {
		return fmt.Errorf("recording %s is still active", id)
	}

	delete(s.data.Recordings, id)
	if err := s.persist(); err != nil {
		s.data.Recordings[id] = recording
		return err
	}
	return nil
}

// --- Insights ---

func (s *Storage) CreateInsight(params CreateInsightParams) (models.Insight, error) {
	id, err := generateID()
	if err != nil {
		return models.Insight{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Channels[params.ChannelID]; !ok {
		return models.Insight{}, fmt.Errorf("channel %s: %w", params.ChannelID, ErrNotFound)
	}

	insight := models.Insight{
		ID:          id,
		ChannelID:   params.ChannelID,
		Rule:        params.Rule,
		Severity:    params.Severity,
		Title:       params.Title,
		Description: params.Description,
		Actionable:  params.Actionable,
		Data:        cloneStringMap(params.Data),
		CreatedAt:   s.clock(),
	}

	s.data.Insights[id] = insight
	if err := s.persist(); err != nil {
		delete(s.data.Insights, id)
		return models.Insight{}, err
	}
	return cloneInsight(insight), nil
}

// ListInsights returns insights, most recent first. An empty channelID lists
// every channel.
func (s *Storage) ListInsights(channelID string, limit int) []models.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var insights []models.Insight
	for _, insight := range s.data.Insights {
		if channelID == "" || insight.ChannelID == channelID {
			insights = append(insights, cloneInsight(insight))
		}
	}
	sort.Slice(insights, func(i, j int) bool {
		if insights[i].CreatedAt.Equal(insights[j].CreatedAt) {
			return insights[i].ID < insights[j].ID
		}
		return insights[i].CreatedAt.After(insights[j].CreatedAt)
	})
	if limit > 0 && len(insights) > limit {
		insights = insights[:limit]
	}
	return insights
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	clone := make(map[string]string, len(src))
	for key, value := range src {
		clone[key] = value
	}
	return clone
}

func cloneSource(src models.Source) models.Source {
	cloned := src
	cloned.ConnectionParams = cloneStringMap(src.ConnectionParams)
	cloned.Metadata = cloneStringMap(src.Metadata)
	if src.LastSeenAt != nil {
		seen := *src.LastSeenAt
		cloned.LastSeenAt = &seen
	}
	return cloned
}

func cloneInsight(src models.Insight) models.Insight {
	cloned := src
	cloned.Data = cloneStringMap(src.Data)
	return cloned
}
