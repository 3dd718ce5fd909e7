package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"streamgate/internal/media"
	"streamgate/internal/models"
	"streamgate/internal/observability/logging"
	"streamgate/internal/probe"
	"streamgate/internal/storage"
	"streamgate/internal/supervisor"
)

// Processes is the slice of the supervisor the service drives.
type Processes interface {
	Start(key, kind string, spec supervisor.CommandSpec, onError func(string)) error
	Stop(key string) bool
	IsRunning(key string) bool
}

// MediaProber inspects streams and captures thumbnail frames.
type MediaProber interface {
	Probe(ctx context.Context, protocol models.SourceProtocol, endpointURL string) *probe.StreamInfo
	TestConnectivity(ctx context.Context, endpointURL string) bool
	Snapshot(ctx context.Context, protocol models.SourceProtocol, endpointURL, outputPath string) error
}

// URLResolver resolves youtube page URLs to direct media URLs.
type URLResolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// ConnectivityResult is the outcome of an on-demand source check.
type ConnectivityResult struct {
	SourceID  string            `json:"sourceId"`
	Reachable bool              `json:"reachable"`
	Info      *probe.StreamInfo `json:"info,omitempty"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Dashboard aggregates entity counts for the operations overview.
type Dashboard struct {
	Sources          map[models.SourceStatus]int  `json:"sources"`
	Channels         map[models.ChannelStatus]int `json:"channels"`
	ActiveRecordings int                          `json:"activeRecordings"`
	GeneratedAt      time.Time                    `json:"generatedAt"`
}

// Service implements the synchronous channel operations: start, stop, source
// switching and failover, plus on-demand source checks and thumbnails.
type Service struct {
	repo      storage.Repository
	processes Processes
	prober    MediaProber
	resolver  URLResolver
	layout    *media.Layout
	logger    *slog.Logger
	clock     func() time.Time
}

// Options configures a Service.
type Options struct {
	Repository storage.Repository
	Processes  Processes
	Prober     MediaProber
	Resolver   URLResolver
	Layout     *media.Layout
	Logger     *slog.Logger
	Clock      func() time.Time
}

// New constructs a Service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:      opts.Repository,
		processes: opts.Processes,
		prober:    opts.Prober,
		resolver:  opts.Resolver,
		layout:    opts.Layout,
		logger:    logger,
		clock:     clock,
	}
}

func channelKey(channelID string) string {
	return "channel_" + channelID
}

func actorOrFailover(actor models.TriggeredBy) models.TriggeredBy {
	if actor == "" {
		return models.TriggerFailoverRule
	}
	return actor
}

func (s *Service) resolveEndpoint(ctx context.Context, source models.Source) (string, error) {
	if source.Protocol != models.ProtocolYouTube {
		return source.EndpointURL, nil
	}
	if s.resolver == nil {
		return "", fmt.Errorf("youtube source %s requires a resolver", source.ID)
	}
	resolved, err := s.resolver.Resolve(ctx, source.EndpointURL)
	if err != nil {
		return "", fmt.Errorf("resolve source %s: %w", source.ID, err)
	}
	return resolved, nil
}

// StartChannel brings a channel live off its associated source. The source
// must already be online.
func (s *Service) StartChannel(ctx context.Context, channelID string, actor models.TriggeredBy) (models.Channel, error) {
	channel, ok := s.repo.GetChannel(channelID)
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", channelID, storage.ErrNotFound)
	}
	if channel.SourceID == "" {
		return models.Channel{}, fmt.Errorf("channel %s has no source", channelID)
	}
	source, ok := s.repo.GetSource(channel.SourceID)
	if !ok {
		return models.Channel{}, fmt.Errorf("source %s: %w", channel.SourceID, storage.ErrNotFound)
	}
	if source.Status != models.SourceOnline {
		return models.Channel{}, fmt.Errorf("source %s is %s, not online", source.ID, source.Status)
	}

	if err := s.launchOutput(ctx, channel, source); err != nil {
		if _, statusErr := s.repo.SetChannelStatus(channel.ID, models.ChannelError); statusErr != nil {
			logging.WithContext(ctx, s.logger).Error("mark channel error failed", "channel_id", channel.ID, "error", statusErr)
		}
		s.appendEvent(channel.ID, models.EventError, actor, map[string]string{"error": err.Error()})
		return models.Channel{}, fmt.Errorf("start channel %s: %w", channel.ID, err)
	}

	updated, err := s.repo.SetChannelStatus(channel.ID, models.ChannelLive)
	if err != nil {
		return models.Channel{}, err
	}
	s.appendEvent(channel.ID, models.EventStarted, actor, map[string]string{"sourceId": source.ID})
	logging.WithContext(ctx, s.logger).Info("channel started", "channel_id", channel.ID, "slug", channel.Slug, "source_id", source.ID)
	return updated, nil
}

func (s *Service) launchOutput(ctx context.Context, channel models.Channel, source models.Source) error {
	endpoint, err := s.resolveEndpoint(ctx, source)
	if err != nil {
		return err
	}
	outputDir, err := s.layout.ChannelHLSDir(channel.Slug)
	if err != nil {
		return err
	}
	spec, err := supervisor.BuildIngestCommand(source.Protocol, endpoint, source.ConnectionParams, outputDir, channel.TranscodingProfile)
	if err != nil {
		return err
	}
	channelID := channel.ID
	onError := func(line string) {
		s.logger.Error("channel output error", "channel_id", channelID, "line", line)
	}
	return s.processes.Start(channelKey(channel.ID), "channel", spec, onError)
}

// StopChannel stops the channel's output process and marks it offline.
func (s *Service) StopChannel(ctx context.Context, channelID string, actor models.TriggeredBy) (models.Channel, error) {
	channel, ok := s.repo.GetChannel(channelID)
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", channelID, storage.ErrNotFound)
	}
	s.processes.Stop(channelKey(channel.ID))
	updated, err := s.repo.SetChannelStatus(channel.ID, models.ChannelOffline)
	if err != nil {
		return models.Channel{}, err
	}
	s.appendEvent(channel.ID, models.EventStopped, actor, nil)
	logging.WithContext(ctx, s.logger).Info("channel stopped", "channel_id", channel.ID, "slug", channel.Slug)
	return updated, nil
}

// SwitchSource repoints a channel to a different online source. A live
// channel is stopped and restarted against the new source; a brief output gap
// is expected.
func (s *Service) SwitchSource(ctx context.Context, channelID, newSourceID string, actor models.TriggeredBy) (models.Channel, error) {
	actor = actorOrFailover(actor)
	channel, ok := s.repo.GetChannel(channelID)
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", channelID, storage.ErrNotFound)
	}
	newSource, ok := s.repo.GetSource(newSourceID)
	if !ok {
		return models.Channel{}, fmt.Errorf("source %s: %w", newSourceID, storage.ErrNotFound)
	}
	if newSource.Status != models.SourceOnline {
		return models.Channel{}, fmt.Errorf("source %s is %s, not online", newSource.ID, newSource.Status)
	}

	oldSourceID := channel.SourceID
	wasLive := channel.Status == models.ChannelLive
	if wasLive {
		s.processes.Stop(channelKey(channel.ID))
	}

	updated, err := s.repo.UpdateChannel(channel.ID, storage.ChannelUpdate{SourceID: &newSourceID})
	if err != nil {
		return models.Channel{}, err
	}

	if wasLive {
		if err := s.launchOutput(ctx, updated, newSource); err != nil {
			if _, statusErr := s.repo.SetChannelStatus(channel.ID, models.ChannelError); statusErr != nil {
				logging.WithContext(ctx, s.logger).Error("mark channel error failed", "channel_id", channel.ID, "error", statusErr)
			}
			s.appendEvent(channel.ID, models.EventError, actor, map[string]string{"error": err.Error()})
			return models.Channel{}, fmt.Errorf("restart channel %s on source %s: %w", channel.ID, newSourceID, err)
		}
	}

	s.appendEvent(channel.ID, models.EventSourceChanged, actor, map[string]string{
		"oldSourceId": oldSourceID,
		"newSourceId": newSourceID,
	})
	logging.WithContext(ctx, s.logger).Info("channel source switched", "channel_id", channel.ID, "old_source_id", oldSourceID, "new_source_id", newSourceID, "was_live", wasLive)
	return updated, nil
}

// Failover switches a channel to its configured fallback source.
func (s *Service) Failover(ctx context.Context, channelID string) (models.Channel, error) {
	channel, ok := s.repo.GetChannel(channelID)
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", channelID, storage.ErrNotFound)
	}
	if channel.FallbackSourceID == "" {
		return models.Channel{}, fmt.Errorf("channel %s has no fallback source", channelID)
	}
	updated, err := s.SwitchSource(ctx, channelID, channel.FallbackSourceID, models.TriggerFailoverRule)
	if err != nil {
		return models.Channel{}, err
	}
	s.appendEvent(channel.ID, models.EventFailover, models.TriggerFailoverRule, map[string]string{
		"fallbackSourceId": channel.FallbackSourceID,
	})
	return updated, nil
}

// ReconnectSource requeues an offline or errored source for connection. The
// lifecycle controller picks it up on its next cycle.
func (s *Service) ReconnectSource(ctx context.Context, sourceID string) (models.Source, error) {
	source, ok := s.repo.GetSource(sourceID)
	if !ok {
		return models.Source{}, fmt.Errorf("source %s: %w", sourceID, storage.ErrNotFound)
	}
	if source.Status != models.SourceOffline && source.Status != models.SourceError {
		return models.Source{}, fmt.Errorf("source %s is %s, reconnect requires offline or error", sourceID, source.Status)
	}
	// A stale ingest handle from a previous session would collide with the
	// fresh connect attempt.
	s.processes.Stop(sourceID)
	updated, err := s.repo.TransitionSource(sourceID, models.SourceConnecting)
	if err != nil {
		return models.Source{}, err
	}
	logging.WithContext(ctx, s.logger).Info("source reconnect requested", "source_id", sourceID)
	return updated, nil
}

// TestSourceConnectivity runs an on-demand reachability check followed by a
// full probe.
func (s *Service) TestSourceConnectivity(ctx context.Context, sourceID string) (ConnectivityResult, error) {
	source, ok := s.repo.GetSource(sourceID)
	if !ok {
		return ConnectivityResult{}, fmt.Errorf("source %s: %w", sourceID, storage.ErrNotFound)
	}
	endpoint, err := s.resolveEndpoint(ctx, source)
	if err != nil {
		return ConnectivityResult{}, err
	}
	result := ConnectivityResult{
		SourceID:  sourceID,
		Reachable: s.prober.TestConnectivity(ctx, endpoint),
		CheckedAt: s.clock(),
	}
	if result.Reachable {
		result.Info = s.prober.Probe(ctx, source.Protocol, endpoint)
	}
	return result, nil
}

// UpdateThumbnail captures a frame from a live channel's source and records
// the thumbnail on the channel.
func (s *Service) UpdateThumbnail(ctx context.Context, channelID string) (models.Channel, error) {
	channel, ok := s.repo.GetChannel(channelID)
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", channelID, storage.ErrNotFound)
	}
	if channel.Status != models.ChannelLive {
		return models.Channel{}, fmt.Errorf("channel %s is not live", channelID)
	}
	source, ok := s.repo.GetSource(channel.SourceID)
	if !ok {
		return models.Channel{}, fmt.Errorf("source %s: %w", channel.SourceID, storage.ErrNotFound)
	}
	endpoint, err := s.resolveEndpoint(ctx, source)
	if err != nil {
		return models.Channel{}, err
	}
	outputPath, err := s.layout.ThumbnailPath(channel.Slug)
	if err != nil {
		return models.Channel{}, err
	}
	if err := s.prober.Snapshot(ctx, source.Protocol, endpoint, outputPath); err != nil {
		return models.Channel{}, fmt.Errorf("capture thumbnail for channel %s: %w", channelID, err)
	}
	now := s.clock()
	updated, err := s.repo.UpdateChannel(channel.ID, storage.ChannelUpdate{
		ThumbnailURL:       &outputPath,
		ThumbnailUpdatedAt: &now,
	})
	if err != nil {
		return models.Channel{}, err
	}
	logging.WithContext(ctx, s.logger).Info("channel thumbnail updated", "channel_id", channel.ID, "path", outputPath)
	return updated, nil
}

// SourceStatusSummary counts sources per status.
func (s *Service) SourceStatusSummary() map[models.SourceStatus]int {
	summary := make(map[models.SourceStatus]int)
	for _, source := range s.repo.ListSources() {
		summary[source.Status]++
	}
	return summary
}

// ChannelStatusSummary counts channels per status.
func (s *Service) ChannelStatusSummary() map[models.ChannelStatus]int {
	summary := make(map[models.ChannelStatus]int)
	for _, channel := range s.repo.ListChannels() {
		summary[channel.Status]++
	}
	return summary
}

// DashboardSummary aggregates the status counts for the overview endpoint.
func (s *Service) DashboardSummary() Dashboard {
	return Dashboard{
		Sources:          s.SourceStatusSummary(),
		Channels:         s.ChannelStatusSummary(),
		ActiveRecordings: len(s.repo.ListRecordingsByStatus(models.RecordingActive)),
		GeneratedAt:      s.clock(),
	}
}

func (s *Service) appendEvent(channelID string, eventType models.EventType, actor models.TriggeredBy, details map[string]string) {
	if actor == "" {
		actor = models.TriggerSystem
	}
	if _, err := s.repo.AppendChannelEvent(channelID, eventType, actor, details); err != nil {
		s.logger.Error("append channel event failed", "channel_id", channelID, "event", eventType, "error", err)
	}
}
