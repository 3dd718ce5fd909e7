package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamgate/internal/media"
	"streamgate/internal/models"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/storage"
	"streamgate/internal/supervisor"
)

// Processes is the slice of the supervisor the orchestrator drives.
type Processes interface {
	Start(key, kind string, spec supervisor.CommandSpec, onError func(string)) error
	Stop(key string) bool
	IsRunning(key string) bool
}

// URLResolver resolves youtube page URLs to direct media URLs.
type URLResolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// Orchestrator keeps recordings aligned with channel state: it starts a
// capture for every live channel with recording enabled, stops captures whose
// channel left the live state, and finalizes recordings whose process exited
// on its own.
type Orchestrator struct {
	repo      storage.Repository
	processes Processes
	resolver  URLResolver
	layout    *media.Layout
	logger    *slog.Logger
	metrics   *metrics.Recorder
	interval  time.Duration
	clock     func() time.Time
}

// Options configures an Orchestrator. Zero values select production defaults.
type Options struct {
	Repository storage.Repository
	Processes  Processes
	Resolver   URLResolver
	Layout     *media.Layout
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Interval   time.Duration
	Clock      func() time.Time
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		repo:      opts.Repository,
		processes: opts.Processes,
		resolver:  opts.Resolver,
		layout:    opts.Layout,
		logger:    logger,
		metrics:   opts.Metrics,
		interval:  interval,
		clock:     clock,
	}
}

func recordingKey(recordingID string) string {
	return "recording_" + recordingID
}

// Start launches the polling loop and returns a stop function that cancels it
// and waits for the in-flight cycle to finish.
func (o *Orchestrator) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(o.interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.RunCycle(workerCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// RunCycle reconciles recordings with channel state once.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	for _, channel := range o.repo.ListChannels() {
		if !channel.Active || !channel.RecordingEnabled || channel.Status != models.ChannelLive {
			continue
		}
		if err := o.ensureRecording(ctx, channel); err != nil {
			o.logger.Error("ensure recording failed", "channel_id", channel.ID, "name", channel.Name, "error", err)
		}
	}

	for _, recording := range o.repo.ListRecordingsByStatus(models.RecordingActive) {
		channel, ok := o.repo.GetChannel(recording.ChannelID)
		if !ok || channel.Status != models.ChannelLive {
			if err := o.stopRecording(recording); err != nil {
				o.logger.Error("stop recording failed", "recording_id", recording.ID, "error", err)
			}
			continue
		}
		// A capture process that exited on its own still needs its row
		// finalized.
		if !o.processes.IsRunning(recordingKey(recording.ID)) {
			o.logger.Warn("recording process exited", "recording_id", recording.ID, "channel_id", recording.ChannelID)
			if err := o.finalize(recording, models.RecordingCompleted); err != nil {
				o.logger.Error("finalize recording failed", "recording_id", recording.ID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) hasActiveRecording(channelID string) bool {
	for _, recording := range o.repo.ListRecordingsByStatus(models.RecordingActive) {
		if recording.ChannelID == channelID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) ensureRecording(ctx context.Context, channel models.Channel) error {
	if o.hasActiveRecording(channel.ID) {
		return nil
	}
	_, err := o.startRecording(ctx, channel)
	return err
}

func (o *Orchestrator) startRecording(ctx context.Context, channel models.Channel) (models.Recording, error) {
	if channel.SourceID == "" {
		return models.Recording{}, fmt.Errorf("channel %s has no source", channel.ID)
	}
	source, ok := o.repo.GetSource(channel.SourceID)
	if !ok {
		return models.Recording{}, fmt.Errorf("source %s: %w", channel.SourceID, storage.ErrNotFound)
	}

	recording, err := o.repo.CreateRecording(channel.ID)
	if err != nil {
		return models.Recording{}, err
	}

	outputFile, err := o.layout.RecordingFile(channel.Slug, recording.ID)
	if err != nil {
		return models.Recording{}, o.markFailed(recording, err)
	}
	if _, err := o.repo.UpdateRecording(recording.ID, storage.RecordingUpdate{FilePath: &outputFile}); err != nil {
		return models.Recording{}, err
	}
	recording.FilePath = outputFile

	endpoint := source.EndpointURL
	if source.Protocol == models.ProtocolYouTube {
		if o.resolver == nil {
			return models.Recording{}, o.markFailed(recording, fmt.Errorf("youtube source requires a resolver"))
		}
		resolved, err := o.resolver.Resolve(ctx, endpoint)
		if err != nil {
			return models.Recording{}, o.markFailed(recording, err)
		}
		endpoint = resolved
	}

	spec, err := supervisor.BuildRecordingCommand(endpoint, outputFile)
	if err != nil {
		return models.Recording{}, o.markFailed(recording, err)
	}

	recordingID := recording.ID
	onError := func(line string) {
		o.logger.Error("recording error", "recording_id", recordingID, "line", line)
	}
	if err := o.processes.Start(recordingKey(recording.ID), "recording", spec, onError); err != nil {
		return models.Recording{}, o.markFailed(recording, err)
	}

	if o.metrics != nil {
		o.metrics.RecordingStarted()
	}
	o.logger.Info("recording started", "recording_id", recording.ID, "channel_id", channel.ID, "file", outputFile)
	return recording, nil
}

func (o *Orchestrator) markFailed(recording models.Recording, cause error) error {
	failed := models.RecordingFailed
	if _, err := o.repo.UpdateRecording(recording.ID, storage.RecordingUpdate{Status: &failed}); err != nil {
		return fmt.Errorf("%v (and marking failed: %w)", cause, err)
	}
	return cause
}

func (o *Orchestrator) stopRecording(recording models.Recording) error {
	o.processes.Stop(recordingKey(recording.ID))
	return o.finalize(recording, models.RecordingCompleted)
}

func (o *Orchestrator) finalize(recording models.Recording, status models.RecordingStatus) error {
	ended := o.clock()
	duration := int(ended.Sub(recording.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	var size int64
	if recording.FilePath != "" {
		measured, err := o.layout.FileSize(recording.FilePath)
		if err != nil {
			o.logger.Warn("measure recording file failed", "recording_id", recording.ID, "error", err)
		} else {
			size = measured
		}
	}
	if size == 0 && status == models.RecordingCompleted {
		// An empty capture file means nothing was ever written.
		status = models.RecordingFailed
	}

	update := storage.RecordingUpdate{
		Status:          &status,
		EndedAt:         &ended,
		DurationSeconds: &duration,
		FileSizeBytes:   &size,
	}
	if _, err := o.repo.UpdateRecording(recording.ID, update); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordingStopped()
	}
	o.logger.Info("recording finalized", "recording_id", recording.ID, "status", status, "duration_seconds", duration, "size_bytes", size)
	return nil
}

// StartManual begins an on-demand recording for a live channel.
func (o *Orchestrator) StartManual(ctx context.Context, channelID string) (models.Recording, error) {
	channel, ok := o.repo.GetChannel(channelID)
	if !ok {
		return models.Recording{}, fmt.Errorf("channel %s: %w", channelID, storage.ErrNotFound)
	}
	if channel.Status != models.ChannelLive {
		return models.Recording{}, fmt.Errorf("channel %s is not live", channelID)
	}
	if o.hasActiveRecording(channelID) {
		return models.Recording{}, fmt.Errorf("channel %s is already being recorded", channelID)
	}
	return o.startRecording(ctx, channel)
}

// StopManual stops an on-demand recording.
func (o *Orchestrator) StopManual(recordingID string) error {
	recording, ok := o.repo.GetRecording(recordingID)
	if !ok {
		return fmt.Errorf("recording %s: %w", recordingID, storage.ErrNotFound)
	}
	if recording.Status != models.RecordingActive {
		return fmt.Errorf("recording %s is not active", recordingID)
	}
	return o.stopRecording(recording)
}
