package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"streamgate/internal/media"
	"streamgate/internal/models"
	"streamgate/internal/storage"
	"streamgate/internal/supervisor"
)

type fakeProcesses struct {
	mu       sync.Mutex
	running  map[string]bool
	started  []supervisor.CommandSpec
	stopped  []string
	startErr error
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{running: make(map[string]bool)}
}

func (f *fakeProcesses) Start(key, kind string, spec supervisor.CommandSpec, onError func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running[key] = true
	f.started = append(f.started, spec)
	return nil
}

func (f *fakeProcesses) Stop(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
	if f.running[key] {
		delete(f.running, key)
		return true
	}
	return false
}

func (f *fakeProcesses) IsRunning(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[key]
}

func (f *fakeProcesses) setRunning(key string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if running {
		f.running[key] = true
	} else {
		delete(f.running, key)
	}
}

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	return f.url, f.err
}

type fixture struct {
	store     *storage.Storage
	processes *fakeProcesses
	resolver  *fakeResolver
	layout    *media.Layout
	orch      *Orchestrator
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		processes: newFakeProcesses(),
		resolver:  &fakeResolver{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	store, err := storage.NewStorage("", storage.WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	f.store = store
	layout, err := media.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	f.layout = layout
	f.orch = New(Options{
		Repository: store,
		Processes:  f.processes,
		Resolver:   f.resolver,
		Layout:     layout,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) createLiveChannel(t *testing.T, protocol models.SourceProtocol) models.Channel {
	t.Helper()
	source, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "ingest",
		Protocol:    protocol,
		EndpointURL: "srt://upstream:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	channel, err := f.store.CreateChannel(storage.CreateChannelParams{
		Name:             "News",
		SourceID:         source.ID,
		RecordingEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	channel, err = f.store.SetChannelStatus(channel.ID, models.ChannelLive)
	if err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	return channel
}

func (f *fixture) activeRecording(t *testing.T, channelID string) models.Recording {
	t.Helper()
	for _, recording := range f.store.ListRecordingsByStatus(models.RecordingActive) {
		if recording.ChannelID == channelID {
			return recording
		}
	}
	t.Fatalf("no active recording for channel %s", channelID)
	return models.Recording{}
}

func TestCycleStartsRecordingForLiveChannel(t *testing.T) {
	f := newFixture(t)
	channel := f.createLiveChannel(t, models.ProtocolSRT)

	f.orch.RunCycle(context.Background())

	recording := f.activeRecording(t, channel.ID)
	if recording.FilePath == "" {
		t.Fatalf("expected file path on recording")
	}
	if !strings.Contains(recording.FilePath, filepath.Join(channel.Slug, recording.ID)) {
		t.Fatalf("file path %q does not contain channel slug and recording id", recording.FilePath)
	}
	if !f.processes.IsRunning("recording_" + recording.ID) {
		t.Fatalf("expected capture process running")
	}
	if len(f.processes.started) != 1 {
		t.Fatalf("expected one launch, got %d", len(f.processes.started))
	}
	spec := f.processes.started[0]
	if spec.Binary != "ffmpeg" {
		t.Fatalf("unexpected binary %q", spec.Binary)
	}
	joined := strings.Join(spec.Args, " ")
	if !strings.Contains(joined, "-c copy -f mp4") {
		t.Fatalf("unexpected capture args: %s", joined)
	}
}

func TestCycleDoesNotDuplicateActiveRecording(t *testing.T) {
	f := newFixture(t)
	f.createLiveChannel(t, models.ProtocolSRT)

	f.orch.RunCycle(context.Background())
	f.orch.RunCycle(context.Background())

	if len(f.processes.started) != 1 {
		t.Fatalf("expected a single launch, got %d", len(f.processes.started))
	}
	if got := len(f.store.ListRecordingsByStatus(models.RecordingActive)); got != 1 {
		t.Fatalf("expected one active recording, got %d", got)
	}
}

func TestCycleSkipsChannelsWithoutRecordingEnabled(t *testing.T) {
	f := newFixture(t)
	source, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "ingest",
		Protocol:    models.ProtocolSRT,
		EndpointURL: "srt://upstream:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	channel, err := f.store.CreateChannel(storage.CreateChannelParams{Name: "Plain", SourceID: source.ID})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := f.store.SetChannelStatus(channel.ID, models.ChannelLive); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}

	f.orch.RunCycle(context.Background())

	if len(f.processes.started) != 0 {
		t.Fatalf("expected no launches, got %d", len(f.processes.started))
	}
}

func TestRecordingStopsWhenChannelLeavesLive(t *testing.T) {
	f := newFixture(t)
	channel := f.createLiveChannel(t, models.ProtocolSRT)

	f.orch.RunCycle(context.Background())
	recording := f.activeRecording(t, channel.ID)

	if err := os.MkdirAll(filepath.Dir(recording.FilePath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(recording.FilePath, []byte("capture payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := f.store.SetChannelStatus(channel.ID, models.ChannelOffline); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	f.now = f.now.Add(90 * time.Second)
	f.orch.RunCycle(context.Background())

	got, ok := f.store.GetRecording(recording.ID)
	if !ok {
		t.Fatalf("recording disappeared")
	}
	if got.Status != models.RecordingCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(f.now) {
		t.Fatalf("unexpected endedAt %v", got.EndedAt)
	}
	if got.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %d", got.DurationSeconds)
	}
	if got.FileSizeBytes != int64(len("capture payload")) {
		t.Fatalf("unexpected file size %d", got.FileSizeBytes)
	}
	if len(f.processes.stopped) != 1 || f.processes.stopped[0] != "recording_"+recording.ID {
		t.Fatalf("expected capture process stopped, got %v", f.processes.stopped)
	}
}

func TestSelfExitedRecordingIsFinalized(t *testing.T) {
	f := newFixture(t)
	channel := f.createLiveChannel(t, models.ProtocolSRT)

	f.orch.RunCycle(context.Background())
	recording := f.activeRecording(t, channel.ID)

	if err := os.MkdirAll(filepath.Dir(recording.FilePath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(recording.FilePath, []byte("partial"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f.processes.setRunning("recording_"+recording.ID, false)
	f.orch.RunCycle(context.Background())

	got, _ := f.store.GetRecording(recording.ID)
	if got.Status != models.RecordingCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	// The next cycle starts a fresh recording because the channel is still
	// live.
	f.orch.RunCycle(context.Background())
	fresh := f.activeRecording(t, channel.ID)
	if fresh.ID == recording.ID {
		t.Fatalf("expected a new recording after finalization")
	}
}

func TestEmptyCaptureFileMarksRecordingFailed(t *testing.T) {
	f := newFixture(t)
	channel := f.createLiveChannel(t, models.ProtocolSRT)

	f.orch.RunCycle(context.Background())
	recording := f.activeRecording(t, channel.ID)

	if _, err := f.store.SetChannelStatus(channel.ID, models.ChannelOffline); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	f.orch.RunCycle(context.Background())

	got, _ := f.store.GetRecording(recording.ID)
	if got.Status != models.RecordingFailed {
		t.Fatalf("expected failed for empty capture, got %s", got.Status)
	}
}

func TestMissingSourceMarksRecordingFailed(t *testing.T) {
	f := newFixture(t)
	source, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "ingest",
		Protocol:    models.ProtocolSRT,
		EndpointURL: "srt://upstream:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	channel, err := f.store.CreateChannel(storage.CreateChannelParams{
		Name:             "Detached",
		SourceID:         source.ID,
		RecordingEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := f.store.SetChannelStatus(channel.ID, models.ChannelLive); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	empty := ""
	if _, err := f.store.UpdateChannel(channel.ID, storage.ChannelUpdate{SourceID: &empty}); err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}

	f.orch.RunCycle(context.Background())

	if len(f.processes.started) != 0 {
		t.Fatalf("expected no launches")
	}
	if got := len(f.store.ListRecordingsByStatus(models.RecordingActive)); got != 0 {
		t.Fatalf("expected no active recordings, got %d", got)
	}
}

func TestLaunchFailureMarksRecordingFailed(t *testing.T) {
	f := newFixture(t)
	channel := f.createLiveChannel(t, models.ProtocolSRT)
	f.processes.startErr = errors.New("spawn denied")

	f.orch.RunCycle(context.Background())

	recordings := f.store.ListRecordings(channel.ID)
	if len(recordings) != 1 {
		t.Fatalf("expected one recording row, got %d", len(recordings))
	}
	if recordings[0].Status != models.RecordingFailed {
		t.Fatalf("expected failed, got %s", recordings[0].Status)
	}
}

func TestYouTubeRecordingUsesResolvedURL(t *testing.T) {
	f := newFixture(t)
	source, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "stream page",
		Protocol:    models.ProtocolYouTube,
		EndpointURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	channel, err := f.store.CreateChannel(storage.CreateChannelParams{
		Name:             "Web",
		SourceID:         source.ID,
		RecordingEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := f.store.SetChannelStatus(channel.ID, models.ChannelLive); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	f.resolver.url = "https://cdn.example.com/media.mp4"

	f.orch.RunCycle(context.Background())

	if len(f.processes.started) != 1 {
		t.Fatalf("expected one launch")
	}
	joined := strings.Join(f.processes.started[0].Args, " ")
	if !strings.Contains(joined, "https://cdn.example.com/media.mp4") {
		t.Fatalf("expected resolved URL in args: %s", joined)
	}
}

func TestStartManualRequiresLiveChannel(t *testing.T) {
	f := newFixture(t)
	source, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "ingest",
		Protocol:    models.ProtocolSRT,
		EndpointURL: "srt://upstream:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	channel, err := f.store.CreateChannel(storage.CreateChannelParams{Name: "Idle", SourceID: source.ID})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if _, err := f.orch.StartManual(context.Background(), channel.ID); err == nil {
		t.Fatalf("expected error for offline channel")
	}
	if _, err := f.orch.StartManual(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManualLifecycle(t *testing.T) {
	f := newFixture(t)
	channel, err := f.store.CreateChannel(storage.CreateChannelParams{
		Name:     "Manual",
		SourceID: mustSourceID(t, f.store),
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := f.store.SetChannelStatus(channel.ID, models.ChannelLive); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}

	recording, err := f.orch.StartManual(context.Background(), channel.ID)
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if _, err := f.orch.StartManual(context.Background(), channel.ID); err == nil {
		t.Fatalf("expected error for already recorded channel")
	}

	if err := os.MkdirAll(filepath.Dir(recording.FilePath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(recording.FilePath, []byte("manual capture"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := f.orch.StopManual(recording.ID); err != nil {
		t.Fatalf("StopManual: %v", err)
	}
	got, _ := f.store.GetRecording(recording.ID)
	if got.Status != models.RecordingCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	if err := f.orch.StopManual(recording.ID); err == nil {
		t.Fatalf("expected error stopping finalized recording")
	}
	if err := f.orch.StopManual("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func mustSourceID(t *testing.T, store *storage.Storage) string {
	t.Helper()
	source, err := store.CreateSource(storage.CreateSourceParams{
		Name:        "ingest",
		Protocol:    models.ProtocolSRT,
		EndpointURL: "srt://upstream:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	return source.ID
}
