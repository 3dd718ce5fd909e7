package alerts

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/storage"
)

type captureSink struct {
	mu       sync.Mutex
	insights []models.Insight
}

func (c *captureSink) Publish(ctx context.Context, insight models.Insight) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insights = append(c.insights, insight)
	return nil
}

func (c *captureSink) published() []models.Insight {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Insight, len(c.insights))
	copy(out, c.insights)
	return out
}

type fixture struct {
	store  *storage.Storage
	sink   *captureSink
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sink: &captureSink{},
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	store, err := storage.NewStorage("", storage.WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	f.store = store
	f.engine = New(Options{
		Repository: store,
		Sink:       f.sink,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) createSourceWithChannel(t *testing.T) (models.Source, models.Channel) {
	t.Helper()
	source, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "uplink",
		Protocol:    models.ProtocolSRT,
		EndpointURL: "srt://upstream:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	channel, err := f.store.CreateChannel(storage.CreateChannelParams{
		Name:     "News",
		SourceID: source.ID,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return source, channel
}

func (f *fixture) setLive(t *testing.T, channelID string) {
	t.Helper()
	if _, err := f.store.SetChannelStatus(channelID, models.ChannelLive); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
}

func (f *fixture) transition(t *testing.T, sourceID string, steps ...models.SourceStatus) {
	t.Helper()
	for _, status := range steps {
		if _, err := f.store.TransitionSource(sourceID, status); err != nil {
			t.Fatalf("TransitionSource to %s: %v", status, err)
		}
	}
}

func insightRules(insights []models.Insight) []string {
	rules := make([]string, 0, len(insights))
	for _, insight := range insights {
		rules = append(rules, insight.Rule)
	}
	return rules
}

func TestSourceDisconnectedFiresForRecentlySeenSource(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.transition(t, source.ID, models.SourceOnline, models.SourceOffline)

	f.engine.RunCycle(context.Background())

	insights := f.store.ListInsights(channel.ID, 10)
	if len(insights) != 1 {
		t.Fatalf("expected one insight, got %v", insightRules(insights))
	}
	got := insights[0]
	if got.Rule != RuleSourceDisconnected {
		t.Fatalf("unexpected rule %s", got.Rule)
	}
	if got.Severity != models.SeverityCritical {
		t.Fatalf("expected critical, got %s", got.Severity)
	}
	if !got.Actionable {
		t.Fatalf("expected actionable insight")
	}
	if got.Data["sourceId"] != source.ID {
		t.Fatalf("expected source id in data, got %v", got.Data)
	}
	if published := f.sink.published(); len(published) != 1 || published[0].ID != got.ID {
		t.Fatalf("expected insight forwarded to sink")
	}
}

func TestSourceDisconnectedIgnoresStaleSources(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.transition(t, source.ID, models.SourceOnline, models.SourceOffline)

	f.now = f.now.Add(2 * time.Hour)
	f.engine.RunCycle(context.Background())

	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 0 {
		t.Fatalf("expected no insights for stale source, got %v", insightRules(insights))
	}
}

func TestSourceRulesSkipInactiveSources(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.transition(t, source.ID, models.SourceOnline, models.SourceOffline)
	inactive := false
	if _, err := f.store.UpdateSource(source.ID, storage.SourceUpdate{Active: &inactive}); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	f.engine.RunCycle(context.Background())

	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 0 {
		t.Fatalf("expected no insights for inactive source, got %v", insightRules(insights))
	}
}

func TestSourceDisconnectedIgnoresNeverSeenSources(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.transition(t, source.ID, models.SourceError)

	f.engine.RunCycle(context.Background())

	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 0 {
		t.Fatalf("expected no insights for never-seen source, got %v", insightRules(insights))
	}
}

func TestLowBitrateFiresBelowThreshold(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.setLive(t, channel.ID)
	f.transition(t, source.ID, models.SourceOnline)
	if _, err := f.store.AppendSourceMetric(models.SourceMetric{SourceID: source.ID, BitrateKbps: 320}); err != nil {
		t.Fatalf("AppendSourceMetric: %v", err)
	}

	f.engine.RunCycle(context.Background())

	insights := f.store.ListInsights(channel.ID, 10)
	if len(insights) != 1 || insights[0].Rule != RuleLowBitrate {
		t.Fatalf("expected low bitrate insight, got %v", insightRules(insights))
	}
	if insights[0].Severity != models.SeverityWarning {
		t.Fatalf("expected warning, got %s", insights[0].Severity)
	}
}

func TestLowBitrateIgnoresHealthyAndUnknownBitrate(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.setLive(t, channel.ID)
	f.transition(t, source.ID, models.SourceOnline)
	if _, err := f.store.AppendSourceMetric(models.SourceMetric{SourceID: source.ID, BitrateKbps: 4200}); err != nil {
		t.Fatalf("AppendSourceMetric: %v", err)
	}

	f.engine.RunCycle(context.Background())
	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 0 {
		t.Fatalf("expected no insights for healthy bitrate, got %v", insightRules(insights))
	}

	// A metric without bitrate data must not trip the floor.
	if _, err := f.store.AppendSourceMetric(models.SourceMetric{SourceID: source.ID}); err != nil {
		t.Fatalf("AppendSourceMetric: %v", err)
	}
	f.engine.RunCycle(context.Background())
	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 0 {
		t.Fatalf("expected no insights for unknown bitrate, got %v", insightRules(insights))
	}
}

func TestHighPacketLossFires(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.setLive(t, channel.ID)
	f.transition(t, source.ID, models.SourceOnline)
	if _, err := f.store.AppendSourceMetric(models.SourceMetric{
		SourceID:          source.ID,
		BitrateKbps:       4200,
		PacketLossPercent: 7.5,
	}); err != nil {
		t.Fatalf("AppendSourceMetric: %v", err)
	}

	f.engine.RunCycle(context.Background())

	insights := f.store.ListInsights(channel.ID, 10)
	if len(insights) != 1 || insights[0].Rule != RuleHighPacketLoss {
		t.Fatalf("expected packet loss insight, got %v", insightRules(insights))
	}
}

func TestChannelOfflineWithOnlineSourceFires(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.transition(t, source.ID, models.SourceOnline)

	f.engine.RunCycle(context.Background())

	insights := f.store.ListInsights(channel.ID, 10)
	if len(insights) != 1 || insights[0].Rule != RuleChannelOfflineSourceOnline {
		t.Fatalf("expected channel offline insight, got %v", insightRules(insights))
	}

	// Once the channel is live the rule stops matching.
	if _, err := f.store.SetChannelStatus(channel.ID, models.ChannelLive); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	f.now = f.now.Add(10 * time.Minute)
	f.engine.RunCycle(context.Background())
	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 1 {
		t.Fatalf("expected no additional insights, got %v", insightRules(insights))
	}
}

func TestCooldownSuppressesRepeatFirings(t *testing.T) {
	f := newFixture(t)
	source, channel := f.createSourceWithChannel(t)
	f.transition(t, source.ID, models.SourceOnline, models.SourceOffline)

	f.engine.RunCycle(context.Background())
	f.now = f.now.Add(time.Minute)
	f.engine.RunCycle(context.Background())

	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 1 {
		t.Fatalf("expected cooldown to suppress repeat, got %v", insightRules(insights))
	}

	f.now = f.now.Add(6 * time.Minute)
	f.engine.RunCycle(context.Background())
	if insights := f.store.ListInsights(channel.ID, 10); len(insights) != 2 {
		t.Fatalf("expected refire after cooldown, got %v", insightRules(insights))
	}
}

func TestCooldownTracksEntitiesIndependently(t *testing.T) {
	f := newFixture(t)
	first, firstChannel := f.createSourceWithChannel(t)
	f.transition(t, first.ID, models.SourceOnline, models.SourceOffline)

	f.engine.RunCycle(context.Background())

	second, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "backup uplink",
		Protocol:    models.ProtocolSRT,
		EndpointURL: "srt://backup:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	secondChannel, err := f.store.CreateChannel(storage.CreateChannelParams{
		Name:     "Sports",
		SourceID: second.ID,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	f.transition(t, second.ID, models.SourceOnline, models.SourceOffline)

	f.now = f.now.Add(time.Minute)
	f.engine.RunCycle(context.Background())

	if insights := f.store.ListInsights(firstChannel.ID, 10); len(insights) != 1 {
		t.Fatalf("expected first source still in cooldown, got %v", insightRules(insights))
	}
	if insights := f.store.ListInsights(secondChannel.ID, 10); len(insights) != 1 {
		t.Fatalf("expected second source to fire independently, got %v", insightRules(insights))
	}
}

func TestFiringSkippedWithoutOwningChannel(t *testing.T) {
	f := newFixture(t)
	source, err := f.store.CreateSource(storage.CreateSourceParams{
		Name:        "orphan",
		Protocol:    models.ProtocolSRT,
		EndpointURL: "srt://upstream:9000",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	f.transition(t, source.ID, models.SourceOnline, models.SourceOffline)

	f.engine.RunCycle(context.Background())

	if published := f.sink.published(); len(published) != 0 {
		t.Fatalf("expected nothing published for orphan source, got %d", len(published))
	}
}
