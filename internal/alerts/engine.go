package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/storage"
)

// Rule names. The set is closed: rules are compiled in, not configured.
const (
	RuleSourceDisconnected         = "source_disconnected"
	RuleLowBitrate                 = "low_bitrate"
	RuleHighPacketLoss             = "high_packet_loss"
	RuleChannelOfflineSourceOnline = "channel_offline_source_online"
)

const (
	lowBitrateThresholdKbps = 500
	packetLossThresholdPct  = 5.0
	recentDisconnectWindow  = time.Hour
)

// Sink receives every insight the engine fires, after it has been persisted.
type Sink interface {
	Publish(ctx context.Context, insight models.Insight) error
}

// Engine evaluates the alert rules against current source and channel state
// on a fixed interval. Repeated firings of the same rule for the same entity
// are suppressed for the cooldown window.
type Engine struct {
	repo     storage.Repository
	sink     Sink
	logger   *slog.Logger
	metrics  *metrics.Recorder
	interval time.Duration
	cooldown time.Duration
	clock    func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// Options configures an Engine. Zero values select production defaults.
type Options struct {
	Repository storage.Repository
	Sink       Sink
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Interval   time.Duration
	Cooldown   time.Duration
	Clock      func() time.Time
}

// New constructs an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		repo:      opts.Repository,
		sink:      opts.Sink,
		logger:    logger,
		metrics:   opts.Metrics,
		interval:  interval,
		cooldown:  cooldown,
		clock:     clock,
		lastFired: make(map[string]time.Time),
	}
}

// Start launches the evaluation loop and returns a stop function that cancels
// it and waits for the in-flight cycle to finish.
func (e *Engine) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(e.interval)
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
				e.RunCycle(workerCtx)
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

// RunCycle evaluates every rule once.
func (e *Engine) RunCycle(ctx context.Context) {
	channels := e.repo.ListChannels()
	channelsBySource := make(map[string][]models.Channel)
	for _, channel := range channels {
		if channel.SourceID != "" {
			channelsBySource[channel.SourceID] = append(channelsBySource[channel.SourceID], channel)
		}
	}

	for _, source := range e.repo.ListSources() {
		if !source.Active {
			continue
		}
		owners := channelsBySource[source.ID]
		e.evaluateSourceDisconnected(ctx, source, owners)
		e.evaluateStreamQuality(ctx, source, owners)
	}

	for _, channel := range channels {
		e.evaluateChannelOffline(ctx, channel)
	}
}

func (e *Engine) evaluateSourceDisconnected(ctx context.Context, source models.Source, owners []models.Channel) {
	if source.Status != models.SourceOffline && source.Status != models.SourceError {
		return
	}
	// Only sources that were recently seen count as disconnects; a source
	// that has been dark for over an hour is stale, not newsworthy.
	if source.LastSeenAt == nil || e.clock().Sub(*source.LastSeenAt) > recentDisconnectWindow {
		return
	}
	e.fire(ctx, firing{
		rule:        RuleSourceDisconnected,
		entityID:    source.ID,
		owners:      owners,
		severity:    models.SeverityCritical,
		actionable:  true,
		title:       fmt.Sprintf("Source %s disconnected", source.Name),
		description: fmt.Sprintf("Source %s went %s after being recently online.", source.Name, source.Status),
		data: map[string]string{
			"sourceId": source.ID,
			"status":   string(source.Status),
		},
	})
}

func (e *Engine) evaluateStreamQuality(ctx context.Context, source models.Source, owners []models.Channel) {
	if source.Status != models.SourceOnline {
		return
	}
	metric, ok := e.repo.LatestSourceMetric(source.ID)
	if !ok {
		return
	}
	if metric.BitrateKbps > 0 && metric.BitrateKbps < lowBitrateThresholdKbps {
		e.fire(ctx, firing{
			rule:        RuleLowBitrate,
			entityID:    source.ID,
			owners:      owners,
			severity:    models.SeverityWarning,
			title:       fmt.Sprintf("Low bitrate on source %s", source.Name),
			description: fmt.Sprintf("Source %s is delivering %d kbps, below the %d kbps floor.", source.Name, metric.BitrateKbps, lowBitrateThresholdKbps),
			data: map[string]string{
				"sourceId":    source.ID,
				"bitrateKbps": fmt.Sprintf("%d", metric.BitrateKbps),
			},
		})
	}
	if metric.PacketLossPercent > packetLossThresholdPct {
		e.fire(ctx, firing{
			rule:        RuleHighPacketLoss,
			entityID:    source.ID,
			owners:      owners,
			severity:    models.SeverityWarning,
			title:       fmt.Sprintf("High packet loss on source %s", source.Name),
			description: fmt.Sprintf("Source %s is losing %.1f%% of packets.", source.Name, metric.PacketLossPercent),
			data: map[string]string{
				"sourceId":          source.ID,
				"packetLossPercent": fmt.Sprintf("%.1f", metric.PacketLossPercent),
			},
		})
	}
}

func (e *Engine) evaluateChannelOffline(ctx context.Context, channel models.Channel) {
	if !channel.Active || channel.Status != models.ChannelOffline || channel.SourceID == "" {
		return
	}
	source, ok := e.repo.GetSource(channel.SourceID)
	if !ok || source.Status != models.SourceOnline {
		return
	}
	e.fire(ctx, firing{
		rule:        RuleChannelOfflineSourceOnline,
		entityID:    channel.ID,
		owners:      []models.Channel{channel},
		severity:    models.SeverityCritical,
		actionable:  true,
		title:       fmt.Sprintf("Channel %s offline with healthy source", channel.Name),
		description: fmt.Sprintf("Channel %s is offline while its source %s is online and could be serving it.", channel.Name, source.Name),
		data: map[string]string{
			"channelId": channel.ID,
			"sourceId":  source.ID,
		},
	})
}

type firing struct {
	rule        string
	entityID    string
	owners      []models.Channel
	severity    models.Severity
	actionable  bool
	title       string
	description string
	data        map[string]string
}

func cooldownKey(rule, entityID string) string {
	return rule + ":" + entityID
}

func (e *Engine) inCooldown(rule, entityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	key := cooldownKey(rule, entityID)
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.cooldown {
		return true
	}
	e.lastFired[key] = now
	return false
}

func (e *Engine) fire(ctx context.Context, f firing) {
	if len(f.owners) == 0 {
		return
	}
	if e.inCooldown(f.rule, f.entityID) {
		return
	}
	if e.metrics != nil {
		e.metrics.AlertFired(f.rule)
	}
	for _, owner := range f.owners {
		insight, err := e.repo.CreateInsight(storage.CreateInsightParams{
			ChannelID:   owner.ID,
			Rule:        f.rule,
			Severity:    f.severity,
			Title:       f.title,
			Description: f.description,
			Actionable:  f.actionable,
			Data:        f.data,
		})
		if err != nil {
			e.logger.Error("persist insight failed", "rule", f.rule, "channel_id", owner.ID, "error", err)
			continue
		}
		e.logger.Warn("alert fired", "rule", f.rule, "severity", f.severity, "channel_id", owner.ID, "title", f.title)
		if e.sink != nil {
			if err := e.sink.Publish(ctx, insight); err != nil {
				e.logger.Warn("alert sink publish failed", "rule", f.rule, "error", err)
			}
		}
	}
}
