package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamgate/internal/media"
	"streamgate/internal/models"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/probe"
	"streamgate/internal/storage"
	"streamgate/internal/supervisor"
)

// Processes is the slice of the supervisor the monitor drives.
type Processes interface {
	Start(key, kind string, spec supervisor.CommandSpec, onError func(string)) error
	Stop(key string) bool
	IsRunning(key string) bool
	LastError(key string) string
}

// StreamProber inspects endpoints.
type StreamProber interface {
	Probe(ctx context.Context, protocol models.SourceProtocol, endpointURL string) *probe.StreamInfo
}

// URLResolver resolves youtube page URLs to direct media URLs.
type URLResolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// Controller drives every active source through its lifecycle: it launches
// ingest processes for connecting sources, probes online ones on an interval,
// and demotes sources whose process died or whose probes fail.
type Controller struct {
	repo      storage.Repository
	processes Processes
	prober    StreamProber
	resolver  URLResolver
	layout    *media.Layout
	logger    *slog.Logger
	metrics   *metrics.Recorder

	pollInterval    time.Duration
	probeInterval   time.Duration
	connectDeadline time.Duration
	clock           func() time.Time

	mu              sync.Mutex
	lastProbe       map[string]time.Time
	connectingSince map[string]time.Time
}

// Options configures a Controller. Zero durations select production defaults.
type Options struct {
	Repository      storage.Repository
	Processes       Processes
	Prober          StreamProber
	Resolver        URLResolver
	Layout          *media.Layout
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	PollInterval    time.Duration
	ProbeInterval   time.Duration
	ConnectDeadline time.Duration
	Clock           func() time.Time
}

// New constructs a Controller.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	probeEvery := opts.ProbeInterval
	if probeEvery <= 0 {
		probeEvery = 60 * time.Second
	}
	deadline := opts.ConnectDeadline
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		repo:            opts.Repository,
		processes:       opts.Processes,
		prober:          opts.Prober,
		resolver:        opts.Resolver,
		layout:          opts.Layout,
		logger:          logger,
		metrics:         opts.Metrics,
		pollInterval:    poll,
		probeInterval:   probeEvery,
		connectDeadline: deadline,
		clock:           clock,
		lastProbe:       make(map[string]time.Time),
		connectingSince: make(map[string]time.Time),
	}
}

// Start launches the polling loop and returns a stop function that cancels it
// and waits for the in-flight cycle to finish.
func (c *Controller) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(c.pollInterval)
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
				c.RunCycle(workerCtx)
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

// RunCycle monitors every active source once. A failure on one source never
// prevents the rest from being inspected.
func (c *Controller) RunCycle(ctx context.Context) {
	for _, source := range c.repo.ListSources() {
		if !source.Active {
			continue
		}
		if err := c.monitorSource(ctx, source); err != nil {
			c.logger.Error("monitor source failed", "source_id", source.ID, "name", source.Name, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Controller) monitorSource(ctx context.Context, source models.Source) error {
	running := c.processes.IsRunning(source.ID)

	switch source.Status {
	case models.SourceConnecting:
		return c.handleConnecting(ctx, source, running)
	case models.SourceOnline:
		return c.handleOnline(ctx, source, running)
	case models.SourceUnstable:
		return c.handleUnstable(ctx, source, running)
	default:
		// offline and error wait for a manual reconnect.
		c.clearTracking(source.ID)
		return nil
	}
}

func (c *Controller) handleConnecting(ctx context.Context, source models.Source, running bool) error {
	now := c.clock()
	c.mu.Lock()
	since, tracked := c.connectingSince[source.ID]
	if !tracked {
		c.connectingSince[source.ID] = now
		since = now
	}
	c.mu.Unlock()

	if !running {
		return c.startIngest(ctx, source)
	}

	if !c.shouldProbe(source.ID, now) {
		return nil
	}

	info := c.prober.Probe(ctx, source.Protocol, source.EndpointURL)
	if info.IsValid() {
		return c.markOnline(source, info, now)
	}

	if now.Sub(since) > c.connectDeadline {
		c.logger.Warn("source connect deadline exceeded", "source_id", source.ID, "name", source.Name)
		c.processes.Stop(source.ID)
		c.clearTracking(source.ID)
		if _, err := c.repo.TransitionSource(source.ID, models.SourceError); err != nil {
			return err
		}
		c.observeTransition(models.SourceError)
	}
	return nil
}

func (c *Controller) handleOnline(ctx context.Context, source models.Source, running bool) error {
	now := c.clock()
	if !running {
		c.logger.Warn("ingest process died", "source_id", source.ID, "name", source.Name, "last_error", c.processes.LastError(source.ID))
		c.clearTracking(source.ID)
		if _, err := c.repo.TransitionSource(source.ID, models.SourceOffline); err != nil {
			return err
		}
		c.observeTransition(models.SourceOffline)
		return nil
	}

	if !c.shouldProbe(source.ID, now) {
		return nil
	}

	info := c.prober.Probe(ctx, source.Protocol, source.EndpointURL)
	if info.IsValid() {
		if _, err := c.repo.TouchSourceLastSeen(source.ID, now); err != nil {
			return err
		}
		c.recordMetric(source.ID, info, now)
		return nil
	}

	c.logger.Warn("probe failed for online source", "source_id", source.ID, "name", source.Name)
	if _, err := c.repo.TransitionSource(source.ID, models.SourceUnstable); err != nil {
		return err
	}
	c.observeTransition(models.SourceUnstable)
	return nil
}

func (c *Controller) handleUnstable(ctx context.Context, source models.Source, running bool) error {
	now := c.clock()
	if !running {
		c.clearTracking(source.ID)
		if _, err := c.repo.TransitionSource(source.ID, models.SourceOffline); err != nil {
			return err
		}
		c.observeTransition(models.SourceOffline)
		return nil
	}

	if !c.shouldProbe(source.ID, now) {
		return nil
	}

	info := c.prober.Probe(ctx, source.Protocol, source.EndpointURL)
	if info.IsValid() {
		return c.markOnline(source, info, now)
	}

	// Transient instability is retried on the next probe interval; the
	// source only leaves unstable when the probe recovers or the ingest
	// process dies.
	c.logger.Warn("unstable source failed probe again", "source_id", source.ID, "name", source.Name)
	c.markProbed(source.ID, now)
	return nil
}

func (c *Controller) markProbed(sourceID string, now time.Time) {
	c.mu.Lock()
	c.lastProbe[sourceID] = now
	c.mu.Unlock()
}

func (c *Controller) markOnline(source models.Source, info *probe.StreamInfo, now time.Time) error {
	if _, err := c.repo.TransitionSource(source.ID, models.SourceOnline); err != nil {
		return err
	}
	c.observeTransition(models.SourceOnline)
	c.logger.Info("source online", "source_id", source.ID, "name", source.Name, "resolution", info.Resolution)

	c.mu.Lock()
	delete(c.connectingSince, source.ID)
	c.mu.Unlock()

	c.recordMetric(source.ID, info, now)
	return nil
}

func (c *Controller) recordMetric(sourceID string, info *probe.StreamInfo, now time.Time) {
	c.mu.Lock()
	c.lastProbe[sourceID] = now
	c.mu.Unlock()

	_, err := c.repo.AppendSourceMetric(models.SourceMetric{
		SourceID:    sourceID,
		Timestamp:   now,
		BitrateKbps: info.BitrateKbps,
		FPS:         info.FPS,
		VideoCodec:  info.VideoCodec,
		AudioCodec:  info.AudioCodec,
		Resolution:  info.Resolution,
	})
	if err != nil {
		c.logger.Error("append source metric failed", "source_id", sourceID, "error", err)
	}
}

// startIngest resolves the source endpoint when needed and launches its
// ffmpeg process. The output lands in a source-scoped HLS directory that
// channels repackage.
func (c *Controller) startIngest(ctx context.Context, source models.Source) error {
	endpoint := source.EndpointURL
	if source.Protocol == models.ProtocolYouTube {
		if c.resolver == nil {
			return c.failIngest(source, fmt.Errorf("youtube source requires a resolver"))
		}
		resolved, err := c.resolver.Resolve(ctx, endpoint)
		if err != nil {
			return c.failIngest(source, err)
		}
		endpoint = resolved
	}

	outputDir, err := c.layout.ChannelHLSDir(sourceSlug(source.ID))
	if err != nil {
		return c.failIngest(source, err)
	}

	spec, err := supervisor.BuildIngestCommand(source.Protocol, endpoint, source.ConnectionParams, outputDir, "")
	if err != nil {
		return c.failIngest(source, err)
	}

	sourceID := source.ID
	onError := func(line string) {
		c.logger.Error("ingest error", "source_id", sourceID, "line", line)
	}
	if err := c.processes.Start(sourceID, "ingest", spec, onError); err != nil {
		return c.failIngest(source, err)
	}
	c.logger.Info("ingest started", "source_id", source.ID, "name", source.Name, "command", spec.Redacted(source.EndpointURL))
	return nil
}

func (c *Controller) failIngest(source models.Source, cause error) error {
	c.clearTracking(source.ID)
	if _, err := c.repo.TransitionSource(source.ID, models.SourceError); err != nil {
		return fmt.Errorf("%v (and transition failed: %w)", cause, err)
	}
	c.observeTransition(models.SourceError)
	return cause
}

func (c *Controller) shouldProbe(sourceID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastProbe[sourceID]
	return !ok || now.Sub(last) >= c.probeInterval
}

func (c *Controller) clearTracking(sourceID string) {
	c.mu.Lock()
	delete(c.lastProbe, sourceID)
	delete(c.connectingSince, sourceID)
	c.mu.Unlock()
}

func (c *Controller) observeTransition(to models.SourceStatus) {
	if c.metrics != nil {
		c.metrics.ObserveSourceTransition(string(to))
	}
}

func sourceSlug(sourceID string) string {
	return "source_" + sourceID
}
