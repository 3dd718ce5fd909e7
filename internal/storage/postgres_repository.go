package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamgate/internal/models"
)

var _ Repository = (*postgresRepository)(nil)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migration.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the connection pool, bounded by the context.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.QueryTimeout)
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			protocol TEXT NOT NULL,
			source_type TEXT NOT NULL,
			endpoint_url TEXT NOT NULL,
			backup_url TEXT NOT NULL DEFAULT '',
			connection_params JSONB,
			metadata JSONB,
			status TEXT NOT NULL,
			last_seen_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS source_metrics (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL,
			bitrate_kbps INTEGER NOT NULL DEFAULT 0,
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			packet_loss_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			jitter_ms INTEGER NOT NULL DEFAULT 0,
			buffer_health DOUBLE PRECISION NOT NULL DEFAULT 0,
			video_codec TEXT NOT NULL DEFAULT '',
			audio_codec TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			error_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS source_metrics_source_ts_idx ON source_metrics (source_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			source_id TEXT NOT NULL DEFAULT '',
			fallback_source_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			output_format TEXT NOT NULL,
			transcoding_profile TEXT NOT NULL DEFAULT '',
			recording_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			thumbnail_url TEXT NOT NULL DEFAULT '',
			thumbnail_updated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS channel_events (
			id BIGSERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			triggered_by TEXT NOT NULL,
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS channel_events_channel_ts_idx ON channel_events (channel_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			file_path TEXT NOT NULL DEFAULT '',
			file_size_bytes BIGINT NOT NULL DEFAULT 0,
			format TEXT NOT NULL DEFAULT 'mp4',
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			rule TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			actionable BOOLEAN NOT NULL DEFAULT FALSE,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, err := r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not initialised")
	}
	return r.pool.Ping(ctx)
}

// --- Sources ---

const sourceColumns = `id, name, protocol, source_type, endpoint_url, backup_url, connection_params, metadata, status, last_seen_at, created_at, updated_at, active`

func scanSource(row pgx.Row) (models.Source, error) {
	var source models.Source
	err := row.Scan(
		&source.ID, &source.Name, &source.Protocol, &source.Type,
		&source.EndpointURL, &source.BackupURL, &source.ConnectionParams,
		&source.Metadata, &source.Status, &source.LastSeenAt,
		&source.CreatedAt, &source.UpdatedAt, &source.Active,
	)
	return source, err
}

func (r *postgresRepository) CreateSource(params CreateSourceParams) (models.Source, error) {
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
	now := time.Now().UTC()
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

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO sources (`+sourceColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		source.ID, source.Name, source.Protocol, source.Type, source.EndpointURL,
		source.BackupURL, source.ConnectionParams, source.Metadata, source.Status,
		source.LastSeenAt, source.CreatedAt, source.UpdatedAt, source.Active,
	)
	if err != nil {
		return models.Source{}, fmt.Errorf("insert source: %w", err)
	}
	return source, nil
}

func (r *postgresRepository) GetSource(id string) (models.Source, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	source, err := scanSource(r.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err != nil {
		return models.Source{}, false
	}
	return source, true
}

func (r *postgresRepository) ListSources() []models.Source {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY created_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil
		}
		sources = append(sources, source)
	}
	return sources
}

func (r *postgresRepository) UpdateSource(id string, update SourceUpdate) (models.Source, error) {
	source, ok := r.GetSource(id)
	if !ok {
		return models.Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}

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
	source.UpdatedAt = time.Now().UTC()

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`UPDATE sources SET name=$2, endpoint_url=$3, backup_url=$4, connection_params=$5, metadata=$6, active=$7, updated_at=$8 WHERE id=$1`,
		source.ID, source.Name, source.EndpointURL, source.BackupURL,
		source.ConnectionParams, source.Metadata, source.Active, source.UpdatedAt,
	)
	if err != nil {
		return models.Source{}, fmt.Errorf("update source: %w", err)
	}
	return source, nil
}

func (r *postgresRepository) DeleteSource(id string) error {
	ctx, cancel := r.queryCtx()
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM channels WHERE source_id = $1 OR fallback_source_id = $1`, id,
	).Scan(&count); err != nil {
		return fmt.Errorf("check source references: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("source %s is referenced by %d channel(s)", id, count)
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) TransitionSource(id string, to models.SourceStatus) (models.Source, error) {
	source, ok := r.GetSource(id)
	if !ok {
		return models.Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if !models.CanTransition(source.Status, to) {
		return models.Source{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, source.Status, to)
	}
	previousStatus := source.Status

	now := time.Now().UTC()
	source.Status = to
	source.UpdatedAt = now
	if to == models.SourceOnline {
		seen := now
		source.LastSeenAt = &seen
	}

	ctx, cancel := r.queryCtx()
	defer cancel()
	// The status guard repeats in SQL so concurrent transitions cannot race
	// past the state machine.
	tag, err := r.pool.Exec(ctx,
		`UPDATE sources SET status=$2, last_seen_at=$3, updated_at=$4 WHERE id=$1 AND status=$5`,
		source.ID, source.Status, source.LastSeenAt, source.UpdatedAt, previousStatus,
	)
	if err != nil {
		return models.Source{}, fmt.Errorf("transition source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Source{}, fmt.Errorf("%w: source %s changed concurrently", ErrInvalidTransition, id)
	}
	return source, nil
}

func (r *postgresRepository) TouchSourceLastSeen(id string, at time.Time) (models.Source, error) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	seen := at.UTC()
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sources SET last_seen_at=$2, updated_at=$3 WHERE id=$1`, id, seen, now)
	if err != nil {
		return models.Source{}, fmt.Errorf("touch source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	source, _ := r.GetSource(id)
	return source, nil
}

// --- Source metrics ---

func (r *postgresRepository) AppendSourceMetric(metric models.SourceMetric) (models.SourceMetric, error) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO source_metrics (source_id, ts, bitrate_kbps, fps, latency_ms, packet_loss_percent, jitter_ms, buffer_health, video_codec, audio_codec, resolution, error_count)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		metric.SourceID, metric.Timestamp, metric.BitrateKbps, metric.FPS,
		metric.LatencyMs, metric.PacketLossPercent, metric.JitterMs, metric.BufferHealth,
		metric.VideoCodec, metric.AudioCodec, metric.Resolution, metric.ErrorCount,
	).Scan(&metric.ID)
	if err != nil {
		return models.SourceMetric{}, fmt.Errorf("insert source metric: %w", err)
	}
	return metric, nil
}

func (r *postgresRepository) ListSourceMetrics(sourceID string, since time.Time, limit int) []models.SourceMetric {
	ctx, cancel := r.queryCtx()
	defer cancel()

	query := `SELECT id, source_id, ts, bitrate_kbps, fps, latency_ms, packet_loss_percent, jitter_ms, buffer_health, video_codec, audio_codec, resolution, error_count
		FROM source_metrics WHERE source_id = $1 AND ($2::timestamptz IS NULL OR ts >= $2) ORDER BY ts DESC`
	args := []any{sourceID, nullableTime(since)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var metrics []models.SourceMetric
	for rows.Next() {
		var metric models.SourceMetric
		if err := rows.Scan(
			&metric.ID, &metric.SourceID, &metric.Timestamp, &metric.BitrateKbps,
			&metric.FPS, &metric.LatencyMs, &metric.PacketLossPercent, &metric.JitterMs,
			&metric.BufferHealth, &metric.VideoCodec, &metric.AudioCodec,
			&metric.Resolution, &metric.ErrorCount,
		); err != nil {
			return nil
		}
		metrics = append(metrics, metric)
	}
	return metrics
}

func (r *postgresRepository) LatestSourceMetric(sourceID string) (models.SourceMetric, bool) {
	metrics := r.ListSourceMetrics(sourceID, time.Time{}, 1)
	if len(metrics) == 0 {
		return models.SourceMetric{}, false
	}
	return metrics[0], true
}

// --- Channels ---

const channelColumns = `id, name, slug, source_id, fallback_source_id, status, output_format, transcoding_profile, recording_enabled, thumbnail_url, thumbnail_updated_at, created_at, updated_at, active`

func scanChannel(row pgx.Row) (models.Channel, error) {
	var channel models.Channel
	err := row.Scan(
		&channel.ID, &channel.Name, &channel.Slug, &channel.SourceID,
		&channel.FallbackSourceID, &channel.Status, &channel.OutputFormat,
		&channel.TranscodingProfile, &channel.RecordingEnabled, &channel.ThumbnailURL,
		&channel.ThumbnailUpdatedAt, &channel.CreatedAt, &channel.UpdatedAt, &channel.Active,
	)
	return channel, err
}

func (r *postgresRepository) CreateChannel(params CreateChannelParams) (models.Channel, error) {
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
	if params.SourceID != "" {
		if _, ok := r.GetSource(params.SourceID); !ok {
			return models.Channel{}, fmt.Errorf("source %s: %w", params.SourceID, ErrNotFound)
		}
	}
	if params.FallbackSourceID != "" {
		if _, ok := r.GetSource(params.FallbackSourceID); !ok {
			return models.Channel{}, fmt.Errorf("source %s: %w", params.FallbackSourceID, ErrNotFound)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	slug := uniqueSlug(name, func(candidate string) bool {
		_, taken := r.GetChannelBySlug(candidate)
		return taken
	})

	now := time.Now().UTC()
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

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO channels (`+channelColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		channel.ID, channel.Name, channel.Slug, channel.SourceID, channel.FallbackSourceID,
		channel.Status, channel.OutputFormat, channel.TranscodingProfile, channel.RecordingEnabled,
		channel.ThumbnailURL, channel.ThumbnailUpdatedAt, channel.CreatedAt, channel.UpdatedAt, channel.Active,
	)
	if err != nil {
		return models.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) GetChannel(id string) (models.Channel, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	channel, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		return models.Channel{}, false
	}
	return channel, true
}

func (r *postgresRepository) GetChannelBySlug(slug string) (models.Channel, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	channel, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE slug = $1`, slug))
	if err != nil {
		return models.Channel{}, false
	}
	return channel, true
}

func (r *postgresRepository) ListChannels() []models.Channel {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil
		}
		channels = append(channels, channel)
	}
	return channels
}

func (r *postgresRepository) UpdateChannel(id string, update ChannelUpdate) (models.Channel, error) {
	channel, ok := r.GetChannel(id)
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}

	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		if trimmed == "" {
			return models.Channel{}, fmt.Errorf("channel name required")
		}
		channel.Name = trimmed
	}
	if update.SourceID != nil {
		if *update.SourceID != "" {
			if _, ok := r.GetSource(*update.SourceID); !ok {
				return models.Channel{}, fmt.Errorf("source %s: %w", *update.SourceID, ErrNotFound)
			}
		}
		channel.SourceID = *update.SourceID
	}
	if update.FallbackSourceID != nil {
		if *update.FallbackSourceID != "" {
			if _, ok := r.GetSource(*update.FallbackSourceID); !ok {
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
	channel.UpdatedAt = time.Now().UTC()

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`UPDATE channels SET name=$2, source_id=$3, fallback_source_id=$4, output_format=$5, transcoding_profile=$6, recording_enabled=$7, thumbnail_url=$8, thumbnail_updated_at=$9, active=$10, updated_at=$11 WHERE id=$1`,
		channel.ID, channel.Name, channel.SourceID, channel.FallbackSourceID,
		channel.OutputFormat, channel.TranscodingProfile, channel.RecordingEnabled,
		channel.ThumbnailURL, channel.ThumbnailUpdatedAt, channel.Active, channel.UpdatedAt,
	)
	if err != nil {
		return models.Channel{}, fmt.Errorf("update channel: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) DeleteChannel(id string) error {
	ctx, cancel := r.queryCtx()
	defer cancel()

	var active int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recordings WHERE channel_id = $1 AND status = $2`,
		id, models.RecordingActive,
	).Scan(&active); err != nil {
		return fmt.Errorf("check channel recordings: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("channel %s has an active recording", id)
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) SetChannelStatus(id string, status models.ChannelStatus) (models.Channel, error) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`UPDATE channels SET status=$2, updated_at=$3 WHERE id=$1`, id, status, now)
	if err != nil {
		return models.Channel{}, fmt.Errorf("set channel status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	channel, _ := r.GetChannel(id)
	return channel, nil
}

// --- Channel events ---

func (r *postgresRepository) AppendChannelEvent(channelID string, eventType models.EventType, triggeredBy models.TriggeredBy, details map[string]string) (models.ChannelEvent, error) {
	event := models.ChannelEvent{
		ChannelID:   channelID,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		TriggeredBy: triggeredBy,
		Details:     cloneStringMap(details),
	}

	ctx, cancel := r.queryCtx()
	defer cancel()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO channel_events (channel_id, event_type, ts, triggered_by, details) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		event.ChannelID, event.Type, event.Timestamp, event.TriggeredBy, event.Details,
	).Scan(&event.ID)
	if err != nil {
		return models.ChannelEvent{}, fmt.Errorf("insert channel event: %w", err)
	}
	return event, nil
}

func (r *postgresRepository) ListChannelEvents(channelID string, limit int) []models.ChannelEvent {
	ctx, cancel := r.queryCtx()
	defer cancel()

	query := `SELECT id, channel_id, event_type, ts, triggered_by, details FROM channel_events WHERE channel_id = $1 ORDER BY ts DESC, id DESC`
	args := []any{channelID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var events []models.ChannelEvent
	for rows.Next() {
		var event models.ChannelEvent
		if err := rows.Scan(&event.ID, &event.ChannelID, &event.Type, &event.Timestamp, &event.TriggeredBy, &event.Details); err != nil {
			return nil
		}
		events = append(events, event)
	}
	return events
}

// --- Recordings ---

const recordingColumns = `id, channel_id, started_at, ended_at, duration_seconds, file_path, file_size_bytes, format, status`

func scanRecording(row pgx.Row) (models.Recording, error) {
	var recording models.Recording
	err := row.Scan(
		&recording.ID, &recording.ChannelID, &recording.StartedAt, &recording.EndedAt,
		&recording.DurationSeconds, &recording.FilePath, &recording.FileSizeBytes,
		&recording.Format, &recording.Status,
	)
	return recording, err
}

func (r *postgresRepository) CreateRecording(channelID string) (models.Recording, error) {
	if _, ok := r.GetChannel(channelID); !ok {
		return models.Recording{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}

	id, err := generateID()
	if err != nil {
		return models.Recording{}, err
	}
	recording := models.Recording{
		ID:        id,
		ChannelID: channelID,
		StartedAt: time.Now().UTC(),
		Format:    "mp4",
		Status:    models.RecordingActive,
	}

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO recordings (`+recordingColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		recording.ID, recording.ChannelID, recording.StartedAt, recording.EndedAt,
		recording.DurationSeconds, recording.FilePath, recording.FileSizeBytes,
		recording.Format, recording.Status,
	)
	if err != nil {
		return models.Recording{}, fmt.Errorf("insert recording: %w", err)
	}
	return recording, nil
}

func (r *postgresRepository) GetRecording(id string) (models.Recording, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	recording, err := scanRecording(r.pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id))
	if err != nil {
		return models.Recording{}, false
	}
	return recording, true
}

func (r *postgresRepository) ListRecordings(channelID string) []models.Recording {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE ($1 = '' OR channel_id = $1) ORDER BY started_at DESC, id`, channelID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectRecordings(rows)
}

func (r *postgresRepository) ListRecordingsByStatus(status models.RecordingStatus) []models.Recording {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE status = $1 ORDER BY started_at`, status)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectRecordings(rows)
}

func collectRecordings(rows pgx.Rows) []models.Recording {
	var recordings []models.Recording
	for rows.Next() {
		recording, err := scanRecording(rows)
		if err != nil {
			return nil
		}
		recordings = append(recordings, recording)
	}
	return recordings
}

func (r *postgresRepository) UpdateRecording(id string, update RecordingUpdate) (models.Recording, error) {
	recording, ok := r.GetRecording(id)
	if !ok {
		return models.Recording{}, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if recording.Status.Terminal() {
		return models.Recording{}, fmt.Errorf("recording %s: %w", id, ErrRecordingFinalized)
	}

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

	ctx, cancel := r.queryCtx()
	defer cancel()
	// Terminal rows are guarded again in SQL against concurrent finalizers.
	tag, err := r.pool.Exec(ctx,
		`UPDATE recordings SET status=$2, ended_at=$3, duration_seconds=$4, file_path=$5, file_size_bytes=$6, format=$7
		 WHERE id=$1 AND status NOT IN ($8, $9)`,
		recording.ID, recording.Status, recording.EndedAt, recording.DurationSeconds,
		recording.FilePath, recording.FileSizeBytes, recording.Format,
		models.RecordingCompleted, models.RecordingFailed,
	)
	if err != nil {
		return models.Recording{}, fmt.Errorf("update recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Recording{}, fmt.Errorf("recording %s: %w", id, ErrRecordingFinalized)
	}
	return recording, nil
}

func (r *postgresRepository) DeleteRecording(id string) error {
	ctx, cancel := r.queryCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM recordings WHERE id = $1 AND status <> $2`, id, models.RecordingActive)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, ok := r.GetRecording(id); ok {
			return fmt.Errorf("recording %s is still active", id)
		}
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Insights ---

func (r *postgresRepository) CreateInsight(params CreateInsightParams) (models.Insight, error) {
	if _, ok := r.GetChannel(params.ChannelID); !ok {
		return models.Insight{}, fmt.Errorf("channel %s: %w", params.ChannelID, ErrNotFound)
	}

	id, err := generateID()
	if err != nil {
		return models.Insight{}, err
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
		CreatedAt:   time.Now().UTC(),
	}

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO insights (id, channel_id, rule, severity, title, description, actionable, data, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		insight.ID, insight.ChannelID, insight.Rule, insight.Severity, insight.Title,
		insight.Description, insight.Actionable, insight.Data, insight.CreatedAt,
	)
	if err != nil {
		return models.Insight{}, fmt.Errorf("insert insight: %w", err)
	}
	return insight, nil
}

func (r *postgresRepository) ListInsights(channelID string, limit int) []models.Insight {
	ctx, cancel := r.queryCtx()
	defer cancel()

	query := `SELECT id, channel_id, rule, severity, title, description, actionable, data, created_at
		FROM insights WHERE ($1 = '' OR channel_id = $1) ORDER BY created_at DESC, id`
	args := []any{channelID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var insights []models.Insight
	for rows.Next() {
		var insight models.Insight
		if err := rows.Scan(
			&insight.ID, &insight.ChannelID, &insight.Rule, &insight.Severity,
			&insight.Title, &insight.Description, &insight.Actionable,
			&insight.Data, &insight.CreatedAt,
		); err != nil {
			return nil
		}
		insights = append(insights, insight)
	}
	return insights
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
