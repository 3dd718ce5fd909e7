// Command server starts the StreamGate ingest orchestration HTTP service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamgate/internal/alerts"
	"streamgate/internal/api"
	"streamgate/internal/channels"
	"streamgate/internal/media"
	"streamgate/internal/monitor"
	"streamgate/internal/observability/logging"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/probe"
	"streamgate/internal/recorder"
	"streamgate/internal/resolver"
	"streamgate/internal/serverutil"
	"streamgate/internal/storage"
	"streamgate/internal/supervisor"
)

func main() {
	addr := flag.String("addr", "", "listen address (defaults to :8080)")
	dataPath := flag.String("data", "", "path to the JSON datastore file")
	storageDriver := flag.String("storage-driver", "", "datastore driver: memory, json, or postgres")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the postgres driver")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum Postgres pool connections")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum Postgres pool connections")
	postgresMaxLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime of a pooled Postgres connection")
	postgresMaxIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time of a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "Postgres pool health check interval")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mediaRoot := flag.String("media-root", "", "root directory for HLS output, recordings, and thumbnails")
	tlsCert := flag.String("tls-cert", "", "path to the TLS certificate (PEM)")
	tlsKey := flag.String("tls-key", "", "path to the TLS private key (PEM)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, or error")
	logFormat := flag.String("log-format", "", "log format: json or text")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	ytdlpPath := flag.String("ytdlp-path", "", "path to the yt-dlp binary")
	monitorInterval := flag.Duration("monitor-interval", 0, "source monitor poll interval")
	probeInterval := flag.Duration("probe-interval", 0, "interval between stream probes for online sources")
	connectDeadline := flag.Duration("connect-deadline", 0, "how long a source may stay in connecting before it errors")
	recordingInterval := flag.Duration("recording-interval", 0, "recording reconcile interval")
	alertInterval := flag.Duration("alert-interval", 0, "alert rule evaluation interval")
	alertCooldown := flag.Duration("alert-cooldown", 0, "suppression window between repeat alert firings")
	alertRedisAddr := flag.String("alert-redis-addr", "", "Redis address for publishing alert insights")
	alertRedisAddrs := flag.String("alert-redis-addrs", "", "comma separated Redis addresses for cluster or sentinel")
	alertRedisUsername := flag.String("alert-redis-username", "", "Redis username for the alert stream")
	alertRedisPassword := flag.String("alert-redis-password", "", "Redis password for the alert stream")
	alertRedisStream := flag.String("alert-redis-stream", "", "Redis stream that receives fired insights")
	alertRedisMaster := flag.String("alert-redis-master", "", "Redis sentinel master name for the alert stream")
	alertRedisPoolSize := flag.Int("alert-redis-pool-size", 0, "Redis connection pool size for the alert stream")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMGATE_LOG_FORMAT")),
	})
	slog.SetDefault(logger)

	recorderMetrics := metrics.Default()

	driver := resolveStorageDriver(*storageDriver, os.Getenv("STREAMGATE_STORAGE_DRIVER"))
	var (
		store storage.Repository
		err   error
	)
	switch driver {
	case "memory":
		store, err = storage.NewStorage("")
	case "json":
		store, err = storage.NewStorage(resolveDataPath(*dataPath, os.Getenv("STREAMGATE_DATA_PATH")))
	case "postgres":
		dsn := resolvePostgresDSN(*postgresDSN)
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		cfg := storage.DefaultPostgresConfig(dsn)
		if v := resolveInt(*postgresMaxConns, "STREAMGATE_POSTGRES_MAX_CONNS"); v > 0 {
			cfg.MaxConnections = int32(v)
		}
		if v := resolveInt(*postgresMinConns, "STREAMGATE_POSTGRES_MIN_CONNS"); v > 0 {
			cfg.MinConnections = int32(v)
		}
		cfg.MaxConnLifetime = resolveDuration(*postgresMaxLifetime, "STREAMGATE_POSTGRES_MAX_CONN_LIFETIME", cfg.MaxConnLifetime)
		cfg.MaxConnIdleTime = resolveDuration(*postgresMaxIdle, "STREAMGATE_POSTGRES_MAX_CONN_IDLE", cfg.MaxConnIdleTime)
		cfg.HealthCheckInterval = resolveDuration(*postgresHealthInterval, "STREAMGATE_POSTGRES_HEALTH_INTERVAL", cfg.HealthCheckInterval)
		cfg.AcquireTimeout = resolveDuration(*postgresAcquireTimeout, "STREAMGATE_POSTGRES_ACQUIRE_TIMEOUT", cfg.AcquireTimeout)
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("STREAMGATE_POSTGRES_APP_NAME")); appName != "" {
			cfg.ApplicationName = appName
		}
		store, err = storage.NewPostgresRepository(cfg)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	layout, err := media.NewLayout(firstNonEmpty(*mediaRoot, os.Getenv("STREAMGATE_MEDIA_ROOT"), "data/media"))
	if err != nil {
		logger.Error("failed to prepare media layout", "error", err)
		os.Exit(1)
	}

	processes := supervisor.New(supervisor.Options{
		Logger:  logging.WithComponent(logger, "supervisor"),
		Metrics: recorderMetrics,
	})
	prober := probe.New(probe.Options{
		FFprobePath: firstNonEmpty(*ffprobePath, os.Getenv("STREAMGATE_FFPROBE_PATH")),
		FFmpegPath:  firstNonEmpty(*ffmpegPath, os.Getenv("STREAMGATE_FFMPEG_PATH")),
		Logger:      logging.WithComponent(logger, "probe"),
		Metrics:     recorderMetrics,
	})
	urls := resolver.New(resolver.Options{
		BinaryPath: firstNonEmpty(*ytdlpPath, os.Getenv("STREAMGATE_YTDLP_PATH")),
		Logger:     logging.WithComponent(logger, "resolver"),
	})

	ops := channels.New(channels.Options{
		Repository: store,
		Processes:  processes,
		Prober:     prober,
		Resolver:   urls,
		Layout:     layout,
		Logger:     logging.WithComponent(logger, "channels"),
	})
	recordings := recorder.New(recorder.Options{
		Repository: store,
		Processes:  processes,
		Resolver:   urls,
		Layout:     layout,
		Logger:     logging.WithComponent(logger, "recorder"),
		Metrics:    recorderMetrics,
		Interval:   resolveDuration(*recordingInterval, "STREAMGATE_RECORDING_INTERVAL", 0),
	})
	watcher := monitor.New(monitor.Options{
		Repository:      store,
		Processes:       processes,
		Prober:          prober,
		Resolver:        urls,
		Layout:          layout,
		Logger:          logging.WithComponent(logger, "monitor"),
		Metrics:         recorderMetrics,
		PollInterval:    resolveDuration(*monitorInterval, "STREAMGATE_MONITOR_INTERVAL", 0),
		ProbeInterval:   resolveDuration(*probeInterval, "STREAMGATE_PROBE_INTERVAL", 0),
		ConnectDeadline: resolveDuration(*connectDeadline, "STREAMGATE_CONNECT_DEADLINE", 0),
	})

	sinkCfg := alerts.RedisSinkConfig{
		Addr:       firstNonEmpty(*alertRedisAddr, os.Getenv("STREAMGATE_ALERT_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*alertRedisAddrs, os.Getenv("STREAMGATE_ALERT_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*alertRedisUsername, os.Getenv("STREAMGATE_ALERT_REDIS_USERNAME")),
		Password:   firstNonEmpty(*alertRedisPassword, os.Getenv("STREAMGATE_ALERT_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*alertRedisStream, os.Getenv("STREAMGATE_ALERT_REDIS_STREAM")),
		MasterName: firstNonEmpty(*alertRedisMaster, os.Getenv("STREAMGATE_ALERT_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*alertRedisPoolSize, "STREAMGATE_ALERT_REDIS_POOL_SIZE"),
		Logger:     logging.WithComponent(logger, "alert-sink"),
	}
	sink, err := configureAlertSink(sinkCfg)
	if err != nil {
		logger.Error("failed to configure alert sink", "error", err)
		os.Exit(1)
	}
	engine := alerts.New(alerts.Options{
		Repository: store,
		Sink:       sink,
		Logger:     logging.WithComponent(logger, "alerts"),
		Metrics:    recorderMetrics,
		Interval:   resolveDuration(*alertInterval, "STREAMGATE_ALERT_INTERVAL", 0),
		Cooldown:   resolveDuration(*alertCooldown, "STREAMGATE_ALERT_COOLDOWN", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	monitorStop := watcher.Start(workerCtx)
	recorderStop := recordings.Start(workerCtx)
	alertStop := engine.Start(workerCtx)

	handler := api.NewHandler(store, ops, recordings)
	var root http.Handler = handler.Routes(recorderMetrics)
	root = metrics.HTTPMiddleware(recorderMetrics, root)
	root = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(root)

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMGATE_ADDR"), ":8080")
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMGATE_TLS_KEY")),
		},
		Logger: logger,
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	workerCancel()
	monitorStop()
	recorderStop()
	alertStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := processes.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("failed to stop supervised processes", "error", err)
	}
	if closer, ok := sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close alert sink", "error", err)
		}
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

// configureAlertSink returns nil when no Redis address is configured; the
// engine persists insights either way and only skips stream publishing.
func configureAlertSink(cfg alerts.RedisSinkConfig) (alerts.Sink, error) {
	if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
		return nil, nil
	}
	sink, err := alerts.NewRedisSink(cfg)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func resolveStorageDriver(flagValue, envValue string) string {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	if driver == "" {
		driver = "json"
	}
	return driver
}

func resolveDataPath(flagValue, envValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("STREAMGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
