package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"listing_harvester/config"
	"listing_harvester/httputil"
	"listing_harvester/logging"
	"listing_harvester/ratelimit"
	"listing_harvester/scraper"
	"listing_harvester/services"
	"listing_harvester/storage"
	"listing_harvester/workers"
)

// app holds what every command shares: config, logger and the task store.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *storage.SQLiteStore
	closers []func()
}

func openApp(opts *rootOptions, daemon bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	a := &app{cfg: cfg, logger: zap.NewNop()}
	if daemon {
		logger, logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("set up logging: %w", err)
		}
		a.logger = logger
		a.closers = append(a.closers, func() { _ = logger.Sync() })
		if logFile != nil {
			a.closers = append(a.closers, func() { logFile.Close() })
		}
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) jobService() *services.JobService {
	return services.NewJobService(a.store, services.Limits{
		DefaultItemsPerPage: a.cfg.Harvest.ItemsPerPage,
		DefaultMaxRetries:   a.cfg.Harvest.MaxRetries,
		MaxTasksPerJob:      a.cfg.Harvest.MaxTasksPerJob,
		MaxPageSize:         a.cfg.MaxPageSize,
	}, a.logger)
}

func (a *app) sources() ([]scraper.Source, error) {
	clients := httputil.NewClients(a.cfg.ProxyURL, a.cfg.Harvest.RequestTimeout)

	ids := make([]string, 0, len(a.cfg.Sources))
	for id := range a.cfg.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []scraper.Source
	for _, id := range ids {
		src, err := scraper.NewSource(a.cfg.Sources[id], clients.API, clients.Scraping)
		if err != nil {
			return nil, err
		}
		a.logger.Info("source loaded", zap.String("source_id", id), zap.String("handler", a.cfg.Sources[id].Handler))
		out = append(out, src)
	}
	return out, nil
}

// sink picks Postgres when a results database is configured, otherwise
// records stay in the local SQLite file.
func (a *app) sink(ctx context.Context) (workers.Sink, error) {
	if a.cfg.ResultsDB == "" {
		return a.store, nil
	}
	pg, err := storage.NewPostgresStore(ctx, a.cfg.ResultsDB)
	if err != nil {
		return nil, fmt.Errorf("connect results db: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("results schema: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	a.logger.Info("results sink: postgres", zap.String("db", maskConnectionString(a.cfg.ResultsDB)))
	return pg, nil
}

func (a *app) archiver(ctx context.Context) (workers.Archiver, error) {
	if !a.cfg.Archive.Enabled() {
		return nil, nil
	}
	arch, err := storage.NewS3Archiver(ctx, storage.S3Config{
		Bucket:          a.cfg.Archive.Bucket,
		Prefix:          a.cfg.Archive.Prefix,
		Region:          a.cfg.Archive.Region,
		Endpoint:        a.cfg.Archive.Endpoint,
		AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("page archive: %w", err)
	}
	a.logger.Info("page archive enabled", zap.String("bucket", a.cfg.Archive.Bucket))
	return arch, nil
}

func (a *app) limiters(opts ...ratelimit.Option) *ratelimit.Registry {
	opts = append([]ratelimit.Option{ratelimit.WithLogger(a.logger)}, opts...)
	return ratelimit.NewRegistry(a.store, func(sourceID string) ratelimit.Config {
		quota, window, spacing := a.cfg.Limits(sourceID)
		return ratelimit.Config{
			Quota:      quota,
			Window:     window,
			Spacing:    spacing,
			MaxBackoff: a.cfg.Harvest.MaxBackoff,
		}
	}, opts...)
}

// harvestWorkers builds n executors sharing one sink, archive and limiter
// registry.
func (a *app) harvestWorkers(ctx context.Context, n int, rec workers.Recorder, limiterOpts ...ratelimit.Option) ([]*workers.HarvestWorker, error) {
	sources, err := a.sources()
	if err != nil {
		return nil, err
	}
	sink, err := a.sink(ctx)
	if err != nil {
		return nil, err
	}
	arch, err := a.archiver(ctx)
	if err != nil {
		return nil, err
	}
	gates := workers.RegistryGates(a.limiters(limiterOpts...))

	if n <= 0 {
		n = 1
	}
	out := make([]*workers.HarvestWorker, 0, n)
	for i := 0; i < n; i++ {
		w := workers.NewHarvestWorker(a.store, sources, gates, sink, workers.Options{
			PageDelay:      a.cfg.Harvest.PageDelay,
			PageRetries:    a.cfg.Harvest.PageRetries,
			TaskBudget:     a.cfg.Harvest.TaskBudget,
			RequestTimeout: a.cfg.Harvest.RequestTimeout,
		})
		w.SetLogger(a.logger)
		w.SetLogFunc(a.store.Log)
		if arch != nil {
			w.SetArchiver(arch)
		}
		if rec != nil {
			w.SetMetrics(rec)
		}
		out = append(out, w)
	}
	return out, nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3
	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
