// Package app wires configuration, storage, and domain services together
// and runs the process in either "api" or "worker" mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dawnotemu/voicecore/internal/api"
	"github.com/dawnotemu/voicecore/internal/auth"
	"github.com/dawnotemu/voicecore/internal/config"
	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/internal/httpserver"
	"github.com/dawnotemu/voicecore/internal/jobs"
	"github.com/dawnotemu/voicecore/internal/platform"
	"github.com/dawnotemu/voicecore/internal/telemetry"
	"github.com/dawnotemu/voicecore/internal/version"
	"github.com/dawnotemu/voicecore/pkg/kvqueue"
	"github.com/dawnotemu/voicecore/pkg/ledger"
	"github.com/dawnotemu/voicecore/pkg/lock"
	"github.com/dawnotemu/voicecore/pkg/storyclient"
	"github.com/dawnotemu/voicecore/pkg/synth"
	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

const queueName = "voice_alloc"

// Run bootstraps shared infrastructure, builds every domain service, and
// dispatches to runAPI or runWorker depending on cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting voicecore", "mode", cfg.Mode, "version", version.Version, "commit", version.Commit)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, cfg.OTELServiceName, version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	objects, err := platform.NewObjectStore(ctx, platform.ObjectStoreConfig{
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
		UseSSE:         cfg.S3UseSSE,
	})
	if err != nil {
		return fmt.Errorf("connecting to object storage: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	identities := auth.NewPostgresStore(db)
	locker := lock.New(rdb)
	queue := kvqueue.New(rdb, queueName)
	events := eventlog.NewWriter(db, logger)
	events.Start(ctx)

	jobsClient, err := jobs.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("building task client: %w", err)
	}
	defer jobsClient.Close()

	providers := ttsprovider.NewRegistry(
		ttsprovider.NewRateLimited(ttsprovider.NewElevenLabsProvider(cfg.ElevenLabsAPIKey, nil), 2, 4),
		ttsprovider.NewRateLimited(ttsprovider.NewCartesiaProvider(cfg.CartesiaAPIKey, nil), 2, 4),
	)

	ledgerStore := ledger.NewStore(db)
	ledgerSvc := ledger.NewService(ledgerStore, ledger.Config{
		UnitSize:       cfg.CreditsUnitSize,
		SourcePriority: cfg.CreditSourcesPriority(),
	}, logger)

	voiceStore := voiceslot.NewStore(db)
	voiceCfg := voiceslot.Config{
		SlotLimit:         cfg.SlotLimit,
		WarmHold:          time.Duration(cfg.WarmHoldSeconds) * time.Second,
		SlotLockTTL:       time.Duration(cfg.SlotLockSeconds) * time.Second,
		QueuePollInterval: time.Duration(cfg.QueuePollInterval) * time.Second,
		MaxReclaimPerTick: cfg.MaxReclaimPerTick,
		MaxAllocAttempts:  cfg.MaxAllocAttempts,
	}
	allocator := voiceslot.NewAllocator(voiceStore, queue, locker, events, jobsClient, voiceCfg, logger)
	voiceSvc := voiceslot.NewService(voiceStore, objects, providers, events, logger)

	storyClient := storyclient.NewClient(cfg.StoryServiceURL, cfg.StoryServiceAPIKey)

	synthStore := synth.NewStore(db)
	dedup := synth.NewDeduplicator(locker)
	synthSvc := synth.NewService(synthStore, voiceStore, storyClient, ledgerSvc, allocator, dedup, jobsClient, events, synth.Config{
		CreditsUnitSize: cfg.CreditsUnitSize,
	}, logger)

	adminIDs, err := parseAdminUserIDs(cfg.AdminUserIDs)
	if err != nil {
		return fmt.Errorf("parsing ADMIN_USER_IDS: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, identities, synthSvc, synthStore, ledgerSvc, voiceSvc, voiceStore, queue, events, objects, adminIDs)
	case "worker":
		return runWorker(ctx, cfg, logger, voiceStore, queue, objects, providers, events, jobsClient, synthStore, allocator, ledgerSvc, storyClient)
	default:
		return fmt.Errorf("unknown mode %q (want \"api\" or \"worker\")", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	identities auth.Store,
	synthSvc *synth.Service,
	synthStore *synth.Store,
	ledgerSvc *ledger.Service,
	voiceSvc *voiceslot.Service,
	voiceStore *voiceslot.Store,
	queue *kvqueue.Queue,
	events *eventlog.Writer,
	objects *platform.ObjectStore,
	adminIDs []uuid.UUID,
) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, identities)

	handler := api.NewHandler(logger, synthSvc, synthStore, ledgerSvc, voiceSvc, voiceStore, queue, events, objects, api.Config{
		PresignTTL:           time.Duration(cfg.S3PresignTTLHours) * time.Hour,
		CreditsUnitSize:      cfg.CreditsUnitSize,
		CreditsUnitLabel:     cfg.CreditsUnitLabel,
		SlotLimit:            cfg.SlotLimit,
		VoiceSampleMaxMB:     cfg.VoiceSampleMaxMB,
		DefaultVoiceProvider: cfg.PreferredVoiceService,
		AdminUserIDs:         adminIDs,
	})
	srv.APIRouter.Mount("/", handler.Routes())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("api shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

func runWorker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	voiceStore *voiceslot.Store,
	queue *kvqueue.Queue,
	objects *platform.ObjectStore,
	providers *ttsprovider.Registry,
	events *eventlog.Writer,
	jobsClient *jobs.Client,
	synthStore *synth.Store,
	allocator *voiceslot.Allocator,
	ledgerSvc *ledger.Service,
	storyClient *storyclient.Client,
) error {
	voiceCfg := voiceslot.Config{
		SlotLimit:         cfg.SlotLimit,
		WarmHold:          time.Duration(cfg.WarmHoldSeconds) * time.Second,
		SlotLockTTL:       time.Duration(cfg.SlotLockSeconds) * time.Second,
		QueuePollInterval: time.Duration(cfg.QueuePollInterval) * time.Second,
		MaxReclaimPerTick: cfg.MaxReclaimPerTick,
		MaxAllocAttempts:  cfg.MaxAllocAttempts,
	}

	allocWorker := voiceslot.NewAllocationWorker(voiceStore, queue, objects, providers, events, jobsClient, voiceCfg, logger)

	synthWorker := synth.NewWorker(synthStore, voiceStore, voiceStore, storyClient, allocator, ledgerSvc, providers, objects, jobsClient, events, synth.WorkerConfig{
		MaxSynthAttempts:     cfg.MaxSynthAttempts,
		QueuePollInterval:    time.Duration(cfg.QueuePollInterval) * time.Second,
		WarmHold:             time.Duration(cfg.WarmHoldSeconds) * time.Second,
		DefaultVoiceSettings: ttsprovider.VoiceSettings{},
	}, logger)

	taskSrv, err := jobs.NewServer(jobs.ServerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: 10,
	}, allocWorker, synthWorker, logger)
	if err != nil {
		return fmt.Errorf("building task server: %w", err)
	}

	reclaimer := voiceslot.NewReclaimer(voiceStore, queue, providers, events, jobsClient, voiceCfg, logger)

	pollInterval := time.Duration(cfg.QueuePollInterval) * time.Second
	go voiceslot.RunLoop(ctx, reclaimer.Run, pollInterval, logger, "reclaimer")
	go voiceslot.RunLoop(ctx, func(ctx context.Context) error { return allocWorker.DrainQueue(ctx) }, pollInterval, logger, "queue drain")

	logger.Info("worker running")
	return taskSrv.Run(ctx)
}

// parseAdminUserIDs parses the flat ADMIN_USER_IDS allowlist into UUIDs.
// Only empty entries are skipped: a malformed ID in that list is a
// configuration error, not something to paper over.
func parseAdminUserIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid admin user id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
